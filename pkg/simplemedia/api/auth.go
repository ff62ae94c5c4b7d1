package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/jwtauth"
	"github.com/google/uuid"
)

// OwnerHeader carries the owner id when requests are authenticated by API key.
const OwnerHeader = "X-Owner-ID"

var errNoOwner = errors.New("no owner identity")

// OwnerFunc resolves the authenticated owner of a request.
type OwnerFunc func(r *http.Request) (uuid.UUID, error)

// JWTOwner reads the "sub" claim of a token verified by jwtauth.Verifier.
func JWTOwner(r *http.Request) (uuid.UUID, error) {
	_, claims, err := jwtauth.FromContext(r.Context())
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", errNoOwner, err)
	}
	sub, _ := claims["sub"].(string)
	id, err := uuid.Parse(sub)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: subject %q is not a uuid", errNoOwner, sub)
	}
	return id, nil
}

// HeaderOwner trusts OwnerHeader. Only use it behind API key authentication.
func HeaderOwner(r *http.Request) (uuid.UUID, error) {
	raw := r.Header.Get(OwnerHeader)
	if raw == "" {
		return uuid.Nil, errNoOwner
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", errNoOwner, err)
	}
	return id, nil
}

// JWTMiddleware verifies HS256 bearer tokens and rejects requests without one.
func JWTMiddleware(secret string) func(http.Handler) http.Handler {
	ja := jwtauth.New("HS256", []byte(secret), nil)
	verify := jwtauth.Verifier(ja)
	return func(next http.Handler) http.Handler {
		return verify(jwtauth.Authenticator(next))
	}
}
