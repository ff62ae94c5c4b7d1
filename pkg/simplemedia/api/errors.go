package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/render"

	"github.com/tendant/simple-media/pkg/simplemedia"
)

// ErrorResponse is the JSON body of every failed request.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

// statusFor maps domain errors onto HTTP statuses.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, simplemedia.ErrValidation):
		return http.StatusBadRequest, "validation_failed"
	case errors.Is(err, simplemedia.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, simplemedia.ErrUnauthorized):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, simplemedia.ErrNotReady):
		return http.StatusConflict, "not_ready"
	case errors.Is(err, simplemedia.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, simplemedia.ErrStorage):
		return http.StatusBadGateway, "storage_unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func writeError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	status, code := statusFor(err)
	body := ErrorBody{Code: code, Message: err.Error()}

	var verr *simplemedia.ValidationError
	if errors.As(err, &verr) {
		body.Field = verr.Field
		body.Message = verr.Error()
	}
	if status >= http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		if status == http.StatusInternalServerError {
			body.Message = http.StatusText(status)
		}
	} else {
		logger.DebugContext(r.Context(), "request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "err", err)
	}

	render.Status(r, status)
	render.JSON(w, r, ErrorResponse{Error: body})
}

func badRequest(w http.ResponseWriter, r *http.Request, field, message string) {
	render.Status(r, http.StatusBadRequest)
	render.JSON(w, r, ErrorResponse{Error: ErrorBody{Code: "bad_request", Message: message, Field: field}})
}

func unauthenticated(w http.ResponseWriter, r *http.Request) {
	render.Status(r, http.StatusUnauthorized)
	render.JSON(w, r, ErrorResponse{Error: ErrorBody{Code: "unauthenticated", Message: "missing or invalid owner identity"}})
}
