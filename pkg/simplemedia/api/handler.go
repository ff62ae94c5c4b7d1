// Package api exposes the media registry and association engine over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/google/uuid"

	"github.com/tendant/simple-media/pkg/simplemedia"
)

const (
	// multipart overhead allowed on top of the file size limit
	formOverhead   = 1 << 20
	maxSignedTTL   = 7 * 24 * time.Hour
	defaultMaxBody = 20 << 20
)

// Handler serves the media endpoints.
type Handler struct {
	service  simplemedia.Service
	owner    OwnerFunc
	logger   *slog.Logger
	maxBytes int64
	basePath string
}

type HandlerOption func(*Handler)

func WithOwnerFunc(fn OwnerFunc) HandlerOption {
	return func(h *Handler) { h.owner = fn }
}

func WithLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) { h.logger = logger }
}

// WithMaxUploadBytes caps the request body; the service enforces the exact file limit.
func WithMaxUploadBytes(n int64) HandlerOption {
	return func(h *Handler) { h.maxBytes = n }
}

// WithBasePath is the prefix Routes is mounted under, used to build download links.
func WithBasePath(p string) HandlerOption {
	return func(h *Handler) { h.basePath = strings.TrimRight(p, "/") }
}

func NewHandler(service simplemedia.Service, opts ...HandlerOption) *Handler {
	h := &Handler{
		service:  service,
		owner:    JWTOwner,
		logger:   slog.Default(),
		maxBytes: defaultMaxBody,
		basePath: "/api/v1",
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes returns the router for the media API
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Route("/media", func(r chi.Router) {
		r.Post("/", h.Upload)
		r.Get("/", h.ListOwn)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.Get)
			r.Delete("/", h.Delete)
			r.Get("/url", h.URL)
			r.Get("/variants/{kind}/url", h.VariantURL)
			r.Get("/download", h.Download)
			r.Get("/associations", h.ListAssociations)
		})
	})
	r.Post("/associations", h.Attach)
	r.Delete("/associations", h.Detach)
	r.Route("/associatables/{type}/{aid}/media", func(r chi.Router) {
		r.Get("/", h.ListAttached)
		r.Delete("/", h.DetachAll)
	})
	return r
}

// UploadResponse is returned by Upload
type UploadResponse struct {
	ID           uuid.UUID                `json:"id"`
	URL          string                   `json:"url"`
	ThumbnailURL string                   `json:"thumbnail_url,omitempty"`
	FileName     string                   `json:"file_name"`
	Status       simplemedia.MediaStatus  `json:"status"`
	Deduplicated bool                     `json:"deduplicated"`
	Retried      bool                     `json:"retried,omitempty"`
	Association  *simplemedia.Association `json:"association,omitempty"`
}

// Upload accepts a multipart upload and returns as soon as the record is queued.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	owner, err := h.owner(r)
	if err != nil {
		unauthenticated(w, r)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes+formOverhead)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			render.Status(r, http.StatusRequestEntityTooLarge)
			render.JSON(w, r, ErrorResponse{Error: ErrorBody{Code: "too_large", Message: err.Error(), Field: "file"}})
			return
		}
		badRequest(w, r, "", "invalid multipart form: "+err.Error())
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		badRequest(w, r, "file", "file is required")
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		badRequest(w, r, "file", "failed to read file: "+err.Error())
		return
	}

	opts, err := parseUploadOptions(r)
	if err != nil {
		badRequest(w, r, "", err.Error())
		return
	}
	hint, err := parseAttachHint(r)
	if err != nil {
		badRequest(w, r, "", err.Error())
		return
	}

	res, err := h.service.CreateMedia(r.Context(), simplemedia.CreateMediaRequest{
		OwnerID:      owner,
		Data:         data,
		OriginalName: header.Filename,
		MimeType:     header.Header.Get("Content-Type"),
		Options:      opts,
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	resp := h.uploadResponse(res)
	if hint != nil {
		hint.MediaID = res.Media.ID
		assoc, err := h.service.Attach(r.Context(), *hint)
		switch {
		case err == nil:
			resp.Association = assoc
		case errors.Is(err, simplemedia.ErrConflict) && res.Deduplicated:
			// the same bytes were already attached here by an earlier upload
		default:
			writeError(w, r, h.logger, err)
			return
		}
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, resp)
}

func (h *Handler) uploadResponse(res *simplemedia.CreateMediaResult) UploadResponse {
	m := res.Media
	resp := UploadResponse{
		ID:           m.ID,
		URL:          m.PublicURL,
		FileName:     m.FileName,
		Status:       m.Status,
		Deduplicated: res.Deduplicated,
		Retried:      res.Retried,
	}
	if resp.URL == "" {
		resp.URL = fmt.Sprintf("%s/media/%s/download", h.basePath, m.ID)
	}
	if v, ok := m.Variant(simplemedia.VariantThumbnail); ok && m.IsPublic {
		resp.ThumbnailURL = v.URL
	}
	return resp
}

func parseUploadOptions(r *http.Request) (simplemedia.UploadOptions, error) {
	var opts simplemedia.UploadOptions
	var err error

	if opts.IsPublic, err = formBool(r, "is_public"); err != nil {
		return opts, err
	}
	if opts.GenerateThumbnail, err = formBool(r, "generate_thumbnail"); err != nil {
		return opts, err
	}

	if raw := r.FormValue("resize_widths"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			w, err := strconv.Atoi(strings.TrimSpace(part))
			if err != nil {
				return opts, fmt.Errorf("resize_widths: %q is not an integer", part)
			}
			opts.ResizeWidths = append(opts.ResizeWidths, w)
		}
	}

	if raw := r.FormValue("expires_in"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return opts, fmt.Errorf("expires_in: %v", err)
		}
		t := time.Now().Add(d).UTC()
		opts.ExpiresAt = &t
	}

	// metadata is either a JSON object or metadata[key]=value fields
	if raw := r.FormValue("metadata"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &opts.Metadata); err != nil {
			return opts, fmt.Errorf("metadata: must be a JSON object of strings")
		}
	}
	for key, values := range r.MultipartForm.Value {
		if strings.HasPrefix(key, "metadata[") && strings.HasSuffix(key, "]") && len(values) > 0 {
			if opts.Metadata == nil {
				opts.Metadata = make(map[string]string)
			}
			opts.Metadata[key[len("metadata["):len(key)-1]] = values[0]
		}
	}
	return opts, nil
}

func parseAttachHint(r *http.Request) (*simplemedia.AttachRequest, error) {
	t := r.FormValue("associatable_type")
	if t == "" {
		return nil, nil
	}
	req := &simplemedia.AttachRequest{
		AssociatableType: simplemedia.AssociatableType(t),
		AssociatableID:   r.FormValue("associatable_id"),
		Role:             simplemedia.AssociationRole(r.FormValue("role")),
	}
	if req.Role == "" {
		req.Role = simplemedia.RolePrimary
	}
	if raw := r.FormValue("order"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("order: %q is not an integer", raw)
		}
		req.Order = &n
	}
	return req, nil
}

func formBool(r *http.Request, key string) (bool, error) {
	raw := r.FormValue(key)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s: %q is not a boolean", key, raw)
	}
	return v, nil
}

func mediaID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := chi.URLParam(r, "id")
	id, err := uuid.Parse(raw)
	if err != nil {
		badRequest(w, r, "id", "invalid media id")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) ListOwn(w http.ResponseWriter, r *http.Request) {
	owner, err := h.owner(r)
	if err != nil {
		unauthenticated(w, r)
		return
	}
	list, err := h.service.ListMediaByOwner(r.Context(), owner)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if list == nil {
		list = []*simplemedia.Media{}
	}
	render.JSON(w, r, list)
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := mediaID(w, r)
	if !ok {
		return
	}
	m, err := h.service.GetMedia(r.Context(), id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	render.JSON(w, r, m)
}

// Delete answers 204 when the record is gone and 202 when removal waits for the pipeline.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	owner, err := h.owner(r)
	if err != nil {
		unauthenticated(w, r)
		return
	}
	id, ok := mediaID(w, r)
	if !ok {
		return
	}
	err = h.service.DeleteMedia(r.Context(), id, owner)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, simplemedia.ErrDeletionDeferred):
		render.Status(r, http.StatusAccepted)
		render.JSON(w, r, map[string]string{"id": id.String(), "status": "delete_pending"})
	default:
		writeError(w, r, h.logger, err)
	}
}

func parseTTL(r *http.Request) (time.Duration, error) {
	raw := r.URL.Query().Get("ttl")
	if raw == "" {
		return 0, nil
	}
	ttl, err := time.ParseDuration(raw)
	if err != nil || ttl <= 0 || ttl > maxSignedTTL {
		return 0, fmt.Errorf("ttl must be a positive duration up to %s", maxSignedTTL)
	}
	return ttl, nil
}

type urlResponse struct {
	URL string `json:"url"`
}

func (h *Handler) URL(w http.ResponseWriter, r *http.Request) {
	id, ok := mediaID(w, r)
	if !ok {
		return
	}
	ttl, err := parseTTL(r)
	if err != nil {
		badRequest(w, r, "ttl", err.Error())
		return
	}
	u, err := h.service.GetMediaURL(r.Context(), id, ttl)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	render.JSON(w, r, urlResponse{URL: u})
}

func (h *Handler) VariantURL(w http.ResponseWriter, r *http.Request) {
	id, ok := mediaID(w, r)
	if !ok {
		return
	}
	ttl, err := parseTTL(r)
	if err != nil {
		badRequest(w, r, "ttl", err.Error())
		return
	}
	u, err := h.service.VariantURL(r.Context(), id, chi.URLParam(r, "kind"), ttl)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	render.JSON(w, r, urlResponse{URL: u})
}

// Download counts the access and redirects to the object.
func (h *Handler) Download(w http.ResponseWriter, r *http.Request) {
	id, ok := mediaID(w, r)
	if !ok {
		return
	}
	u, err := h.service.GetMediaURL(r.Context(), id, 0)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	h.service.RecordAccess(r.Context(), id)
	http.Redirect(w, r, u, http.StatusFound)
}

func (h *Handler) ListAssociations(w http.ResponseWriter, r *http.Request) {
	id, ok := mediaID(w, r)
	if !ok {
		return
	}
	list, err := h.service.ListByMedia(r.Context(), id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if list == nil {
		list = []*simplemedia.Association{}
	}
	render.JSON(w, r, list)
}

// AttachRequest is the body of POST /associations
type AttachRequest struct {
	MediaID          string            `json:"media_id"`
	AssociatableType string            `json:"associatable_type"`
	AssociatableID   string            `json:"associatable_id"`
	Role             string            `json:"role"`
	Order            *int              `json:"order,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

func (h *Handler) Attach(w http.ResponseWriter, r *http.Request) {
	var req AttachRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, r, "", "invalid JSON body")
		return
	}
	id, err := uuid.Parse(req.MediaID)
	if err != nil {
		badRequest(w, r, "media_id", "invalid media id")
		return
	}
	assoc, err := h.service.Attach(r.Context(), simplemedia.AttachRequest{
		MediaID:          id,
		AssociatableType: simplemedia.AssociatableType(req.AssociatableType),
		AssociatableID:   req.AssociatableID,
		Role:             simplemedia.AssociationRole(req.Role),
		Order:            req.Order,
		Metadata:         req.Metadata,
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, assoc)
}

// Detach takes the association tuple as query parameters.
func (h *Handler) Detach(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	id, err := uuid.Parse(q.Get("media_id"))
	if err != nil {
		badRequest(w, r, "media_id", "invalid media id")
		return
	}
	err = h.service.Detach(r.Context(), simplemedia.AssociationKey{
		MediaID:          id,
		AssociatableType: simplemedia.AssociatableType(q.Get("associatable_type")),
		AssociatableID:   q.Get("associatable_id"),
		Role:             simplemedia.AssociationRole(q.Get("role")),
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ListAttached(w http.ResponseWriter, r *http.Request) {
	var role *simplemedia.AssociationRole
	if raw := r.URL.Query().Get("role"); raw != "" {
		v := simplemedia.AssociationRole(raw)
		role = &v
	}
	list, err := h.service.ListByAssociatable(r.Context(),
		simplemedia.AssociatableType(chi.URLParam(r, "type")), chi.URLParam(r, "aid"), role)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if list == nil {
		list = []*simplemedia.MediaSummary{}
	}
	render.JSON(w, r, list)
}

func (h *Handler) DetachAll(w http.ResponseWriter, r *http.Request) {
	n, err := h.service.DetachAllForAssociatable(r.Context(),
		simplemedia.AssociatableType(chi.URLParam(r, "type")), chi.URLParam(r, "aid"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	render.JSON(w, r, map[string]int{"detached": n})
}
