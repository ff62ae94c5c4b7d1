package api

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/jwtauth"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-media/pkg/simplemedia"
	memoryqueue "github.com/tendant/simple-media/pkg/simplemedia/queue/memory"
	"github.com/tendant/simple-media/pkg/simplemedia/repo/memory"
	memorystorage "github.com/tendant/simple-media/pkg/simplemedia/storage/memory"
	"github.com/tendant/simple-media/pkg/simplemedia/variant"
)

const testSecret = "test-secret"

type testEnv struct {
	router    *chi.Mux
	processor *simplemedia.Processor
	owner     uuid.UUID
	token     string
}

func setupHandlerTest(t *testing.T) *testEnv {
	t.Helper()
	opts := []simplemedia.Option{
		simplemedia.WithRepository(memory.New()),
		simplemedia.WithBlobStore(memorystorage.New()),
		simplemedia.WithJobQueue(memoryqueue.New()),
		simplemedia.WithVariantGenerator(variant.New(nil)),
	}
	service, err := simplemedia.New(opts...)
	require.NoError(t, err)
	processor, err := simplemedia.NewProcessor(opts...)
	require.NoError(t, err)

	router := chi.NewRouter()
	router.Use(JWTMiddleware(testSecret))
	router.Mount("/api/v1", NewHandler(service).Routes())

	owner := uuid.New()
	return &testEnv{router: router, processor: processor, owner: owner, token: tokenFor(t, owner)}
}

func tokenFor(t *testing.T, owner uuid.UUID) string {
	t.Helper()
	ja := jwtauth.New("HS256", []byte(testSecret), nil)
	_, token, err := ja.Encode(map[string]interface{}{"sub": owner.String()})
	require.NoError(t, err)
	return token
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 40, 30))
	for x := 0; x < 40; x++ {
		img.Set(x, x%30, color.RGBA{R: 200, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func (e *testEnv) do(t *testing.T, req *http.Request, token string) *httptest.ResponseRecorder {
	t.Helper()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func uploadRequest(t *testing.T, data []byte, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "leaf.png")
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/media", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func (e *testEnv) upload(t *testing.T, fields map[string]string) UploadResponse {
	t.Helper()
	w := e.do(t, uploadRequest(t, pngBytes(t), fields), e.token)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp UploadResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func (e *testEnv) drain(t *testing.T) {
	t.Helper()
	for {
		ok, err := e.processor.ProcessNext(context.Background())
		require.NoError(t, err)
		if !ok {
			return
		}
	}
}

func TestUpload_RequiresToken(t *testing.T) {
	env := setupHandlerTest(t)
	w := env.do(t, uploadRequest(t, pngBytes(t), nil), "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestUpload_CreatesAndDeduplicates(t *testing.T) {
	env := setupHandlerTest(t)

	first := env.upload(t, map[string]string{
		"is_public":          "true",
		"generate_thumbnail": "true",
		"metadata[field]":    "north",
	})
	assert.Equal(t, simplemedia.StatusUploading, first.Status)
	assert.False(t, first.Deduplicated)
	assert.Equal(t, "/api/v1/media/"+first.ID.String()+"/download", first.URL)

	second := env.upload(t, nil)
	assert.Equal(t, first.ID, second.ID)
	assert.True(t, second.Deduplicated)

	env.drain(t)

	w := env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/media/"+first.ID.String(), nil), env.token)
	require.Equal(t, http.StatusOK, w.Code)
	var m simplemedia.Media
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m))
	assert.Equal(t, simplemedia.StatusReady, m.Status)
	assert.Equal(t, "north", m.Metadata["field"])
	require.Len(t, m.Variants, 1)
	assert.Equal(t, simplemedia.VariantThumbnail, m.Variants[0].Kind)
	assert.NotEmpty(t, m.PublicURL)
}

func TestUpload_BadOptions(t *testing.T) {
	env := setupHandlerTest(t)

	w := env.do(t, uploadRequest(t, pngBytes(t), map[string]string{"is_public": "maybe"}), env.token)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, uploadRequest(t, []byte("#!/bin/sh\necho hi\n"), nil), env.token)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "validation_failed", resp.Error.Code)
}

func TestUpload_WithAssociationHint(t *testing.T) {
	env := setupHandlerTest(t)

	resp := env.upload(t, map[string]string{
		"associatable_type": string(simplemedia.AssociatableSoilTest),
		"associatable_id":   "test-42",
		"role":              string(simplemedia.RoleAttachment),
	})
	require.NotNil(t, resp.Association)
	assert.Equal(t, resp.ID, resp.Association.MediaID)

	// same bytes, same target: the repeated attach is not an error
	again := env.upload(t, map[string]string{
		"associatable_type": string(simplemedia.AssociatableSoilTest),
		"associatable_id":   "test-42",
		"role":              string(simplemedia.RoleAttachment),
	})
	assert.True(t, again.Deduplicated)

	w := env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/associatables/soil_test/test-42/media", nil), env.token)
	require.Equal(t, http.StatusOK, w.Code)
	var list []simplemedia.MediaSummary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, simplemedia.RoleAttachment, list[0].Role)
}

func TestAssociations_AttachDetach(t *testing.T) {
	env := setupHandlerTest(t)
	media := env.upload(t, nil)

	attach := func() *httptest.ResponseRecorder {
		body, _ := json.Marshal(AttachRequest{
			MediaID:          media.ID.String(),
			AssociatableType: string(simplemedia.AssociatableGardenPlot),
			AssociatableID:   "plot-1",
			Role:             string(simplemedia.RoleBefore),
		})
		return env.do(t, httptest.NewRequest(http.MethodPost, "/api/v1/associations", bytes.NewReader(body)), env.token)
	}

	assert.Equal(t, http.StatusCreated, attach().Code)
	assert.Equal(t, http.StatusConflict, attach().Code)

	detachURL := "/api/v1/associations?media_id=" + media.ID.String() +
		"&associatable_type=garden_plot&associatable_id=plot-1&role=before"
	assert.Equal(t, http.StatusNoContent, env.do(t, httptest.NewRequest(http.MethodDelete, detachURL, nil), env.token).Code)
	assert.Equal(t, http.StatusNoContent, env.do(t, httptest.NewRequest(http.MethodDelete, detachURL, nil), env.token).Code)
	assert.Equal(t, http.StatusCreated, attach().Code)

	w := env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/media/"+media.ID.String()+"/associations", nil), env.token)
	require.Equal(t, http.StatusOK, w.Code)
	var assocs []simplemedia.Association
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &assocs))
	assert.Len(t, assocs, 1)

	w = env.do(t, httptest.NewRequest(http.MethodDelete, "/api/v1/associatables/garden_plot/plot-1/media", nil), env.token)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"detached":1}`, w.Body.String())
}

func TestAssociations_Validation(t *testing.T) {
	env := setupHandlerTest(t)

	body, _ := json.Marshal(AttachRequest{
		MediaID:          uuid.NewString(),
		AssociatableType: "tractor",
		AssociatableID:   "t-1",
		Role:             "primary",
	})
	w := env.do(t, httptest.NewRequest(http.MethodPost, "/api/v1/associations", bytes.NewReader(body)), env.token)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	body, _ = json.Marshal(AttachRequest{
		MediaID:          uuid.NewString(),
		AssociatableType: "soil_test",
		AssociatableID:   "t-1",
		Role:             "primary",
	})
	w = env.do(t, httptest.NewRequest(http.MethodPost, "/api/v1/associations", bytes.NewReader(body)), env.token)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDelete(t *testing.T) {
	env := setupHandlerTest(t)
	media := env.upload(t, nil)
	path := "/api/v1/media/" + media.ID.String()

	// someone else cannot delete it
	w := env.do(t, httptest.NewRequest(http.MethodDelete, path, nil), tokenFor(t, uuid.New()))
	assert.Equal(t, http.StatusForbidden, w.Code)

	// still queued: removal waits for the pipeline
	w = env.do(t, httptest.NewRequest(http.MethodDelete, path, nil), env.token)
	assert.Equal(t, http.StatusAccepted, w.Code)

	env.drain(t)
	w = env.do(t, httptest.NewRequest(http.MethodGet, path, nil), env.token)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestURLAndDownload(t *testing.T) {
	env := setupHandlerTest(t)
	media := env.upload(t, nil)
	path := "/api/v1/media/" + media.ID.String()

	w := env.do(t, httptest.NewRequest(http.MethodGet, path+"/url", nil), env.token)
	assert.Equal(t, http.StatusConflict, w.Code)

	env.drain(t)

	w = env.do(t, httptest.NewRequest(http.MethodGet, path+"/url?ttl=10m", nil), env.token)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "memory://")

	w = env.do(t, httptest.NewRequest(http.MethodGet, path+"/url?ttl=forever", nil), env.token)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, httptest.NewRequest(http.MethodGet, path+"/variants/thumbnail/url", nil), env.token)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, httptest.NewRequest(http.MethodGet, path+"/download", nil), env.token)
	assert.Equal(t, http.StatusFound, w.Code)

	w = env.do(t, httptest.NewRequest(http.MethodGet, path, nil), env.token)
	var m simplemedia.Media
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m))
	assert.Equal(t, int64(1), m.Analytics.DownloadCount)
}

func TestListOwn(t *testing.T) {
	env := setupHandlerTest(t)
	env.upload(t, nil)

	w := env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/media", nil), env.token)
	require.Equal(t, http.StatusOK, w.Code)
	var list []simplemedia.Media
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Len(t, list, 1)

	w = env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/media", nil), tokenFor(t, uuid.New()))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestHeaderOwner(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	_, err := HeaderOwner(r)
	assert.Error(t, err)

	id := uuid.New()
	r.Header.Set(OwnerHeader, id.String())
	got, err := HeaderOwner(r)
	require.NoError(t, err)
	assert.Equal(t, id, got)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{&simplemedia.ValidationError{Field: "f", Reason: "r"}, http.StatusBadRequest},
		{&simplemedia.MediaError{Op: "get", Err: simplemedia.ErrNotFound}, http.StatusNotFound},
		{simplemedia.ErrUnauthorized, http.StatusForbidden},
		{simplemedia.ErrNotReady, http.StatusConflict},
		{&simplemedia.StorageError{Backend: "s3", Op: "upload", Err: context.DeadlineExceeded}, http.StatusBadGateway},
		{context.Canceled, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		status, _ := statusFor(tt.err)
		assert.Equal(t, tt.status, status, tt.err.Error())
	}
}
