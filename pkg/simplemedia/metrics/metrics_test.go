package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-media/pkg/simplemedia"
	memorystorage "github.com/tendant/simple-media/pkg/simplemedia/storage/memory"
)

func TestObserveStage(t *testing.T) {
	m := New(nil)
	m.ObserveStage("store", "ok", 20*time.Millisecond)
	m.ObserveStage("store", "error", time.Millisecond)
	m.ObserveStage("store", "ok", time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.stageTotal.WithLabelValues("store", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.stageTotal.WithLabelValues("store", "error")))
}

func TestEventSink(t *testing.T) {
	m := New(nil)
	ctx := context.Background()
	media := &simplemedia.Media{Status: simplemedia.StatusReady}

	require.NoError(t, m.MediaCreated(ctx, media))
	require.NoError(t, m.MediaStatusChanged(ctx, media, simplemedia.StatusProcessing))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.mediaEvents.WithLabelValues("created")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.statusChanges.WithLabelValues("processing", "ready")))
}

func TestInstrumentBlobStore(t *testing.T) {
	m := New(nil)
	store := InstrumentBlobStore(memorystorage.New(), m)
	ctx := context.Background()

	_, err := store.Upload(ctx, "a/b", []byte("x"), "text/plain")
	require.NoError(t, err)
	_, err = store.SignedURL(ctx, "missing", time.Minute)
	require.Error(t, err)

	assert.Equal(t, "memory", store.Name())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.storageOps.WithLabelValues("memory", "upload", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.storageOps.WithLabelValues("memory", "presign", "error")))
}

func TestMiddleware_UsesRoutePattern(t *testing.T) {
	m := New(nil)
	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/media/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/media/123", nil))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.requestsTotal.WithLabelValues("GET", "/media/{id}", "418")))
}
