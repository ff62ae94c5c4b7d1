// Package metrics exposes pipeline, storage and HTTP counters for Prometheus.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tendant/simple-media/pkg/simplemedia"
)

const (
	namespace = "simple_media"
)

// Metrics holds every collector registered by the service.
type Metrics struct {
	Registry *prometheus.Registry

	mediaEvents     *prometheus.CounterVec
	statusChanges   *prometheus.CounterVec
	stageTotal      *prometheus.CounterVec
	stageDuration   *prometheus.HistogramVec
	storageOps      *prometheus.CounterVec
	storageDuration *prometheus.HistogramVec
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// New registers the collectors on reg. A nil reg gets a fresh registry carrying the
// Go and process collectors.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	}
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		mediaEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "media",
			Name:      "events_total",
			Help:      "Lifecycle events by kind",
		}, []string{"event"}),
		statusChanges: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "media",
			Name:      "status_changes_total",
			Help:      "Status transitions by target status",
		}, []string{"from", "to"}),
		stageTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "stages_total",
			Help:      "Pipeline stage runs by outcome",
		}, []string{"stage", "outcome"}),
		stageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Pipeline stage duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"stage"}),
		storageOps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "operations_total",
			Help:      "Blob store operations",
		}, []string{"backend", "operation", "status"}),
		storageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "duration_seconds",
			Help:      "Blob store operation duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5},
		}, []string{"backend", "operation"}),
		requestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		requestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"method", "route"}),
	}
}

// ObserveStage implements simplemedia.StageObserver
func (m *Metrics) ObserveStage(stage string, outcome string, elapsed time.Duration) {
	m.stageTotal.WithLabelValues(stage, outcome).Inc()
	m.stageDuration.WithLabelValues(stage).Observe(elapsed.Seconds())
}

func (m *Metrics) MediaCreated(ctx context.Context, media *simplemedia.Media) error {
	m.mediaEvents.WithLabelValues("created").Inc()
	return nil
}

func (m *Metrics) MediaDeduplicated(ctx context.Context, media *simplemedia.Media, requester uuid.UUID) error {
	m.mediaEvents.WithLabelValues("deduplicated").Inc()
	return nil
}

func (m *Metrics) MediaStatusChanged(ctx context.Context, media *simplemedia.Media, from simplemedia.MediaStatus) error {
	m.statusChanges.WithLabelValues(string(from), string(media.Status)).Inc()
	return nil
}

func (m *Metrics) MediaDeleted(ctx context.Context, media *simplemedia.Media) error {
	m.mediaEvents.WithLabelValues("deleted").Inc()
	return nil
}

func (m *Metrics) AssociationAttached(ctx context.Context, assoc *simplemedia.Association) error {
	m.mediaEvents.WithLabelValues("attached").Inc()
	return nil
}

func (m *Metrics) AssociationDetached(ctx context.Context, key simplemedia.AssociationKey) error {
	m.mediaEvents.WithLabelValues("detached").Inc()
	return nil
}

func (m *Metrics) recordStorage(backend, op string, err error, start time.Time) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.storageOps.WithLabelValues(backend, op, status).Inc()
	m.storageDuration.WithLabelValues(backend, op).Observe(time.Since(start).Seconds())
}

// Middleware records request counts and latency labelled by the matched chi route.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.requestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.requestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

var (
	_ simplemedia.EventSink     = (*Metrics)(nil)
	_ simplemedia.StageObserver = (*Metrics)(nil)
)
