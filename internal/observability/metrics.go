package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_http_requests_total",
			Help: "Total HTTP requests by route and status code",
		}, []string{"route", "code"},
	)
	Latency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "media_http_request_duration_seconds",
		Help:    "Request latency seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	InFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "media_http_in_flight",
		Help: "In-flight HTTP requests",
	})

	TriggersDetected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_triggers_detected_total",
			Help: "Trigger matches found in outbound messages",
		}, []string{"kind"},
	)
	GateDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_gate_decisions_total",
			Help: "Duplicate-suppression decisions",
		}, []string{"decision"},
	)
	Dispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_dispatches_total",
			Help: "Dispatch attempts by display format and result",
		}, []string{"format", "result"},
	)
	ImagesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_images_sent_total",
			Help: "Images delivered by display format",
		}, []string{"format"},
	)
	StagedImages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_staged_images_total",
			Help: "Staging attempts by result",
		}, []string{"result"},
	)
	StagedRemoved = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "media_staged_removed_total",
		Help: "Staged files removed by the TTL sweep",
	})
)

func init() {
	prometheus.MustRegister(
		RequestsTotal, Latency, InFlight,
		TriggersDetected, GateDecisions, Dispatches, ImagesSent,
		StagedImages, StagedRemoved,
	)
}

func MetricsHandler() http.Handler { return promhttp.Handler() }

type rec struct {
	http.ResponseWriter
	code int
}

func (r *rec) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// Measure labels by chi route pattern so subscriber ids never become labels.
func Measure(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		InFlight.Inc()
		defer InFlight.Dec()

		rr := &rec{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rr, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		Latency.WithLabelValues(route).Observe(time.Since(start).Seconds())
		RequestsTotal.WithLabelValues(route, strconv.Itoa(rr.code)).Inc()
	})
}
