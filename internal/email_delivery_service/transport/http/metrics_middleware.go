package http

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Surfaces group routes by who calls them.
const (
	surfaceAPI     = "api"     // tenant and platform clients
	surfaceAdmin   = "admin"   // tenant email-config administration
	surfaceWebhook = "webhook" // provider callbacks
	surfaceOps     = "ops"     // health, metrics, unmatched paths
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "email_delivery",
			Name:      "http_requests_total",
			Help:      "HTTP requests by surface, route pattern and status class.",
		},
		[]string{"surface", "method", "route", "status_class"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "email_delivery",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by surface and route pattern.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 15, 30},
		},
		[]string{"surface", "route"},
	)

	httpRequestsInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "email_delivery",
			Name:      "http_requests_in_flight",
			Help:      "HTTP requests currently being served.",
		},
		[]string{"surface"},
	)
)

func surfaceOf(path string) string {
	switch {
	case strings.HasPrefix(path, "/api/v1/admin/"):
		return surfaceAdmin
	case strings.HasPrefix(path, "/api/"):
		return surfaceAPI
	case strings.HasPrefix(path, "/webhooks/"):
		return surfaceWebhook
	default:
		return surfaceOps
	}
}

func statusClass(status int) string {
	if status < 100 || status > 599 {
		return "unknown"
	}
	return strconv.Itoa(status/100) + "xx"
}

// RequestMetrics records request counts, latency and in-flight requests. Routes are labelled by
// chi pattern so ids in the path do not multiply series.
func RequestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		surface := surfaceOf(r.URL.Path)
		inFlight := httpRequestsInFlight.WithLabelValues(surface)
		inFlight.Inc()
		defer inFlight.Dec()

		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		httpRequestDurationSeconds.WithLabelValues(surface, route).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(surface, r.Method, route, statusClass(status)).Inc()
	})
}
