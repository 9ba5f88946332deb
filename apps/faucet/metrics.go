package main

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/arkiv/testnet-faucet/internal/admission"
)

var (
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests"},
		[]string{"method", "path", "status"},
	)
	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
	rateLimitHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "faucet_rate_limit_total", Help: "Requests refused by an active cooldown or in-flight reservation"},
		[]string{"type"},
	)
	admissionTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "faucet_admission_total", Help: "Admission decisions by reason"},
		[]string{"reason"},
	)
	dispatchFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "faucet_dispatch_failures_total", Help: "Failed transfers by class"},
		[]string{"class"},
	)
	releaseTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "faucet_reservation_release_total", Help: "Cooldown reservations released after a failed transfer"},
		[]string{"result"},
	)
	balanceChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "faucet_balance_check_total", Help: "Custodial balance polls"},
		[]string{"status"},
	)
	custodialBalance = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "faucet_custodial_balance_wei", Help: "Last observed custodial balance in wei"},
	)
)

func init() {
	prometheus.MustRegister(
		requestsTotal, requestDuration, rateLimitHits, admissionTotal,
		dispatchFailures, releaseTotal, balanceChecks, custodialBalance,
	)
}

// observe records one admission result.
func observe(res admission.Result) {
	admissionTotal.WithLabelValues(string(res.Reason)).Inc()
	if res.Kind == admission.KindRateLimited {
		rateLimitHits.WithLabelValues(string(res.Reason)).Inc()
	}
	if res.DispatchClass != "" {
		dispatchFailures.WithLabelValues(string(res.DispatchClass)).Inc()
	}
	if res.Rollback != admission.RollbackNone {
		releaseTotal.WithLabelValues(res.Rollback).Inc()
	}
}

// instrument records Prometheus metrics (method, route, status, duration).
// The route pattern is used instead of the raw path to keep label
// cardinality bounded.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		path := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}
		requestsTotal.WithLabelValues(r.Method, path, statusLabel(ww.status)).Inc()
		requestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// responseWriter captures status code for Prometheus labeling.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (w *responseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func statusLabel(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	case code >= 200:
		return "2xx"
	default:
		return "unknown"
	}
}
