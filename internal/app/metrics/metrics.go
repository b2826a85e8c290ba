// Package metrics exposes Prometheus collectors for the loyalty engine.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "loyalty",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "loyalty",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "loyalty",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	pointsAwarded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "loyalty",
			Subsystem: "points",
			Name:      "awarded_total",
			Help:      "Total points credited, by reason.",
		},
		[]string{"reason"},
	)

	pointsDebited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "loyalty",
			Subsystem: "points",
			Name:      "debited_total",
			Help:      "Total points debited, by reason.",
		},
		[]string{"reason"},
	)

	idempotentReplays = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "loyalty",
			Subsystem: "points",
			Name:      "idempotent_replays_total",
			Help:      "Ledger appends answered from an existing idempotency key.",
		},
		[]string{"reason"},
	)

	levelChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "loyalty",
			Subsystem: "levels",
			Name:      "changes_total",
			Help:      "Tier changes, by previous and new tier.",
		},
		[]string{"from", "to"},
	)

	redemptions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "loyalty",
			Subsystem: "rewards",
			Name:      "redemptions_total",
			Help:      "Reward redemption attempts, by outcome.",
		},
		[]string{"outcome"},
	)

	referralPayouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "loyalty",
			Subsystem: "referrals",
			Name:      "payouts_total",
			Help:      "Referral stage payouts, by stage.",
		},
		[]string{"stage"},
	)

	referralsExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "loyalty",
			Subsystem: "referrals",
			Name:      "expired_total",
			Help:      "Referrals marked expired by the sweeper.",
		},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		pointsAwarded,
		pointsDebited,
		idempotentReplays,
		levelChanges,
		redemptions,
		referralPayouts,
		referralsExpired,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordAppend records a committed ledger append.
func RecordAppend(reason string, delta int64, replayed bool) {
	if replayed {
		idempotentReplays.WithLabelValues(reason).Inc()
		return
	}
	if delta >= 0 {
		pointsAwarded.WithLabelValues(reason).Add(float64(delta))
	} else {
		pointsDebited.WithLabelValues(reason).Add(float64(-delta))
	}
}

// RecordLevelChange records a tier transition.
func RecordLevelChange(from, to string) {
	levelChanges.WithLabelValues(from, to).Inc()
}

// RecordRedemption records a redemption attempt outcome such as "success",
// "replayed" or an error code.
func RecordRedemption(outcome string) {
	redemptions.WithLabelValues(outcome).Inc()
}

// RecordReferralPayout records a paid referral stage transition.
func RecordReferralPayout(stage string) {
	referralPayouts.WithLabelValues(stage).Inc()
}

// RecordReferralExpired counts referrals swept into the expired stage.
func RecordReferralExpired(n int) {
	referralsExpired.Add(float64(n))
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// canonicalPath collapses resource identifiers so metrics cardinality stays
// bounded.
func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	switch parts[0] {
	case "users":
		if len(parts) == 1 {
			return "/users"
		}
		if len(parts) == 2 {
			return "/users/:user"
		}
		return "/users/:user/" + parts[2]
	case "referrals":
		if len(parts) == 1 {
			return "/referrals"
		}
		if len(parts) == 2 {
			return "/referrals/:code"
		}
		return "/referrals/:code/" + parts[2]
	default:
		return "/" + parts[0]
	}
}
