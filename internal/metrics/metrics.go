// Package metrics registers the service's Prometheus collectors.
//
// All collectors live on the default registry and are served at GET /metrics.
// HTTP metrics are labelled with the ServeMux route pattern rather than the raw
// path, so object ids never become label values.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "formfill_http_requests_total",
			Help: "HTTP requests by method, route pattern and status code.",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "formfill_http_request_duration_seconds",
			Help:    "HTTP request latency by method and route pattern.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "route"},
	)

	MagicLinksIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "formfill_magic_links_issued_total",
		Help: "Magic-link tokens issued.",
	})

	MagicLinkVerifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "formfill_magic_link_verifications_total",
			Help: "Magic-link verification attempts by result (ok, invalid, used).",
		},
		[]string{"result"},
	)

	QuotaDenials = promauto.NewCounter(prometheus.CounterOpts{
		Name: "formfill_quota_denials_total",
		Help: "Metered actions refused because the daily quota was used up.",
	})

	WebhookEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "formfill_webhook_events_total",
			Help: "Billing webhook events by type and outcome (applied, stale, ignored, rejected, error).",
		},
		[]string{"type", "outcome"},
	)

	SubscriptionRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "formfill_subscription_refreshes_total",
			Help: "Manual subscription refreshes by outcome (pro, free, unavailable, unknown).",
		},
		[]string{"outcome"},
	)

	ObjectsSwept = promauto.NewCounter(prometheus.CounterOpts{
		Name: "formfill_objects_swept_total",
		Help: "Expired ephemeral objects deleted by the sweeper.",
	})

	ObjectsTracked = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "formfill_objects_tracked",
		Help: "Ephemeral objects currently tracked.",
	})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
