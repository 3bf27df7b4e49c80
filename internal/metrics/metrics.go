// Package metrics exposes Prometheus instrumentation for the worker, the
// session and the gateway. Metrics are registered on the default registry
// and served at /metrics when gateway.metrics is enabled.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Worker
	PushEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keptpush_push_events_total",
			Help: "Push events handled by the worker, by outcome and reason",
		},
		[]string{"outcome", "reason"}, // shown|ignored|failed
	)

	NotificationsReplaced = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "keptpush_notifications_replaced_total",
			Help: "Notifications closed because a newer one with the same tag arrived",
		},
	)

	FetchRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keptpush_fetch_requests_total",
			Help: "Requests intercepted by the worker, by source",
		},
		[]string{"source"}, // cache|network|error
	)

	Deployments = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keptpush_worker_deployments_total",
			Help: "Worker version deployments, by result",
		},
		[]string{"result"}, // activated|install_failed|activate_failed
	)

	CachesDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "keptpush_caches_deleted_total",
			Help: "Stale caches deleted during activation",
		},
	)

	ActiveVersion = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "keptpush_worker_active_version",
			Help: "1 for the worker version currently in control",
		},
		[]string{"version"},
	)

	// Page
	SubscribeAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keptpush_subscribe_attempts_total",
			Help: "Subscription create-and-register cycles, by result",
		},
		[]string{"result"}, // ok|no_key|platform_error|server_error
	)

	Invalidations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "keptpush_subscription_invalidations_total",
			Help: "Subscriptions cleared after a mismatch was reported",
		},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "keptpush_api_request_duration_seconds",
			Help:    "Kept API request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	// Gateway
	PushDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keptpush_push_deliveries_total",
			Help: "Push messages received at subscription endpoints, by HTTP status",
		},
		[]string{"status"},
	)

	TraySwept = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "keptpush_tray_swept_total",
			Help: "Notifications auto-dismissed by the tray sweep",
		},
	)
)

// RecordPush counts one handled push event.
func RecordPush(outcome, reason string, replaced int) {
	PushEvents.WithLabelValues(outcome, reason).Inc()
	if replaced > 0 {
		NotificationsReplaced.Add(float64(replaced))
	}
}

func RecordFetch(source string) { FetchRequests.WithLabelValues(source).Inc() }

// RecordDeployment counts a deployment and, when it activated, moves the
// active-version gauge to version.
func RecordDeployment(result, version, previous string) {
	Deployments.WithLabelValues(result).Inc()
	if result != "activated" {
		return
	}
	if previous != "" && previous != version {
		ActiveVersion.DeleteLabelValues(previous)
	}
	ActiveVersion.WithLabelValues(version).Set(1)
}

func RecordCachesDeleted(n int) {
	if n > 0 {
		CachesDeleted.Add(float64(n))
	}
}

func RecordSubscribe(result string) { SubscribeAttempts.WithLabelValues(result).Inc() }

func RecordInvalidation() { Invalidations.Inc() }

// RecordAPIRequest observes one Kept API call. status is 0 for transport errors.
func RecordAPIRequest(method, path string, status int, d time.Duration) {
	APIRequestDuration.WithLabelValues(method, path, strconv.Itoa(status)).Observe(d.Seconds())
}

func RecordDelivery(status int) { PushDeliveries.WithLabelValues(strconv.Itoa(status)).Inc() }

func RecordSweep(n int) {
	if n > 0 {
		TraySwept.Add(float64(n))
	}
}
