package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RequestSize     *prometheus.HistogramVec
	ResponseSize    *prometheus.HistogramVec

	// Broadcast dispatch metrics
	BroadcastsEnqueued   *prometheus.CounterVec
	BroadcastsReplaced   prometheus.Counter
	BroadcastsDispatched *prometheus.CounterVec
	DispatchDuration     *prometheus.HistogramVec
	RunnableReasons      *prometheus.CounterVec
	QueuesTracked        prometheus.Gauge

	// Restriction engine metrics
	LevelTransitions *prometheus.CounterVec
	TrackerErrors    *prometheus.CounterVec
	DeferredActions  prometheus.Gauge
	Notifications    *prometheus.CounterVec

	// System metrics
	Uptime    prometheus.Gauge
	startTime time.Time
}

// NewMetrics creates a new metrics collector
func NewMetrics() *Metrics {
	m := &Metrics{
		startTime: time.Now(),

		// HTTP metrics
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broadcastd_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "broadcastd_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		RequestSize: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "broadcastd_http_request_size_bytes",
				Help:    "HTTP request size in bytes",
				Buckets: []float64{100, 1000, 10000, 100000, 1000000},
			},
			[]string{"method", "path"},
		),
		ResponseSize: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "broadcastd_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: []float64{100, 1000, 10000, 100000, 1000000},
			},
			[]string{"method", "path"},
		),

		// Broadcast dispatch metrics
		BroadcastsEnqueued: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broadcastd_broadcasts_enqueued_total",
				Help: "Total number of dispatch items enqueued, by priority class",
			},
			[]string{"class"},
		),
		BroadcastsReplaced: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "broadcastd_broadcasts_replaced_total",
				Help: "Total number of pending dispatch items coalesced in place",
			},
		),
		BroadcastsDispatched: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broadcastd_broadcasts_dispatched_total",
				Help: "Total number of dispatch items delivered, by class and status",
			},
			[]string{"class", "status"},
		),
		DispatchDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "broadcastd_dispatch_duration_seconds",
				Help:    "Broadcast delivery duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"class"},
		),
		RunnableReasons: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broadcastd_runnable_reasons_total",
				Help: "Scheduler decisions by runnable-at reason at dispatch time",
			},
			[]string{"reason"},
		),
		QueuesTracked: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "broadcastd_process_queues",
				Help: "Number of process queues currently tracked",
			},
		),

		// Restriction engine metrics
		LevelTransitions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broadcastd_restriction_transitions_total",
				Help: "Restriction level transitions, by previous and new level",
			},
			[]string{"from", "to"},
		),
		TrackerErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broadcastd_tracker_errors_total",
				Help: "Abuse tracker query failures, by tracker",
			},
			[]string{"tracker"},
		),
		DeferredActions: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "broadcastd_deferred_actions",
				Help: "Deferred standby actions awaiting uid idle",
			},
		),
		Notifications: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broadcastd_notifications_total",
				Help: "Abuse notifications, by type and outcome (shown/suppressed)",
			},
			[]string{"type", "outcome"},
		),

		// System metrics
		Uptime: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "broadcastd_uptime_seconds",
				Help: "Service uptime in seconds",
			},
		),
	}

	return m
}

// RecordHTTPRequest records metrics for an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration, reqSize, respSize int64) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	m.RequestSize.WithLabelValues(method, path).Observe(float64(reqSize))
	m.ResponseSize.WithLabelValues(method, path).Observe(float64(respSize))
}

// RecordEnqueue records a dispatch item entering a process queue.
func (m *Metrics) RecordEnqueue(class string, replaced bool) {
	m.BroadcastsEnqueued.WithLabelValues(class).Inc()
	if replaced {
		m.BroadcastsReplaced.Inc()
	}
}

// RecordDispatch records a completed delivery attempt.
func (m *Metrics) RecordDispatch(class, status string, duration time.Duration) {
	m.BroadcastsDispatched.WithLabelValues(class, status).Inc()
	m.DispatchDuration.WithLabelValues(class).Observe(duration.Seconds())
}

// RecordRunnableReason records the reason the scheduler serviced a queue.
func (m *Metrics) RecordRunnableReason(reason string) {
	m.RunnableReasons.WithLabelValues(reason).Inc()
}

// SetQueuesTracked updates the process queue population gauge.
func (m *Metrics) SetQueuesTracked(n int) {
	m.QueuesTracked.Set(float64(n))
}

// RecordLevelTransition records a restriction level change.
func (m *Metrics) RecordLevelTransition(from, to string) {
	m.LevelTransitions.WithLabelValues(from, to).Inc()
}

// RecordTrackerError records a failed abuse tracker query.
func (m *Metrics) RecordTrackerError(tracker string) {
	m.TrackerErrors.WithLabelValues(tracker).Inc()
}

// SetDeferredActions updates the deferred-action gauge.
func (m *Metrics) SetDeferredActions(n int) {
	m.DeferredActions.Set(float64(n))
}

// RecordNotification records an abuse notification outcome.
func (m *Metrics) RecordNotification(ntype string, shown bool) {
	outcome := "suppressed"
	if shown {
		outcome = "shown"
	}
	m.Notifications.WithLabelValues(ntype, outcome).Inc()
}

// UpdateUptime refreshes the uptime gauge.
func (m *Metrics) UpdateUptime() {
	m.Uptime.Set(time.Since(m.startTime).Seconds())
}
