package metrics

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Queue item outcomes
const (
	OutcomeSent       = "sent"
	OutcomeFailed     = "failed"
	OutcomeUnresolved = "unresolved"
	OutcomeOrphaned   = "orphaned"
)

// Job run statuses
const (
	StatusOK      = "ok"
	StatusSkipped = "skipped"
	StatusError   = "error"
)

// Metrics holds all Prometheus metrics for promobot. All methods are safe
// to call on a nil *Metrics.
type Metrics struct {
	// Dispatch
	QueueItemsTotal    *prometheus.CounterVec
	QueueSize          *prometheus.GaugeVec
	QueueOldestSeconds *prometheus.GaugeVec
	DrainDuration      *prometheus.HistogramVec

	// Jobs
	JobRunsTotal *prometheus.CounterVec

	// Coupons
	CouponsIssuedTotal      prometheus.Counter
	CouponNotifyFailedTotal prometheus.Counter
	CouponRedemptionsTotal  *prometheus.CounterVec

	// Engagement
	AttentionChangesTotal *prometheus.CounterVec

	// API metrics
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec
	APIErrorsTotal            *prometheus.CounterVec

	// System metrics
	UptimeSeconds    prometheus.Gauge
	Goroutines       prometheus.Gauge
	StorageUsedBytes prometheus.Gauge

	registry *prometheus.Registry

	// shadow mirrors counter values so the collector can persist them
	mu     sync.Mutex
	shadow ShadowCounters
}

// ShadowCounters stores counter values for persistence
type ShadowCounters struct {
	QueueItems        map[string]float64 `json:"queue_items"`
	JobRuns           map[string]float64 `json:"job_runs"`
	CouponsIssued     float64            `json:"coupons_issued"`
	CouponNotifyFail  float64            `json:"coupon_notify_failed"`
	CouponRedemptions map[string]float64 `json:"coupon_redemptions"`
	AttentionChanges  map[string]float64 `json:"attention_changes"`
}

func newShadow() ShadowCounters {
	return ShadowCounters{
		QueueItems:        make(map[string]float64),
		JobRuns:           make(map[string]float64),
		CouponRedemptions: make(map[string]float64),
		AttentionChanges:  make(map[string]float64),
	}
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		QueueItemsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "promobot_queue_items_total",
				Help: "Queue items processed by drain cycles, by outcome",
			},
			[]string{"queue", "outcome"},
		),
		QueueSize: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "promobot_queue_size",
				Help: "Number of pending items in a dispatch queue",
			},
			[]string{"queue"},
		),
		QueueOldestSeconds: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "promobot_queue_oldest_seconds",
				Help: "Age of the oldest pending item in seconds",
			},
			[]string{"queue"},
		),
		DrainDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "promobot_drain_cycle_duration_seconds",
				Help:    "Duration of queue drain cycles",
				Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300},
			},
			[]string{"queue"},
		),

		JobRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "promobot_job_runs_total",
				Help: "Periodic job runs by status",
			},
			[]string{"job", "status"},
		),

		CouponsIssuedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "promobot_coupons_issued_total",
				Help: "Total number of coupon codes created",
			},
		),
		CouponNotifyFailedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "promobot_coupon_notify_failed_total",
				Help: "Coupons created but not delivered to the recipient",
			},
		),
		CouponRedemptionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "promobot_coupon_redemptions_total",
				Help: "Coupon confirmation attempts by result",
			},
			[]string{"result"},
		),

		AttentionChangesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "promobot_attention_changes_total",
				Help: "Attention flag changes by action (flagged, unflagged, reset)",
			},
			[]string{"action"},
		),

		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "promobot_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "promobot_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		APIErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "promobot_api_errors_total",
				Help: "Total number of API errors",
			},
			[]string{"error_type"},
		),

		UptimeSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "promobot_uptime_seconds",
				Help: "Process uptime in seconds",
			},
		),
		Goroutines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "promobot_goroutines",
				Help: "Number of active goroutines",
			},
		),
		StorageUsedBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "promobot_state_storage_bytes",
				Help: "Job state file size in bytes",
			},
		),

		registry: reg,
		shadow:   newShadow(),
	}

	reg.MustRegister(
		m.QueueItemsTotal,
		m.QueueSize,
		m.QueueOldestSeconds,
		m.DrainDuration,
		m.JobRunsTotal,
		m.CouponsIssuedTotal,
		m.CouponNotifyFailedTotal,
		m.CouponRedemptionsTotal,
		m.AttentionChangesTotal,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
		m.APIErrorsTotal,
		m.UptimeSeconds,
		m.Goroutines,
		m.StorageUsedBytes,
	)

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// AddQueueItems counts n queue items with the given outcome
func (m *Metrics) AddQueueItems(queue, outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.mu.Lock()
	m.shadow.QueueItems[makeLabelKey(queue, outcome)] += float64(n)
	m.mu.Unlock()
	m.QueueItemsTotal.WithLabelValues(queue, outcome).Add(float64(n))
}

// ObserveDrain records the duration of one drain cycle
func (m *Metrics) ObserveDrain(queue string, seconds float64) {
	if m == nil {
		return
	}
	m.DrainDuration.WithLabelValues(queue).Observe(seconds)
}

// IncJobRun counts a job run
func (m *Metrics) IncJobRun(job, status string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.shadow.JobRuns[makeLabelKey(job, status)]++
	m.mu.Unlock()
	m.JobRunsTotal.WithLabelValues(job, status).Inc()
}

// IncCouponsIssued counts a created coupon
func (m *Metrics) IncCouponsIssued() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.shadow.CouponsIssued++
	m.mu.Unlock()
	m.CouponsIssuedTotal.Inc()
}

// IncCouponNotifyFailed counts a coupon whose notification failed
func (m *Metrics) IncCouponNotifyFailed() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.shadow.CouponNotifyFail++
	m.mu.Unlock()
	m.CouponNotifyFailedTotal.Inc()
}

// IncRedemption counts a confirmation attempt by result
func (m *Metrics) IncRedemption(result string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.shadow.CouponRedemptions[result]++
	m.mu.Unlock()
	m.CouponRedemptionsTotal.WithLabelValues(result).Inc()
}

// AddAttentionChanges counts users whose attention flag changed
func (m *Metrics) AddAttentionChanges(action string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.mu.Lock()
	m.shadow.AttentionChanges[action] += float64(n)
	m.mu.Unlock()
	m.AttentionChangesTotal.WithLabelValues(action).Add(float64(n))
}

// SetQueueBacklog updates the queue gauges
func (m *Metrics) SetQueueBacklog(queue string, size int64, oldestSeconds float64) {
	if m == nil {
		return
	}
	m.QueueSize.WithLabelValues(queue).Set(float64(size))
	m.QueueOldestSeconds.WithLabelValues(queue).Set(oldestSeconds)
}

// snapshot copies the shadow counters
func (m *Metrics) snapshot() ShadowCounters {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := newShadow()
	for k, v := range m.shadow.QueueItems {
		s.QueueItems[k] = v
	}
	for k, v := range m.shadow.JobRuns {
		s.JobRuns[k] = v
	}
	for k, v := range m.shadow.CouponRedemptions {
		s.CouponRedemptions[k] = v
	}
	for k, v := range m.shadow.AttentionChanges {
		s.AttentionChanges[k] = v
	}
	s.CouponsIssued = m.shadow.CouponsIssued
	s.CouponNotifyFail = m.shadow.CouponNotifyFail
	return s
}

// restore adds persisted values to the live counters
func (m *Metrics) restore(s ShadowCounters) {
	for k, v := range s.QueueItems {
		queue, outcome := splitLabelKey(k)
		m.AddQueueItems(queue, outcome, int(v))
	}
	for k, v := range s.JobRuns {
		job, status := splitLabelKey(k)
		m.mu.Lock()
		m.shadow.JobRuns[k] += v
		m.mu.Unlock()
		m.JobRunsTotal.WithLabelValues(job, status).Add(v)
	}
	for k, v := range s.CouponRedemptions {
		m.mu.Lock()
		m.shadow.CouponRedemptions[k] += v
		m.mu.Unlock()
		m.CouponRedemptionsTotal.WithLabelValues(k).Add(v)
	}
	for k, v := range s.AttentionChanges {
		m.AddAttentionChanges(k, int64(v))
	}

	m.mu.Lock()
	m.shadow.CouponsIssued += s.CouponsIssued
	m.shadow.CouponNotifyFail += s.CouponNotifyFail
	m.mu.Unlock()
	m.CouponsIssuedTotal.Add(s.CouponsIssued)
	m.CouponNotifyFailedTotal.Add(s.CouponNotifyFail)
}

// Helper functions for label key serialization
func makeLabelKey(a, b string) string {
	return a + "|" + b
}

func splitLabelKey(key string) (string, string) {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == '|' {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}

func statusLabel(code int) string {
	return strconv.Itoa(code)
}
