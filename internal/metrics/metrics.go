// internal/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HttpRequestsTotal counts operator API requests.
	HttpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guard_http_requests_total",
			Help: "Total number of http requests handled by the operator API.",
		},
		[]string{"path", "method", "code"},
	)

	// AdmissionDecisionsTotal counts admission decisions by outcome.
	AdmissionDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guard_admission_decisions_total",
			Help: "Total number of admission decisions.",
		},
		[]string{"decision"}, // proceed / delay / reject
	)

	// AdmissionLevel is the current load level (0=normal .. 3=critical).
	AdmissionLevel = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "guard_admission_level",
			Help: "Current admission load level. 0=normal, 1=moderate, 2=high, 3=critical.",
		},
	)

	AdmissionConcurrentUnits = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "guard_admission_concurrent_units",
			Help: "Units of work currently in flight.",
		},
	)

	AdmissionQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "guard_admission_queue_depth",
			Help: "Units of work waiting to be processed.",
		},
	)

	AdmissionWindowCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "guard_admission_window_count",
			Help: "Units of work started in the current trailing window.",
		},
	)

	// AdmissionUnderflowTotal counts unpaired CompleteUnit/Dequeue calls.
	AdmissionUnderflowTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guard_admission_underflow_total",
			Help: "Total number of counter decrements clamped at zero.",
		},
		[]string{"counter"},
	)

	// LockAcquireTotal counts acquisition attempts by outcome.
	LockAcquireTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guard_lock_acquire_total",
			Help: "Total number of lock acquisitions by outcome.",
		},
		[]string{"outcome"}, // acquired / timed_out / store_error
	)

	LockWaitSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "guard_lock_wait_seconds",
			Help:    "Time spent waiting to acquire a lock.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		},
	)

	LockHoldSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "guard_lock_hold_seconds",
			Help:    "Time a lock was held by RunExclusive.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
		},
	)

	// LockReleaseTotal counts releases by result.
	LockReleaseTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guard_lock_release_total",
			Help: "Total number of lock releases by result.",
		},
		[]string{"result"}, // released / not_held / error / abandoned
	)

	LockForceReleaseTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "guard_lock_force_release_total",
			Help: "Total number of administrative force releases.",
		},
	)

	// CriticalSectionTotal counts RunExclusive critical sections by result.
	CriticalSectionTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guard_critical_section_total",
			Help: "Total number of critical sections executed under a lock.",
		},
		[]string{"result"}, // success / failed / panic
	)

	LockStoreOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guard_lock_store_operations_total",
			Help: "Total number of lock store operations.",
		},
		[]string{"store", "op", "success"},
	)

	LockStoreOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "guard_lock_store_operation_duration_seconds",
			Help:    "Lock store operation latency.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"store", "op"},
	)
)

var (
	// LockStoreBreakerState is 0 closed, 1 half-open, 2 open.
	LockStoreBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "guard_lock_store_breaker_state",
			Help: "Circuit breaker state in front of the lock store.",
		},
		[]string{"store"},
	)

	AuditRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guard_audit_records_total",
			Help: "Total number of force release audit records written.",
		},
		[]string{"success"},
	)
)
