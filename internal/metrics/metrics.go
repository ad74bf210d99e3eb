package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var latencyBuckets = []float64{
	0.001, // 1ms
	0.005, // 5ms
	0.01,  // 10ms
	0.025, // 25ms
	0.05,  // 50ms
	0.1,   // 100ms
	0.25,  // 250ms
	0.5,   // 500ms
	1.0,   // 1s
	2.5,   // 2.5s
	5.0,   // 5s
	10.0,  // 10s
}

var (
	// IssueCouponDuration tracks the latency of issuance intake
	IssueCouponDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "coupon_issue_duration_seconds",
			Help:    "Duration of coupon issuance requests in seconds",
			Buckets: latencyBuckets,
		},
		// mode: queued|sync
		// result: accepted|issued|invalid|lock_timeout|error or a reject reason code
		[]string{"mode", "result"},
	)

	// IssueRequests counts admission outcomes
	IssueRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coupon_issue_requests_total",
			Help: "Issuance requests by intake mode and admission result",
		},
		[]string{"mode", "result"}, // same values as coupon_issue_duration_seconds
	)

	// BatchRequests counts per-request outcomes of the batch consumer
	BatchRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coupon_batch_requests_total",
			Help: "Requests handled by the issuance batch consumer by pass and outcome",
		},
		// pass: issue|failed|out_of_stock
		// outcome: issued|failed|requeued|skipped
		[]string{"pass", "outcome"},
	)

	// LockAcquireDuration tracks distributed lock acquisition latency
	LockAcquireDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "coupon_lock_acquire_duration_seconds",
			Help:    "Time spent acquiring distributed locks in seconds",
			Buckets: latencyBuckets,
		},
		[]string{"type", "result"}, // acquired|timeout|error
	)
)

// RecordIssueCouponDuration records the duration of a coupon issuance request
func RecordIssueCouponDuration(mode, result string, duration float64) {
	IssueCouponDuration.WithLabelValues(mode, result).Observe(duration)
}

// RecordIssueRequest counts one admission outcome
func RecordIssueRequest(mode, result string) {
	IssueRequests.WithLabelValues(mode, result).Inc()
}

// RecordBatchRequests adds n requests with the given outcome for a consumer pass
func RecordBatchRequests(pass, outcome string, n int) {
	if n <= 0 {
		return
	}
	BatchRequests.WithLabelValues(pass, outcome).Add(float64(n))
}

// RecordLockAcquire records one lock acquisition attempt
func RecordLockAcquire(lockType, result string, duration float64) {
	LockAcquireDuration.WithLabelValues(lockType, result).Observe(duration)
}
