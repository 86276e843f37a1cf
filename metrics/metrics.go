package metrics

import "time"

// Recorder receives counters and latencies from the guard.
// Labels may carry "resource", "status" and "outcome"; missing labels are recorded as "".
type Recorder interface {
	IncCounter(name string, labels map[string]string)
	AddCounter(name string, delta float64, labels map[string]string)
	ObserveLatency(name string, duration time.Duration, labels map[string]string)
}

// Metric names emitted by the guard.
const (
	NonceIssued       = "nonce_issued"
	NonceConsumed     = "nonce_consumed"
	NonceRejected     = "nonce_rejected"
	RateLimitAllowed  = "rate_limit_allowed"
	RateLimitBlocked  = "rate_limit_blocked"
	PaymentTransition = "payment_transition"
	AuditWriteFailed  = "audit_write_failed"
	StorageRetry      = "storage_retry"
	SweepExpired      = "sweep_expired"
	SweepPurged       = "sweep_purged"
)

// OrNoop returns r, or a NoopRecorder when r is nil.
func OrNoop(r Recorder) Recorder {
	if r == nil {
		return NoopRecorder{}
	}
	return r
}
