package payment

import (
	"time"

	"github.com/vitwit/x402guard/types"
)

var transitions = map[types.PaymentStatus][]types.PaymentStatus{
	types.PaymentStatusPending:  {types.PaymentStatusVerified, types.PaymentStatusFailed, types.PaymentStatusExpired},
	types.PaymentStatusVerified: {types.PaymentStatusSettled, types.PaymentStatusFailed},
	types.PaymentStatusSettled:  {types.PaymentStatusRefunded},
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to types.PaymentStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// eventFor maps a target status to the audit event recorded for it.
func eventFor(to types.PaymentStatus) types.AuditEventType {
	switch to {
	case types.PaymentStatusVerified:
		return types.EventPaymentVerified
	case types.PaymentStatusSettled:
		return types.EventPaymentSettled
	case types.PaymentStatusFailed:
		return types.EventPaymentFailed
	case types.PaymentStatusExpired:
		return types.EventPaymentExpired
	case types.PaymentStatusRefunded:
		return types.EventPaymentRefunded
	}
	return types.EventPaymentInitiated
}

// terminalStatuses are the statuses retention applies to.
var terminalStatuses = []types.PaymentStatus{
	types.PaymentStatusSettled,
	types.PaymentStatusFailed,
	types.PaymentStatusExpired,
	types.PaymentStatusRefunded,
}

// PurgeEligible reports whether retention allows an external job to purge p at now.
// Only payments in a terminal status whose last update is older than the
// retention window qualify.
func PurgeEligible(p *types.Payment, policy types.RetentionPolicy, now time.Time) bool {
	if p == nil || !p.Status.IsTerminal() {
		return false
	}
	return p.UpdatedAt.Add(policy.PaymentTTL()).Before(now)
}
