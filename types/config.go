package types

import "time"

// Known configuration keys read by the core.
const (
	ConfigKeyRateLimit     = "rate_limit.default"
	ConfigKeyRetention     = "data_retention.policy"
	ConfigKeyNonce         = "nonce.default"
	ConfigKeyPaymentPolicy = "payment.policy"
)

// RateLimitConfig is the value stored under rate_limit.default.
// BlockMs is optional; zero means "block for one full window".
type RateLimitConfig struct {
	WindowMs       int64 `json:"windowMs" validate:"required,gt=0"`
	MaxRequests    int64 `json:"maxRequests" validate:"required,gt=0"`
	SkipSuccessful bool  `json:"skipSuccessful"`
	SkipFailed     bool  `json:"skipFailed"`
	BlockMs        int64 `json:"blockMs,omitempty" validate:"gte=0"`
}

func (c RateLimitConfig) Window() time.Duration {
	return time.Duration(c.WindowMs) * time.Millisecond
}

// BlockDuration is how long a key stays blocked after exceeding the limit.
func (c RateLimitConfig) BlockDuration() time.Duration {
	if c.BlockMs > 0 {
		return time.Duration(c.BlockMs) * time.Millisecond
	}
	return c.Window()
}

// RetentionPolicy is the value stored under data_retention.policy.
// Every field is a TTL in seconds.
type RetentionPolicy struct {
	Payments   int64 `json:"payments" validate:"gte=0"`
	AuditLogs  int64 `json:"auditLogs" validate:"gte=0"`
	RateLimits int64 `json:"rateLimits" validate:"gte=0"`
	Nonces     int64 `json:"nonces" validate:"gte=0"`
}

func (p RetentionPolicy) PaymentTTL() time.Duration   { return seconds(p.Payments) }
func (p RetentionPolicy) AuditLogTTL() time.Duration  { return seconds(p.AuditLogs) }
func (p RetentionPolicy) RateLimitTTL() time.Duration { return seconds(p.RateLimits) }
func (p RetentionPolicy) NonceTTL() time.Duration     { return seconds(p.Nonces) }

// NonceConfig is the value stored under nonce.default.
type NonceConfig struct {
	TTLSeconds int64 `json:"ttlSeconds" validate:"required,gt=0"`
}

func (c NonceConfig) TTL() time.Duration {
	return seconds(c.TTLSeconds)
}

// PaymentPolicy is the value stored under payment.policy.
type PaymentPolicy struct {
	TimeoutSeconds int64 `json:"timeoutSeconds" validate:"required,gt=0"`
}

func (p PaymentPolicy) Timeout() time.Duration {
	return seconds(p.TimeoutSeconds)
}

func seconds(s int64) time.Duration {
	return time.Duration(s) * time.Second
}

// Defaults applied when a key has never been written.
var (
	DefaultRateLimitConfig = RateLimitConfig{
		WindowMs:    15 * 60 * 1000,
		MaxRequests: 100,
	}
	DefaultRetentionPolicy = RetentionPolicy{
		Payments:   365 * 24 * 3600,
		AuditLogs:  90 * 24 * 3600,
		RateLimits: 24 * 3600,
		Nonces:     24 * 3600,
	}
	DefaultNonceConfig   = NonceConfig{TTLSeconds: 300}
	DefaultPaymentPolicy = PaymentPolicy{TimeoutSeconds: 900}
)
