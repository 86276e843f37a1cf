package ratelimit

import (
	"context"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/vitwit/x402guard/audit"
	"github.com/vitwit/x402guard/logger"
	"github.com/vitwit/x402guard/metrics"
	"github.com/vitwit/x402guard/types"
)

type Option func(*Limiter)

func WithClock(c clock.Clock) Option {
	return func(l *Limiter) {
		l.clock = c
	}
}

func WithLogger(lg logger.Logger) Option {
	return func(l *Limiter) {
		l.logger = logger.OrNoop(lg)
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(l *Limiter) {
		l.metrics = metrics.OrNoop(r)
	}
}

func WithAudit(r audit.Recorder) Option {
	return func(l *Limiter) {
		if r != nil {
			l.audit = r
		}
	}
}

// Limiter is the RateLimiter. It owns policy checks, the clock and the
// side channels; the Store owns atomicity.
type Limiter struct {
	store   Store
	clock   clock.Clock
	logger  logger.Logger
	metrics metrics.Recorder
	audit   audit.Recorder
}

func NewLimiter(store Store, opts ...Option) *Limiter {
	l := &Limiter{
		store:   store,
		clock:   clock.NewDefaultClock(),
		logger:  logger.NoopLogger{},
		metrics: metrics.NoopRecorder{},
		audit:   audit.Discard{},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func validatePolicy(policy types.RateLimitConfig) error {
	if policy.WindowMs <= 0 || policy.MaxRequests <= 0 {
		return types.Validationf("rate limit window and max requests must be positive")
	}
	if policy.BlockMs < 0 {
		return types.Validationf("rate limit block duration cannot be negative")
	}
	return nil
}

// Check counts one request against key and decides whether it may proceed.
func (l *Limiter) Check(ctx context.Context, key Key, policy types.RateLimitConfig) (types.Decision, error) {
	if err := key.validate(); err != nil {
		return types.Decision{}, err
	}
	if err := validatePolicy(policy); err != nil {
		return types.Decision{}, err
	}

	now := l.now()
	start := time.Now()
	hit, err := l.store.Hit(ctx, key, now, policy)
	l.metrics.ObserveLatency("rate_limit_check", time.Since(start), map[string]string{"resource": key.Resource})
	if err != nil {
		return types.Decision{}, err
	}

	if !hit.Blocked(now) {
		l.metrics.IncCounter(metrics.RateLimitAllowed, map[string]string{"resource": key.Resource})
		remaining := policy.MaxRequests - hit.Count
		if remaining < 0 {
			remaining = 0
		}
		l.record(ctx, key, audit.Entry{
			EventType: types.EventRateLimitChecked,
			EventData: map[string]any{
				"count":     hit.Count,
				"remaining": remaining,
				"resetAt":   hit.WindowEnd,
			},
			Success: true,
		})
		return types.Decision{
			Allowed:   true,
			Remaining: remaining,
			ResetAt:   hit.WindowEnd,
		}, nil
	}

	retryAfter := hit.BlockedUntil.Sub(now)
	l.metrics.IncCounter(metrics.RateLimitBlocked, map[string]string{"resource": key.Resource})
	if !hit.ShortCircuited {
		l.logger.Warn("rate limit exceeded", map[string]any{
			"identifier":      key.Identifier,
			"identifier_type": string(key.IdentifierType),
			"resource":        key.Resource,
			"count":           hit.Count,
			"blocked_until":   hit.BlockedUntil,
		})
	}

	l.record(ctx, key, audit.Entry{
		EventType: types.EventRateLimitExceeded,
		EventData: map[string]any{
			"count":          hit.Count,
			"blockedUntil":   hit.BlockedUntil,
			"shortCircuited": hit.ShortCircuited,
		},
		Success:   false,
		ErrorCode: types.ErrCodeRateLimited,
	})

	return types.Decision{
		Allowed:    false,
		RetryAfter: retryAfter,
		ResetAt:    hit.BlockedUntil,
	}, nil
}

// record writes a check outcome for key, attributed to the request in ctx.
func (l *Limiter) record(ctx context.Context, key Key, entry audit.Entry) {
	entry.EventData["identifier"] = key.Identifier
	entry.EventData["identifierType"] = string(key.IdentifierType)
	entry.EventData["resource"] = key.Resource
	entry = entry.WithRequest(types.RequestContextFrom(ctx))
	if key.IdentifierType == types.IdentifierIP {
		entry.IPAddress = key.Identifier
	}
	_, _ = l.audit.Record(ctx, entry)
}

// Complete reports the outcome of a request that Check allowed. When the
// policy skips that outcome the request is given back to the window.
func (l *Limiter) Complete(ctx context.Context, key Key, success bool, policy types.RateLimitConfig) error {
	if (success && !policy.SkipSuccessful) || (!success && !policy.SkipFailed) {
		return nil
	}
	if err := key.validate(); err != nil {
		return err
	}
	return l.store.Release(ctx, key, l.now())
}

// Reset lifts a block and zeroes the window for key.
func (l *Limiter) Reset(ctx context.Context, key Key) error {
	if err := key.validate(); err != nil {
		return err
	}
	if err := l.store.Reset(ctx, key, l.now()); err != nil {
		return err
	}

	l.logger.Info("rate limit reset", map[string]any{
		"identifier":      key.Identifier,
		"identifier_type": string(key.IdentifierType),
		"resource":        key.Resource,
	})
	_, _ = l.audit.Record(ctx, audit.Entry{
		EventType: types.EventRateLimitReset,
		EventData: map[string]any{
			"identifier":     key.Identifier,
			"identifierType": string(key.IdentifierType),
			"resource":       key.Resource,
		},
		Success: true,
	})
	return nil
}

// Window returns the stored window for key.
func (l *Limiter) Window(ctx context.Context, key Key) (*types.RateLimitWindow, error) {
	if err := key.validate(); err != nil {
		return nil, err
	}
	return l.store.Window(ctx, key)
}

// PurgeIdle drops windows idle since before.
func (l *Limiter) PurgeIdle(ctx context.Context, before time.Time) (int64, error) {
	return l.store.PurgeIdle(ctx, before)
}

func (l *Limiter) now() time.Time {
	return l.clock.Now().UTC()
}
