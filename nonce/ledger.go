// Package nonce issues and consumes single-use, resource-scoped challenge nonces.
package nonce

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/vitwit/x402guard/logger"
	"github.com/vitwit/x402guard/metrics"
	"github.com/vitwit/x402guard/store"
	"github.com/vitwit/x402guard/types"
	"github.com/vitwit/x402guard/utils"
	"gorm.io/gorm"
)

// MaxIssueAttempts bounds the fresh draws Issue makes on a value collision.
const MaxIssueAttempts = 3

// Generator produces candidate nonce values.
type Generator func() (string, error)

type Option func(*Ledger)

func WithClock(c clock.Clock) Option {
	return func(l *Ledger) {
		l.clock = c
	}
}

func WithLogger(lg logger.Logger) Option {
	return func(l *Ledger) {
		l.logger = logger.OrNoop(lg)
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(l *Ledger) {
		l.metrics = metrics.OrNoop(r)
	}
}

// WithGenerator replaces the random value source.
func WithGenerator(g Generator) Option {
	return func(l *Ledger) {
		l.generate = g
	}
}

// Ledger is the NonceLedger backed by the nonces table.
type Ledger struct {
	db       *gorm.DB
	clock    clock.Clock
	logger   logger.Logger
	metrics  metrics.Recorder
	generate Generator
}

func NewLedger(db *gorm.DB, opts ...Option) *Ledger {
	l := &Ledger{
		db:       db,
		clock:    clock.NewDefaultClock(),
		logger:   logger.NoopLogger{},
		metrics:  metrics.NoopRecorder{},
		generate: utils.GenerateNonceValue,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// IssueRequest describes the challenge a nonce is issued for.
type IssueRequest struct {
	Resource  string
	TTL       time.Duration
	IPAddress string
	UserAgent string
}

// Issue persists a fresh nonce for req.Resource expiring after req.TTL.
func (l *Ledger) Issue(ctx context.Context, req IssueRequest) (*types.Nonce, error) {
	if err := utils.ValidateResource(req.Resource); err != nil {
		return nil, err
	}
	if req.TTL <= 0 {
		return nil, types.Validationf("nonce ttl must be positive")
	}

	for attempt := 1; attempt <= MaxIssueAttempts; attempt++ {
		value, err := l.generate()
		if err != nil {
			return nil, &types.X402Error{
				Kind:    types.KindConflict,
				Code:    types.ErrCodeGenerationConflict,
				Message: "failed to generate nonce",
				Err:     err,
			}
		}

		now := l.now()
		n := &types.Nonce{
			Value:     value,
			Resource:  req.Resource,
			CreatedAt: now,
			ExpiresAt: now.Add(req.TTL),
			IPAddress: optional(req.IPAddress),
			UserAgent: optional(req.UserAgent),
		}

		err = l.db.WithContext(ctx).Create(n).Error
		if err == nil {
			l.metrics.IncCounter(metrics.NonceIssued, map[string]string{"resource": req.Resource})
			return n, nil
		}
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, store.Translate(err, "failed to store nonce")
		}

		l.logger.Warn("nonce value collision", map[string]any{
			"attempt":  attempt,
			"resource": req.Resource,
		})
	}

	return nil, &types.X402Error{
		Kind:    types.KindConflict,
		Code:    types.ErrCodeGenerationConflict,
		Message: fmt.Sprintf("could not generate a unique nonce after %d attempts", MaxIssueAttempts),
	}
}

// Consume marks the nonce used. Exactly one of any number of concurrent
// callers for the same value succeeds.
func (l *Ledger) Consume(ctx context.Context, value, resource string) error {
	if err := utils.ValidateNonceValue(value); err != nil {
		return err
	}

	now := l.now()
	res := l.db.WithContext(ctx).
		Model(&types.Nonce{}).
		Where("value = ? AND resource = ? AND used = ? AND expires_at > ?", value, resource, false, now).
		Updates(map[string]interface{}{
			"used":    true,
			"used_at": now,
		})
	if res.Error != nil {
		return store.Translate(res.Error, "failed to consume nonce")
	}
	if res.RowsAffected == 1 {
		l.metrics.IncCounter(metrics.NonceConsumed, map[string]string{"resource": resource})
		return nil
	}

	err := l.classify(ctx, value, resource, now)
	l.metrics.IncCounter(metrics.NonceRejected, map[string]string{
		"resource": resource,
		"outcome":  types.CodeOf(err),
	})
	return err
}

// classify explains why the conditional update matched nothing.
func (l *Ledger) classify(ctx context.Context, value, resource string, now time.Time) error {
	n, err := l.Get(ctx, value)
	if err != nil {
		if types.IsKind(err, types.KindNotFound) {
			return notFound(value)
		}
		return err
	}

	switch {
	case n.Resource != resource:
		return notFound(value)
	case n.Used:
		return &types.X402Error{
			Kind:    types.KindConflict,
			Code:    types.ErrCodeNonceUsed,
			Message: "nonce already used",
		}
	case n.Expired(now):
		return &types.X402Error{
			Kind:    types.KindExpired,
			Code:    types.ErrCodeNonceExpired,
			Message: "nonce expired",
			Data:    map[string]any{"expiresAt": n.ExpiresAt},
		}
	}

	// The row became consumable between the update and the read; only a
	// concurrent writer could have changed it, so the caller lost the race.
	return &types.X402Error{
		Kind:    types.KindConflict,
		Code:    types.ErrCodeNonceUsed,
		Message: "nonce already used",
	}
}

// Get returns the nonce with the given value.
func (l *Ledger) Get(ctx context.Context, value string) (*types.Nonce, error) {
	var n types.Nonce
	if err := l.db.WithContext(ctx).Where("value = ?", value).First(&n).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound(value)
		}
		return nil, store.Translate(err, "failed to load nonce")
	}
	return &n, nil
}

// IsConsumed reports whether value was consumed for resource.
func (l *Ledger) IsConsumed(ctx context.Context, value, resource string) (bool, error) {
	var n int64
	err := l.db.WithContext(ctx).
		Model(&types.Nonce{}).
		Where("value = ? AND resource = ? AND used = ?", value, resource, true).
		Count(&n).Error
	if err != nil {
		return false, store.Translate(err, "failed to check nonce")
	}
	return n > 0, nil
}

// PurgeExpired deletes nonces that expired before the given instant.
func (l *Ledger) PurgeExpired(ctx context.Context, before time.Time) (int64, error) {
	res := l.db.WithContext(ctx).Where("expires_at < ?", before.UTC()).Delete(&types.Nonce{})
	if res.Error != nil {
		return 0, store.Translate(res.Error, "failed to purge nonces")
	}
	if res.RowsAffected > 0 {
		l.logger.Info("purged expired nonces", map[string]any{
			"count":  res.RowsAffected,
			"before": before,
		})
	}
	return res.RowsAffected, nil
}

func (l *Ledger) now() time.Time {
	return l.clock.Now().UTC()
}

func notFound(value string) error {
	return &types.X402Error{
		Kind:    types.KindNotFound,
		Code:    types.ErrCodeNonceNotFound,
		Message: "nonce not found",
		Data:    map[string]any{"nonce": value},
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
