// Package audit appends immutable audit events. Writes are best-effort: a
// failed write is logged and counted, never surfaced as the caller's failure.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/vitwit/x402guard/logger"
	"github.com/vitwit/x402guard/metrics"
	"github.com/vitwit/x402guard/store"
	"github.com/vitwit/x402guard/types"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Entry is the input to Record.
type Entry struct {
	EventType    types.AuditEventType
	EventData    map[string]any
	PaymentID    string
	IPAddress    string
	UserAgent    string
	Success      bool
	ErrorCode    string
	ErrorMessage string
}

// FromError fills ErrorCode/ErrorMessage from err and marks the entry failed.
func (e Entry) FromError(err error) Entry {
	if err == nil {
		e.Success = true
		return e
	}
	e.Success = false
	e.ErrorMessage = err.Error()
	var xe *types.X402Error
	if errors.As(err, &xe) {
		e.ErrorCode = xe.Code
		if e.ErrorCode == "" {
			e.ErrorCode = string(xe.Kind)
		}
	}
	return e
}

// WithRequest copies IP and user agent from the request context.
func (e Entry) WithRequest(rc types.RequestContext) Entry {
	e.IPAddress = rc.IPAddress
	e.UserAgent = rc.UserAgent
	return e
}

// Recorder is the write side of the trail, as consumed by the ledgers.
type Recorder interface {
	Record(ctx context.Context, entry Entry) (*types.AuditEvent, error)
}

type Option func(*Trail)

func WithLogger(l logger.Logger) Option {
	return func(t *Trail) {
		t.logger = logger.OrNoop(l)
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(t *Trail) {
		t.metrics = metrics.OrNoop(r)
	}
}

func WithClock(c clock.Clock) Option {
	return func(t *Trail) {
		t.clock = c
	}
}

// Trail is the gorm-backed audit log.
type Trail struct {
	db      *gorm.DB
	clock   clock.Clock
	logger  logger.Logger
	metrics metrics.Recorder
}

func NewTrail(db *gorm.DB, opts ...Option) *Trail {
	t := &Trail{
		db:      db,
		clock:   clock.NewDefaultClock(),
		logger:  logger.NoopLogger{},
		metrics: metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Record appends one event. The returned error is an AuditWriteFailed the caller
// may inspect, but it has already been logged and must not fail the primary operation.
func (t *Trail) Record(ctx context.Context, entry Entry) (*types.AuditEvent, error) {
	data := entry.EventData
	if data == nil {
		data = map[string]any{}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, t.failed(entry, err)
	}

	event := &types.AuditEvent{
		EventType:    entry.EventType,
		EventData:    datatypes.JSON(raw),
		PaymentID:    optional(entry.PaymentID),
		IPAddress:    optional(entry.IPAddress),
		UserAgent:    optional(entry.UserAgent),
		Success:      entry.Success,
		ErrorCode:    optional(entry.ErrorCode),
		ErrorMessage: optional(entry.ErrorMessage),
		CreatedAt:    t.clock.Now().UTC(),
	}

	// Detached from the caller's cancellation: an abandoned request still leaves its trail.
	if err := t.db.WithContext(context.WithoutCancel(ctx)).Create(event).Error; err != nil {
		return nil, t.failed(entry, err)
	}
	return event, nil
}

func (t *Trail) failed(entry Entry, err error) error {
	t.metrics.IncCounter(metrics.AuditWriteFailed, map[string]string{"outcome": string(entry.EventType)})
	t.logger.Error("audit write failed", map[string]any{
		"event_type": string(entry.EventType),
		"payment_id": entry.PaymentID,
		"success":    entry.Success,
		"error":      err,
	})
	return &types.X402Error{
		Kind:    types.KindAuditWriteFailed,
		Code:    types.ErrCodeAuditWrite,
		Message: "failed to write audit event",
		Err:     err,
	}
}

// ListByPayment returns the events of one payment, oldest first.
func (t *Trail) ListByPayment(ctx context.Context, paymentID string) ([]types.AuditEvent, error) {
	var events []types.AuditEvent
	err := t.db.WithContext(ctx).
		Where("payment_id = ?", paymentID).
		Order("created_at ASC").
		Find(&events).Error
	if err != nil {
		return nil, store.Translate(err, "failed to list audit events")
	}
	return events, nil
}

// CountByPayment counts the events of one payment.
func (t *Trail) CountByPayment(ctx context.Context, paymentID string) (int64, error) {
	var n int64
	err := t.db.WithContext(ctx).Model(&types.AuditEvent{}).Where("payment_id = ?", paymentID).Count(&n).Error
	if err != nil {
		return 0, store.Translate(err, "failed to count audit events")
	}
	return n, nil
}

// ListByType returns events of one type created at or after since, newest first.
func (t *Trail) ListByType(ctx context.Context, eventType types.AuditEventType, since time.Time, limit int) ([]types.AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var events []types.AuditEvent
	err := t.db.WithContext(ctx).
		Where("event_type = ? AND created_at >= ?", eventType, since.UTC()).
		Order("created_at DESC").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, store.Translate(err, "failed to list audit events")
	}
	return events, nil
}

// Discard is a Recorder that drops every entry.
type Discard struct{}

func (Discard) Record(context.Context, Entry) (*types.AuditEvent, error) {
	return nil, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
