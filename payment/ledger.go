// Package payment owns Payment records and drives their lifecycle:
// PENDING -> VERIFIED -> SETTLED -> REFUNDED, with FAILED and EXPIRED exits.
// Every transition is a compare-and-swap on the current status and is
// recorded by exactly one audit event.
package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/vitwit/x402guard/audit"
	"github.com/vitwit/x402guard/logger"
	"github.com/vitwit/x402guard/metrics"
	"github.com/vitwit/x402guard/store"
	"github.com/vitwit/x402guard/types"
	"github.com/vitwit/x402guard/utils"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	// maxCASAttempts bounds re-reads when a concurrent transition moved the status.
	maxCASAttempts = 4
	expireBatch    = 500
)

// NonceChecker tells the ledger whether a payment's nonce was consumed.
type NonceChecker interface {
	IsConsumed(ctx context.Context, value, resource string) (bool, error)
}

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

func WithAudit(r audit.Recorder) Option {
	return func(l *Ledger) {
		if r != nil {
			l.audit = r
		}
	}
}

// Ledger is the PaymentLedger.
type Ledger struct {
	db      *gorm.DB
	nonces  NonceChecker
	clock   clock.Clock
	logger  logger.Logger
	metrics metrics.Recorder
	audit   audit.Recorder
}

func NewLedger(db *gorm.DB, nonces NonceChecker, opts ...Option) *Ledger {
	l := &Ledger{
		db:      db,
		nonces:  nonces,
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

// CreateRequest is a payment submission.
type CreateRequest struct {
	TxHash      string         `json:"txHash" validate:"required"`
	FromAddress string         `json:"fromAddress" validate:"required"`
	ToAddress   string         `json:"toAddress" validate:"required"`
	Amount      string         `json:"amount" validate:"required"`
	Currency    string         `json:"currency" validate:"required"`
	Decimals    int            `json:"decimals" validate:"gte=0,lte=36"`
	Resource    string         `json:"resource" validate:"required"`
	Nonce       string         `json:"nonce" validate:"required"`
	Network     string         `json:"network" validate:"required"`
	ChainID     int64          `json:"chainId,omitempty" validate:"gte=0"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Validate checks the request's formats and returns the chain id it resolves to.
// It reads no storage, so callers can reject a malformed request up front.
func (r *CreateRequest) Validate() (int64, error) {
	if err := utils.ValidateStruct(r); err != nil {
		return 0, err
	}
	if err := utils.ValidateTransactionHash(r.TxHash); err != nil {
		return 0, err
	}
	if err := utils.ValidateAddress(r.FromAddress); err != nil {
		return 0, types.Validationf("from address: %s", err.Error())
	}
	if err := utils.ValidateAddress(r.ToAddress); err != nil {
		return 0, types.Validationf("to address: %s", err.Error())
	}
	amount, err := utils.ValidateAmount(r.Amount)
	if err != nil {
		return 0, err
	}
	if err := utils.ValidateAmountPrecision(amount, r.Decimals); err != nil {
		return 0, err
	}
	if err := utils.ValidateCurrency(r.Currency); err != nil {
		return 0, err
	}
	if err := utils.ValidateResource(r.Resource); err != nil {
		return 0, err
	}
	if err := utils.ValidateNonceValue(r.Nonce); err != nil {
		return 0, err
	}
	return utils.ValidateNetwork(r.Network, r.ChainID)
}

// Create records a new PENDING payment.
func (l *Ledger) Create(ctx context.Context, req CreateRequest) (*types.Payment, error) {
	p, err := l.create(ctx, req)

	entry := audit.Entry{
		EventType: types.EventPaymentInitiated,
		EventData: map[string]any{
			"txHash":   req.TxHash,
			"resource": req.Resource,
			"amount":   req.Amount,
			"currency": req.Currency,
			"network":  req.Network,
			"to":       string(types.PaymentStatusPending),
		},
	}.WithRequest(types.RequestContextFrom(ctx)).FromError(err)
	if p != nil {
		entry.PaymentID = p.ID
	}
	_, _ = l.audit.Record(ctx, entry)

	l.countTransition(types.PaymentStatusPending, err)
	return p, err
}

func (l *Ledger) create(ctx context.Context, req CreateRequest) (*types.Payment, error) {
	chainID, err := req.Validate()
	if err != nil {
		return nil, err
	}

	var metadata datatypes.JSON
	if len(req.Metadata) > 0 {
		raw, err := json.Marshal(req.Metadata)
		if err != nil {
			return nil, types.Validationf("metadata is not JSON-encodable: %v", err)
		}
		metadata = raw
	}

	now := l.now()
	p := &types.Payment{
		TxHash:      utils.NormalizeHash(req.TxHash),
		FromAddress: utils.NormalizeAddress(req.FromAddress),
		ToAddress:   utils.NormalizeAddress(req.ToAddress),
		Amount:      req.Amount,
		Currency:    req.Currency,
		Decimals:    req.Decimals,
		Resource:    req.Resource,
		Nonce:       req.Nonce,
		Network:     req.Network,
		ChainID:     chainID,
		Status:      types.PaymentStatusPending,
		Metadata:    metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	res := l.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "tx_hash"}}, DoNothing: true}).
		Create(p)
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
			return nil, duplicate(p.TxHash)
		}
		return nil, store.Translate(res.Error, "failed to create payment")
	}
	if res.RowsAffected == 0 {
		return nil, duplicate(p.TxHash)
	}

	l.logger.Info("payment created", map[string]any{
		"payment_id": p.ID,
		"tx_hash":    p.TxHash,
		"resource":   p.Resource,
	})
	return p, nil
}

// Verify moves a PENDING payment to VERIFIED. The payment's nonce must
// already be consumed.
func (l *Ledger) Verify(ctx context.Context, id string) (*types.Payment, error) {
	return l.transition(ctx, id, types.PaymentStatusVerified, nil, func(p *types.Payment) error {
		consumed, err := l.nonces.IsConsumed(ctx, p.Nonce, p.Resource)
		if err != nil {
			return err
		}
		if !consumed {
			return &types.X402Error{
				Kind:    types.KindInvalidTransition,
				Code:    types.ErrCodeNonceNotConsumed,
				Message: "payment nonce has not been consumed",
			}
		}
		return nil
	}, nil)
}

// Settle moves a VERIFIED payment to SETTLED and stamps the block it landed in.
func (l *Ledger) Settle(ctx context.Context, id string, blockNumber uint64, blockHash string) (*types.Payment, error) {
	hash := utils.NormalizeHash(blockHash)
	now := l.now()

	return l.transition(ctx, id, types.PaymentStatusSettled, map[string]interface{}{
		"block_number": blockNumber,
		"block_hash":   hash,
		"settled_at":   now,
	}, func(*types.Payment) error {
		if err := utils.ValidateTransactionHash(blockHash); err != nil {
			return types.Validationf("invalid block hash")
		}
		return nil
	}, map[string]any{
		"blockNumber": blockNumber,
		"blockHash":   hash,
	})
}

// Fail moves a PENDING or VERIFIED payment to FAILED.
func (l *Ledger) Fail(ctx context.Context, id, reason string) (*types.Payment, error) {
	return l.transition(ctx, id, types.PaymentStatusFailed, nil, nil, map[string]any{"reason": reason})
}

// Expire moves a PENDING payment to EXPIRED.
func (l *Ledger) Expire(ctx context.Context, id string) (*types.Payment, error) {
	return l.transition(ctx, id, types.PaymentStatusExpired, nil, nil, nil)
}

// Refund moves a SETTLED payment to REFUNDED.
func (l *Ledger) Refund(ctx context.Context, id, reason string) (*types.Payment, error) {
	return l.transition(ctx, id, types.PaymentStatusRefunded, nil, nil, map[string]any{"reason": reason})
}

// transition applies from -> to with a conditional update keyed on the
// status it read. guard runs against the read row before the update.
func (l *Ledger) transition(
	ctx context.Context,
	id string,
	to types.PaymentStatus,
	updates map[string]interface{},
	guard func(*types.Payment) error,
	data map[string]any,
) (*types.Payment, error) {
	var (
		p    *types.Payment
		from types.PaymentStatus
		err  error
	)

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		current, getErr := l.Get(ctx, id)
		if getErr != nil {
			err = getErr
			break
		}
		p = current
		from = p.Status

		if !CanTransition(from, to) {
			err = invalidTransition(from, to)
			break
		}
		if guard != nil {
			if err = guard(p); err != nil {
				break
			}
		}

		now := l.now()
		values := map[string]interface{}{
			"status":     to,
			"updated_at": now,
		}
		for k, v := range updates {
			values[k] = v
		}

		res := l.db.WithContext(ctx).
			Model(&types.Payment{}).
			Where("id = ? AND status = ?", id, from).
			Updates(values)
		if res.Error != nil {
			err = store.Translate(res.Error, "failed to update payment")
			break
		}
		if res.RowsAffected == 1 {
			// The transition landed; report it even if the re-read does not.
			if fresh, getErr := l.Get(ctx, id); getErr == nil {
				p = fresh
			} else {
				p.Status = to
				p.UpdatedAt = now
			}
			err = nil
			break
		}

		l.logger.Debug("payment status changed concurrently", map[string]any{
			"payment_id": id,
			"expected":   string(from),
			"attempt":    attempt + 1,
		})
		err = invalidTransition(from, to)
	}

	l.recordTransition(ctx, id, from, to, data, err)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (l *Ledger) recordTransition(ctx context.Context, id string, from, to types.PaymentStatus, data map[string]any, err error) {
	eventData := map[string]any{
		"from": string(from),
		"to":   string(to),
	}
	for k, v := range data {
		eventData[k] = v
	}

	entry := audit.Entry{
		EventType: eventFor(to),
		EventData: eventData,
		PaymentID: id,
	}.WithRequest(types.RequestContextFrom(ctx)).FromError(err)

	// Unknown ids cannot be referenced; keep the id in the payload instead.
	if types.IsKind(err, types.KindNotFound) && types.CodeOf(err) == types.ErrCodePaymentNotFound {
		entry.PaymentID = ""
		entry.EventData["paymentId"] = id
	}
	_, _ = l.audit.Record(ctx, entry)

	l.countTransition(to, err)
	if err == nil {
		l.logger.Info("payment transitioned", map[string]any{
			"payment_id": id,
			"from":       string(from),
			"to":         string(to),
		})
	}
}

func (l *Ledger) countTransition(to types.PaymentStatus, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	l.metrics.IncCounter(metrics.PaymentTransition, map[string]string{
		"status":  string(to),
		"outcome": outcome,
	})
}

// ExpireStale expires every PENDING payment created more than timeout ago.
// Payments that move on concurrently are skipped.
func (l *Ledger) ExpireStale(ctx context.Context, timeout time.Duration) (int64, error) {
	if timeout <= 0 {
		return 0, types.Validationf("payment timeout must be positive")
	}
	cutoff := l.now().Add(-timeout)

	var expired int64
	for {
		var ids []string
		err := l.db.WithContext(ctx).
			Model(&types.Payment{}).
			Where("status = ? AND created_at < ?", types.PaymentStatusPending, cutoff).
			Order("created_at ASC").
			Limit(expireBatch).
			Pluck("id", &ids).Error
		if err != nil {
			return expired, store.Translate(err, "failed to list stale payments")
		}
		if len(ids) == 0 {
			return expired, nil
		}

		progressed := false
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return expired, err
			}
			_, err := l.Expire(ctx, id)
			switch {
			case err == nil:
				expired++
				progressed = true
			case types.IsKind(err, types.KindInvalidTransition):
				progressed = true
			default:
				return expired, err
			}
		}
		if !progressed || len(ids) < expireBatch {
			return expired, nil
		}
	}
}

// Get loads a payment by id.
func (l *Ledger) Get(ctx context.Context, id string) (*types.Payment, error) {
	var p types.Payment
	if err := l.db.WithContext(ctx).Where("id = ?", id).First(&p).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, paymentNotFound(id)
		}
		return nil, store.Translate(err, "failed to load payment")
	}
	return &p, nil
}

// GetByTxHash loads a payment by transaction hash.
func (l *Ledger) GetByTxHash(ctx context.Context, txHash string) (*types.Payment, error) {
	if err := utils.ValidateTransactionHash(txHash); err != nil {
		return nil, err
	}
	var p types.Payment
	err := l.db.WithContext(ctx).Where("tx_hash = ?", utils.NormalizeHash(txHash)).First(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, paymentNotFound(txHash)
		}
		return nil, store.Translate(err, "failed to load payment")
	}
	return &p, nil
}

// ListByStatus pages through payments in one status, oldest first.
func (l *Ledger) ListByStatus(ctx context.Context, status types.PaymentStatus, limit, offset int) ([]types.Payment, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var payments []types.Payment
	err := l.db.WithContext(ctx).
		Where("status = ?", status).
		Order("created_at ASC").
		Limit(limit).
		Offset(offset).
		Find(&payments).Error
	if err != nil {
		return nil, store.Translate(err, "failed to list payments")
	}
	return payments, nil
}

// CountPurgeEligible counts payments retention would let an external job purge.
func (l *Ledger) CountPurgeEligible(ctx context.Context, policy types.RetentionPolicy) (int64, error) {
	cutoff := l.now().Add(-policy.PaymentTTL())
	var n int64
	err := l.db.WithContext(ctx).
		Model(&types.Payment{}).
		Where("status IN ? AND updated_at < ?", terminalStatuses, cutoff).
		Count(&n).Error
	if err != nil {
		return 0, store.Translate(err, "failed to count purge-eligible payments")
	}
	return n, nil
}

func (l *Ledger) now() time.Time {
	return l.clock.Now().UTC()
}

func paymentNotFound(ref string) error {
	return &types.X402Error{
		Kind:    types.KindNotFound,
		Code:    types.ErrCodePaymentNotFound,
		Message: fmt.Sprintf("payment %s not found", ref),
	}
}

func duplicate(txHash string) error {
	return &types.X402Error{
		Kind:    types.KindConflict,
		Code:    types.ErrDuplicateTx,
		Message: "transaction already recorded",
		Data:    map[string]any{"txHash": txHash},
	}
}

func invalidTransition(from, to types.PaymentStatus) error {
	return &types.X402Error{
		Kind:    types.KindInvalidTransition,
		Code:    types.ErrCodeInvalidTransition,
		Message: fmt.Sprintf("cannot move payment from %s to %s", from, to),
		Data:    map[string]any{"from": string(from), "to": string(to)},
	}
}
