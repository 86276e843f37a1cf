package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vitwit/x402guard/logger"
	"github.com/vitwit/x402guard/types"
	"golang.org/x/sync/errgroup"
)

// Receipt is the chain's answer for a settled payment.
type Receipt struct {
	BlockNumber uint64
	BlockHash   string
	// Reverted marks a definitive on-chain failure; Reason says why.
	Reverted bool
	Reason   string
}

// Settler finalizes a verified payment on its network.
type Settler interface {
	Settle(ctx context.Context, payment *types.Payment) (*Receipt, error)
}

// Ledger is the slice of the payment ledger the service drives.
type Ledger interface {
	Get(ctx context.Context, id string) (*types.Payment, error)
	Settle(ctx context.Context, id string, blockNumber uint64, blockHash string) (*types.Payment, error)
	Fail(ctx context.Context, id, reason string) (*types.Payment, error)
}

type Option func(*Service)

func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		s.logger = logger.OrNoop(l)
	}
}

func WithTimeout(t time.Duration) Option {
	return func(s *Service) {
		if t > 0 {
			s.timeout = t
		}
	}
}

// WithConcurrency bounds BatchSettle fan-out.
func WithConcurrency(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// Service settles verified payments and records the outcome.
type Service struct {
	ledger      Ledger
	settler     Settler
	logger      logger.Logger
	timeout     time.Duration
	concurrency int
}

// NewService creates a new settlement service
func NewService(ledger Ledger, settler Settler, opts ...Option) *Service {
	s := &Service{
		ledger:      ledger,
		settler:     settler,
		logger:      logger.NoopLogger{},
		timeout:     60 * time.Second,
		concurrency: 8,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Settle submits a VERIFIED payment to its Settler. A receipt moves the
// payment to SETTLED, a reverted receipt moves it to FAILED, and a Settler
// error leaves it VERIFIED so the caller can retry.
func (s *Service) Settle(ctx context.Context, paymentID string) (*types.SettlementResult, error) {
	payment, err := s.ledger.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if payment.Status != types.PaymentStatusVerified {
		// Let the ledger refuse and record the attempt.
		_, err := s.ledger.Settle(ctx, paymentID, 0, "")
		return failed(paymentID, err), err
	}

	settleCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	receipt, err := s.settler.Settle(settleCtx, payment)
	if err != nil {
		s.logger.Warn("settlement attempt failed", map[string]any{
			"payment_id": paymentID,
			"error":      err,
		})
		var xe *types.X402Error
		if !errors.As(err, &xe) {
			err = &types.X402Error{
				Kind:    types.KindStorageUnavailable,
				Code:    types.ErrCodeSettlementFailed,
				Message: "settler unavailable",
				Err:     err,
			}
		}
		return failed(paymentID, err), err
	}

	if receipt.Reverted {
		reason := receipt.Reason
		if reason == "" {
			reason = "transaction reverted"
		}
		if _, err := s.ledger.Fail(ctx, paymentID, reason); err != nil {
			return failed(paymentID, err), err
		}
		return &types.SettlementResult{
			Success:     false,
			PaymentID:   paymentID,
			BlockNumber: receipt.BlockNumber,
			BlockHash:   receipt.BlockHash,
			Error:       reason,
		}, nil
	}

	settled, err := s.ledger.Settle(ctx, paymentID, receipt.BlockNumber, receipt.BlockHash)
	if err != nil {
		return failed(paymentID, err), err
	}

	s.logger.Info("payment settled", map[string]any{
		"payment_id":   paymentID,
		"block_number": receipt.BlockNumber,
	})
	result := &types.SettlementResult{
		Success:     true,
		PaymentID:   paymentID,
		BlockNumber: receipt.BlockNumber,
		BlockHash:   receipt.BlockHash,
	}
	if settled.SettledAt != nil {
		result.Extra = types.ExtraData{"settledAt": settled.SettledAt.Format(time.RFC3339Nano)}
	}
	return result, nil
}

// BatchSettle settles multiple payments concurrently. Individual failures are
// recorded in the result objects; only cancellation aborts the batch.
func (s *Service) BatchSettle(ctx context.Context, paymentIDs []string) ([]*types.SettlementResult, error) {
	if len(paymentIDs) == 0 {
		return nil, types.Validationf("no payments to settle")
	}

	results := make([]*types.SettlementResult, len(paymentIDs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	for i, id := range paymentIDs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			result, _ := s.Settle(gctx, id)
			if result == nil {
				result = failed(id, fmt.Errorf("settlement of %s produced no result", id))
			}
			results[i] = result
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func failed(paymentID string, err error) *types.SettlementResult {
	msg := "settlement failed"
	if err != nil {
		msg = err.Error()
	}
	return &types.SettlementResult{
		Success:   false,
		PaymentID: paymentID,
		Error:     msg,
	}
}
