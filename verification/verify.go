package verification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vitwit/x402guard/logger"
	"github.com/vitwit/x402guard/types"
	"github.com/vitwit/x402guard/utils"
	"golang.org/x/sync/errgroup"
)

// Verifier checks a recorded payment against its on-chain or off-chain proof.
type Verifier interface {
	Verify(ctx context.Context, payment *types.Payment) (*types.VerificationResult, error)
}

// Ledger is the slice of the payment ledger the service drives.
type Ledger interface {
	Get(ctx context.Context, id string) (*types.Payment, error)
	Verify(ctx context.Context, id string) (*types.Payment, error)
	Fail(ctx context.Context, id, reason string) (*types.Payment, error)
}

// Transfer is a value movement observed for a transaction.
type Transfer struct {
	TxHash    string
	Payer     string
	Recipient string
	Amount    string // decimal string in token units
	Currency  string
	ChainID   int64
}

// TransferSource looks up what a transaction actually moved.
// It returns a NotFound error when the transaction is unknown and a
// Validation error when it exists but moved nothing acceptable.
type TransferSource interface {
	Transfer(ctx context.Context, network types.Network, txHash string) (*Transfer, error)
}

// MatchVerifier accepts a payment when the observed transfer pays the
// recorded recipient the recorded amount from the recorded payer.
type MatchVerifier struct {
	Source TransferSource
}

func (v MatchVerifier) Verify(ctx context.Context, payment *types.Payment) (*types.VerificationResult, error) {
	transfer, err := v.Source.Transfer(ctx, types.Network(payment.Network), payment.TxHash)
	if err != nil {
		switch {
		case types.IsKind(err, types.KindNotFound):
			return invalid("transaction not found"), nil
		case types.IsKind(err, types.KindValidation):
			return invalid(err.Error()), nil
		}
		return nil, err
	}

	expected, err := decimal.NewFromString(payment.Amount)
	if err != nil {
		return invalid(fmt.Sprintf("stored amount is malformed: %v", err)), nil
	}
	observed, err := decimal.NewFromString(transfer.Amount)
	if err != nil {
		return invalid(fmt.Sprintf("observed amount is malformed: %v", err)), nil
	}

	switch {
	case transfer.ChainID != 0 && transfer.ChainID != payment.ChainID:
		return invalid(fmt.Sprintf("chain id %d does not match %d", transfer.ChainID, payment.ChainID)), nil
	case !utils.SameAddress(transfer.Recipient, payment.ToAddress):
		return invalid("recipient mismatch"), nil
	case !utils.SameAddress(transfer.Payer, payment.FromAddress):
		return invalid("payer mismatch"), nil
	case transfer.Currency != "" && transfer.Currency != payment.Currency:
		return invalid(fmt.Sprintf("currency %s does not match %s", transfer.Currency, payment.Currency)), nil
	case !observed.Equal(expected):
		return invalid(fmt.Sprintf("amount %s does not match %s", observed, expected)), nil
	}

	return &types.VerificationResult{
		IsValid:   true,
		Amount:    expected.String(),
		Recipient: payment.ToAddress,
		Payer:     payment.FromAddress,
	}, nil
}

func invalid(reason string) *types.VerificationResult {
	return &types.VerificationResult{IsValid: false, InvalidReason: reason}
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

// WithConcurrency bounds BatchVerify fan-out.
func WithConcurrency(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// Service runs a Verifier and records its outcome on the payment.
type Service struct {
	ledger      Ledger
	verifier    Verifier
	logger      logger.Logger
	timeout     time.Duration
	concurrency int
}

// NewService creates a new verification service
func NewService(ledger Ledger, verifier Verifier, opts ...Option) *Service {
	s := &Service{
		ledger:      ledger,
		verifier:    verifier,
		logger:      logger.NoopLogger{},
		timeout:     30 * time.Second,
		concurrency: 8,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Verify checks the payment's proof. A valid proof moves the payment to
// VERIFIED; an invalid one moves it to FAILED and is reported through the
// result, not the error. Verifier errors leave the payment untouched.
func (s *Service) Verify(ctx context.Context, paymentID string) (*types.VerificationResult, error) {
	payment, err := s.ledger.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	if payment.Status != types.PaymentStatusPending {
		// Let the ledger refuse and record the attempt.
		_, err := s.ledger.Verify(ctx, paymentID)
		if err == nil {
			err = types.NewError(types.KindInvalidTransition, types.ErrCodeInvalidTransition, "payment is not pending")
		}
		return nil, err
	}

	if result := QuickVerify(payment); !result.IsValid {
		return s.reject(ctx, payment, result)
	}

	verifyCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	result, err := s.verifier.Verify(verifyCtx, payment)
	if err != nil {
		s.logger.Warn("verifier unavailable", map[string]any{
			"payment_id": paymentID,
			"error":      err,
		})
		var xe *types.X402Error
		if errors.As(err, &xe) {
			return nil, err
		}
		return nil, &types.X402Error{
			Kind:    types.KindStorageUnavailable,
			Code:    types.ErrCodeVerificationFailed,
			Message: "verifier unavailable",
			Err:     err,
		}
	}

	if !result.IsValid {
		return s.reject(ctx, payment, result)
	}

	if _, err := s.ledger.Verify(ctx, paymentID); err != nil {
		return result, err
	}
	return result, nil
}

func (s *Service) reject(ctx context.Context, payment *types.Payment, result *types.VerificationResult) (*types.VerificationResult, error) {
	s.logger.Info("payment proof rejected", map[string]any{
		"payment_id": payment.ID,
		"reason":     result.InvalidReason,
	})
	if _, err := s.ledger.Fail(ctx, payment.ID, result.InvalidReason); err != nil {
		return result, err
	}
	return result, nil
}

// BatchVerify verifies multiple payments concurrently. Per-payment failures
// are reported in the matching result; only cancellation aborts the batch.
func (s *Service) BatchVerify(ctx context.Context, paymentIDs []string) ([]*types.VerificationResult, error) {
	if len(paymentIDs) == 0 {
		return nil, types.Validationf("no payments to verify")
	}

	results := make([]*types.VerificationResult, len(paymentIDs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	for i, id := range paymentIDs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			result, err := s.Verify(gctx, id)
			if err != nil {
				if result == nil {
					result = &types.VerificationResult{}
				}
				result.IsValid = false
				result.InvalidReason = err.Error()
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

// QuickVerify performs the checks that need no external lookup.
func QuickVerify(payment *types.Payment) *types.VerificationResult {
	if !types.Network(payment.Network).IsSupported() {
		return invalid(fmt.Sprintf("network %s is not supported", payment.Network))
	}
	if err := utils.ValidateAddress(payment.ToAddress); err != nil {
		return invalid("recipient address is invalid")
	}
	if err := utils.ValidateAddress(payment.FromAddress); err != nil {
		return invalid("payer address is invalid")
	}
	return &types.VerificationResult{
		IsValid:   true,
		Amount:    payment.Amount,
		Recipient: payment.ToAddress,
		Payer:     payment.FromAddress,
	}
}
