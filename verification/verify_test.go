package verification

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitwit/x402guard/nonce"
	"github.com/vitwit/x402guard/payment"
	"github.com/vitwit/x402guard/store/storetest"
	"github.com/vitwit/x402guard/types"
)

const (
	payer     = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
	recipient = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
)

type fakeSource struct {
	transfers map[string]*Transfer
	err       error
}

func (f *fakeSource) Transfer(_ context.Context, _ types.Network, txHash string) (*Transfer, error) {
	if f.err != nil {
		return nil, f.err
	}
	t, ok := f.transfers[txHash]
	if !ok {
		return nil, types.NewError(types.KindNotFound, types.ErrCodeRecordNotFound, "unknown tx")
	}
	return t, nil
}

type env struct {
	ledger *payment.Ledger
	nonces *nonce.Ledger
	source *fakeSource
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db := storetest.Open(t)
	nonces := nonce.NewLedger(db)
	return &env{
		ledger: payment.NewLedger(db, nonces),
		nonces: nonces,
		source: &fakeSource{transfers: map[string]*Transfer{}},
	}
}

// pending records a PENDING payment for 2.5 USDC whose nonce is consumed.
func (e *env) pending(t *testing.T, i int) *types.Payment {
	t.Helper()
	ctx := context.Background()
	n, err := e.nonces.Issue(ctx, nonce.IssueRequest{Resource: "/report", TTL: time.Hour})
	require.NoError(t, err)
	require.NoError(t, e.nonces.Consume(ctx, n.Value, "/report"))

	p, err := e.ledger.Create(ctx, payment.CreateRequest{
		TxHash:      fmt.Sprintf("0x%064x", i),
		FromAddress: payer,
		ToAddress:   recipient,
		Amount:      "2.5",
		Currency:    "USDC",
		Decimals:    6,
		Resource:    "/report",
		Nonce:       n.Value,
		Network:     "base",
	})
	require.NoError(t, err)
	return p
}

func (e *env) observe(p *types.Payment, amount string) {
	e.source.transfers[p.TxHash] = &Transfer{
		TxHash:    p.TxHash,
		Payer:     payer,
		Recipient: recipient,
		Amount:    amount,
		Currency:  "USDC",
		ChainID:   8453,
	}
}

func TestVerifyValidProof(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	p := e.pending(t, 1)
	e.observe(p, "2.500000")

	svc := NewService(e.ledger, MatchVerifier{Source: e.source})
	result, err := svc.Verify(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, result.IsValid)
	assert.Equal(t, "2.5", result.Amount)

	got, err := e.ledger.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PaymentStatusVerified, got.Status)
}

func TestVerifyMismatchFailsPayment(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Transfer)
		reason string
	}{
		{"amount", func(tr *Transfer) { tr.Amount = "2.4" }, "amount 2.4 does not match 2.5"},
		{"recipient", func(tr *Transfer) { tr.Recipient = payer }, "recipient mismatch"},
		{"payer", func(tr *Transfer) { tr.Payer = recipient }, "payer mismatch"},
		{"currency", func(tr *Transfer) { tr.Currency = "DAI" }, "currency DAI does not match USDC"},
		{"chain", func(tr *Transfer) { tr.ChainID = 1 }, "chain id 1 does not match 8453"},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			e := newEnv(t)
			p := e.pending(t, i+1)
			e.observe(p, "2.5")
			tt.mutate(e.source.transfers[p.TxHash])

			svc := NewService(e.ledger, MatchVerifier{Source: e.source})
			result, err := svc.Verify(ctx, p.ID)
			require.NoError(t, err)
			assert.False(t, result.IsValid)
			assert.Equal(t, tt.reason, result.InvalidReason)

			got, err := e.ledger.Get(ctx, p.ID)
			require.NoError(t, err)
			assert.Equal(t, types.PaymentStatusFailed, got.Status)
		})
	}
}

func TestVerifyUnknownTransaction(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	p := e.pending(t, 1)

	result, err := NewService(e.ledger, MatchVerifier{Source: e.source}).Verify(ctx, p.ID)
	require.NoError(t, err)
	assert.False(t, result.IsValid)
	assert.Equal(t, "transaction not found", result.InvalidReason)
}

func TestVerifySourceUnavailableLeavesPending(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	p := e.pending(t, 1)
	e.source.err = errors.New("rpc timeout")

	_, err := NewService(e.ledger, MatchVerifier{Source: e.source}).Verify(ctx, p.ID)
	require.Error(t, err)
	assert.True(t, types.IsRetryable(err))

	got, err := e.ledger.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PaymentStatusPending, got.Status)
}

func TestVerifyNotPending(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	p := e.pending(t, 1)
	e.observe(p, "2.5")
	svc := NewService(e.ledger, MatchVerifier{Source: e.source})

	_, err := svc.Verify(ctx, p.ID)
	require.NoError(t, err)

	_, err = svc.Verify(ctx, p.ID)
	assert.ErrorIs(t, err, types.ErrInvalidTransition)

	_, err = svc.Verify(ctx, "missing")
	assert.ErrorIs(t, err, types.ErrPaymentNotFound)
}

func TestBatchVerify(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	good := e.pending(t, 1)
	bad := e.pending(t, 2)
	e.observe(good, "2.5")
	e.observe(bad, "1")

	results, err := NewService(e.ledger, MatchVerifier{Source: e.source}, WithConcurrency(2)).
		BatchVerify(ctx, []string{good.ID, bad.ID, "missing"})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.True(t, results[0].IsValid)
	assert.False(t, results[1].IsValid)
	assert.False(t, results[2].IsValid)
	assert.Contains(t, results[2].InvalidReason, "not found")

	_, err = NewService(e.ledger, MatchVerifier{Source: e.source}).BatchVerify(ctx, nil)
	assert.True(t, types.IsKind(err, types.KindValidation))
}

func TestQuickVerify(t *testing.T) {
	p := &types.Payment{Network: "base", ToAddress: recipient, FromAddress: payer, Amount: "1"}
	assert.True(t, QuickVerify(p).IsValid)

	p.Network = "cosmoshub-4"
	assert.False(t, QuickVerify(p).IsValid)

	p.Network = "base"
	p.ToAddress = "0x1"
	assert.Equal(t, "recipient address is invalid", QuickVerify(p).InvalidReason)
}
