package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitwit/x402guard/logger"
	"github.com/vitwit/x402guard/store/storetest"
	"github.com/vitwit/x402guard/types"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type countingRecorder struct {
	counts map[string]int
}

func (c *countingRecorder) IncCounter(name string, _ map[string]string) {
	c.counts[name]++
}

func (c *countingRecorder) AddCounter(name string, delta float64, _ map[string]string) {
	c.counts[name] += int(delta)
}

func (c *countingRecorder) ObserveLatency(string, time.Duration, map[string]string) {}

func seedPayment(t *testing.T, trail *Trail) *types.Payment {
	t.Helper()
	p := &types.Payment{
		TxHash:      "0x" + "11111111111111111111111111111111" + "11111111111111111111111111111111",
		FromAddress: "0x70997970C51812dc3A010C7d01b50e0d17dc79C8",
		ToAddress:   "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266",
		Amount:      "1.5",
		Currency:    "USDC",
		Decimals:    6,
		Resource:    "/invoice/1",
		Nonce:       "0123456789abcdef0123456789abcdef",
		Network:     "base-sepolia",
		ChainID:     84532,
		Status:      types.PaymentStatusPending,
	}
	require.NoError(t, trail.db.Create(p).Error)
	return p
}

func TestRecordAndList(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewTestClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	trail := NewTrail(storetest.Open(t), WithClock(clk))
	p := seedPayment(t, trail)

	_, err := trail.Record(ctx, Entry{
		EventType: types.EventPaymentInitiated,
		EventData: map[string]any{"to": "PENDING"},
		PaymentID: p.ID,
		IPAddress: "10.0.0.1",
		Success:   true,
	})
	require.NoError(t, err)

	clk.SetTime(clk.Now().Add(time.Second))
	event, err := trail.Record(ctx, Entry{
		EventType: types.EventPaymentFailed,
		PaymentID: p.ID,
	}.FromError(types.NewError(types.KindInvalidTransition, types.ErrCodeInvalidTransition, "bad")))
	require.NoError(t, err)
	assert.False(t, event.Success)
	require.NotNil(t, event.ErrorCode)
	assert.Equal(t, types.ErrCodeInvalidTransition, *event.ErrorCode)

	// Unrelated event with no payment.
	_, err = trail.Record(ctx, Entry{EventType: types.EventNonceGenerated, Success: true})
	require.NoError(t, err)

	events, err := trail.ListByPayment(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, types.EventPaymentInitiated, events[0].EventType)
	assert.Equal(t, types.EventPaymentFailed, events[1].EventType)
	assert.JSONEq(t, `{"to":"PENDING"}`, string(events[0].EventData))
	assert.JSONEq(t, `{}`, string(events[1].EventData))

	n, err := trail.CountByPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestRecordFailureIsLoggedAndCounted(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	rec := &countingRecorder{counts: map[string]int{}}
	db := storetest.Open(t)
	trail := NewTrail(db, WithLogger(logger.FromZap(zap.New(core))), WithMetrics(rec))

	// Dangling foreign key.
	_, err := trail.Record(context.Background(), Entry{
		EventType: types.EventPaymentVerified,
		PaymentID: "does-not-exist",
		Success:   true,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrAuditWriteFailed)

	assert.Equal(t, 1, rec.counts["audit_write_failed"])
	require.Equal(t, 1, logs.FilterMessage("audit write failed").Len())
}

func TestRecordUnmarshalableData(t *testing.T) {
	trail := NewTrail(storetest.Open(t))
	_, err := trail.Record(context.Background(), Entry{
		EventType: types.EventSecurityViolation,
		EventData: map[string]any{"bad": make(chan int)},
	})
	assert.True(t, types.IsKind(err, types.KindAuditWriteFailed))
}

func TestEntryFromError(t *testing.T) {
	e := Entry{}.FromError(nil)
	assert.True(t, e.Success)

	e = Entry{Success: true}.FromError(errors.New("boom"))
	assert.False(t, e.Success)
	assert.Equal(t, "boom", e.ErrorMessage)
	assert.Empty(t, e.ErrorCode)

	e = Entry{}.FromError(types.ErrStorageUnavailable)
	assert.Equal(t, string(types.KindStorageUnavailable), e.ErrorCode)

	e = Entry{}.WithRequest(types.RequestContext{IPAddress: "1.2.3.4", UserAgent: "ua"})
	assert.Equal(t, "1.2.3.4", e.IPAddress)
	assert.Equal(t, "ua", e.UserAgent)
}
