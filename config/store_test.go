package config

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitwit/x402guard/audit"
	"github.com/vitwit/x402guard/store/storetest"
	"github.com/vitwit/x402guard/types"
	"gorm.io/gorm"
)

var epoch = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T, opts ...Option) (*Store, *gorm.DB, *clock.TestClock) {
	t.Helper()
	db := storetest.Open(t)
	clk := clock.NewTestClock(epoch)
	return NewStore(db, append([]Option{WithClock(clk)}, opts...)...), db, clk
}

func TestGetMissing(t *testing.T) {
	s, _, _ := newTestStore(t)

	entry, err := s.Get(context.Background(), "missing")
	assert.Nil(t, entry)
	assert.ErrorIs(t, err, types.ErrConfigNotFound)
}

func TestUpsertVersions(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t)
	desc := "default limiter"

	entry, err := s.Upsert(ctx, types.ConfigKeyRateLimit, types.RateLimitConfig{WindowMs: 1000, MaxRequests: 5}, &desc)
	require.NoError(t, err)
	assert.Equal(t, int64(1), entry.Version)

	entry, err = s.Upsert(ctx, types.ConfigKeyRateLimit, json.RawMessage(`{"windowMs": 2000, "maxRequests": 7}`), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), entry.Version)

	stored, err := s.Get(ctx, types.ConfigKeyRateLimit)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stored.Version)
	assert.JSONEq(t, `{"windowMs":2000,"maxRequests":7}`, string(stored.Value))
	require.NotNil(t, stored.Description)
	assert.Equal(t, desc, *stored.Description)
}

func TestUpsertRejectsInvalidValue(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t)

	_, err := s.Upsert(ctx, types.ConfigKeyRateLimit, json.RawMessage(`{"windowMs":0,"maxRequests":1}`), nil)
	assert.True(t, types.IsKind(err, types.KindValidation))

	_, err = s.Upsert(ctx, "feature.flags", json.RawMessage(`{oops`), nil)
	assert.True(t, types.IsKind(err, types.KindValidation))

	_, err = s.Upsert(ctx, "", map[string]bool{"a": true}, nil)
	assert.True(t, types.IsKind(err, types.KindValidation))

	_, err = s.Get(ctx, types.ConfigKeyRateLimit)
	assert.ErrorIs(t, err, types.ErrConfigNotFound)
}

func TestUpsertConcurrentVersionsAreUnique(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t, WithMaxUpsertAttempts(50))

	const writers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		versions = make(map[int64]int)
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			entry, err := s.Upsert(ctx, "feature.flags", map[string]int{"writer": i}, nil)
			if err != nil {
				assert.ErrorIs(t, err, types.ErrConfigConflict)
				return
			}
			mu.Lock()
			versions[entry.Version]++
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	for v, n := range versions {
		assert.Equal(t, 1, n, "version %d written %d times", v, n)
	}

	stored, err := s.Get(ctx, "feature.flags")
	require.NoError(t, err)
	assert.Equal(t, int64(len(versions)), stored.Version)
}

func TestTypedReadersDefaults(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t)

	rl, err := s.RateLimit(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.DefaultRateLimitConfig, rl)

	ret, err := s.Retention(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.DefaultRetentionPolicy, ret)

	nc, err := s.Nonce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, nc.TTL())

	pp, err := s.PaymentPolicy(ctx)
	require.NoError(t, err)
	assert.Equal(t, 15*time.Minute, pp.Timeout())
}

func TestTypedReaderRejectsCorruptValue(t *testing.T) {
	ctx := context.Background()
	s, db, _ := newTestStore(t)

	require.NoError(t, db.Create(&types.ConfigEntry{
		Key:       types.ConfigKeyRetention,
		Value:     []byte(`{"payments":"forever"}`),
		Version:   1,
		CreatedAt: epoch,
		UpdatedAt: epoch,
	}).Error)

	_, err := s.Retention(ctx)
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeConfigInvalid, types.CodeOf(err))
}

func TestCacheServesUntilTTL(t *testing.T) {
	ctx := context.Background()
	s, db, clk := newTestStore(t, WithCacheTTL(time.Second))

	_, err := s.Upsert(ctx, types.ConfigKeyNonce, types.NonceConfig{TTLSeconds: 60}, nil)
	require.NoError(t, err)

	nc, err := s.Nonce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(60), nc.TTLSeconds)

	// Out-of-band write, invisible until the cached read ages out.
	require.NoError(t, db.Model(&types.ConfigEntry{}).
		Where("config_key = ?", types.ConfigKeyNonce).
		Update("value", []byte(`{"ttlSeconds":120}`)).Error)

	nc, err = s.Nonce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(60), nc.TTLSeconds)

	clk.SetTime(epoch.Add(2 * time.Second))

	nc, err = s.Nonce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(120), nc.TTLSeconds)
}

func TestUpsertInvalidatesCache(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t, WithCacheTTL(time.Hour))

	_, err := s.Upsert(ctx, types.ConfigKeyPaymentPolicy, types.PaymentPolicy{TimeoutSeconds: 10}, nil)
	require.NoError(t, err)
	pp, err := s.PaymentPolicy(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(10), pp.TimeoutSeconds)

	_, err = s.Upsert(ctx, types.ConfigKeyPaymentPolicy, types.PaymentPolicy{TimeoutSeconds: 20}, nil)
	require.NoError(t, err)
	pp, err = s.PaymentPolicy(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(20), pp.TimeoutSeconds)
}

func TestUpsertRecordsAudit(t *testing.T) {
	ctx := context.Background()
	db := storetest.Open(t)
	trail := audit.NewTrail(db)
	s := NewStore(db, WithAudit(trail))

	_, err := s.Upsert(ctx, "feature.flags", map[string]bool{"beta": true}, nil)
	require.NoError(t, err)

	events, err := trail.ListByType(ctx, types.EventConfigUpdated, time.Time{}, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.JSONEq(t, `{"key":"feature.flags","version":1}`, string(events[0].EventData))
}
