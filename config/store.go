// Package config is the versioned key/value store for runtime settings.
package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/vitwit/x402guard/audit"
	"github.com/vitwit/x402guard/logger"
	"github.com/vitwit/x402guard/store"
	"github.com/vitwit/x402guard/types"
	"github.com/vitwit/x402guard/utils"
	"golang.org/x/sync/singleflight"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	DefaultCacheTTL          = 5 * time.Second
	DefaultMaxUpsertAttempts = 10
)

type Option func(*Store)

func WithClock(c clock.Clock) Option {
	return func(s *Store) {
		s.clock = c
	}
}

func WithLogger(l logger.Logger) Option {
	return func(s *Store) {
		s.logger = logger.OrNoop(l)
	}
}

func WithAudit(r audit.Recorder) Option {
	return func(s *Store) {
		if r != nil {
			s.audit = r
		}
	}
}

// WithCacheTTL sets how long a read is served from memory. Zero disables caching.
func WithCacheTTL(ttl time.Duration) Option {
	return func(s *Store) {
		s.cacheTTL = ttl
	}
}

func WithMaxUpsertAttempts(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

type cached struct {
	entry     *types.ConfigEntry
	fetchedAt time.Time
}

// Store is the ConfigStore backed by the config_entries table.
type Store struct {
	db          *gorm.DB
	clock       clock.Clock
	logger      logger.Logger
	audit       audit.Recorder
	cacheTTL    time.Duration
	maxAttempts int

	group singleflight.Group
	mu    sync.Mutex
	cache map[string]cached
}

func NewStore(db *gorm.DB, opts ...Option) *Store {
	s := &Store{
		db:          db,
		clock:       clock.NewDefaultClock(),
		logger:      logger.NoopLogger{},
		audit:       audit.Discard{},
		cacheTTL:    DefaultCacheTTL,
		maxAttempts: DefaultMaxUpsertAttempts,
		cache:       make(map[string]cached),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get reads key straight from storage.
func (s *Store) Get(ctx context.Context, key string) (*types.ConfigEntry, error) {
	var entry types.ConfigEntry
	if err := s.db.WithContext(ctx).Where("config_key = ?", key).First(&entry).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &types.X402Error{
				Kind:    types.KindNotFound,
				Code:    types.ErrCodeConfigNotFound,
				Message: fmt.Sprintf("config %s not found", key),
			}
		}
		return nil, store.Translate(err, "failed to read config")
	}
	return &entry, nil
}

// Upsert writes value under key, creating it at version 1 or bumping the
// version by exactly one. value may be raw JSON bytes or any marshalable value.
func (s *Store) Upsert(ctx context.Context, key string, value interface{}, description *string) (*types.ConfigEntry, error) {
	if key == "" {
		return nil, types.Validationf("config key cannot be empty")
	}
	raw, err := encode(value)
	if err != nil {
		return nil, err
	}
	if err := utils.ValidateConfigValue(key, raw); err != nil {
		return nil, err
	}

	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		entry, err := s.tryUpsert(ctx, key, raw, description)
		if err != nil {
			return nil, err
		}
		if entry != nil {
			s.invalidate(key)
			s.logger.Info("config updated", map[string]any{
				"key":     key,
				"version": entry.Version,
			})
			_, _ = s.audit.Record(ctx, audit.Entry{
				EventType: types.EventConfigUpdated,
				EventData: map[string]any{"key": key, "version": entry.Version},
				Success:   true,
			}.WithRequest(types.RequestContextFrom(ctx)))
			return entry, nil
		}
	}

	return nil, &types.X402Error{
		Kind:    types.KindConflict,
		Code:    types.ErrCodeConfigConflict,
		Message: fmt.Sprintf("config %s changed concurrently %d times", key, s.maxAttempts),
	}
}

// tryUpsert returns a nil entry when another writer won the race.
func (s *Store) tryUpsert(ctx context.Context, key string, raw []byte, description *string) (*types.ConfigEntry, error) {
	now := s.clock.Now().UTC()

	current, err := s.Get(ctx, key)
	if err != nil && !types.IsKind(err, types.KindNotFound) {
		return nil, err
	}

	if current == nil {
		entry := &types.ConfigEntry{
			Key:         key,
			Value:       datatypes.JSON(raw),
			Description: description,
			Version:     1,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(entry)
		if res.Error != nil {
			return nil, store.Translate(res.Error, "failed to create config")
		}
		if res.RowsAffected == 0 {
			return nil, nil
		}
		return entry, nil
	}

	updates := map[string]interface{}{
		"value":      datatypes.JSON(raw),
		"version":    current.Version + 1,
		"updated_at": now,
	}
	if description != nil {
		updates["description"] = *description
	}
	res := s.db.WithContext(ctx).
		Model(&types.ConfigEntry{}).
		Where("config_key = ? AND version = ?", key, current.Version).
		Updates(updates)
	if res.Error != nil {
		return nil, store.Translate(res.Error, "failed to update config")
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}

	current.Value = datatypes.JSON(raw)
	current.Version++
	current.UpdatedAt = now
	if description != nil {
		current.Description = description
	}
	return current, nil
}

// Cached reads key through the TTL cache. Concurrent misses share one query.
func (s *Store) Cached(ctx context.Context, key string) (*types.ConfigEntry, error) {
	if s.cacheTTL > 0 {
		s.mu.Lock()
		c, ok := s.cache[key]
		s.mu.Unlock()
		if ok && s.clock.Now().Sub(c.fetchedAt) < s.cacheTTL {
			return c.entry, nil
		}
	}

	v, err, _ := s.group.Do(key, func() (interface{}, error) {
		entry, err := s.Get(ctx, key)
		if err != nil && !types.IsKind(err, types.KindNotFound) {
			return nil, err
		}
		if s.cacheTTL > 0 {
			s.mu.Lock()
			s.cache[key] = cached{entry: entry, fetchedAt: s.clock.Now()}
			s.mu.Unlock()
		}
		return entry, nil
	})
	if err != nil {
		return nil, err
	}
	entry, _ := v.(*types.ConfigEntry)
	return entry, nil
}

func (s *Store) invalidate(key string) {
	s.mu.Lock()
	delete(s.cache, key)
	s.mu.Unlock()
}

// RateLimit returns rate_limit.default, or the built-in default when unset.
func (s *Store) RateLimit(ctx context.Context) (types.RateLimitConfig, error) {
	cfg := types.DefaultRateLimitConfig
	err := s.decode(ctx, types.ConfigKeyRateLimit, &cfg)
	return cfg, err
}

// Retention returns data_retention.policy, or the built-in default when unset.
func (s *Store) Retention(ctx context.Context) (types.RetentionPolicy, error) {
	p := types.DefaultRetentionPolicy
	err := s.decode(ctx, types.ConfigKeyRetention, &p)
	return p, err
}

// Nonce returns nonce.default, or the built-in default when unset.
func (s *Store) Nonce(ctx context.Context) (types.NonceConfig, error) {
	c := types.DefaultNonceConfig
	err := s.decode(ctx, types.ConfigKeyNonce, &c)
	return c, err
}

// PaymentPolicy returns payment.policy, or the built-in default when unset.
func (s *Store) PaymentPolicy(ctx context.Context) (types.PaymentPolicy, error) {
	p := types.DefaultPaymentPolicy
	err := s.decode(ctx, types.ConfigKeyPaymentPolicy, &p)
	return p, err
}

func (s *Store) decode(ctx context.Context, key string, out interface{}) error {
	entry, err := s.Cached(ctx, key)
	if err != nil {
		return err
	}
	if entry == nil {
		return nil
	}
	if err := utils.DecodeConfigValue(key, entry.Value, out); err != nil {
		s.logger.Error("stored config is invalid", map[string]any{
			"key":     key,
			"version": entry.Version,
			"error":   err,
		})
		return err
	}
	return nil
}

func encode(value interface{}) ([]byte, error) {
	var raw []byte
	switch v := value.(type) {
	case nil:
		return nil, types.Validationf("config value cannot be null")
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	case datatypes.JSON:
		raw = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, types.Validationf("config value is not JSON-encodable: %v", err)
		}
		raw = b
	}

	compact, err := utils.CompactJSON(raw)
	if err != nil {
		return nil, types.Validationf("config value is not valid JSON: %v", err)
	}
	return compact, nil
}
