package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/vitwit/x402guard/store"
	"github.com/vitwit/x402guard/types"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore keeps windows in the rate_limit_windows table. Each Hit runs in
// one transaction whose first statement write-locks the key's row.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func byKey(key Key) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("identifier = ? AND identifier_type = ? AND resource = ?",
			key.Identifier, key.IdentifierType, key.Resource)
	}
}

func (s *GormStore) Hit(ctx context.Context, key Key, now time.Time, policy types.RateLimitConfig) (Hit, error) {
	var hit Hit
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		fresh := &types.RateLimitWindow{
			Identifier:     key.Identifier,
			IdentifierType: key.IdentifierType,
			Resource:       key.Resource,
			WindowStart:    now,
			WindowEnd:      now.Add(policy.Window()),
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(fresh).Error; err != nil {
			return err
		}

		// Roll an ended window over. The block, if any, outlives the window.
		err := tx.Model(&types.RateLimitWindow{}).
			Scopes(byKey(key)).
			Where("window_end <= ?", now).
			Updates(map[string]interface{}{
				"request_count": 0,
				"window_start":  now,
				"window_end":    now.Add(policy.Window()),
				"updated_at":    now,
			}).Error
		if err != nil {
			return err
		}

		var w types.RateLimitWindow
		if err := tx.Scopes(byKey(key)).First(&w).Error; err != nil {
			return err
		}

		if w.BlockedAt(now) {
			hit = toHit(&w)
			hit.ShortCircuited = true
			return nil
		}

		updates := map[string]interface{}{
			"request_count": gorm.Expr("request_count + 1"),
			"updated_at":    now,
		}
		if w.Blocked {
			updates["blocked"] = false
			updates["blocked_until"] = nil
		}
		if err := tx.Model(&types.RateLimitWindow{}).Scopes(byKey(key)).Updates(updates).Error; err != nil {
			return err
		}
		if err := tx.Scopes(byKey(key)).First(&w).Error; err != nil {
			return err
		}

		if w.RequestCount > policy.MaxRequests {
			until := now.Add(policy.BlockDuration())
			err := tx.Model(&types.RateLimitWindow{}).
				Scopes(byKey(key)).
				Updates(map[string]interface{}{
					"blocked":       true,
					"blocked_until": until,
				}).Error
			if err != nil {
				return err
			}
			w.Blocked = true
			w.BlockedUntil = &until
		}

		hit = toHit(&w)
		return nil
	})
	if err != nil {
		return Hit{}, store.Translate(err, "failed to record rate limit hit")
	}
	return hit, nil
}

func (s *GormStore) Release(ctx context.Context, key Key, now time.Time) error {
	err := s.db.WithContext(ctx).
		Model(&types.RateLimitWindow{}).
		Scopes(byKey(key)).
		Where("request_count > 0 AND window_end > ?", now).
		Updates(map[string]interface{}{
			"request_count": gorm.Expr("request_count - 1"),
			"updated_at":    now,
		}).Error
	return store.Translate(err, "failed to release rate limit hit")
}

func (s *GormStore) Reset(ctx context.Context, key Key, now time.Time) error {
	res := s.db.WithContext(ctx).
		Model(&types.RateLimitWindow{}).
		Scopes(byKey(key)).
		Updates(map[string]interface{}{
			"request_count": 0,
			"blocked":       false,
			"blocked_until": nil,
			"updated_at":    now,
		})
	if res.Error != nil {
		return store.Translate(res.Error, "failed to reset rate limit")
	}
	if res.RowsAffected == 0 {
		return windowNotFound(key)
	}
	return nil
}

func (s *GormStore) Window(ctx context.Context, key Key) (*types.RateLimitWindow, error) {
	var w types.RateLimitWindow
	if err := s.db.WithContext(ctx).Scopes(byKey(key)).First(&w).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, windowNotFound(key)
		}
		return nil, store.Translate(err, "failed to load rate limit window")
	}
	return &w, nil
}

func (s *GormStore) PurgeIdle(ctx context.Context, before time.Time) (int64, error) {
	before = before.UTC()
	res := s.db.WithContext(ctx).
		Where("window_end < ? AND (blocked_until IS NULL OR blocked_until < ?)", before, before).
		Delete(&types.RateLimitWindow{})
	if res.Error != nil {
		return 0, store.Translate(res.Error, "failed to purge rate limit windows")
	}
	return res.RowsAffected, nil
}

func toHit(w *types.RateLimitWindow) Hit {
	h := Hit{
		Count:       w.RequestCount,
		WindowStart: w.WindowStart,
		WindowEnd:   w.WindowEnd,
	}
	if w.BlockedUntil != nil {
		h.BlockedUntil = *w.BlockedUntil
	}
	return h
}
