// Package ratelimit counts requests per (identifier, identifierType, resource)
// in fixed windows and blocks keys that exceed the configured ceiling.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/vitwit/x402guard/types"
)

// Key identifies one counter. Resource is "" for an unscoped window.
type Key struct {
	Identifier     string
	IdentifierType types.IdentifierType
	Resource       string
}

func (k Key) validate() error {
	if k.Identifier == "" {
		return types.Validationf("rate limit identifier cannot be empty")
	}
	if !k.IdentifierType.Valid() {
		return &types.X402Error{
			Kind:    types.KindValidation,
			Code:    types.ErrCodeUnsupportedIdentity,
			Message: fmt.Sprintf("unsupported identifier type %q", k.IdentifierType),
		}
	}
	return nil
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%s:%s", k.IdentifierType, k.Identifier, k.Resource)
}

// Hit is the state of a window right after one atomic check.
type Hit struct {
	Count        int64
	WindowStart  time.Time
	WindowEnd    time.Time
	BlockedUntil time.Time // zero when never blocked

	// ShortCircuited is set when an active block rejected the request
	// without counting it.
	ShortCircuited bool
}

// Blocked reports whether the key is blocked at now.
func (h Hit) Blocked(now time.Time) bool {
	return now.Before(h.BlockedUntil)
}

// Store holds the windows. Every method is atomic per key.
type Store interface {
	// Hit rolls the window over when it has ended, short-circuits while a
	// block is active, and otherwise increments the count, blocking the key
	// for policy.BlockDuration() once the count exceeds policy.MaxRequests.
	Hit(ctx context.Context, key Key, now time.Time, policy types.RateLimitConfig) (Hit, error)

	// Release gives one request back to the current window.
	Release(ctx context.Context, key Key, now time.Time) error

	// Reset clears the block and zeroes the count.
	Reset(ctx context.Context, key Key, now time.Time) error

	Window(ctx context.Context, key Key) (*types.RateLimitWindow, error)

	// PurgeIdle removes windows that ended, and whose block lapsed, before the given instant.
	PurgeIdle(ctx context.Context, before time.Time) (int64, error)
}

func windowNotFound(key Key) error {
	return &types.X402Error{
		Kind:    types.KindNotFound,
		Code:    types.ErrCodeWindowNotFound,
		Message: fmt.Sprintf("no rate limit window for %s", key),
	}
}
