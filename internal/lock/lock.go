package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/maxkrukov/binance-flexible-saving-rebalancer/internal/model"
)

// Locker serializes mutations of one asset between the control loop and
// manual requests. A lock expires on its own once its TTL elapses; expiry is
// checked lazily on every access.
type Locker interface {
	// TryLock acquires the lock for owner. It succeeds when the asset is
	// unlocked, expired, or already held by owner, refreshing the expiry.
	TryLock(ctx context.Context, asset, owner string) bool
	// Reserve takes the lock for owner, replacing any other reservation. A
	// live TryLock holder is waited for until ctx is done, in which case
	// Reserve fails with model.ErrAssetLocked.
	Reserve(ctx context.Context, asset, owner string) error
	// Release drops the lock only if owner still holds it.
	Release(ctx context.Context, asset, owner string)
	// Unlock drops the lock regardless of owner.
	Unlock(ctx context.Context, asset string) error
	IsLocked(ctx context.Context, asset string) bool
	// Held counts live locks.
	Held(ctx context.Context) int
	// Sweep drops expired entries and returns how many were removed.
	Sweep(now time.Time) int
}

// waitFor calls try until it succeeds, fails or ctx is done.
func waitFor(ctx context.Context, asset string, poll time.Duration, try func() (bool, error)) error {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		ok, err := try()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("reserve %s: %w", asset, model.ErrAssetLocked)
		case <-ticker.C:
		}
	}
}
