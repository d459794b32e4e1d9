package reconcile

import (
	"sync"
	"time"
)

// BalanceCache holds the last account balance fetched from the broker.
// The reconciler is its only writer; everything that sizes positions reads
// through Balance() instead of carrying its own balance constant.
type BalanceCache struct {
	mu        sync.RWMutex
	balance   float64
	updatedAt time.Time
}

func NewBalanceCache(initial float64) *BalanceCache {
	return &BalanceCache{balance: initial}
}

// Balance returns the cached balance and when it was last refreshed.
// A zero time means the broker has never been reached.
func (b *BalanceCache) Balance() (float64, time.Time) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.balance, b.updatedAt
}

func (b *BalanceCache) set(balance float64, at time.Time) {
	b.mu.Lock()
	b.balance = balance
	b.updatedAt = at
	b.mu.Unlock()
}

// Age reports how stale the cached balance is.
func (b *BalanceCache) Age(now time.Time) time.Duration {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.updatedAt.IsZero() {
		return -1
	}
	return now.Sub(b.updatedAt)
}
