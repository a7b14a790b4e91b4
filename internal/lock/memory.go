package lock

import (
	"context"
	"sync"
	"time"
)

const defaultPollInterval = 25 * time.Millisecond

type entry struct {
	owner     string
	expiresAt time.Time
	// reserved entries come from Reserve and may be taken over by another
	// reservation; TryLock entries guard a running critical section
	reserved bool
}

// Manager is the in-process Locker.
type Manager struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]entry
	now     func() time.Time
	poll    time.Duration
}

type Option func(*Manager)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithPollInterval sets how often a waiting Reserve rechecks the lock.
func WithPollInterval(d time.Duration) Option {
	return func(m *Manager) { m.poll = d }
}

func NewManager(ttl time.Duration, opts ...Option) *Manager {
	m := &Manager{
		ttl:     ttl,
		entries: make(map[string]entry),
		now:     time.Now,
		poll:    defaultPollInterval,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// live returns the entry for asset if it has not expired. Expired entries
// are removed. Caller must hold mu.
func (m *Manager) live(asset string, now time.Time) (entry, bool) {
	e, ok := m.entries[asset]
	if !ok {
		return entry{}, false
	}
	if !now.Before(e.expiresAt) {
		delete(m.entries, asset)
		return entry{}, false
	}
	return e, true
}

func (m *Manager) TryLock(_ context.Context, asset, owner string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if e, ok := m.live(asset, now); ok && e.owner != owner {
		return false
	}
	m.entries[asset] = entry{owner: owner, expiresAt: now.Add(m.ttl)}
	return true
}

func (m *Manager) Reserve(ctx context.Context, asset, owner string) error {
	return waitFor(ctx, asset, m.poll, func() (bool, error) {
		return m.tryReserve(asset, owner), nil
	})
}

func (m *Manager) tryReserve(asset, owner string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if e, ok := m.live(asset, now); ok && !e.reserved && e.owner != owner {
		return false
	}
	m.entries[asset] = entry{owner: owner, expiresAt: now.Add(m.ttl), reserved: true}
	return true
}

func (m *Manager) Release(_ context.Context, asset, owner string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.live(asset, m.now()); ok && e.owner == owner {
		delete(m.entries, asset)
	}
}

func (m *Manager) Unlock(_ context.Context, asset string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, asset)
	return nil
}

func (m *Manager) IsLocked(_ context.Context, asset string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.live(asset, m.now())
	return ok
}

// Owner returns the current holder of asset.
func (m *Manager) Owner(asset string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.live(asset, m.now())
	return e.owner, ok
}

func (m *Manager) Held(_ context.Context) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	n := 0
	for _, e := range m.entries {
		if now.Before(e.expiresAt) {
			n++
		}
	}
	return n
}

func (m *Manager) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for asset, e := range m.entries {
		if !now.Before(e.expiresAt) {
			delete(m.entries, asset)
			removed++
		}
	}
	return removed
}
