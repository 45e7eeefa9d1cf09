package rbac

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// DefaultCacheTTL is the lifetime of a cached effective set
const DefaultCacheTTL = time.Hour

// Cache memoizes effective permission sets per user.
//
// Callers take a Generation before reading the store and stamp it on the set
// they Put. A Put whose generation predates a concurrent Invalidate or
// InvalidateAll is dropped, so an entry can never outlive the mutation that
// made it stale.
type Cache interface {
	// Generation returns the current invalidation state for userID
	Generation(ctx context.Context, userID string) (Generation, error)

	// Get returns the live entry for userID or ErrCacheMiss
	Get(ctx context.Context, userID string) (*EffectiveSet, error)

	// Put stores set with the given TTL, setting ComputedAt and ExpiresAt
	Put(ctx context.Context, userID string, set *EffectiveSet, ttl time.Duration) error

	// Invalidate drops the entry for userID
	Invalidate(ctx context.Context, userID string) error

	// InvalidateAll drops every entry
	InvalidateAll(ctx context.Context) error

	// Expire forces the entry for userID to a zero TTL. It is the fallback
	// when Invalidate cannot be confirmed.
	Expire(ctx context.Context, userID string) error
}

type memoryEntry struct {
	set *EffectiveSet
	ttl time.Duration
}

// MemoryCache is an in-process Cache bounded by an expiring LRU
type MemoryCache struct {
	mu      sync.Mutex
	entries *lru.LRU[string, memoryEntry]
	epoch   uint64
	userGen map[string]uint64
	now     func() time.Time
}

// MemoryCacheConfig configures the in-process cache
type MemoryCacheConfig struct {
	MaxEntries int
	TTL        time.Duration
}

// DefaultMemoryCacheConfig returns the default in-process cache configuration
func DefaultMemoryCacheConfig() MemoryCacheConfig {
	return MemoryCacheConfig{
		MaxEntries: 100000,
		TTL:        DefaultCacheTTL,
	}
}

// NewMemoryCache creates a new in-process cache
func NewMemoryCache(config MemoryCacheConfig) *MemoryCache {
	if config.MaxEntries <= 0 {
		config.MaxEntries = DefaultMemoryCacheConfig().MaxEntries
	}
	if config.TTL <= 0 {
		config.TTL = DefaultCacheTTL
	}

	return &MemoryCache{
		// the LRU TTL only bounds memory; entry liveness is checked against ExpiresAt
		entries: lru.NewLRU[string, memoryEntry](config.MaxEntries, nil, config.TTL),
		userGen: make(map[string]uint64),
		now:     time.Now,
	}
}

// Generation returns the current invalidation state for userID
func (c *MemoryCache) Generation(ctx context.Context, userID string) (Generation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Generation{Epoch: c.epoch, User: c.userGen[userID]}, nil
}

// Get returns the live entry for userID
func (c *MemoryCache) Get(ctx context.Context, userID string) (*EffectiveSet, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries.Get(userID)
	if !ok {
		return nil, ErrCacheMiss
	}

	if err := checkEntry(entry.set, entry.ttl, c.now()); err != nil {
		c.entries.Remove(userID)
		return nil, err
	}

	return cloneSet(entry.set), nil
}

// Put stores set for userID unless an invalidation happened after set.Generation was taken
func (c *MemoryCache) Put(ctx context.Context, userID string, set *EffectiveSet, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	current := Generation{Epoch: c.epoch, User: c.userGen[userID]}
	if set.Generation != current {
		return errStaleGeneration
	}

	stored := cloneSet(set)
	stored.ComputedAt = c.now()
	stored.ExpiresAt = stored.ComputedAt.Add(ttl)
	c.entries.Add(userID, memoryEntry{set: stored, ttl: ttl})

	set.ComputedAt = stored.ComputedAt
	set.ExpiresAt = stored.ExpiresAt
	return nil
}

// Invalidate drops the entry for userID and advances its generation
func (c *MemoryCache) Invalidate(ctx context.Context, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.userGen[userID]++
	c.entries.Remove(userID)
	return nil
}

// InvalidateAll drops every entry and advances the epoch
func (c *MemoryCache) InvalidateAll(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.epoch++
	// per-user counters are only compared within an epoch
	c.userGen = make(map[string]uint64)
	c.entries.Purge()
	return nil
}

// Expire sets the entry's TTL to zero so the next Get treats it as absent
func (c *MemoryCache) Expire(ctx context.Context, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries.Peek(userID)
	if !ok {
		return nil
	}
	expired := cloneSet(entry.set)
	expired.ExpiresAt = expired.ComputedAt
	c.entries.Add(userID, memoryEntry{set: expired, ttl: 0})
	return nil
}

// Len returns the number of entries currently held
func (c *MemoryCache) Len() int {
	return c.entries.Len()
}

// checkEntry validates TTL bookkeeping against the clock. An expired entry
// is a plain miss; bookkeeping that contradicts the clock is an inconsistency.
func checkEntry(set *EffectiveSet, ttl time.Duration, now time.Time) error {
	if set == nil {
		return ErrCacheMiss
	}
	if set.ComputedAt.After(now) || !set.ExpiresAt.Equal(set.ComputedAt.Add(ttl)) {
		return errCacheInconsistency
	}
	if !now.Before(set.ExpiresAt) {
		return ErrCacheMiss
	}
	return nil
}

func cloneSet(set *EffectiveSet) *EffectiveSet {
	out := *set
	out.RolePermissions = append([]string(nil), set.RolePermissions...)
	out.Grants = append([]string(nil), set.Grants...)
	out.Denies = append([]string(nil), set.Denies...)
	return &out
}
