package rbac

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/soundledger/permgate/pkg/audit"
	"github.com/soundledger/permgate/pkg/contextkeys"
	"github.com/soundledger/permgate/pkg/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureAuditLogger keeps every record it is given
type captureAuditLogger struct {
	mu      sync.Mutex
	records []*audit.Record
	err     error
}

func (l *captureAuditLogger) Log(ctx context.Context, record *audit.Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, record)
	return l.err
}

func (l *captureAuditLogger) Close() error {
	return nil
}

func (l *captureAuditLogger) actions() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.records))
	for _, r := range l.records {
		out = append(out, r.Action)
	}
	return out
}

func (l *captureAuditLogger) last() *audit.Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.records) == 0 {
		return nil
	}
	return l.records[len(l.records)-1]
}

// flakyCache wraps a MemoryCache and fails the configured operations
type flakyCache struct {
	*MemoryCache
	invalidateErr    error
	invalidateAllErr error
	expireErr        error
	invalidated      []string
	expired          []string
	flushed          int
}

func newFlakyCache() *flakyCache {
	return &flakyCache{MemoryCache: NewMemoryCache(DefaultMemoryCacheConfig())}
}

func (c *flakyCache) Invalidate(ctx context.Context, userID string) error {
	c.invalidated = append(c.invalidated, userID)
	if c.invalidateErr != nil {
		return c.invalidateErr
	}
	return c.MemoryCache.Invalidate(ctx, userID)
}

func (c *flakyCache) InvalidateAll(ctx context.Context) error {
	c.flushed++
	if c.invalidateAllErr != nil {
		return c.invalidateAllErr
	}
	return c.MemoryCache.InvalidateAll(ctx)
}

func (c *flakyCache) Expire(ctx context.Context, userID string) error {
	c.expired = append(c.expired, userID)
	if c.expireErr != nil {
		return c.expireErr
	}
	return c.MemoryCache.Expire(ctx, userID)
}

func TestNotifier_Scopes(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name        string
		notify      func(n *Notifier) error
		invalidated []string
		flushed     int
		action      ChangeAction
		target      string
	}{
		{
			name:   "role created",
			notify: func(n *Notifier) error { return n.OnRoleChanged(ctx, 3, ChangeRoleCreated) },
			action: ChangeRoleCreated,
			target: "role:3",
		},
		{
			name:   "role renamed",
			notify: func(n *Notifier) error { return n.OnRoleChanged(ctx, 3, ChangeRoleRenamed) },
			action: ChangeRoleRenamed,
			target: "role:3",
		},
		{
			name:    "role permission added",
			notify:  func(n *Notifier) error { return n.OnRoleChanged(ctx, 3, ChangePermissionAdded) },
			flushed: 1,
			action:  ChangePermissionAdded,
			target:  "role:3",
		},
		{
			name:    "role deleted",
			notify:  func(n *Notifier) error { return n.OnRoleChanged(ctx, 3, ChangeRoleDeleted) },
			flushed: 1,
			action:  ChangeRoleDeleted,
			target:  "role:3",
		},
		{
			name:        "override set",
			notify:      func(n *Notifier) error { return n.OnUserOverrideChanged(ctx, "u1", ChangeOverrideSet) },
			invalidated: []string{"u1"},
			action:      ChangeOverrideSet,
			target:      "user:u1",
		},
		{
			name:        "role assigned",
			notify:      func(n *Notifier) error { return n.OnRoleAssigned(ctx, "u1", 1, 2) },
			invalidated: []string{"u1"},
			action:      ChangeRoleAssigned,
			target:      "user:u1",
		},
		{
			name:   "permission created",
			notify: func(n *Notifier) error { return n.OnCatalogChanged(ctx, 7, ChangeCatalogCreated) },
			action: ChangeCatalogCreated,
			target: "permission:7",
		},
		{
			name:    "permission deleted",
			notify:  func(n *Notifier) error { return n.OnCatalogChanged(ctx, 7, ChangeCatalogDeleted) },
			flushed: 1,
			action:  ChangeCatalogDeleted,
			target:  "permission:7",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cache := newFlakyCache()
			auditor := &captureAuditLogger{}
			n := NewNotifier(cache, auditor, nil)

			require.NoError(t, tt.notify(n))
			assert.Equal(t, tt.invalidated, cache.invalidated)
			assert.Equal(t, tt.flushed, cache.flushed)

			record := auditor.last()
			require.NotNil(t, record)
			assert.Equal(t, string(tt.action), record.Action)
			assert.Equal(t, tt.target, record.Target)
			assert.Equal(t, audit.StatusSuccess, record.Status)
		})
	}
}

func TestNotifier_ExpireFallback(t *testing.T) {
	ctx := context.Background()
	cache := newFlakyCache()
	cache.invalidateErr = errors.New("redis: connection reset")
	metrics := observability.NewMetrics(prometheus.NewRegistry())

	n := NewNotifier(cache, nil, nil)
	n.SetMetrics(metrics)

	require.NoError(t, n.OnUserOverrideChanged(ctx, "u1", ChangeOverrideSet))
	assert.Equal(t, []string{"u1"}, cache.expired)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.InvalidationFallbacks.WithLabelValues("success")))

	t.Run("both fail", func(t *testing.T) {
		cache.expireErr = errors.New("redis: connection reset")
		auditor := &captureAuditLogger{}
		n := NewNotifier(cache, auditor, nil)

		err := n.OnRoleAssigned(ctx, "u2", 1, 2)
		require.Error(t, err)
		assert.ErrorIs(t, err, cache.invalidateErr)
		assert.ErrorIs(t, err, cache.expireErr)

		record := auditor.last()
		require.NotNil(t, record)
		assert.Equal(t, audit.StatusFailure, record.Status)
		assert.EqualValues(t, 1, record.Metadata["old_role_id"])
		assert.EqualValues(t, 2, record.Metadata["new_role_id"])
	})
}

func TestNotifier_InvalidateAllFailure(t *testing.T) {
	cache := newFlakyCache()
	cache.invalidateAllErr = errors.New("redis down")

	n := NewNotifier(cache, nil, nil)
	err := n.OnRoleChanged(context.Background(), 1, ChangePermissionRemoved)
	assert.ErrorIs(t, err, cache.invalidateAllErr)
	// no per-entry fallback exists for a global flush
	assert.Empty(t, cache.expired)

	err = n.Flush(context.Background(), "scheduled")
	assert.ErrorIs(t, err, cache.invalidateAllErr)
}

func TestNotifier_AuditFailureDoesNotFailMutation(t *testing.T) {
	auditor := &captureAuditLogger{err: errors.New("disk full")}
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	n := NewNotifier(newFlakyCache(), auditor, nil)
	n.SetMetrics(metrics)

	require.NoError(t, n.OnUserOverrideChanged(context.Background(), "u1", ChangeOverrideCleared))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.AuditRecordsTotal.WithLabelValues(string(ChangeOverrideCleared), "error")))
}

func TestNotifier_RecordsActor(t *testing.T) {
	auditor := &captureAuditLogger{}
	n := NewNotifier(newFlakyCache(), auditor, nil)

	ctx := contextkeys.WithRequestID(contextkeys.WithUserID(context.Background(), "admin-1"), "req-1")
	require.NoError(t, n.Flush(ctx, "manual"))

	record := auditor.last()
	require.NotNil(t, record)
	assert.Equal(t, "admin-1", record.Actor)
	assert.Equal(t, "req-1", record.RequestID)
	assert.Equal(t, "cache", record.Target)
	assert.Equal(t, "manual", record.Metadata["reason"])

	n.RecordFailClosed(context.Background(), "u9", "royalty:read:own", errors.New("timeout"))
	record = auditor.last()
	assert.Equal(t, string(ChangeCheckFailedClosed), record.Action)
	assert.Equal(t, audit.SystemActor, record.Actor)
	assert.Equal(t, audit.StatusDenied, record.Status)
	assert.Equal(t, "royalty:read:own", record.Metadata["permission"])
}
