package rbac

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/soundledger/permgate/pkg/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource serves role defaults and overrides from memory
type fakeSource struct {
	mu        sync.Mutex
	roles     map[int64][]string
	overrides map[string][]UserPermissionOverride
	err       error
	calls     atomic.Int32
	release   chan struct{}
	onRead    func()

	// afterOverrides runs once the overrides were copied, outside the lock
	afterOverrides func()
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		roles:     make(map[int64][]string),
		overrides: make(map[string][]UserPermissionOverride),
	}
}

func (f *fakeSource) RolePermissionNames(ctx context.Context, roleID int64) ([]string, error) {
	f.calls.Add(1)
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, storeErr("get role permission names", ctx.Err())
		}
	}
	if f.onRead != nil {
		f.onRead()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, storeErr("get role permission names", f.err)
	}
	return append([]string{}, f.roles[roleID]...), nil
}

func (f *fakeSource) GetOverrides(ctx context.Context, userID string) ([]UserPermissionOverride, error) {
	f.mu.Lock()
	if f.err != nil {
		f.mu.Unlock()
		return nil, storeErr("get overrides", f.err)
	}
	rows := append([]UserPermissionOverride{}, f.overrides[userID]...)
	after := f.afterOverrides
	f.mu.Unlock()

	if after != nil {
		after()
	}
	return rows, nil
}

func (f *fakeSource) deny(userID, permission string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.overrides[userID] = append(f.overrides[userID], UserPermissionOverride{UserID: userID, Permission: permission, Denied: true})
}

func (f *fakeSource) grant(userID, permission string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.overrides[userID] = append(f.overrides[userID], UserPermissionOverride{UserID: userID, Permission: permission})
}

type fakeProfiles map[string]int64

func (p fakeProfiles) RoleOf(ctx context.Context, userID string) (int64, error) {
	roleID, ok := p[userID]
	if !ok {
		return 0, notFoundErr("user %q", userID)
	}
	return roleID, nil
}

func (p fakeProfiles) AssignRole(ctx context.Context, userID string, roleID int64) error {
	p[userID] = roleID
	return nil
}

func (p fakeProfiles) CountUsersWithRole(ctx context.Context, roleID int64) (int, error) {
	n := 0
	for _, r := range p {
		if r == roleID {
			n++
		}
	}
	return n, nil
}

type failureLog struct {
	mu    sync.Mutex
	perms []string
}

func (l *failureLog) RecordFailClosed(ctx context.Context, userID, permission string, cause error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.perms = append(l.perms, permission)
}

func newTestChecker(source RuleSource, profiles ProfileDirectory, cache Cache) *PermissionChecker {
	return NewPermissionChecker(source, profiles, cache, CheckerConfig{
		CacheTTL:     time.Hour,
		StoreTimeout: 200 * time.Millisecond,
	}, nil)
}

func TestEvaluate(t *testing.T) {
	set := &EffectiveSet{
		RolePermissions: []string{"release:*:own", "royalty:read:own"},
		Grants:          []string{"analytics:read:label"},
		Denies:          []string{"release:delete:own"},
	}
	// the broadest role with a whole resource denied
	superSet := &EffectiveSet{
		RolePermissions: []string{UniversalPermission},
		Grants:          []string{"earnings:read:own"},
		Denies:          []string{"earnings:*:*"},
	}

	tests := []struct {
		name       string
		permission string
		allowed    bool
		reason     string
	}{
		{"role wildcard", "release:submit:own", true, ReasonGranted},
		{"exact role default", "royalty:read:own", true, ReasonGranted},
		{"grant outside role", "analytics:read:label", true, ReasonGranted},
		{"deny beats role wildcard", "release:delete:own", false, ReasonDenied},
		{"deny matched by wildcard query", "release:*:own", false, ReasonDenied},
		{"scope does not widen", "release:submit:label", false, ReasonNoMatch},
		{"no default allow", "payout:request:own", false, ReasonNoMatch},
		{"malformed query", "release:submit", false, ReasonInvalid},
		{"empty query", "", false, ReasonInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Evaluate(set, tt.permission)
			assert.Equal(t, tt.allowed, result.Allowed)
			assert.Equal(t, tt.reason, result.Reason)
		})
	}

	wildcardDenies := []struct {
		name       string
		permission string
		allowed    bool
		reason     string
	}{
		{"wildcard deny blocks concrete query", "earnings:read:own", false, ReasonDenied},
		{"wildcard deny blocks other scope", "earnings:export:label", false, ReasonDenied},
		{"wildcard deny blocks wildcard query", "earnings:*:own", false, ReasonDenied},
		{"other resources still allowed", "release:submit:own", true, ReasonGranted},
	}
	for _, tt := range wildcardDenies {
		t.Run(tt.name, func(t *testing.T) {
			result := Evaluate(superSet, tt.permission)
			assert.Equal(t, tt.allowed, result.Allowed)
			assert.Equal(t, tt.reason, result.Reason)
			if !tt.allowed {
				assert.Equal(t, "earnings:*:*", result.DeniedBy)
			}
		})
	}

	t.Run("explains the deciding rule", func(t *testing.T) {
		assert.Equal(t, "release:*:own", Evaluate(set, "release:submit:own").MatchedRule)
		assert.Equal(t, "release:delete:own", Evaluate(set, "release:delete:own").DeniedBy)
	})
}

func TestDisplayPermissions(t *testing.T) {
	set := &EffectiveSet{
		RolePermissions: []string{"release:read:own", "earnings:read:own", "*:*:*"},
		Grants:          []string{"analytics:read:label", "release:read:own"},
		Denies:          []string{"earnings:read:own", "analytics:*:*"},
	}

	// the wildcard stays listed; only Evaluate narrows it
	assert.Equal(t, []string{"*:*:*", "release:read:own"}, DisplayPermissions(set))
	assert.Equal(t, []string{}, DisplayPermissions(&EffectiveSet{}))
}

func TestPermissionChecker_DenyOverridesGrant(t *testing.T) {
	ctx := context.Background()
	source := newFakeSource()
	source.roles[1] = []string{UniversalPermission}
	profiles := fakeProfiles{}

	perms := []string{"release:delete:own", "royalty:export:label", "rbac:manage:any", "x:y:z", "release:*:own"}
	for _, perm := range perms {
		userID := "admin-" + perm
		profiles[userID] = 1
		source.deny(userID, perm)
	}

	checker := newTestChecker(source, profiles, NewMemoryCache(DefaultMemoryCacheConfig()))
	for _, perm := range perms {
		assert.False(t, checker.Can(ctx, "admin-"+perm, perm), perm)
	}
	assert.True(t, checker.Can(ctx, "admin-x:y:z", "release:submit:own"))
}

func TestPermissionChecker_WildcardDenyUnderUniversalRole(t *testing.T) {
	ctx := context.Background()
	source := newFakeSource()
	source.roles[1] = []string{UniversalPermission}
	source.deny("admin", "earnings:*:*")
	checker := newTestChecker(source, fakeProfiles{"admin": 1}, NewMemoryCache(DefaultMemoryCacheConfig()))

	assert.False(t, checker.Can(ctx, "admin", "earnings:read:own"))
	assert.False(t, checker.Can(ctx, "admin", "earnings:export:label"))
	assert.True(t, checker.Can(ctx, "admin", "release:read:own"))

	result, err := checker.CheckPermission(ctx, PermissionCheck{UserID: "admin", Permission: "earnings:read:own"})
	require.NoError(t, err)
	assert.Equal(t, ReasonDenied, result.Reason)
	assert.Equal(t, "earnings:*:*", result.DeniedBy)
}

func TestPermissionChecker_WildcardSatisfaction(t *testing.T) {
	ctx := context.Background()
	source := newFakeSource()
	source.roles[1] = []string{"earnings:*:*"}
	checker := newTestChecker(source, fakeProfiles{"u1": 1}, NewMemoryCache(DefaultMemoryCacheConfig()))

	assert.True(t, checker.Can(ctx, "u1", "earnings:read:own"))
	assert.True(t, checker.Can(ctx, "u1", "earnings:export:label"))
	assert.False(t, checker.Can(ctx, "u1", "releases:read:own"))
}

func TestPermissionChecker_SuperAdmin(t *testing.T) {
	ctx := context.Background()
	source := newFakeSource()
	source.roles[1] = []string{UniversalPermission}
	checker := newTestChecker(source, fakeProfiles{"root": 1}, NewMemoryCache(DefaultMemoryCacheConfig()))

	for _, perm := range []string{"anything:whatever:scope", "release:takedown:any", "a:b:c", "*:*:*"} {
		assert.True(t, checker.Can(ctx, "root", perm), perm)
	}
	assert.False(t, checker.Can(ctx, "root", "not-three-segments"))
}

func TestPermissionChecker_ArtistScenario(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	cache := NewMemoryCache(DefaultMemoryCacheConfig())
	store := NewStore(db)
	store.SetNotifier(NewNotifier(cache, nil, nil))
	profiles := NewSQLProfileDirectory(db)

	releases := mustPermission(t, store, "releases:read:own")
	earnings := mustPermission(t, store, "earnings:read:own")
	artist := mustRole(t, store, "artist", false, releases, earnings)
	addProfile(t, db, "U1", artist.ID)

	checker := newTestChecker(store, profiles, cache)

	assert.True(t, checker.Can(ctx, "U1", "releases:read:own"))
	assert.True(t, checker.Can(ctx, "U1", "earnings:read:own"))

	require.NoError(t, store.SetOverride(ctx, "U1", earnings.ID, true))
	assert.False(t, checker.Can(ctx, "U1", "earnings:read:own"))
	assert.True(t, checker.Can(ctx, "U1", "releases:read:own"))

	require.NoError(t, store.ClearOverride(ctx, "U1", earnings.ID))
	assert.True(t, checker.Can(ctx, "U1", "earnings:read:own"))
}

func TestPermissionChecker_CacheCoherence(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	cache := NewMemoryCache(DefaultMemoryCacheConfig())
	notifier := NewNotifier(cache, nil, nil)
	store := NewStore(db)
	store.SetNotifier(notifier)
	profiles := NewSQLProfileDirectory(db)
	profiles.SetNotifier(notifier)

	submit := mustPermission(t, store, "release:submit:own")
	approve := mustPermission(t, store, "release:approve:label")
	artist := mustRole(t, store, "artist", false, submit)
	label := mustRole(t, store, "label_manager", false, approve)
	addProfile(t, db, "u1", artist.ID)

	checker := newTestChecker(store, profiles, cache)

	t.Run("override deny", func(t *testing.T) {
		require.True(t, checker.Can(ctx, "u1", "release:submit:own"))
		require.NoError(t, store.SetOverride(ctx, "u1", submit.ID, true))
		assert.False(t, checker.Can(ctx, "u1", "release:submit:own"))
		_, err := store.ResetAllOverrides(ctx, "u1")
		require.NoError(t, err)
		assert.True(t, checker.Can(ctx, "u1", "release:submit:own"))
	})

	t.Run("role permission removed", func(t *testing.T) {
		require.True(t, checker.Can(ctx, "u1", "release:submit:own"))
		require.NoError(t, store.RemovePermission(ctx, artist.ID, submit.ID))
		assert.False(t, checker.Can(ctx, "u1", "release:submit:own"))
		require.NoError(t, store.AddPermission(ctx, artist.ID, submit.ID))
		assert.True(t, checker.Can(ctx, "u1", "release:submit:own"))
	})

	t.Run("role reassigned", func(t *testing.T) {
		require.False(t, checker.Can(ctx, "u1", "release:approve:label"))
		require.NoError(t, profiles.AssignRole(ctx, "u1", label.ID))
		assert.True(t, checker.Can(ctx, "u1", "release:approve:label"))
		assert.False(t, checker.Can(ctx, "u1", "release:submit:own"))
	})

	t.Run("permission deleted", func(t *testing.T) {
		require.True(t, checker.Can(ctx, "u1", "release:approve:label"))
		require.NoError(t, store.DeletePermission(ctx, approve.ID, true))
		assert.False(t, checker.Can(ctx, "u1", "release:approve:label"))
	})
}

func TestPermissionChecker_ResetRestoresDefaults(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	cache := NewMemoryCache(DefaultMemoryCacheConfig())
	store := NewStore(db)
	store.SetNotifier(NewNotifier(cache, nil, nil))

	read := mustPermission(t, store, "release:read:own")
	submit := mustPermission(t, store, "release:submit:own")
	payout := mustPermission(t, store, "payout:request:own")
	artist := mustRole(t, store, "artist", false, read, submit)
	addProfile(t, db, "u1", artist.ID)

	require.NoError(t, store.SetOverride(ctx, "u1", submit.ID, true))
	require.NoError(t, store.SetOverride(ctx, "u1", payout.ID, false))

	checker := newTestChecker(store, NewSQLProfileDirectory(db), cache)

	resolved, err := checker.Resolve(ctx, "u1", artist.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"payout:request:own", "release:read:own"}, resolved)

	_, err = store.ResetAllOverrides(ctx, "u1")
	require.NoError(t, err)

	resolved, err = checker.Resolve(ctx, "u1", artist.ID)
	require.NoError(t, err)
	defaults, err := store.RolePermissionNames(ctx, artist.ID)
	require.NoError(t, err)
	assert.Equal(t, defaults, resolved)

	effective, err := checker.EffectivePermissions(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, defaults, effective)
}

func TestPermissionChecker_FailClosed(t *testing.T) {
	ctx := context.Background()
	source := newFakeSource()
	source.roles[1] = []string{UniversalPermission}
	source.err = errors.New("connection refused")

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	failures := &failureLog{}
	checker := newTestChecker(source, fakeProfiles{"u1": 1}, NewMemoryCache(DefaultMemoryCacheConfig()))
	checker.SetMetrics(metrics)
	checker.SetFailureRecorder(failures)

	assert.False(t, checker.Can(ctx, "u1", "release:read:own"))

	result, err := checker.CheckPermission(ctx, PermissionCheck{UserID: "u1", Permission: "release:read:own"})
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	require.NotNil(t, result)
	assert.False(t, result.Allowed)
	assert.Equal(t, ReasonStoreUnavailable, result.Reason)

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.FailClosedTotal))
	assert.Equal(t, []string{"release:read:own", "release:read:own"}, failures.perms)

	_, err = checker.EffectivePermissions(ctx, "u1")
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	// a failed read is never cached; recovery takes effect immediately
	source.mu.Lock()
	source.err = nil
	source.mu.Unlock()
	assert.True(t, checker.Can(ctx, "u1", "release:read:own"))
}

func TestPermissionChecker_StoreTimeout(t *testing.T) {
	source := newFakeSource()
	source.roles[1] = []string{UniversalPermission}
	source.release = make(chan struct{}) // never released

	checker := NewPermissionChecker(source, fakeProfiles{"u1": 1}, NewMemoryCache(DefaultMemoryCacheConfig()), CheckerConfig{
		StoreTimeout: 50 * time.Millisecond,
	}, nil)

	start := time.Now()
	result, err := checker.CheckPermission(context.Background(), PermissionCheck{UserID: "u1", Permission: "release:read:own"})
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, result.Allowed)
}

func TestPermissionChecker_UnknownUser(t *testing.T) {
	source := newFakeSource()
	checker := newTestChecker(source, fakeProfiles{}, NewMemoryCache(DefaultMemoryCacheConfig()))

	result, err := checker.CheckPermission(context.Background(), PermissionCheck{UserID: "ghost", Permission: "release:read:own"})
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.Equal(t, ReasonUnknownUser, result.Reason)

	_, err = checker.EffectivePermissions(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = checker.CheckPermission(context.Background(), PermissionCheck{Permission: "release:read:own"})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestPermissionChecker_CachesResolvedSet(t *testing.T) {
	ctx := context.Background()
	source := newFakeSource()
	source.roles[1] = []string{"release:read:own"}
	cache := NewMemoryCache(DefaultMemoryCacheConfig())
	checker := newTestChecker(source, fakeProfiles{"u1": 1}, cache)

	first, err := checker.CheckPermission(ctx, PermissionCheck{UserID: "u1", Permission: "release:read:own"})
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := checker.CheckPermission(ctx, PermissionCheck{UserID: "u1", Permission: "release:read:own"})
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, int32(1), source.calls.Load())

	require.NoError(t, checker.InvalidateCache(ctx, "u1"))
	assert.True(t, checker.Can(ctx, "u1", "release:read:own"))
	assert.Equal(t, int32(2), source.calls.Load())

	t.Run("a different role bypasses the cached set", func(t *testing.T) {
		source.roles[2] = []string{"ticket:read:any"}
		assert.True(t, checker.CanWithRole(ctx, "u1", 2, "ticket:read:any"))
		assert.False(t, checker.CanWithRole(ctx, "u1", 2, "release:read:own"))
	})
}

func TestPermissionChecker_Singleflight(t *testing.T) {
	source := newFakeSource()
	source.roles[1] = []string{"release:read:own"}
	source.release = make(chan struct{})

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	checker := newTestChecker(source, fakeProfiles{"u1": 1}, NewMemoryCache(DefaultMemoryCacheConfig()))
	checker.SetMetrics(metrics)

	const callers = 10
	var wg sync.WaitGroup
	results := make([]bool, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = checker.Can(context.Background(), "u1", "release:read:own")
		}(i)
	}

	// give every caller time to join the in-flight load
	time.Sleep(100 * time.Millisecond)
	close(source.release)
	wg.Wait()

	assert.Equal(t, int32(1), source.calls.Load())
	for i, ok := range results {
		assert.True(t, ok, "caller %d", i)
	}
	// every caller of a shared flight is counted, the leader included
	assert.Equal(t, float64(callers), testutil.ToFloat64(metrics.SingleflightShared))
}

func TestPermissionChecker_CanceledCallerDoesNotPoisonOthers(t *testing.T) {
	source := newFakeSource()
	source.roles[1] = []string{"release:read:own"}
	source.release = make(chan struct{})
	checker := newTestChecker(source, fakeProfiles{"u1": 1}, NewMemoryCache(DefaultMemoryCacheConfig()))

	canceled, cancel := context.WithCancel(context.Background())
	firstDone := make(chan bool)
	go func() {
		firstDone <- checker.Can(canceled, "u1", "release:read:own")
	}()

	time.Sleep(20 * time.Millisecond)
	secondDone := make(chan bool)
	go func() {
		secondDone <- checker.Can(context.Background(), "u1", "release:read:own")
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	assert.False(t, <-firstDone)

	close(source.release)
	assert.True(t, <-secondDone)
}

func TestPermissionChecker_StalePutRejected(t *testing.T) {
	ctx := context.Background()
	source := newFakeSource()
	source.roles[1] = []string{"release:read:own"}
	cache := NewMemoryCache(DefaultMemoryCacheConfig())
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	checker := newTestChecker(source, fakeProfiles{"u1": 1}, cache)
	checker.SetMetrics(metrics)

	// a mutation commits and invalidates while the first resolution is reading
	once := sync.Once{}
	source.onRead = func() {
		once.Do(func() {
			source.deny("u1", "release:read:own")
			assert.NoError(t, cache.Invalidate(ctx, "u1"))
		})
	}

	// the racing read may still answer from what it saw
	checker.Can(ctx, "u1", "release:read:own")
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.CacheStalePutsTotal))

	_, err := cache.Get(ctx, "u1")
	assert.ErrorIs(t, err, ErrCacheMiss)
	assert.False(t, checker.Can(ctx, "u1", "release:read:own"))
}

func TestPermissionChecker_RequestAfterInvalidationDoesNotJoinOlderLoad(t *testing.T) {
	ctx := context.Background()
	source := newFakeSource()
	source.roles[1] = []string{"earnings:read:own"}
	cache := NewMemoryCache(DefaultMemoryCacheConfig())
	checker := newTestChecker(source, fakeProfiles{"u1": 1}, cache)

	// the first load has read the overrides from before the deny and stalls
	overridesRead := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	source.afterOverrides = func() {
		once.Do(func() {
			close(overridesRead)
			<-release
		})
	}

	first := make(chan bool, 1)
	go func() { first <- checker.Can(ctx, "u1", "earnings:read:own") }()
	<-overridesRead

	source.deny("u1", "earnings:read:own")
	require.NoError(t, cache.Invalidate(ctx, "u1"))

	second := make(chan bool, 1)
	go func() { second <- checker.Can(ctx, "u1", "earnings:read:own") }()

	select {
	case allowed := <-second:
		assert.False(t, allowed, "request after the deny was committed")
		close(release)
	case <-time.After(2 * time.Second):
		close(release)
		assert.False(t, <-second, "request after the deny was committed")
		t.Error("request after the invalidation waited on the older load")
	}

	<-first
	assert.False(t, checker.Can(ctx, "u1", "earnings:read:own"))
	// one read per generation; the last check is served from the cache
	assert.Equal(t, int32(2), source.calls.Load())
}

func TestPermissionChecker_InconsistentEntryRecomputed(t *testing.T) {
	ctx := context.Background()
	source := newFakeSource()
	source.roles[1] = []string{"release:read:own"}
	cache := NewMemoryCache(DefaultMemoryCacheConfig())
	checker := newTestChecker(source, fakeProfiles{"u1": 1}, cache)

	// an entry stamped an hour in the future
	future := time.Now().Add(time.Hour)
	cache.now = func() time.Time { return future }
	require.True(t, checker.Can(ctx, "u1", "release:read:own"))
	cache.now = time.Now

	assert.True(t, checker.Can(ctx, "u1", "release:read:own"))
	assert.Equal(t, int32(2), source.calls.Load())
}
