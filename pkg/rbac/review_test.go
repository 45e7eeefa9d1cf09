package rbac

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticUsers struct {
	ids []string
	err error
}

func (s staticUsers) ListUserIDs(ctx context.Context) ([]string, error) {
	return s.ids, s.err
}

func TestReviewAccess(t *testing.T) {
	source := newFakeSource()
	source.roles[1] = []string{"release:*:own"}
	source.roles[2] = []string{"release:read:label"}
	source.deny("artist-2", "release:delete:own")
	source.grant("manager-1", "release:delete:own")

	profiles := fakeProfiles{"artist-1": 1, "artist-2": 1, "manager-1": 2, "nobody": 0}
	checker := newTestChecker(source, profiles, NewMemoryCache(DefaultMemoryCacheConfig()))
	users := staticUsers{ids: []string{"nobody", "manager-1", "artist-2", "artist-1", "ghost"}}

	review, err := ReviewAccess(context.Background(), users, checker, "release:delete:own", 3)
	require.NoError(t, err)

	assert.Equal(t, "release:delete:own", review.Permission)
	assert.Equal(t, 5, review.Checked)
	assert.Equal(t, []string{"artist-1", "manager-1"}, review.Allowed)
}

func TestReviewAccess_InvalidPermission(t *testing.T) {
	checker := newTestChecker(newFakeSource(), fakeProfiles{}, NewMemoryCache(DefaultMemoryCacheConfig()))

	_, err := ReviewAccess(context.Background(), staticUsers{}, checker, "release:*", 2)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestReviewAccess_ListFails(t *testing.T) {
	checker := newTestChecker(newFakeSource(), fakeProfiles{}, NewMemoryCache(DefaultMemoryCacheConfig()))
	users := staticUsers{err: storeErr("list users", errors.New("connection refused"))}

	review, err := ReviewAccess(context.Background(), users, checker, "release:read:own", 2)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Nil(t, review)
}

func TestReviewAccess_StoreFailureIsReported(t *testing.T) {
	source := newFakeSource()
	source.roles[1] = []string{"*:*:*"}
	source.err = errors.New("connection reset")

	checker := newTestChecker(source, fakeProfiles{"a": 1, "b": 1}, NewMemoryCache(DefaultMemoryCacheConfig()))
	review, err := ReviewAccess(context.Background(), staticUsers{ids: []string{"a", "b"}}, checker, "release:read:own", 2)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Contains(t, err.Error(), "user a")
	assert.Contains(t, err.Error(), "user b")
	require.NotNil(t, review)
	assert.Empty(t, review.Allowed)
	assert.Equal(t, 2, review.Checked)
}

func TestManager_WhoCan(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	manager := NewManager(db, NewMemoryCache(DefaultMemoryCacheConfig()), &captureAuditLogger{}, nil, DefaultConfig())
	seed, err := DefaultSeed()
	require.NoError(t, err)
	_, err = ApplySeed(ctx, manager.GetStore(), seed)
	require.NoError(t, err)

	support, err := manager.GetStore().GetRoleByName(ctx, "support")
	require.NoError(t, err)
	admin, err := manager.GetStore().GetRoleByName(ctx, "super_admin")
	require.NoError(t, err)
	artist, err := manager.GetStore().GetRoleByName(ctx, "artist")
	require.NoError(t, err)

	addProfile(t, db, "support-1", support.ID)
	addProfile(t, db, "root", admin.ID)
	addProfile(t, db, "artist-1", artist.ID)

	users, err := manager.GetProfiles().ListUserIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"artist-1", "root", "support-1"}, users)

	review, err := manager.WhoCan(ctx, "rbac:read:any")
	require.NoError(t, err)
	assert.Equal(t, []string{"root", "support-1"}, review.Allowed)

	readAny, err := manager.GetStore().GetPermissionByName(ctx, "rbac:read:any")
	require.NoError(t, err)
	require.NoError(t, manager.GetStore().SetOverride(ctx, "support-1", readAny.ID, true))

	review, err = manager.WhoCan(ctx, "rbac:read:any")
	require.NoError(t, err)
	assert.Equal(t, []string{"root"}, review.Allowed)
}

func TestHandlers_AccessReview(t *testing.T) {
	env := newHandlerEnv(t)
	perm := mustPermission(t, env.store, "royalty:read:own")
	role := mustRole(t, env.store, "artist", false, perm)
	addProfile(t, env.db, "artist-1", role.ID)
	addProfile(t, env.db, "listener-1", 0)

	rec := env.do(t, "GET", "/rbac/access-review?permission=royalty:read:own", adminUser, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var review AccessReview
	decode(t, rec, &review)
	assert.Equal(t, 3, review.Checked)
	assert.Equal(t, []string{adminUser, "artist-1"}, review.Allowed)

	rec = env.do(t, "GET", "/rbac/access-review", adminUser, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, "GET", "/rbac/access-review?permission=royalty", adminUser, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, "GET", "/rbac/access-review?permission=royalty:read:own", "artist-1", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandlers_AccessReviewUnregisteredPermission(t *testing.T) {
	env := newHandlerEnv(t)
	mustPermission(t, env.store, "royalty:read:own")

	catalog, err := env.store.LoadCatalog(context.Background())
	require.NoError(t, err)
	env.handlers.SetCatalog(catalog)

	rec := env.do(t, "GET", "/rbac/access-review?permission=royalty:reed:own", adminUser, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "no registered permission matches")

	// a wildcard query is fine as long as it names something registered
	rec = env.do(t, "GET", "/rbac/access-review?permission=royalty:*:*", adminUser, nil)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestManager_WhoCanUsesCatalog(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	manager := NewManager(db, NewMemoryCache(DefaultMemoryCacheConfig()), &captureAuditLogger{}, nil, DefaultConfig())
	mustPermission(t, manager.GetStore(), "release:read:own")

	// loaded on first use
	_, err := manager.WhoCan(ctx, "release:read:own")
	require.NoError(t, err)
	assert.True(t, manager.GetCatalog().Contains("release:read:own"))

	_, err = manager.WhoCan(ctx, "earnings:read:own")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = manager.WhoCan(ctx, "earnings")
	assert.ErrorIs(t, err, ErrValidation)

	// writes through the store keep the catalog current
	earnings := mustPermission(t, manager.GetStore(), "earnings:read:own")
	_, err = manager.WhoCan(ctx, "earnings:read:own")
	assert.NoError(t, err)

	require.NoError(t, manager.GetStore().DeletePermission(ctx, earnings.ID, false))
	assert.False(t, manager.GetCatalog().Contains("earnings:read:own"))
	_, err = manager.WhoCan(ctx, "earnings:read:own")
	assert.ErrorIs(t, err, ErrNotFound)
}
