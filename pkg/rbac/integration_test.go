package rbac

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/soundledger/permgate/pkg/contextkeys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	cache, err := NewCache(DefaultConfig())
	require.NoError(t, err)
	auditor := &captureAuditLogger{}
	manager := NewManager(db, cache, auditor, nil, DefaultConfig())

	seed, err := DefaultSeed()
	require.NoError(t, err)
	_, err = ApplySeed(ctx, manager.GetStore(), seed)
	require.NoError(t, err)

	artist, err := manager.GetStore().GetRoleByName(ctx, "artist")
	require.NoError(t, err)
	addProfile(t, db, "artist-1", 0)
	require.NoError(t, manager.GetProfiles().AssignRole(ctx, "artist-1", artist.ID))

	assert.True(t, manager.Can(ctx, "artist-1", "track:upload:own"))
	assert.False(t, manager.Can(ctx, "artist-1", "rbac:read:any"))

	perms, err := manager.EffectivePermissions(ctx, "artist-1")
	require.NoError(t, err)
	assert.Contains(t, perms, "release:*:own")

	stats, err := manager.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(len(seed.Permissions)), stats.Permissions)
	assert.Equal(t, int64(len(seed.Roles)), stats.Roles)
	assert.Equal(t, int64(1), stats.SystemRoles)
	assert.Zero(t, stats.Grants)
	assert.Zero(t, stats.Denies)

	require.NoError(t, manager.Flush(ctx, "test"))
	assert.Contains(t, auditor.actions(), string(ChangeCacheFlushed))

	t.Run("routes are guarded", func(t *testing.T) {
		router := mux.NewRouter()
		manager.RegisterRoutes(router)

		req := httptest.NewRequest("GET", "/rbac/roles", nil)
		req = req.WithContext(contextkeys.WithUserID(req.Context(), "artist-1"))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("store failures are audited", func(t *testing.T) {
		require.NoError(t, db.Close())
		assert.False(t, manager.Can(ctx, "someone-else", "track:upload:own"))
		assert.Contains(t, auditor.actions(), string(ChangeCheckFailedClosed))
	})
}
