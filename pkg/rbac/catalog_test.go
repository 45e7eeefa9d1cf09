package rbac

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRule(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    PermissionRule
		wantErr bool
	}{
		{"concrete", "release:submit:own", PermissionRule{"release", "submit", "own"}, false},
		{"wildcard action", "release:*:own", PermissionRule{"release", "*", "own"}, false},
		{"universal", "*:*:*", PermissionRule{"*", "*", "*"}, false},
		{"dash and underscore", "payout-batch:re_run:any", PermissionRule{"payout-batch", "re_run", "any"}, false},
		{"two segments", "release:submit", PermissionRule{}, true},
		{"four segments", "release:submit:own:extra", PermissionRule{}, true},
		{"empty segment", "release::own", PermissionRule{}, true},
		{"uppercase", "Release:submit:own", PermissionRule{}, true},
		{"partial wildcard", "release:sub*:own", PermissionRule{}, true},
		{"whitespace", "release: submit:own", PermissionRule{}, true},
		{"empty", "", PermissionRule{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRule(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrValidation)
				assert.False(t, IsValidName(tt.input))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.input, got.String())
		})
	}
}

func TestMatches(t *testing.T) {
	tests := []struct {
		rule  string
		query string
		want  bool
	}{
		{"release:submit:own", "release:submit:own", true},
		{"release:*:own", "release:delete:own", true},
		{"release:*:own", "release:delete:label", false},
		{"earnings:*:*", "earnings:read:own", true},
		{"*:read:*", "royalty:read:label", true},
		{"*:*:*", "anything:at:all", true},
		{"*:*:*", "*:*:*", true},
		{"release:submit:own", "release:*:own", false},
		{"release:submit:own", "release:submit:label", false},
		{"royalty:read:own", "royalties:read:own", false},
		{"bad", "release:submit:own", false},
		{"release:submit:own", "bad", false},
	}

	for _, tt := range tests {
		t.Run(tt.rule+"/"+tt.query, func(t *testing.T) {
			assert.Equal(t, tt.want, Matches(tt.rule, tt.query))
		})
	}
}

func TestValidateRoleName(t *testing.T) {
	for _, name := range []string{"artist", "label_manager", "super_admin", "tier2"} {
		assert.NoError(t, ValidateRoleName(name), name)
	}
	for _, name := range []string{"", "Artist", "label-manager", "super admin", "role!"} {
		assert.ErrorIs(t, ValidateRoleName(name), ErrValidation, name)
	}
}

func TestCatalog(t *testing.T) {
	catalog, err := NewCatalog("release:read:own", "release:delete:own", "release:read:label", "royalty:read:own")
	require.NoError(t, err)

	assert.True(t, catalog.Contains("release:read:own"))
	assert.False(t, catalog.Contains("release:*:own"))
	assert.Equal(t, []string{"release:delete:own", "release:read:label", "release:read:own", "royalty:read:own"}, catalog.Names())

	assert.Equal(t, []string{"release:delete:own", "release:read:own"}, catalog.Expand("release:*:own"))
	assert.Equal(t, []string{"release:read:label", "release:read:own", "royalty:read:own"}, catalog.Expand("*:read:*"))
	assert.Nil(t, catalog.Expand("release:*"))

	catalog.Unregister("release:delete:own")
	assert.Equal(t, []string{"release:read:own"}, catalog.Expand("release:*:own"))

	assert.ErrorIs(t, catalog.Register("release"), ErrValidation)
	_, err = NewCatalog("ok:ok:ok", "not ok")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestCatalog_Require(t *testing.T) {
	catalog, err := NewCatalog("release:read:own", UniversalPermission)
	require.NoError(t, err)

	assert.NoError(t, catalog.Require("release:read:own"))
	assert.NoError(t, catalog.Require("release:*:*"))
	assert.NoError(t, catalog.Require(UniversalPermission))
	// a registered wildcard does not register every name it grants
	assert.ErrorIs(t, catalog.Require("earnings:read:own"), ErrNotFound)
	assert.ErrorIs(t, catalog.Require("earnings"), ErrValidation)

	var unloaded *Catalog
	assert.NoError(t, unloaded.Require("earnings:read:own"))
	assert.ErrorIs(t, unloaded.Require("earnings"), ErrValidation)
}

func TestCatalog_Reset(t *testing.T) {
	catalog, err := NewCatalog("release:read:own")
	require.NoError(t, err)
	other, err := NewCatalog("earnings:read:own")
	require.NoError(t, err)

	catalog.Reset(other)
	assert.Equal(t, []string{"earnings:read:own"}, catalog.Names())

	// the copy is independent of other
	other.Register("payout:request:own")
	assert.False(t, catalog.Contains("payout:request:own"))
}
