package rbac

import (
	"time"
)

// Wildcard is the segment token matching any value in that position
const Wildcard = "*"

// UniversalPermission grants every well-formed permission
const UniversalPermission = "*:*:*"

// PermissionRule is the parsed form of a "resource:action:scope" permission name
type PermissionRule struct {
	Resource string `json:"resource"`
	Action   string `json:"action"`
	Scope    string `json:"scope"`
}

// String returns the canonical permission name
func (r PermissionRule) String() string {
	return r.Resource + ":" + r.Action + ":" + r.Scope
}

// IsUniversal reports whether the rule is the "*:*:*" rule
func (r PermissionRule) IsUniversal() bool {
	return r.Resource == Wildcard && r.Action == Wildcard && r.Scope == Wildcard
}

// Permission is a registered capability in the catalog
type Permission struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Role represents a named bundle of default permissions
type Role struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	IsSystemRole bool      `json:"is_system_role"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// UserPermissionOverride is a per-user grant (Denied=false) or deny (Denied=true)
// layered on top of the user's role defaults
type UserPermissionOverride struct {
	UserID       string    `json:"user_id"`
	PermissionID int64     `json:"permission_id"`
	Permission   string    `json:"permission"`
	Denied       bool      `json:"denied"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// EffectiveSet is the resolved permission state of one user. It is a cached
// projection of roles, role_permissions and user_permissions and is never
// persisted as a source of truth.
type EffectiveSet struct {
	UserID          string     `json:"user_id"`
	RoleID          int64      `json:"role_id,omitempty"`
	RolePermissions []string   `json:"role_permissions"`
	Grants          []string   `json:"grants"`
	Denies          []string   `json:"denies"`
	ComputedAt      time.Time  `json:"computed_at"`
	ExpiresAt       time.Time  `json:"expires_at"`
	Generation      Generation `json:"generation"`
}

// Generation identifies the invalidation state a cached value was computed
// under. Epoch advances on InvalidateAll, User advances on Invalidate.
type Generation struct {
	Epoch uint64 `json:"epoch"`
	User  uint64 `json:"user"`
}

// PermissionCheck represents a permission check request
type PermissionCheck struct {
	UserID     string `json:"user_id"`
	Permission string `json:"permission"`
}

// PermissionCheckResult represents the result of a permission check
type PermissionCheckResult struct {
	Allowed     bool      `json:"allowed"`
	Reason      string    `json:"reason"`
	MatchedRule string    `json:"matched_rule,omitempty"`
	DeniedBy    string    `json:"denied_by,omitempty"`
	Cached      bool      `json:"cached"`
	CheckedAt   time.Time `json:"checked_at"`
}

// Check decision reasons
const (
	ReasonGranted          = "granted"
	ReasonDenied           = "denied_by_override"
	ReasonNoMatch          = "no_matching_rule"
	ReasonInvalid          = "invalid_permission"
	ReasonUnknownUser      = "unknown_user"
	ReasonStoreUnavailable = "store_unavailable"
)

// ChangeAction names a mutation reported to the change notifier
type ChangeAction string

const (
	ChangeRoleCreated       ChangeAction = "role.created"
	ChangeRoleRenamed       ChangeAction = "role.renamed"
	ChangeRoleDeleted       ChangeAction = "role.deleted"
	ChangePermissionAdded   ChangeAction = "role.permission_added"
	ChangePermissionRemoved ChangeAction = "role.permission_removed"
	ChangePermissionsSet    ChangeAction = "role.permissions_replaced"
	ChangeOverrideSet       ChangeAction = "override.set"
	ChangeOverrideCleared   ChangeAction = "override.cleared"
	ChangeOverridesReset    ChangeAction = "override.reset"
	ChangeRoleAssigned      ChangeAction = "user.role_assigned"
	ChangeCatalogCreated    ChangeAction = "permission.created"
	ChangeCatalogDeleted    ChangeAction = "permission.deleted"
	ChangeCacheFlushed      ChangeAction = "cache.flushed"
	ChangeCheckFailedClosed ChangeAction = "check.failed_closed"
)
