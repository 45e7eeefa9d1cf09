// Package rbac resolves what a user of the distribution platform may do.
//
// # Overview
//
// A permission is a three segment string "resource:action:scope" such as
// "release:submit:own" or "royalty:read:label". Any segment may be the
// wildcard "*", and "*:*:*" grants everything. Matching is flat and
// positional: "release:*:own" grants "release:delete:own" but not
// "release:delete:label".
//
// Each user holds at most one role (read from the application's profiles
// table). A role is a named bundle of default permissions. On top of the role
// a user can carry per-user overrides: a grant adds a permission the role
// lacks, a deny removes one the role (or a grant) would otherwise give.
//
// # Decisions
//
// Checks are deny first:
//
//  1. if any deny matches the query in either direction, the answer is no
//  2. if any role default or grant matches the query, the answer is yes
//  3. otherwise the answer is no
//
// There is no default allow, and a failure to read the store is a no
// (fail closed) that is logged, counted and audited.
//
//	checker := rbac.NewPermissionChecker(store, profiles, cache, rbac.DefaultCheckerConfig(), logger)
//	if checker.Can(ctx, userID, "royalty:export:label") {
//		// ...
//	}
//
// EffectivePermissions returns a flat list for display only. Deny overrides
// remove matching entries from it, but a wildcard entry the deny narrows
// stays in the list, so callers must never authorize from it.
//
// # Caching and invalidation
//
// Resolved sets are cached per user (MemoryCache in process, RedisCache when
// replicas share state) for CacheTTL, one hour by default. Every mutation
// made through Store or SQLProfileDirectory calls the ChangeNotifier before
// returning:
//
//   - role permission changes, role deletion and permission deletion drop
//     every cached set
//   - override changes and role assignment drop the one user's set
//
// A cache read races an invalidation safely: the checker takes a Generation
// token before reading the store and Put refuses a set whose token is older
// than the latest invalidation. When an invalidation cannot be confirmed the
// notifier expires the entry instead; if that also fails the mutation returns
// an error so the caller can retry.
//
// Concurrent misses for the same user share one store read (singleflight),
// and that read is bounded by StoreTimeout.
//
// # HTTP
//
// PermissionMiddleware guards handlers:
//
//	pm := rbac.NewPermissionMiddleware(checker)
//	router.Handle("/royalties/export", pm.RequirePermission("royalty:export:label")(exportHandler))
//
// It answers 401 when no user is attached to the request and 403 when the
// check is denied or failed. Handlers exposes the admin API under /rbac,
// itself gated by rbac:read:any and rbac:manage:any.
//
// # Schema
//
// RunMigrations creates the permissions, roles, role_permissions and
// user_permissions tables and adds role_id to profiles. ApplySeed loads a
// YAML catalog and role set; DefaultSeed holds the built-in one with the
// super_admin system role.
package rbac
