package rbac

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/soundledger/permgate/pkg/httputil"
	"github.com/soundledger/permgate/pkg/observability"
)

// Permissions guarding the admin API
const (
	PermissionAdminRead   = "rbac:read:any"
	PermissionAdminManage = "rbac:manage:any"
)

// Handlers provides HTTP handlers for RBAC operations
type Handlers struct {
	store    *Store
	profiles ProfileDirectory
	checker  Checker
	guard    *PermissionMiddleware
	catalog  *Catalog
}

// NewHandlers creates new RBAC handlers
func NewHandlers(store *Store, profiles ProfileDirectory, checker Checker) *Handlers {
	return &Handlers{
		store:    store,
		profiles: profiles,
		checker:  checker,
	}
}

// SetCatalog makes the access review reject permissions nothing registered matches
func (h *Handlers) SetCatalog(c *Catalog) {
	h.catalog = c
}

// SetGuard gates every route behind PermissionAdminRead or PermissionAdminManage
func (h *Handlers) SetGuard(pm *PermissionMiddleware) {
	h.guard = pm
}

func (h *Handlers) route(permission string, fn http.HandlerFunc) http.Handler {
	if h.guard == nil {
		return fn
	}
	return h.guard.RequirePermission(permission)(fn)
}

// RegisterRoutes registers all RBAC routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	read, manage := PermissionAdminRead, PermissionAdminManage

	// Permission catalog
	router.Handle("/rbac/permissions", h.route(read, h.ListPermissions)).Methods("GET")
	router.Handle("/rbac/permissions", h.route(manage, h.CreatePermission)).Methods("POST")
	router.Handle("/rbac/permissions/{id}", h.route(manage, h.DeletePermission)).Methods("DELETE")

	// Role management
	router.Handle("/rbac/roles", h.route(read, h.ListRoles)).Methods("GET")
	router.Handle("/rbac/roles", h.route(manage, h.CreateRole)).Methods("POST")
	router.Handle("/rbac/roles/{id}", h.route(read, h.GetRole)).Methods("GET")
	router.Handle("/rbac/roles/{id}", h.route(manage, h.RenameRole)).Methods("PUT")
	router.Handle("/rbac/roles/{id}", h.route(manage, h.DeleteRole)).Methods("DELETE")

	// Role defaults
	router.Handle("/rbac/roles/{id}/permissions", h.route(manage, h.AddRolePermission)).Methods("POST")
	router.Handle("/rbac/roles/{id}/permissions", h.route(manage, h.SetRolePermissions)).Methods("PUT")
	router.Handle("/rbac/roles/{id}/permissions/{permission_id}", h.route(manage, h.RemoveRolePermission)).Methods("DELETE")

	// User overrides and assignment
	router.Handle("/rbac/users/{id}/overrides", h.route(read, h.ListOverrides)).Methods("GET")
	router.Handle("/rbac/users/{id}/overrides", h.route(manage, h.ResetOverrides)).Methods("DELETE")
	router.Handle("/rbac/users/{id}/overrides/{permission_id}", h.route(manage, h.SetOverride)).Methods("PUT")
	router.Handle("/rbac/users/{id}/overrides/{permission_id}", h.route(manage, h.ClearOverride)).Methods("DELETE")
	router.Handle("/rbac/users/{id}/role", h.route(manage, h.AssignRole)).Methods("PUT")

	// Resolution
	router.Handle("/rbac/users/{id}/effective-permissions", h.route(read, h.EffectivePermissions)).Methods("GET")
	router.Handle("/rbac/check", h.route(read, h.CheckPermission)).Methods("POST")
	router.Handle("/rbac/access-review", h.route(read, h.ReviewAccess)).Methods("GET")
}

// writeError maps the error taxonomy onto HTTP statuses
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrValidation):
		httputil.WriteBadRequest(w, err.Error())
	case errors.Is(err, ErrNotFound):
		httputil.WriteNotFoundError(w, err.Error())
	case errors.Is(err, ErrConflict):
		httputil.WriteConflict(w, err.Error())
	case errors.Is(err, ErrStoreUnavailable):
		observability.FromContext(r.Context()).WithError(err).Error("rbac store unavailable")
		httputil.WriteServiceUnavailable(w, "permission store unavailable")
	default:
		observability.FromContext(r.Context()).WithError(err).Error("rbac request failed")
		httputil.WriteInternalError(w, err)
	}
}

// ListPermissions lists the permission catalog
func (h *Handlers) ListPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := h.store.ListPermissions(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, perms)
}

// CreatePermission registers a new permission name
func (h *Handlers) CreatePermission(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	perm := &Permission{Name: req.Name, Description: req.Description}
	if err := h.store.CreatePermission(r.Context(), perm); err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteCreated(w, perm)
}

// DeletePermission removes a permission; ?cascade=true also removes its references
func (h *Handlers) DeletePermission(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathIDOrError(w, r, "id")
	if !ok {
		return
	}
	cascade, err := httputil.ParseQueryBool(r, "cascade", false)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	if err := h.store.DeletePermission(r.Context(), id, cascade); err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// ListRoles lists all roles
func (h *Handlers) ListRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.store.ListRoles(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, roles)
}

// RoleDetail is a role together with its default permissions
type RoleDetail struct {
	Role
	Permissions []Permission `json:"permissions"`
}

// GetRole returns a role and its default permissions
func (h *Handlers) GetRole(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathIDOrError(w, r, "id")
	if !ok {
		return
	}

	role, err := h.store.GetRole(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	perms, err := h.store.GetRolePermissions(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, RoleDetail{Role: *role, Permissions: perms})
}

// CreateRole creates a new role
func (h *Handlers) CreateRole(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	// system roles only come from seed files
	role := &Role{Name: req.Name, Description: req.Description}
	if err := h.store.CreateRole(r.Context(), role); err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteCreated(w, role)
}

// RenameRole changes a role's name
func (h *Handlers) RenameRole(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathIDOrError(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		Name string `json:"name"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	if err := h.store.RenameRole(r.Context(), id, req.Name); err != nil {
		writeError(w, r, err)
		return
	}
	role, err := h.store.GetRole(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, role)
}

// DeleteRole deletes a role
func (h *Handlers) DeleteRole(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathIDOrError(w, r, "id")
	if !ok {
		return
	}

	if err := h.store.DeleteRole(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// AddRolePermission links a permission to a role
func (h *Handlers) AddRolePermission(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathIDOrError(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		PermissionID int64 `json:"permission_id"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequirePositive(w, req.PermissionID, "permission_id") {
		return
	}

	if err := h.store.AddPermission(r.Context(), id, req.PermissionID); err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// SetRolePermissions replaces a role's full permission set
func (h *Handlers) SetRolePermissions(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathIDOrError(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		PermissionIDs []int64 `json:"permission_ids"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	if err := h.store.SetRolePermissions(r.Context(), id, req.PermissionIDs); err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// RemoveRolePermission unlinks a permission from a role
func (h *Handlers) RemoveRolePermission(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathIDOrError(w, r, "id")
	if !ok {
		return
	}
	permID, ok := httputil.ParsePathIDOrError(w, r, "permission_id")
	if !ok {
		return
	}

	if err := h.store.RemovePermission(r.Context(), id, permID); err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// ListOverrides lists a user's overrides
func (h *Handlers) ListOverrides(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}

	overrides, err := h.store.GetOverrides(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, overrides)
}

// SetOverride grants or denies a permission to a user
func (h *Handlers) SetOverride(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	permID, ok := httputil.ParsePathIDOrError(w, r, "permission_id")
	if !ok {
		return
	}
	var req struct {
		Denied *bool `json:"denied"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireField(w, req.Denied != nil, "denied") {
		return
	}

	if err := h.store.SetOverride(r.Context(), userID, permID, *req.Denied); err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// ClearOverride removes a single override
func (h *Handlers) ClearOverride(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	permID, ok := httputil.ParsePathIDOrError(w, r, "permission_id")
	if !ok {
		return
	}

	if err := h.store.ClearOverride(r.Context(), userID, permID); err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// ResetOverrides removes every override of a user
func (h *Handlers) ResetOverrides(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}

	removed, err := h.store.ResetAllOverrides(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]int64{"removed": removed})
}

// AssignRole moves a user to a role; role_id 0 clears the assignment
func (h *Handlers) AssignRole(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		RoleID int64 `json:"role_id"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	if err := h.profiles.AssignRole(r.Context(), userID, req.RoleID); err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// EffectivePermissions returns a user's flat permission list for display
func (h *Handlers) EffectivePermissions(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}

	perms, err := h.checker.EffectivePermissions(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"user_id":     userID,
		"permissions": perms,
	})
}

// CheckPermission explains a single decision. A failed store read is
// reported as a denial, never as an error status.
func (h *Handlers) CheckPermission(w http.ResponseWriter, r *http.Request) {
	var req PermissionCheck
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	result, err := h.checker.CheckPermission(r.Context(), req)
	if result == nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, result)
}

// ReviewAccess lists the users holding the permission named by the
// "permission" query parameter
func (h *Handlers) ReviewAccess(w http.ResponseWriter, r *http.Request) {
	users, ok := h.profiles.(UserLister)
	if !ok {
		httputil.WriteErrorMessage(w, http.StatusNotImplemented, "profile directory cannot list users")
		return
	}

	permission := r.URL.Query().Get("permission")
	if permission == "" {
		httputil.WriteBadRequest(w, "permission query parameter is required")
		return
	}
	if err := h.catalog.Require(permission); err != nil {
		writeError(w, r, err)
		return
	}

	review, err := ReviewAccess(r.Context(), users, h.checker, permission, DefaultReviewWorkers)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, review)
}
