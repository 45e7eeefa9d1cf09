package rbac

import (
	"net/http"

	"github.com/soundledger/permgate/pkg/httputil"
	"github.com/soundledger/permgate/pkg/middleware"
)

// PermissionMiddleware provides middleware for permission checking
type PermissionMiddleware struct {
	checker Checker
}

// NewPermissionMiddleware creates a new permission middleware
func NewPermissionMiddleware(checker Checker) *PermissionMiddleware {
	return &PermissionMiddleware{
		checker: checker,
	}
}

// RequirePermission creates middleware that requires a specific permission.
// Requests without an identity get 401; a denial or a failed check gets 403.
func (pm *PermissionMiddleware) RequirePermission(permission string) func(http.Handler) http.Handler {
	return pm.RequireAnyPermission(permission)
}

// RequireAnyPermission creates middleware that requires any of the specified permissions
func (pm *PermissionMiddleware) RequireAnyPermission(permissions ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := middleware.UserID(r)
			if userID == "" {
				httputil.WriteUnauthorized(w, "authentication required")
				return
			}

			for _, perm := range permissions {
				if pm.checker.Can(r.Context(), userID, perm) {
					next.ServeHTTP(w, r)
					return
				}
			}

			httputil.WriteForbidden(w, "insufficient permissions")
		})
	}
}

// RequireAllPermissions creates middleware that requires every specified permission
func (pm *PermissionMiddleware) RequireAllPermissions(permissions ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := middleware.UserID(r)
			if userID == "" {
				httputil.WriteUnauthorized(w, "authentication required")
				return
			}

			for _, perm := range permissions {
				if !pm.checker.Can(r.Context(), userID, perm) {
					httputil.WriteForbidden(w, "insufficient permissions")
					return
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}
