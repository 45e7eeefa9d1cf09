// Package httputil holds the JSON request and response helpers shared by the
// rbac and audit admin handlers.
//
// Error answers always have the shape {"error": "...", "code": "..."}, where
// code follows the status (permission_denied, store_unavailable, ...) so
// clients can tell a denial from an outage without reading the message:
//
//	httputil.WriteBadRequest(w, "invalid permission name")
//	httputil.WriteConflict(w, "role is assigned to users")
//
// Handlers decode bodies and path variables with the OrError helpers, which
// write the 400 themselves:
//
//	var req createRoleRequest
//	if !httputil.ParseJSONOrError(w, r, &req) {
//		return
//	}
//	id, ok := httputil.ParsePathIDOrError(w, r, "id")
//
// The server wraps its router with
//
//	httputil.Chain(httputil.RecoveryMiddleware, httputil.LoggingMiddleware)
package httputil
