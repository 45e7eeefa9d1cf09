// Package middleware provides HTTP middleware for caller identity and request IDs.
//
// permgate sits behind an authenticating proxy that has already verified the
// caller. The proxy forwards the user ID in a trusted header (X-User-ID by
// default); Identity copies it into the request context where the RBAC
// permission middleware and the audit trail read it.
//
//	router.Use(middleware.RequestID(logger))
//	router.Use(middleware.NewIdentity("X-User-ID").Handler)
package middleware
