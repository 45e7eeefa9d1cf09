// Package cli implements permctl, the operator tool for the permission
// service.
//
// permctl talks to the database directly rather than through the HTTP API.
// Every change goes through the same store and notifier the server uses, so
// it is audited and invalidates cached permission sets.
//
// # Commands
//
//	permctl migrate
//	permctl seed [-file roles.yaml] [-watch]
//	permctl grant  <user> <permission>
//	permctl deny   <user> <permission>
//	permctl clear  <user> <permission>
//	permctl reset  <user>
//	permctl assign <user> <role|id|0>
//	permctl can [-json] <user> <permission>
//	permctl effective [-json] <user>
//	permctl who-can [-json] <permission>
//	permctl flush [-reason text]
//	permctl stats
//
// # Configuration
//
// Global flags come before the command:
//
//	permctl -db postgres://... -cache redis -redis-url redis://cache:6379/0 \
//		-actor ops@soundledger.io grant artist-42 royalty:export:label
//
// -db, -cache, -redis-url and -redis-prefix default to PERMGATE_DATABASE_URL,
// PERMGATE_CACHE_BACKEND, PERMGATE_REDIS_URL and PERMGATE_REDIS_KEY_PREFIX.
// Point -cache at the Redis instance the servers share; with the memory
// backend, servers pick up changes only after their cache TTL or the next
// scheduled flush.
package cli
