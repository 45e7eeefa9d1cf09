// Package config loads permgate configuration from PERMGATE_ environment
// variables and validates it.
//
// Server:
//
//	PERMGATE_HOST="0.0.0.0"
//	PERMGATE_PORT="8080"
//	PERMGATE_HEALTH_PORT="9090"
//	PERMGATE_SHUTDOWN_TIMEOUT="30s"
//
// Database (required):
//
//	PERMGATE_DATABASE_URL="postgres://permgate@db/permgate?sslmode=disable"
//	PERMGATE_DATABASE_MAX_OPEN_CONNS="20"
//
// Resolution and cache:
//
//	PERMGATE_CACHE_BACKEND="memory"  # memory, redis
//	PERMGATE_CACHE_TTL="1h"
//	PERMGATE_STORE_TIMEOUT="2s"
//	PERMGATE_REDIS_URL="redis://cache:6379/0"
//
// Policy operations:
//
//	PERMGATE_IDENTITY_HEADER="X-User-ID"
//	PERMGATE_FLUSH_SCHEDULE="@every 15m"  # empty disables the safety flush
//	PERMGATE_SEED_FILE="/etc/permgate/seed.yaml"
//
// Audit and observability:
//
//	PERMGATE_AUDIT_FILE_PATH="/var/log/permgate/audit"
//	PERMGATE_AUDIT_FILE_SYNC="true"
//	PERMGATE_AUDIT_DB_ENABLED="true"
//	PERMGATE_LOG_LEVEL="info"
//	PERMGATE_OTEL_ENABLED="false"
//
// Usage:
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
package config
