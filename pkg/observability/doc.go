// Package observability provides structured logging, Prometheus metrics,
// OpenTelemetry tracing, health probes and graceful shutdown for permgate.
//
// # Logging
//
// Logger writes JSON lines through log/slog. Request middleware stores a
// logger in the context; FromContext returns it with request_id, user_id and
// trace fields attached:
//
//	observability.FromContext(ctx).WithError(err).Warn("permission check failed closed")
//
// # Metrics
//
// NewMetrics registers the decision, cache, invalidation, audit and HTTP
// collectors on a registry. Every Record helper is safe on a nil *Metrics.
//
//	metrics := observability.NewMetrics(registry)
//	metrics.RecordCheck(false, "denied_override")
//
// # Tracing
//
// InitOTel installs OTLP gRPC tracer and meter providers when enabled;
// OTelProviders.Shutdown flushes them.
//
// # Health and shutdown
//
// HealthChecker answers /health/live and /health/ready. Readiness fails when
// the permission store is unreachable and degrades when only the shared
// cache is. ShutdownManager stops the HTTP server, then runs registered
// functions in reverse order.
package observability
