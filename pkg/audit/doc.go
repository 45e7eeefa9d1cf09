// Package audit records permission changes and fail-closed incidents in an
// append-only log.
//
// Every record answers four questions: who acted (Actor, taken from the
// request context or "system"), what they did (Action, e.g. "override.set"),
// what it was done to (Target, e.g. "user:3f2c..." or "role:7") and when
// (Timestamp, UTC).
//
// Sinks:
//
//	FileLogger   - newline-delimited JSON with size based rotation
//	DBLogger     - rows in audit_logs, searchable through Search
//	MultiLogger  - fan-out to several sinks
//	NoopLogger   - discards records
//
// Usage:
//
//	record := audit.NewRecord(ctx, "override.set", "user:"+userID)
//	record.Metadata["permission_id"] = permID
//	if err := logger.Log(ctx, record); err != nil {
//		...
//	}
package audit
