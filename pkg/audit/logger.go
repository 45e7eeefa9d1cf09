package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/soundledger/permgate/pkg/contextkeys"
)

// SystemActor is recorded when no authenticated user is attached to the context
const SystemActor = "system"

// Logger is the interface for audit logging
type Logger interface {
	// Log appends a record
	Log(ctx context.Context, record *Record) error

	// Close closes the logger and flushes any buffered records
	Close() error
}

// NewRecord creates a record stamped with a fresh ID, the current time, and
// the actor, request ID and source carried by ctx
func NewRecord(ctx context.Context, action, target string) *Record {
	actor := contextkeys.GetUserID(ctx)
	if actor == "" {
		actor = SystemActor
	}

	record := &Record{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Actor:     actor,
		Action:    action,
		Target:    target,
		Status:    StatusSuccess,
		RequestID: contextkeys.GetRequestID(ctx),
		Metadata:  make(map[string]interface{}),
	}
	if source := contextkeys.GetSource(ctx); source != "" {
		record.Metadata["source"] = source
	}
	return record
}

// NoopLogger discards every record
type NoopLogger struct{}

// Log discards the record
func (NoopLogger) Log(ctx context.Context, record *Record) error {
	return nil
}

// Close does nothing
func (NoopLogger) Close() error {
	return nil
}
