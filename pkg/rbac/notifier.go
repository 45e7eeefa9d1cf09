package rbac

import (
	"context"
	"errors"
	"fmt"

	"github.com/soundledger/permgate/pkg/audit"
	"github.com/soundledger/permgate/pkg/observability"
)

// ChangeNotifier is called synchronously after every committed mutation. A
// returned error means the mutation is durable but the cache could not be
// brought in line with it.
type ChangeNotifier interface {
	OnRoleChanged(ctx context.Context, roleID int64, action ChangeAction) error
	OnUserOverrideChanged(ctx context.Context, userID string, action ChangeAction) error
	OnRoleAssigned(ctx context.Context, userID string, oldRoleID, newRoleID int64) error
	OnCatalogChanged(ctx context.Context, permissionID int64, action ChangeAction) error
}

type noopNotifier struct{}

func (noopNotifier) OnRoleChanged(context.Context, int64, ChangeAction) error {
	return nil
}

func (noopNotifier) OnUserOverrideChanged(context.Context, string, ChangeAction) error {
	return nil
}

func (noopNotifier) OnRoleAssigned(context.Context, string, int64, int64) error {
	return nil
}

func (noopNotifier) OnCatalogChanged(context.Context, int64, ChangeAction) error {
	return nil
}

// Notifier invalidates cached effective sets and appends an audit record for
// each change. Invalidation failures fall back to expiring the entry; audit
// failures are logged and counted but never fail the mutation.
type Notifier struct {
	cache   Cache
	audit   audit.Logger
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewNotifier creates a notifier. A nil audit logger discards records.
func NewNotifier(cache Cache, auditLogger audit.Logger, logger *observability.Logger) *Notifier {
	if auditLogger == nil {
		auditLogger = audit.NoopLogger{}
	}
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &Notifier{
		cache:  cache,
		audit:  auditLogger,
		logger: logger,
	}
}

// SetMetrics attaches a metrics registry
func (n *Notifier) SetMetrics(m *observability.Metrics) {
	n.metrics = m
}

// OnRoleChanged invalidates every cached set when a role's grants change.
// Creating or renaming a role leaves every effective set untouched.
func (n *Notifier) OnRoleChanged(ctx context.Context, roleID int64, action ChangeAction) error {
	var err error
	switch action {
	case ChangeRoleCreated, ChangeRoleRenamed:
	default:
		err = n.invalidateAll(ctx)
	}

	n.record(ctx, action, fmt.Sprintf("role:%d", roleID), err, nil)
	return err
}

// OnUserOverrideChanged invalidates the user's cached set
func (n *Notifier) OnUserOverrideChanged(ctx context.Context, userID string, action ChangeAction) error {
	err := n.invalidateUser(ctx, userID)
	n.record(ctx, action, "user:"+userID, err, nil)
	return err
}

// OnRoleAssigned invalidates the user's cached set after a role reassignment
func (n *Notifier) OnRoleAssigned(ctx context.Context, userID string, oldRoleID, newRoleID int64) error {
	err := n.invalidateUser(ctx, userID)
	n.record(ctx, ChangeRoleAssigned, "user:"+userID, err, map[string]interface{}{
		"old_role_id": oldRoleID,
		"new_role_id": newRoleID,
	})
	return err
}

// OnCatalogChanged invalidates every cached set when a permission is deleted
func (n *Notifier) OnCatalogChanged(ctx context.Context, permissionID int64, action ChangeAction) error {
	var err error
	if action == ChangeCatalogDeleted {
		err = n.invalidateAll(ctx)
	}

	n.record(ctx, action, fmt.Sprintf("permission:%d", permissionID), err, nil)
	return err
}

// Flush drops every cached set. It bounds staleness after edits made to the
// tables outside the store.
func (n *Notifier) Flush(ctx context.Context, reason string) error {
	err := n.invalidateAll(ctx)
	n.record(ctx, ChangeCacheFlushed, "cache", err, map[string]interface{}{
		"reason": reason,
	})
	return err
}

// RecordFailClosed appends an audit record for a check denied because the
// store could not be read
func (n *Notifier) RecordFailClosed(ctx context.Context, userID, permission string, cause error) {
	record := audit.NewRecord(ctx, string(ChangeCheckFailedClosed), "user:"+userID)
	record.Status = audit.StatusDenied
	record.Message = cause.Error()
	record.Metadata["permission"] = permission
	n.write(ctx, record)
}

func (n *Notifier) invalidateUser(ctx context.Context, userID string) error {
	err := n.cache.Invalidate(ctx, userID)
	n.metrics.RecordInvalidation("user", err)
	if err == nil {
		return nil
	}

	log := n.logger.WithField("user_id", userID)
	log.WithError(err).Warn("cache invalidation failed, expiring entry")

	ferr := n.cache.Expire(ctx, userID)
	n.metrics.RecordInvalidationFallback(ferr)
	if ferr == nil {
		return nil
	}

	log.WithError(ferr).Error("cache expiry fallback failed")
	return fmt.Errorf("failed to invalidate cache for user %s: %w", userID, errors.Join(err, ferr))
}

// invalidateAll has no per-entry fallback; a failure is returned so the
// caller can retry the mutation, which re-drives the invalidation
func (n *Notifier) invalidateAll(ctx context.Context) error {
	err := n.cache.InvalidateAll(ctx)
	n.metrics.RecordInvalidation("all", err)
	if err != nil {
		n.logger.WithError(err).Error("global cache invalidation failed")
		return fmt.Errorf("failed to invalidate cache: %w", err)
	}
	return nil
}

func (n *Notifier) record(ctx context.Context, action ChangeAction, target string, invalidationErr error, metadata map[string]interface{}) {
	record := audit.NewRecord(ctx, string(action), target)
	for k, v := range metadata {
		record.Metadata[k] = v
	}
	if invalidationErr != nil {
		record.Status = audit.StatusFailure
		record.Message = invalidationErr.Error()
	}
	n.write(ctx, record)
}

func (n *Notifier) write(ctx context.Context, record *audit.Record) {
	err := n.audit.Log(ctx, record)
	n.metrics.RecordAudit(record.Action, err)
	if err != nil {
		n.logger.WithError(err).WithFields(map[string]interface{}{
			"action": record.Action,
			"target": record.Target,
		}).Error("failed to write audit record")
	}
}
