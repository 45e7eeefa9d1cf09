package rbac

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is returned for malformed permission or role names
	ErrValidation = errors.New("validation error")

	// ErrConflict is returned for duplicate names, system role mutation, or
	// deleting a role or permission that is still in use
	ErrConflict = errors.New("conflict")

	// ErrNotFound is returned when a role, permission, override or user does not exist
	ErrNotFound = errors.New("not found")

	// ErrStoreUnavailable wraps persistence failures and timeouts
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrCacheMiss is returned by Cache.Get when no live entry exists
	ErrCacheMiss = errors.New("cache miss")

	// errCacheInconsistency marks an entry whose TTL bookkeeping disagrees with
	// the clock. It is handled inside the cache and never returned to callers.
	errCacheInconsistency = errors.New("cache entry inconsistent")

	// errStaleGeneration is returned by Put when an invalidation happened after
	// the value was computed
	errStaleGeneration = errors.New("stale cache generation")
)

func validationErr(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func conflictErr(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

func notFoundErr(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}
