package rbac

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/soundledger/permgate/pkg/async"
)

// DefaultReviewWorkers bounds the concurrent checks of an access review
const DefaultReviewWorkers = 8

// UserLister enumerates the users known to the profile directory
type UserLister interface {
	ListUserIDs(ctx context.Context) ([]string, error)
}

// AccessReview is the answer to "who can do this?"
type AccessReview struct {
	Permission string   `json:"permission"`
	Checked    int      `json:"checked"`
	Allowed    []string `json:"allowed"`
}

// ReviewAccess checks permission for every listed user with at most workers
// checks in flight. Users whose check failed are left out of Allowed and
// their errors are joined into the returned error, alongside the partial
// review.
func ReviewAccess(ctx context.Context, users UserLister, checker Checker, permission string, workers int) (*AccessReview, error) {
	if !IsValidName(permission) {
		return nil, validationErr("invalid permission %q", permission)
	}

	ids, err := users.ListUserIDs(ctx)
	if err != nil {
		return nil, err
	}

	review := &AccessReview{Permission: permission, Checked: len(ids), Allowed: []string{}}
	var mu sync.Mutex

	errs := async.Batch(ctx, ids, workers, 0, func(ctx context.Context, userID string) error {
		result, err := checker.CheckPermission(ctx, PermissionCheck{UserID: userID, Permission: permission})
		if err != nil {
			return fmt.Errorf("user %s: %w", userID, err)
		}
		if result.Allowed {
			mu.Lock()
			review.Allowed = append(review.Allowed, userID)
			mu.Unlock()
		}
		return nil
	})

	sort.Strings(review.Allowed)
	return review, errors.Join(errs...)
}
