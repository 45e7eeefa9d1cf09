package async

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/soundledger/permgate/pkg/observability"
)

// SafeGo runs fn in a goroutine with panic recovery. A positive timeout
// bounds the call; zero leaves it to parentCtx. Errors are logged, not
// returned.
//
// Example:
//
//	SafeGo(ctx, logger, 0, "db stats", func(ctx context.Context) error {
//	    return collectStats(ctx)
//	})
func SafeGo(parentCtx context.Context, logger *observability.Logger, timeout time.Duration, taskName string, fn func(context.Context) error) {
	go func() {
		ctx, cancel := parentCtx, context.CancelFunc(func() {})
		if timeout > 0 {
			ctx, cancel = context.WithTimeout(parentCtx, timeout)
		}
		defer cancel()
		defer observability.RecoverPanic(logger, taskName)

		if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.WithError(err).WithField("task", taskName).Error("background task failed")
		}
	}()
}

// Batch calls fn for every item on at most workers goroutines, each call
// bounded by timeout, and returns the errors of the calls that failed. A
// panicking call is reported as an error. Items not started before ctx is
// done are skipped and reported once as ctx.Err().
//
// Example:
//
//	errs := Batch(ctx, userIDs, 8, time.Second, func(ctx context.Context, id string) error {
//	    return check(ctx, id)
//	})
func Batch[T any](ctx context.Context, items []T, workers int, timeout time.Duration, fn func(context.Context, T) error) []error {
	if workers < 1 {
		workers = 1
	}
	if workers > len(items) {
		workers = len(items)
	}

	var (
		mu   sync.Mutex
		errs []error
		wg   sync.WaitGroup
	)
	report := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

	work := make(chan T)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range work {
				if err := call(ctx, timeout, item, fn); err != nil {
					report(err)
				}
			}
		}()
	}

	skipped := false
feed:
	for _, item := range items {
		if ctx.Err() != nil {
			skipped = true
			break
		}
		select {
		case <-ctx.Done():
			skipped = true
			break feed
		case work <- item:
		}
	}
	close(work)
	wg.Wait()

	if skipped {
		errs = append(errs, ctx.Err())
	}
	return errs
}

func call[T any](ctx context.Context, timeout time.Duration, item T, fn func(context.Context, T) error) (err error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if perr := observability.MustRecover(recover()); perr != nil {
			err = perr
		}
	}()
	return fn(ctx, item)
}
