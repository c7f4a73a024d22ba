package async

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// SafeGo executes a function in a goroutine with:
// - Context cancellation support
// - Panic recovery
// - Timeout enforcement
// - Error logging
//
// Use this instead of bare `go func()` to prevent goroutine leaks and crashes.
// A timeout of zero or less runs fn until parentCtx is done.
//
// Example:
//
//	SafeGo(ctx, 15*time.Minute, "export generation", logger, func(ctx context.Context) error {
//	    return manager.generate(ctx, job)
//	})
func SafeGo(parentCtx context.Context, timeout time.Duration, taskName string, logger logrus.FieldLogger, fn func(context.Context) error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	go func() {
		var (
			ctx    context.Context
			cancel context.CancelFunc
		)
		if timeout > 0 {
			ctx, cancel = context.WithTimeout(parentCtx, timeout)
		} else {
			ctx, cancel = context.WithCancel(parentCtx)
		}
		defer cancel()

		defer func() {
			if r := recover(); r != nil {
				logger.WithFields(logrus.Fields{
					"task":  taskName,
					"panic": r,
					"stack": string(debug.Stack()),
				}).Error("PANIC recovered in background task")
			}
		}()

		if err := fn(ctx); err != nil {
			logger.WithError(err).WithField("task", taskName).Warn("background task failed")
		}
	}()
}

// Batch runs fn over items with at most workers in flight and returns one error slot
// per item (nil on success). One item failing does not cancel the others.
//
// Example:
//
//	errs := Batch(ctx, events, 8, 30*time.Second, func(ctx context.Context, e audit.Event) error {
//	    return archiver.Archive(ctx, e)
//	})
func Batch[T any](ctx context.Context, items []T, workers int, timeout time.Duration, fn func(context.Context, T) error) []error {
	errs := make([]error, len(items))
	if len(items) == 0 {
		return errs
	}
	if workers < 1 {
		workers = 1
	}

	var g errgroup.Group
	g.SetLimit(workers)

	for i, item := range items {
		g.Go(func() error {
			errs[i] = runItem(ctx, timeout, item, fn)
			return nil
		})
	}
	_ = g.Wait()

	return errs
}

func runItem[T any](ctx context.Context, timeout time.Duration, item T, fn func(context.Context, T) error) (err error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx, item)
}
