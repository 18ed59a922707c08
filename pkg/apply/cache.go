package apply

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/burnengine/burn/pkg/engine"
)

// cacheAndExecute runs the cache and execute lists, concurrently when
// parallel caching is enabled.
func (r *run) cacheAndExecute(ctx context.Context) error {
	for _, action := range r.plan.CacheActions {
		if s, ok := action.(engine.SignalSyncpoint); ok {
			r.syncpoints[s.Package.Index] = make(chan struct{})
		}
	}

	if !r.engine.parallel {
		if err := r.cache(ctx); err != nil {
			return err
		}
		return r.executeList(ctx)
	}

	cacheCtx, stopCache := context.WithCancel(ctx)
	defer stopCache()

	var g errgroup.Group
	var cacheErr, execErr error
	g.Go(func() error {
		cacheErr = r.cache(cacheCtx)
		return nil
	})
	g.Go(func() error {
		execErr = r.executeList(ctx)
		if execErr != nil {
			stopCache()
		}
		return nil
	})
	_ = g.Wait()

	if execErr != nil {
		return execErr
	}
	return cacheErr
}

// cache walks the cache list. It always closes cacheDone, after cacheErr is
// set, so waiters can tell a finished cache from a failed one.
func (r *run) cache(ctx context.Context) (err error) {
	defer func() {
		r.cacheErr = err
		close(r.cacheDone)
	}()

	checkpoint := 0
	for _, action := range r.plan.CacheActions {
		if err := r.checkCanceled(ctx); err != nil {
			return r.failCache(ctx, checkpoint, err)
		}

		var actionErr error
		switch a := action.(type) {
		case engine.Checkpoint:
			checkpoint = a.ID

		case engine.AcquireContainer:
			actionErr = r.withService(r.plan.PerMachine, func(svc Services) error {
				return r.do(ctx, "acquire-container", "", false, plain(func(ctx context.Context) error {
					return svc.AcquireContainer(ctx, a.ContainerID, r.progressFor(a.ContainerID))
				}))
			})

		case engine.CachePackage:
			pkg := &r.state.Packages[a.Package.Index]
			actionErr = r.withService(pkg.PerMachine, func(svc Services) error {
				return r.do(ctx, "cache-package", pkg.ID, false, plain(func(ctx context.Context) error {
					return svc.CachePackage(ctx, pkg.ID, a.Containers, r.progressFor(pkg.ID))
				}))
			})
			if actionErr == nil {
				r.tick()
			}

		case engine.SignalSyncpoint:
			if ch, ok := r.syncpoints[a.Package.Index]; ok {
				close(ch)
			}
		}

		if actionErr != nil {
			return r.failCache(ctx, checkpoint, fmt.Errorf("failed to %s: %w", action, actionErr))
		}
	}
	return nil
}

// failCache rolls back the cache list when the plan only caches. Otherwise
// the execute side owns the rollback through its uncache actions.
func (r *run) failCache(ctx context.Context, checkpoint int, err error) error {
	if r.plan.Action != engine.ActionCache || r.rollbackDisabled() || checkpoint == 0 {
		return err
	}
	ctx = context.WithoutCancel(ctx)

	actions := r.plan.RollbackCacheActions
	start := -1
	for i, a := range actions {
		if cp, ok := a.(engine.Checkpoint); ok && cp.ID == checkpoint {
			start = i
			break
		}
	}

	for i := start; i >= 0; i-- {
		a, ok := actions[i].(engine.RollbackCachePackage)
		if !ok {
			continue
		}
		pkg := &r.state.Packages[a.Package.Index]
		if pkg.Cached {
			continue
		}
		rbErr := r.withService(pkg.PerMachine, func(svc Services) error {
			return r.do(ctx, "uncache-package", pkg.ID, true, plain(func(ctx context.Context) error {
				return svc.UncachePackage(ctx, pkg.ID)
			}))
		})
		if rbErr != nil {
			r.logger.WithError(rbErr).WithPackageID(pkg.ID).Warn("Failed to roll back cached package")
		}
	}
	return err
}

// waitCache blocks until the cache side has signaled the package.
func (r *run) waitCache(ctx context.Context, ref engine.PackageRef) error {
	ch, ok := r.syncpoints[ref.Index]
	if !ok {
		return nil
	}

	select {
	case <-ch:
		return nil
	case <-r.cacheDone:
		select {
		case <-ch:
			return nil
		default:
		}
		if r.cacheErr != nil {
			return fmt.Errorf("package %s was not cached: %w", ref.ID, r.cacheErr)
		}
		return errors.New("package " + ref.ID + " was not cached")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *run) progressFor(id string) engine.ProgressFunc {
	return func(percent uint32) {
		r.logger.WithFields(map[string]interface{}{
			"id":      id,
			"percent": percent,
		}).Trace("Progress")
	}
}
