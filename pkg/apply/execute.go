package apply

import (
	"context"
	"fmt"

	"github.com/burnengine/burn/pkg/engine"
	"github.com/burnengine/burn/pkg/telemetry"
)

// executeList walks the execute list in order.
func (r *run) executeList(ctx context.Context) error {
	actions := r.plan.ExecuteActions

	boundary := -1
	checkpoint := 0
	for i := 0; i < len(actions); i++ {
		action := actions[i]

		switch a := action.(type) {
		case engine.RollbackBoundaryStart:
			boundary = a.Boundary.Index
			checkpoint = 0
			continue
		case engine.RollbackBoundaryEnd:
			boundary = -1
			continue
		case engine.Checkpoint:
			checkpoint = a.ID
			telemetry.AddCheckpointEvent(telemetry.SpanFromContext(ctx), uint32(a.ID))
			continue
		case engine.DeletedAction:
			continue
		}

		err := r.checkCanceled(ctx)
		canceled := err != nil
		if !canceled {
			err = r.execute(ctx, action, false)
		}
		if err == nil {
			continue
		}

		if engine.IsTransport(err) {
			r.publishElevatedTerminated(ctx, err)
			return err
		}

		if !canceled && !r.vital(action) {
			r.logger.WithError(err).WithField("action", action.String()).Warn("Non-vital action failed, continuing")
			if id := packageID(action); id != "" {
				r.mu.Lock()
				r.result.FailedPackages = append(r.result.FailedPackages, id)
				r.mu.Unlock()
			}
			continue
		}

		if boundary < 0 || r.rollbackDisabled() {
			return err
		}

		b := r.plan.Boundaries[boundary]
		r.rollbackBoundary(ctx, boundary, checkpoint)
		r.mu.Lock()
		r.result.RolledBack = true
		r.mu.Unlock()

		if b.Vital || canceled {
			return err
		}

		r.logger.WithError(err).WithField("boundary_id", b.ID).Warn("Non-vital boundary rolled back, continuing")
		r.mu.Lock()
		r.result.FailedBoundaries = append(r.result.FailedBoundaries, b.ID)
		r.mu.Unlock()
		i = boundaryEnd(actions, i, boundary)
		boundary = -1
	}
	return nil
}

// boundaryEnd returns the index of the end of the boundary open at from.
func boundaryEnd(actions []engine.ExecuteAction, from, boundary int) int {
	for i := from; i < len(actions); i++ {
		if end, ok := actions[i].(engine.RollbackBoundaryEnd); ok && end.Boundary.Index == boundary {
			return i
		}
	}
	return len(actions)
}

// rollbackBoundary walks the rollback list backward from checkpoint to the
// start of the boundary. In a transaction boundary the transaction rollback
// undoes the msi and msp actions, so it runs first and those are skipped.
func (r *run) rollbackBoundary(ctx context.Context, boundary, checkpoint int) {
	ctx = context.WithoutCancel(ctx)
	actions := r.plan.RollbackActions
	b := r.plan.Boundaries[boundary]

	start := -1
	for i, a := range actions {
		if s, ok := a.(engine.RollbackBoundaryStart); ok && s.Boundary.Index == boundary {
			start = i
			break
		}
	}
	if start < 0 {
		r.logger.WithField("boundary_id", b.ID).Warn("Boundary has no rollback actions")
		return
	}

	from := start
	if checkpoint > 0 {
		for i := start; i < len(actions); i++ {
			if cp, ok := actions[i].(engine.Checkpoint); ok && cp.ID == checkpoint {
				from = i
				break
			}
			if end, ok := actions[i].(engine.RollbackBoundaryEnd); ok && end.Boundary.Index == boundary {
				break
			}
		}
	}

	r.logger.WithFields(map[string]interface{}{
		"boundary_id": b.ID,
		"checkpoint":  checkpoint,
		"transaction": b.Transaction,
	}).Warn("Rolling back boundary")
	if tel := telemetry.FromTelemetryContext(ctx); tel != nil {
		tel.Metrics.RecordRollback(b.Transaction)
		_ = tel.Events.PublishRollbackStarted(r.sessionID, b.ID, uint32(checkpoint))
	}

	if b.Transaction {
		ref := engine.BoundaryRef{Index: boundary, ID: b.ID}
		if err := r.execute(ctx, engine.RollbackMsiTransaction{Boundary: ref}, true); err != nil {
			r.logger.WithError(err).Warn("Failed to roll back msi transaction")
		}
	}

	for i := from; i > start; i-- {
		action := actions[i]
		switch action.(type) {
		case engine.Checkpoint, engine.RollbackMsiTransaction, engine.DeletedAction:
			continue
		case engine.MsiPackageAction, engine.MspTargetAction:
			if b.Transaction {
				continue
			}
		}
		if err := r.execute(ctx, action, true); err != nil {
			r.logger.WithError(err).WithField("action", action.String()).Warn("Rollback action failed, continuing")
		}
	}
}

// vital reports whether a failure of action fails its boundary.
func (r *run) vital(action engine.ExecuteAction) bool {
	switch a := action.(type) {
	case engine.ExecutePackage:
		return r.state.Packages[a.Execution().Package.Index].Vital
	case engine.MspTargetAction:
		return r.state.Packages[a.Package.Index].Vital
	case engine.RelatedBundleAction, engine.UninstallMsiCompatiblePackage:
		return false
	}
	return true
}

func packageID(action engine.ExecuteAction) string {
	switch a := action.(type) {
	case engine.ExecutePackage:
		return a.Execution().Package.ID
	case engine.MspTargetAction:
		return a.Package.ID
	case engine.UninstallMsiCompatiblePackage:
		return a.Package.ID
	case engine.RelatedBundleAction:
		return a.BundleID
	}
	return ""
}

// execute runs one execute or rollback action.
func (r *run) execute(ctx context.Context, action engine.ExecuteAction, rollback bool) error {
	switch a := action.(type) {
	case engine.WaitCachePackage:
		if rollback {
			return nil
		}
		return r.waitCache(ctx, a.Package)

	case engine.UncachePackage:
		pkg := &r.state.Packages[a.Package.Index]
		return r.withService(pkg.PerMachine, func(svc Services) error {
			return r.do(ctx, "uncache-package", pkg.ID, rollback, plain(func(ctx context.Context) error {
				return svc.UncachePackage(ctx, pkg.ID)
			}))
		})

	case engine.BeginMsiTransaction:
		return r.withService(r.plan.PerMachine, func(svc Services) error {
			return r.do(ctx, "begin-msi-transaction", "", rollback, plain(func(ctx context.Context) error {
				return svc.BeginTransaction(ctx, a.Boundary.ID)
			}))
		})

	case engine.CommitMsiTransaction:
		return r.withService(r.plan.PerMachine, func(svc Services) error {
			return r.do(ctx, "commit-msi-transaction", "", rollback, func(ctx context.Context) (engine.RestartState, error) {
				return svc.CommitTransaction(ctx, a.Boundary.ID)
			})
		})

	case engine.RollbackMsiTransaction:
		return r.withService(r.plan.PerMachine, func(svc Services) error {
			return r.do(ctx, "rollback-msi-transaction", "", rollback, func(ctx context.Context) (engine.RestartState, error) {
				return svc.RollbackTransaction(ctx, a.Boundary.ID)
			})
		})

	case engine.MspTargetAction:
		pkg := &r.state.Packages[a.Package.Index]
		req := &engine.ExecuteRequest{
			PackageID:   pkg.ID,
			Type:        engine.PackageTypeMsp,
			Action:      a.Action,
			Rollback:    rollback,
			PerMachine:  a.PerMachine,
			ProductCode: a.ProductCode,
			Patches:     refIDs(a.Patches),
		}
		return r.executePackage(ctx, "msp-target", req)

	case engine.ExecutePackage:
		exec := a.Execution()
		pkg := &r.state.Packages[exec.Package.Index]
		req := &engine.ExecuteRequest{
			PackageID:   pkg.ID,
			Type:        pkg.Type(),
			Action:      exec.Action,
			Rollback:    rollback,
			PerMachine:  pkg.PerMachine,
			ProductCode: pkg.ProductCode(),
			Arguments:   pkg.Arguments(exec.Action),
		}
		if msi, ok := a.(engine.MsiPackageAction); ok {
			req.Patches = refIDs(msi.SlipstreamPatches)
		}
		return r.executePackage(ctx, string(pkg.Type())+"-package", req)

	case engine.UninstallMsiCompatiblePackage:
		pkg := &r.state.Packages[a.Package.Index]
		req := &engine.ExecuteRequest{
			PackageID:   pkg.ID,
			Type:        engine.PackageTypeMsi,
			Action:      engine.ActionStateUninstall,
			Rollback:    rollback,
			PerMachine:  pkg.PerMachine,
			ProductCode: a.ProductCode,
			Compatible:  true,
		}
		return r.executePackage(ctx, "uninstall-msi-compatible", req)

	case engine.RelatedBundleAction:
		rb := &r.state.RelatedBundles[a.Index]
		req := &engine.ExecuteRequest{
			PackageID:          rb.BundleID,
			Type:               engine.PackageTypeBundle,
			Action:             a.Action,
			Rollback:           rollback,
			PerMachine:         rb.PerMachine,
			Related:            true,
			BundleID:           rb.BundleID,
			IgnoreDependencies: a.IgnoreDependencies,
		}
		if !rollback {
			r.mu.Lock()
			r.touched[a.Index] = true
			r.mu.Unlock()
		}
		return r.executePackage(ctx, "related-bundle", req)

	case engine.PackageProviderAction:
		pkg := &r.state.Packages[a.Package.Index]
		providers := pkg.Providers
		if a.Compatible && pkg.Compatible != nil {
			providers = []engine.DependencyProvider{{Key: pkg.Compatible.ProviderKey, Version: pkg.Compatible.Version}}
		}
		return r.withService(pkg.PerMachine, func(svc Services) error {
			return r.do(ctx, "package-provider", pkg.ID, rollback, plain(func(ctx context.Context) error {
				return svc.ExecutePackageProviderAction(ctx, pkg.ID, providers, a.Action)
			}))
		})

	case engine.PackageDependencyAction:
		pkg := &r.state.Packages[a.Package.Index]
		providers := pkg.Providers
		if a.Compatible && pkg.Compatible != nil {
			providers = []engine.DependencyProvider{{Key: pkg.Compatible.ProviderKey, Version: pkg.Compatible.Version}}
		}
		return r.withService(pkg.PerMachine, func(svc Services) error {
			return r.do(ctx, "package-dependency", pkg.ID, rollback, plain(func(ctx context.Context) error {
				return svc.ExecutePackageDependencyAction(ctx, pkg.ID, providers, a.BundleProviderKey, a.Action)
			}))
		})

	case engine.Checkpoint, engine.RollbackBoundaryStart, engine.RollbackBoundaryEnd, engine.DeletedAction:
		return nil
	}

	return fmt.Errorf("unsupported execute action %s", action)
}

// executePackage runs a package, related bundle or compatible uninstall and
// publishes its events.
func (r *run) executePackage(ctx context.Context, kind string, req *engine.ExecuteRequest) error {
	if req.Action.IsNone() {
		return nil
	}
	svc, err := r.engine.services.route(req.PerMachine)
	if err != nil {
		return err
	}

	tel := telemetry.FromTelemetryContext(ctx)
	if tel != nil {
		_ = tel.Events.PublishPackageStarted(r.sessionID, req.PackageID, string(req.Action), req.Rollback)
	}

	var restart engine.RestartState
	timer := telemetry.NewTimer()
	err = r.do(ctx, kind, req.PackageID, req.Rollback, func(ctx context.Context) (engine.RestartState, error) {
		var err error
		restart, err = svc.ExecutePackage(ctx, req, r.progressFor(req.PackageID))
		return restart, err
	})

	if !req.Rollback && !req.Compatible && err == nil {
		r.tick()
	}
	if tel != nil {
		if err != nil {
			vital := true
			if idx := r.state.PackageIndex(req.PackageID); idx >= 0 && !req.Related {
				vital = r.state.Packages[idx].Vital
			} else if req.Related {
				vital = false
			}
			_ = tel.Events.PublishPackageFailed(r.sessionID, req.PackageID, err.Error(), vital)
		} else {
			_ = tel.Events.PublishPackageCompleted(r.sessionID, req.PackageID, string(restart), timer.Duration())
		}
	}
	return err
}

func (r *run) publishElevatedTerminated(ctx context.Context, err error) {
	if tel := telemetry.FromTelemetryContext(ctx); tel != nil {
		_ = tel.Events.PublishElevatedTerminated(r.sessionID, err.Error())
	}
}

func refIDs(refs []engine.PackageRef) []string {
	if len(refs) == 0 {
		return nil
	}
	ids := make([]string, len(refs))
	for i, ref := range refs {
		ids[i] = ref.ID
	}
	return ids
}
