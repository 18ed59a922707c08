package apply

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/burnengine/burn/pkg/engine"
	"github.com/burnengine/burn/pkg/stores"
	"github.com/burnengine/burn/pkg/telemetry"
)

// ErrCanceled is returned when Cancel stops an apply.
var ErrCanceled = errors.New("apply canceled")

// Ledger records apply sessions and the actions they executed.
// stores.SQLiteStore implements it.
type Ledger interface {
	CreateSession(ctx context.Context, session *stores.ApplySession) error
	CompleteSession(ctx context.Context, id string, status stores.SessionStatus, restart string, errMsg *string) error
	AppendAction(ctx context.Context, entry *stores.ActionEntry) error
}

// ProgressFunc receives overall progress in ticks.
type ProgressFunc func(done, total int)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *telemetry.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithLedger records sessions and actions.
func WithLedger(l Ledger) Option {
	return func(e *Engine) {
		e.ledger = l
	}
}

// WithParallelCache lets the cache goroutine run ahead of execution.
func WithParallelCache(parallel bool) Option {
	return func(e *Engine) {
		e.parallel = parallel
	}
}

// WithDisableRollback skips rollback on failure.
func WithDisableRollback(disable bool) Option {
	return func(e *Engine) {
		e.disableRollback = disable
	}
}

// WithProgress reports overall progress after every cached and executed package.
func WithProgress(fn ProgressFunc) Option {
	return func(e *Engine) {
		e.progress = fn
	}
}

// Engine applies plans against one detected state.
type Engine struct {
	state    *engine.EngineState
	services router

	logger          *telemetry.Logger
	ledger          Ledger
	parallel        bool
	disableRollback bool
	progress        ProgressFunc

	canceled atomic.Bool
}

// NewEngine creates an engine for state. elevated may be nil when the plan
// has no per-machine work.
func NewEngine(state *engine.EngineState, local, elevated Services, opts ...Option) *Engine {
	e := &Engine{
		state:    state,
		services: router{local: local, elevated: elevated},
		logger:   telemetry.NopLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.NewComponentLogger("apply")
	return e
}

// Cancel asks a running apply to stop. It takes effect between actions; an
// operation already in flight completes first. Rollback follows.
func (e *Engine) Cancel() {
	e.canceled.Store(true)
}

// Canceled reports whether Cancel was called.
func (e *Engine) Canceled() bool {
	return e.canceled.Load()
}

// Result summarizes an apply.
type Result struct {
	SessionID string
	Restart   engine.RestartState

	// RolledBack is true when at least one boundary was rolled back.
	RolledBack bool

	// FailedPackages are non-vital packages whose failure was skipped.
	FailedPackages []string

	// FailedBoundaries are non-vital boundaries that were rolled back.
	FailedBoundaries []string
}

// Apply executes plan. The returned result is valid even when err is set.
func (e *Engine) Apply(ctx context.Context, plan *engine.Plan) (*Result, error) {
	if plan == nil {
		return nil, engine.NewPlanningInputError("plan is nil", nil).WithCode(engine.ErrCodeValidation)
	}

	sessionID := uuid.New().String()
	r := &run{
		engine:     e,
		plan:       plan,
		state:      e.state,
		sessionID:  sessionID,
		logger:     e.logger.WithSessionID(sessionID),
		result:     &Result{SessionID: sessionID, Restart: engine.RestartNone},
		syncpoints: make(map[int]chan struct{}),
		cacheDone:  make(chan struct{}),
		touched:    make(map[int]bool),
		total:      plan.OverallProgressTicksTotal,
	}

	ctx = telemetry.WithApplyContext(ctx, sessionID, plan.BundleID, string(plan.Action))
	r.logger.WithFields(map[string]interface{}{
		"bundle_id": plan.BundleID,
		"action":    plan.Action,
		"parallel":  e.parallel,
	}).Info("Starting apply")

	e.createSession(ctx, r)
	err := r.apply(ctx)
	telemetry.EndApplyContext(ctx, sessionID, string(r.result.Restart), err)
	e.completeSession(ctx, r, err)

	if err != nil {
		r.logger.WithError(err).Error("Apply failed")
	} else {
		r.logger.WithField("restart", r.result.Restart).Info("Apply completed")
	}
	return r.result, err
}

func (e *Engine) createSession(ctx context.Context, r *run) {
	if e.ledger == nil {
		return
	}
	err := e.ledger.CreateSession(ctx, &stores.ApplySession{
		ID:          r.sessionID,
		BundleID:    r.plan.BundleID,
		Action:      string(r.plan.Action),
		Fingerprint: r.plan.Fingerprint(),
		Status:      stores.SessionStatusRunning,
		StartedAt:   time.Now().UTC(),
	})
	if err != nil {
		r.logger.WithError(err).Warn("Failed to record apply session")
		return
	}
	r.recording = true
}

func (e *Engine) completeSession(ctx context.Context, r *run, applyErr error) {
	if !r.recording {
		return
	}

	status := stores.SessionStatusSucceeded
	var msg *string
	if applyErr != nil {
		s := applyErr.Error()
		msg = &s
		switch {
		case errors.Is(applyErr, ErrCanceled):
			status = stores.SessionStatusCanceled
		case r.result.RolledBack:
			status = stores.SessionStatusRolledBack
		default:
			status = stores.SessionStatusFailed
		}
	}

	if err := e.ledger.CompleteSession(context.WithoutCancel(ctx), r.sessionID, status, string(r.result.Restart), msg); err != nil {
		r.logger.WithError(err).Warn("Failed to complete apply session")
	}
}

// run is the state of one Apply call.
type run struct {
	engine    *Engine
	plan      *engine.Plan
	state     *engine.EngineState
	sessionID string
	logger    *telemetry.Logger
	recording bool

	// syncpoints is filled before the goroutines start and only read after.
	syncpoints map[int]chan struct{}
	cacheDone  chan struct{}
	cacheErr   error

	mu     sync.Mutex
	result *Result

	// touched holds the related bundles this run started to change.
	touched map[int]bool

	seq   atomic.Int64
	ticks atomic.Int64
	total int
}

func (r *run) apply(ctx context.Context) error {
	if r.plan.IsEmpty() {
		r.logger.Info("Plan has nothing to apply")
		return nil
	}

	reg := &r.state.Registration
	regSvc, err := r.engine.services.route(r.plan.PerMachine)
	if err != nil {
		return err
	}

	if err := regSvc.BeginSession(ctx, reg, r.plan.RegistrationOperations); err != nil {
		return fmt.Errorf("failed to begin registration session: %w", err)
	}

	applyErr := r.registerDependents(ctx)
	if applyErr == nil {
		applyErr = r.cacheAndExecute(ctx)
	}

	if applyErr != nil {
		r.unwind(ctx, applyErr)
	} else {
		r.clean(ctx)
	}

	// The elevated side is gone after a transport failure.
	if engine.IsTransport(applyErr) && r.plan.PerMachine {
		return applyErr
	}

	keep := reg.Installed
	if applyErr == nil {
		keep = !r.plan.Action.IsUninstall()
	}
	if err := regSvc.EndSession(context.WithoutCancel(ctx), reg, keep, r.result.Restart); err != nil {
		applyErr = errors.Join(applyErr, fmt.Errorf("failed to end registration session: %w", err))
	}
	return applyErr
}

// registerDependents runs the plan's dependent registrations before the chain.
func (r *run) registerDependents(ctx context.Context) error {
	if len(r.plan.RegistrationActions) == 0 {
		return nil
	}
	svc, err := r.engine.services.route(r.plan.PerMachine)
	if err != nil {
		return err
	}
	for _, a := range r.plan.RegistrationActions {
		a := a
		err := r.do(ctx, "dependent-registration", "", false, plain(func(ctx context.Context) error {
			return svc.ProcessDependentRegistration(ctx, a)
		}))
		if err != nil {
			return fmt.Errorf("failed to process %s: %w", a, err)
		}
	}
	return nil
}

// unwind runs the failure path that follows a failed apply: rollback
// registrations and restore the related bundles this run already removed.
func (r *run) unwind(ctx context.Context, applyErr error) {
	if engine.IsTransport(applyErr) || r.rollbackDisabled() {
		return
	}
	ctx = context.WithoutCancel(ctx)

	if svc, err := r.engine.services.route(r.plan.PerMachine); err == nil {
		for _, a := range r.plan.RollbackRegistrationActions {
			a := a
			err := r.do(ctx, "dependent-registration", "", true, plain(func(ctx context.Context) error {
				return svc.ProcessDependentRegistration(ctx, a)
			}))
			if err != nil {
				r.logger.WithError(err).Warn("Failed to roll back dependent registration")
			}
		}
	}

	for _, restore := range r.plan.RestoreRelatedBundles {
		if !r.touched[restore.Index] {
			continue
		}
		action := engine.RelatedBundleAction{
			Index:    restore.Index,
			BundleID: restore.BundleID,
			Action:   restore.Action,
		}
		if err := r.execute(ctx, action, true); err != nil {
			r.logger.WithError(err).WithField("bundle_id", restore.BundleID).Warn("Failed to restore related bundle")
		}
	}
}

// clean removes packages from the cache after a successful apply.
func (r *run) clean(ctx context.Context) {
	for _, action := range r.plan.CleanActions {
		var err error
		switch a := action.(type) {
		case engine.CleanPackage:
			pkg := &r.state.Packages[a.Package.Index]
			err = r.withService(pkg.PerMachine, func(svc Services) error {
				return r.do(ctx, "clean-package", pkg.ID, false, plain(func(ctx context.Context) error {
					return svc.CleanPackage(ctx, pkg.ID)
				}))
			})
		case engine.CleanCompatiblePackage:
			pkg := &r.state.Packages[a.Package.Index]
			err = r.withService(pkg.PerMachine, func(svc Services) error {
				return r.do(ctx, "clean-compatible-package", pkg.ID, false, plain(func(ctx context.Context) error {
					return svc.CleanCompatiblePackage(ctx, pkg.ID, a.ProductCode)
				}))
			})
		}
		if err != nil {
			r.logger.WithError(err).WithField("action", action.String()).Warn("Clean action failed")
		}
	}

	if svc, err := r.engine.services.route(r.plan.PerMachine); err == nil {
		if err := svc.Cleanup(ctx, r.plan.BundleID); err != nil {
			r.logger.WithError(err).Warn("Cache cleanup failed")
		}
	}
}

func (r *run) withService(perMachine bool, fn func(Services) error) error {
	svc, err := r.engine.services.route(perMachine)
	if err != nil {
		return err
	}
	return fn(svc)
}

func (r *run) checkCanceled(ctx context.Context) error {
	if r.engine.canceled.Load() {
		return engine.NewOperationError("apply canceled", ErrCanceled).WithCode(engine.ErrCodeCanceled)
	}
	if err := ctx.Err(); err != nil {
		return engine.NewOperationError("apply canceled", errors.Join(ErrCanceled, err)).WithCode(engine.ErrCodeCanceled)
	}
	return nil
}

func (r *run) addRestart(restart engine.RestartState) {
	r.mu.Lock()
	r.result.Restart = r.result.Restart.Max(restart)
	r.mu.Unlock()
}

func (r *run) tick() {
	done := int(r.ticks.Add(1))
	if r.engine.progress != nil {
		r.engine.progress(done, r.total)
	}
}

// step is one operation; plain wraps those that report no restart.
type step func(ctx context.Context) (engine.RestartState, error)

func plain(fn func(ctx context.Context) error) step {
	return func(ctx context.Context) (engine.RestartState, error) {
		return engine.RestartNone, fn(ctx)
	}
}

// do runs one operation with telemetry, restart aggregation and a ledger row.
func (r *run) do(ctx context.Context, kind, packageID string, rollback bool, fn step) error {
	started := time.Now()
	restart := engine.RestartNone

	err := telemetry.RecordAction(ctx, kind, packageID, rollback, func(ctx context.Context) error {
		var err error
		restart, err = fn(ctx)
		return err
	})
	if err == nil {
		r.addRestart(restart)
	}

	logger := r.logger.WithFields(map[string]interface{}{
		"kind":     kind,
		"rollback": rollback,
	})
	if packageID != "" {
		logger = logger.WithPackageID(packageID)
	}
	if err != nil {
		logger.WithError(err).Debug("Action failed")
	} else {
		logger.Debug("Action completed")
	}

	r.record(ctx, kind, packageID, rollback, started, restart, err)
	return err
}

func (r *run) record(ctx context.Context, kind, packageID string, rollback bool, started time.Time, restart engine.RestartState, actionErr error) {
	if !r.recording {
		return
	}
	entry := &stores.ActionEntry{
		SessionID: r.sessionID,
		Sequence:  r.seq.Add(1),
		Kind:      kind,
		PackageID: packageID,
		Rollback:  rollback,
		Status:    stores.ActionStatusSucceeded,
		Restart:   string(restart),
		StartedAt: started.UTC(),
		Duration:  time.Since(started),
	}
	if actionErr != nil {
		msg := actionErr.Error()
		entry.Status = stores.ActionStatusFailed
		entry.Error = &msg
	}
	if err := r.engine.ledger.AppendAction(context.WithoutCancel(ctx), entry); err != nil {
		r.logger.WithError(err).Warn("Failed to record action")
	}
}

func (r *run) rollbackDisabled() bool {
	return r.engine.disableRollback || r.plan.DisableRollback
}
