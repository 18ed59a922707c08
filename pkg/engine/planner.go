package engine

import (
	"context"
	"fmt"
	"slices"
	"sort"

	"github.com/burnengine/burn/pkg/telemetry"
)

// PlanObserver lets the bootstrapper application override planning defaults.
// Overrides take precedence over the default request states, and every
// downstream decision uses the overridden values.
type PlanObserver interface {
	// PlanPackage returns the request state to use for a chain package.
	PlanPackage(pkg *Package, requested RequestState) RequestState

	// PlanRelatedBundle returns the relation and request state to use for a related bundle.
	PlanRelatedBundle(bundle *RelatedBundle, relation RelationType, requested RequestState) (RelationType, RequestState)
}

// PlannerOption configures a Planner.
type PlannerOption func(*Planner)

// WithObserver installs a plan observer.
func WithObserver(observer PlanObserver) PlannerOption {
	return func(p *Planner) {
		p.observer = observer
	}
}

// WithDisableRollback marks produced plans as not rolling back on failure.
func WithDisableRollback(disable bool) PlannerOption {
	return func(p *Planner) {
		p.disableRollback = disable
	}
}

// Planner turns detected engine state into a Plan. Planning is deterministic
// and has no side effects beyond writing planned fields into the state.
type Planner struct {
	logger          *telemetry.Logger
	observer        PlanObserver
	disableRollback bool
}

// NewPlanner creates a planner.
func NewPlanner(logger *telemetry.Logger, opts ...PlannerOption) *Planner {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	p := &Planner{
		logger: logger.NewComponentLogger("planner"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// planBuilder holds the state of a single Plan call.
type planBuilder struct {
	planner *Planner
	state   *EngineState
	plan    *Plan
	action  Action

	currentBoundary int
	defaultBoundary int
	startedBoundary map[int]bool

	acquiredContainers map[string]bool

	// mspTargets maps product|action|boundary to the list positions of a
	// live msp-target action, so patches for one target merge.
	mspTargets map[string]mspTargetSlot
}

type mspTargetSlot struct {
	execute  int
	rollback int
}

// Plan produces a plan for action against state.
func (p *Planner) Plan(ctx context.Context, state *EngineState, action Action) (*Plan, error) {
	tel := telemetry.FromTelemetryContext(ctx)
	if tel == nil {
		return p.plan(ctx, state, action)
	}

	var bundleID string
	if state != nil {
		bundleID = state.Registration.BundleID
	}
	ctx, span := tel.Tracer.StartPlanSpan(ctx, bundleID, string(action))
	defer span.End()

	result, err := p.plan(ctx, state, action)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	telemetry.RecordSuccess(span)

	tel.Metrics.RecordPlannedActions("cache", len(result.CacheActions))
	tel.Metrics.RecordPlannedActions("execute", len(result.LiveExecuteActions()))
	tel.Metrics.RecordPlannedActions("rollback", len(result.LiveRollbackActions()))
	tel.Metrics.RecordPlannedActions("clean", len(result.CleanActions))
	return result, nil
}

func (p *Planner) plan(ctx context.Context, state *EngineState, action Action) (*Plan, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if state == nil {
		return nil, NewPlanningInputError("engine state is nil", nil).WithCode(ErrCodeValidation)
	}
	if err := action.Validate(); err != nil {
		return nil, NewPlanningInputError("invalid plan action", err).WithCode(ErrCodeValidation)
	}

	reg := &state.Registration
	logger := p.logger.WithFields(map[string]interface{}{
		"action":    string(action),
		"bundle_id": reg.BundleID,
	})

	b := &planBuilder{
		planner: p,
		state:   state,
		action:  action,
		plan: &Plan{
			Action:          action,
			BundleID:        reg.BundleID,
			ProviderKey:     reg.ProviderKey,
			PerMachine:      reg.PerMachine,
			DisableRollback: p.disableRollback,
		},
		currentBoundary:    -1,
		defaultBoundary:    -1,
		startedBoundary:    make(map[int]bool),
		acquiredContainers: make(map[string]bool),
		mspTargets:         make(map[string]mspTargetSlot),
	}

	if err := b.initialize(); err != nil {
		return nil, err
	}

	if b.isDowngrade() {
		logger.Warn("newer related bundle forbids downgrade, planning nothing")
		b.plan.Downgrade = true
		b.plan.RegistrationOperations = RegistrationOperationWriteProviderKey
		b.plan.PlannedProviders = []PlannedProvider{b.bundleProvider()}
		return b.plan, nil
	}

	b.planRegistration()

	if err := b.planPackageStates(); err != nil {
		return nil, err
	}
	b.planRelatedBundleStates()

	before, after := b.relatedBundleOrder()
	for _, idx := range before {
		b.emitRelatedBundle(idx)
	}
	if err := b.emitChain(); err != nil {
		return nil, err
	}
	for _, idx := range after {
		b.emitRelatedBundle(idx)
	}

	b.planClean()
	b.planProviders()
	b.computeTotals()

	logger.WithFields(map[string]interface{}{
		"cache_actions":     len(b.plan.CacheActions),
		"execute_actions":   len(b.plan.ExecuteActions),
		"execute_packages":  b.plan.ExecutePackagesTotal,
		"progress_ticks":    b.plan.OverallProgressTicksTotal,
		"disallow_removal":  b.plan.DisallowRemoval,
		"estimated_size":    b.plan.EstimatedSize,
		"cache_size_total":  b.plan.CacheSizeTotal,
		"registration_ops":  uint32(b.plan.RegistrationOperations),
		"restore_bundles":   len(b.plan.RestoreRelatedBundles),
		"planned_providers": len(b.plan.PlannedProviders),
	}).Info("plan complete")

	return b.plan, nil
}

// initialize resets planned state and validates references.
func (b *planBuilder) initialize() error {
	seen := make(map[string]bool, len(b.state.RollbackBoundaries))
	for _, rb := range b.state.RollbackBoundaries {
		if rb.ID == "" {
			return NewPlanningInputError("rollback boundary without id", nil).WithCode(ErrCodeInvalidBoundary)
		}
		if seen[rb.ID] {
			return NewPlanningInputError("rollback boundary declared twice", nil).
				WithCode(ErrCodeDuplicateBoundary).WithResource(rb.ID)
		}
		seen[rb.ID] = true
	}
	b.plan.Boundaries = append([]RollbackBoundary(nil), b.state.RollbackBoundaries...)
	if idx := b.state.BoundaryIndex(DefaultRollbackBoundaryID); idx >= 0 {
		b.defaultBoundary = idx
	}

	ids := make(map[string]bool, len(b.state.Packages))
	for i := range b.state.Packages {
		pkg := &b.state.Packages[i]
		if pkg.ID == "" || pkg.Details == nil {
			return NewPlanningInputError("package without id or type", nil).
				WithCode(ErrCodeInvalidPackage).WithResource(pkg.ID)
		}
		if ids[pkg.ID] {
			return NewPlanningInputError("package declared twice", nil).
				WithCode(ErrCodeInvalidPackage).WithResource(pkg.ID)
		}
		ids[pkg.ID] = true
		for _, id := range []string{pkg.RollbackBoundaryForward, pkg.RollbackBoundaryBackward} {
			if id != "" && !seen[id] {
				return NewPlanningInputError("package references unknown rollback boundary", nil).
					WithCode(ErrCodeInvalidBoundary).WithResource(pkg.ID).WithDetail("boundary", id)
			}
		}
		for _, c := range pkg.Containers {
			if _, err := b.state.container(c); err != nil {
				return NewPlanningInputError("package references unknown container", err).
					WithCode(ErrCodeNotFound).WithResource(pkg.ID)
			}
		}
		pkg.resetPlan()
	}

	// Reference checks need every id known first.
	for i := range b.state.Packages {
		pkg := &b.state.Packages[i]
		if msi := pkg.msi(); msi != nil {
			for _, patch := range msi.SlipstreamPatches {
				idx := b.state.PackageIndex(patch)
				if idx < 0 || b.state.Packages[idx].Type() != PackageTypeMsp {
					return NewPlanningInputError("slipstream patch is not an msp package", nil).
						WithCode(ErrCodeNotFound).WithResource(pkg.ID).WithDetail("patch", patch)
				}
				if !b.state.Packages[idx].msp().slipstreamsInto(pkg.ID) {
					return NewPlanningInputError("slipstream patch does not mark the package as a slipstream target", nil).
						WithCode(ErrCodeSlipstreamMismatch).WithResource(pkg.ID).WithDetail("patch", patch)
				}
			}
		}
		if msp := pkg.msp(); msp != nil {
			for _, t := range msp.Targets {
				if t.Package == "" {
					if t.Slipstream {
						return NewPlanningInputError("slipstream target without a package", nil).
							WithCode(ErrCodeSlipstreamMismatch).WithResource(pkg.ID)
					}
					continue
				}
				idx := b.state.PackageIndex(t.Package)
				if idx < 0 {
					return NewPlanningInputError("patch target references unknown package", nil).
						WithCode(ErrCodeNotFound).WithResource(pkg.ID).WithDetail("target", t.Package)
				}
				if t.Slipstream {
					target := b.state.Packages[idx].msi()
					if target == nil || !slices.Contains(target.SlipstreamPatches, pkg.ID) {
						return NewPlanningInputError("slipstream target does not list the patch", nil).
							WithCode(ErrCodeSlipstreamMismatch).WithResource(pkg.ID).WithDetail("target", t.Package)
					}
				}
			}
		}
	}

	for i := range b.state.RelatedBundles {
		b.state.RelatedBundles[i].resetPlan()
	}
	return nil
}

func (b *planBuilder) isDowngrade() bool {
	switch b.action {
	case ActionInstall, ActionModify, ActionRepair:
	default:
		return false
	}
	for i := range b.state.RelatedBundles {
		rb := &b.state.RelatedBundles[i]
		if rb.DetectedRelation == RelationUpgrade && !rb.AllowsDowngrade &&
			CompareVersions(rb.Version, b.state.Registration.Version) > 0 {
			return true
		}
	}
	return false
}

// planRegistration plans the bundle level dependent registration and
// registration operations.
func (b *planBuilder) planRegistration() {
	reg := &b.state.Registration
	plan := b.plan

	if b.action.IsUninstall() && b.action != ActionUnsafeUninstall {
		if blockers := blockingDependents(reg); len(blockers) > 0 {
			b.planner.logger.WithField("dependents", blockers).
				Warn("bundle has dependents, removal disallowed")
			plan.DisallowRemoval = true
		}
	}

	parentRegistered := false
	for _, d := range reg.Dependents {
		if d == reg.ParentID {
			parentRegistered = true
		}
	}

	switch b.action {
	case ActionInstall, ActionModify, ActionRepair:
		if reg.ParentID != "" && !parentRegistered {
			plan.RegistrationActions = append(plan.RegistrationActions, DependentRegistration{
				Action: DependencyActionRegister, BundleID: reg.ParentID, ProviderKey: reg.ProviderKey,
			})
			plan.RollbackRegistrationActions = append(plan.RollbackRegistrationActions, DependentRegistration{
				Action: DependencyActionUnregister, BundleID: reg.ParentID, ProviderKey: reg.ProviderKey,
			})
		}
		plan.RegistrationOperations = RegistrationOperationCacheBundle |
			RegistrationOperationWriteProviderKey | RegistrationOperationWriteRegistration
		if reg.SystemComponent {
			plan.RegistrationOperations |= RegistrationOperationArpSystemComponent
		}
	case ActionUninstall, ActionUnsafeUninstall:
		if reg.ParentID != "" && parentRegistered {
			plan.RegistrationActions = append(plan.RegistrationActions, DependentRegistration{
				Action: DependencyActionUnregister, BundleID: reg.ParentID, ProviderKey: reg.ProviderKey,
			})
			plan.RollbackRegistrationActions = append(plan.RollbackRegistrationActions, DependentRegistration{
				Action: DependencyActionRegister, BundleID: reg.ParentID, ProviderKey: reg.ProviderKey,
			})
		}
		if plan.DisallowRemoval {
			plan.RegistrationOperations = RegistrationOperationWriteProviderKey | RegistrationOperationWriteRegistration
			if reg.SystemComponent {
				plan.RegistrationOperations |= RegistrationOperationArpSystemComponent
			}
		}
	case ActionCache:
		plan.RegistrationOperations = RegistrationOperationCacheBundle | RegistrationOperationWriteProviderKey
	}
}

func (b *planBuilder) defaultRequest(pkg *Package) RequestState {
	switch b.action {
	case ActionInstall, ActionModify:
		return RequestStatePresent
	case ActionRepair:
		return RequestStateRepair
	case ActionCache:
		return RequestStateCache
	case ActionUninstall:
		if pkg.Permanent {
			return RequestStateNone
		}
		return RequestStateAbsent
	case ActionUnsafeUninstall:
		if pkg.Permanent {
			return RequestStateNone
		}
		return RequestStateForceAbsent
	}
	return RequestStateNone
}

// planPackageStates computes request, execute, rollback and cache decisions
// for every package before any action is emitted.
func (b *planBuilder) planPackageStates() error {
	reg := &b.state.Registration
	ignoreAll := b.action == ActionUnsafeUninstall

	for i := range b.state.Packages {
		pkg := &b.state.Packages[i]

		requested := b.defaultRequest(pkg)
		if b.planner.observer != nil {
			requested = b.planner.observer.PlanPackage(pkg, requested)
			if err := requested.Validate(); err != nil {
				return NewPlanningInputError("observer returned invalid request state", err).
					WithCode(ErrCodeValidation).WithResource(pkg.ID)
			}
		}
		if b.plan.DisallowRemoval {
			requested = RequestStateNone
		}
		pkg.Requested = requested

		if b.plan.DisallowRemoval {
			pkg.ExpectedInstallRegistration = RegistrationStateIgnored
			pkg.ExpectedCacheRegistration = RegistrationStateUnknown
			continue
		}

		if msp := pkg.msp(); msp != nil {
			for t := range msp.Targets {
				target := &msp.Targets[t]
				target.Execute, target.Rollback = calculateActions(pkg, target.State, requested)
				if pkg.Execute.IsNone() {
					pkg.Execute, pkg.Rollback = target.Execute, target.Rollback
				}
			}
		} else {
			pkg.Execute, pkg.Rollback = calculateActions(pkg, pkg.CurrentState, requested)
		}

		// A provider still depended upon by someone else keeps its package installed.
		if requested.WantsAbsent() && pkg.Execute == ActionStateUninstall && !ignoreAll &&
			requested != RequestStateForceAbsent && providerHasOtherDependents(pkg, reg) {
			b.planner.logger.WithField("package_id", pkg.ID).
				Info("package provider has other dependents, package kept")
			pkg.Execute = ActionStateNone
			pkg.Rollback = ActionStateNone
			if msp := pkg.msp(); msp != nil {
				for t := range msp.Targets {
					msp.Targets[t].Execute = ActionStateNone
					msp.Targets[t].Rollback = ActionStateNone
				}
			}
			pkg.ExpectedInstallRegistration = RegistrationStateIgnored
		}

		pkg.CacheThisPlan = !pkg.Cached && (pkg.Execute.NeedsPayload() ||
			requested == RequestStateCache ||
			(pkg.Execute == ActionStateUninstall && (pkg.Type() == PackageTypeExe || pkg.Type() == PackageTypeBundle)))

		if pkg.ExpectedInstallRegistration != RegistrationStateIgnored {
			pkg.ExpectedInstallRegistration = expectedInstallRegistration(pkg)
		}
		pkg.ExpectedCacheRegistration = expectedCacheRegistration(pkg)

		if pkg.Compatible != nil && pkg.Compatible.Detected && requested.WantsAbsent() {
			others := otherDependents(pkg.Compatible.Dependents, reg)
			if !others || ignoreAll || requested == RequestStateForceAbsent {
				pkg.Compatible.Remove = true
			}
		}

		b.planner.logger.WithFields(map[string]interface{}{
			"package_id": pkg.ID,
			"current":    string(pkg.CurrentState),
			"requested":  string(pkg.Requested),
			"execute":    string(pkg.Execute),
			"rollback":   string(pkg.Rollback),
			"cache":      pkg.CacheThisPlan,
		}).Debug("planned package")
	}
	return nil
}

// calculateActions is the execute and rollback state machine.
func calculateActions(pkg *Package, current PackageState, requested RequestState) (execute, rollback ActionState) {
	execute = ActionStateNone
	switch current {
	case PackageStatePresent:
		switch requested {
		case RequestStateRepair, RequestStateForcePresent:
			execute = ActionStateRepair
		case RequestStateAbsent, RequestStateForceAbsent:
			if !pkg.Permanent {
				execute = ActionStateUninstall
			}
		}
	case PackageStateSuperseded, PackageStateObsolete:
		if requested.WantsAbsent() && !pkg.Permanent {
			execute = ActionStateUninstall
		}
	default:
		if requested.WantsPresent() {
			execute = ActionStateInstall
		}
	}

	if exe := pkg.exe(); exe != nil {
		if execute == ActionStateRepair && !exe.Repairable {
			execute = ActionStateNone
		}
		if execute == ActionStateUninstall && !exe.Uninstallable {
			execute = ActionStateNone
		}
	}
	if pkg.Type() == PackageTypeMsu && execute == ActionStateRepair {
		execute = ActionStateNone
	}

	rollback = ActionStateNone
	switch execute {
	case ActionStateInstall:
		if !pkg.Permanent {
			rollback = ActionStateUninstall
		}
	case ActionStateUninstall:
		rollback = ActionStateInstall
	}
	if rollback == ActionStateUninstall {
		if exe := pkg.exe(); exe != nil && !exe.Uninstallable {
			rollback = ActionStateNone
		}
	}
	return execute, rollback
}

func providerHasOtherDependents(pkg *Package, reg *Registration) bool {
	for i := range pkg.Providers {
		dp := &pkg.Providers[i]
		if dp.Exists && otherDependents(dp.Dependents, reg) && !ignoresAll(reg, dp.Dependents) {
			return true
		}
	}
	return false
}

func expectedInstallRegistration(pkg *Package) RegistrationState {
	switch pkg.Execute {
	case ActionStateInstall, ActionStateRepair, ActionStateModify, ActionStateMinorUpgrade:
		return RegistrationStatePresent
	case ActionStateUninstall:
		return RegistrationStateAbsent
	}
	if pkg.CurrentState.IsInstalled() {
		return RegistrationStatePresent
	}
	return RegistrationStateAbsent
}

func expectedCacheRegistration(pkg *Package) RegistrationState {
	switch {
	case pkg.Requested == RequestStateCache || pkg.ExpectedInstallRegistration == RegistrationStatePresent:
		if pkg.Cached || pkg.CacheThisPlan {
			return RegistrationStatePresent
		}
	case pkg.ExpectedInstallRegistration == RegistrationStateAbsent && !pkg.Permanent:
		return RegistrationStateAbsent
	}
	return RegistrationStateUnknown
}

func relationPrecedence(r RelationType) int {
	switch r {
	case RelationAddon:
		return 1
	case RelationPatch:
		return 2
	case RelationDependentAddon:
		return 3
	case RelationDependentPatch:
		return 4
	case RelationUpgrade:
		return 5
	}
	return 6
}

// DetectOrder returns the indices of the related bundles in detection order.
func DetectOrder(bundles []RelatedBundle) []int {
	idx := make([]int, len(bundles))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return relationPrecedence(bundles[idx[a]].DetectedRelation) < relationPrecedence(bundles[idx[b]].DetectedRelation)
	})
	return idx
}

func (b *planBuilder) planRelatedBundleStates() {
	reg := &b.state.Registration
	for i := range b.state.RelatedBundles {
		rb := &b.state.RelatedBundles[i]
		relation := rb.DetectedRelation
		if relation == "" {
			relation = RelationNone
		}
		rb.DefaultPlanRelation = relation

		requested := RequestStateNone
		switch relation {
		case RelationUpgrade:
			if (b.action == ActionInstall || b.action == ActionModify || b.action == ActionRepair) &&
				CompareVersions(rb.Version, reg.Version) <= 0 {
				requested = RequestStateAbsent
			}
		case RelationAddon, RelationPatch:
			switch {
			case b.action.IsUninstall():
				requested = RequestStateAbsent
			case b.action == ActionRepair:
				requested = RequestStateRepair
			}
		case RelationDependentAddon, RelationDependentPatch:
			if b.action == ActionRepair {
				requested = RequestStateRepair
			}
		}

		if b.planner.observer != nil {
			relation, requested = b.planner.observer.PlanRelatedBundle(rb, relation, requested)
		}
		if b.plan.DisallowRemoval || b.action == ActionCache {
			requested = RequestStateNone
		}
		rb.PlanRelation = relation
		rb.Requested = requested

		if !rb.Plannable {
			if requested != RequestStateNone {
				b.planner.logger.WithFields(map[string]interface{}{
					"bundle_id": rb.BundleID,
					"requested": string(requested),
				}).Warn("related bundle is not plannable, skipping")
			}
			continue
		}

		switch requested {
		case RequestStateAbsent, RequestStateForceAbsent:
			rb.Execute = ActionStateUninstall
			if relation != RelationUpgrade {
				rb.Rollback = ActionStateInstall
			}
		case RequestStateRepair, RequestStateForcePresent:
			rb.Execute = ActionStateRepair
		}
	}
}

// relatedBundleOrder splits the plannable related bundles into those
// executed before the chain and those executed after it.
func (b *planBuilder) relatedBundleOrder() (before, after []int) {
	bundles := b.state.RelatedBundles
	idx := make([]int, 0, len(bundles))
	for i := range bundles {
		if !bundles[i].Execute.IsNone() {
			idx = append(idx, i)
		}
	}

	key := func(i int) int {
		r := bundles[i].PlanRelation
		if r == RelationUpgrade {
			return 0
		}
		return relationPrecedence(r)
	}
	sort.SliceStable(idx, func(x, y int) bool { return key(idx[x]) < key(idx[y]) })

	if !b.action.IsUninstall() {
		return nil, idx
	}
	for i := len(idx) - 1; i >= 0; i-- {
		if bundles[idx[i]].PlanRelation == RelationUpgrade {
			after = append(after, idx[i])
		} else {
			before = append(before, idx[i])
		}
	}
	return before, after
}

func (b *planBuilder) emitRelatedBundle(i int) {
	rb := &b.state.RelatedBundles[i]
	reg := &b.state.Registration

	ignore := reg.IgnoreDependenciesString()
	if rb.PlanRelation == RelationUpgrade {
		ignore = reg.ProviderKey
	}
	b.plan.ExecuteActions = append(b.plan.ExecuteActions, RelatedBundleAction{
		Index: i, BundleID: rb.BundleID, Action: rb.Execute, IgnoreDependencies: ignore,
	})
	if !rb.Rollback.IsNone() {
		b.plan.RollbackActions = append(b.plan.RollbackActions, RelatedBundleAction{
			Index: i, BundleID: rb.BundleID, Action: rb.Rollback, IgnoreDependencies: ignore,
		})
	}
	if rb.PlanRelation == RelationUpgrade && rb.Execute == ActionStateUninstall {
		b.plan.RestoreRelatedBundles = append(b.plan.RestoreRelatedBundles, RestoreRelatedBundle{
			Index: i, BundleID: rb.BundleID, Action: ActionStateInstall,
		})
	}
	if rb.PerMachine {
		b.plan.PerMachine = true
	}
}

// emitChain walks the chain in apply order and emits cache, execute and
// rollback actions for every package.
func (b *planBuilder) emitChain() error {
	n := len(b.state.Packages)
	for k := 0; k < n; k++ {
		i := k
		if b.action.IsUninstall() {
			i = n - 1 - k
		}
		if err := b.emitPackage(i); err != nil {
			return err
		}
	}
	b.closeBoundary()
	return nil
}

func (b *planBuilder) boundaryFor(pkg *Package) int {
	id := pkg.RollbackBoundaryForward
	if b.action.IsUninstall() {
		id = pkg.RollbackBoundaryBackward
	}
	if id != "" {
		return b.state.BoundaryIndex(id)
	}
	if b.currentBoundary >= 0 {
		return b.currentBoundary
	}
	if b.defaultBoundary < 0 {
		b.plan.Boundaries = append(b.plan.Boundaries, RollbackBoundary{ID: DefaultRollbackBoundaryID, Vital: true})
		b.defaultBoundary = len(b.plan.Boundaries) - 1
	}
	return b.defaultBoundary
}

func (b *planBuilder) boundaryRef(idx int) BoundaryRef {
	return BoundaryRef{Index: idx, ID: b.plan.Boundaries[idx].ID}
}

func (b *planBuilder) enterBoundary(idx int) error {
	if idx == b.currentBoundary {
		return nil
	}
	if b.startedBoundary[idx] {
		return NewPlanningInputError("rollback boundary started twice", nil).
			WithCode(ErrCodeDuplicateBoundary).WithResource(b.plan.Boundaries[idx].ID)
	}
	b.closeBoundary()

	b.startedBoundary[idx] = true
	b.currentBoundary = idx
	ref := b.boundaryRef(idx)
	b.execute(RollbackBoundaryStart{Boundary: ref})
	b.rollback(RollbackBoundaryStart{Boundary: ref})
	if b.plan.Boundaries[idx].Transaction {
		b.execute(BeginMsiTransaction{Boundary: ref})
		b.rollback(RollbackMsiTransaction{Boundary: ref})
	}
	return nil
}

func (b *planBuilder) closeBoundary() {
	if b.currentBoundary < 0 {
		return
	}
	ref := b.boundaryRef(b.currentBoundary)
	if b.plan.Boundaries[b.currentBoundary].Transaction {
		b.execute(CommitMsiTransaction{Boundary: ref})
	}
	cp := b.plan.nextCheckpoint()
	b.execute(cp)
	b.execute(RollbackBoundaryEnd{Boundary: ref})
	b.rollback(cp)
	b.rollback(RollbackBoundaryEnd{Boundary: ref})
	b.currentBoundary = -1
}

func (b *planBuilder) execute(a ExecuteAction) {
	b.plan.ExecuteActions = append(b.plan.ExecuteActions, a)
}

func (b *planBuilder) rollback(a ExecuteAction) {
	b.plan.RollbackActions = append(b.plan.RollbackActions, a)
}

// step emits one checkpointed step: "checkpoint N, action" on the execute
// side and "undo, checkpoint N" on the rollback side.
func (b *planBuilder) step(action, undo ExecuteAction) {
	cp := b.plan.nextCheckpoint()
	b.execute(cp)
	if action != nil {
		b.execute(action)
	}
	if undo != nil {
		b.rollback(undo)
	}
	b.rollback(cp)
}

func (b *planBuilder) emitPackage(i int) error {
	pkg := &b.state.Packages[i]
	ref := PackageRef{Index: i, ID: pkg.ID}
	reg := &b.state.Registration

	var provider, dependent DependencyDecision
	if b.action != ActionCache && !b.plan.DisallowRemoval {
		provider, dependent = planPackageDependencies(pkg, reg, b.action == ActionUnsafeUninstall)
		if pkg.Execute.IsNone() && pkg.Requested.WantsAbsent() {
			// A kept package never loses its provider.
			provider = DependencyDecision{Execute: DependencyActionNone, Rollback: DependencyActionNone}
			for p := range pkg.Providers {
				pkg.Providers[p].ProviderExecute = DependencyActionNone
				pkg.Providers[p].ProviderRollback = DependencyActionNone
			}
		}
	}

	compatible := pkg.Compatible != nil && pkg.Compatible.Remove && b.action != ActionCache
	hasExecute := b.action != ActionCache && b.packageHasExecute(pkg)

	if !pkg.CacheThisPlan && provider.Execute.IsNone() && dependent.Execute.IsNone() && !hasExecute && !compatible {
		return nil
	}

	if b.action != ActionCache {
		idx := b.boundaryFor(pkg)
		if err := b.enterBoundary(idx); err != nil {
			return err
		}
	}

	if pkg.CacheThisPlan {
		b.emitCache(pkg, ref)
	}
	if b.action == ActionCache {
		return nil
	}

	providerStep := func() {
		if !provider.Execute.IsNone() {
			b.step(PackageProviderAction{Package: ref, Action: provider.Execute},
				rollbackProvider(ref, provider.Rollback, false))
		}
	}
	dependentStep := func() {
		if !dependent.Execute.IsNone() {
			b.step(PackageDependencyAction{Package: ref, Action: dependent.Execute, BundleProviderKey: reg.ProviderKey},
				rollbackDependency(ref, dependent.Rollback, reg.ProviderKey, false))
		}
	}

	if b.action.IsUninstall() {
		dependentStep()
		if err := b.emitExecute(pkg, ref); err != nil {
			return err
		}
		providerStep()
	} else {
		providerStep()
		if err := b.emitExecute(pkg, ref); err != nil {
			return err
		}
		dependentStep()
	}

	if compatible {
		b.emitCompatible(pkg, ref)
	}

	b.step(nil, nil)
	return nil
}

func rollbackProvider(ref PackageRef, action DependencyAction, compatible bool) ExecuteAction {
	if action.IsNone() {
		return nil
	}
	return PackageProviderAction{Package: ref, Action: action, Compatible: compatible}
}

func rollbackDependency(ref PackageRef, action DependencyAction, key string, compatible bool) ExecuteAction {
	if action.IsNone() {
		return nil
	}
	return PackageDependencyAction{Package: ref, Action: action, BundleProviderKey: key, Compatible: compatible}
}

func (b *planBuilder) packageHasExecute(pkg *Package) bool {
	if msp := pkg.msp(); msp != nil {
		for _, t := range msp.Targets {
			if !t.Execute.IsNone() {
				return true
			}
		}
		return false
	}
	return !pkg.Execute.IsNone()
}

func (b *planBuilder) emitCache(pkg *Package, ref PackageRef) {
	plan := b.plan
	for _, id := range pkg.Containers {
		c, _ := b.state.container(id)
		if c.Attached || b.acquiredContainers[id] {
			continue
		}
		b.acquiredContainers[id] = true
		plan.CacheActions = append(plan.CacheActions, AcquireContainer{ContainerID: id})
	}

	cp := plan.nextCheckpoint()
	plan.CacheActions = append(plan.CacheActions,
		cp,
		CachePackage{Package: ref, Containers: append([]string(nil), pkg.Containers...)},
		SignalSyncpoint{Package: ref},
	)
	plan.RollbackCacheActions = append(plan.RollbackCacheActions,
		RollbackCachePackage{Package: ref},
		cp,
	)
	plan.CacheSizeTotal += pkg.CacheSize

	if b.action != ActionCache {
		var undo ExecuteAction
		if !pkg.Cached {
			undo = UncachePackage{Package: ref}
		}
		b.step(WaitCachePackage{Package: ref}, undo)
	}
}

func (b *planBuilder) emitExecute(pkg *Package, ref PackageRef) error {
	if msp := pkg.msp(); msp != nil {
		for t := range msp.Targets {
			b.emitMspTarget(pkg, ref, &msp.Targets[t])
		}
		return nil
	}
	if pkg.Execute.IsNone() {
		return nil
	}

	action, err := b.packageAction(pkg, ref, pkg.Execute)
	if err != nil {
		return err
	}
	var undo ExecuteAction
	if !pkg.Rollback.IsNone() {
		if undo, err = b.packageAction(pkg, ref, pkg.Rollback); err != nil {
			return err
		}
	}
	b.step(action, undo)
	return nil
}

func (b *planBuilder) packageAction(pkg *Package, ref PackageRef, state ActionState) (ExecuteAction, error) {
	exec := PackageExecution{Package: ref, Action: state}
	switch pkg.Type() {
	case PackageTypeExe:
		return ExePackageAction{PackageExecution: exec}, nil
	case PackageTypeMsi:
		a := MsiPackageAction{PackageExecution: exec}
		if state != ActionStateUninstall {
			for _, id := range pkg.msi().SlipstreamPatches {
				a.SlipstreamPatches = append(a.SlipstreamPatches, PackageRef{Index: b.state.PackageIndex(id), ID: id})
			}
		}
		return a, nil
	case PackageTypeMsu:
		return MsuPackageAction{PackageExecution: exec}, nil
	case PackageTypeBundle:
		return BundlePackageAction{PackageExecution: exec}, nil
	}
	return nil, NewPlanningInputError("unsupported package type", nil).
		WithCode(ErrCodeInvalidPackage).WithResource(pkg.ID).WithDetail("type", string(pkg.Type()))
}

func (b *planBuilder) emitMspTarget(pkg *Package, ref PackageRef, target *MspTarget) {
	if target.Execute.IsNone() {
		return
	}

	action := MspTargetAction{
		Package:     ref,
		ProductCode: target.ProductCode,
		PerMachine:  target.PerMachine,
		Action:      target.Execute,
		Boundary:    b.currentBoundary,
		Patches:     []PackageRef{ref},
	}

	// The target msi applies slipstreamed patches as part of its own action.
	if target.Slipstream && target.Package != "" {
		if idx := b.state.PackageIndex(target.Package); idx >= 0 && !b.state.Packages[idx].Execute.IsNone() {
			b.planner.logger.WithFields(map[string]interface{}{
				"package_id": pkg.ID,
				"target":     target.Package,
			}).Debug("patch slipstreamed into target")
			b.step(DeletedAction{Original: action}, nil)
			return
		}
	}

	key := fmt.Sprintf("%s|%s|%d", target.ProductCode, target.Execute, b.currentBoundary)
	if slot, ok := b.mspTargets[key]; ok {
		merged := b.plan.ExecuteActions[slot.execute].(MspTargetAction)
		merged.Patches = append(merged.Patches, ref)
		b.plan.ExecuteActions[slot.execute] = merged
		if slot.rollback >= 0 {
			undo := b.plan.RollbackActions[slot.rollback].(MspTargetAction)
			undo.Patches = append(undo.Patches, ref)
			b.plan.RollbackActions[slot.rollback] = undo
		}
		return
	}

	var undo ExecuteAction
	if !target.Rollback.IsNone() {
		rb := action
		rb.Action = target.Rollback
		rb.Patches = []PackageRef{ref}
		undo = rb
	}
	b.step(action, undo)

	slot := mspTargetSlot{execute: len(b.plan.ExecuteActions) - 1, rollback: -1}
	if undo != nil {
		// step appends the undo action right before its checkpoint.
		slot.rollback = len(b.plan.RollbackActions) - 2
	}
	b.mspTargets[key] = slot
}

func (b *planBuilder) emitCompatible(pkg *Package, ref PackageRef) {
	reg := &b.state.Registration
	compat := pkg.Compatible

	for _, d := range compat.Dependents {
		if d == reg.ProviderKey {
			b.step(PackageDependencyAction{Package: ref, Action: DependencyActionUnregister, BundleProviderKey: reg.ProviderKey, Compatible: true},
				rollbackDependency(ref, DependencyActionRegister, reg.ProviderKey, true))
			break
		}
	}
	b.step(UninstallMsiCompatiblePackage{Package: ref, ProductCode: compat.ProductCode}, nil)
	b.step(PackageProviderAction{Package: ref, Action: DependencyActionUnregister, Compatible: true},
		rollbackProvider(ref, DependencyActionRegister, true))
}

func (b *planBuilder) planClean() {
	if b.action == ActionCache || b.plan.DisallowRemoval {
		return
	}
	for i := range b.state.Packages {
		pkg := &b.state.Packages[i]
		ref := PackageRef{Index: i, ID: pkg.ID}
		if !pkg.Permanent && pkg.ExpectedInstallRegistration == RegistrationStateAbsent &&
			(pkg.Cached || pkg.CacheThisPlan) {
			b.plan.CleanActions = append(b.plan.CleanActions, CleanPackage{Package: ref})
		}
		if pkg.Compatible != nil && pkg.Compatible.Remove {
			b.plan.CleanActions = append(b.plan.CleanActions, CleanCompatiblePackage{Package: ref, ProductCode: pkg.Compatible.ProductCode})
		}
	}
}

func (b *planBuilder) bundleProvider() PlannedProvider {
	reg := &b.state.Registration
	entry := PlannedProvider{
		Key:      reg.ProviderKey,
		Version:  reg.Version,
		Execute:  DependencyActionNone,
		Rollback: DependencyActionNone,
	}
	switch {
	case b.action.IsUninstall():
		if !b.plan.DisallowRemoval {
			entry.Execute = DependencyActionUnregister
			entry.Rollback = DependencyActionRegister
		}
	default:
		entry.Execute = DependencyActionRegister
		if !reg.Installed {
			entry.Rollback = DependencyActionUnregister
		}
	}
	return entry
}

func (b *planBuilder) planProviders() {
	seen := make(map[string]bool)
	b.plan.PlannedProviders = append(b.plan.PlannedProviders, b.bundleProvider())
	seen[b.state.Registration.ProviderKey] = true

	for i := range b.state.Packages {
		pkg := &b.state.Packages[i]
		for _, dp := range pkg.Providers {
			if seen[dp.Key] || dp.ProviderExecute.IsNone() {
				continue
			}
			seen[dp.Key] = true
			b.plan.PlannedProviders = append(b.plan.PlannedProviders, PlannedProvider{
				Key:         dp.Key,
				Version:     dp.Version,
				DisplayName: dp.DisplayName,
				PackageID:   pkg.ID,
				Execute:     dp.ProviderExecute,
				Rollback:    dp.ProviderRollback,
			})
		}
	}
}

func (b *planBuilder) computeTotals() {
	plan := b.plan

	for _, a := range plan.CacheActions {
		if _, ok := a.(CachePackage); ok {
			plan.OverallProgressTicksTotal++
		}
	}
	for _, a := range plan.LiveExecuteActions() {
		switch a := a.(type) {
		case ExePackageAction, MsiPackageAction, MsuPackageAction, BundlePackageAction:
			plan.OverallProgressTicksTotal++
			plan.ExecutePackagesTotal++
			if b.state.Packages[a.(ExecutePackage).Execution().Package.Index].PerMachine {
				plan.PerMachine = true
			}
		case MspTargetAction:
			plan.OverallProgressTicksTotal++
			plan.ExecutePackagesTotal++
			if a.PerMachine {
				plan.PerMachine = true
			}
		case RelatedBundleAction:
			plan.OverallProgressTicksTotal++
			plan.ExecutePackagesTotal++
		case UninstallMsiCompatiblePackage:
			plan.OverallProgressTicksTotal++
		}
	}

	for i := range b.state.Packages {
		pkg := &b.state.Packages[i]
		if !pkg.CurrentState.IsInstalled() && pkg.ExpectedInstallRegistration == RegistrationStatePresent {
			plan.EstimatedSize += pkg.InstallSize
		}
	}

	plan.CanAffectMachineState = len(plan.ExecuteActions) > 0 || len(plan.RegistrationActions) > 0 ||
		len(plan.CleanActions) > 0 || (plan.RegistrationOperations != 0 && b.action != ActionCache)
}

// ProductCode returns the product code of an msi package.
func (p *Package) ProductCode() string {
	if msi := p.msi(); msi != nil {
		return msi.ProductCode
	}
	return ""
}

// Arguments returns the authored command line of an exe or bundle package
// for the given action.
func (p *Package) Arguments(action ActionState) string {
	if exe := p.exe(); exe != nil {
		switch action {
		case ActionStateUninstall:
			return exe.UninstallArguments
		case ActionStateRepair:
			return exe.RepairArguments
		}
		return exe.InstallArguments
	}
	switch d := p.Details.(type) {
	case *BundleDetails:
		return d.InstallArguments
	case BundleDetails:
		return d.InstallArguments
	}
	return ""
}

func (p *Package) exe() *ExeDetails {
	switch d := p.Details.(type) {
	case *ExeDetails:
		return d
	case ExeDetails:
		return &d
	}
	return nil
}

func (p *Package) msi() *MsiDetails {
	switch d := p.Details.(type) {
	case *MsiDetails:
		return d
	case MsiDetails:
		return &d
	}
	return nil
}

func (p *Package) msp() *MspDetails {
	switch d := p.Details.(type) {
	case *MspDetails:
		return d
	case MspDetails:
		return &d
	}
	return nil
}

// slipstreamsInto reports whether a target of the patch is applied inside
// the msi package id.
func (d *MspDetails) slipstreamsInto(id string) bool {
	return slices.ContainsFunc(d.Targets, func(t MspTarget) bool {
		return t.Slipstream && t.Package == id
	})
}
