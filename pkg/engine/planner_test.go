package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func render[T interface{ String() string }](actions []T) []string {
	out := make([]string, len(actions))
	for i, a := range actions {
		out[i] = a.String()
	}
	return out
}

func msiPackage(id string, state PackageState) Package {
	return Package{
		ID:           id,
		Details:      &MsiDetails{ProductCode: "{" + id + "}", Version: "1.0.0.0"},
		PerMachine:   true,
		Vital:        true,
		InstallSize:  100,
		CacheSize:    40,
		Providers:    []DependencyProvider{{Key: id + ".key", Exists: state == PackageStatePresent}},
		CurrentState: state,
	}
}

func bundleState(packages ...Package) *EngineState {
	return &EngineState{
		Registration: Registration{
			BundleID:    "{B0000000-0000-0000-0000-000000000001}",
			ProviderKey: "burn.test.bundle",
			Version:     "2.0.0.0",
			PerMachine:  true,
		},
		Packages: packages,
	}
}

func plan(t *testing.T, state *EngineState, action Action, opts ...PlannerOption) *Plan {
	t.Helper()
	p, err := NewPlanner(nil, opts...).Plan(context.Background(), state, action)
	require.NoError(t, err)
	return p
}

func TestPlanInstallSingleMsiWithOlderUpgradeBundle(t *testing.T) {
	state := bundleState(msiPackage("PackageA", PackageStateAbsent))
	state.RelatedBundles = []RelatedBundle{{
		BundleID:         "{OLDER}",
		Version:          "1.0.0.0",
		DetectedRelation: RelationUpgrade,
		Plannable:        true,
	}}

	p := plan(t, state, ActionInstall)

	assert.Equal(t, []string{
		"checkpoint(1)",
		"package-cache(PackageA)",
		"signal-syncpoint(PackageA)",
	}, render(p.CacheActions))

	assert.Equal(t, []string{
		"rollback-boundary-start(WixDefaultBoundary)",
		"checkpoint(2)",
		"wait-cache(PackageA)",
		"checkpoint(3)",
		"package-provider(PackageA, register)",
		"checkpoint(4)",
		"msi-package(PackageA, install)",
		"checkpoint(5)",
		"package-dependency(PackageA, register)",
		"checkpoint(6)",
		"checkpoint(7)",
		"rollback-boundary-end(WixDefaultBoundary)",
		"related-bundle({OLDER}, uninstall)",
	}, render(p.ExecuteActions))

	assert.Equal(t, []string{
		"rollback-boundary-start(WixDefaultBoundary)",
		"uncache(PackageA)",
		"checkpoint(2)",
		"package-provider(PackageA, unregister)",
		"checkpoint(3)",
		"msi-package(PackageA, uninstall)",
		"checkpoint(4)",
		"package-dependency(PackageA, unregister)",
		"checkpoint(5)",
		"checkpoint(6)",
		"checkpoint(7)",
		"rollback-boundary-end(WixDefaultBoundary)",
	}, render(p.RollbackActions))

	assert.Equal(t, []string{"restore-related-bundle({OLDER}, install)"}, render(p.RestoreRelatedBundles))
	assert.Equal(t, 2, p.ExecutePackagesTotal)
	assert.Equal(t, 3, p.OverallProgressTicksTotal)
	assert.Equal(t, uint64(100), p.EstimatedSize)
	assert.Equal(t, uint64(40), p.CacheSizeTotal)
	assert.True(t, p.PerMachine)
	assert.True(t, p.CanAffectMachineState)
	assert.False(t, p.Downgrade)
	assert.Empty(t, p.CleanActions)
	assert.True(t, p.RegistrationOperations.Has(RegistrationOperationWriteRegistration))

	require.Len(t, p.PlannedProviders, 2)
	assert.Equal(t, "burn.test.bundle", p.PlannedProviders[0].Key)
	assert.Equal(t, "PackageA.key", p.PlannedProviders[1].Key)
	assert.Equal(t, DependencyActionRegister, p.PlannedProviders[1].Execute)

	pkg := state.Packages[0]
	assert.Equal(t, RequestStatePresent, pkg.Requested)
	assert.Equal(t, ActionStateInstall, pkg.Execute)
	assert.Equal(t, ActionStateUninstall, pkg.Rollback)
	assert.Equal(t, RegistrationStatePresent, pkg.ExpectedInstallRegistration)
	assert.Equal(t, RegistrationStatePresent, pkg.ExpectedCacheRegistration)
}

func TestPlanDowngrade(t *testing.T) {
	state := bundleState(msiPackage("PackageA", PackageStateAbsent))
	state.RelatedBundles = []RelatedBundle{{
		BundleID:         "{NEWER}",
		Version:          "3.0.0.0",
		DetectedRelation: RelationUpgrade,
		Plannable:        true,
	}}

	p := plan(t, state, ActionInstall)

	assert.True(t, p.Downgrade)
	assert.Empty(t, p.CacheActions)
	assert.Empty(t, p.RollbackCacheActions)
	assert.Empty(t, p.ExecuteActions)
	assert.Empty(t, p.RollbackActions)
	assert.Empty(t, p.CleanActions)
	require.Len(t, p.PlannedProviders, 1)
	assert.Equal(t, "burn.test.bundle", p.PlannedProviders[0].Key)
}

func TestPlanDowngradeAllowed(t *testing.T) {
	state := bundleState(msiPackage("PackageA", PackageStateAbsent))
	state.RelatedBundles = []RelatedBundle{{
		BundleID:         "{NEWER}",
		Version:          "3.0.0.0",
		DetectedRelation: RelationUpgrade,
		Plannable:        true,
		AllowsDowngrade:  true,
	}}

	p := plan(t, state, ActionInstall)

	assert.False(t, p.Downgrade)
	assert.NotEmpty(t, p.ExecuteActions)
	// A newer upgrade bundle is left alone.
	for _, a := range p.ExecuteActions {
		_, related := a.(RelatedBundleAction)
		assert.False(t, related)
	}
}

func TestPlanSlipstreamPatch(t *testing.T) {
	msi := msiPackage("PackageA", PackageStateAbsent)
	msi.Details.(*MsiDetails).SlipstreamPatches = []string{"PatchA"}
	patch := Package{
		ID:    "PatchA",
		Vital: true,
		Details: &MspDetails{
			PatchCode: "{PATCH-A}",
			Targets: []MspTarget{{
				ProductCode: "{PackageA}",
				PerMachine:  true,
				State:       PackageStateAbsent,
				Package:     "PackageA",
				Slipstream:  true,
			}},
		},
		PerMachine:   true,
		CurrentState: PackageStateAbsent,
	}
	state := bundleState(msi, patch)

	p := plan(t, state, ActionInstall)

	var targets, deleted int
	for _, a := range p.ExecuteActions {
		switch a := a.(type) {
		case MspTargetAction:
			targets++
		case DeletedAction:
			_, ok := a.Original.(MspTargetAction)
			require.True(t, ok)
			targets++
			deleted++
		}
	}
	assert.Equal(t, 1, targets)
	assert.Equal(t, 1, deleted)

	var msiAction *MsiPackageAction
	for _, a := range p.LiveExecuteActions() {
		_, isTarget := a.(MspTargetAction)
		assert.False(t, isTarget)
		if m, ok := a.(MsiPackageAction); ok {
			msiAction = &m
		}
	}
	require.NotNil(t, msiAction)
	require.Len(t, msiAction.SlipstreamPatches, 1)
	assert.Equal(t, "PatchA", msiAction.SlipstreamPatches[0].ID)

	// The slipstreamed patch is cached and counted once with its target.
	assert.Equal(t, 1, p.ExecutePackagesTotal)
	assert.Equal(t, 3, p.OverallProgressTicksTotal)
}

func TestPlanSlipstreamMismatch(t *testing.T) {
	patchFor := func(target MspTarget) Package {
		return Package{
			ID:           "PatchA",
			Vital:        true,
			Details:      &MspDetails{PatchCode: "{PATCH-A}", Targets: []MspTarget{target}},
			CurrentState: PackageStateAbsent,
		}
	}
	tests := []struct {
		name   string
		listed bool
		target MspTarget
	}{
		{
			name:   "msi lists patch, target not flagged",
			listed: true,
			target: MspTarget{ProductCode: "{PackageA}", State: PackageStateAbsent, Package: "PackageA"},
		},
		{
			name:   "target flagged, msi does not list patch",
			target: MspTarget{ProductCode: "{PackageA}", State: PackageStateAbsent, Package: "PackageA", Slipstream: true},
		},
		{
			name:   "flagged target without package",
			target: MspTarget{ProductCode: "{PackageA}", State: PackageStateAbsent, Slipstream: true},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msi := msiPackage("PackageA", PackageStateAbsent)
			if tt.listed {
				msi.Details.(*MsiDetails).SlipstreamPatches = []string{"PatchA"}
			}
			state := bundleState(msi, patchFor(tt.target))

			_, err := NewPlanner(nil).Plan(context.Background(), state, ActionInstall)
			require.Error(t, err)
			assert.True(t, IsPlanningInput(err))
			var engineErr *EngineError
			require.ErrorAs(t, err, &engineErr)
			assert.Equal(t, ErrCodeSlipstreamMismatch, engineErr.Code)
		})
	}
}

func TestPlanMspTargetsMerge(t *testing.T) {
	newPatch := func(id string) Package {
		return Package{
			ID:      id,
			Vital:   true,
			Details: &MspDetails{PatchCode: "{" + id + "}", Targets: []MspTarget{{ProductCode: "{PRODUCT}", State: PackageStateAbsent}}},
		}
	}
	state := bundleState(newPatch("PatchA"), newPatch("PatchB"))

	p := plan(t, state, ActionInstall)

	var targets []MspTargetAction
	for _, a := range p.LiveExecuteActions() {
		if m, ok := a.(MspTargetAction); ok {
			targets = append(targets, m)
		}
	}
	require.Len(t, targets, 1)
	assert.Equal(t, "msp-target({PRODUCT}, install, patches=PatchA,PatchB)", targets[0].String())

	var undo []MspTargetAction
	for _, a := range p.LiveRollbackActions() {
		if m, ok := a.(MspTargetAction); ok {
			undo = append(undo, m)
		}
	}
	require.Len(t, undo, 1)
	assert.Equal(t, ActionStateUninstall, undo[0].Action)
	assert.Len(t, undo[0].Patches, 2)
}

func TestPlanUninstallBlockedByBundleDependent(t *testing.T) {
	a := msiPackage("PackageA", PackageStatePresent)
	a.Cached = true
	b := msiPackage("PackageB", PackageStatePresent)
	b.Cached = true
	state := bundleState(a, b)
	state.Registration.Installed = true
	state.Registration.Dependents = []string{"other.bundle"}

	p := plan(t, state, ActionUninstall)

	assert.True(t, p.DisallowRemoval)
	assert.Empty(t, p.ExecuteActions)
	assert.Empty(t, p.RollbackActions)
	assert.Empty(t, p.CleanActions)
	for _, pkg := range state.Packages {
		assert.Equal(t, ActionStateNone, pkg.Execute, pkg.ID)
		assert.Equal(t, ActionStateNone, pkg.Rollback, pkg.ID)
		assert.Equal(t, RegistrationStateIgnored, pkg.ExpectedInstallRegistration, pkg.ID)
		assert.Equal(t, RegistrationStateUnknown, pkg.ExpectedCacheRegistration, pkg.ID)
	}
	require.Len(t, p.PlannedProviders, 1)
	assert.Equal(t, DependencyActionNone, p.PlannedProviders[0].Execute)
}

func TestPlanUninstallIgnoredDependent(t *testing.T) {
	a := msiPackage("PackageA", PackageStatePresent)
	state := bundleState(a)
	state.Registration.Installed = true
	state.Registration.Dependents = []string{"other.bundle"}
	state.Registration.IgnoreDependencies = []string{"other.bundle"}

	p := plan(t, state, ActionUninstall)

	assert.False(t, p.DisallowRemoval)
	assert.Contains(t, render(p.ExecuteActions), "msi-package(PackageA, uninstall)")
}

func TestPlanUninstallOrder(t *testing.T) {
	a := msiPackage("PackageA", PackageStatePresent)
	a.Cached = true
	a.Providers[0].Dependents = []string{"burn.test.bundle"}
	b := msiPackage("PackageB", PackageStatePresent)
	b.Cached = true
	b.Providers[0].Dependents = []string{"burn.test.bundle"}
	state := bundleState(a, b)
	state.Registration.Installed = true

	p := plan(t, state, ActionUninstall)

	assert.Empty(t, p.CacheActions)
	assert.Equal(t, []string{
		"rollback-boundary-start(WixDefaultBoundary)",
		"checkpoint(1)",
		"package-dependency(PackageB, unregister)",
		"checkpoint(2)",
		"msi-package(PackageB, uninstall)",
		"checkpoint(3)",
		"package-provider(PackageB, unregister)",
		"checkpoint(4)",
		"checkpoint(5)",
		"package-dependency(PackageA, unregister)",
		"checkpoint(6)",
		"msi-package(PackageA, uninstall)",
		"checkpoint(7)",
		"package-provider(PackageA, unregister)",
		"checkpoint(8)",
		"checkpoint(9)",
		"rollback-boundary-end(WixDefaultBoundary)",
	}, render(p.ExecuteActions))
	assert.Equal(t, []string{"clean-package(PackageA)", "clean-package(PackageB)"}, render(p.CleanActions))
	assert.Equal(t, uint64(0), p.EstimatedSize)
	assert.Equal(t, DependencyActionUnregister, p.PlannedProviders[0].Execute)
}

func TestPlanUninstallProviderWithOtherDependent(t *testing.T) {
	a := msiPackage("PackageA", PackageStatePresent)
	a.Providers[0].Dependents = []string{"burn.test.bundle", "someone.else"}
	state := bundleState(a)
	state.Registration.Installed = true

	p := plan(t, state, ActionUninstall)

	assert.Equal(t, []string{
		"rollback-boundary-start(WixDefaultBoundary)",
		"checkpoint(1)",
		"package-dependency(PackageA, unregister)",
		"checkpoint(2)",
		"checkpoint(3)",
		"rollback-boundary-end(WixDefaultBoundary)",
	}, render(p.ExecuteActions))
	assert.Equal(t, ActionStateNone, state.Packages[0].Execute)
	assert.Equal(t, DependencyActionNone, state.Packages[0].Providers[0].ProviderExecute)
	assert.Equal(t, DependencyActionUnregister, state.Packages[0].Providers[0].DependentExecute)
}

func TestPlanUnsafeUninstallIgnoresDependents(t *testing.T) {
	a := msiPackage("PackageA", PackageStatePresent)
	a.Providers[0].Dependents = []string{"someone.else"}
	state := bundleState(a)
	state.Registration.Dependents = []string{"other.bundle"}

	p := plan(t, state, ActionUnsafeUninstall)

	assert.False(t, p.DisallowRemoval)
	assert.Contains(t, render(p.ExecuteActions), "msi-package(PackageA, uninstall)")
	assert.Contains(t, render(p.ExecuteActions), "package-provider(PackageA, unregister)")
	assert.Equal(t, RequestStateForceAbsent, state.Packages[0].Requested)
}

func TestPlanRollbackBoundaries(t *testing.T) {
	a := msiPackage("PackageA", PackageStateAbsent)
	a.RollbackBoundaryForward = "First"
	b := msiPackage("PackageB", PackageStateAbsent)
	c := msiPackage("PackageC", PackageStateAbsent)
	c.RollbackBoundaryForward = "Second"
	state := bundleState(a, b, c)
	state.RollbackBoundaries = []RollbackBoundary{
		{ID: "First", Vital: true},
		{ID: "Second", Vital: true, Transaction: true},
	}

	p := plan(t, state, ActionInstall)

	starts := map[string]int{}
	open := ""
	for _, action := range p.ExecuteActions {
		switch a := action.(type) {
		case RollbackBoundaryStart:
			require.Empty(t, open, "boundary %s started inside %s", a.Boundary.ID, open)
			open = a.Boundary.ID
			starts[a.Boundary.ID]++
		case RollbackBoundaryEnd:
			require.Equal(t, open, a.Boundary.ID)
			open = ""
		}
	}
	assert.Empty(t, open)
	assert.Equal(t, map[string]int{"First": 1, "Second": 1}, starts)

	exec := render(p.ExecuteActions)
	assert.Contains(t, exec, "begin-msi-transaction(Second)")
	assert.Contains(t, exec, "commit-msi-transaction(Second)")
	assert.NotContains(t, exec, "begin-msi-transaction(First)")

	rollback := render(p.RollbackActions)
	for i, s := range rollback {
		if s == "rollback-boundary-start(Second)" {
			require.Greater(t, len(rollback), i+1)
			assert.Equal(t, "rollback-msi-transaction(Second)", rollback[i+1])
		}
	}
	// No default boundary is needed when the first package opens one.
	for _, boundary := range p.Boundaries {
		assert.NotEqual(t, DefaultRollbackBoundaryID, boundary.ID)
	}
}

func TestPlanRollbackBoundaryErrors(t *testing.T) {
	tests := []struct {
		name string
		edit func(s *EngineState)
		code string
	}{
		{
			name: "unknown boundary",
			edit: func(s *EngineState) { s.Packages[0].RollbackBoundaryForward = "Missing" },
			code: ErrCodeInvalidBoundary,
		},
		{
			name: "boundary started twice",
			edit: func(s *EngineState) {
				s.RollbackBoundaries = []RollbackBoundary{{ID: "First"}, {ID: "Second"}}
				s.Packages[0].RollbackBoundaryForward = "First"
				s.Packages[1].RollbackBoundaryForward = "Second"
				s.Packages[2].RollbackBoundaryForward = "First"
			},
			code: ErrCodeDuplicateBoundary,
		},
		{
			name: "boundary declared twice",
			edit: func(s *EngineState) {
				s.RollbackBoundaries = []RollbackBoundary{{ID: "First"}, {ID: "First"}}
			},
			code: ErrCodeDuplicateBoundary,
		},
		{
			name: "unknown slipstream patch",
			edit: func(s *EngineState) {
				s.Packages[0].Details.(*MsiDetails).SlipstreamPatches = []string{"Nope"}
			},
			code: ErrCodeNotFound,
		},
		{
			name: "unknown container",
			edit: func(s *EngineState) { s.Packages[0].Containers = []string{"Nope"} },
			code: ErrCodeNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := bundleState(
				msiPackage("PackageA", PackageStateAbsent),
				msiPackage("PackageB", PackageStateAbsent),
				msiPackage("PackageC", PackageStateAbsent),
			)
			tt.edit(state)

			_, err := NewPlanner(nil).Plan(context.Background(), state, ActionInstall)
			require.Error(t, err)
			assert.True(t, IsPlanningInput(err))

			var engineErr *EngineError
			require.ErrorAs(t, err, &engineErr)
			assert.Equal(t, tt.code, engineErr.Code)
		})
	}
}

func TestPlanCacheActionShape(t *testing.T) {
	cached := msiPackage("Cached", PackageStateAbsent)
	cached.Cached = true
	permanent := msiPackage("Permanent", PackageStateAbsent)
	permanent.Permanent = true
	state := bundleState(
		msiPackage("PackageA", PackageStateAbsent),
		cached,
		permanent,
		msiPackage("PackageB", PackageStateAbsent),
	)

	p := plan(t, state, ActionInstall)

	packages := map[string]int{}
	last := 0
	for i, a := range p.CacheActions {
		cache, ok := a.(CachePackage)
		if !ok {
			continue
		}
		packages[cache.Package.ID]++

		require.Greater(t, i, 0)
		cp, ok := p.CacheActions[i-1].(Checkpoint)
		require.True(t, ok, "cache action %d not preceded by a checkpoint", i)
		assert.Greater(t, cp.ID, last)
		last = cp.ID

		require.Greater(t, len(p.CacheActions), i+1)
		signal, ok := p.CacheActions[i+1].(SignalSyncpoint)
		require.True(t, ok)
		assert.Equal(t, cache.Package, signal.Package)
	}
	assert.Equal(t, map[string]int{"PackageA": 1, "Permanent": 1, "PackageB": 1}, packages)
	assert.Equal(t, uint64(120), p.CacheSizeTotal)

	// Permanent packages are never rolled back.
	assert.NotContains(t, render(p.RollbackActions), "msi-package(Permanent, uninstall)")
}

func TestPlanAcquiresDetachedContainersOnce(t *testing.T) {
	a := msiPackage("PackageA", PackageStateAbsent)
	a.Containers = []string{"Attached", "External"}
	b := msiPackage("PackageB", PackageStateAbsent)
	b.Containers = []string{"External"}
	state := bundleState(a, b)
	state.Containers = []Container{{ID: "Attached", Attached: true}, {ID: "External"}}

	p := plan(t, state, ActionInstall)

	assert.Equal(t, []string{
		"acquire-container(External)",
		"checkpoint(1)",
		"package-cache(PackageA)",
		"signal-syncpoint(PackageA)",
		"checkpoint(7)",
		"package-cache(PackageB)",
		"signal-syncpoint(PackageB)",
	}, render(p.CacheActions))
}

func TestPlanIsIdempotent(t *testing.T) {
	a := msiPackage("PackageA", PackageStateAbsent)
	b := Package{
		ID:           "Setup",
		Details:      &ExeDetails{Repairable: true, Uninstallable: true},
		Vital:        true,
		CurrentState: PackageStatePresent,
		Cached:       true,
	}
	state := bundleState(a, b)
	state.RelatedBundles = []RelatedBundle{
		{BundleID: "{ADDON}", Version: "1.0", DetectedRelation: RelationAddon, Plannable: true},
		{BundleID: "{OLD}", Version: "1.0", DetectedRelation: RelationUpgrade, Plannable: true},
	}

	planner := NewPlanner(nil)
	for _, action := range []Action{ActionInstall, ActionRepair, ActionUninstall, ActionCache} {
		first, err := planner.Plan(context.Background(), state, action)
		require.NoError(t, err)
		second, err := planner.Plan(context.Background(), state, action)
		require.NoError(t, err)

		assert.Equal(t, first.Render(), second.Render(), action)
		assert.Equal(t, first.Fingerprint(), second.Fingerprint(), action)
	}
}

func TestPlanCacheOnly(t *testing.T) {
	state := bundleState(msiPackage("PackageA", PackageStateAbsent), msiPackage("PackageB", PackageStatePresent))

	p := plan(t, state, ActionCache)

	assert.Empty(t, p.ExecuteActions)
	assert.Empty(t, p.RollbackActions)
	assert.Empty(t, p.CleanActions)
	assert.Equal(t, []string{
		"checkpoint(1)",
		"package-cache(PackageA)",
		"signal-syncpoint(PackageA)",
		"checkpoint(2)",
		"package-cache(PackageB)",
		"signal-syncpoint(PackageB)",
	}, render(p.CacheActions))
	assert.Equal(t, []string{
		"rollback-package-cache(PackageA)",
		"checkpoint(1)",
		"rollback-package-cache(PackageB)",
		"checkpoint(2)",
	}, render(p.RollbackCacheActions))
	assert.NotEmpty(t, p.PlannedProviders)
}

func TestPlanRelatedBundleOrder(t *testing.T) {
	related := []RelatedBundle{
		{BundleID: "{DEP-ADDON}", Version: "1.0", DetectedRelation: RelationDependentAddon, Plannable: true},
		{BundleID: "{PATCH}", Version: "1.0", DetectedRelation: RelationPatch, Plannable: true},
		{BundleID: "{UPGRADE}", Version: "1.0", DetectedRelation: RelationUpgrade, Plannable: true},
		{BundleID: "{ADDON}", Version: "1.0", DetectedRelation: RelationAddon, Plannable: true},
		{BundleID: "{BROKEN}", Version: "1.0", DetectedRelation: RelationAddon, Plannable: false},
	}

	relatedActions := func(actions []ExecuteAction) []string {
		var out []string
		for _, a := range actions {
			if r, ok := a.(RelatedBundleAction); ok {
				out = append(out, r.String())
			}
		}
		return out
	}

	t.Run("repair", func(t *testing.T) {
		state := bundleState(msiPackage("PackageA", PackageStatePresent))
		state.RelatedBundles = append([]RelatedBundle(nil), related...)

		p := plan(t, state, ActionRepair)
		assert.Equal(t, []string{
			"related-bundle({UPGRADE}, uninstall)",
			"related-bundle({ADDON}, repair)",
			"related-bundle({PATCH}, repair)",
			"related-bundle({DEP-ADDON}, repair)",
		}, relatedActions(p.ExecuteActions))
	})

	t.Run("uninstall", func(t *testing.T) {
		state := bundleState(msiPackage("PackageA", PackageStatePresent))
		state.RelatedBundles = append([]RelatedBundle(nil), related...)

		p := plan(t, state, ActionUninstall)
		exec := render(p.ExecuteActions)
		require.GreaterOrEqual(t, len(exec), 3)
		assert.Equal(t, "related-bundle({PATCH}, uninstall)", exec[0])
		assert.Equal(t, "related-bundle({ADDON}, uninstall)", exec[1])
		assert.Equal(t, "rollback-boundary-start(WixDefaultBoundary)", exec[2])
		assert.Equal(t, []string{
			"related-bundle({PATCH}, install)",
			"related-bundle({ADDON}, install)",
		}, relatedActions(p.RollbackActions))
		assert.Empty(t, p.RestoreRelatedBundles)
	})

	t.Run("detect order", func(t *testing.T) {
		assert.Equal(t, []int{3, 4, 1, 0, 2}, DetectOrder(related))
	})
}

type forceObserver struct {
	pkg     map[string]RequestState
	related map[string]RequestState
}

func (o *forceObserver) PlanPackage(pkg *Package, requested RequestState) RequestState {
	if r, ok := o.pkg[pkg.ID]; ok {
		return r
	}
	return requested
}

func (o *forceObserver) PlanRelatedBundle(bundle *RelatedBundle, relation RelationType, requested RequestState) (RelationType, RequestState) {
	if r, ok := o.related[bundle.BundleID]; ok {
		return relation, r
	}
	return relation, requested
}

func TestPlanObserverOverrides(t *testing.T) {
	a := msiPackage("PackageA", PackageStatePresent)
	b := msiPackage("PackageB", PackageStateAbsent)
	state := bundleState(a, b)
	state.Registration.Installed = true
	state.RelatedBundles = []RelatedBundle{
		{BundleID: "{MISSING}", Version: "1.0", DetectedRelation: RelationAddon, Plannable: false},
	}
	observer := &forceObserver{
		pkg:     map[string]RequestState{"PackageA": RequestStateForceAbsent},
		related: map[string]RequestState{"{MISSING}": RequestStateForcePresent},
	}

	p := plan(t, state, ActionModify, WithObserver(observer))

	assert.Equal(t, ActionStateUninstall, state.Packages[0].Execute)
	assert.Equal(t, RegistrationStateAbsent, state.Packages[0].ExpectedInstallRegistration)
	assert.Equal(t, ActionStateInstall, state.Packages[1].Execute)
	assert.Equal(t, ActionStateNone, state.RelatedBundles[0].Execute)
	assert.NotContains(t, render(p.ExecuteActions), "related-bundle({MISSING}, repair)")
}

func TestPlanCompatiblePackage(t *testing.T) {
	a := msiPackage("PackageA", PackageStateAbsent)
	a.Compatible = &CompatiblePackage{
		ProductCode: "{COMPAT}",
		ProviderKey: "PackageA.key",
		Dependents:  []string{"burn.test.bundle"},
		Detected:    true,
	}
	state := bundleState(a)
	state.Registration.Installed = true

	p := plan(t, state, ActionUninstall)

	assert.Equal(t, []string{
		"rollback-boundary-start(WixDefaultBoundary)",
		"checkpoint(1)",
		"package-dependency(PackageA, unregister, compatible)",
		"checkpoint(2)",
		"uninstall-msi-compatible(PackageA, {COMPAT})",
		"checkpoint(3)",
		"package-provider(PackageA, unregister, compatible)",
		"checkpoint(4)",
		"checkpoint(5)",
		"rollback-boundary-end(WixDefaultBoundary)",
	}, render(p.ExecuteActions))
	assert.Equal(t, []string{"clean-compatible-package(PackageA, {COMPAT})"}, render(p.CleanActions))
	assert.Equal(t, 1, p.OverallProgressTicksTotal)
}

func TestPlanParentRegistration(t *testing.T) {
	state := bundleState(msiPackage("PackageA", PackageStateAbsent))
	state.Registration.ParentID = "{PARENT}"

	p := plan(t, state, ActionInstall)
	assert.Equal(t, []string{"dependent-registration(register, {PARENT}, burn.test.bundle)"}, render(p.RegistrationActions))
	assert.Equal(t, []string{"dependent-registration(unregister, {PARENT}, burn.test.bundle)"}, render(p.RollbackRegistrationActions))

	state.Registration.Dependents = []string{"{PARENT}"}
	state.Packages[0].CurrentState = PackageStatePresent
	p = plan(t, state, ActionUninstall)
	assert.False(t, p.DisallowRemoval)
	assert.Equal(t, []string{"dependent-registration(unregister, {PARENT}, burn.test.bundle)"}, render(p.RegistrationActions))
}

func TestPlanInvalidInput(t *testing.T) {
	_, err := NewPlanner(nil).Plan(context.Background(), nil, ActionInstall)
	assert.True(t, IsPlanningInput(err))

	_, err = NewPlanner(nil).Plan(context.Background(), bundleState(), Action("explode"))
	assert.True(t, IsPlanningInput(err))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewPlanner(nil).Plan(ctx, bundleState(), ActionInstall)
	assert.ErrorIs(t, err, context.Canceled)
}
