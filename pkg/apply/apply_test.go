package apply

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burnengine/burn/pkg/engine"
	"github.com/burnengine/burn/pkg/stores"
)

const bundleID = "{B0000000-0000-0000-0000-000000000001}"

// faulty is a DryRun with failure and restart injection. Failed operations
// are not recorded.
type faulty struct {
	*DryRun

	mu        sync.Mutex
	execFail  map[string]error
	cacheFail map[string]error
	restart   map[string]engine.RestartState
	onExecute func(req *engine.ExecuteRequest)
}

func newFaulty() *faulty {
	return &faulty{
		DryRun:    NewDryRun(nil),
		execFail:  map[string]error{},
		cacheFail: map[string]error{},
		restart:   map[string]engine.RestartState{},
	}
}

func (f *faulty) ExecutePackage(ctx context.Context, req *engine.ExecuteRequest, progress engine.ProgressFunc) (engine.RestartState, error) {
	if f.onExecute != nil {
		f.onExecute(req)
	}
	f.mu.Lock()
	err := f.execFail[req.PackageID]
	restart, ok := f.restart[req.PackageID]
	f.mu.Unlock()

	if err != nil && !req.Rollback {
		return engine.RestartNone, err
	}
	if _, err := f.DryRun.ExecutePackage(ctx, req, progress); err != nil {
		return engine.RestartNone, err
	}
	if !ok {
		restart = engine.RestartNone
	}
	return restart, nil
}

func (f *faulty) CachePackage(ctx context.Context, packageID string, containers []string, progress engine.ProgressFunc) error {
	f.mu.Lock()
	err := f.cacheFail[packageID]
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.DryRun.CachePackage(ctx, packageID, containers, progress)
}

func msiPackage(id string) engine.Package {
	return engine.Package{
		ID:           id,
		Details:      &engine.MsiDetails{ProductCode: "{" + id + "}", Version: "1.0.0.0"},
		PerMachine:   true,
		Vital:        true,
		CacheSize:    10,
		Providers:    []engine.DependencyProvider{{Key: id + ".key"}},
		CurrentState: engine.PackageStateAbsent,
	}
}

func bundleState(packages ...engine.Package) *engine.EngineState {
	return &engine.EngineState{
		Registration: engine.Registration{
			BundleID:    bundleID,
			ProviderKey: "burn.test.bundle",
			Version:     "2.0.0.0",
			PerMachine:  true,
		},
		Packages: packages,
	}
}

func withUpgrade(state *engine.EngineState, ids ...string) *engine.EngineState {
	for _, id := range ids {
		state.RelatedBundles = append(state.RelatedBundles, engine.RelatedBundle{
			BundleID:         id,
			Version:          "1.0.0.0",
			DetectedRelation: engine.RelationUpgrade,
			Plannable:        true,
		})
	}
	return state
}

func planFor(t *testing.T, state *engine.EngineState, action engine.Action) *engine.Plan {
	t.Helper()
	p, err := engine.NewPlanner(nil).Plan(context.Background(), state, action)
	require.NoError(t, err)
	return p
}

// assertOrdered checks that want appears in calls in order, not necessarily
// adjacent.
func assertOrdered(t *testing.T, calls, want []string) {
	t.Helper()
	i := 0
	for _, c := range calls {
		if i < len(want) && c == want[i] {
			i++
		}
	}
	assert.Equal(t, len(want), i, "missing %v in %v", want[i:], calls)
}

func newLedger(t *testing.T) *stores.SQLiteStore {
	t.Helper()
	ctx := context.Background()
	store, err := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	require.NoError(t, err)
	require.NoError(t, store.Init(ctx))
	require.NoError(t, store.Migrate(ctx))
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestApplyInstall(t *testing.T) {
	for _, parallel := range []bool{false, true} {
		t.Run(map[bool]string{false: "sequential", true: "parallel"}[parallel], func(t *testing.T) {
			state := withUpgrade(bundleState(msiPackage("PackageA")), "{OLDER}")
			p := planFor(t, state, engine.ActionInstall)
			svc := newFaulty()

			var mu sync.Mutex
			var ticks []int
			e := NewEngine(state, svc, svc,
				WithParallelCache(parallel),
				WithProgress(func(done, total int) {
					mu.Lock()
					ticks = append(ticks, done)
					mu.Unlock()
					assert.Equal(t, 3, total)
				}),
			)

			result, err := e.Apply(context.Background(), p)
			require.NoError(t, err)

			assert.NotEmpty(t, result.SessionID)
			assert.Equal(t, engine.RestartNone, result.Restart)
			assert.False(t, result.RolledBack)
			assert.Empty(t, result.FailedPackages)

			assert.Equal(t, []string{
				"begin-session(" + bundleID + ")",
				"cache-package(PackageA)",
				"package-provider(PackageA, register)",
				"execute(PackageA, install)",
				"package-dependency(PackageA, register)",
				"execute-related({OLDER}, uninstall)",
				"cleanup(" + bundleID + ")",
				"end-session(" + bundleID + ", keep=true)",
			}, svc.Calls())

			mu.Lock()
			defer mu.Unlock()
			assert.ElementsMatch(t, []int{1, 2, 3}, ticks)
		})
	}
}

func TestApplyEmptyPlan(t *testing.T) {
	svc := newFaulty()
	e := NewEngine(bundleState(), svc, nil)

	result, err := e.Apply(context.Background(), &engine.Plan{Action: engine.ActionInstall, BundleID: bundleID})
	require.NoError(t, err)
	assert.Empty(t, svc.Calls())
	assert.Equal(t, engine.RestartNone, result.Restart)

	_, err = e.Apply(context.Background(), nil)
	assert.True(t, engine.IsPlanningInput(err))
}

func TestApplyVitalFailureRollsBack(t *testing.T) {
	state := withUpgrade(bundleState(msiPackage("PackageA")), "{OLDER}")
	p := planFor(t, state, engine.ActionInstall)
	svc := newFaulty()
	boom := errors.New("msi failed")
	svc.execFail["PackageA"] = boom

	ledger := newLedger(t)
	e := NewEngine(state, svc, svc, WithLedger(ledger))

	result, err := e.Apply(context.Background(), p)
	require.ErrorIs(t, err, boom)
	assert.True(t, result.RolledBack)

	assert.Equal(t, []string{
		"begin-session(" + bundleID + ")",
		"cache-package(PackageA)",
		"package-provider(PackageA, register)",
		"execute(PackageA, uninstall, rollback)",
		"package-provider(PackageA, unregister)",
		"uncache-package(PackageA)",
		"end-session(" + bundleID + ", keep=false)",
	}, svc.Calls())

	// The related bundle never ran, so it is not restored.
	assert.NotContains(t, svc.Calls(), "execute-related({OLDER}, install, rollback)")

	ctx := context.Background()
	session, err := ledger.GetSession(ctx, result.SessionID)
	require.NoError(t, err)
	assert.Equal(t, stores.SessionStatusRolledBack, session.Status)
	require.NotNil(t, session.Error)
	assert.Contains(t, *session.Error, "msi failed")
	assert.Equal(t, p.Fingerprint(), session.Fingerprint)

	actions, err := ledger.ListActions(ctx, result.SessionID)
	require.NoError(t, err)
	var failed, rolledBack int
	for i, a := range actions {
		assert.Equal(t, int64(i+1), a.Sequence)
		if a.Status == stores.ActionStatusFailed {
			failed++
			assert.Equal(t, "PackageA", a.PackageID)
		}
		if a.Rollback {
			rolledBack++
		}
	}
	assert.Equal(t, 1, failed)
	assert.Equal(t, 3, rolledBack)
}

func TestApplyNonVitalPackageContinues(t *testing.T) {
	a := msiPackage("PackageA")
	a.Vital = false
	state := bundleState(a, msiPackage("PackageB"))
	p := planFor(t, state, engine.ActionInstall)
	svc := newFaulty()
	svc.execFail["PackageA"] = errors.New("optional failed")

	result, err := NewEngine(state, svc, svc).Apply(context.Background(), p)
	require.NoError(t, err)

	assert.Equal(t, []string{"PackageA"}, result.FailedPackages)
	assert.False(t, result.RolledBack)
	assertOrdered(t, svc.Calls(), []string{
		"package-dependency(PackageA, register)",
		"execute(PackageB, install)",
		"end-session(" + bundleID + ", keep=true)",
	})
}

func TestApplyNonVitalBoundaryContinues(t *testing.T) {
	a := msiPackage("PackageA")
	a.RollbackBoundaryForward = "Core"
	b := msiPackage("PackageB")
	b.RollbackBoundaryForward = "Optional"
	c := msiPackage("PackageC")
	c.RollbackBoundaryForward = "Tail"
	state := bundleState(a, b, c)
	state.RollbackBoundaries = []engine.RollbackBoundary{
		{ID: "Core", Vital: true},
		{ID: "Optional"},
		{ID: "Tail", Vital: true},
	}
	p := planFor(t, state, engine.ActionInstall)
	svc := newFaulty()
	svc.execFail["PackageB"] = errors.New("b failed")

	result, err := NewEngine(state, svc, svc).Apply(context.Background(), p)
	require.NoError(t, err)

	assert.True(t, result.RolledBack)
	assert.Equal(t, []string{"Optional"}, result.FailedBoundaries)

	calls := svc.Calls()
	assertOrdered(t, calls, []string{
		"execute(PackageA, install)",
		"execute(PackageB, uninstall, rollback)",
		"uncache-package(PackageB)",
		"execute(PackageC, install)",
		"end-session(" + bundleID + ", keep=true)",
	})
	assert.NotContains(t, calls, "execute(PackageA, uninstall, rollback)")
	assert.NotContains(t, calls, "package-dependency(PackageB, register)")
}

func TestApplyTransactionBoundaryRollback(t *testing.T) {
	a := msiPackage("PackageA")
	a.RollbackBoundaryForward = "Tx"
	state := bundleState(a, msiPackage("PackageB"))
	state.RollbackBoundaries = []engine.RollbackBoundary{{ID: "Tx", Vital: true, Transaction: true}}
	p := planFor(t, state, engine.ActionInstall)
	svc := newFaulty()
	svc.execFail["PackageB"] = errors.New("b failed")

	result, err := NewEngine(state, svc, svc).Apply(context.Background(), p)
	require.Error(t, err)
	assert.True(t, result.RolledBack)

	calls := svc.Calls()
	assertOrdered(t, calls, []string{
		"begin-transaction(Tx)",
		"execute(PackageA, install)",
		"rollback-transaction(Tx)",
		"package-provider(PackageA, unregister)",
		"uncache-package(PackageA)",
	})
	assert.NotContains(t, calls, "commit-transaction(Tx)")
	assert.NotContains(t, calls, "execute(PackageA, uninstall, rollback)")
}

func TestApplyDisableRollback(t *testing.T) {
	state := bundleState(msiPackage("PackageA"))
	p := planFor(t, state, engine.ActionInstall)
	svc := newFaulty()
	svc.execFail["PackageA"] = errors.New("failed")

	result, err := NewEngine(state, svc, svc, WithDisableRollback(true)).Apply(context.Background(), p)
	require.Error(t, err)
	assert.False(t, result.RolledBack)
	for _, c := range svc.Calls() {
		assert.NotContains(t, c, "rollback")
	}
}

func TestApplyRestartAggregation(t *testing.T) {
	state := bundleState(msiPackage("PackageA"), msiPackage("PackageB"))
	p := planFor(t, state, engine.ActionInstall)
	svc := newFaulty()
	svc.restart["PackageB"] = engine.RestartRequired

	result, err := NewEngine(state, svc, svc).Apply(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, engine.RestartRequired, result.Restart)
}

func TestApplyCancel(t *testing.T) {
	state := withUpgrade(bundleState(msiPackage("PackageA"), msiPackage("PackageB")), "{OLD1}", "{OLD2}")
	p := planFor(t, state, engine.ActionInstall)
	svc := newFaulty()

	ledger := newLedger(t)
	e := NewEngine(state, svc, svc, WithLedger(ledger))
	svc.onExecute = func(req *engine.ExecuteRequest) {
		if req.BundleID == "{OLD1}" && !req.Rollback {
			e.Cancel()
		}
	}

	result, err := e.Apply(context.Background(), p)
	require.ErrorIs(t, err, ErrCanceled)
	assert.True(t, e.Canceled())

	var engineErr *engine.EngineError
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, engine.ErrCodeCanceled, engineErr.Code)

	calls := svc.Calls()
	assert.Contains(t, calls, "execute-related({OLD1}, uninstall)")
	assert.NotContains(t, calls, "execute-related({OLD2}, uninstall)")
	assert.Contains(t, calls, "execute-related({OLD1}, install, rollback)")
	assert.NotContains(t, calls, "execute-related({OLD2}, install, rollback)")

	session, err := ledger.GetSession(context.Background(), result.SessionID)
	require.NoError(t, err)
	assert.Equal(t, stores.SessionStatusCanceled, session.Status)
}

func TestApplyContextCanceled(t *testing.T) {
	state := bundleState(msiPackage("PackageA"))
	p := planFor(t, state, engine.ActionInstall)
	svc := newFaulty()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewEngine(state, svc, svc).Apply(ctx, p)
	require.ErrorIs(t, err, ErrCanceled)
	require.ErrorIs(t, err, context.Canceled)
	assert.NotContains(t, svc.Calls(), "execute(PackageA, install)")
}

func TestApplyTransportFailureIsFatal(t *testing.T) {
	state := bundleState(msiPackage("PackageA"))
	p := planFor(t, state, engine.ActionInstall)
	svc := newFaulty()
	svc.execFail["PackageA"] = engine.NewTransportError("elevated process went away", nil)

	result, err := NewEngine(state, svc, svc).Apply(context.Background(), p)
	require.True(t, engine.IsTransport(err))
	assert.False(t, result.RolledBack)

	calls := svc.Calls()
	assert.NotContains(t, calls, "uncache-package(PackageA)")
	assert.NotContains(t, calls, "end-session("+bundleID+", keep=false)")
}

func TestApplyPerMachineRequiresElevation(t *testing.T) {
	state := bundleState(msiPackage("PackageA"))
	p := planFor(t, state, engine.ActionInstall)
	svc := newFaulty()

	_, err := NewEngine(state, svc, nil).Apply(context.Background(), p)
	require.True(t, engine.IsTransport(err))
	var engineErr *engine.EngineError
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, engine.ErrCodeNotElevated, engineErr.Code)
	assert.Empty(t, svc.Calls())
}

func TestApplyRoutesPerUserLocally(t *testing.T) {
	a := msiPackage("UserPackage")
	a.PerMachine = false
	state := bundleState(a, msiPackage("MachinePackage"))
	state.Registration.PerMachine = false
	p := planFor(t, state, engine.ActionInstall)

	local, elevated := newFaulty(), newFaulty()
	_, err := NewEngine(state, local, elevated).Apply(context.Background(), p)
	require.NoError(t, err)

	assert.Contains(t, local.Calls(), "execute(UserPackage, install)")
	assert.NotContains(t, local.Calls(), "execute(MachinePackage, install)")
	assert.Contains(t, elevated.Calls(), "execute(MachinePackage, install)")
	assert.Contains(t, elevated.Calls(), "cache-package(MachinePackage)")
}

func TestApplyParallelCacheFailure(t *testing.T) {
	state := bundleState(msiPackage("PackageA"), msiPackage("PackageB"))
	p := planFor(t, state, engine.ActionInstall)
	svc := newFaulty()
	svc.cacheFail["PackageB"] = errors.New("payload hash mismatch")

	result, err := NewEngine(state, svc, svc, WithParallelCache(true)).Apply(context.Background(), p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "payload hash mismatch")
	assert.True(t, result.RolledBack)
	assert.NotContains(t, svc.Calls(), "execute(PackageB, install)")
}

func TestApplyCacheOnlyFailureUncaches(t *testing.T) {
	state := bundleState(msiPackage("PackageA"), msiPackage("PackageB"))
	p := planFor(t, state, engine.ActionCache)
	svc := newFaulty()
	svc.cacheFail["PackageB"] = errors.New("disk full")

	_, err := NewEngine(state, svc, svc).Apply(context.Background(), p)
	require.Error(t, err)
	assertOrdered(t, svc.Calls(), []string{
		"cache-package(PackageA)",
		"uncache-package(PackageB)",
		"uncache-package(PackageA)",
	})
}

func TestApplyUninstall(t *testing.T) {
	a := msiPackage("PackageA")
	a.CurrentState = engine.PackageStatePresent
	a.Cached = true
	a.Providers[0].Exists = true
	a.Providers[0].Dependents = []string{"burn.test.bundle"}
	state := bundleState(a)
	state.Registration.Installed = true
	p := planFor(t, state, engine.ActionUninstall)
	svc := newFaulty()

	_, err := NewEngine(state, svc, svc).Apply(context.Background(), p)
	require.NoError(t, err)

	assertOrdered(t, svc.Calls(), []string{
		"begin-session(" + bundleID + ")",
		"execute(PackageA, uninstall)",
		"clean-package(PackageA)",
		"end-session(" + bundleID + ", keep=false)",
	})
}
