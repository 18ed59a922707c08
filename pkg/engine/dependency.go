package engine

// DependencyDecision is the outcome of the dependency policy for one edge,
// in both directions.
type DependencyDecision struct {
	Execute  DependencyAction
	Rollback DependencyAction
}

// DecideDependency is the registration policy for a provider or dependent
// edge. Register is planned only when the edge is not registered yet.
// Unregister is planned only when it is registered and removing it orphans
// nobody, unless ignoreDependents forces the removal. The rollback action
// reverses whatever the execute action does.
func DecideDependency(registered bool, request RequestState, otherDependents, ignoreDependents bool) DependencyDecision {
	var execute DependencyAction
	switch {
	case request.WantsPresent() && !registered:
		execute = DependencyActionRegister
	case request.WantsAbsent() && registered && (!otherDependents || ignoreDependents):
		execute = DependencyActionUnregister
	default:
		execute = DependencyActionNone
	}
	return DependencyDecision{Execute: execute, Rollback: execute.Reverse()}
}

// planPackageDependencies fills the provider and dependent actions of every
// provider of pkg and returns the package level actions. The package level
// action is the first non-none action across its providers.
func planPackageDependencies(pkg *Package, reg *Registration, ignoreAll bool) (provider, dependent DependencyDecision) {
	provider = DependencyDecision{Execute: DependencyActionNone, Rollback: DependencyActionNone}
	dependent = provider

	for i := range pkg.Providers {
		dp := &pkg.Providers[i]

		others := otherDependents(dp.Dependents, reg)
		ignore := ignoreAll || pkg.Requested == RequestStateForceAbsent || ignoresAll(reg, dp.Dependents)
		pd := DecideDependency(dp.Exists, pkg.Requested, others, ignore)
		dp.ProviderExecute = pd.Execute
		dp.ProviderRollback = pd.Rollback

		// The bundle's own edge is never blocked by other dependents.
		dd := DecideDependency(dp.HasDependent(reg.ProviderKey), pkg.Requested, false, true)
		dp.DependentExecute = dd.Execute
		dp.DependentRollback = dd.Rollback

		if provider.Execute.IsNone() && !pd.Execute.IsNone() {
			provider = pd
		}
		if dependent.Execute.IsNone() && !dd.Execute.IsNone() {
			dependent = dd
		}
	}
	return provider, dependent
}

// otherDependents reports whether any dependent besides this bundle and its
// parent remains.
func otherDependents(dependents []string, reg *Registration) bool {
	for _, key := range dependents {
		if key == reg.ProviderKey || key == reg.BundleID {
			continue
		}
		if reg.ParentID != "" && key == reg.ParentID {
			continue
		}
		return true
	}
	return false
}

// ignoresAll reports whether every other dependent is on the ignore list.
func ignoresAll(reg *Registration, dependents []string) bool {
	if len(reg.IgnoreDependencies) == 0 {
		return false
	}
	for _, key := range dependents {
		if key == reg.ProviderKey || key == reg.BundleID || key == reg.ParentID {
			continue
		}
		if !reg.IgnoresDependent(key) {
			return false
		}
	}
	return true
}

// blockingDependents returns the bundle dependents that prevent removal.
func blockingDependents(reg *Registration) []string {
	var out []string
	for _, key := range reg.Dependents {
		if key == reg.BundleID || key == reg.ProviderKey {
			continue
		}
		if reg.ParentID != "" && key == reg.ParentID {
			continue
		}
		if reg.IgnoresDependent(key) {
			continue
		}
		out = append(out, key)
	}
	return out
}
