package engine

import (
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// PackageRef points into EngineState.Packages.
type PackageRef struct {
	Index int    `json:"index"`
	ID    string `json:"id"`
}

// BoundaryRef points into the planned boundary list.
type BoundaryRef struct {
	Index int    `json:"index"`
	ID    string `json:"id"`
}

// CacheAction is an entry of the cache or rollback-cache list.
type CacheAction interface {
	fmt.Stringer
	cacheAction()
}

// ExecuteAction is an entry of the execute or rollback list.
type ExecuteAction interface {
	fmt.Stringer
	executeAction()
}

// Checkpoint marks a point rollback can resume from. It appears in every list.
type Checkpoint struct {
	ID int `json:"id"`
}

func (Checkpoint) cacheAction()     {}
func (Checkpoint) executeAction()   {}
func (c Checkpoint) String() string { return fmt.Sprintf("checkpoint(%d)", c.ID) }

// AcquireContainer acquires a detached container before packages read from it.
type AcquireContainer struct {
	ContainerID string `json:"container_id"`
}

func (AcquireContainer) cacheAction() {}
func (a AcquireContainer) String() string {
	return fmt.Sprintf("acquire-container(%s)", a.ContainerID)
}

// CachePackage caches the payloads of a package.
type CachePackage struct {
	Package    PackageRef `json:"package"`
	Containers []string   `json:"containers,omitempty"`
}

func (CachePackage) cacheAction() {}
func (a CachePackage) String() string {
	return fmt.Sprintf("package-cache(%s)", a.Package.ID)
}

// RollbackCachePackage undoes the caching of a package.
type RollbackCachePackage struct {
	Package PackageRef `json:"package"`
}

func (RollbackCachePackage) cacheAction() {}
func (a RollbackCachePackage) String() string {
	return fmt.Sprintf("rollback-package-cache(%s)", a.Package.ID)
}

// SignalSyncpoint releases the execute side waiting on a cached package.
type SignalSyncpoint struct {
	Package PackageRef `json:"package"`
}

func (SignalSyncpoint) cacheAction() {}
func (a SignalSyncpoint) String() string {
	return fmt.Sprintf("signal-syncpoint(%s)", a.Package.ID)
}

// RollbackBoundaryStart opens a rollback boundary.
type RollbackBoundaryStart struct {
	Boundary BoundaryRef `json:"boundary"`
}

func (RollbackBoundaryStart) executeAction() {}
func (a RollbackBoundaryStart) String() string {
	return fmt.Sprintf("rollback-boundary-start(%s)", a.Boundary.ID)
}

// RollbackBoundaryEnd closes a rollback boundary.
type RollbackBoundaryEnd struct {
	Boundary BoundaryRef `json:"boundary"`
}

func (RollbackBoundaryEnd) executeAction() {}
func (a RollbackBoundaryEnd) String() string {
	return fmt.Sprintf("rollback-boundary-end(%s)", a.Boundary.ID)
}

// WaitCachePackage blocks execution until the package has been cached.
type WaitCachePackage struct {
	Package PackageRef `json:"package"`
}

func (WaitCachePackage) executeAction() {}
func (a WaitCachePackage) String() string {
	return fmt.Sprintf("wait-cache(%s)", a.Package.ID)
}

// UncachePackage removes a package cached by this plan.
type UncachePackage struct {
	Package PackageRef `json:"package"`
}

func (UncachePackage) executeAction() {}
func (a UncachePackage) String() string {
	return fmt.Sprintf("uncache(%s)", a.Package.ID)
}

// BeginMsiTransaction starts a multi-package MSI transaction.
type BeginMsiTransaction struct {
	Boundary BoundaryRef `json:"boundary"`
}

func (BeginMsiTransaction) executeAction() {}
func (a BeginMsiTransaction) String() string {
	return fmt.Sprintf("begin-msi-transaction(%s)", a.Boundary.ID)
}

// CommitMsiTransaction commits a multi-package MSI transaction.
type CommitMsiTransaction struct {
	Boundary BoundaryRef `json:"boundary"`
}

func (CommitMsiTransaction) executeAction() {}
func (a CommitMsiTransaction) String() string {
	return fmt.Sprintf("commit-msi-transaction(%s)", a.Boundary.ID)
}

// RollbackMsiTransaction rolls back a multi-package MSI transaction.
type RollbackMsiTransaction struct {
	Boundary BoundaryRef `json:"boundary"`
}

func (RollbackMsiTransaction) executeAction() {}
func (a RollbackMsiTransaction) String() string {
	return fmt.Sprintf("rollback-msi-transaction(%s)", a.Boundary.ID)
}

// PackageExecution is the part shared by the per-type package actions.
type PackageExecution struct {
	Package PackageRef  `json:"package"`
	Action  ActionState `json:"action"`
}

// ExecutePackage is implemented by the package execute actions.
type ExecutePackage interface {
	ExecuteAction
	Execution() PackageExecution
}

// Execution returns the shared package execution fields.
func (p PackageExecution) Execution() PackageExecution { return p }

func (p PackageExecution) render(kind string) string {
	return fmt.Sprintf("%s(%s, %s)", kind, p.Package.ID, p.Action)
}

// ExePackageAction runs an executable package.
type ExePackageAction struct {
	PackageExecution
}

func (ExePackageAction) executeAction()   {}
func (a ExePackageAction) String() string { return a.render("exe-package") }

// MsiPackageAction runs an msi package together with its slipstreamed patches.
type MsiPackageAction struct {
	PackageExecution
	SlipstreamPatches []PackageRef `json:"slipstream_patches,omitempty"`
}

func (MsiPackageAction) executeAction() {}
func (a MsiPackageAction) String() string {
	if len(a.SlipstreamPatches) == 0 {
		return a.render("msi-package")
	}
	ids := make([]string, len(a.SlipstreamPatches))
	for i, p := range a.SlipstreamPatches {
		ids[i] = p.ID
	}
	return fmt.Sprintf("msi-package(%s, %s, slipstream=%s)", a.Package.ID, a.Action, strings.Join(ids, ","))
}

// MsuPackageAction runs an update package.
type MsuPackageAction struct {
	PackageExecution
}

func (MsuPackageAction) executeAction()   {}
func (a MsuPackageAction) String() string { return a.render("msu-package") }

// BundlePackageAction runs a nested bundle package.
type BundlePackageAction struct {
	PackageExecution
}

func (BundlePackageAction) executeAction()   {}
func (a BundlePackageAction) String() string { return a.render("bundle-package") }

// MspTargetAction applies an ordered list of patches to one target product.
type MspTargetAction struct {
	// Package is the first patch package planned against the target.
	Package     PackageRef   `json:"package"`
	ProductCode string       `json:"product_code"`
	PerMachine  bool         `json:"per_machine"`
	Action      ActionState  `json:"action"`
	Boundary    int          `json:"boundary"`
	Patches     []PackageRef `json:"patches"`
}

func (MspTargetAction) executeAction() {}
func (a MspTargetAction) String() string {
	ids := make([]string, len(a.Patches))
	for i, p := range a.Patches {
		ids[i] = p.ID
	}
	return fmt.Sprintf("msp-target(%s, %s, patches=%s)", a.ProductCode, a.Action, strings.Join(ids, ","))
}

// UninstallMsiCompatiblePackage removes an orphaned compatible product.
type UninstallMsiCompatiblePackage struct {
	Package     PackageRef `json:"package"`
	ProductCode string     `json:"product_code"`
}

func (UninstallMsiCompatiblePackage) executeAction() {}
func (a UninstallMsiCompatiblePackage) String() string {
	return fmt.Sprintf("uninstall-msi-compatible(%s, %s)", a.Package.ID, a.ProductCode)
}

// RelatedBundleAction runs a related bundle.
type RelatedBundleAction struct {
	Index              int         `json:"index"`
	BundleID           string      `json:"bundle_id"`
	Action             ActionState `json:"action"`
	IgnoreDependencies string      `json:"ignore_dependencies,omitempty"`
}

func (RelatedBundleAction) executeAction() {}
func (a RelatedBundleAction) String() string {
	return fmt.Sprintf("related-bundle(%s, %s)", a.BundleID, a.Action)
}

// PackageProviderAction registers or unregisters the provider keys of a package.
type PackageProviderAction struct {
	Package    PackageRef       `json:"package"`
	Action     DependencyAction `json:"action"`
	Compatible bool             `json:"compatible,omitempty"`
}

func (PackageProviderAction) executeAction() {}
func (a PackageProviderAction) String() string {
	if a.Compatible {
		return fmt.Sprintf("package-provider(%s, %s, compatible)", a.Package.ID, a.Action)
	}
	return fmt.Sprintf("package-provider(%s, %s)", a.Package.ID, a.Action)
}

// PackageDependencyAction registers or unregisters the bundle as a dependent
// of a package's provider keys.
type PackageDependencyAction struct {
	Package           PackageRef       `json:"package"`
	Action            DependencyAction `json:"action"`
	BundleProviderKey string           `json:"bundle_provider_key"`
	Compatible        bool             `json:"compatible,omitempty"`
}

func (PackageDependencyAction) executeAction() {}
func (a PackageDependencyAction) String() string {
	if a.Compatible {
		return fmt.Sprintf("package-dependency(%s, %s, compatible)", a.Package.ID, a.Action)
	}
	return fmt.Sprintf("package-dependency(%s, %s)", a.Package.ID, a.Action)
}

// DeletedAction is a tombstone for an action removed after it was planned.
type DeletedAction struct {
	Original ExecuteAction `json:"original"`
}

func (DeletedAction) executeAction() {}
func (a DeletedAction) String() string {
	return fmt.Sprintf("deleted(%s)", a.Original)
}

// DependentRegistration registers or unregisters a bundle as a dependent of
// this bundle's provider key.
type DependentRegistration struct {
	Action      DependencyAction `json:"action"`
	BundleID    string           `json:"bundle_id"`
	ProviderKey string           `json:"provider_key"`
}

func (a DependentRegistration) String() string {
	return fmt.Sprintf("dependent-registration(%s, %s, %s)", a.Action, a.BundleID, a.ProviderKey)
}

// CleanAction is an entry of the clean list.
type CleanAction interface {
	fmt.Stringer
	cleanAction()
}

// CleanPackage removes a package from the package cache.
type CleanPackage struct {
	Package PackageRef `json:"package"`
}

func (CleanPackage) cleanAction()     {}
func (a CleanPackage) String() string { return fmt.Sprintf("clean-package(%s)", a.Package.ID) }

// CleanCompatiblePackage removes a compatible package from the package cache.
type CleanCompatiblePackage struct {
	Package     PackageRef `json:"package"`
	ProductCode string     `json:"product_code"`
}

func (CleanCompatiblePackage) cleanAction() {}
func (a CleanCompatiblePackage) String() string {
	return fmt.Sprintf("clean-compatible-package(%s, %s)", a.Package.ID, a.ProductCode)
}

// RestoreRelatedBundle re-runs a related bundle removed by this plan when apply fails.
type RestoreRelatedBundle struct {
	Index    int         `json:"index"`
	BundleID string      `json:"bundle_id"`
	Action   ActionState `json:"action"`
}

func (a RestoreRelatedBundle) String() string {
	return fmt.Sprintf("restore-related-bundle(%s, %s)", a.BundleID, a.Action)
}

// PlannedProvider is a flattened dependency registration intent.
type PlannedProvider struct {
	Key         string           `json:"key"`
	Version     string           `json:"version,omitempty"`
	DisplayName string           `json:"display_name,omitempty"`
	PackageID   string           `json:"package_id,omitempty"`
	Execute     DependencyAction `json:"execute"`
	Rollback    DependencyAction `json:"rollback"`
}

func (p PlannedProvider) String() string {
	owner := p.PackageID
	if owner == "" {
		owner = "bundle"
	}
	return fmt.Sprintf("provider(%s, %s, %s/%s)", p.Key, owner, p.Execute, p.Rollback)
}

// Plan is the result of planning an action against detected state.
type Plan struct {
	Action      Action `json:"action"`
	BundleID    string `json:"bundle_id"`
	ProviderKey string `json:"provider_key"`

	// Boundaries are the boundaries referenced by BoundaryRef, including the
	// synthesized default boundary when used.
	Boundaries []RollbackBoundary `json:"boundaries"`

	CacheActions                []CacheAction           `json:"-"`
	RollbackCacheActions        []CacheAction           `json:"-"`
	ExecuteActions              []ExecuteAction         `json:"-"`
	RollbackActions             []ExecuteAction         `json:"-"`
	RegistrationActions         []DependentRegistration `json:"registration_actions,omitempty"`
	RollbackRegistrationActions []DependentRegistration `json:"rollback_registration_actions,omitempty"`
	CleanActions                []CleanAction           `json:"-"`
	RestoreRelatedBundles       []RestoreRelatedBundle  `json:"restore_related_bundles,omitempty"`
	PlannedProviders            []PlannedProvider       `json:"planned_providers,omitempty"`

	PerMachine             bool                  `json:"per_machine"`
	CanAffectMachineState  bool                  `json:"can_affect_machine_state"`
	Downgrade              bool                  `json:"downgrade"`
	DisallowRemoval        bool                  `json:"disallow_removal"`
	DisableRollback        bool                  `json:"disable_rollback"`
	RegistrationOperations RegistrationOperation `json:"registration_operations"`

	EstimatedSize             uint64 `json:"estimated_size"`
	CacheSizeTotal            uint64 `json:"cache_size_total"`
	ExecutePackagesTotal      int    `json:"execute_packages_total"`
	OverallProgressTicksTotal int    `json:"overall_progress_ticks_total"`

	lastCheckpoint int
}

func (p *Plan) nextCheckpoint() Checkpoint {
	p.lastCheckpoint++
	return Checkpoint{ID: p.lastCheckpoint}
}

// LiveExecuteActions returns the execute actions without tombstones.
func (p *Plan) LiveExecuteActions() []ExecuteAction {
	return live(p.ExecuteActions)
}

// LiveRollbackActions returns the rollback actions without tombstones.
func (p *Plan) LiveRollbackActions() []ExecuteAction {
	return live(p.RollbackActions)
}

func live(actions []ExecuteAction) []ExecuteAction {
	out := make([]ExecuteAction, 0, len(actions))
	for _, a := range actions {
		if _, deleted := a.(DeletedAction); deleted {
			continue
		}
		out = append(out, a)
	}
	return out
}

// IsEmpty returns true if the plan performs no cache, execute or registration work.
func (p *Plan) IsEmpty() bool {
	return len(p.CacheActions) == 0 && len(p.ExecuteActions) == 0 &&
		len(p.RollbackActions) == 0 && len(p.RegistrationActions) == 0 &&
		len(p.CleanActions) == 0
}

// Render writes a canonical, line-oriented rendering of the plan.
func (p *Plan) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "plan %s bundle=%s provider=%s\n", p.Action, p.BundleID, p.ProviderKey)
	section := func(name string, n int, item func(i int) string) {
		fmt.Fprintf(&b, "%s:\n", name)
		for i := 0; i < n; i++ {
			fmt.Fprintf(&b, "  %s\n", item(i))
		}
	}
	section("cache", len(p.CacheActions), func(i int) string { return p.CacheActions[i].String() })
	section("rollback-cache", len(p.RollbackCacheActions), func(i int) string { return p.RollbackCacheActions[i].String() })
	section("execute", len(p.ExecuteActions), func(i int) string { return p.ExecuteActions[i].String() })
	section("rollback", len(p.RollbackActions), func(i int) string { return p.RollbackActions[i].String() })
	section("registration", len(p.RegistrationActions), func(i int) string { return p.RegistrationActions[i].String() })
	section("rollback-registration", len(p.RollbackRegistrationActions), func(i int) string { return p.RollbackRegistrationActions[i].String() })
	section("clean", len(p.CleanActions), func(i int) string { return p.CleanActions[i].String() })
	section("restore-related-bundles", len(p.RestoreRelatedBundles), func(i int) string { return p.RestoreRelatedBundles[i].String() })
	section("planned-providers", len(p.PlannedProviders), func(i int) string { return p.PlannedProviders[i].String() })
	fmt.Fprintf(&b, "per-machine=%t can-affect-machine-state=%t downgrade=%t disallow-removal=%t disable-rollback=%t registration-operations=%d\n",
		p.PerMachine, p.CanAffectMachineState, p.Downgrade, p.DisallowRemoval, p.DisableRollback, p.RegistrationOperations)
	fmt.Fprintf(&b, "estimated-size=%d cache-size-total=%d execute-packages-total=%d overall-progress-ticks-total=%d\n",
		p.EstimatedSize, p.CacheSizeTotal, p.ExecutePackagesTotal, p.OverallProgressTicksTotal)
	return b.String()
}

// Fingerprint returns a BLAKE2b-256 digest of the canonical rendering. Two
// plans with the same fingerprint contain the same actions and aggregates.
func (p *Plan) Fingerprint() string {
	sum := blake2b.Sum256([]byte(p.Render()))
	return hex.EncodeToString(sum[:])
}
