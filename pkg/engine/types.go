package engine

import "fmt"

// DefaultRollbackBoundaryID is the boundary synthesized for packages that are
// not assigned to an authored boundary.
const DefaultRollbackBoundaryID = "WixDefaultBoundary"

// PackageType identifies the installer technology of a chain package.
type PackageType string

const (
	PackageTypeExe    PackageType = "exe"
	PackageTypeMsi    PackageType = "msi"
	PackageTypeMsp    PackageType = "msp"
	PackageTypeMsu    PackageType = "msu"
	PackageTypeBundle PackageType = "bundle"
)

// PackageDetails holds the type-specific part of a package. The set of
// implementations is closed: ExeDetails, MsiDetails, MspDetails, MsuDetails
// and BundleDetails.
type PackageDetails interface {
	Type() PackageType
}

// ExeDetails describes an executable package.
type ExeDetails struct {
	InstallArguments   string `json:"install_arguments,omitempty" yaml:"install_arguments,omitempty"`
	RepairArguments    string `json:"repair_arguments,omitempty" yaml:"repair_arguments,omitempty"`
	UninstallArguments string `json:"uninstall_arguments,omitempty" yaml:"uninstall_arguments,omitempty"`
	Repairable         bool   `json:"repairable" yaml:"repairable"`
	Uninstallable      bool   `json:"uninstallable" yaml:"uninstallable"`
}

// Type implements PackageDetails.
func (ExeDetails) Type() PackageType { return PackageTypeExe }

// MsiDetails describes a Windows Installer product package.
type MsiDetails struct {
	ProductCode string `json:"product_code" yaml:"product_code"`
	UpgradeCode string `json:"upgrade_code,omitempty" yaml:"upgrade_code,omitempty"`
	Version     string `json:"version" yaml:"version"`

	// SlipstreamPatches lists the ids of msp packages applied together with this product.
	SlipstreamPatches []string `json:"slipstream_patches,omitempty" yaml:"slipstream_patches,omitempty"`
}

// Type implements PackageDetails.
func (MsiDetails) Type() PackageType { return PackageTypeMsi }

// MspTarget is a product a patch package applies to.
type MspTarget struct {
	ProductCode string       `json:"product_code" yaml:"product_code"`
	PerMachine  bool         `json:"per_machine" yaml:"per_machine"`
	State       PackageState `json:"state" yaml:"state"`

	// Package is the id of the chain msi package that installs ProductCode, if any.
	Package string `json:"package,omitempty" yaml:"package,omitempty"`

	// Slipstream is true when the patch is applied as part of Package's own action.
	Slipstream bool `json:"slipstream" yaml:"slipstream"`

	Execute  ActionState `json:"execute,omitempty" yaml:"-"`
	Rollback ActionState `json:"rollback,omitempty" yaml:"-"`
}

// MspDetails describes a patch package.
type MspDetails struct {
	PatchCode string      `json:"patch_code" yaml:"patch_code"`
	Targets   []MspTarget `json:"targets" yaml:"targets"`
}

// Type implements PackageDetails.
func (MspDetails) Type() PackageType { return PackageTypeMsp }

// MsuDetails describes a Windows update package.
type MsuDetails struct {
	KB string `json:"kb" yaml:"kb"`
}

// Type implements PackageDetails.
func (MsuDetails) Type() PackageType { return PackageTypeMsu }

// BundleDetails describes a nested bundle package.
type BundleDetails struct {
	BundleCode       string `json:"bundle_code" yaml:"bundle_code"`
	Version          string `json:"version" yaml:"version"`
	InstallArguments string `json:"install_arguments,omitempty" yaml:"install_arguments,omitempty"`
}

// Type implements PackageDetails.
func (BundleDetails) Type() PackageType { return PackageTypeBundle }

// DependencyProvider is a provider key a package publishes so other bundles
// can declare a dependency on it.
type DependencyProvider struct {
	Key         string `json:"key" yaml:"key" validate:"required"`
	Version     string `json:"version,omitempty" yaml:"version,omitempty"`
	DisplayName string `json:"display_name,omitempty" yaml:"display_name,omitempty"`

	// Exists is true when detection found the provider key registered.
	Exists bool `json:"exists" yaml:"exists"`

	// Dependents are the provider keys currently registered as depending on Key.
	Dependents []string `json:"dependents,omitempty" yaml:"dependents,omitempty"`

	ProviderExecute   DependencyAction `json:"provider_execute,omitempty" yaml:"-"`
	ProviderRollback  DependencyAction `json:"provider_rollback,omitempty" yaml:"-"`
	DependentExecute  DependencyAction `json:"dependent_execute,omitempty" yaml:"-"`
	DependentRollback DependencyAction `json:"dependent_rollback,omitempty" yaml:"-"`
}

// HasDependent reports whether key is registered as a dependent of the provider.
func (d *DependencyProvider) HasDependent(key string) bool {
	for _, dep := range d.Dependents {
		if dep == key {
			return true
		}
	}
	return false
}

// CompatiblePackage is an installed msi product that satisfies the provider of
// an authored package without being authored itself.
type CompatiblePackage struct {
	ProductCode string   `json:"product_code" yaml:"product_code"`
	Version     string   `json:"version,omitempty" yaml:"version,omitempty"`
	ProviderKey string   `json:"provider_key" yaml:"provider_key"`
	Dependents  []string `json:"dependents,omitempty" yaml:"dependents,omitempty"`

	// Detected is true when the product is present on the machine.
	Detected bool `json:"detected" yaml:"detected"`

	// Remove is set by the planner when the compatible package is orphaned.
	Remove bool `json:"remove,omitempty" yaml:"-"`
}

// Package is a chain package of the bundle.
type Package struct {
	ID          string         `json:"id"`
	Details     PackageDetails `json:"-"`
	PerMachine  bool           `json:"per_machine"`
	Permanent   bool           `json:"permanent"`
	Vital       bool           `json:"vital"`
	InstallSize uint64         `json:"install_size"`
	CacheSize   uint64         `json:"cache_size"`

	// Containers lists the containers holding the package payloads.
	Containers []string             `json:"containers,omitempty"`
	Providers  []DependencyProvider `json:"providers,omitempty"`

	// RollbackBoundaryForward is the boundary opened before this package on install or repair.
	RollbackBoundaryForward string `json:"rollback_boundary_forward,omitempty"`

	// RollbackBoundaryBackward is the boundary opened before this package on uninstall.
	RollbackBoundaryBackward string `json:"rollback_boundary_backward,omitempty"`

	Compatible *CompatiblePackage `json:"compatible,omitempty"`

	// Detected state.
	CurrentState PackageState `json:"current_state"`
	Cached       bool         `json:"cached"`

	// Planned state. Reset at the start of every plan.
	Requested                   RequestState      `json:"requested,omitempty"`
	Execute                     ActionState       `json:"execute,omitempty"`
	Rollback                    ActionState       `json:"rollback,omitempty"`
	CacheThisPlan               bool              `json:"cache_this_plan,omitempty"`
	ExpectedInstallRegistration RegistrationState `json:"expected_install_registration,omitempty"`
	ExpectedCacheRegistration   RegistrationState `json:"expected_cache_registration,omitempty"`
}

// Type returns the package type, derived from its details.
func (p *Package) Type() PackageType {
	if p.Details == nil {
		return ""
	}
	return p.Details.Type()
}

func (p *Package) resetPlan() {
	p.Requested = RequestStateNone
	p.Execute = ActionStateNone
	p.Rollback = ActionStateNone
	p.CacheThisPlan = false
	p.ExpectedInstallRegistration = RegistrationStateUnknown
	p.ExpectedCacheRegistration = RegistrationStateUnknown
	for i := range p.Providers {
		p.Providers[i].ProviderExecute = DependencyActionNone
		p.Providers[i].ProviderRollback = DependencyActionNone
		p.Providers[i].DependentExecute = DependencyActionNone
		p.Providers[i].DependentRollback = DependencyActionNone
	}
	if p.Compatible != nil {
		p.Compatible.Remove = false
	}
	if msp := p.msp(); msp != nil {
		for i := range msp.Targets {
			msp.Targets[i].Execute = ActionStateNone
			msp.Targets[i].Rollback = ActionStateNone
		}
	}
}

// RollbackBoundary groups chain packages into an atomic rollback unit.
type RollbackBoundary struct {
	ID    string `json:"id" yaml:"id" validate:"required"`
	Vital bool   `json:"vital" yaml:"vital"`

	// Transaction is true when the boundary is a multi-package MSI transaction.
	Transaction bool `json:"transaction" yaml:"transaction"`
}

// RelatedBundle is another bundle on the machine related to this one.
type RelatedBundle struct {
	BundleID         string       `json:"bundle_id"`
	ProviderKey      string       `json:"provider_key,omitempty"`
	Version          string       `json:"version"`
	DetectedRelation RelationType `json:"detected_relation"`

	// PerMachine is the scope the related bundle was registered in.
	PerMachine bool `json:"per_machine"`

	// Plannable is false when the related bundle's cached executable is missing.
	Plannable bool `json:"plannable"`

	// AllowsDowngrade permits installing this bundle over a newer related upgrade bundle.
	AllowsDowngrade bool `json:"allows_downgrade"`

	// Planned state.
	DefaultPlanRelation RelationType `json:"default_plan_relation,omitempty"`
	PlanRelation        RelationType `json:"plan_relation,omitempty"`
	Requested           RequestState `json:"requested,omitempty"`
	Execute             ActionState  `json:"execute,omitempty"`
	Rollback            ActionState  `json:"rollback,omitempty"`
}

func (r *RelatedBundle) resetPlan() {
	r.DefaultPlanRelation = RelationNone
	r.PlanRelation = RelationNone
	r.Requested = RequestStateNone
	r.Execute = ActionStateNone
	r.Rollback = ActionStateNone
}

// Container is a payload container referenced by packages.
type Container struct {
	ID string `json:"id" yaml:"id" validate:"required"`

	// Attached containers are part of the bundle executable and need no acquisition.
	Attached bool `json:"attached" yaml:"attached"`
}

// Registration is the detected registration of the bundle being planned.
type Registration struct {
	BundleID    string `json:"bundle_id" yaml:"bundle_id" validate:"required"`
	ProviderKey string `json:"provider_key" yaml:"provider_key" validate:"required"`
	Version     string `json:"version" yaml:"version"`
	PerMachine  bool   `json:"per_machine" yaml:"per_machine"`

	// Installed is true when the bundle registration was detected.
	Installed bool `json:"installed" yaml:"installed"`

	// SystemComponent hides the bundle from Add/Remove Programs.
	SystemComponent bool `json:"system_component" yaml:"system_component"`

	// ParentID is the active parent bundle registered as a dependent of this bundle.
	ParentID string `json:"parent_id,omitempty" yaml:"parent_id,omitempty"`

	// IgnoreDependencies lists dependent keys to ignore on uninstall. "ALL" ignores every dependent.
	IgnoreDependencies []string `json:"ignore_dependencies,omitempty" yaml:"ignore_dependencies,omitempty"`

	// Dependents are the keys detected as depending on ProviderKey.
	Dependents []string `json:"dependents,omitempty" yaml:"dependents,omitempty"`
}

// IgnoresDependent reports whether key is in the ignore list.
func (r *Registration) IgnoresDependent(key string) bool {
	for _, ignored := range r.IgnoreDependencies {
		if ignored == "ALL" || ignored == key {
			return true
		}
	}
	return false
}

// IgnoreDependenciesString returns the semicolon-joined ignore list passed to related bundles.
func (r *Registration) IgnoreDependenciesString() string {
	out := ""
	for i, key := range r.IgnoreDependencies {
		if i > 0 {
			out += ";"
		}
		out += key
	}
	return out
}

// EngineState is the detected state the planner consumes. The planner writes
// planned fields back into the packages and related bundles.
type EngineState struct {
	Registration       Registration       `json:"registration"`
	Packages           []Package          `json:"packages"`
	RollbackBoundaries []RollbackBoundary `json:"rollback_boundaries,omitempty"`
	RelatedBundles     []RelatedBundle    `json:"related_bundles,omitempty"`
	Containers         []Container        `json:"containers,omitempty"`
}

// PackageIndex returns the index of the package with the given id, or -1.
func (s *EngineState) PackageIndex(id string) int {
	for i := range s.Packages {
		if s.Packages[i].ID == id {
			return i
		}
	}
	return -1
}

// BoundaryIndex returns the index of the boundary with the given id, or -1.
func (s *EngineState) BoundaryIndex(id string) int {
	for i := range s.RollbackBoundaries {
		if s.RollbackBoundaries[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *EngineState) container(id string) (*Container, error) {
	for i := range s.Containers {
		if s.Containers[i].ID == id {
			return &s.Containers[i], nil
		}
	}
	return nil, fmt.Errorf("container %s not found", id)
}
