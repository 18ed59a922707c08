package engine

import (
	"encoding/json"
	"fmt"
)

// Action is the top-level operation requested of the bundle.
type Action string

const (
	// ActionInstall installs the bundle chain.
	ActionInstall Action = "install"

	// ActionUninstall removes the bundle chain.
	ActionUninstall Action = "uninstall"

	// ActionModify changes the set of installed packages.
	ActionModify Action = "modify"

	// ActionRepair repairs every installed package.
	ActionRepair Action = "repair"

	// ActionCache only acquires packages into the package cache.
	ActionCache Action = "cache"

	// ActionUnsafeUninstall forcibly removes the chain, ignoring dependents.
	ActionUnsafeUninstall Action = "unsafe-uninstall"
)

// IsUninstall returns true for both uninstall flavors.
func (a Action) IsUninstall() bool {
	return a == ActionUninstall || a == ActionUnsafeUninstall
}

// Validate checks if the action is valid.
func (a Action) Validate() error {
	switch a {
	case ActionInstall, ActionUninstall, ActionModify, ActionRepair,
		ActionCache, ActionUnsafeUninstall:
		return nil
	default:
		return fmt.Errorf("invalid action: %s", a)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (a Action) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(a))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (a *Action) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*a = Action(str)
	return a.Validate()
}

// PackageState is the detected state of a package on the machine.
type PackageState string

const (
	// PackageStateUnknown indicates detection did not determine a state.
	PackageStateUnknown PackageState = "unknown"

	// PackageStateObsolete indicates a newer version of the package is installed.
	PackageStateObsolete PackageState = "obsolete"

	// PackageStateAbsent indicates the package is not installed.
	PackageStateAbsent PackageState = "absent"

	// PackageStatePresent indicates the package is installed.
	PackageStatePresent PackageState = "present"

	// PackageStateSuperseded indicates the package is installed but replaced by another.
	PackageStateSuperseded PackageState = "superseded"
)

// IsInstalled returns true if the package occupies the machine in any form.
func (s PackageState) IsInstalled() bool {
	return s == PackageStatePresent || s == PackageStateSuperseded
}

// Validate checks if the package state is valid.
func (s PackageState) Validate() error {
	switch s {
	case PackageStateUnknown, PackageStateObsolete, PackageStateAbsent,
		PackageStatePresent, PackageStateSuperseded:
		return nil
	default:
		return fmt.Errorf("invalid package state: %s", s)
	}
}

// RequestState is the state a package or related bundle is asked to reach.
type RequestState string

const (
	// RequestStateNone leaves the package alone.
	RequestStateNone RequestState = "none"

	// RequestStateForceAbsent removes the package even when it would normally be kept.
	RequestStateForceAbsent RequestState = "force-absent"

	// RequestStateAbsent removes the package.
	RequestStateAbsent RequestState = "absent"

	// RequestStateCache only caches the package.
	RequestStateCache RequestState = "cache"

	// RequestStatePresent installs the package.
	RequestStatePresent RequestState = "present"

	// RequestStateForcePresent installs the package even when it is already present.
	RequestStateForcePresent RequestState = "force-present"

	// RequestStateRepair repairs the package.
	RequestStateRepair RequestState = "repair"
)

// WantsPresent returns true if the request leaves the package installed.
func (r RequestState) WantsPresent() bool {
	return r == RequestStatePresent || r == RequestStateForcePresent || r == RequestStateRepair
}

// WantsAbsent returns true if the request removes the package.
func (r RequestState) WantsAbsent() bool {
	return r == RequestStateAbsent || r == RequestStateForceAbsent
}

// Validate checks if the request state is valid.
func (r RequestState) Validate() error {
	switch r {
	case RequestStateNone, RequestStateForceAbsent, RequestStateAbsent, RequestStateCache,
		RequestStatePresent, RequestStateForcePresent, RequestStateRepair:
		return nil
	default:
		return fmt.Errorf("invalid request state: %s", r)
	}
}

// ActionState is the planned execute or rollback action for a package.
type ActionState string

const (
	// ActionStateNone performs no action.
	ActionStateNone ActionState = "none"

	// ActionStateUninstall removes the package.
	ActionStateUninstall ActionState = "uninstall"

	// ActionStateInstall installs the package.
	ActionStateInstall ActionState = "install"

	// ActionStateModify changes installed features of the package.
	ActionStateModify ActionState = "modify"

	// ActionStateRepair repairs the package.
	ActionStateRepair ActionState = "repair"

	// ActionStateMinorUpgrade applies an in-place minor upgrade.
	ActionStateMinorUpgrade ActionState = "minor-upgrade"
)

// IsNone returns true if no action is planned. The zero value counts as none.
func (a ActionState) IsNone() bool {
	return a == "" || a == ActionStateNone
}

// NeedsPayload returns true if the action reads the package payloads from the cache.
func (a ActionState) NeedsPayload() bool {
	return a == ActionStateInstall || a == ActionStateModify ||
		a == ActionStateRepair || a == ActionStateMinorUpgrade
}

// Validate checks if the action state is valid.
func (a ActionState) Validate() error {
	switch a {
	case ActionStateNone, ActionStateUninstall, ActionStateInstall,
		ActionStateModify, ActionStateRepair, ActionStateMinorUpgrade:
		return nil
	default:
		return fmt.Errorf("invalid action state: %s", a)
	}
}

// RegistrationState is the expected registration of a package after apply.
type RegistrationState string

const (
	// RegistrationStateUnknown means the registration is not touched.
	RegistrationStateUnknown RegistrationState = "unknown"

	// RegistrationStateIgnored means the registration is deliberately left as is.
	RegistrationStateIgnored RegistrationState = "ignored"

	// RegistrationStateAbsent means the package will not be registered.
	RegistrationStateAbsent RegistrationState = "absent"

	// RegistrationStatePresent means the package will be registered.
	RegistrationStatePresent RegistrationState = "present"
)

// DependencyAction is a planned register or unregister of a provider or dependent.
type DependencyAction string

const (
	// DependencyActionNone leaves the registration alone.
	DependencyActionNone DependencyAction = "none"

	// DependencyActionRegister writes the registration.
	DependencyActionRegister DependencyAction = "register"

	// DependencyActionUnregister removes the registration.
	DependencyActionUnregister DependencyAction = "unregister"
)

// IsNone returns true if no registration change is planned.
func (d DependencyAction) IsNone() bool {
	return d == "" || d == DependencyActionNone
}

// Reverse returns the action that undoes d.
func (d DependencyAction) Reverse() DependencyAction {
	switch d {
	case DependencyActionRegister:
		return DependencyActionUnregister
	case DependencyActionUnregister:
		return DependencyActionRegister
	default:
		return DependencyActionNone
	}
}

// RelationType is the relation between this bundle and a related bundle.
type RelationType string

const (
	// RelationNone means the bundle is unrelated.
	RelationNone RelationType = "none"

	// RelationDetect means the bundle is only detected, never planned.
	RelationDetect RelationType = "detect"

	// RelationUpgrade means the bundle shares an upgrade code with this one.
	RelationUpgrade RelationType = "upgrade"

	// RelationAddon means the bundle is an addon of this one.
	RelationAddon RelationType = "addon"

	// RelationPatch means the bundle is a patch of this one.
	RelationPatch RelationType = "patch"

	// RelationDependentAddon means this bundle is an addon of the related one.
	RelationDependentAddon RelationType = "dependent-addon"

	// RelationDependentPatch means this bundle is a patch of the related one.
	RelationDependentPatch RelationType = "dependent-patch"
)

// Validate checks if the relation type is valid.
func (r RelationType) Validate() error {
	switch r {
	case RelationNone, RelationDetect, RelationUpgrade, RelationAddon,
		RelationPatch, RelationDependentAddon, RelationDependentPatch:
		return nil
	default:
		return fmt.Errorf("invalid relation type: %s", r)
	}
}

// RestartState is the restart requirement reported by an executed action.
type RestartState string

const (
	// RestartNone means no restart is needed.
	RestartNone RestartState = "none"

	// RestartRequired means a restart is needed to complete the operation.
	RestartRequired RestartState = "required"

	// RestartInitiated means the package already started a restart.
	RestartInitiated RestartState = "initiated"
)

// Max returns the more severe of two restart states.
func (r RestartState) Max(other RestartState) RestartState {
	rank := func(s RestartState) int {
		switch s {
		case RestartInitiated:
			return 2
		case RestartRequired:
			return 1
		default:
			return 0
		}
	}
	if rank(other) > rank(r) {
		return other
	}
	if r == "" {
		return RestartNone
	}
	return r
}

// RegistrationOperation is a bitmask of bundle registration writes.
type RegistrationOperation uint32

const (
	// RegistrationOperationCacheBundle caches the bundle executable.
	RegistrationOperationCacheBundle RegistrationOperation = 1 << iota

	// RegistrationOperationWriteProviderKey writes the bundle dependency provider key.
	RegistrationOperationWriteProviderKey

	// RegistrationOperationWriteRegistration writes the full Add/Remove Programs entry.
	RegistrationOperationWriteRegistration

	// RegistrationOperationArpSystemComponent hides the entry from Add/Remove Programs.
	RegistrationOperationArpSystemComponent
)

// Has reports whether every bit of op is set.
func (r RegistrationOperation) Has(op RegistrationOperation) bool {
	return r&op == op
}
