package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/burnengine/burn/pkg/engine"
)

// Snapshot is the YAML form of a detected engine state.
type Snapshot struct {
	Registration       engine.Registration       `yaml:"registration" validate:"required"`
	Packages           []PackageSnapshot         `yaml:"packages" validate:"dive"`
	RollbackBoundaries []engine.RollbackBoundary `yaml:"rollback_boundaries,omitempty" validate:"dive"`
	RelatedBundles     []RelatedBundleSnapshot   `yaml:"related_bundles,omitempty" validate:"dive"`
	Containers         []engine.Container        `yaml:"containers,omitempty" validate:"dive"`
}

// PackageSnapshot is a chain package. Exactly one of the detail blocks
// matching Type is set.
type PackageSnapshot struct {
	ID          string             `yaml:"id" validate:"required"`
	Type        engine.PackageType `yaml:"type" validate:"oneof=exe msi msp msu bundle"`
	PerMachine  bool               `yaml:"per_machine"`
	Permanent   bool               `yaml:"permanent"`
	Vital       bool               `yaml:"vital"`
	InstallSize uint64             `yaml:"install_size,omitempty"`
	CacheSize   uint64             `yaml:"cache_size,omitempty"`

	Containers []string                    `yaml:"containers,omitempty"`
	Providers  []engine.DependencyProvider `yaml:"providers,omitempty" validate:"dive"`

	RollbackBoundaryForward  string `yaml:"rollback_boundary_forward,omitempty"`
	RollbackBoundaryBackward string `yaml:"rollback_boundary_backward,omitempty"`

	Compatible *engine.CompatiblePackage `yaml:"compatible,omitempty"`

	CurrentState engine.PackageState `yaml:"current_state" validate:"oneof=unknown obsolete absent present superseded"`
	Cached       bool                `yaml:"cached"`

	Exe    *engine.ExeDetails    `yaml:"exe,omitempty"`
	Msi    *engine.MsiDetails    `yaml:"msi,omitempty"`
	Msp    *engine.MspDetails    `yaml:"msp,omitempty"`
	Msu    *engine.MsuDetails    `yaml:"msu,omitempty"`
	Bundle *engine.BundleDetails `yaml:"bundle,omitempty"`
}

// RelatedBundleSnapshot is a detected related bundle.
type RelatedBundleSnapshot struct {
	BundleID        string              `yaml:"bundle_id" validate:"required"`
	ProviderKey     string              `yaml:"provider_key,omitempty"`
	Version         string              `yaml:"version"`
	Relation        engine.RelationType `yaml:"relation" validate:"oneof=detect upgrade addon patch dependent-addon dependent-patch"`
	PerMachine      bool                `yaml:"per_machine"`
	Plannable       bool                `yaml:"plannable"`
	AllowsDowngrade bool                `yaml:"allows_downgrade"`
}

func (p *PackageSnapshot) details() (engine.PackageDetails, error) {
	var details engine.PackageDetails
	set := 0
	for _, d := range []engine.PackageDetails{p.Exe, p.Msi, p.Msp, p.Msu, p.Bundle} {
		if isNil(d) {
			continue
		}
		set++
		details = d
	}
	if set == 0 {
		return nil, fmt.Errorf("package %s has no %s details", p.ID, p.Type)
	}
	if set > 1 {
		return nil, fmt.Errorf("package %s has more than one details block", p.ID)
	}
	if details.Type() != p.Type {
		return nil, fmt.Errorf("package %s is %s but has %s details", p.ID, p.Type, details.Type())
	}
	return details, nil
}

func isNil(d engine.PackageDetails) bool {
	switch v := d.(type) {
	case *engine.ExeDetails:
		return v == nil
	case *engine.MsiDetails:
		return v == nil
	case *engine.MspDetails:
		return v == nil
	case *engine.MsuDetails:
		return v == nil
	case *engine.BundleDetails:
		return v == nil
	}
	return d == nil
}

// State converts the snapshot into engine state after checking that every
// reference resolves.
func (s *Snapshot) State() (*engine.EngineState, error) {
	if err := validate.Struct(s); err != nil {
		return nil, engine.NewPlanningInputError("invalid detected state", err).WithCode(engine.ErrCodeValidation)
	}

	state := &engine.EngineState{
		Registration:       s.Registration,
		RollbackBoundaries: s.RollbackBoundaries,
		Containers:         s.Containers,
	}

	seen := make(map[string]bool, len(s.Packages))
	for i := range s.Packages {
		ps := &s.Packages[i]
		if seen[ps.ID] {
			return nil, engine.NewPlanningInputError("duplicate package id", nil).
				WithCode(engine.ErrCodeValidation).WithResource(ps.ID)
		}
		seen[ps.ID] = true

		details, err := ps.details()
		if err != nil {
			return nil, engine.NewPlanningInputError("invalid package details", err).
				WithCode(engine.ErrCodeValidation).WithResource(ps.ID)
		}
		state.Packages = append(state.Packages, engine.Package{
			ID:                       ps.ID,
			Details:                  details,
			PerMachine:               ps.PerMachine,
			Permanent:                ps.Permanent,
			Vital:                    ps.Vital,
			InstallSize:              ps.InstallSize,
			CacheSize:                ps.CacheSize,
			Containers:               ps.Containers,
			Providers:                ps.Providers,
			RollbackBoundaryForward:  ps.RollbackBoundaryForward,
			RollbackBoundaryBackward: ps.RollbackBoundaryBackward,
			Compatible:               ps.Compatible,
			CurrentState:             ps.CurrentState,
			Cached:                   ps.Cached,
		})
	}

	for _, rb := range s.RelatedBundles {
		state.RelatedBundles = append(state.RelatedBundles, engine.RelatedBundle{
			BundleID:         rb.BundleID,
			ProviderKey:      rb.ProviderKey,
			Version:          rb.Version,
			DetectedRelation: rb.Relation,
			PerMachine:       rb.PerMachine,
			Plannable:        rb.Plannable,
			AllowsDowngrade:  rb.AllowsDowngrade,
		})
	}

	return state, nil
}

// SnapshotOf captures the detected part of state. Planned fields are not kept.
func SnapshotOf(state *engine.EngineState) *Snapshot {
	s := &Snapshot{
		Registration:       state.Registration,
		RollbackBoundaries: state.RollbackBoundaries,
		Containers:         state.Containers,
	}
	for i := range state.Packages {
		pkg := &state.Packages[i]
		ps := PackageSnapshot{
			ID:                       pkg.ID,
			Type:                     pkg.Type(),
			PerMachine:               pkg.PerMachine,
			Permanent:                pkg.Permanent,
			Vital:                    pkg.Vital,
			InstallSize:              pkg.InstallSize,
			CacheSize:                pkg.CacheSize,
			Containers:               pkg.Containers,
			Providers:                pkg.Providers,
			RollbackBoundaryForward:  pkg.RollbackBoundaryForward,
			RollbackBoundaryBackward: pkg.RollbackBoundaryBackward,
			Compatible:               pkg.Compatible,
			CurrentState:             pkg.CurrentState,
			Cached:                   pkg.Cached,
		}
		switch d := pkg.Details.(type) {
		case *engine.ExeDetails:
			ps.Exe = d
		case *engine.MsiDetails:
			ps.Msi = d
		case *engine.MspDetails:
			ps.Msp = d
		case *engine.MsuDetails:
			ps.Msu = d
		case *engine.BundleDetails:
			ps.Bundle = d
		}
		s.Packages = append(s.Packages, ps)
	}
	for _, rb := range state.RelatedBundles {
		s.RelatedBundles = append(s.RelatedBundles, RelatedBundleSnapshot{
			BundleID:        rb.BundleID,
			ProviderKey:     rb.ProviderKey,
			Version:         rb.Version,
			Relation:        rb.DetectedRelation,
			PerMachine:      rb.PerMachine,
			Plannable:       rb.Plannable,
			AllowsDowngrade: rb.AllowsDowngrade,
		})
	}
	return s
}

// ParseSnapshot decodes a snapshot document.
func ParseSnapshot(data []byte) (*engine.EngineState, error) {
	var s Snapshot
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, engine.NewPlanningInputError("failed to parse detected state", err).WithCode(engine.ErrCodeValidation)
	}
	return s.State()
}

// LoadSnapshot reads a snapshot file.
func LoadSnapshot(path string) (*engine.EngineState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read detected state: %w", err)
	}
	return ParseSnapshot(data)
}

// MarshalSnapshot encodes the detected part of state as YAML.
func MarshalSnapshot(state *engine.EngineState) ([]byte, error) {
	return yaml.Marshal(SnapshotOf(state))
}
