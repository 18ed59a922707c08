package engine

import "context"

// ProgressFunc receives progress of a long running operation in percent.
type ProgressFunc func(percent uint32)

// ExecuteRequest is the uniform input of a package execution, whether the
// package runs locally or in the elevated process.
type ExecuteRequest struct {
	PackageID   string      `json:"package_id"`
	Type        PackageType `json:"type"`
	Action      ActionState `json:"action"`
	Rollback    bool        `json:"rollback"`
	PerMachine  bool        `json:"per_machine"`
	ProductCode string      `json:"product_code,omitempty"`

	// Patches are the patch package ids applied to ProductCode, in order.
	Patches []string `json:"patches,omitempty"`

	// Related marks a related bundle rather than a chained bundle package.
	// BundleID and IgnoreDependencies are set for both.
	Related            bool   `json:"related,omitempty"`
	BundleID           string `json:"bundle_id,omitempty"`
	IgnoreDependencies string `json:"ignore_dependencies,omitempty"`

	// Compatible marks the uninstall of an orphaned compatible MSI
	// identified by ProductCode.
	Compatible bool `json:"compatible,omitempty"`

	Arguments string            `json:"arguments,omitempty"`
	Variables map[string]string `json:"variables,omitempty"`
}

// PackageExecutor runs package-type specific install logic. Implementations
// exist per installer technology and are outside this module.
type PackageExecutor interface {
	ExecutePackage(ctx context.Context, req *ExecuteRequest, progress ProgressFunc) (RestartState, error)
}

// CacheManager owns the package cache.
type CacheManager interface {
	// AcquireContainer makes a detached container available for caching.
	AcquireContainer(ctx context.Context, containerID string, progress ProgressFunc) error

	// PreparePackage readies the cache location of a package.
	PreparePackage(ctx context.Context, packageID string) error

	// CompletePayload moves a verified payload into the cache.
	CompletePayload(ctx context.Context, packageID, payloadID, sourcePath string, move bool, progress ProgressFunc) error

	// VerifyPayload checks a cached payload.
	VerifyPayload(ctx context.Context, packageID, payloadID, cachedPath string) error

	// CachePackage acquires and completes every payload of a package.
	CachePackage(ctx context.Context, packageID string, containers []string, progress ProgressFunc) error

	// UncachePackage removes a package cached during this apply.
	UncachePackage(ctx context.Context, packageID string) error

	// Cleanup removes working files left by the cache for a bundle.
	Cleanup(ctx context.Context, bundleID string) error

	// CleanPackage removes a package from the cache.
	CleanPackage(ctx context.Context, packageID string) error

	// CleanCompatiblePackage removes a compatible package from the cache.
	CleanCompatiblePackage(ctx context.Context, packageID, productCode string) error
}

// DependencyRegistrar writes provider and dependent registrations.
type DependencyRegistrar interface {
	ProcessDependentRegistration(ctx context.Context, action DependentRegistration) error
	ExecutePackageProviderAction(ctx context.Context, packageID string, providers []DependencyProvider, action DependencyAction) error
	ExecutePackageDependencyAction(ctx context.Context, packageID string, providers []DependencyProvider, bundleProviderKey string, action DependencyAction) error
}

// RegistrationSession writes the bundle registration around an apply.
type RegistrationSession interface {
	BeginSession(ctx context.Context, reg *Registration, ops RegistrationOperation) error
	EndSession(ctx context.Context, reg *Registration, keepRegistration bool, restart RestartState) error
}

// TransactionManager drives multi-package MSI transactions.
type TransactionManager interface {
	BeginTransaction(ctx context.Context, boundaryID string) error
	CommitTransaction(ctx context.Context, boundaryID string) (RestartState, error)
	RollbackTransaction(ctx context.Context, boundaryID string) (RestartState, error)
}

// StateSaver persists the serialized engine state of a bundle.
type StateSaver interface {
	SaveState(ctx context.Context, bundleID string, state []byte) error
}

// ExeLauncher starts an executable approved by the bundle author.
type ExeLauncher interface {
	LaunchApprovedExe(ctx context.Context, exeID, arguments string) (int, error)
}
