package apply

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/burnengine/burn/pkg/engine"
	"github.com/burnengine/burn/pkg/telemetry"
)

// DryRun implements Services by logging every operation instead of touching
// the machine. The package executors proper live outside this module; DryRun
// stands in for them in `burn apply --dry-run` and in the child processes
// when no executor is installed.
type DryRun struct {
	logger *telemetry.Logger

	mu    sync.Mutex
	calls []string
}

var _ Services = (*DryRun)(nil)

// NewDryRun returns a DryRun that logs through logger.
func NewDryRun(logger *telemetry.Logger) *DryRun {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &DryRun{logger: logger.NewComponentLogger("dry-run")}
}

// Calls returns the operations performed so far.
func (d *DryRun) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

func (d *DryRun) record(op string, args ...string) {
	call := op
	if len(args) > 0 {
		call = fmt.Sprintf("%s(%s)", op, strings.Join(args, ", "))
	}
	d.mu.Lock()
	d.calls = append(d.calls, call)
	d.mu.Unlock()
	d.logger.Info(call)
}

func done(progress engine.ProgressFunc) {
	if progress != nil {
		progress(100)
	}
}

func (d *DryRun) ExecutePackage(ctx context.Context, req *engine.ExecuteRequest, progress engine.ProgressFunc) (engine.RestartState, error) {
	kind := "execute"
	switch {
	case req.Related:
		kind = "execute-related"
	case req.Compatible:
		kind = "uninstall-compatible"
	}
	args := []string{req.PackageID, string(req.Action)}
	if req.Rollback {
		args = append(args, "rollback")
	}
	d.record(kind, args...)
	done(progress)
	return engine.RestartNone, nil
}

func (d *DryRun) AcquireContainer(ctx context.Context, containerID string, progress engine.ProgressFunc) error {
	d.record("acquire-container", containerID)
	done(progress)
	return nil
}

func (d *DryRun) PreparePackage(ctx context.Context, packageID string) error {
	d.record("prepare-package", packageID)
	return nil
}

func (d *DryRun) CompletePayload(ctx context.Context, packageID, payloadID, sourcePath string, move bool, progress engine.ProgressFunc) error {
	d.record("complete-payload", packageID, payloadID)
	done(progress)
	return nil
}

func (d *DryRun) VerifyPayload(ctx context.Context, packageID, payloadID, cachedPath string) error {
	d.record("verify-payload", packageID, payloadID)
	return nil
}

func (d *DryRun) CachePackage(ctx context.Context, packageID string, containers []string, progress engine.ProgressFunc) error {
	d.record("cache-package", packageID)
	done(progress)
	return nil
}

func (d *DryRun) UncachePackage(ctx context.Context, packageID string) error {
	d.record("uncache-package", packageID)
	return nil
}

func (d *DryRun) Cleanup(ctx context.Context, bundleID string) error {
	d.record("cleanup", bundleID)
	return nil
}

func (d *DryRun) CleanPackage(ctx context.Context, packageID string) error {
	d.record("clean-package", packageID)
	return nil
}

func (d *DryRun) CleanCompatiblePackage(ctx context.Context, packageID, productCode string) error {
	d.record("clean-compatible-package", packageID, productCode)
	return nil
}

func (d *DryRun) ProcessDependentRegistration(ctx context.Context, action engine.DependentRegistration) error {
	d.record("dependent-registration", string(action.Action), action.BundleID)
	return nil
}

func (d *DryRun) ExecutePackageProviderAction(ctx context.Context, packageID string, providers []engine.DependencyProvider, action engine.DependencyAction) error {
	d.record("package-provider", packageID, string(action))
	return nil
}

func (d *DryRun) ExecutePackageDependencyAction(ctx context.Context, packageID string, providers []engine.DependencyProvider, bundleProviderKey string, action engine.DependencyAction) error {
	d.record("package-dependency", packageID, string(action))
	return nil
}

func (d *DryRun) BeginSession(ctx context.Context, reg *engine.Registration, ops engine.RegistrationOperation) error {
	d.record("begin-session", reg.BundleID)
	return nil
}

func (d *DryRun) EndSession(ctx context.Context, reg *engine.Registration, keep bool, restart engine.RestartState) error {
	d.record("end-session", reg.BundleID, fmt.Sprintf("keep=%t", keep))
	return nil
}

func (d *DryRun) BeginTransaction(ctx context.Context, boundaryID string) error {
	d.record("begin-transaction", boundaryID)
	return nil
}

func (d *DryRun) CommitTransaction(ctx context.Context, boundaryID string) (engine.RestartState, error) {
	d.record("commit-transaction", boundaryID)
	return engine.RestartNone, nil
}

func (d *DryRun) RollbackTransaction(ctx context.Context, boundaryID string) (engine.RestartState, error) {
	d.record("rollback-transaction", boundaryID)
	return engine.RestartNone, nil
}

// SaveState logs the state size.
func (d *DryRun) SaveState(ctx context.Context, bundleID string, state []byte) error {
	d.record("save-state", bundleID, fmt.Sprintf("%d bytes", len(state)))
	return nil
}

// LaunchApprovedExe logs the launch and reports no process.
func (d *DryRun) LaunchApprovedExe(ctx context.Context, exeID, arguments string) (int, error) {
	d.record("launch-approved-exe", exeID)
	return 0, nil
}
