package elevation

import (
	"encoding/json"
	"fmt"

	"github.com/burnengine/burn/pkg/engine"
	"github.com/burnengine/burn/pkg/pipe"
)

// Request types. Values are part of the wire protocol between a parent and
// an elevated child of the same build and must not be renumbered.
const (
	MessageBeginSession pipe.MessageType = iota + 1
	MessageEndSession
	MessageSaveState
	MessageCachePreparePackage
	MessageCacheCompletePayload
	MessageCacheVerifyPayload
	MessageCacheCleanup
	MessageProcessDependentRegistration
	MessageExecuteRelatedBundle
	MessageExecuteBundlePackage
	MessageExecuteExePackage
	MessageExecuteMsiPackage
	MessageExecuteMspPackage
	MessageExecuteMsuPackage
	MessageUninstallMsiCompatiblePackage
	MessageExecutePackageProviderAction
	MessageExecutePackageDependencyAction
	MessageBeginMsiTransaction
	MessageCommitMsiTransaction
	MessageRollbackMsiTransaction
	MessageLaunchApprovedExe
	MessageCleanPackage
	MessageCleanCompatiblePackage
	MessageCacheAcquireContainer
	MessageCachePackage
	MessageCacheUncachePackage
)

var messageNames = map[pipe.MessageType]string{
	MessageBeginSession:                   "begin-session",
	MessageEndSession:                     "end-session",
	MessageSaveState:                      "save-state",
	MessageCachePreparePackage:            "cache-prepare-package",
	MessageCacheCompletePayload:           "cache-complete-payload",
	MessageCacheVerifyPayload:             "cache-verify-payload",
	MessageCacheCleanup:                   "cache-cleanup",
	MessageProcessDependentRegistration:   "process-dependent-registration",
	MessageExecuteRelatedBundle:           "execute-related-bundle",
	MessageExecuteBundlePackage:           "execute-bundle-package",
	MessageExecuteExePackage:              "execute-exe-package",
	MessageExecuteMsiPackage:              "execute-msi-package",
	MessageExecuteMspPackage:              "execute-msp-package",
	MessageExecuteMsuPackage:              "execute-msu-package",
	MessageUninstallMsiCompatiblePackage:  "uninstall-msi-compatible-package",
	MessageExecutePackageProviderAction:   "execute-package-provider-action",
	MessageExecutePackageDependencyAction: "execute-package-dependency-action",
	MessageBeginMsiTransaction:            "begin-msi-transaction",
	MessageCommitMsiTransaction:           "commit-msi-transaction",
	MessageRollbackMsiTransaction:         "rollback-msi-transaction",
	MessageLaunchApprovedExe:              "launch-approved-exe",
	MessageCleanPackage:                   "clean-package",
	MessageCleanCompatiblePackage:         "clean-compatible-package",
	MessageCacheAcquireContainer:          "cache-acquire-container",
	MessageCachePackage:                   "cache-package",
	MessageCacheUncachePackage:            "cache-uncache-package",
}

// MessageName returns the log and metric name of a request type.
func MessageName(t pipe.MessageType) string {
	if name, ok := messageNames[t]; ok {
		return name
	}
	return t.String()
}

// Result codes carried in reply frames.
const (
	ResultSuccess        uint32 = 0
	ResultFailed         uint32 = 1
	ResultInvalidRequest uint32 = 2
	ResultUnknownMessage uint32 = 3
	ResultNotSupported   uint32 = 4
	ResultCanceled       uint32 = 5
)

// SessionRequest begins or ends the registration session.
type SessionRequest struct {
	Registration *engine.Registration         `json:"registration"`
	Operations   engine.RegistrationOperation `json:"operations,omitempty"`
	Keep         bool                         `json:"keep,omitempty"`
	Restart      engine.RestartState          `json:"restart,omitempty"`
}

// SaveStateRequest carries the serialized engine state.
type SaveStateRequest struct {
	BundleID string `json:"bundle_id"`
	State    []byte `json:"state"`
}

// CacheRequest is shared by every cache message.
type CacheRequest struct {
	PackageID   string   `json:"package_id,omitempty"`
	PayloadID   string   `json:"payload_id,omitempty"`
	ContainerID string   `json:"container_id,omitempty"`
	Containers  []string `json:"containers,omitempty"`
	SourcePath  string   `json:"source_path,omitempty"`
	CachedPath  string   `json:"cached_path,omitempty"`
	Move        bool     `json:"move,omitempty"`
	BundleID    string   `json:"bundle_id,omitempty"`
	ProductCode string   `json:"product_code,omitempty"`
}

// ProviderRequest runs a package provider or dependency action.
type ProviderRequest struct {
	PackageID         string                      `json:"package_id"`
	Providers         []engine.DependencyProvider `json:"providers"`
	BundleProviderKey string                      `json:"bundle_provider_key,omitempty"`
	Action            engine.DependencyAction     `json:"action"`
}

// TransactionRequest names the rollback boundary of an MSI transaction.
type TransactionRequest struct {
	BoundaryID string `json:"boundary_id"`
}

// LaunchRequest starts an approved executable.
type LaunchRequest struct {
	ExeID     string `json:"exe_id"`
	Arguments string `json:"arguments,omitempty"`
}

// Response is the JSON body of every reply.
type Response struct {
	Restart   engine.RestartState `json:"restart,omitempty"`
	ProcessID int                 `json:"process_id,omitempty"`
	Error     string              `json:"error,omitempty"`
}

// progressKind is the notification kind for progress updates.
const progressKind = "progress"

func encode(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	return data, nil
}

func decode(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode message: %w", err)
	}
	return nil
}

// executeMessage picks the request type for an execute request.
func executeMessage(req *engine.ExecuteRequest) (pipe.MessageType, error) {
	switch {
	case req.Related:
		return MessageExecuteRelatedBundle, nil
	case req.Compatible:
		return MessageUninstallMsiCompatiblePackage, nil
	}
	switch req.Type {
	case engine.PackageTypeBundle:
		return MessageExecuteBundlePackage, nil
	case engine.PackageTypeExe:
		return MessageExecuteExePackage, nil
	case engine.PackageTypeMsi:
		return MessageExecuteMsiPackage, nil
	case engine.PackageTypeMsp:
		return MessageExecuteMspPackage, nil
	case engine.PackageTypeMsu:
		return MessageExecuteMsuPackage, nil
	}
	return 0, fmt.Errorf("no elevated message for package type %q", req.Type)
}
