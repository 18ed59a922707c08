package stores

import (
	"context"
	"time"
)

// SessionStatus is the outcome of an apply session.
type SessionStatus string

const (
	SessionStatusRunning    SessionStatus = "running"
	SessionStatusSucceeded  SessionStatus = "succeeded"
	SessionStatusFailed     SessionStatus = "failed"
	SessionStatusRolledBack SessionStatus = "rolled-back"
	SessionStatusCanceled   SessionStatus = "canceled"
)

// IsFinal returns true once the session has ended.
func (s SessionStatus) IsFinal() bool {
	return s != SessionStatusRunning
}

// ActionStatus is the outcome of one executed action.
type ActionStatus string

const (
	ActionStatusSucceeded ActionStatus = "succeeded"
	ActionStatusFailed    ActionStatus = "failed"
)

// EngineState is the serialized state of a bundle.
type EngineState struct {
	BundleID  string    `json:"bundle_id"`
	State     []byte    `json:"state"`
	Hash      string    `json:"hash"` // BLAKE2b-256 of State
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ApplySession is one run of a plan.
type ApplySession struct {
	ID          string        `json:"id"`
	BundleID    string        `json:"bundle_id"`
	Action      string        `json:"action"`
	Fingerprint string        `json:"fingerprint"`
	Status      SessionStatus `json:"status"`
	Restart     string        `json:"restart"`
	Error       *string       `json:"error,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}

// ActionEntry is a ledger row for one executed or rolled back action.
type ActionEntry struct {
	ID        int64         `json:"id"`
	SessionID string        `json:"session_id"`
	Sequence  int64         `json:"sequence"`
	Kind      string        `json:"kind"`
	PackageID string        `json:"package_id,omitempty"`
	Rollback  bool          `json:"rollback"`
	Status    ActionStatus  `json:"status"`
	Restart   string        `json:"restart"`
	Error     *string       `json:"error,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// Store defines the interface for the persistence layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Engine state
	SaveState(ctx context.Context, bundleID string, state []byte) error
	GetState(ctx context.Context, bundleID string) (*EngineState, error)
	DeleteState(ctx context.Context, bundleID string) error

	// Apply sessions
	CreateSession(ctx context.Context, session *ApplySession) error
	CompleteSession(ctx context.Context, id string, status SessionStatus, restart string, errMsg *string) error
	GetSession(ctx context.Context, id string) (*ApplySession, error)
	ListSessions(ctx context.Context, bundleID string, limit, offset int) ([]*ApplySession, error)

	// Action ledger
	AppendAction(ctx context.Context, entry *ActionEntry) error
	ListActions(ctx context.Context, sessionID string) ([]*ActionEntry, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
