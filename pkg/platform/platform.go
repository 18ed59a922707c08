// Package platform isolates the operating system calls the engine makes:
// launching the child process, identifying a socket's peer and holding the
// machine-wide apply lock. The engine receives an Operations value instead
// of calling these directly, so tests can substitute Fake.
package platform

import (
	"context"
	"net"
)

// Process is a launched child.
type Process interface {
	PID() int

	// Wait blocks until the process exits and returns its exit code.
	Wait(ctx context.Context) (int, error)

	Kill() error
}

// Lock is a held machine-wide lock.
type Lock interface {
	Release() error
}

// Operations is the set of platform calls used by the engine.
type Operations interface {
	// StartProcess launches path with args. When elevated is set the
	// configured elevation prefix is applied.
	StartProcess(ctx context.Context, path string, args []string, elevated bool) (Process, error)

	// PeerProcessID reports the process on the other end of a Unix socket.
	PeerProcessID(conn net.Conn) (int, error)

	// AcquireMachineLock blocks until the named lock is held or ctx is done.
	AcquireMachineLock(ctx context.Context, name string) (Lock, error)

	// ProcessDescends reports whether pid is ancestor or runs below it.
	// Elevation prefixes such as sudo keep the launched process as the
	// parent of the real child.
	ProcessDescends(pid, ancestor int) bool
}

// Native is the production implementation.
type Native struct {
	// LockDir holds lock files. Defaults to the system temp directory.
	LockDir string

	// ElevationPrefix is prepended to elevated launches, for example
	// []string{"sudo", "-n"}. Empty runs the child directly.
	ElevationPrefix []string
}

// New returns the production platform operations.
func New(lockDir string, elevationPrefix []string) *Native {
	return &Native{
		LockDir:         lockDir,
		ElevationPrefix: elevationPrefix,
	}
}

var _ Operations = (*Native)(nil)
