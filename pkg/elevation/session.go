package elevation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/burnengine/burn/pkg/pipe"
	"github.com/burnengine/burn/pkg/platform"
	"github.com/burnengine/burn/pkg/telemetry"
)

// Child process modes, matching the burn subcommands.
const (
	ModeElevated = "elevated"
	ModeEmbedded = "embedded"
)

// LaunchOptions describe how the parent starts its child.
type LaunchOptions struct {
	// Executable is the burn binary to start.
	Executable string

	// Mode is ModeElevated or ModeEmbedded.
	Mode string

	// Dir holds the pipe sockets. Defaults to the system temp directory.
	Dir string

	// ConnectTimeout bounds the wait for the child to connect.
	ConnectTimeout time.Duration

	// ExtraArgs are appended after the connection arguments.
	ExtraArgs []string

	Logger  *telemetry.Logger
	Metrics *telemetry.Metrics
}

// ChildArgs returns the command line that tells a child how to reach its
// parent: <mode> <name> <secret> <parent pid> --pipe-dir <dir>.
func ChildArgs(mode string, conn *pipe.Connection, parentPID int) []string {
	return []string{mode, conn.Name, conn.Secret, strconv.Itoa(parentPID), "--pipe-dir", conn.Dir}
}

// Session is a launched and connected child.
type Session struct {
	*Client

	conn   *pipe.Connection
	proc   platform.Process
	logger *telemetry.Logger

	relayDone chan struct{}
	cancel    context.CancelFunc
}

// Launch starts the child through ops and waits until it has connected with
// the right secret and process id. A child that exits before connecting
// fails the launch immediately.
func Launch(ctx context.Context, ops platform.Operations, opts LaunchOptions) (*Session, error) {
	if opts.Mode == "" {
		opts.Mode = ModeElevated
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = pipe.DefaultConnectTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NopLogger()
	}

	conn := pipe.NewConnection(opts.Dir)
	if err := conn.Listen(); err != nil {
		return nil, err
	}

	args := append(ChildArgs(opts.Mode, conn, os.Getpid()), opts.ExtraArgs...)
	proc, err := ops.StartProcess(ctx, opts.Executable, args, opts.Mode == ModeElevated)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to launch %s child: %w", opts.Mode, err)
	}
	logger.WithFields(map[string]interface{}{
		"pid":  proc.PID(),
		"mode": opts.Mode,
		"pipe": conn.Name,
	}).Debug("Launched child process")

	acceptCtx, cancelAccept := context.WithTimeoutCause(ctx, opts.ConnectTimeout,
		fmt.Errorf("%s child did not connect within %s", opts.Mode, opts.ConnectTimeout))
	defer cancelAccept()

	exited, cancelExit := context.WithCancelCause(acceptCtx)
	defer cancelExit(nil)
	go func() {
		code, err := proc.Wait(exited)
		if err == nil {
			cancelExit(fmt.Errorf("%s child exited with code %d before connecting", opts.Mode, code))
		}
	}()

	err = conn.Accept(exited, proc.PID(),
		pipe.WithPeerResolver(ops),
		pipe.WithProcessMatcher(ops.ProcessDescends),
		pipe.WithLogger(logger.NewComponentLogger("pipe")),
		pipe.WithMetrics(opts.Metrics),
	)
	if err != nil {
		if cause := context.Cause(exited); cause != nil && !errors.Is(cause, context.Canceled) {
			err = cause
		}
		_ = proc.Kill()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to connect to %s child: %w", opts.Mode, err)
	}

	relayCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		Client:    NewClient(conn, WithClientLogger(logger)),
		conn:      conn,
		proc:      proc,
		logger:    logger,
		relayDone: make(chan struct{}),
		cancel:    cancel,
	}
	go func() {
		defer close(s.relayDone)
		RelayLogs(relayCtx, conn.Log, s.Client.logger)
	}()
	return s, nil
}

// PID returns the child's process id.
func (s *Session) PID() int {
	return s.proc.PID()
}

// Close terminates the child with exitCode and waits for it to exit. When
// the child cannot be told to stop it is killed.
func (s *Session) Close(ctx context.Context, exitCode uint32, restart bool) (int, error) {
	termErr := s.Terminate(exitCode, restart)
	if termErr != nil {
		s.logger.WithError(termErr).Warn("Failed to terminate child, killing it")
		_ = s.proc.Kill()
	}

	code, waitErr := s.proc.Wait(ctx)
	if waitErr != nil {
		_ = s.proc.Kill()
	}

	s.cancel()
	closeErr := s.conn.Close()
	<-s.relayDone

	return code, errors.Join(termErr, waitErr, closeErr)
}
