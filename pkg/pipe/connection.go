package pipe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/burnengine/burn/pkg/telemetry"
)

const (
	// DefaultConnectInterval is the pause between connect attempts.
	DefaultConnectInterval = 100 * time.Millisecond

	// DefaultConnectTimeout bounds how long a child keeps trying to connect.
	DefaultConnectTimeout = 3 * time.Minute
)

// Connection is the set of channels shared by a parent and the child it
// launched: requests on Main, payload caching on Cache, log lines on Log.
type Connection struct {
	// Name identifies the socket family. Passed to the child on its command line.
	Name string

	// Secret is presented by the child during the handshake.
	Secret string

	// Dir holds the sockets.
	Dir string

	// PID is the peer process id: the child on the parent side, the parent on
	// the child side.
	PID int

	Main  *Channel
	Cache *Channel
	Log   *Channel

	listeners []net.Listener
}

// NewConnection creates a connection with a random name and secret.
func NewConnection(dir string) *Connection {
	if dir == "" {
		dir = os.TempDir()
	}
	return &Connection{
		Name:   "burn." + uuid.New().String(),
		Secret: uuid.New().String(),
		Dir:    dir,
	}
}

// Paths returns the main, cache and log socket paths.
func (c *Connection) Paths() (string, string, string) {
	base := filepath.Join(c.Dir, c.Name)
	return base + ".sock", base + ".cache.sock", base + ".log.sock"
}

// Listen creates the three sockets on the parent side.
func (c *Connection) Listen() error {
	main, cache, log := c.Paths()
	for _, path := range []string{main, cache, log} {
		l, err := net.Listen("unix", path)
		if err != nil {
			c.closeListeners()
			return fmt.Errorf("failed to listen on %s: %w", path, err)
		}
		c.listeners = append(c.listeners, l)
	}
	return nil
}

// Accept waits for the child with the given pid to connect all three channels.
func (c *Connection) Accept(ctx context.Context, childPID int, opts ...SecureOption) error {
	if len(c.listeners) != 3 {
		return errors.New("connection is not listening")
	}
	c.PID = childPID

	conns := make([]net.Conn, 0, 3)
	for _, l := range c.listeners {
		conn, err := NewSecureChannel(l, c.Secret, opts...).Accept(ctx, childPID)
		if err != nil {
			for _, open := range conns {
				_ = open.Close()
			}
			return err
		}
		conns = append(conns, conn)
	}

	c.Main = NewChannel(conns[0])
	c.Cache = NewChannel(conns[1])
	c.Log = NewChannel(conns[2])

	c.closeListeners()
	return nil
}

// ConnectOptions describe how a child reaches its parent.
type ConnectOptions struct {
	Dir       string
	Name      string
	Secret    string
	ParentPID int

	// Interval and Timeout default to DefaultConnectInterval and
	// DefaultConnectTimeout.
	Interval time.Duration
	Timeout  time.Duration

	Logger *telemetry.Logger
}

// Connect dials all three channels from the child side, retrying while the
// parent's sockets are not up yet. A rejected handshake is not retried.
func Connect(ctx context.Context, opts ConnectOptions) (*Connection, error) {
	if opts.Name == "" || opts.Secret == "" {
		return nil, errors.New("pipe name and secret are required")
	}
	if opts.Dir == "" {
		opts.Dir = os.TempDir()
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultConnectInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultConnectTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NopLogger()
	}

	c := &Connection{
		Name:   opts.Name,
		Secret: opts.Secret,
		Dir:    opts.Dir,
		PID:    opts.ParentPID,
	}
	pid := os.Getpid()

	main, cache, log := c.Paths()
	channels := make([]*Channel, 0, 3)
	for _, path := range []string{main, cache, log} {
		conn, err := backoff.Retry(ctx, func() (net.Conn, error) {
			var d net.Dialer
			conn, err := d.DialContext(ctx, "unix", path)
			if err != nil {
				return nil, err
			}
			if err := Handshake(conn, opts.Secret, pid); err != nil {
				_ = conn.Close()
				if errors.Is(err, ErrHandshakeRejected) {
					return nil, backoff.Permanent(err)
				}
				return nil, err
			}
			return conn, nil
		},
			backoff.WithBackOff(backoff.NewConstantBackOff(opts.Interval)),
			backoff.WithMaxElapsedTime(opts.Timeout),
			backoff.WithNotify(func(err error, next time.Duration) {
				logger.WithError(err).WithField("path", path).Debug("Waiting for parent pipe")
			}),
		)
		if err != nil {
			for _, ch := range channels {
				_ = ch.Close()
			}
			return nil, fmt.Errorf("failed to connect to %s: %w", path, err)
		}
		channels = append(channels, NewChannel(conn))
	}

	c.Main, c.Cache, c.Log = channels[0], channels[1], channels[2]
	return c, nil
}

// Terminate asks the child to exit with the given code.
func (c *Connection) Terminate(exitCode uint32, restart bool) error {
	if c.Main == nil {
		return errors.New("connection is not established")
	}
	return c.Main.Terminate(Termination{ExitCode: exitCode, Restart: restart})
}

// Close closes every channel and listener and removes the sockets.
func (c *Connection) Close() error {
	var errs []error
	for _, ch := range []*Channel{c.Main, c.Cache, c.Log} {
		if ch != nil {
			if err := ch.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, err)
			}
		}
	}
	c.closeListeners()
	return errors.Join(errs...)
}

func (c *Connection) closeListeners() {
	for _, l := range c.listeners {
		_ = l.Close()
	}
	c.listeners = nil
}
