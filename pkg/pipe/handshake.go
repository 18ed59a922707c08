package pipe

import (
	"context"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/burnengine/burn/pkg/telemetry"
)

const (
	maxSecretLength  = 1024
	handshakeTimeout = 10 * time.Second

	ackAccepted uint32 = 0
	ackRejected uint32 = 1
)

// ErrPeerLookupUnsupported is returned by a PeerResolver that cannot tell
// which process owns a connection. The claimed process id is trusted then.
var ErrPeerLookupUnsupported = errors.New("peer process lookup not supported")

// PeerResolver reports the process id on the other end of a connection.
type PeerResolver interface {
	PeerProcessID(conn net.Conn) (int, error)
}

// ProcessMatcher reports whether the claimed process id is acceptable for the
// expected one, for example because it descends from it.
type ProcessMatcher func(claimed, expected int) bool

// SecureOption configures a SecureChannel.
type SecureOption func(*SecureChannel)

// WithPeerResolver checks the claimed process id against the kernel's view
// of the connecting process.
func WithPeerResolver(r PeerResolver) SecureOption {
	return func(s *SecureChannel) {
		s.resolver = r
	}
}

// WithProcessMatcher accepts a claimed process id other than the expected
// one when match allows it. Without it the ids must be equal.
func WithProcessMatcher(match ProcessMatcher) SecureOption {
	return func(s *SecureChannel) {
		s.match = match
	}
}

// WithLogger sets the logger used to report rejected connections.
func WithLogger(l *telemetry.Logger) SecureOption {
	return func(s *SecureChannel) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics counts accepted and rejected handshakes.
func WithMetrics(m *telemetry.Metrics) SecureOption {
	return func(s *SecureChannel) {
		s.metrics = m
	}
}

// SecureChannel accepts connections on a listener and trusts only the one
// that presents the shared secret and the expected process id.
type SecureChannel struct {
	listener net.Listener
	secret   string
	resolver PeerResolver
	match    ProcessMatcher
	logger   *telemetry.Logger
	metrics  *telemetry.Metrics
}

// NewSecureChannel creates an acceptor for the given listener and secret.
func NewSecureChannel(l net.Listener, secret string, opts ...SecureOption) *SecureChannel {
	s := &SecureChannel{
		listener: l,
		secret:   secret,
		logger:   telemetry.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Accept waits for a connection from expectedPID. Connections that fail the
// handshake are closed and the wait continues.
func (s *SecureChannel) Accept(ctx context.Context, expectedPID int) (net.Conn, error) {
	stop := context.AfterFunc(ctx, func() {
		if d, ok := s.listener.(interface{ SetDeadline(time.Time) error }); ok {
			_ = d.SetDeadline(time.Now())
			return
		}
		_ = s.listener.Close()
	})
	defer stop()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("failed to accept connection: %w", err)
		}

		if err := s.verify(conn, expectedPID); err != nil {
			s.logger.WithError(err).
				WithField("listener", s.listener.Addr().String()).
				Warn("Rejected pipe connection")
			s.metrics.RecordHandshake("rejected")
			_ = conn.Close()
			continue
		}

		s.metrics.RecordHandshake("accepted")
		return conn, nil
	}
}

func (s *SecureChannel) verify(conn net.Conn, expectedPID int) error {
	_ = conn.SetDeadline(time.Now().Add(handshakeTimeout))
	defer func() { _ = conn.SetDeadline(time.Time{}) }()

	secret, pid, err := readHello(conn)
	if err != nil {
		return err
	}

	ok := subtle.ConstantTimeCompare([]byte(secret), []byte(s.secret)) == 1
	if !ok {
		_ = writeAck(conn, ackRejected)
		return fmt.Errorf("%w: secret mismatch", ErrHandshakeRejected)
	}
	if pid != expectedPID && (s.match == nil || !s.match(pid, expectedPID)) {
		_ = writeAck(conn, ackRejected)
		return fmt.Errorf("%w: process id %d, expected %d", ErrHandshakeRejected, pid, expectedPID)
	}

	if s.resolver != nil {
		actual, err := s.resolver.PeerProcessID(conn)
		switch {
		case errors.Is(err, ErrPeerLookupUnsupported):
		case err != nil:
			_ = writeAck(conn, ackRejected)
			return fmt.Errorf("failed to resolve peer process: %w", err)
		case actual != pid:
			_ = writeAck(conn, ackRejected)
			return fmt.Errorf("%w: peer process %d claimed %d", ErrHandshakeRejected, actual, pid)
		}
	}

	return writeAck(conn, ackAccepted)
}

// Hello is [secret length uint32 LE][secret][pid uint32 LE].
func writeHello(w io.Writer, secret string, pid int) error {
	buf := make([]byte, 4+len(secret)+4)
	binary.LittleEndian.PutUint32(buf, uint32(len(secret)))
	copy(buf[4:], secret)
	binary.LittleEndian.PutUint32(buf[4+len(secret):], uint32(pid))
	if _, err := w.Write(buf); err != nil {
		return disconnected(err)
	}
	return nil
}

func readHello(r io.Reader) (string, int, error) {
	var n [4]byte
	if _, err := io.ReadFull(r, n[:]); err != nil {
		return "", 0, fmt.Errorf("failed to read secret length: %w", disconnected(err))
	}
	length := binary.LittleEndian.Uint32(n[:])
	if length > maxSecretLength {
		return "", 0, fmt.Errorf("%w: secret length %d", ErrHandshakeRejected, length)
	}

	secret := make([]byte, length)
	if _, err := io.ReadFull(r, secret); err != nil {
		return "", 0, fmt.Errorf("failed to read secret: %w", disconnected(err))
	}
	if _, err := io.ReadFull(r, n[:]); err != nil {
		return "", 0, fmt.Errorf("failed to read process id: %w", disconnected(err))
	}
	return string(secret), int(binary.LittleEndian.Uint32(n[:])), nil
}

func writeAck(w io.Writer, code uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], code)
	if _, err := w.Write(buf[:]); err != nil {
		return disconnected(err)
	}
	return nil
}

func readAck(r io.Reader) error {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		if errors.Is(disconnected(err), ErrPeerDisconnected) {
			return fmt.Errorf("%w: connection closed during handshake", ErrHandshakeRejected)
		}
		return err
	}
	if binary.LittleEndian.Uint32(buf[:]) != ackAccepted {
		return ErrHandshakeRejected
	}
	return nil
}

// Handshake performs the client side: presents the secret and the caller's
// process id, then waits for the server's verdict.
func Handshake(conn net.Conn, secret string, pid int) error {
	_ = conn.SetDeadline(time.Now().Add(handshakeTimeout))
	defer func() { _ = conn.SetDeadline(time.Time{}) }()

	if err := writeHello(conn, secret, pid); err != nil {
		return fmt.Errorf("failed to send handshake: %w", err)
	}
	return readAck(conn)
}
