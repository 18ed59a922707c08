package pipe

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// shortDir keeps socket paths under the Unix path length limit.
func shortDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "bp")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

type fixedResolver struct {
	pid int
	err error
}

func (r fixedResolver) PeerProcessID(net.Conn) (int, error) {
	return r.pid, r.err
}

func TestConnectionAcceptsChild(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	parent := NewConnection(shortDir(t))
	require.NoError(t, parent.Listen())
	defer parent.Close()

	type dialResult struct {
		conn *Connection
		err  error
	}
	dialed := make(chan dialResult, 1)
	go func() {
		c, err := Connect(ctx, ConnectOptions{
			Dir:       parent.Dir,
			Name:      parent.Name,
			Secret:    parent.Secret,
			ParentPID: 1,
			Interval:  10 * time.Millisecond,
			Timeout:   5 * time.Second,
		})
		dialed <- dialResult{c, err}
	}()

	require.NoError(t, parent.Accept(ctx, os.Getpid()))
	res := <-dialed
	require.NoError(t, res.err)
	child := res.conn
	defer child.Close()
	assert.Equal(t, 1, child.PID)

	go func() {
		_, _ = child.Main.PumpMessages(ctx, func(ctx context.Context, msg *Message) Result {
			return Result{Code: 42}
		})
	}()
	result, err := parent.Main.SendMessage(ctx, MessageType(1), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, uint32(42), result.Code)

	require.NoError(t, child.Log.Notify(MessageTypeLog, []byte("hello")))
	msg, err := parent.Log.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(msg.Data))

	main, _, _ := parent.Paths()
	_, err = os.Stat(main)
	assert.True(t, os.IsNotExist(err), "listener sockets are removed after accept")
}

func TestConnectRetriesUntilListening(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	parent := NewConnection(shortDir(t))
	defer parent.Close()

	errc := make(chan error, 1)
	go func() {
		c, err := Connect(ctx, ConnectOptions{
			Dir:      parent.Dir,
			Name:     parent.Name,
			Secret:   parent.Secret,
			Interval: 10 * time.Millisecond,
			Timeout:  5 * time.Second,
		})
		if err == nil {
			defer c.Close()
		}
		errc <- err
	}()

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, parent.Listen())
	require.NoError(t, parent.Accept(ctx, os.Getpid()))
	require.NoError(t, <-errc)
}

func TestConnectTimesOut(t *testing.T) {
	_, err := Connect(context.Background(), ConnectOptions{
		Dir:      shortDir(t),
		Name:     "burn.missing",
		Secret:   "secret",
		Interval: 10 * time.Millisecond,
		Timeout:  100 * time.Millisecond,
	})
	assert.Error(t, err)
}

func listen(t *testing.T) net.Listener {
	t.Helper()
	l, err := net.Listen("unix", filepath.Join(shortDir(t), "s.sock"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func dial(t *testing.T, l net.Listener, secret string, pid int) error {
	t.Helper()
	conn, err := net.Dial("unix", l.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	return Handshake(conn, secret, pid)
}

func TestSecureChannelRejectsImpostors(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	l := listen(t)
	sc := NewSecureChannel(l, "right-secret")

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := sc.Accept(ctx, 4242)
		if err == nil {
			accepted <- conn
		}
	}()

	err := dial(t, l, "wrong-secret", 4242)
	assert.ErrorIs(t, err, ErrHandshakeRejected)

	err = dial(t, l, "right-secret", 9999)
	assert.ErrorIs(t, err, ErrHandshakeRejected)

	select {
	case <-accepted:
		t.Fatal("impostor advanced the accept loop")
	default:
	}

	conn, err := net.Dial("unix", l.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, Handshake(conn, "right-secret", 4242))

	select {
	case c := <-accepted:
		_ = c.Close()
	case <-time.After(5 * time.Second):
		t.Fatal("legitimate child was not accepted")
	}
}

func TestSecureChannelPeerResolver(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	l := listen(t)
	sc := NewSecureChannel(l, "s", WithPeerResolver(fixedResolver{pid: 1}))
	go func() { _, _ = sc.Accept(ctx, 4242) }()

	assert.ErrorIs(t, dial(t, l, "s", 4242), ErrHandshakeRejected)
}

func TestSecureChannelResolverUnsupported(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	l := listen(t)
	sc := NewSecureChannel(l, "s", WithPeerResolver(fixedResolver{err: ErrPeerLookupUnsupported}))

	accepted := make(chan struct{})
	go func() {
		conn, err := sc.Accept(ctx, 4242)
		if err == nil {
			_ = conn.Close()
			close(accepted)
		}
	}()

	require.NoError(t, dial(t, l, "s", 4242))
	<-accepted
}

func TestSecureChannelAcceptCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	l := listen(t)

	errc := make(chan error, 1)
	go func() {
		_, err := NewSecureChannel(l, "s").Accept(ctx, 1)
		errc <- err
	}()
	cancel()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("accept ignored cancellation")
	}
}

func TestSecureChannelProcessMatcher(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	l := listen(t)
	sc := NewSecureChannel(l, "s", WithProcessMatcher(func(claimed, expected int) bool {
		return claimed == 5000 && expected == 4242
	}))

	accepted := make(chan struct{})
	go func() {
		conn, err := sc.Accept(ctx, 4242)
		if err == nil {
			_ = conn.Close()
			close(accepted)
		}
	}()

	assert.ErrorIs(t, dial(t, l, "s", 6000), ErrHandshakeRejected)
	require.NoError(t, dial(t, l, "s", 5000))
	<-accepted
}
