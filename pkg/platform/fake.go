package platform

import (
	"context"
	"fmt"
	"net"
	"sync"
)

// Launch records one StartProcess call on a Fake.
type Launch struct {
	Path     string
	Args     []string
	Elevated bool
}

// Fake is an in-memory Operations for tests. OnStart, when set, runs in
// place of launching a process and may start an in-process child.
type Fake struct {
	OnStart func(ctx context.Context, launch Launch) (Process, error)

	// PeerPID is returned by PeerProcessID. Zero means the lookup is
	// unsupported.
	PeerPID int

	// Descendants maps a child process id to its launched ancestor.
	Descendants map[int]int

	mu       sync.Mutex
	launches []Launch
	locks    map[string]chan struct{}
}

// NewFake returns an empty fake.
func NewFake() *Fake {
	return &Fake{locks: make(map[string]chan struct{})}
}

// Launches returns the recorded launches.
func (f *Fake) Launches() []Launch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Launch(nil), f.launches...)
}

func (f *Fake) StartProcess(ctx context.Context, path string, args []string, elevated bool) (Process, error) {
	launch := Launch{Path: path, Args: append([]string(nil), args...), Elevated: elevated}
	f.mu.Lock()
	f.launches = append(f.launches, launch)
	f.mu.Unlock()

	if f.OnStart == nil {
		return nil, fmt.Errorf("fake platform cannot start %s", path)
	}
	return f.OnStart(ctx, launch)
}

func (f *Fake) PeerProcessID(net.Conn) (int, error) {
	if f.PeerPID == 0 {
		return 0, errPeerUnsupported
	}
	return f.PeerPID, nil
}

// ProcessDescends accepts the process itself and the pairs in Descendants.
func (f *Fake) ProcessDescends(pid, ancestor int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return pid == ancestor || f.Descendants[pid] == ancestor
}

func (f *Fake) AcquireMachineLock(ctx context.Context, name string) (Lock, error) {
	for {
		f.mu.Lock()
		held, busy := f.locks[name]
		if !busy {
			ch := make(chan struct{})
			f.locks[name] = ch
			f.mu.Unlock()
			return &fakeLock{fake: f, name: name, ch: ch}, nil
		}
		f.mu.Unlock()

		select {
		case <-held:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

type fakeLock struct {
	fake *Fake
	name string
	ch   chan struct{}
	once sync.Once
}

func (l *fakeLock) Release() error {
	l.once.Do(func() {
		l.fake.mu.Lock()
		delete(l.fake.locks, l.name)
		l.fake.mu.Unlock()
		close(l.ch)
	})
	return nil
}

// FakeProcess is a Process whose exit is controlled by the test.
type FakeProcess struct {
	Pid  int
	done chan struct{}
	code int
	once sync.Once
}

// NewFakeProcess returns a running fake process.
func NewFakeProcess(pid int) *FakeProcess {
	return &FakeProcess{Pid: pid, done: make(chan struct{})}
}

// Exit marks the process finished with code.
func (p *FakeProcess) Exit(code int) {
	p.once.Do(func() {
		p.code = code
		close(p.done)
	})
}

func (p *FakeProcess) PID() int {
	return p.Pid
}

func (p *FakeProcess) Wait(ctx context.Context) (int, error) {
	select {
	case <-p.done:
		return p.code, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (p *FakeProcess) Kill() error {
	p.Exit(-1)
	return nil
}
