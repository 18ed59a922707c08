package platform

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
)

type osProcess struct {
	cmd  *exec.Cmd
	once sync.Once
	done chan struct{}
	code int
	err  error
}

// StartProcess launches the child with the parent's stdio.
func (n *Native) StartProcess(ctx context.Context, path string, args []string, elevated bool) (Process, error) {
	argv := append([]string{}, args...)
	name := path
	if elevated && len(n.ElevationPrefix) > 0 {
		name = n.ElevationPrefix[0]
		argv = append(append(append([]string{}, n.ElevationPrefix[1:]...), path), args...)
	}

	cmd := exec.Command(name, argv...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", name, err)
	}

	p := &osProcess{cmd: cmd, done: make(chan struct{})}
	go p.reap()
	return p, nil
}

func (p *osProcess) reap() {
	err := p.cmd.Wait()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		p.code = 0
	case errors.As(err, &exitErr):
		p.code = exitErr.ExitCode()
	default:
		p.err = err
	}
	close(p.done)
}

func (p *osProcess) PID() int {
	return p.cmd.Process.Pid
}

func (p *osProcess) Wait(ctx context.Context) (int, error) {
	select {
	case <-p.done:
		return p.code, p.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (p *osProcess) Kill() error {
	var err error
	p.once.Do(func() {
		err = p.cmd.Process.Kill()
		if errors.Is(err, os.ErrProcessDone) {
			err = nil
		}
	})
	return err
}
