package pipe

import (
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

var (
	// ErrPeerDisconnected is returned when the other process closed its end
	// or died while a frame was being written or read.
	ErrPeerDisconnected = errors.New("pipe peer disconnected")

	// ErrHandshakeRejected is returned to a client whose secret or process id
	// was not accepted.
	ErrHandshakeRejected = errors.New("pipe handshake rejected")
)

// disconnected maps the many ways a dead peer shows up to ErrPeerDisconnected.
func disconnected(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrPeerDisconnected) {
		return err
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET) {
		return fmt.Errorf("%w: %v", ErrPeerDisconnected, err)
	}
	return err
}
