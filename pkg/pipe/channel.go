package pipe

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

// NotifyFunc receives out-of-band frames that arrive while a caller waits
// for a response. Returning an error aborts the wait.
type NotifyFunc func(msg *Message) error

// Handler serves one request inside PumpMessages.
type Handler func(ctx context.Context, msg *Message) Result

// Channel is one framed, bidirectional stream. Writes are serialized so a
// handler may push notifications while the pump owns the read side.
type Channel struct {
	conn net.Conn
	enc  *Encoder
	dec  *Decoder

	writeMu sync.Mutex
	callMu  sync.Mutex
}

// NewChannel wraps an established connection.
func NewChannel(conn net.Conn) *Channel {
	return &Channel{
		conn: conn,
		enc:  NewEncoder(conn),
		dec:  NewDecoder(conn),
	}
}

// Write sends a single frame.
func (c *Channel) Write(msgType MessageType, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.enc.Encode(msgType, data)
}

// Read blocks for the next frame or until ctx is done. A canceled read
// clears the deadline it set so the channel stays usable.
func (c *Channel) Read(ctx context.Context) (*Message, error) {
	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
		close(fired)
	})

	msg, err := c.dec.Decode()
	if !stop() {
		<-fired
		_ = c.conn.SetReadDeadline(time.Time{})
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	return msg, nil
}

// Notify pushes an out-of-band frame. Only reserved types are allowed so the
// receiver never mistakes a notification for a response.
func (c *Channel) Notify(msgType MessageType, data []byte) error {
	if !msgType.IsReserved() {
		return fmt.Errorf("message type %s is not a notification type", msgType)
	}
	return c.Write(msgType, data)
}

// SendMessage writes a request and blocks until the response frame arrives.
// Reserved frames seen while waiting are handed to onNotify. The first
// non-reserved frame is decoded as the result. Once the request is written
// the reply is always awaited: canceling ctx does not abort it, otherwise
// the late reply would be read as the answer to the next request.
func (c *Channel) SendMessage(ctx context.Context, msgType MessageType, payload []byte, onNotify NotifyFunc) (Result, error) {
	if err := msgType.Validate(); err != nil {
		return Result{}, err
	}
	if msgType.IsReserved() {
		return Result{}, fmt.Errorf("message type %s cannot be sent as a request", msgType)
	}

	c.callMu.Lock()
	defer c.callMu.Unlock()

	if err := c.Write(msgType, payload); err != nil {
		return Result{}, fmt.Errorf("failed to send %s: %w", msgType, err)
	}

	waitCtx := context.WithoutCancel(ctx)
	for {
		msg, err := c.Read(waitCtx)
		if err != nil {
			return Result{}, fmt.Errorf("failed to receive response to %s: %w", msgType, err)
		}

		if msg.Type.IsReserved() {
			if onNotify == nil {
				continue
			}
			if err := onNotify(msg); err != nil {
				return Result{}, err
			}
			continue
		}

		return DecodeResult(msg.Data)
	}
}

// PumpMessages serves requests until a terminate frame arrives and returns
// its exit code and restart flag. Each reply carries the request's type.
func (c *Channel) PumpMessages(ctx context.Context, handler Handler) (Termination, error) {
	for {
		msg, err := c.Read(ctx)
		if err != nil {
			return Termination{}, err
		}

		switch msg.Type {
		case MessageTypeTerminate:
			return DecodeTermination(msg.Data)
		case MessageTypeLog, MessageTypeComplete:
			continue
		}

		result := handler(ctx, msg)
		if err := c.Write(msg.Type, result.Encode()); err != nil {
			return Termination{}, fmt.Errorf("failed to reply to %s: %w", msg.Type, err)
		}
	}
}

// Terminate tells the pumping side to stop.
func (c *Channel) Terminate(t Termination) error {
	return c.Write(MessageTypeTerminate, t.Encode())
}

// Close closes the underlying connection.
func (c *Channel) Close() error {
	return c.conn.Close()
}
