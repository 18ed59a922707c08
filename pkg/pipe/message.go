package pipe

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// MessageType tags every frame on the wire.
type MessageType uint32

// Reserved message types. Application types are small positive integers and
// never collide with these.
const (
	// MessageTypeLog carries a log line from the child to the parent.
	MessageTypeLog MessageType = 0xF0000001

	// MessageTypeComplete carries a progress or completion notification.
	MessageTypeComplete MessageType = 0xF0000002

	// MessageTypeTerminate tells the child to leave its pump loop.
	MessageTypeTerminate MessageType = 0xF0000003
)

// IsReserved returns true for the out-of-band message types.
func (t MessageType) IsReserved() bool {
	return t == MessageTypeLog || t == MessageTypeComplete || t == MessageTypeTerminate
}

// Validate checks if the message type can be sent as a request.
func (t MessageType) Validate() error {
	if t == 0 {
		return fmt.Errorf("invalid message type: 0")
	}
	return nil
}

func (t MessageType) String() string {
	switch t {
	case MessageTypeLog:
		return "log"
	case MessageTypeComplete:
		return "complete"
	case MessageTypeTerminate:
		return "terminate"
	}
	return fmt.Sprintf("type(%d)", uint32(t))
}

// Message is a single frame.
type Message struct {
	Type MessageType
	Data []byte
}

// Result is the reply to a request: a result code and an optional body.
type Result struct {
	Code uint32
	Body []byte
}

// Encode packs the result as [code uint32 LE][body].
func (r Result) Encode() []byte {
	out := make([]byte, 4+len(r.Body))
	binary.LittleEndian.PutUint32(out, r.Code)
	copy(out[4:], r.Body)
	return out
}

// DecodeResult unpacks a reply frame payload.
func DecodeResult(data []byte) (Result, error) {
	if len(data) < 4 {
		return Result{}, fmt.Errorf("result frame too short: %d bytes", len(data))
	}
	return Result{
		Code: binary.LittleEndian.Uint32(data),
		Body: data[4:],
	}, nil
}

// Termination is the payload of a terminate frame.
type Termination struct {
	ExitCode uint32
	Restart  bool
}

// Encode packs the termination as [exit code uint32 LE][restart byte].
func (t Termination) Encode() []byte {
	out := make([]byte, 5)
	binary.LittleEndian.PutUint32(out, t.ExitCode)
	if t.Restart {
		out[4] = 1
	}
	return out
}

// DecodeTermination unpacks a terminate frame payload.
func DecodeTermination(data []byte) (Termination, error) {
	if len(data) < 5 {
		return Termination{}, fmt.Errorf("terminate frame too short: %d bytes", len(data))
	}
	return Termination{
		ExitCode: binary.LittleEndian.Uint32(data),
		Restart:  data[4] != 0,
	}, nil
}

// Notification is the JSON body of a complete frame.
type Notification struct {
	Kind    string `json:"kind"`
	Percent uint32 `json:"percent,omitempty"`
	Message string `json:"message,omitempty"`
}

// ParseNotification decodes the body of a complete frame.
func ParseNotification(data []byte) (*Notification, error) {
	var n Notification
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, fmt.Errorf("failed to parse notification: %w", err)
	}
	return &n, nil
}
