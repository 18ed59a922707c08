package pipe

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// headerSize is the 4-byte type plus the 8-byte payload length.
const headerSize = 12

// Encoder writes frames to an io.Writer.
type Encoder struct {
	w *bufio.Writer
}

// NewEncoder creates a new frame encoder.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{
		w: bufio.NewWriter(w),
	}
}

// Encode writes one frame: [type uint32 LE][length uint64 LE][payload].
func (e *Encoder) Encode(msgType MessageType, payload []byte) error {
	var header [headerSize]byte
	binary.LittleEndian.PutUint32(header[0:4], uint32(msgType))
	binary.LittleEndian.PutUint64(header[4:12], uint64(len(payload)))

	if _, err := e.w.Write(header[:]); err != nil {
		return fmt.Errorf("failed to write header: %w", disconnected(err))
	}
	if _, err := e.w.Write(payload); err != nil {
		return fmt.Errorf("failed to write payload: %w", disconnected(err))
	}
	if err := e.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", disconnected(err))
	}
	return nil
}

// Decoder reads frames from an io.Reader.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder creates a new frame decoder.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{
		r: bufio.NewReader(r),
	}
}

// Decode reads the next frame. The payload buffer grows as bytes arrive, so a
// corrupt length cannot force a huge allocation up front.
func (d *Decoder) Decode() (*Message, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(d.r, header[:]); err != nil {
		return nil, fmt.Errorf("failed to read header: %w", disconnected(err))
	}

	msgType := MessageType(binary.LittleEndian.Uint32(header[0:4]))
	length := binary.LittleEndian.Uint64(header[4:12])
	if length > math.MaxInt64 {
		return nil, fmt.Errorf("frame length %d out of range", length)
	}

	var buf bytes.Buffer
	if length > 0 {
		n, err := io.CopyN(&buf, d.r, int64(length))
		if err != nil {
			if err == io.EOF && uint64(n) < length {
				err = io.ErrUnexpectedEOF
			}
			return nil, fmt.Errorf("failed to read payload: %w", disconnected(err))
		}
	}

	return &Message{Type: msgType, Data: buf.Bytes()}, nil
}
