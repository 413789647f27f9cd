// Package vsockpb frames request/response messages exchanged over a
// vsock.Channel. It deliberately encodes with JSON rather than
// protobuf: a generated-code dependency for this wire format was not
// available to build against, and the teacher's own vsock protocol
// (internal/backend.VsockMessage) is already a length-prefixed JSON
// envelope, so this codec follows the same shape.
package vsockpb

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MaxMessageSize bounds a single frame to guard against a misbehaving
// peer claiming an absurd length prefix.
const MaxMessageSize = 64 << 20

// MessageType enumerates the control messages exchanged between the
// host side of a Sandbox and its guest.
type MessageType int

const (
	MsgEnter MessageType = iota + 1
	MsgResume
	MsgSyscall
	MsgSyscallResult
	MsgHalt
	MsgFault
)

// Message is one framed unit on the wire: a type tag plus an opaque
// JSON payload the caller decodes according to Type.
type Message struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Codec reads and writes length-prefixed Messages over a Channel.
type Codec struct {
	rw io.ReadWriter
}

func NewCodec(rw io.ReadWriter) *Codec {
	return &Codec{rw: rw}
}

// Send encodes msg as JSON and writes it as a 4-byte big-endian
// length prefix followed by the payload.
func (c *Codec) Send(msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("vsockpb: marshal: %w", err)
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(data)))
	if _, err := c.rw.Write(hdr[:]); err != nil {
		return fmt.Errorf("vsockpb: write header: %w", err)
	}
	if _, err := c.rw.Write(data); err != nil {
		return fmt.Errorf("vsockpb: write payload: %w", err)
	}
	return nil
}

// Receive reads one framed Message, blocking until it is available.
func (c *Codec) Receive() (*Message, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(c.rw, hdr[:]); err != nil {
		return nil, fmt.Errorf("vsockpb: read header: %w", err)
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxMessageSize {
		return nil, fmt.Errorf("vsockpb: frame of %d bytes exceeds max %d", n, MaxMessageSize)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.rw, buf); err != nil {
		return nil, fmt.Errorf("vsockpb: read payload: %w", err)
	}
	var msg Message
	if err := json.Unmarshal(buf, &msg); err != nil {
		return nil, fmt.Errorf("vsockpb: unmarshal: %w", err)
	}
	return &msg, nil
}
