package remote

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/seantiz/xstream/internal/device"
)

// MaxMessageSize is the maximum allowed frame payload (16 MiB).
const MaxMessageSize = 16 << 20

// Request operations.
const (
	OpHello        = "hello"
	OpCreateQueue  = "create_queue"
	OpReleaseQueue = "release_queue"
	OpFinish       = "finish"
	OpAllocate     = "allocate"
	OpFree         = "free"
	OpRead         = "read"
	OpWrite        = "write"
	OpCopy         = "copy"
	OpFill         = "fill"
)

// Request is the payload sent from client to agent. Every request gets
// exactly one reply carrying the same ID.
type Request struct {
	ID      uint64                  `json:"id"`
	Op      string                  `json:"op"`
	Queue   uint64                  `json:"queue,omitempty"`
	Buffer  uint64                  `json:"buffer,omitempty"`
	Src     uint64                  `json:"src,omitempty"`
	Dst     uint64                  `json:"dst,omitempty"`
	Deps    []uint64                `json:"deps,omitempty"`
	Size    int                     `json:"size,omitempty"`
	Offset  int                     `json:"offset,omitempty"`
	Pattern byte                    `json:"pattern,omitempty"`
	Props   *device.QueueProperties `json:"props,omitempty"`
	Data    []byte                  `json:"data,omitempty"`
}

// Agent→client message types.
const (
	MsgTypeReply    = "reply"
	MsgTypeComplete = "complete"
)

// Message is the envelope for all agent→client frames. A reply answers the
// request with the same ID. A complete message reports that the command
// behind Event finished; it always follows the reply that announced Event.
type Message struct {
	Type   string                  `json:"type"`
	ID     uint64                  `json:"id,omitempty"`
	Name   string                  `json:"name,omitempty"`
	Queue  uint64                  `json:"queue,omitempty"`
	Buffer uint64                  `json:"buffer,omitempty"`
	Event  uint64                  `json:"event,omitempty"`
	Props  *device.QueueProperties `json:"props,omitempty"`
	Timing *device.Timing          `json:"timing,omitempty"`
	Data   []byte                  `json:"data,omitempty"`
	Error  string                  `json:"error,omitempty"`
	Code   string                  `json:"code,omitempty"`
}

// WriteMessage writes a length-prefixed JSON message to w.
// The frame format is: 4-byte big-endian length prefix followed by the JSON payload.
func WriteMessage(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", len(data), MaxMessageSize)
	}

	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[4:], data)
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadMessage reads a length-prefixed JSON message from r and decodes it into v.
func ReadMessage(r io.Reader, v any) error {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return fmt.Errorf("read length prefix: %w", err)
	}

	if length > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", length, MaxMessageSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("read payload: %w", err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal message: %w", err)
	}

	return nil
}

// ErrEventRetired is reported when a command names a dependency whose
// completion frame the agent has already sent.
var ErrEventRetired = errors.New("event retired")

// errorCodes maps device sentinels to their wire codes.
var errorCodes = []struct {
	code string
	err  error
}{
	{"out_of_resources", device.ErrOutOfResources},
	{"queue_released", device.ErrQueueReleased},
	{"invalid_storage", device.ErrInvalidStorage},
	{"out_of_bounds", device.ErrOutOfBounds},
	{"profiling_disabled", device.ErrProfilingDisabled},
	{"not_complete", device.ErrNotComplete},
	{"counters_unavailable", device.ErrCountersUnavailable},
	{"dependency_failed", device.ErrDependencyFailed},
	{"foreign_event", device.ErrForeignEvent},
	{"event_retired", ErrEventRetired},
}

// ErrorCode returns the wire code of the first device sentinel err wraps.
func ErrorCode(err error) string {
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}
	return ""
}

// Error is a failure reported by the agent.
type Error struct {
	Msg  string
	Code string
}

func (e *Error) Error() string { return "agent: " + e.Msg }

// Unwrap returns the device sentinel matching Code, so errors.Is works
// across the connection.
func (e *Error) Unwrap() error {
	for _, ec := range errorCodes {
		if ec.code == e.Code {
			return ec.err
		}
	}
	return nil
}

// errorFrom rebuilds the error carried by a message, or nil.
func errorFrom(msg Message) error {
	if msg.Error == "" {
		return nil
	}
	return &Error{Msg: msg.Error, Code: msg.Code}
}

// SetError records err on msg.
func (m *Message) SetError(err error) {
	if err == nil {
		return
	}
	m.Error = err.Error()
	m.Code = ErrorCode(err)
}
