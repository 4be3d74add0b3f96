package remote

import (
	"fmt"
	"sync/atomic"

	"github.com/seantiz/xstream/internal/device"
)

// Buffer is device memory on the agent.
type Buffer struct {
	id     uint64
	size   int
	engine *Engine
	freed  atomic.Bool
}

// ID returns the agent-assigned buffer identifier.
func (b *Buffer) ID() uint64 { return b.id }

// Size returns the buffer length in bytes.
func (b *Buffer) Size() int { return b.size }

// ReadBytes fetches the buffer contents from the agent.
func (b *Buffer) ReadBytes() ([]byte, error) {
	if b.freed.Load() {
		return nil, device.ErrInvalidStorage
	}
	msg, err := b.engine.call(Request{Op: OpRead, Buffer: b.id})
	if err != nil {
		return nil, fmt.Errorf("read buffer %d: %w", b.id, err)
	}
	if msg.Data == nil {
		return make([]byte, b.size), nil
	}
	return msg.Data, nil
}

// WriteBytes writes p into the buffer at offset off.
func (b *Buffer) WriteBytes(off int, p []byte) error {
	if b.freed.Load() {
		return device.ErrInvalidStorage
	}
	if off < 0 || off+len(p) > b.size {
		return fmt.Errorf("write %d bytes at %d into %d-byte buffer: %w", len(p), off, b.size, device.ErrOutOfBounds)
	}
	if _, err := b.engine.call(Request{Op: OpWrite, Buffer: b.id, Offset: off, Data: p}); err != nil {
		return fmt.Errorf("write buffer %d: %w", b.id, err)
	}
	return nil
}

// Free returns the buffer to the agent. Failures are logged; the agent frees
// every buffer of a connection when it closes.
func (b *Buffer) Free() {
	if !b.freed.CompareAndSwap(false, true) {
		return
	}
	if _, err := b.engine.call(Request{Op: OpFree, Buffer: b.id}); err != nil {
		b.engine.logger.Warn("free remote buffer", "buffer", b.id, "error", err)
	}
}

// asBuffer checks that s is a live buffer of e.
func (e *Engine) asBuffer(s device.Storage) (*Buffer, error) {
	b, ok := s.(*Buffer)
	if !ok || b == nil || b.engine != e {
		return nil, fmt.Errorf("storage %T: %w", s, device.ErrInvalidStorage)
	}
	if b.freed.Load() {
		return nil, fmt.Errorf("buffer %d freed: %w", b.id, device.ErrInvalidStorage)
	}
	return b, nil
}
