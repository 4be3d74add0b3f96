package host

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/seantiz/xstream/internal/device"
)

// Compile-time interface satisfaction checks.
var (
	_ device.Readable = (*Buffer)(nil)
	_ device.Writable = (*Buffer)(nil)
	_ device.Freer    = (*Buffer)(nil)
)

// Buffer is host memory standing in for device memory.
type Buffer struct {
	id     uint64
	engine *Engine
	freed  atomic.Bool

	mu   sync.RWMutex
	data []byte
}

// ID returns the engine-unique buffer identifier.
func (b *Buffer) ID() uint64 { return b.id }

// Size returns the buffer length in bytes.
func (b *Buffer) Size() int { return len(b.data) }

// Bytes returns a copy of the buffer contents.
func (b *Buffer) Bytes() []byte {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out
}

// Write copies p into the buffer at offset off.
func (b *Buffer) Write(off int, p []byte) error {
	if off < 0 || off+len(p) > len(b.data) {
		return fmt.Errorf("write %d bytes at %d into %d-byte buffer: %w", len(p), off, len(b.data), device.ErrOutOfBounds)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	copy(b.data[off:], p)
	return nil
}

// ReadBytes implements device.Readable.
func (b *Buffer) ReadBytes() ([]byte, error) {
	if b.freed.Load() {
		return nil, device.ErrInvalidStorage
	}
	return b.Bytes(), nil
}

// WriteBytes implements device.Writable.
func (b *Buffer) WriteBytes(off int, p []byte) error {
	if b.freed.Load() {
		return device.ErrInvalidStorage
	}
	return b.Write(off, p)
}

// Free returns the buffer's bytes to the engine's memory budget. Commands
// that reference a freed buffer fail with device.ErrInvalidStorage.
func (b *Buffer) Free() {
	if b.freed.CompareAndSwap(false, true) {
		b.engine.memUsed.Add(-int64(len(b.data)))
	}
}

// asBuffer checks that s is a live buffer allocated by e.
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

// copyBuffer copies size bytes from src to dst. Locks are taken in buffer id
// order so that opposite-direction copies cannot deadlock.
func copyBuffer(src, dst *Buffer, size int) error {
	if size > len(src.data) || size > len(dst.data) {
		return fmt.Errorf("copy %d bytes from %d-byte to %d-byte buffer: %w",
			size, len(src.data), len(dst.data), device.ErrOutOfBounds)
	}
	if src == dst {
		return nil
	}

	if src.id < dst.id {
		src.mu.RLock()
		dst.mu.Lock()
	} else {
		dst.mu.Lock()
		src.mu.RLock()
	}
	copy(dst.data[:size], src.data[:size])
	dst.mu.Unlock()
	src.mu.RUnlock()
	return nil
}

// fillBuffer writes pattern into the first size bytes of dst.
func fillBuffer(dst *Buffer, pattern byte, size int) error {
	if size > len(dst.data) {
		return fmt.Errorf("fill %d bytes of %d-byte buffer: %w", size, len(dst.data), device.ErrOutOfBounds)
	}
	dst.mu.Lock()
	defer dst.mu.Unlock()
	region := dst.data[:size]
	for i := range region {
		region[i] = pattern
	}
	return nil
}
