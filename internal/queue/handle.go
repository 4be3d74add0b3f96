package queue

import (
	"fmt"
	"sync"

	"github.com/seantiz/xstream/internal/device"
)

// Handle owns one native device queue.
type Handle struct {
	q       device.Queue
	flags   Flags
	adopted bool

	once       sync.Once
	releaseErr error
}

// Create builds a queue on eng with properties derived from flags.
func Create(eng device.Engine, flags Flags) (*Handle, error) {
	flags, err := flags.Normalize()
	if err != nil {
		return nil, err
	}
	q, err := eng.CreateQueue(flags.Properties())
	if err != nil {
		return nil, fmt.Errorf("create queue on %s: %w", eng.Name(), err)
	}
	return &Handle{q: q, flags: flags}, nil
}

// Adopt takes ownership of an existing queue, inferring flags from its
// reported properties. On failure ownership stays with the caller.
func Adopt(q device.Queue) (*Handle, error) {
	if q == nil {
		return nil, fmt.Errorf("adopt nil queue: %w", ErrInvalidFlags)
	}
	props, err := q.Properties()
	if err != nil {
		return nil, fmt.Errorf("query queue properties: %w", err)
	}
	return &Handle{q: q, flags: FlagsFromProperties(props), adopted: true}, nil
}

// Queue returns the native queue.
func (h *Handle) Queue() device.Queue { return h.q }

// Flags returns the flags the queue was created with or inferred from.
func (h *Handle) Flags() Flags { return h.flags }

// Adopted reports whether the queue was supplied by the caller.
func (h *Handle) Adopted() bool { return h.adopted }

// Release releases the native queue. Only the first call reaches the device;
// later calls return the first call's result.
func (h *Handle) Release() error {
	h.once.Do(func() {
		if err := h.q.Release(); err != nil {
			h.releaseErr = fmt.Errorf("release queue: %w", err)
		}
	})
	return h.releaseErr
}
