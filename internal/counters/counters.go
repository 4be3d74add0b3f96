// Package counters bridges a device queue's vendor extended performance
// counters to a stream.
package counters

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"

	"github.com/seantiz/xstream/internal/device"
)

// ErrClosed is returned by a bridge after Close.
var ErrClosed = errors.New("counter bridge closed")

// Bridge exposes the extended counters of one queue. The underlying session
// is fixed at construction.
type Bridge struct {
	session device.CounterSession

	mu     sync.Mutex
	closed bool
}

// New opens a counter session on q. It fails with
// device.ErrCountersUnavailable when q does not expose counters.
func New(q device.Queue) (*Bridge, error) {
	src, ok := q.(device.CounterSource)
	if !ok {
		return nil, device.ErrCountersUnavailable
	}
	s, err := src.OpenCounters()
	if err != nil {
		return nil, fmt.Errorf("open counters: %w", err)
	}
	return &Bridge{session: s}, nil
}

// Open is New with degradation: on failure it logs a warning and returns nil,
// meaning extended metrics are unavailable.
func Open(q device.Queue, logger *slog.Logger) *Bridge {
	b, err := New(q)
	if err != nil {
		if logger != nil {
			logger.Warn("hardware counters unavailable", "error", err)
		}
		return nil
	}
	return b
}

// Begin starts capturing for the commands that follow.
func (b *Bridge) Begin() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	return b.session.Begin()
}

// End stops one level of capture.
func (b *Bridge) End() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	return b.session.End()
}

// Snapshot returns the current counter values. A closed bridge returns nil.
func (b *Bridge) Snapshot() map[string]uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	return maps.Clone(b.session.Snapshot())
}

// Close ends the session. Closing twice is a no-op.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.session.Close()
}
