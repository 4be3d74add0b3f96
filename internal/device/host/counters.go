package host

import (
	"fmt"
	"sync/atomic"

	"github.com/seantiz/xstream/internal/device"
)

// Command names used in logs and counter accounting.
const (
	opCopy = "copy"
	opFill = "fill"
)

// Counter names reported by Snapshot.
const (
	CounterCommands    = "commands"
	CounterBytesCopied = "bytes_copied"
	CounterBytesFilled = "bytes_filled"
	CounterBusyNS      = "busy_ns"
)

// queueStats accumulates extended counters for captured commands.
type queueStats struct {
	commands    atomic.Uint64
	bytesCopied atomic.Uint64
	bytesFilled atomic.Uint64
	busyNS      atomic.Uint64
}

func (s *queueStats) record(op string, size int) {
	s.commands.Add(1)
	switch op {
	case opCopy:
		s.bytesCopied.Add(uint64(size))
	case opFill:
		s.bytesFilled.Add(uint64(size))
	}
}

func (s *queueStats) snapshot() map[string]uint64 {
	return map[string]uint64{
		CounterCommands:    s.commands.Load(),
		CounterBytesCopied: s.bytesCopied.Load(),
		CounterBytesFilled: s.bytesFilled.Load(),
		CounterBusyNS:      s.busyNS.Load(),
	}
}

// OpenCounters opens the queue's single extended-counter session.
func (q *Queue) OpenCounters() (device.CounterSession, error) {
	if !q.engine.counters {
		return nil, fmt.Errorf("%s: %w", q.engine.name, device.ErrCountersUnavailable)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.released {
		return nil, device.ErrQueueReleased
	}
	if q.session != nil {
		return nil, fmt.Errorf("queue %d: session already open: %w", q.id, device.ErrCountersUnavailable)
	}
	q.session = &counterSession{q: q, base: q.stats.snapshot()}
	return q.session, nil
}

// counterSession captures counters for commands enqueued while at least one
// Begin is outstanding.
type counterSession struct {
	q      *Queue
	base   map[string]uint64
	closed atomic.Bool
}

func (s *counterSession) Begin() error {
	if s.closed.Load() {
		return device.ErrCountersUnavailable
	}
	s.q.capture.Add(1)
	return nil
}

func (s *counterSession) End() error {
	if s.closed.Load() {
		return device.ErrCountersUnavailable
	}
	for {
		cur := s.q.capture.Load()
		if cur <= 0 {
			return fmt.Errorf("end without begin: %w", device.ErrCountersUnavailable)
		}
		if s.q.capture.CompareAndSwap(cur, cur-1) {
			return nil
		}
	}
}

func (s *counterSession) Snapshot() map[string]uint64 {
	cur := s.q.stats.snapshot()
	for k, v := range s.base {
		cur[k] -= v
	}
	return cur
}

func (s *counterSession) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.q.mu.Lock()
	if s.q.session == s {
		s.q.session = nil
		s.q.capture.Store(0)
	}
	s.q.mu.Unlock()
	return nil
}
