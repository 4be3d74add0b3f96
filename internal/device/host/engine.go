// Package host implements an in-process accelerator device. Commands run on
// goroutines against byte-slice buffers, ordered by their dependency events,
// and report device-clock timestamps when the queue was created with
// profiling.
package host

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/seantiz/xstream/internal/device"
)

// Engine constants.
const (
	// Kind is the name used when registering with the device registry.
	Kind = "host"

	// DefaultWorkers bounds concurrent commands on an out-of-order queue.
	DefaultWorkers = 4

	// DefaultClockHz is the simulated device clock rate.
	DefaultClockHz uint64 = 1_000_000_000
)

// Compile-time interface satisfaction check.
var _ device.Engine = (*Engine)(nil)

// Engine is a host-memory device.
type Engine struct {
	name      string
	logger    *logrus.Entry
	epoch     time.Time
	clockHz   uint64
	memLimit  int64
	maxQueues int
	workers   int
	counters  bool

	memUsed   atomic.Int64
	openQs    atomic.Int32
	nextQueue atomic.Uint64
	nextBuf   atomic.Uint64
}

// Option configures an Engine.
type Option func(*Engine)

// WithName sets the device name reported by Name.
func WithName(name string) Option {
	return func(e *Engine) { e.name = name }
}

// WithLogger routes driver logs to the given logrus entry. By default driver
// logs are discarded.
func WithLogger(entry *logrus.Entry) Option {
	return func(e *Engine) { e.logger = entry }
}

// WithMemoryLimit caps the bytes that may be allocated at once. Zero means
// unlimited.
func WithMemoryLimit(bytes int64) Option {
	return func(e *Engine) { e.memLimit = bytes }
}

// WithMaxQueues caps the number of simultaneously open queues. Zero means
// unlimited.
func WithMaxQueues(n int) Option {
	return func(e *Engine) { e.maxQueues = n }
}

// WithWorkers sets how many commands an out-of-order queue runs at once.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithClockRate sets the simulated device clock rate used for cycle counts.
func WithClockRate(hz uint64) Option {
	return func(e *Engine) {
		if hz > 0 {
			e.clockHz = hz
		}
	}
}

// WithoutCounters disables extended counters on every queue of the engine.
func WithoutCounters() Option {
	return func(e *Engine) { e.counters = false }
}

// New creates a host engine.
func New(opts ...Option) *Engine {
	discard := logrus.New()
	discard.SetOutput(io.Discard)

	e := &Engine{
		name:     "host:0",
		logger:   logrus.NewEntry(discard),
		epoch:    time.Now(),
		clockHz:  DefaultClockHz,
		workers:  DefaultWorkers,
		counters: true,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.WithField("device", e.name)
	return e
}

// Name returns the device name.
func (e *Engine) Name() string { return e.name }

// Kind returns the registry key.
func (e *Engine) Kind() string { return Kind }

// CreateQueue creates a queue with the given properties.
func (e *Engine) CreateQueue(props device.QueueProperties) (device.Queue, error) {
	n := e.openQs.Add(1)
	if e.maxQueues > 0 && int(n) > e.maxQueues {
		e.openQs.Add(-1)
		return nil, fmt.Errorf("create queue: %d queues already open: %w", e.maxQueues, device.ErrOutOfResources)
	}

	q := newQueue(e, e.nextQueue.Add(1), props)
	q.logger.WithFields(logrus.Fields{
		"out_of_order": props.OutOfOrder,
		"profiling":    props.Profiling,
	}).Debug("queue created")
	return q, nil
}

// Allocate reserves a zeroed buffer of size bytes.
func (e *Engine) Allocate(size int) (device.Storage, error) {
	if size < 0 {
		return nil, fmt.Errorf("allocate %d bytes: %w", size, device.ErrOutOfBounds)
	}
	used := e.memUsed.Add(int64(size))
	if e.memLimit > 0 && used > e.memLimit {
		e.memUsed.Add(-int64(size))
		return nil, fmt.Errorf("allocate %d bytes (limit %d): %w", size, e.memLimit, device.ErrOutOfResources)
	}

	b := &Buffer{
		id:     e.nextBuf.Add(1),
		engine: e,
		data:   make([]byte, size),
	}
	e.logger.WithFields(logrus.Fields{"buffer": b.id, "size": size}).Debug("buffer allocated")
	return b, nil
}

// OpenQueues reports how many queues have been created and not released.
func (e *Engine) OpenQueues() int {
	return int(e.openQs.Load())
}

// MemoryInUse reports the bytes currently allocated.
func (e *Engine) MemoryInUse() int64 {
	return e.memUsed.Load()
}

// now returns the device clock in nanoseconds since the engine was created.
func (e *Engine) now() uint64 {
	return uint64(time.Since(e.epoch).Nanoseconds())
}
