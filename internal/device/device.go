package device

import (
	"math"
	"math/bits"
)

// Engine is the interface that all device engines must implement. An engine
// owns a device, hands out command queues on it and allocates device memory.
type Engine interface {
	// Name is a human-readable device name, e.g. "host:0".
	Name() string

	// Kind is the registry key for this engine ("host", "remote").
	Kind() string

	// CreateQueue creates a new command queue with the given properties.
	// The caller owns the returned queue and must Release it exactly once.
	CreateQueue(props QueueProperties) (Queue, error)

	// Allocate reserves size bytes of device memory.
	Allocate(size int) (Storage, error)
}

// Queue is a native device command queue. Submission must be safe for
// concurrent callers; the device layer owns that guarantee.
type Queue interface {
	// Properties reports the properties the queue was created with.
	Properties() (QueueProperties, error)

	// EnqueueCopy schedules a copy of size bytes from src to dst that starts
	// only after every event in deps has completed. It never blocks on device
	// work.
	EnqueueCopy(src, dst Storage, size int, deps []Event) (Event, error)

	// EnqueueFill schedules writing pattern into the first size bytes of dst.
	EnqueueFill(dst Storage, pattern byte, size int, deps []Event) (Event, error)

	// Finish blocks until all work enqueued before the call has completed.
	Finish() error

	// Release drops the caller's reference to the queue. Work already
	// enqueued still runs to completion.
	Release() error
}

// Event is a completion signal for one enqueued command.
type Event interface {
	// Done is closed once the command has completed, successfully or not.
	Done() <-chan struct{}

	// Err reports the command's failure. It is only meaningful after Done is
	// closed.
	Err() error

	// Timing returns the device-reported timestamps for the command. It fails
	// with ErrProfilingDisabled when the queue was created without profiling
	// and with ErrNotComplete before Done is closed.
	Timing() (Timing, error)
}

// Storage is an abstract handle to device memory usable as a copy or fill
// endpoint. Its layout is private to the engine that allocated it.
type Storage interface {
	Size() int
}

// QueueProperties describes how a queue orders and instruments its commands.
type QueueProperties struct {
	OutOfOrder bool `json:"out_of_order"`
	Profiling  bool `json:"profiling"`
}

// Timing holds device clock timestamps in nanoseconds since the device epoch.
type Timing struct {
	Queued  uint64 `json:"queued"`
	Start   uint64 `json:"start"`
	End     uint64 `json:"end"`
	ClockHz uint64 `json:"clock_hz"`
}

// Duration is the execution time of the command in nanoseconds.
func (t Timing) Duration() uint64 {
	if t.End < t.Start {
		return 0
	}
	return t.End - t.Start
}

// Cycles converts the execution time into device clock ticks. Results that
// do not fit in a uint64 saturate at math.MaxUint64.
func (t Timing) Cycles() uint64 {
	if t.ClockHz == 0 {
		return t.Duration()
	}
	hi, lo := bits.Mul64(t.Duration(), t.ClockHz)
	if hi >= 1e9 {
		return math.MaxUint64
	}
	q, _ := bits.Div64(hi, lo, 1e9)
	return q
}

// CounterSource is implemented by queues that expose vendor extended
// performance counters.
type CounterSource interface {
	OpenCounters() (CounterSession, error)
}

// CounterSession captures extended counters for commands enqueued between
// Begin and End.
type CounterSession interface {
	Begin() error
	End() error
	Snapshot() map[string]uint64
	Close() error
}

// Readable is implemented by storage whose contents the host can read back.
type Readable interface {
	ReadBytes() ([]byte, error)
}

// Writable is implemented by storage the host can write into directly.
type Writable interface {
	WriteBytes(off int, p []byte) error
}

// Freer is implemented by storage that can be returned to its engine.
type Freer interface {
	Free()
}
