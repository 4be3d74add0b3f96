// Package profiler aggregates device timing samples for one stream.
//
// Operations dispatched while the collection window is open register their
// completion events. Events are resolved into samples lazily, when samples
// are queried, so registration never blocks the submitting goroutine.
package profiler

import (
	"errors"
	"fmt"
	"sync"

	"github.com/seantiz/xstream/internal/device"
)

// Kind selects which measurement of a sample is reported.
type Kind int

const (
	// KindTime is the execution time in nanoseconds.
	KindTime Kind = iota + 1
	// KindCycles is the execution time in device clock ticks.
	KindCycles
)

var (
	// ErrUnknownKind is returned for a Kind outside the defined set.
	ErrUnknownKind = errors.New("unknown profiling data kind")
	// ErrNotStarted is returned by Stop without a matching Start.
	ErrNotStarted = errors.New("profiling window not started")
)

// String returns the kind's wire name.
func (k Kind) String() string {
	switch k {
	case KindTime:
		return "time"
	case KindCycles:
		return "cycles"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Valid reports whether k is a defined kind.
func (k Kind) Valid() bool {
	return k == KindTime || k == KindCycles
}

// ParseKind parses a kind name. The empty string selects KindTime.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "", "time":
		return KindTime, nil
	case "cycles":
		return KindCycles, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
}

// Sample is one resolved timing measurement.
type Sample struct {
	Op     string
	Timing device.Timing
}

// Value returns the sample's measurement of the given kind.
func (s Sample) Value(kind Kind) uint64 {
	if kind == KindCycles {
		return s.Timing.Cycles()
	}
	return s.Timing.Duration()
}

type pending struct {
	op string
	ev device.Event
}

// Profiler collects timing samples. It is safe for concurrent use.
type Profiler struct {
	mu      sync.Mutex
	depth   int
	gen     uint64
	pending []pending
	samples []Sample
	dropped int

	// resolveMu serializes resolution so concurrent queries observe samples
	// in registration order.
	resolveMu sync.Mutex
}

// New returns an empty profiler with a closed collection window.
func New() *Profiler {
	return &Profiler{}
}

// Start opens the collection window. Windows nest.
func (p *Profiler) Start() {
	p.mu.Lock()
	p.depth++
	p.mu.Unlock()
}

// Stop closes one level of the collection window.
func (p *Profiler) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.depth == 0 {
		return ErrNotStarted
	}
	p.depth--
	return nil
}

// Active reports whether the collection window is open.
func (p *Profiler) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.depth > 0
}

// Register records ev as the completion event of op. It reports whether the
// event was recorded, which happens only while the window is open.
func (p *Profiler) Register(op string, ev device.Event) bool {
	if ev == nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.depth == 0 {
		return false
	}
	p.pending = append(p.pending, pending{op: op, ev: ev})
	return true
}

// Reset discards all samples, including events not yet resolved.
func (p *Profiler) Reset() {
	p.mu.Lock()
	p.gen++
	p.pending = nil
	p.samples = nil
	p.dropped = 0
	p.mu.Unlock()
}

// Info copies up to len(buf) samples of the given kind into buf and returns
// how many were written. With a nil buf it returns the number of samples
// available. Pending events are waited for first. Samples are not cleared.
func (p *Profiler) Info(kind Kind, buf []uint64) (int, error) {
	if !kind.Valid() {
		return 0, fmt.Errorf("%w: %d", ErrUnknownKind, int(kind))
	}
	p.resolve()

	p.mu.Lock()
	defer p.mu.Unlock()
	if buf == nil {
		return len(p.samples), nil
	}
	n := min(len(buf), len(p.samples))
	for i := range n {
		buf[i] = p.samples[i].Value(kind)
	}
	return n, nil
}

// Values returns every sample of the given kind.
func (p *Profiler) Values(kind Kind) ([]uint64, error) {
	n, err := p.Info(kind, nil)
	if err != nil {
		return nil, err
	}
	buf := make([]uint64, n)
	n, err = p.Info(kind, buf)
	return buf[:n], err
}

// Samples returns a copy of the resolved samples.
func (p *Profiler) Samples() []Sample {
	p.resolve()
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Sample, len(p.samples))
	copy(out, p.samples)
	return out
}

// Dropped reports how many registered events produced no sample, because
// they failed or their queue reported no timing.
func (p *Profiler) Dropped() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

func (p *Profiler) resolve() {
	p.resolveMu.Lock()
	defer p.resolveMu.Unlock()

	p.mu.Lock()
	batch := p.pending
	gen := p.gen
	p.pending = nil
	p.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	resolved := make([]Sample, 0, len(batch))
	dropped := 0
	for _, pe := range batch {
		<-pe.ev.Done()
		if pe.ev.Err() != nil {
			dropped++
			continue
		}
		t, err := pe.ev.Timing()
		if err != nil {
			dropped++
			continue
		}
		resolved = append(resolved, Sample{Op: pe.op, Timing: t})
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gen != gen {
		// Reset ran while we waited.
		return
	}
	p.samples = append(p.samples, resolved...)
	p.dropped += dropped
	for _, s := range resolved {
		opDuration.WithLabelValues(s.Op).Observe(float64(s.Timing.Duration()) / 1e9)
	}
}
