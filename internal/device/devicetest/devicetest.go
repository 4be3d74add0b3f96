// Package devicetest provides a scriptable mock device for tests: queues
// count references, record every enqueued command with its dependencies, and
// can be told to fail at creation, enqueue, finish or counter time.
package devicetest

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/seantiz/xstream/internal/device"
)

// Kind is the registry key of the mock engine.
const Kind = "mock"

// Compile-time interface satisfaction checks.
var (
	_ device.Engine        = (*Engine)(nil)
	_ device.Queue         = (*Queue)(nil)
	_ device.CounterSource = (*Queue)(nil)
	_ device.Event         = (*Event)(nil)
)

// Engine is a mock device engine.
type Engine struct {
	// CreateErr, when set, is returned by CreateQueue.
	CreateErr error
	// AllocErr, when set, is returned by Allocate.
	AllocErr error
	// Manual leaves events of new queues pending until Complete is called.
	Manual bool

	mu     sync.Mutex
	queues []*Queue
}

// NewEngine creates a mock engine.
func NewEngine() *Engine {
	return &Engine{}
}

func (e *Engine) Name() string { return "mock:0" }
func (e *Engine) Kind() string { return Kind }

// CreateQueue returns a new mock queue holding one reference.
func (e *Engine) CreateQueue(props device.QueueProperties) (device.Queue, error) {
	if e.CreateErr != nil {
		return nil, e.CreateErr
	}
	q := NewQueue(props)
	q.Manual = e.Manual

	e.mu.Lock()
	e.queues = append(e.queues, q)
	e.mu.Unlock()
	return q, nil
}

// Allocate returns a Storage of the requested size.
func (e *Engine) Allocate(size int) (device.Storage, error) {
	if e.AllocErr != nil {
		return nil, e.AllocErr
	}
	return &Storage{N: size}, nil
}

// Queues returns the queues created so far.
func (e *Engine) Queues() []*Queue {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Queue, len(e.queues))
	copy(out, e.queues)
	return out
}

// Storage is a mock storage handle.
type Storage struct {
	N int
}

func (s *Storage) Size() int { return s.N }

// Command records one enqueued operation.
type Command struct {
	Op      string
	Size    int
	Pattern byte
	Src     device.Storage
	Dst     device.Storage
	Deps    []device.Event
	Event   *Event
}

// Queue is a mock queue. Configure the exported fields before handing the
// queue to the code under test.
type Queue struct {
	// PropsErr is returned by Properties.
	PropsErr error
	// EnqueueErr is returned by EnqueueCopy and EnqueueFill.
	EnqueueErr error
	// FinishErr is returned by Finish after in-flight events complete.
	FinishErr error
	// CounterErr is returned by OpenCounters.
	CounterErr error
	// Manual leaves events pending until Complete is called.
	Manual bool

	props    device.QueueProperties
	refs     atomic.Int32
	releases atomic.Int32
	finishes atomic.Int32

	mu       sync.Mutex
	seq      uint64
	commands []Command
	session  *Session
}

// NewQueue creates a standalone mock queue holding one reference, as if
// created by an external owner.
func NewQueue(props device.QueueProperties) *Queue {
	q := &Queue{props: props}
	q.refs.Store(1)
	return q
}

// Refs reports the current reference count.
func (q *Queue) Refs() int32 { return q.refs.Load() }

// Releases reports how many times Release was called.
func (q *Queue) Releases() int32 { return q.releases.Load() }

// Finishes reports how many times Finish was called.
func (q *Queue) Finishes() int32 { return q.finishes.Load() }

// Commands returns a snapshot of the commands enqueued so far.
func (q *Queue) Commands() []Command {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Command, len(q.commands))
	copy(out, q.commands)
	return out
}

// Counters returns the open counter session, if any.
func (q *Queue) Counters() *Session {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.session
}

func (q *Queue) Properties() (device.QueueProperties, error) {
	if q.PropsErr != nil {
		return device.QueueProperties{}, q.PropsErr
	}
	return q.props, nil
}

func (q *Queue) EnqueueCopy(src, dst device.Storage, size int, deps []device.Event) (device.Event, error) {
	return q.enqueue(Command{Op: "copy", Src: src, Dst: dst, Size: size, Deps: deps})
}

func (q *Queue) EnqueueFill(dst device.Storage, pattern byte, size int, deps []device.Event) (device.Event, error) {
	return q.enqueue(Command{Op: "fill", Dst: dst, Pattern: pattern, Size: size, Deps: deps})
}

func (q *Queue) enqueue(cmd Command) (device.Event, error) {
	if q.refs.Load() <= 0 {
		return nil, device.ErrQueueReleased
	}
	if q.EnqueueErr != nil {
		return nil, q.EnqueueErr
	}

	q.mu.Lock()
	q.seq++
	start := q.seq * 1000
	dur := uint64(cmd.Size)
	if dur == 0 {
		dur = 1
	}
	ev := &Event{
		ID:        q.seq,
		profiling: q.props.Profiling,
		done:      make(chan struct{}),
		timing: device.Timing{
			Queued:  start - 10,
			Start:   start,
			End:     start + dur,
			ClockHz: 1_000_000_000,
		},
	}
	cmd.Deps = append([]device.Event(nil), cmd.Deps...)
	cmd.Event = ev
	q.commands = append(q.commands, cmd)
	if q.session != nil && q.session.capturing.Load() > 0 {
		q.session.commands.Add(1)
	}
	q.mu.Unlock()

	if !q.Manual {
		ev.Complete(nil)
	}
	return ev, nil
}

// Finish waits for every recorded event and returns FinishErr.
func (q *Queue) Finish() error {
	q.finishes.Add(1)
	if q.refs.Load() <= 0 {
		return device.ErrQueueReleased
	}
	for _, cmd := range q.Commands() {
		<-cmd.Event.Done()
	}
	return q.FinishErr
}

// Release drops one reference. Releasing past zero is reported as an error.
func (q *Queue) Release() error {
	q.releases.Add(1)
	if n := q.refs.Add(-1); n < 0 {
		return fmt.Errorf("mock queue over-released (refs %d): %w", n, device.ErrQueueReleased)
	}
	return nil
}

// OpenCounters opens a mock counter session unless CounterErr is set.
func (q *Queue) OpenCounters() (device.CounterSession, error) {
	if q.CounterErr != nil {
		return nil, q.CounterErr
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.session = &Session{}
	return q.session, nil
}

// Event is a mock completion signal.
type Event struct {
	ID uint64

	profiling bool
	done      chan struct{}
	once      sync.Once
	err       error
	timing    device.Timing
}

// Complete marks the event done with err. Later calls are ignored.
func (ev *Event) Complete(err error) {
	ev.once.Do(func() {
		ev.err = err
		close(ev.done)
	})
}

func (ev *Event) Done() <-chan struct{} { return ev.done }

func (ev *Event) Err() error {
	select {
	case <-ev.done:
		return ev.err
	default:
		return nil
	}
}

func (ev *Event) Timing() (device.Timing, error) {
	if !ev.profiling {
		return device.Timing{}, device.ErrProfilingDisabled
	}
	select {
	case <-ev.done:
		return ev.timing, nil
	default:
		return device.Timing{}, device.ErrNotComplete
	}
}

// Session is a mock counter session.
type Session struct {
	// BeginErr and EndErr are returned by Begin and End.
	BeginErr error
	EndErr   error

	capturing atomic.Int32
	begins    atomic.Int32
	ends      atomic.Int32
	commands  atomic.Uint64
	closed    atomic.Bool
}

func (s *Session) Begin() error {
	s.begins.Add(1)
	if s.BeginErr != nil {
		return s.BeginErr
	}
	s.capturing.Add(1)
	return nil
}

func (s *Session) End() error {
	s.ends.Add(1)
	if s.EndErr != nil {
		return s.EndErr
	}
	s.capturing.Add(-1)
	return nil
}

func (s *Session) Snapshot() map[string]uint64 {
	return map[string]uint64{"commands": s.commands.Load()}
}

func (s *Session) Close() error {
	s.closed.Store(true)
	return nil
}

// Begins reports how many times Begin was called.
func (s *Session) Begins() int32 { return s.begins.Load() }

// Ends reports how many times End was called.
func (s *Session) Ends() int32 { return s.ends.Load() }

// Closed reports whether Close was called.
func (s *Session) Closed() bool { return s.closed.Load() }
