package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/seantiz/xstream/internal/counters"
	"github.com/seantiz/xstream/internal/device"
	"github.com/seantiz/xstream/internal/execctx"
	"github.com/seantiz/xstream/internal/model"
	"github.com/seantiz/xstream/internal/profiler"
	"github.com/seantiz/xstream/internal/queue"
)

// Operation names used in metrics, logs and profiling samples.
const (
	OpCopy = "copy"
	OpFill = "fill"
)

// Option configures a Stream.
type Option func(*options)

type options struct {
	id       string
	logger   *slog.Logger
	counters bool
	hooks    []ExecHooks
}

// WithLogger sets the stream's logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithHardwareCounters requests the extended counter bridge. A queue that
// cannot provide counters leaves the stream without one.
func WithHardwareCounters() Option {
	return func(o *options) { o.counters = true }
}

// WithID sets the stream identifier instead of generating one.
func WithID(id string) Option {
	return func(o *options) { o.id = id }
}

// WithExecHooks appends hooks run around every dispatched operation, after
// the profiling and counter hooks.
func WithExecHooks(h ...ExecHooks) Option {
	return func(o *options) { o.hooks = append(o.hooks, h...) }
}

// Stream owns one device queue and issues operations on it.
type Stream struct {
	id       string
	engine   device.Engine
	handle   *queue.Handle
	prof     *profiler.Profiler
	counters *counters.Bridge
	hooks    ExecHooks
	lanes    *execctx.Registry
	logger   *slog.Logger

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// New creates a stream with a fresh queue on eng.
func New(eng device.Engine, flags queue.Flags, opts ...Option) (*Stream, error) {
	if eng == nil {
		return nil, fmt.Errorf("%w: nil engine", ErrInvalidArguments)
	}
	h, err := queue.Create(eng, flags)
	if err != nil {
		switch {
		case errors.Is(err, queue.ErrInvalidFlags):
			return nil, fmt.Errorf("%w: %w", ErrInvalidArguments, err)
		case errors.Is(err, device.ErrOutOfResources):
			return nil, fmt.Errorf("%w: %w", ErrOutOfMemory, err)
		default:
			return nil, fmt.Errorf("%w: %w", ErrRuntime, err)
		}
	}
	return build(eng, h, opts), nil
}

// NewFromQueue creates a stream around an existing queue, with flags inferred
// from the queue's properties. The stream owns q once NewFromQueue succeeds;
// on failure q stays with the caller.
func NewFromQueue(eng device.Engine, q device.Queue, opts ...Option) (*Stream, error) {
	if eng == nil || q == nil {
		return nil, fmt.Errorf("%w: nil engine or queue", ErrInvalidArguments)
	}
	h, err := queue.Adopt(q)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRuntime, err)
	}
	return build(eng, h, opts), nil
}

func build(eng device.Engine, h *queue.Handle, opts []Option) *Stream {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.id == "" {
		o.id = model.NewID()
	}
	if o.logger == nil {
		o.logger = slog.New(slog.DiscardHandler)
	}

	s := &Stream{
		id:     o.id,
		engine: eng,
		handle: h,
		lanes:  execctx.NewRegistry(),
		logger: o.logger.With("stream", o.id, "device", eng.Name()),
	}
	if h.Flags().Profiling() {
		s.prof = profiler.New()
	}
	if o.counters {
		s.counters = counters.Open(h.Queue(), s.logger)
	}
	s.hooks = composeHooks(s.prof, s.counters, o.hooks)

	streamsActive.Inc()
	s.logger.Debug("stream created", "flags", h.Flags().String(), "adopted", h.Adopted())
	return s
}

// ID returns the stream identifier.
func (s *Stream) ID() string { return s.id }

// Engine returns the engine the stream was created on.
func (s *Stream) Engine() device.Engine { return s.engine }

// Flags returns the stream's creation flags.
func (s *Stream) Flags() queue.Flags { return s.handle.Flags() }

// Queue returns the owned device queue.
func (s *Stream) Queue() device.Queue { return s.handle.Queue() }

// Profiling reports whether the stream collects timing samples.
func (s *Stream) Profiling() bool { return s.prof != nil }

// HardwareCounters returns the counter bridge, or nil when extended metrics
// are unavailable.
func (s *Stream) HardwareCounters() *counters.Bridge { return s.counters }

// Closed reports whether Close has been called.
func (s *Stream) Closed() bool { return s.closed.Load() }

func (s *Stream) checkOpen() error {
	if s.closed.Load() {
		return fmt.Errorf("%w: stream %s is closed", ErrInvalidArguments, s.id)
	}
	return nil
}

// Wait blocks until every operation enqueued on the stream has completed.
func (s *Stream) Wait() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	start := time.Now()
	err := s.handle.Queue().Finish()
	waitDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("%w: wait: %w", ErrRuntime, err)
	}
	return nil
}

// BeforeExecHook starts profiling and counter capture for the next
// operation. Hook failures are logged and do not affect the operation.
func (s *Stream) BeforeExecHook(ctx context.Context) {
	if err := s.hooks.BeforeExec(ctx); err != nil {
		s.logger.Warn("before-exec hook failed", "lane", string(execctx.LaneOf(ctx)), "error", err)
	}
}

// AfterExecHook stops what BeforeExecHook started.
func (s *Stream) AfterExecHook(ctx context.Context) {
	if err := s.hooks.AfterExec(ctx); err != nil {
		s.logger.Warn("after-exec hook failed", "lane", string(execctx.LaneOf(ctx)), "error", err)
	}
}

// Copy enqueues a copy of size bytes from src to dst, ordered after deps and
// after the previous operation of the caller's lane. A zero size completes
// immediately without running the exec hooks, and it leaves an existing lane
// frontier in place, so OutputEvent keeps returning the last pending event
// rather than the satisfied one returned here.
func (s *Stream) Copy(ctx context.Context, src, dst device.Storage, size int, deps []device.Event) (device.Event, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if src == nil || dst == nil || size < 0 {
		return nil, fmt.Errorf("%w: copy of %d bytes", ErrInvalidArguments, size)
	}
	if size == 0 {
		return s.noop(ctx, OpCopy), nil
	}
	return s.Dispatch(ctx, OpCopy, deps, func(in []device.Event) (device.Event, error) {
		return s.handle.Queue().EnqueueCopy(src, dst, size, in)
	})
}

// Fill enqueues writing pattern across the first size bytes of dst. It has
// the same ordering contract as Copy, including the zero size case.
func (s *Stream) Fill(ctx context.Context, dst device.Storage, pattern byte, size int, deps []device.Event) (device.Event, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if dst == nil || size < 0 {
		return nil, fmt.Errorf("%w: fill of %d bytes", ErrInvalidArguments, size)
	}
	if size == 0 {
		return s.noop(ctx, OpFill), nil
	}
	return s.Dispatch(ctx, OpFill, deps, func(in []device.Event) (device.Event, error) {
		return s.handle.Queue().EnqueueFill(dst, pattern, size, in)
	})
}

// Dispatch submits one operation through enqueue, bracketed by the exec
// hooks. enqueue receives the explicit deps merged with the lane frontier and
// must return the operation's completion event. Collaborators use it to
// submit kernels on the stream's queue.
func (s *Stream) Dispatch(ctx context.Context, op string, deps []device.Event, enqueue func(deps []device.Event) (device.Event, error)) (device.Event, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	lane := s.lanes.Get(ctx)
	in := mergeDeps(deps, lane.Deps())

	s.BeforeExecHook(ctx)
	ev, err := enqueue(in)
	if err == nil && ev == nil {
		err = errors.New("device returned no event")
	}
	if err == nil && s.prof != nil {
		s.prof.Register(op, ev)
	}
	s.AfterExecHook(ctx)

	if err != nil {
		operationsTotal.WithLabelValues(op, resultError).Inc()
		return nil, fmt.Errorf("%w: %s: %w", ErrRuntime, op, err)
	}
	lane.SetDeps(ev)
	operationsTotal.WithLabelValues(op, resultOK).Inc()
	return ev, nil
}

// noop handles zero-sized operations. The lane frontier only changes when
// the lane has none yet, so the lane always has an output afterwards.
func (s *Stream) noop(ctx context.Context, op string) device.Event {
	ev := device.Satisfied()
	lane := s.lanes.Get(ctx)
	if lane.Deps() == nil {
		lane.SetDeps(ev)
	}
	operationsTotal.WithLabelValues(op, resultNoop).Inc()
	return ev
}

// mergeDeps combines explicit deps with the lane frontier. Nil events,
// duplicates and events that already completed successfully are dropped.
func mergeDeps(explicit, frontier []device.Event) []device.Event {
	out := make([]device.Event, 0, len(explicit)+len(frontier))
	add := func(ev device.Event) {
		if ev == nil {
			return
		}
		if device.IsDone(ev) && ev.Err() == nil {
			return
		}
		for _, have := range out {
			if have == ev {
				return
			}
		}
		out = append(out, ev)
	}
	for _, ev := range explicit {
		add(ev)
	}
	for _, ev := range frontier {
		add(ev)
	}
	return out
}

// CurrentDeps returns the frontier of the caller's lane: empty before the
// lane's first operation, exactly one event afterwards.
func (s *Stream) CurrentDeps(ctx context.Context) []device.Event {
	return s.lanes.Get(ctx).Deps()
}

// OutputEvent returns the event of the lane's most recent operation. It
// panics if the lane has issued nothing.
func (s *Stream) OutputEvent(ctx context.Context) device.Event {
	return s.lanes.Get(ctx).Output()
}

// ReleaseLane forgets the frontier of the caller's lane. It reports whether
// the lane was known.
func (s *Stream) ReleaseLane(ctx context.Context) bool {
	return s.lanes.Release(execctx.LaneOf(ctx))
}

// Lanes returns the live lanes of the stream.
func (s *Stream) Lanes() []execctx.LaneID {
	return s.lanes.Lanes()
}

// Go runs fn on g in a fresh lane of the stream and releases the lane when
// fn returns.
func (s *Stream) Go(ctx context.Context, g *errgroup.Group, fn func(ctx context.Context) error) {
	laneCtx := execctx.WithLane(ctx)
	g.Go(func() error {
		defer s.ReleaseLane(laneCtx)
		return fn(laneCtx)
	})
}

// ResetProfiling clears the accumulated profiling samples.
func (s *Stream) ResetProfiling() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if s.prof == nil {
		return fmt.Errorf("%w: profiling not enabled on stream %s", ErrInvalidArguments, s.id)
	}
	s.prof.Reset()
	return nil
}

// ProfilingData copies up to len(buf) samples of kind into buf and returns
// how many were written. A nil buf returns the number of samples available.
func (s *Stream) ProfilingData(kind profiler.Kind, buf []uint64) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	if s.prof == nil {
		return 0, fmt.Errorf("%w: profiling not enabled on stream %s", ErrInvalidArguments, s.id)
	}
	n, err := s.prof.Info(kind, buf)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidArguments, err)
	}
	return n, nil
}

// ProfilingSamples returns every resolved sample with its operation name.
func (s *Stream) ProfilingSamples() ([]profiler.Sample, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if s.prof == nil {
		return nil, fmt.Errorf("%w: profiling not enabled on stream %s", ErrInvalidArguments, s.id)
	}
	return s.prof.Samples(), nil
}

// Close releases the stream's queue. It does not wait for outstanding work;
// call Wait first. Closing twice returns the first result.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.lanes.Close()

		var errs []error
		if s.counters != nil {
			if err := s.counters.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if err := s.handle.Release(); err != nil {
			errs = append(errs, err)
		}
		streamsActive.Dec()
		queueReleases.Inc()

		if err := errors.Join(errs...); err != nil {
			s.closeErr = fmt.Errorf("%w: close stream %s: %w", ErrRuntime, s.id, err)
			s.logger.Error("stream close failed", "error", err)
			return
		}
		s.logger.Debug("stream closed")
	})
	return s.closeErr
}
