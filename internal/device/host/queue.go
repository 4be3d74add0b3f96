package host

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/seantiz/xstream/internal/device"
)

// Compile-time interface satisfaction checks.
var (
	_ device.Queue         = (*Queue)(nil)
	_ device.CounterSource = (*Queue)(nil)
)

// Queue is a host command queue. In-order queues run each command after its
// predecessor; out-of-order queues honour only the explicit dependencies and
// run up to the engine's worker count at once.
type Queue struct {
	id     uint64
	engine *Engine
	props  device.QueueProperties
	logger *logrus.Entry
	sem    *semaphore.Weighted

	mu       sync.Mutex
	released bool
	seq      uint64
	last     *event
	inflight map[uint64]*event
	failures []error
	session  *counterSession

	capture atomic.Int32
	stats   queueStats
}

func newQueue(e *Engine, id uint64, props device.QueueProperties) *Queue {
	q := &Queue{
		id:       id,
		engine:   e,
		props:    props,
		logger:   e.logger.WithField("queue", id),
		inflight: make(map[uint64]*event),
	}
	if props.OutOfOrder {
		q.sem = semaphore.NewWeighted(int64(e.workers))
	}
	return q
}

// ID returns the engine-unique queue identifier.
func (q *Queue) ID() uint64 { return q.id }

// Properties reports the properties the queue was created with.
func (q *Queue) Properties() (device.QueueProperties, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.released {
		return device.QueueProperties{}, device.ErrQueueReleased
	}
	return q.props, nil
}

// EnqueueCopy schedules a copy from src to dst.
func (q *Queue) EnqueueCopy(src, dst device.Storage, size int, deps []device.Event) (device.Event, error) {
	s, err := q.engine.asBuffer(src)
	if err != nil {
		return nil, fmt.Errorf("copy source: %w", err)
	}
	d, err := q.engine.asBuffer(dst)
	if err != nil {
		return nil, fmt.Errorf("copy destination: %w", err)
	}
	return q.enqueue(opCopy, size, deps, func() error {
		return copyBuffer(s, d, size)
	})
}

// EnqueueFill schedules a fill of dst with pattern.
func (q *Queue) EnqueueFill(dst device.Storage, pattern byte, size int, deps []device.Event) (device.Event, error) {
	d, err := q.engine.asBuffer(dst)
	if err != nil {
		return nil, fmt.Errorf("fill destination: %w", err)
	}
	return q.enqueue(opFill, size, deps, func() error {
		return fillBuffer(d, pattern, size)
	})
}

// Finish blocks until every command in flight at the call has completed and
// reports the failures of all commands completed since the previous Finish.
func (q *Queue) Finish() error {
	q.mu.Lock()
	if q.released {
		q.mu.Unlock()
		return device.ErrQueueReleased
	}
	pending := make([]*event, 0, len(q.inflight))
	for _, ev := range q.inflight {
		pending = append(pending, ev)
	}
	q.mu.Unlock()

	for _, ev := range pending {
		<-ev.done
	}

	q.mu.Lock()
	failures := q.failures
	q.failures = nil
	q.mu.Unlock()

	if len(failures) > 0 {
		return fmt.Errorf("%d commands failed: %w", len(failures), errors.Join(failures...))
	}
	return nil
}

// Release marks the queue unusable. Commands already enqueued still run.
func (q *Queue) Release() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.released {
		return device.ErrQueueReleased
	}
	q.released = true
	q.session = nil
	q.capture.Store(0)
	q.engine.openQs.Add(-1)
	q.logger.WithField("in_flight", len(q.inflight)).Debug("queue released")
	return nil
}

// enqueue records a command and starts a goroutine that runs it once its
// dependencies have completed. It never blocks on device work.
func (q *Queue) enqueue(op string, size int, deps []device.Event, run func() error) (device.Event, error) {
	if size < 0 {
		return nil, fmt.Errorf("%s %d bytes: %w", op, size, device.ErrOutOfBounds)
	}

	q.mu.Lock()
	if q.released {
		q.mu.Unlock()
		return nil, device.ErrQueueReleased
	}
	q.seq++
	ev := newEvent(q.seq, q.props.Profiling)
	ev.timing.Queued = q.engine.now()
	ev.timing.ClockHz = q.engine.clockHz

	var prev *event
	if !q.props.OutOfOrder {
		prev = q.last
		q.last = ev
	}
	q.inflight[ev.id] = ev
	captured := q.capture.Load() > 0
	q.mu.Unlock()

	if captured {
		q.stats.record(op, size)
	}

	waits := make([]device.Event, 0, len(deps))
	for _, d := range deps {
		if d != nil {
			waits = append(waits, d)
		}
	}

	go q.execute(op, ev, prev, waits, run, captured)
	return ev, nil
}

// execute waits for the command's predecessor and dependencies, then runs it.
// A failed predecessor does not fail the command; a failed explicit
// dependency does.
func (q *Queue) execute(op string, ev *event, prev *event, deps []device.Event, run func() error, captured bool) {
	if prev != nil {
		<-prev.done
	}
	for _, d := range deps {
		<-d.Done()
		if err := d.Err(); err != nil {
			now := q.engine.now()
			q.retire(op, ev, fmt.Errorf("%s: %w: %w", op, device.ErrDependencyFailed, err), now, now, false)
			return
		}
	}

	if q.sem != nil {
		// Acquire with a background context cannot fail.
		_ = q.sem.Acquire(context.Background(), 1)
		defer q.sem.Release(1)
	}

	start := q.engine.now()
	err := run()
	end := q.engine.now()
	if err != nil {
		err = fmt.Errorf("%s: %w", op, err)
	}
	q.retire(op, ev, err, start, end, captured)
}

func (q *Queue) retire(op string, ev *event, err error, start, end uint64, captured bool) {
	if captured {
		q.stats.busyNS.Add(end - start)
	}

	q.mu.Lock()
	delete(q.inflight, ev.id)
	if err != nil {
		q.failures = append(q.failures, err)
	}
	q.mu.Unlock()

	if err != nil {
		q.logger.WithFields(logrus.Fields{"op": op, "event": ev.id}).WithError(err).Warn("command failed")
	}
	ev.complete(err, start, end)
}
