package remote

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/seantiz/xstream/internal/device"
)

// Queue is a command queue on the agent's device.
type Queue struct {
	id     uint64
	engine *Engine
	props  device.QueueProperties

	mu       sync.Mutex
	released bool
	// failures of commands failed locally on a failed dependency, reported
	// by the next Finish.
	failures []error
}

// ID returns the agent-assigned queue identifier.
func (q *Queue) ID() uint64 { return q.id }

// Properties reports the properties the queue was created with.
func (q *Queue) Properties() (device.QueueProperties, error) {
	if q.isReleased() {
		return device.QueueProperties{}, device.ErrQueueReleased
	}
	return q.props, nil
}

// EnqueueCopy schedules a copy on the agent.
func (q *Queue) EnqueueCopy(src, dst device.Storage, size int, deps []device.Event) (device.Event, error) {
	s, err := q.engine.asBuffer(src)
	if err != nil {
		return nil, fmt.Errorf("copy source: %w", err)
	}
	d, err := q.engine.asBuffer(dst)
	if err != nil {
		return nil, fmt.Errorf("copy destination: %w", err)
	}
	return q.enqueue(Request{Op: OpCopy, Src: s.id, Dst: d.id, Size: size}, deps)
}

// EnqueueFill schedules a fill on the agent.
func (q *Queue) EnqueueFill(dst device.Storage, pattern byte, size int, deps []device.Event) (device.Event, error) {
	d, err := q.engine.asBuffer(dst)
	if err != nil {
		return nil, fmt.Errorf("fill destination: %w", err)
	}
	return q.enqueue(Request{Op: OpFill, Dst: d.id, Pattern: pattern, Size: size}, deps)
}

// enqueueAttempts bounds resubmissions after ErrEventRetired. The agent
// writes an event's completion frame before rejecting it as retired, so the
// second attempt resolves that dependency locally.
const enqueueAttempts = 3

func (q *Queue) enqueue(req Request, deps []device.Event) (device.Event, error) {
	if q.isReleased() {
		return nil, device.ErrQueueReleased
	}
	req.Queue = q.id

	var err error
	for range enqueueAttempts {
		ids, failed, derr := q.depIDs(deps)
		if derr != nil {
			return nil, derr
		}
		if failed != nil {
			// Like a device queue, the command is accepted and fails.
			ferr := fmt.Errorf("%s: %w: %w", req.Op, device.ErrDependencyFailed, failed)
			q.mu.Lock()
			q.failures = append(q.failures, ferr)
			q.mu.Unlock()
			return device.Failed(ferr), nil
		}
		req.Deps = ids

		ev := newEvent(q.engine.client, q.props.Profiling)
		ctx, cancel := q.engine.requestContext()
		_, err = q.engine.client.call(ctx, req, ev)
		cancel()
		if err == nil {
			return ev, nil
		}
		if !errors.Is(err, ErrEventRetired) {
			break
		}
	}
	return nil, fmt.Errorf("enqueue %s on queue %d: %w", req.Op, q.id, err)
}

// depIDs translates deps into agent event IDs. Completed events are resolved
// locally: successes are dropped and the failure of one of this client's
// events is returned as failed. Events of other engines can only be honoured
// once they have completed successfully.
func (q *Queue) depIDs(deps []device.Event) (ids []uint64, failed, err error) {
	for _, dep := range deps {
		if dep == nil {
			continue
		}
		ev, owned := dep.(*event)
		owned = owned && q.engine.client.owns(ev)
		if device.IsDone(dep) {
			derr := dep.Err()
			switch {
			case derr == nil:
			case owned:
				if failed == nil {
					failed = derr
				}
			default:
				return nil, nil, fmt.Errorf("%w: %w", device.ErrDependencyFailed, derr)
			}
			continue
		}
		if owned {
			ids = append(ids, ev.id)
			continue
		}
		return nil, nil, fmt.Errorf("pending %T dependency: %w", dep, device.ErrForeignEvent)
	}
	return ids, failed, nil
}

// Finish blocks until the agent reports all previously enqueued work done.
func (q *Queue) Finish() error {
	if q.isReleased() {
		return device.ErrQueueReleased
	}
	// No deadline: Finish waits as long as the device works.
	_, err := q.engine.client.Call(context.Background(), Request{Op: OpFinish, Queue: q.id})
	if err != nil {
		err = fmt.Errorf("finish queue %d: %w", q.id, err)
	}

	q.mu.Lock()
	local := q.failures
	q.failures = nil
	q.mu.Unlock()
	return errors.Join(append([]error{err}, local...)...)
}

// Release releases the queue on the agent.
func (q *Queue) Release() error {
	q.mu.Lock()
	if q.released {
		q.mu.Unlock()
		return device.ErrQueueReleased
	}
	q.released = true
	q.mu.Unlock()

	if _, err := q.engine.call(Request{Op: OpReleaseQueue, Queue: q.id}); err != nil {
		return fmt.Errorf("release queue %d: %w", q.id, err)
	}
	return nil
}

func (q *Queue) isReleased() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.released
}
