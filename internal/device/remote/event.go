package remote

import (
	"sync"

	"github.com/seantiz/xstream/internal/device"
)

// event mirrors one command running on the agent.
type event struct {
	client    *Client
	id        uint64
	profiling bool

	done   chan struct{}
	once   sync.Once
	err    error
	timing device.Timing
	timed  bool
}

func newEvent(c *Client, profiling bool) *event {
	return &event{client: c, profiling: profiling, done: make(chan struct{})}
}

func (ev *event) Done() <-chan struct{} { return ev.done }

func (ev *event) Err() error {
	select {
	case <-ev.done:
		return ev.err
	default:
		return nil
	}
}

func (ev *event) Timing() (device.Timing, error) {
	if !ev.profiling {
		return device.Timing{}, device.ErrProfilingDisabled
	}
	select {
	case <-ev.done:
	default:
		return device.Timing{}, device.ErrNotComplete
	}
	if !ev.timed {
		return device.Timing{}, device.ErrProfilingDisabled
	}
	return ev.timing, nil
}

func (ev *event) complete(err error, t device.Timing, timed bool) {
	ev.once.Do(func() {
		ev.err = err
		ev.timing = t
		ev.timed = timed
		close(ev.done)
	})
}
