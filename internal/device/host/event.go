package host

import (
	"github.com/seantiz/xstream/internal/device"
)

// event is the completion signal of one host command.
type event struct {
	id        uint64
	profiling bool
	done      chan struct{}

	// written once before done is closed
	err    error
	timing device.Timing
}

func newEvent(id uint64, profiling bool) *event {
	return &event{
		id:        id,
		profiling: profiling,
		done:      make(chan struct{}),
	}
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
		return ev.timing, nil
	default:
		return device.Timing{}, device.ErrNotComplete
	}
}

func (ev *event) complete(err error, start, end uint64) {
	ev.err = err
	ev.timing.Start = start
	ev.timing.End = end
	close(ev.done)
}
