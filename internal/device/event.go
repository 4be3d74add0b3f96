package device

// satisfied is an event that completed before it was created.
type satisfied struct{}

var closedCh = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

func (satisfied) Done() <-chan struct{}   { return closedCh }
func (satisfied) Err() error              { return nil }
func (satisfied) Timing() (Timing, error) { return Timing{}, ErrProfilingDisabled }

// Satisfied returns an event that has already completed without error.
func Satisfied() Event {
	return satisfied{}
}

// failed is an event that completed with an error before it was created.
type failed struct{ err error }

func (f failed) Done() <-chan struct{}   { return closedCh }
func (f failed) Err() error              { return f.err }
func (f failed) Timing() (Timing, error) { return Timing{}, ErrProfilingDisabled }

// Failed returns an already-completed event that reports err.
func Failed(err error) Event {
	return failed{err: err}
}

// IsDone reports whether ev has completed without blocking.
func IsDone(ev Event) bool {
	select {
	case <-ev.Done():
		return true
	default:
		return false
	}
}

// WaitAll blocks until every event has completed and returns the first
// failure in slice order.
func WaitAll(events []Event) error {
	var first error
	for _, ev := range events {
		if ev == nil {
			continue
		}
		<-ev.Done()
		if err := ev.Err(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
