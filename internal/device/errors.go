package device

import "errors"

var (
	// ErrOutOfResources is returned when the device cannot satisfy a queue or
	// memory request.
	ErrOutOfResources = errors.New("device out of resources")

	// ErrQueueReleased is returned for any use of a queue after Release.
	ErrQueueReleased = errors.New("queue released")

	// ErrInvalidStorage is returned when a storage handle does not belong to
	// the engine servicing the command.
	ErrInvalidStorage = errors.New("invalid storage handle")

	// ErrOutOfBounds is returned when a command addresses bytes past the end
	// of a storage handle.
	ErrOutOfBounds = errors.New("storage access out of bounds")

	// ErrProfilingDisabled is returned by Event.Timing on queues created
	// without profiling.
	ErrProfilingDisabled = errors.New("profiling not enabled on queue")

	// ErrNotComplete is returned by Event.Timing before the command finished.
	ErrNotComplete = errors.New("event not complete")

	// ErrCountersUnavailable is returned when extended counters cannot be
	// opened on a queue.
	ErrCountersUnavailable = errors.New("extended counters unavailable")

	// ErrDependencyFailed marks a command that never ran because one of its
	// dependencies failed.
	ErrDependencyFailed = errors.New("dependency failed")

	// ErrForeignEvent is returned when a dependency was produced by another
	// device and has not completed yet.
	ErrForeignEvent = errors.New("dependency from foreign device")
)
