package stream

import (
	"errors"
	"fmt"
)

// Error classes. Every error returned by a Stream wraps exactly one of them,
// together with the device cause when there is one.
var (
	ErrOutOfMemory      = errors.New("out of memory")
	ErrInvalidArguments = errors.New("invalid arguments")
	ErrRuntime          = errors.New("runtime error")
)

// Status is the outcome class of a stream operation.
type Status int

const (
	Success Status = iota
	OutOfMemory
	InvalidArguments
	RuntimeError
)

func (s Status) String() string {
	switch s {
	case Success:
		return "success"
	case OutOfMemory:
		return "out_of_memory"
	case InvalidArguments:
		return "invalid_arguments"
	case RuntimeError:
		return "runtime_error"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// StatusOf maps an error returned by this package to its status class.
// Errors that carry no class are runtime errors.
func StatusOf(err error) Status {
	switch {
	case err == nil:
		return Success
	case errors.Is(err, ErrOutOfMemory):
		return OutOfMemory
	case errors.Is(err, ErrInvalidArguments):
		return InvalidArguments
	default:
		return RuntimeError
	}
}
