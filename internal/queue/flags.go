// Package queue owns the native device queue behind a stream. A Handle is
// created fresh from an engine and flags or adopts an existing queue, in which
// case the flags are inferred from the queue's reported properties. The
// native queue is released exactly once.
package queue

import (
	"errors"
	"fmt"
	"strings"

	"github.com/seantiz/xstream/internal/device"
)

// Flags select how a stream's queue orders and instruments work.
type Flags uint32

// Stream flag bits.
const (
	FlagInOrder    Flags = 0x1
	FlagOutOfOrder Flags = 0x2
	FlagProfiling  Flags = 0x4

	FlagDefault = FlagInOrder

	flagMask = FlagInOrder | FlagOutOfOrder | FlagProfiling
)

// ErrInvalidFlags is returned for unknown or contradictory flag bits.
var ErrInvalidFlags = errors.New("invalid stream flags")

// Normalize validates f and fills in the default ordering when none was
// given.
func (f Flags) Normalize() (Flags, error) {
	if f&^flagMask != 0 {
		return 0, fmt.Errorf("unknown bits %#x: %w", uint32(f&^flagMask), ErrInvalidFlags)
	}
	if f&FlagInOrder != 0 && f&FlagOutOfOrder != 0 {
		return 0, fmt.Errorf("both in-order and out-of-order: %w", ErrInvalidFlags)
	}
	if f&(FlagInOrder|FlagOutOfOrder) == 0 {
		f |= FlagInOrder
	}
	return f, nil
}

// Profiling reports whether profiling was requested.
func (f Flags) Profiling() bool { return f&FlagProfiling != 0 }

// OutOfOrder reports whether the queue may reorder independent work.
func (f Flags) OutOfOrder() bool { return f&FlagOutOfOrder != 0 }

// Properties converts the flags into device queue properties.
func (f Flags) Properties() device.QueueProperties {
	return device.QueueProperties{
		OutOfOrder: f.OutOfOrder(),
		Profiling:  f.Profiling(),
	}
}

// String renders the flags as "in_order|profiling".
func (f Flags) String() string {
	var parts []string
	if f&FlagInOrder != 0 {
		parts = append(parts, "in_order")
	}
	if f&FlagOutOfOrder != 0 {
		parts = append(parts, "out_of_order")
	}
	if f&FlagProfiling != 0 {
		parts = append(parts, "profiling")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// FlagsFromProperties infers stream flags from a queue's properties.
func FlagsFromProperties(p device.QueueProperties) Flags {
	f := FlagInOrder
	if p.OutOfOrder {
		f = FlagOutOfOrder
	}
	if p.Profiling {
		f |= FlagProfiling
	}
	return f
}
