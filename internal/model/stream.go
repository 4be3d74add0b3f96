package model

import "time"

// Stream status constants.
const (
	StatusOpen   = "open"
	StatusClosed = "closed"
)

// Profiling data kind names used in records and the API.
const (
	KindTime   = "time"
	KindCycles = "cycles"
)

// validTransitions maps each status to the set of statuses it may transition to.
var validTransitions = map[string]map[string]bool{
	StatusOpen: {
		StatusClosed: true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// StreamRecord is the persisted description of an execution stream.
type StreamRecord struct {
	ID        string     `json:"id"`
	Status    string     `json:"status"`
	Device    string     `json:"device"`
	Flags     string     `json:"flags"`
	Profiling bool       `json:"profiling"`
	Counters  bool       `json:"counters"`
	CreatedAt time.Time  `json:"created_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
}

// Sample is one persisted profiling sample of a stream.
type Sample struct {
	ID        int64     `json:"id"`
	StreamID  string    `json:"stream_id"`
	Kind      string    `json:"kind"`
	Seq       int       `json:"seq"`
	Value     uint64    `json:"value"`
	CreatedAt time.Time `json:"created_at"`
}
