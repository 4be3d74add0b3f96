// Package stream implements execution streams: a session that owns one
// device command queue, issues asynchronous copy and fill operations on it,
// and chains each operation after the previous one issued from the same lane.
//
// A lane is the unit of dependency tracking. Goroutines that submit
// concurrently should each run in their own lane (see execctx.WithLane or
// Stream.Go); operations in different lanes are not ordered against each
// other unless the caller passes their events as explicit dependencies.
// Wait is the only full barrier.
package stream
