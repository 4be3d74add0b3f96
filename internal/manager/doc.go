// Package manager keeps the live streams of a control plane. It creates
// streams on registered devices, tracks their buffers, persists stream
// records and profiling snapshots to the store, and publishes a completion
// event for every operation to subscribers of the stream.
package manager
