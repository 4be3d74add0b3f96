// Package device defines the interface that accelerator device layers
// (in-process host simulation, remote agents over vsock) must implement, along
// with the events, storage handles and queue properties exchanged between the
// execution stream and device implementations.
package device
