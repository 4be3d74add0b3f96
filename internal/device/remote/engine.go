// Package remote implements a device engine backed by a device agent reached
// over vsock. Requests and replies are length-prefixed JSON frames; enqueued
// commands report completion through asynchronous frames, so enqueueing never
// waits for device work.
package remote

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/seantiz/xstream/internal/device"
)

// Compile-time interface satisfaction checks.
var (
	_ device.Engine   = (*Engine)(nil)
	_ device.Queue    = (*Queue)(nil)
	_ device.Event    = (*event)(nil)
	_ device.Readable = (*Buffer)(nil)
	_ device.Writable = (*Buffer)(nil)
	_ device.Freer    = (*Buffer)(nil)
)

// requestTimeout bounds requests that are not tied to a caller context.
const requestTimeout = 30 * time.Second

// Engine is a device engine whose device lives behind an agent.
type Engine struct {
	client *Client
	name   string
	logger *slog.Logger
}

// Dial connects to an agent through d, retrying with exponential backoff, and
// performs the hello exchange.
func Dial(ctx context.Context, d Dialer, logger *slog.Logger) (*Engine, error) {
	conn, err := dialWithRetry(ctx, d)
	if err != nil {
		return nil, err
	}
	c := NewClient(conn, logger)
	eng, err := New(ctx, c, logger)
	if err != nil {
		c.Close()
		return nil, err
	}
	return eng, nil
}

// New builds an engine on an established client.
func New(ctx context.Context, c *Client, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	msg, err := c.Call(ctx, Request{Op: OpHello})
	if err != nil {
		return nil, fmt.Errorf("hello: %w", err)
	}
	e := &Engine{
		client: c,
		name:   Kind + ":" + msg.Name,
		logger: logger,
	}
	e.logger.Info("connected to device agent", "device", e.name)
	return e, nil
}

func (e *Engine) Name() string { return e.name }
func (e *Engine) Kind() string { return Kind }

// Client returns the engine's connection.
func (e *Engine) Client() *Client { return e.client }

// Close closes the agent connection. The agent releases every queue and
// buffer of the connection.
func (e *Engine) Close() error {
	return e.client.Close()
}

func (e *Engine) requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), requestTimeout)
}

func (e *Engine) call(req Request) (Message, error) {
	ctx, cancel := e.requestContext()
	defer cancel()
	return e.client.Call(ctx, req)
}

// CreateQueue creates a queue on the agent's device.
func (e *Engine) CreateQueue(props device.QueueProperties) (device.Queue, error) {
	msg, err := e.call(Request{Op: OpCreateQueue, Props: &props})
	if err != nil {
		return nil, fmt.Errorf("create queue on %s: %w", e.name, err)
	}
	return &Queue{id: msg.Queue, engine: e, props: props}, nil
}

// Allocate reserves memory on the agent's device.
func (e *Engine) Allocate(size int) (device.Storage, error) {
	msg, err := e.call(Request{Op: OpAllocate, Size: size})
	if err != nil {
		return nil, fmt.Errorf("allocate %d bytes on %s: %w", size, e.name, err)
	}
	return &Buffer{id: msg.Buffer, size: size, engine: e}, nil
}
