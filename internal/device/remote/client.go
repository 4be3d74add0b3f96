package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/seantiz/xstream/internal/device"
)

// ErrConnectionClosed is reported by calls and events outstanding when the
// connection to the agent ends.
var ErrConnectionClosed = errors.New("agent connection closed")

// call is one request awaiting its reply.
type call struct {
	reply chan Message
	// ev, when set, is bound to the event ID announced by the reply before
	// any later completion frame is dispatched.
	ev *event
}

// Client multiplexes requests over one agent connection. A background reader
// dispatches replies to waiting callers and completions to events.
type Client struct {
	conn   net.Conn
	logger *slog.Logger

	wmu sync.Mutex // serializes frame writes

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]*call
	events  map[uint64]*event
	err     error // set once the connection is gone

	done chan struct{}
}

// NewClient starts a client on an established connection.
func NewClient(conn net.Conn, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	c := &Client{
		conn:    conn,
		logger:  logger,
		pending: make(map[uint64]*call),
		events:  make(map[uint64]*event),
		done:    make(chan struct{}),
	}
	activeConnections.Inc()
	go c.readLoop()
	return c
}

// Done is closed once the connection has ended.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close closes the connection. Outstanding calls and events fail with
// ErrConnectionClosed.
func (c *Client) Close() error {
	err := c.conn.Close()
	<-c.done
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Call sends req and waits for its reply. An error reported by the agent is
// returned as *Error.
func (c *Client) Call(ctx context.Context, req Request) (Message, error) {
	return c.call(ctx, req, nil)
}

func (c *Client) call(ctx context.Context, req Request, ev *event) (Message, error) {
	start := time.Now()
	cl := &call{reply: make(chan Message, 1), ev: ev}

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return Message{}, err
	}
	c.nextID++
	req.ID = c.nextID
	c.pending[req.ID] = cl
	c.mu.Unlock()

	c.wmu.Lock()
	err := WriteMessage(c.conn, &req)
	c.wmu.Unlock()
	if err != nil {
		c.forget(req.ID)
		rpcErrors.WithLabelValues(req.Op).Inc()
		return Message{}, fmt.Errorf("%s: %w", req.Op, err)
	}

	select {
	case msg, ok := <-cl.reply:
		rpcDuration.WithLabelValues(req.Op).Observe(time.Since(start).Seconds())
		if !ok {
			rpcErrors.WithLabelValues(req.Op).Inc()
			return Message{}, fmt.Errorf("%s: %w", req.Op, c.closedErr())
		}
		if err := errorFrom(msg); err != nil {
			rpcErrors.WithLabelValues(req.Op).Inc()
			return msg, err
		}
		return msg, nil
	case <-ctx.Done():
		c.forget(req.ID)
		rpcErrors.WithLabelValues(req.Op).Inc()
		return Message{}, fmt.Errorf("%s: %w", req.Op, ctx.Err())
	}
}

func (c *Client) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	return ErrConnectionClosed
}

func (c *Client) readLoop() {
	var readErr error
	for {
		var msg Message
		if err := ReadMessage(c.conn, &msg); err != nil {
			readErr = err
			break
		}
		switch msg.Type {
		case MsgTypeReply:
			c.dispatchReply(msg)
		case MsgTypeComplete:
			c.dispatchComplete(msg)
		default:
			c.logger.Warn("unknown agent message", "type", msg.Type)
		}
	}
	c.shutdown(readErr)
}

func (c *Client) dispatchReply(msg Message) {
	c.mu.Lock()
	cl, ok := c.pending[msg.ID]
	delete(c.pending, msg.ID)
	if ok && cl.ev != nil && msg.Event != 0 && msg.Error == "" {
		cl.ev.id = msg.Event
		c.events[msg.Event] = cl.ev
	}
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("reply for abandoned request", "id", msg.ID)
		return
	}
	cl.reply <- msg
}

func (c *Client) dispatchComplete(msg Message) {
	c.mu.Lock()
	ev, ok := c.events[msg.Event]
	delete(c.events, msg.Event)
	c.mu.Unlock()
	if !ok {
		c.logger.Warn("completion for unknown event", "event", msg.Event)
		return
	}
	var t device.Timing
	if msg.Timing != nil {
		t = *msg.Timing
	}
	ev.complete(errorFrom(msg), t, msg.Timing != nil)
}

func (c *Client) shutdown(readErr error) {
	err := ErrConnectionClosed
	if readErr != nil && !errors.Is(readErr, net.ErrClosed) {
		c.logger.Warn("agent connection lost", "error", readErr)
		err = fmt.Errorf("%w: %w", ErrConnectionClosed, readErr)
	}

	c.mu.Lock()
	c.err = err
	pending := c.pending
	events := c.events
	c.pending = make(map[uint64]*call)
	c.events = make(map[uint64]*event)
	c.mu.Unlock()

	for _, cl := range pending {
		close(cl.reply)
	}
	for _, ev := range events {
		ev.complete(err, device.Timing{}, false)
	}
	activeConnections.Dec()
	close(c.done)
}

// owns reports whether ev was produced by this client.
func (c *Client) owns(ev *event) bool {
	return ev.client == c
}
