// Package agent implements the device agent: it serves the remote device
// protocol on a listener and executes requests on a local host engine.
// Each connection is a session that owns the queues, buffers and in-flight
// events it created; all of them are released when the connection ends.
package agent

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/seantiz/xstream/internal/device"
	"github.com/seantiz/xstream/internal/device/host"
	"github.com/seantiz/xstream/internal/device/remote"
)

// Agent accepts remote device connections.
type Agent struct {
	listener net.Listener
	engine   *host.Engine
	logger   *slog.Logger

	wg sync.WaitGroup
}

// New creates an agent serving engine on listener.
func New(listener net.Listener, engine *host.Engine, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Agent{
		listener: listener,
		engine:   engine,
		logger:   logger,
	}
}

// Serve accepts connections and handles them. It blocks until the listener
// is closed, then waits for open sessions to end.
func (a *Agent) Serve() error {
	defer a.wg.Wait()
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		a.wg.Go(func() { a.HandleConn(conn) })
	}
}

// HandleConn runs one session on conn until the peer disconnects.
func (a *Agent) HandleConn(conn net.Conn) {
	s := &session{
		agent:   a,
		conn:    conn,
		logger:  a.logger.With("remote", conn.RemoteAddr().String()),
		queues:  make(map[uint64]device.Queue),
		buffers: make(map[uint64]*host.Buffer),
		events:  make(map[uint64]device.Event),
	}
	sessionsActive.Inc()
	defer sessionsActive.Dec()
	s.logger.Info("session started")
	s.run()
}

var knownOps = map[string]bool{
	remote.OpHello:        true,
	remote.OpCreateQueue:  true,
	remote.OpReleaseQueue: true,
	remote.OpFinish:       true,
	remote.OpAllocate:     true,
	remote.OpFree:         true,
	remote.OpRead:         true,
	remote.OpWrite:        true,
	remote.OpCopy:         true,
	remote.OpFill:         true,
}

type session struct {
	agent  *Agent
	conn   net.Conn
	logger *slog.Logger

	wmu sync.Mutex

	mu        sync.Mutex
	queues    map[uint64]device.Queue
	buffers   map[uint64]*host.Buffer
	events    map[uint64]device.Event // in flight or completion not yet sent
	nextEvent uint64

	// bg runs completion watchers and Finish calls.
	bg errgroup.Group
}

func (s *session) run() {
	defer s.teardown()
	for {
		var req remote.Request
		if err := remote.ReadMessage(s.conn, &req); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Warn("read request", "error", err)
			}
			return
		}
		s.handle(req)
	}
}

func (s *session) send(msg remote.Message) {
	s.wmu.Lock()
	err := remote.WriteMessage(s.conn, &msg)
	s.wmu.Unlock()
	if err != nil {
		s.logger.Debug("write message", "type", msg.Type, "error", err)
	}
}

func (s *session) reply(req remote.Request, msg remote.Message, err error) {
	msg.Type = remote.MsgTypeReply
	msg.ID = req.ID
	msg.SetError(err)
	s.send(msg)
}

func (s *session) handle(req remote.Request) {
	op := req.Op
	if !knownOps[op] {
		op = "unknown"
	}
	requestsTotal.WithLabelValues(op).Inc()

	switch req.Op {
	case remote.OpHello:
		s.reply(req, remote.Message{Name: s.agent.engine.Name()}, nil)
	case remote.OpCreateQueue:
		s.createQueue(req)
	case remote.OpReleaseQueue:
		s.releaseQueue(req)
	case remote.OpFinish:
		q, err := s.queue(req.Queue)
		if err != nil {
			s.reply(req, remote.Message{}, err)
			return
		}
		s.bg.Go(func() error {
			s.reply(req, remote.Message{}, q.Finish())
			return nil
		})
	case remote.OpAllocate:
		s.allocate(req)
	case remote.OpFree:
		s.free(req)
	case remote.OpRead:
		b, err := s.buffer(req.Buffer)
		if err != nil {
			s.reply(req, remote.Message{}, err)
			return
		}
		data, err := b.ReadBytes()
		s.reply(req, remote.Message{Data: data}, err)
	case remote.OpWrite:
		b, err := s.buffer(req.Buffer)
		if err != nil {
			s.reply(req, remote.Message{}, err)
			return
		}
		s.reply(req, remote.Message{}, b.WriteBytes(req.Offset, req.Data))
	case remote.OpCopy, remote.OpFill:
		s.enqueue(req)
	default:
		s.reply(req, remote.Message{}, fmt.Errorf("unknown op %q", req.Op))
	}
}

func (s *session) createQueue(req remote.Request) {
	var props device.QueueProperties
	if req.Props != nil {
		props = *req.Props
	}
	q, err := s.agent.engine.CreateQueue(props)
	if err != nil {
		s.reply(req, remote.Message{}, err)
		return
	}
	id := q.(*host.Queue).ID()
	s.mu.Lock()
	s.queues[id] = q
	s.mu.Unlock()
	s.logger.Debug("queue created", "queue", id, "out_of_order", props.OutOfOrder, "profiling", props.Profiling)
	s.reply(req, remote.Message{Queue: id, Props: &props}, nil)
}

func (s *session) releaseQueue(req remote.Request) {
	s.mu.Lock()
	q, ok := s.queues[req.Queue]
	delete(s.queues, req.Queue)
	s.mu.Unlock()
	if !ok {
		s.reply(req, remote.Message{}, fmt.Errorf("queue %d: %w", req.Queue, device.ErrQueueReleased))
		return
	}
	s.reply(req, remote.Message{}, q.Release())
}

func (s *session) allocate(req remote.Request) {
	st, err := s.agent.engine.Allocate(req.Size)
	if err != nil {
		s.reply(req, remote.Message{}, err)
		return
	}
	b := st.(*host.Buffer)
	s.mu.Lock()
	s.buffers[b.ID()] = b
	s.mu.Unlock()
	s.reply(req, remote.Message{Buffer: b.ID()}, nil)
}

func (s *session) free(req remote.Request) {
	s.mu.Lock()
	b, ok := s.buffers[req.Buffer]
	delete(s.buffers, req.Buffer)
	s.mu.Unlock()
	if !ok {
		s.reply(req, remote.Message{}, fmt.Errorf("buffer %d: %w", req.Buffer, device.ErrInvalidStorage))
		return
	}
	b.Free()
	s.reply(req, remote.Message{}, nil)
}

func (s *session) queue(id uint64) (device.Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[id]
	if !ok {
		return nil, fmt.Errorf("queue %d: %w", id, device.ErrQueueReleased)
	}
	return q, nil
}

func (s *session) buffer(id uint64) (*host.Buffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buffers[id]
	if !ok {
		return nil, fmt.Errorf("buffer %d: %w", id, device.ErrInvalidStorage)
	}
	return b, nil
}

// resolveDeps maps event IDs to events. The session forgets an event once
// its completion frame is sent, so a retired ID is rejected with
// remote.ErrEventRetired and the client resolves it from that frame.
func (s *session) resolveDeps(ids []uint64) ([]device.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deps []device.Event
	for _, id := range ids {
		if ev, ok := s.events[id]; ok {
			deps = append(deps, ev)
			continue
		}
		if id == 0 || id > s.nextEvent {
			return nil, fmt.Errorf("event %d: %w", id, device.ErrForeignEvent)
		}
		return nil, fmt.Errorf("event %d: %w", id, remote.ErrEventRetired)
	}
	return deps, nil
}

func (s *session) enqueue(req remote.Request) {
	q, err := s.queue(req.Queue)
	if err != nil {
		s.reply(req, remote.Message{}, err)
		return
	}
	deps, err := s.resolveDeps(req.Deps)
	if err != nil {
		s.reply(req, remote.Message{}, err)
		return
	}

	var ev device.Event
	switch req.Op {
	case remote.OpCopy:
		var src, dst *host.Buffer
		if src, err = s.buffer(req.Src); err == nil {
			if dst, err = s.buffer(req.Dst); err == nil {
				ev, err = q.EnqueueCopy(src, dst, req.Size, deps)
			}
		}
	case remote.OpFill:
		var dst *host.Buffer
		if dst, err = s.buffer(req.Dst); err == nil {
			ev, err = q.EnqueueFill(dst, req.Pattern, req.Size, deps)
		}
	}
	if err != nil {
		s.reply(req, remote.Message{}, err)
		return
	}

	s.mu.Lock()
	s.nextEvent++
	id := s.nextEvent
	s.events[id] = ev
	s.mu.Unlock()

	// The reply must precede the completion frame for the same event.
	s.reply(req, remote.Message{Event: id}, nil)
	s.bg.Go(func() error {
		s.watch(id, ev)
		return nil
	})
}

// watch sends the completion frame of ev and then forgets it. Any reply
// rejecting id as retired is written after that frame.
func (s *session) watch(id uint64, ev device.Event) {
	<-ev.Done()

	msg := remote.Message{Type: remote.MsgTypeComplete, Event: id}
	msg.SetError(ev.Err())
	if t, terr := ev.Timing(); terr == nil {
		msg.Timing = &t
	}
	s.send(msg)

	s.mu.Lock()
	delete(s.events, id)
	s.mu.Unlock()
}

// teardown releases everything the session owns. Buffers are freed only
// after in-flight commands have completed.
func (s *session) teardown() {
	s.conn.Close()

	s.mu.Lock()
	queues := s.queues
	s.queues = make(map[uint64]device.Queue)
	s.mu.Unlock()
	for id, q := range queues {
		if err := q.Release(); err != nil {
			s.logger.Warn("release queue", "queue", id, "error", err)
		}
	}

	_ = s.bg.Wait()

	s.mu.Lock()
	buffers := s.buffers
	s.buffers = make(map[uint64]*host.Buffer)
	s.mu.Unlock()
	for _, b := range buffers {
		b.Free()
	}
	s.logger.Info("session ended", "queues", len(queues), "buffers", len(buffers))
}
