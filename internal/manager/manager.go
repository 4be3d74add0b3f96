package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/seantiz/xstream/internal/device"
	"github.com/seantiz/xstream/internal/execctx"
	"github.com/seantiz/xstream/internal/model"
	"github.com/seantiz/xstream/internal/profiler"
	"github.com/seantiz/xstream/internal/queue"
	"github.com/seantiz/xstream/internal/store"
	"github.com/seantiz/xstream/internal/stream"
)

var (
	// ErrStreamNotFound is returned for stream IDs the manager has never seen.
	ErrStreamNotFound = errors.New("stream not found")
	// ErrBufferNotFound is returned for buffer IDs not allocated on the stream.
	ErrBufferNotFound = errors.New("buffer not found")
	// ErrLaneNotFound is returned when releasing a lane the stream does not
	// track.
	ErrLaneNotFound = errors.New("lane not found")
)

// CreateOptions selects the device and flags of a new stream.
type CreateOptions struct {
	// Device is a registered engine kind. Empty selects the default engine.
	Device     string
	Profiling  bool
	OutOfOrder bool
	Counters   bool
}

// BufferInfo describes a buffer allocated through the manager.
type BufferInfo struct {
	ID   string `json:"id"`
	Size int    `json:"size"`
}

// OpResult identifies an enqueued operation. The matching OpEvent carries
// the same Seq.
type OpResult struct {
	Seq  uint64 `json:"seq"`
	Op   string `json:"op"`
	Lane string `json:"lane"`
}

// Manager owns the live streams of the process.
type Manager struct {
	store   store.Store
	devices *device.Registry
	logger  *slog.Logger
	broker  *Broker

	mu      sync.RWMutex
	streams map[string]*session
}

// session is one live stream and the buffers allocated for it.
type session struct {
	stream *stream.Stream

	// mu is held shared by operations and exclusively by close, so no
	// watcher is added once close starts waiting on them.
	mu       sync.RWMutex
	buffers  map[string]device.Storage
	seq      atomic.Uint64
	watchers sync.WaitGroup
}

// New creates a manager resolving devices from reg and persisting to s.
func New(s store.Store, reg *device.Registry, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{
		store:   s,
		devices: reg,
		logger:  logger,
		broker:  NewBroker(),
		streams: make(map[string]*session),
	}
}

// Broker returns the broker carrying operation events.
func (m *Manager) Broker() *Broker {
	return m.broker
}

// Devices lists the registered engines.
func (m *Manager) Devices() []device.EngineInfo {
	return m.devices.List()
}

// Len returns the number of live streams.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.streams)
}

// Create opens a stream on the requested device and records it in the store.
func (m *Manager) Create(ctx context.Context, opts CreateOptions) (*model.StreamRecord, error) {
	eng, err := m.devices.Resolve(opts.Device)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", stream.ErrInvalidArguments, err)
	}

	var flags queue.Flags
	if opts.OutOfOrder {
		flags |= queue.FlagOutOfOrder
	}
	if opts.Profiling {
		flags |= queue.FlagProfiling
	}
	streamOpts := []stream.Option{stream.WithLogger(m.logger)}
	if opts.Counters {
		streamOpts = append(streamOpts, stream.WithHardwareCounters())
	}

	s, err := stream.New(eng, flags, streamOpts...)
	if err != nil {
		return nil, err
	}

	rec := &model.StreamRecord{
		ID:        s.ID(),
		Status:    model.StatusOpen,
		Device:    eng.Name(),
		Flags:     s.Flags().String(),
		Profiling: s.Profiling(),
		Counters:  s.HardwareCounters() != nil,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.store.CreateStream(ctx, rec); err != nil {
		if cerr := s.Close(); cerr != nil {
			m.logger.Error("close unrecorded stream", "stream", s.ID(), "error", cerr)
		}
		return nil, fmt.Errorf("%w: record stream: %w", stream.ErrRuntime, err)
	}

	m.mu.Lock()
	m.streams[rec.ID] = &session{stream: s, buffers: make(map[string]device.Storage)}
	m.mu.Unlock()

	m.logger.Info("stream opened", "stream", rec.ID, "device", rec.Device, "flags", rec.Flags)
	return rec, nil
}

// Record returns the stored record of a live or closed stream.
func (m *Manager) Record(ctx context.Context, id string) (*model.StreamRecord, error) {
	rec, err := m.store.GetStream(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrStreamNotFound
	}
	return rec, err
}

// List returns stored stream records, newest first, with the total count.
func (m *Manager) List(ctx context.Context, limit, offset int) ([]*model.StreamRecord, int, error) {
	return m.store.ListStreams(ctx, limit, offset)
}

// Stats returns aggregate statistics over stored streams.
func (m *Manager) Stats(ctx context.Context) (*store.StreamStats, error) {
	return m.store.GetStreamStats(ctx)
}

// Stream returns the live stream with the given ID.
func (m *Manager) Stream(ctx context.Context, id string) (*stream.Stream, error) {
	sess, err := m.session(ctx, id)
	if err != nil {
		return nil, err
	}
	return sess.stream, nil
}

// session resolves a live stream. A stream that exists only in the store has
// been closed, which is an argument error like any use of a closed stream.
func (m *Manager) session(ctx context.Context, id string) (*session, error) {
	m.mu.RLock()
	sess, ok := m.streams[id]
	m.mu.RUnlock()
	if ok {
		return sess, nil
	}
	if _, err := m.Record(ctx, id); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: stream %s is closed", stream.ErrInvalidArguments, id)
}

// Allocate creates a buffer of size bytes on the stream's device.
func (m *Manager) Allocate(ctx context.Context, streamID string, size int) (BufferInfo, error) {
	sess, err := m.session(ctx, streamID)
	if err != nil {
		return BufferInfo{}, err
	}
	if size <= 0 {
		return BufferInfo{}, fmt.Errorf("%w: buffer size %d", stream.ErrInvalidArguments, size)
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.stream.Closed() {
		return BufferInfo{}, fmt.Errorf("%w: stream %s is closed", stream.ErrInvalidArguments, streamID)
	}

	buf, err := sess.stream.Engine().Allocate(size)
	switch {
	case errors.Is(err, device.ErrOutOfResources):
		return BufferInfo{}, fmt.Errorf("%w: %w", stream.ErrOutOfMemory, err)
	case err != nil:
		return BufferInfo{}, fmt.Errorf("%w: allocate: %w", stream.ErrRuntime, err)
	}

	info := BufferInfo{ID: model.NewID(), Size: size}
	sess.buffers[info.ID] = buf
	return info, nil
}

// Buffers lists the buffers allocated on the stream.
func (m *Manager) Buffers(ctx context.Context, streamID string) ([]BufferInfo, error) {
	sess, err := m.session(ctx, streamID)
	if err != nil {
		return nil, err
	}
	sess.mu.RLock()
	defer sess.mu.RUnlock()

	infos := make([]BufferInfo, 0, len(sess.buffers))
	for _, id := range slices.Sorted(maps.Keys(sess.buffers)) {
		infos = append(infos, BufferInfo{ID: id, Size: sess.buffers[id].Size()})
	}
	return infos, nil
}

// ReadBuffer returns the contents of a buffer. It does not wait for pending
// operations; call Wait first for a consistent view.
func (m *Manager) ReadBuffer(ctx context.Context, streamID, bufferID string) ([]byte, error) {
	sess, err := m.session(ctx, streamID)
	if err != nil {
		return nil, err
	}
	sess.mu.RLock()
	buf, err := sess.buffer(bufferID)
	sess.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	r, ok := buf.(device.Readable)
	if !ok {
		return nil, fmt.Errorf("%w: buffer %s is not readable", stream.ErrInvalidArguments, bufferID)
	}
	data, err := r.ReadBytes()
	if err != nil {
		return nil, fmt.Errorf("%w: read buffer: %w", stream.ErrRuntime, err)
	}
	return data, nil
}

func (s *session) buffer(id string) (device.Storage, error) {
	buf, ok := s.buffers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBufferNotFound, id)
	}
	return buf, nil
}

// Copy enqueues a copy between two of the stream's buffers on the caller's
// lane.
func (m *Manager) Copy(ctx context.Context, streamID, srcID, dstID string, size int) (OpResult, error) {
	return m.submit(ctx, streamID, stream.OpCopy, func(sess *session) (device.Event, error) {
		src, err := sess.buffer(srcID)
		if err != nil {
			return nil, err
		}
		dst, err := sess.buffer(dstID)
		if err != nil {
			return nil, err
		}
		return sess.stream.Copy(ctx, src, dst, size, nil)
	})
}

// Fill enqueues a pattern fill of one of the stream's buffers on the caller's
// lane. pattern must be a byte value.
func (m *Manager) Fill(ctx context.Context, streamID, dstID string, pattern, size int) (OpResult, error) {
	return m.submit(ctx, streamID, stream.OpFill, func(sess *session) (device.Event, error) {
		if pattern < 0 || pattern > 0xFF {
			return nil, fmt.Errorf("%w: fill pattern %d is not a byte value", stream.ErrInvalidArguments, pattern)
		}
		dst, err := sess.buffer(dstID)
		if err != nil {
			return nil, err
		}
		return sess.stream.Fill(ctx, dst, byte(pattern), size, nil)
	})
}

func (m *Manager) submit(ctx context.Context, streamID, op string, enqueue func(*session) (device.Event, error)) (OpResult, error) {
	sess, err := m.session(ctx, streamID)
	if err != nil {
		return OpResult{}, err
	}

	sess.mu.RLock()
	defer sess.mu.RUnlock()

	ev, err := enqueue(sess)
	if err != nil {
		return OpResult{}, err
	}

	res := OpResult{
		Seq:  sess.seq.Add(1),
		Op:   op,
		Lane: string(execctx.LaneOf(ctx)),
	}
	sess.watchers.Go(func() {
		m.watch(streamID, res, ev)
	})
	return res, nil
}

// watch publishes the completion of ev.
func (m *Manager) watch(streamID string, res OpResult, ev device.Event) {
	<-ev.Done()
	out := OpEvent{Seq: res.Seq, Op: res.Op, Lane: res.Lane, Status: "ok"}
	if err := ev.Err(); err != nil {
		out.Status = "error"
		out.Error = err.Error()
	} else if t, err := ev.Timing(); err == nil {
		out.DurationNS = t.Duration()
	}
	m.broker.Publish(streamID, out)
}

// Wait blocks until all operations on the stream have completed.
func (m *Manager) Wait(ctx context.Context, streamID string) error {
	sess, err := m.session(ctx, streamID)
	if err != nil {
		return err
	}
	return sess.stream.Wait()
}

// Lanes returns the lanes the stream currently tracks.
func (m *Manager) Lanes(ctx context.Context, streamID string) ([]string, error) {
	sess, err := m.session(ctx, streamID)
	if err != nil {
		return nil, err
	}
	lanes := sess.stream.Lanes()
	out := make([]string, 0, len(lanes))
	for _, l := range lanes {
		out = append(out, string(l))
	}
	return out, nil
}

// ReleaseLane drops the frontier of a lane. Operations already enqueued on
// it are unaffected; the next operation on the lane starts a fresh frontier.
func (m *Manager) ReleaseLane(ctx context.Context, streamID, lane string) error {
	sess, err := m.session(ctx, streamID)
	if err != nil {
		return err
	}
	if lane == "" {
		return fmt.Errorf("%w: empty lane", stream.ErrInvalidArguments)
	}
	if !sess.stream.ReleaseLane(execctx.WithLaneID(ctx, execctx.LaneID(lane))) {
		return fmt.Errorf("%w: %s", ErrLaneNotFound, lane)
	}
	return nil
}

// Profiling returns the stream's resolved samples of kind.
func (m *Manager) Profiling(ctx context.Context, streamID string, kind profiler.Kind) ([]uint64, error) {
	sess, err := m.session(ctx, streamID)
	if err != nil {
		return nil, err
	}
	return profilingValues(sess.stream, kind)
}

func profilingValues(s *stream.Stream, kind profiler.Kind) ([]uint64, error) {
	n, err := s.ProfilingData(kind, nil)
	if err != nil {
		return nil, err
	}
	buf := make([]uint64, n)
	n, err = s.ProfilingData(kind, buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// ResetProfiling discards the stream's accumulated samples.
func (m *Manager) ResetProfiling(ctx context.Context, streamID string) error {
	sess, err := m.session(ctx, streamID)
	if err != nil {
		return err
	}
	return sess.stream.ResetProfiling()
}

// Snapshot appends the stream's current samples of kind to its stored
// history and returns how many were written.
func (m *Manager) Snapshot(ctx context.Context, streamID string, kind profiler.Kind) (int, error) {
	sess, err := m.session(ctx, streamID)
	if err != nil {
		return 0, err
	}
	values, err := profilingValues(sess.stream, kind)
	if err != nil {
		return 0, err
	}
	n, err := m.store.InsertSamples(ctx, streamID, kind.String(), values)
	if err != nil {
		return 0, fmt.Errorf("%w: store samples: %w", stream.ErrRuntime, err)
	}
	return n, nil
}

// History returns stored samples of a live or closed stream. An empty kind
// returns every kind.
func (m *Manager) History(ctx context.Context, streamID, kind string) ([]model.Sample, error) {
	if _, err := m.Record(ctx, streamID); err != nil {
		return nil, err
	}
	return m.store.GetSamples(ctx, streamID, kind)
}

// Counters returns the stream's accumulated hardware counters.
func (m *Manager) Counters(ctx context.Context, streamID string) (map[string]uint64, error) {
	sess, err := m.session(ctx, streamID)
	if err != nil {
		return nil, err
	}
	b := sess.stream.HardwareCounters()
	if b == nil {
		return nil, fmt.Errorf("%w: hardware counters not enabled on stream %s", stream.ErrInvalidArguments, streamID)
	}
	return b.Snapshot(), nil
}

// Close waits for the stream's outstanding work, releases it with its
// buffers and marks its record closed. The wait error, if any, is returned
// after the stream is released.
func (m *Manager) Close(ctx context.Context, streamID string) error {
	m.mu.Lock()
	sess, ok := m.streams[streamID]
	delete(m.streams, streamID)
	m.mu.Unlock()
	if !ok {
		_, err := m.session(ctx, streamID)
		return err
	}
	return m.closeSession(ctx, streamID, sess)
}

func (m *Manager) closeSession(ctx context.Context, id string, sess *session) error {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	var errs []error
	if err := sess.stream.Wait(); err != nil {
		errs = append(errs, err)
	}
	if err := sess.stream.Close(); err != nil {
		errs = append(errs, err)
	}
	sess.watchers.Wait()
	m.broker.Close(id)

	for bufID, buf := range sess.buffers {
		if f, ok := buf.(device.Freer); ok {
			f.Free()
		}
		delete(sess.buffers, bufID)
	}

	if err := m.store.UpdateStreamStatus(ctx, id, model.StatusClosed); err != nil {
		m.logger.Error("failed to mark stream closed", "stream", id, "error", err)
		errs = append(errs, fmt.Errorf("%w: record close: %w", stream.ErrRuntime, err))
	}

	m.logger.Info("stream closed", "stream", id)
	return errors.Join(errs...)
}

// Shutdown closes every live stream concurrently.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	live := m.streams
	m.streams = make(map[string]*session)
	m.mu.Unlock()

	var g errgroup.Group
	for id, sess := range live {
		g.Go(func() error {
			return m.closeSession(ctx, id, sess)
		})
	}
	return g.Wait()
}
