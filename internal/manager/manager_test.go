package manager_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/seantiz/xstream/internal/device"
	"github.com/seantiz/xstream/internal/device/host"
	"github.com/seantiz/xstream/internal/execctx"
	"github.com/seantiz/xstream/internal/manager"
	"github.com/seantiz/xstream/internal/model"
	"github.com/seantiz/xstream/internal/profiler"
	"github.com/seantiz/xstream/internal/store"
	"github.com/seantiz/xstream/internal/stream"
)

func newTestManager(t *testing.T, opts ...host.Option) (*manager.Manager, store.Store) {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	reg := device.NewRegistry()
	reg.Register(host.New(opts...))

	m := manager.New(s, reg, nil)
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	return m, s
}

func createStream(t *testing.T, m *manager.Manager, opts manager.CreateOptions) *model.StreamRecord {
	t.Helper()
	rec, err := m.Create(context.Background(), opts)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return rec
}

func allocate(t *testing.T, m *manager.Manager, streamID string, size int) string {
	t.Helper()
	info, err := m.Allocate(context.Background(), streamID, size)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	return info.ID
}

// receive reads n events from ch or fails after timeout.
func receive(t *testing.T, ch <-chan manager.OpEvent, n int, timeout time.Duration) []manager.OpEvent {
	t.Helper()
	var got []manager.OpEvent
	deadline := time.After(timeout)
	for len(got) < n {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("event channel closed after %d of %d events", len(got), n)
			}
			got = append(got, ev)
		case <-deadline:
			t.Fatalf("received %d of %d events within %v", len(got), n, timeout)
		}
	}
	return got
}

func TestCreatePersistsRecord(t *testing.T) {
	m, s := newTestManager(t)
	ctx := context.Background()

	rec := createStream(t, m, manager.CreateOptions{Profiling: true, OutOfOrder: true})

	got, err := s.GetStream(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetStream: %v", err)
	}
	if got.Status != model.StatusOpen {
		t.Errorf("Status = %q, want %q", got.Status, model.StatusOpen)
	}
	if got.Flags != "out_of_order|profiling" {
		t.Errorf("Flags = %q, want %q", got.Flags, "out_of_order|profiling")
	}
	if !got.Profiling {
		t.Error("Profiling = false, want true")
	}
	if got.Device != "host:0" {
		t.Errorf("Device = %q, want %q", got.Device, "host:0")
	}
	if m.Len() != 1 {
		t.Errorf("Len = %d, want 1", m.Len())
	}

	st, err := m.Stream(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if !st.Flags().OutOfOrder() {
		t.Error("live stream is not out-of-order")
	}
}

func TestCreateUnknownDevice(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.Create(context.Background(), manager.CreateOptions{Device: "gpu"})
	if stream.StatusOf(err) != stream.InvalidArguments {
		t.Errorf("Create error = %v, want invalid arguments", err)
	}
}

func TestDevices(t *testing.T) {
	m, _ := newTestManager(t)

	devs := m.Devices()
	if len(devs) != 1 || devs[0].Kind != host.Kind {
		t.Errorf("Devices = %+v, want one %s engine", devs, host.Kind)
	}
}

func TestFillCopyAndRead(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	rec := createStream(t, m, manager.CreateOptions{})

	src := allocate(t, m, rec.ID, 16)
	dst := allocate(t, m, rec.ID, 16)

	if _, err := m.Fill(ctx, rec.ID, src, 0xAB, 16); err != nil {
		t.Fatalf("Fill: %v", err)
	}
	if _, err := m.Copy(ctx, rec.ID, src, dst, 8); err != nil {
		t.Fatalf("Copy: %v", err)
	}
	if err := m.Wait(ctx, rec.ID); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	got, err := m.ReadBuffer(ctx, rec.ID, dst)
	if err != nil {
		t.Fatalf("ReadBuffer: %v", err)
	}
	want := append(bytes.Repeat([]byte{0xAB}, 8), make([]byte, 8)...)
	if !bytes.Equal(got, want) {
		t.Errorf("dst = %x, want %x", got, want)
	}

	bufs, err := m.Buffers(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Buffers: %v", err)
	}
	if len(bufs) != 2 {
		t.Errorf("len(Buffers) = %d, want 2", len(bufs))
	}
}

func TestFillPatternRange(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	rec := createStream(t, m, manager.CreateOptions{})
	buf := allocate(t, m, rec.ID, 8)

	for _, pattern := range []int{-1, 256, 1 << 20} {
		if _, err := m.Fill(ctx, rec.ID, buf, pattern, 8); stream.StatusOf(err) != stream.InvalidArguments {
			t.Errorf("Fill(pattern %d) error = %v, want invalid arguments", pattern, err)
		}
	}
	if _, err := m.Fill(ctx, rec.ID, buf, 0xFF, 8); err != nil {
		t.Fatalf("Fill(0xFF): %v", err)
	}
}

func TestReleaseLane(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	rec := createStream(t, m, manager.CreateOptions{OutOfOrder: true})
	buf := allocate(t, m, rec.ID, 8)

	for _, lane := range []string{"a", "b", "c"} {
		lctx := execctx.WithLaneID(ctx, execctx.LaneID(lane))
		if _, err := m.Fill(lctx, rec.ID, buf, 1, 8); err != nil {
			t.Fatalf("Fill on %s: %v", lane, err)
		}
	}
	if err := m.Wait(ctx, rec.ID); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	lanes, err := m.Lanes(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Lanes: %v", err)
	}
	if len(lanes) != 3 {
		t.Fatalf("Lanes = %v, want 3", lanes)
	}

	if err := m.ReleaseLane(ctx, rec.ID, "b"); err != nil {
		t.Fatalf("ReleaseLane: %v", err)
	}
	lanes, _ = m.Lanes(ctx, rec.ID)
	if len(lanes) != 2 || lanes[0] != "a" || lanes[1] != "c" {
		t.Errorf("Lanes = %v, want [a c]", lanes)
	}

	if err := m.ReleaseLane(ctx, rec.ID, "b"); !errors.Is(err, manager.ErrLaneNotFound) {
		t.Errorf("second ReleaseLane error = %v, want ErrLaneNotFound", err)
	}
	if err := m.ReleaseLane(ctx, rec.ID, ""); stream.StatusOf(err) != stream.InvalidArguments {
		t.Errorf("ReleaseLane(\"\") error = %v, want invalid arguments", err)
	}
	if err := m.ReleaseLane(ctx, "nonexistent", "a"); !errors.Is(err, manager.ErrStreamNotFound) {
		t.Errorf("ReleaseLane on unknown stream error = %v, want ErrStreamNotFound", err)
	}
}

func TestBufferErrors(t *testing.T) {
	m, _ := newTestManager(t, host.WithMemoryLimit(64))
	ctx := context.Background()
	rec := createStream(t, m, manager.CreateOptions{})

	if _, err := m.Fill(ctx, rec.ID, "missing", 1, 4); !errors.Is(err, manager.ErrBufferNotFound) {
		t.Errorf("Fill error = %v, want ErrBufferNotFound", err)
	}
	if _, err := m.ReadBuffer(ctx, rec.ID, "missing"); !errors.Is(err, manager.ErrBufferNotFound) {
		t.Errorf("ReadBuffer error = %v, want ErrBufferNotFound", err)
	}
	if _, err := m.Allocate(ctx, rec.ID, 0); stream.StatusOf(err) != stream.InvalidArguments {
		t.Errorf("Allocate(0) error = %v, want invalid arguments", err)
	}
	if _, err := m.Allocate(ctx, rec.ID, 128); stream.StatusOf(err) != stream.OutOfMemory {
		t.Errorf("Allocate(128) error = %v, want out of memory", err)
	}

}

func TestFailedOperationReported(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	rec := createStream(t, m, manager.CreateOptions{})
	buf := allocate(t, m, rec.ID, 8)

	ch, unsub := m.Broker().Subscribe(rec.ID)
	defer unsub()

	// The device rejects the out-of-bounds fill when it runs, not at enqueue.
	if _, err := m.Fill(ctx, rec.ID, buf, 1, 16); err != nil {
		t.Fatalf("Fill: %v", err)
	}
	ev := receive(t, ch, 1, 5*time.Second)[0]
	if ev.Status != "error" || ev.Error == "" {
		t.Errorf("event = %+v, want error status with message", ev)
	}
	if err := m.Wait(ctx, rec.ID); stream.StatusOf(err) != stream.RuntimeError {
		t.Errorf("Wait error = %v, want runtime error", err)
	}
}

func TestOperationEventsPerLane(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	rec := createStream(t, m, manager.CreateOptions{Profiling: true})
	buf := allocate(t, m, rec.ID, 32)

	ch, unsub := m.Broker().Subscribe(rec.ID)
	defer unsub()

	laneA := execctx.WithLaneID(ctx, "a")
	laneB := execctx.WithLaneID(ctx, "b")
	for _, lctx := range []context.Context{laneA, laneB, laneA} {
		if _, err := m.Fill(lctx, rec.ID, buf, 3, 32); err != nil {
			t.Fatalf("Fill: %v", err)
		}
	}

	events := receive(t, ch, 3, 5*time.Second)
	lanes := map[string]int{}
	seqs := map[uint64]bool{}
	for _, ev := range events {
		if ev.Status != "ok" || ev.Op != stream.OpFill {
			t.Errorf("event = %+v, want ok fill", ev)
		}
		lanes[ev.Lane]++
		seqs[ev.Seq] = true
	}
	if lanes["a"] != 2 || lanes["b"] != 1 {
		t.Errorf("events per lane = %v, want a:2 b:1", lanes)
	}
	if len(seqs) != 3 {
		t.Errorf("distinct seqs = %d, want 3", len(seqs))
	}
}

func TestProfilingSnapshotAndHistory(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	rec := createStream(t, m, manager.CreateOptions{Profiling: true})
	buf := allocate(t, m, rec.ID, 64)

	for range 4 {
		if _, err := m.Fill(ctx, rec.ID, buf, 9, 64); err != nil {
			t.Fatalf("Fill: %v", err)
		}
	}
	if err := m.Wait(ctx, rec.ID); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	values, err := m.Profiling(ctx, rec.ID, profiler.KindTime)
	if err != nil {
		t.Fatalf("Profiling: %v", err)
	}
	if len(values) != 4 {
		t.Fatalf("len(values) = %d, want 4", len(values))
	}

	n, err := m.Snapshot(ctx, rec.ID, profiler.KindTime)
	if err != nil || n != 4 {
		t.Fatalf("Snapshot = %d, %v; want 4, nil", n, err)
	}
	if err := m.ResetProfiling(ctx, rec.ID); err != nil {
		t.Fatalf("ResetProfiling: %v", err)
	}
	if values, _ := m.Profiling(ctx, rec.ID, profiler.KindTime); len(values) != 0 {
		t.Errorf("values after reset = %v, want none", values)
	}

	// History outlives the stream.
	if err := m.Close(ctx, rec.ID); err != nil {
		t.Fatalf("Close: %v", err)
	}
	hist, err := m.History(ctx, rec.ID, model.KindTime)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 4 {
		t.Fatalf("len(history) = %d, want 4", len(hist))
	}
	for i, sm := range hist {
		if sm.Value != values[i] || sm.Seq != i {
			t.Errorf("history[%d] = %+v", i, sm)
		}
	}
}

func TestProfilingDisabled(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	rec := createStream(t, m, manager.CreateOptions{})

	if _, err := m.Profiling(ctx, rec.ID, profiler.KindTime); stream.StatusOf(err) != stream.InvalidArguments {
		t.Errorf("Profiling error = %v, want invalid arguments", err)
	}
	if _, err := m.Snapshot(ctx, rec.ID, profiler.KindCycles); stream.StatusOf(err) != stream.InvalidArguments {
		t.Errorf("Snapshot error = %v, want invalid arguments", err)
	}
}

func TestCounters(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	with := createStream(t, m, manager.CreateOptions{Counters: true})
	without := createStream(t, m, manager.CreateOptions{})

	if !with.Counters {
		t.Fatal("record Counters = false on host device")
	}
	buf := allocate(t, m, with.ID, 16)
	if _, err := m.Fill(ctx, with.ID, buf, 1, 16); err != nil {
		t.Fatalf("Fill: %v", err)
	}
	if err := m.Wait(ctx, with.ID); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	snap, err := m.Counters(ctx, with.ID)
	if err != nil {
		t.Fatalf("Counters: %v", err)
	}
	if snap[host.CounterCommands] != 1 || snap[host.CounterBytesFilled] != 16 {
		t.Errorf("counters = %v, want 1 command filling 16 bytes", snap)
	}

	if _, err := m.Counters(ctx, without.ID); stream.StatusOf(err) != stream.InvalidArguments {
		t.Errorf("Counters error = %v, want invalid arguments", err)
	}
}

func TestCloseStream(t *testing.T) {
	m, s := newTestManager(t)
	ctx := context.Background()
	rec := createStream(t, m, manager.CreateOptions{})
	buf := allocate(t, m, rec.ID, 8)

	ch, unsub := m.Broker().Subscribe(rec.ID)
	defer unsub()
	if _, err := m.Fill(ctx, rec.ID, buf, 1, 8); err != nil {
		t.Fatalf("Fill: %v", err)
	}

	if err := m.Close(ctx, rec.ID); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// The completion is delivered before the topic closes.
	receive(t, ch, 1, time.Second)
	if _, ok := <-ch; ok {
		t.Error("event channel still open after Close")
	}

	got, err := s.GetStream(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetStream: %v", err)
	}
	if got.Status != model.StatusClosed || got.ClosedAt == nil {
		t.Errorf("record = %+v, want closed with closed_at", got)
	}
	if m.Len() != 0 {
		t.Errorf("Len = %d, want 0", m.Len())
	}

	if _, err := m.Fill(ctx, rec.ID, buf, 1, 8); stream.StatusOf(err) != stream.InvalidArguments {
		t.Errorf("Fill after Close error = %v, want invalid arguments", err)
	}
	if err := m.Close(ctx, rec.ID); stream.StatusOf(err) != stream.InvalidArguments {
		t.Errorf("second Close error = %v, want invalid arguments", err)
	}
}

func TestUnknownStream(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	if err := m.Wait(ctx, "nonexistent"); !errors.Is(err, manager.ErrStreamNotFound) {
		t.Errorf("Wait error = %v, want ErrStreamNotFound", err)
	}
	if err := m.Close(ctx, "nonexistent"); !errors.Is(err, manager.ErrStreamNotFound) {
		t.Errorf("Close error = %v, want ErrStreamNotFound", err)
	}
	if _, err := m.History(ctx, "nonexistent", ""); !errors.Is(err, manager.ErrStreamNotFound) {
		t.Errorf("History error = %v, want ErrStreamNotFound", err)
	}
}

func TestShutdownClosesAll(t *testing.T) {
	m, s := newTestManager(t)
	ctx := context.Background()

	var ids []string
	for range 3 {
		rec := createStream(t, m, manager.CreateOptions{Profiling: true})
		buf := allocate(t, m, rec.ID, 8)
		if _, err := m.Fill(ctx, rec.ID, buf, 2, 8); err != nil {
			t.Fatalf("Fill: %v", err)
		}
		ids = append(ids, rec.ID)
	}

	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if m.Len() != 0 {
		t.Errorf("Len = %d, want 0", m.Len())
	}
	for _, id := range ids {
		rec, err := s.GetStream(ctx, id)
		if err != nil {
			t.Fatalf("GetStream: %v", err)
		}
		if rec.Status != model.StatusClosed {
			t.Errorf("stream %s status = %q, want closed", id, rec.Status)
		}
	}
}
