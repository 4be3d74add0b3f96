package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/seantiz/xstream/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func makeTestStream() *model.StreamRecord {
	return &model.StreamRecord{
		ID:        model.NewID(),
		Status:    model.StatusOpen,
		Device:    "host:0",
		Flags:     "in_order|profiling",
		Profiling: true,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
}

func createStream(t *testing.T, s *SQLiteStore, r *model.StreamRecord) {
	t.Helper()
	if err := s.CreateStream(context.Background(), r); err != nil {
		t.Fatalf("CreateStream: %v", err)
	}
}

func TestCreateAndGetStream(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := makeTestStream()
	r.Counters = true
	createStream(t, s, r)

	got, err := s.GetStream(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetStream: %v", err)
	}

	if got.ID != r.ID {
		t.Errorf("ID = %q, want %q", got.ID, r.ID)
	}
	if got.Status != model.StatusOpen {
		t.Errorf("Status = %q, want %q", got.Status, model.StatusOpen)
	}
	if got.Device != r.Device {
		t.Errorf("Device = %q, want %q", got.Device, r.Device)
	}
	if got.Flags != r.Flags {
		t.Errorf("Flags = %q, want %q", got.Flags, r.Flags)
	}
	if !got.Profiling || !got.Counters {
		t.Errorf("Profiling/Counters = %v/%v, want true/true", got.Profiling, got.Counters)
	}
	if !got.CreatedAt.Equal(r.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, r.CreatedAt)
	}
	if got.ClosedAt != nil {
		t.Errorf("ClosedAt = %v, want nil", got.ClosedAt)
	}
}

func TestGetStreamNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetStream(context.Background(), "nonexistent")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetStream error = %v, want ErrNotFound", err)
	}
}

func TestCreateStreamDuplicate(t *testing.T) {
	s := newTestStore(t)
	r := makeTestStream()
	createStream(t, s, r)

	if err := s.CreateStream(context.Background(), r); err == nil {
		t.Error("CreateStream with duplicate ID succeeded")
	}
}

func TestListStreamsPagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		r := makeTestStream()
		r.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Second).Truncate(time.Second)
		createStream(t, s, r)
	}

	records, total, err := s.ListStreams(ctx, 2, 0)
	if err != nil {
		t.Fatalf("ListStreams: %v", err)
	}
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}
	if len(records) != 2 {
		t.Errorf("len(records) = %d, want 2", len(records))
	}

	records, _, err = s.ListStreams(ctx, 2, 4)
	if err != nil {
		t.Fatalf("ListStreams page 3: %v", err)
	}
	if len(records) != 1 {
		t.Errorf("len(records) page 3 = %d, want 1", len(records))
	}
}

func TestListStreamsOrdering(t *testing.T) {
	s := newTestStore(t)

	var ids []string
	for i := 0; i < 3; i++ {
		r := makeTestStream()
		r.CreatedAt = time.Date(2026, 1, 1+i, 0, 0, 0, 0, time.UTC)
		createStream(t, s, r)
		ids = append(ids, r.ID)
	}

	records, _, err := s.ListStreams(context.Background(), 10, 0)
	if err != nil {
		t.Fatalf("ListStreams: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("len(records) = %d, want 3", len(records))
	}
	for i, r := range records {
		if want := ids[2-i]; r.ID != want {
			t.Errorf("records[%d].ID = %q, want %q (newest first)", i, r.ID, want)
		}
	}
}

func TestListStreamsEmpty(t *testing.T) {
	s := newTestStore(t)

	records, total, err := s.ListStreams(context.Background(), 10, 0)
	if err != nil {
		t.Fatalf("ListStreams: %v", err)
	}
	if total != 0 || len(records) != 0 {
		t.Errorf("ListStreams = %d records, total %d; want empty", len(records), total)
	}
}

func TestUpdateStreamStatusClose(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := makeTestStream()
	createStream(t, s, r)

	if err := s.UpdateStreamStatus(ctx, r.ID, model.StatusClosed); err != nil {
		t.Fatalf("UpdateStreamStatus: %v", err)
	}

	got, err := s.GetStream(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetStream: %v", err)
	}
	if got.Status != model.StatusClosed {
		t.Errorf("Status = %q, want %q", got.Status, model.StatusClosed)
	}
	if got.ClosedAt == nil {
		t.Error("ClosedAt not set on close")
	}
}

func TestUpdateStreamStatusInvalidTransition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := makeTestStream()
	createStream(t, s, r)

	if err := s.UpdateStreamStatus(ctx, r.ID, model.StatusClosed); err != nil {
		t.Fatalf("UpdateStreamStatus: %v", err)
	}
	for _, status := range []string{model.StatusOpen, model.StatusClosed, "bogus"} {
		err := s.UpdateStreamStatus(ctx, r.ID, status)
		if !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("closed -> %s error = %v, want ErrInvalidTransition", status, err)
		}
	}
}

func TestUpdateStreamStatusNotFound(t *testing.T) {
	s := newTestStore(t)

	err := s.UpdateStreamStatus(context.Background(), "nonexistent", model.StatusClosed)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateStreamStatus error = %v, want ErrNotFound", err)
	}
}

func TestGetStreamStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, device := range []string{"host:0", "host:0", "remote:host:0"} {
		r := makeTestStream()
		r.Device = device
		createStream(t, s, r)
		if i == 0 {
			if err := s.UpdateStreamStatus(ctx, r.ID, model.StatusClosed); err != nil {
				t.Fatalf("UpdateStreamStatus: %v", err)
			}
			if _, err := s.InsertSamples(ctx, r.ID, model.KindTime, []uint64{1, 2}); err != nil {
				t.Fatalf("InsertSamples: %v", err)
			}
		}
	}

	stats, err := s.GetStreamStats(ctx)
	if err != nil {
		t.Fatalf("GetStreamStats: %v", err)
	}
	if stats.Total != 3 {
		t.Errorf("Total = %d, want 3", stats.Total)
	}
	if stats.CountByStatus[model.StatusOpen] != 2 || stats.CountByStatus[model.StatusClosed] != 1 {
		t.Errorf("CountByStatus = %v", stats.CountByStatus)
	}
	if stats.CountByDevice["host:0"] != 2 || stats.CountByDevice["remote:host:0"] != 1 {
		t.Errorf("CountByDevice = %v", stats.CountByDevice)
	}
	if stats.Samples != 2 {
		t.Errorf("Samples = %d, want 2", stats.Samples)
	}
}

func TestGetStreamStatsEmpty(t *testing.T) {
	s := newTestStore(t)

	stats, err := s.GetStreamStats(context.Background())
	if err != nil {
		t.Fatalf("GetStreamStats: %v", err)
	}
	if stats.Total != 0 || len(stats.CountByStatus) != 0 || stats.Samples != 0 {
		t.Errorf("stats = %+v, want empty", stats)
	}
}

func TestInsertAndGetSamples(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := makeTestStream()
	createStream(t, s, r)

	if n, err := s.InsertSamples(ctx, r.ID, model.KindTime, []uint64{100, 200}); err != nil || n != 2 {
		t.Fatalf("InsertSamples = %d, %v; want 2, nil", n, err)
	}
	// A second snapshot continues the sequence.
	if _, err := s.InsertSamples(ctx, r.ID, model.KindTime, []uint64{300}); err != nil {
		t.Fatalf("InsertSamples: %v", err)
	}
	if _, err := s.InsertSamples(ctx, r.ID, model.KindCycles, []uint64{7}); err != nil {
		t.Fatalf("InsertSamples: %v", err)
	}

	samples, err := s.GetSamples(ctx, r.ID, model.KindTime)
	if err != nil {
		t.Fatalf("GetSamples: %v", err)
	}
	if len(samples) != 3 {
		t.Fatalf("len(samples) = %d, want 3", len(samples))
	}
	for i, want := range []uint64{100, 200, 300} {
		if samples[i].Seq != i || samples[i].Value != want {
			t.Errorf("samples[%d] = seq %d value %d, want seq %d value %d", i, samples[i].Seq, samples[i].Value, i, want)
		}
		if samples[i].StreamID != r.ID || samples[i].Kind != model.KindTime {
			t.Errorf("samples[%d] = %+v", i, samples[i])
		}
	}

	all, err := s.GetSamples(ctx, r.ID, "")
	if err != nil {
		t.Fatalf("GetSamples all: %v", err)
	}
	if len(all) != 4 {
		t.Errorf("len(all) = %d, want 4", len(all))
	}
}

func TestInsertSamplesEmptyAndUnknownStream(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if n, err := s.InsertSamples(ctx, "nonexistent", model.KindTime, nil); err != nil || n != 0 {
		t.Errorf("InsertSamples(nil) = %d, %v; want 0, nil", n, err)
	}
	if _, err := s.InsertSamples(ctx, "nonexistent", model.KindTime, []uint64{1}); !errors.Is(err, ErrNotFound) {
		t.Errorf("InsertSamples error = %v, want ErrNotFound", err)
	}
}

func TestGetSamplesIsolation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a, b := makeTestStream(), makeTestStream()
	createStream(t, s, a)
	createStream(t, s, b)

	if _, err := s.InsertSamples(ctx, a.ID, model.KindTime, []uint64{1, 2, 3}); err != nil {
		t.Fatalf("InsertSamples: %v", err)
	}
	got, err := s.GetSamples(ctx, b.ID, model.KindTime)
	if err != nil {
		t.Fatalf("GetSamples: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("stream b has %d samples, want 0", len(got))
	}
}

func TestMigrationIdempotency(t *testing.T) {
	s := newTestStore(t)

	for _, ddl := range []string{createStreamsTable, createSamplesTable} {
		if _, err := s.db.Exec(ddl); err != nil {
			t.Fatalf("second migration: %v", err)
		}
	}
}

func TestFileBackedStore(t *testing.T) {
	path := t.TempDir() + "/xstream.db"
	s1, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	r := makeTestStream()
	if err := s1.CreateStream(context.Background(), r); err != nil {
		t.Fatalf("CreateStream: %v", err)
	}
	s1.Close()

	s2, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	if _, err := s2.GetStream(context.Background(), r.ID); err != nil {
		t.Errorf("GetStream after reopen: %v", err)
	}
}
