package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/xstream/internal/model"

	_ "modernc.org/sqlite"
)

const createStreamsTable = `
CREATE TABLE IF NOT EXISTS streams (
    id         TEXT PRIMARY KEY,
    status     TEXT NOT NULL,
    device     TEXT NOT NULL,
    flags      TEXT NOT NULL,
    profiling  INTEGER NOT NULL,
    counters   INTEGER NOT NULL,
    created_at DATETIME NOT NULL,
    closed_at  DATETIME
)`

const createSamplesTable = `
CREATE TABLE IF NOT EXISTS samples (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    stream_id  TEXT NOT NULL REFERENCES streams(id),
    kind       TEXT NOT NULL,
    seq        INTEGER NOT NULL,
    value      INTEGER NOT NULL,
    created_at DATETIME NOT NULL,
    UNIQUE (stream_id, kind, seq)
)`

// ErrNotFound is returned when a stream is not found.
var ErrNotFound = errors.New("stream not found")

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection would get its own empty database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for name, ddl := range map[string]string{"streams": createStreamsTable, "samples": createSamplesTable} {
		if _, err := db.Exec(ddl); err != nil {
			db.Close()
			return nil, fmt.Errorf("create %s table: %w", name, err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const streamColumns = `id, status, device, flags, profiling, counters, created_at, closed_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanStream(row scanner) (*model.StreamRecord, error) {
	r := &model.StreamRecord{}
	err := row.Scan(&r.ID, &r.Status, &r.Device, &r.Flags, &r.Profiling, &r.Counters, &r.CreatedAt, &r.ClosedAt)
	return r, err
}

// CreateStream inserts a new stream record.
func (s *SQLiteStore) CreateStream(ctx context.Context, r *model.StreamRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO streams (`+streamColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Status, r.Device, r.Flags, r.Profiling, r.Counters, r.CreatedAt, r.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("insert stream: %w", err)
	}
	return nil
}

// GetStream retrieves a stream record by ID.
func (s *SQLiteStore) GetStream(ctx context.Context, id string) (*model.StreamRecord, error) {
	r, err := scanStream(s.db.QueryRowContext(ctx,
		`SELECT `+streamColumns+` FROM streams WHERE id = ?`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get stream: %w", err)
	}
	return r, nil
}

// ListStreams returns a paginated list of stream records ordered by
// created_at DESC, along with the total count of all records.
func (s *SQLiteStore) ListStreams(ctx context.Context, limit, offset int) ([]*model.StreamRecord, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM streams").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count streams: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+streamColumns+` FROM streams ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list streams: %w", err)
	}
	defer rows.Close()

	var records []*model.StreamRecord
	for rows.Next() {
		r, err := scanStream(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan stream: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate streams: %w", err)
	}

	return records, total, nil
}

// UpdateStreamStatus moves a stream to status. Closing sets closed_at.
func (s *SQLiteStore) UpdateStreamStatus(ctx context.Context, id, status string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, "SELECT status FROM streams WHERE id = ?", id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get stream status: %w", err)
	}
	if !model.ValidTransition(current, status) {
		return fmt.Errorf("%s -> %s: %w", current, status, ErrInvalidTransition)
	}

	if status == model.StatusClosed {
		_, err = tx.ExecContext(ctx,
			"UPDATE streams SET status = ?, closed_at = ? WHERE id = ?",
			status, time.Now().UTC(), id,
		)
	} else {
		_, err = tx.ExecContext(ctx, "UPDATE streams SET status = ? WHERE id = ?", status, id)
	}
	if err != nil {
		return fmt.Errorf("update stream status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit status update: %w", err)
	}
	return nil
}

// GetStreamStats computes aggregate statistics over all stream records.
func (s *SQLiteStore) GetStreamStats(ctx context.Context) (*StreamStats, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	stats := &StreamStats{}
	if stats.CountByStatus, err = countBy(ctx, tx, "status"); err != nil {
		return nil, err
	}
	if stats.CountByDevice, err = countBy(ctx, tx, "device"); err != nil {
		return nil, err
	}
	for _, n := range stats.CountByStatus {
		stats.Total += n
	}
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM samples").Scan(&stats.Samples); err != nil {
		return nil, fmt.Errorf("count samples: %w", err)
	}
	return stats, nil
}

// countBy groups stream records by column. column is never user input.
func countBy(ctx context.Context, tx *sql.Tx, column string) (map[string]int, error) {
	rows, err := tx.QueryContext(ctx, "SELECT "+column+", COUNT(*) FROM streams GROUP BY "+column)
	if err != nil {
		return nil, fmt.Errorf("count streams by %s: %w", column, err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return nil, fmt.Errorf("scan %s count: %w", column, err)
		}
		counts[key] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s counts: %w", column, err)
	}
	return counts, nil
}

// InsertSamples appends values to the stream's history of the given kind,
// continuing its sequence numbers. It returns the number of rows written.
func (s *SQLiteStore) InsertSamples(ctx context.Context, streamID, kind string, values []uint64) (int, error) {
	if len(values) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM streams WHERE id = ?", streamID).Scan(&exists); err != nil {
		return 0, fmt.Errorf("check stream: %w", err)
	}
	if exists == 0 {
		return 0, ErrNotFound
	}

	var next int
	if err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(seq), -1) + 1 FROM samples WHERE stream_id = ? AND kind = ?", streamID, kind,
	).Scan(&next); err != nil {
		return 0, fmt.Errorf("next sample seq: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO samples (stream_id, kind, seq, value, created_at) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		return 0, fmt.Errorf("prepare sample insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for i, v := range values {
		if _, err := stmt.ExecContext(ctx, streamID, kind, next+i, int64(v), now); err != nil {
			return 0, fmt.Errorf("insert sample: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit samples: %w", err)
	}
	return len(values), nil
}

// GetSamples returns the stream's samples of the given kind in sequence
// order. An empty kind returns all kinds.
func (s *SQLiteStore) GetSamples(ctx context.Context, streamID, kind string) ([]model.Sample, error) {
	query := "SELECT id, stream_id, kind, seq, value, created_at FROM samples WHERE stream_id = ?"
	args := []any{streamID}
	if kind != "" {
		query += " AND kind = ?"
		args = append(args, kind)
	}
	query += " ORDER BY kind, seq ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get samples: %w", err)
	}
	defer rows.Close()

	var samples []model.Sample
	for rows.Next() {
		var sm model.Sample
		var v int64
		if err := rows.Scan(&sm.ID, &sm.StreamID, &sm.Kind, &sm.Seq, &v, &sm.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan sample: %w", err)
		}
		sm.Value = uint64(v)
		samples = append(samples, sm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate samples: %w", err)
	}
	return samples, nil
}
