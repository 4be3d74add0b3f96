package store

import (
	"context"
	"errors"

	"github.com/seantiz/xstream/internal/model"
)

// ErrInvalidTransition is returned when a stream status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// StreamStats holds aggregate stream statistics.
type StreamStats struct {
	Total         int            `json:"total"`
	CountByStatus map[string]int `json:"count_by_status"`
	CountByDevice map[string]int `json:"count_by_device"`
	Samples       int            `json:"samples"`
}

// Store defines the persistence operations for stream records and their
// profiling history.
type Store interface {
	CreateStream(ctx context.Context, r *model.StreamRecord) error
	GetStream(ctx context.Context, id string) (*model.StreamRecord, error)
	ListStreams(ctx context.Context, limit, offset int) ([]*model.StreamRecord, int, error)
	UpdateStreamStatus(ctx context.Context, id, status string) error
	GetStreamStats(ctx context.Context) (*StreamStats, error)
	InsertSamples(ctx context.Context, streamID, kind string, values []uint64) (int, error)
	GetSamples(ctx context.Context, streamID, kind string) ([]model.Sample, error)
	Close() error
}
