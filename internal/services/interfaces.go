package services

import (
	"context"
	"time"

	"github.com/benmeehan/location-agent/internal/models"
)

// SampleSink accepts new location samples.
type SampleSink interface {
	Enqueue(ctx context.Context, sample models.LocationSample) error
}

// StatsSource reports buffer occupancy per sync state.
type StatsSource interface {
	Stats(ctx context.Context) (models.BufferStats, error)
}

// SyncStatusSource reports the sync engine health.
type SyncStatusSource interface {
	Status() models.SyncStatus
}

// Querier answers aggregate range queries.
type Querier interface {
	Query(ctx context.Context, start, end time.Time, resolution time.Duration) ([]models.AggregateWindow, error)
}
