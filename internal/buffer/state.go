package buffer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/benmeehan/location-agent/internal/constants"
	"github.com/benmeehan/location-agent/internal/models"
)

const aggregationWatermarkKey = "aggregation_watermark"

// AggregationWatermark returns the time before which every confirmation has been
// folded into the pre-aggregated windows. Zero means never.
func (b *Buffer) AggregationWatermark(ctx context.Context) (time.Time, error) {
	var ns int64
	err := b.rdb.QueryRowContext(ctx, `SELECT value_ns FROM agent_state WHERE key = ?`, aggregationWatermarkKey).Scan(&ns)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read aggregation watermark: %w", err)
	}
	return time.Unix(0, ns).UTC(), nil
}

// SetAggregationWatermark persists the aggregation watermark.
func (b *Buffer) SetAggregationWatermark(ctx context.Context, t time.Time) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	_, err := b.db.ExecContext(ctx, `INSERT INTO agent_state (key, value_ns) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value_ns = excluded.value_ns`, aggregationWatermarkKey, t.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to save aggregation watermark: %w", err)
	}
	return nil
}

// ConfirmedSince returns the timestamp span of samples confirmed at or after since.
func (b *Buffer) ConfirmedSince(ctx context.Context, since time.Time) (models.TimeRange, bool, error) {
	var sinceNs int64
	if !since.IsZero() {
		sinceNs = since.UnixNano()
	}

	var minTs, maxTs sql.NullInt64
	err := b.rdb.QueryRowContext(ctx, `SELECT MIN(ts_ns), MAX(ts_ns) FROM samples WHERE state = ? AND updated_ns >= ?`,
		constants.SyncStateConfirmed, sinceNs).Scan(&minTs, &maxTs)
	if err != nil {
		return models.TimeRange{}, false, fmt.Errorf("failed to read confirmed span: %w", err)
	}
	if !minTs.Valid {
		return models.TimeRange{}, false, nil
	}
	return models.TimeRange{
		From: time.Unix(0, minTs.Int64).UTC(),
		To:   time.Unix(0, maxTs.Int64+1).UTC(),
	}, true, nil
}

// Now returns the buffer clock.
func (b *Buffer) Now() time.Time {
	return b.now()
}
