package buffer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/benmeehan/location-agent/internal/constants"
	"github.com/benmeehan/location-agent/internal/models"
)

// Purge deletes confirmed samples older than before and records the purged interval,
// so later queries can tell purged data apart from periods without samples.
// Samples that are not confirmed yet are kept. It returns the number of deleted samples.
func (b *Buffer) Purge(ctx context.Context, before time.Time) (int64, error) {
	return b.PurgeConfirmedBy(ctx, before, time.Time{})
}

// PurgeConfirmedBy is Purge restricted to samples confirmed at or before
// confirmedBy, so that rows confirmed after an archive snapshot survive. A zero
// confirmedBy means no restriction.
func (b *Buffer) PurgeConfirmedBy(ctx context.Context, before, confirmedBy time.Time) (int64, error) {
	updatedLimit := int64(math.MaxInt64)
	if !confirmedBy.IsZero() {
		updatedLimit = confirmedBy.UnixNano()
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin purge: %w", err)
	}
	defer tx.Rollback()

	var (
		minTs sql.NullInt64
		count int64
	)
	err = tx.QueryRowContext(ctx, `SELECT MIN(ts_ns), COUNT(*) FROM samples WHERE state = ? AND ts_ns < ? AND updated_ns <= ?`,
		constants.SyncStateConfirmed, before.UnixNano(), updatedLimit).Scan(&minTs, &count)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect purge range: %w", err)
	}
	if count == 0 {
		return 0, nil
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM samples WHERE state = ? AND ts_ns < ? AND updated_ns <= ?`,
		constants.SyncStateConfirmed, before.UnixNano(), updatedLimit); err != nil {
		return 0, fmt.Errorf("failed to delete samples: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO purged_ranges (from_ns, to_ns, purged_ns) VALUES (?, ?, ?)`,
		minTs.Int64, before.UnixNano(), b.now().UnixNano()); err != nil {
		return 0, fmt.Errorf("failed to record purged range: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM aggregate_windows WHERE window_start_ns < ?`, before.UnixNano()); err != nil {
		return 0, fmt.Errorf("failed to drop purged windows: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	b.logger.Info().Int64("samples", count).Time("before", before).Msg("Purged confirmed samples")
	return count, nil
}

// PurgedOverlap returns the first purged interval overlapping [from, to).
func (b *Buffer) PurgedOverlap(ctx context.Context, from, to time.Time) (models.TimeRange, bool, error) {
	return purgedOverlap(ctx, b.rdb, from, to)
}

func purgedOverlap(ctx context.Context, q queryRower, from, to time.Time) (models.TimeRange, bool, error) {
	var fromNs, toNs int64
	err := q.QueryRowContext(ctx, `SELECT from_ns, to_ns FROM purged_ranges
		WHERE from_ns < ? AND to_ns > ?
		ORDER BY from_ns
		LIMIT 1`, to.UnixNano(), from.UnixNano()).Scan(&fromNs, &toNs)
	if errors.Is(err, sql.ErrNoRows) {
		return models.TimeRange{}, false, nil
	}
	if err != nil {
		return models.TimeRange{}, false, fmt.Errorf("failed to read purged ranges: %w", err)
	}
	return models.TimeRange{From: time.Unix(0, fromNs).UTC(), To: time.Unix(0, toNs).UTC()}, true, nil
}
