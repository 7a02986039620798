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

// Snapshot is a consistent read view of confirmed samples. Samples confirmed
// after the first read of the snapshot are not visible through it.
type Snapshot struct {
	tx *sql.Tx
}

// Snapshot opens a read transaction. Callers must Close it.
func (b *Buffer) Snapshot(ctx context.Context) (*Snapshot, error) {
	tx, err := b.rdb.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot: %w", err)
	}
	return &Snapshot{tx: tx}, nil
}

// Close ends the read transaction.
func (s *Snapshot) Close() error {
	err := s.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

// ConfirmedRange returns confirmed samples with from <= timestamp < to,
// ordered by timestamp then client id.
func (s *Snapshot) ConfirmedRange(ctx context.Context, from, to time.Time) ([]models.LocationSample, error) {
	rows, err := s.tx.QueryContext(ctx, `SELECT `+sampleColumns+` FROM samples
		WHERE state = ? AND ts_ns >= ? AND ts_ns < ?
		ORDER BY ts_ns, client_id`,
		constants.SyncStateConfirmed, from.UnixNano(), to.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to read confirmed samples: %w", err)
	}
	defer rows.Close()

	var samples []models.LocationSample
	for rows.Next() {
		b, err := scanBuffered(rows)
		if err != nil {
			return nil, err
		}
		samples = append(samples, b.LocationSample)
	}
	return samples, rows.Err()
}

// LastConfirmedBefore returns the latest confirmed sample strictly before t.
func (s *Snapshot) LastConfirmedBefore(ctx context.Context, t time.Time) (models.LocationSample, bool, error) {
	row := s.tx.QueryRowContext(ctx, `SELECT `+sampleColumns+` FROM samples
		WHERE state = ? AND ts_ns < ?
		ORDER BY ts_ns DESC, client_id DESC
		LIMIT 1`,
		constants.SyncStateConfirmed, t.UnixNano())
	b, err := scanBuffered(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.LocationSample{}, false, nil
	}
	if err != nil {
		return models.LocationSample{}, false, fmt.Errorf("failed to read previous sample: %w", err)
	}
	return b.LocationSample, true, nil
}

// PurgedOverlap returns the first purged interval overlapping [from, to).
func (s *Snapshot) PurgedOverlap(ctx context.Context, from, to time.Time) (models.TimeRange, bool, error) {
	return purgedOverlap(ctx, s.tx, from, to)
}

// ConfirmedBefore returns the buffered rows of all confirmed samples with a
// timestamp before t, ordered by timestamp then client id.
func (s *Snapshot) ConfirmedBefore(ctx context.Context, t time.Time) ([]models.BufferedSample, error) {
	rows, err := s.tx.QueryContext(ctx, `SELECT `+sampleColumns+` FROM samples
		WHERE state = ? AND ts_ns < ?
		ORDER BY ts_ns, client_id`,
		constants.SyncStateConfirmed, t.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to read confirmed samples: %w", err)
	}
	defer rows.Close()

	var out []models.BufferedSample
	for rows.Next() {
		b, err := scanBuffered(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
