package buffer

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/benmeehan/location-agent/internal/models"
)

// ReplaceWindows stores the pre-aggregated windows of one resolution for [from, to),
// replacing whatever was stored for that span. Windows not in the slice are removed.
func (b *Buffer) ReplaceWindows(ctx context.Context, resolution time.Duration, from, to time.Time, windows []models.AggregateWindow) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin window update: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM aggregate_windows
		WHERE resolution_ns = ? AND window_start_ns >= ? AND window_start_ns < ?`,
		int64(resolution), from.UnixNano(), to.UnixNano()); err != nil {
		return fmt.Errorf("failed to clear windows: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO aggregate_windows (resolution_ns, window_start_ns, payload) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare window insert: %w", err)
	}
	defer stmt.Close()

	for _, w := range windows {
		payload, err := w.Encode()
		if err != nil {
			return fmt.Errorf("failed to encode window: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, int64(resolution), w.WindowStart.UnixNano(), payload); err != nil {
			return fmt.Errorf("failed to store window: %w", err)
		}
	}
	return tx.Commit()
}

// LoadWindows returns the stored windows of one resolution starting in [from, to), ordered by start.
func (b *Buffer) LoadWindows(ctx context.Context, resolution time.Duration, from, to time.Time) ([]models.AggregateWindow, error) {
	return loadWindows(ctx, b.rdb, resolution, from, to)
}

// LoadWindows is Buffer.LoadWindows inside the snapshot.
func (s *Snapshot) LoadWindows(ctx context.Context, resolution time.Duration, from, to time.Time) ([]models.AggregateWindow, error) {
	return loadWindows(ctx, s.tx, resolution, from, to)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func loadWindows(ctx context.Context, q queryer, resolution time.Duration, from, to time.Time) ([]models.AggregateWindow, error) {
	rows, err := q.QueryContext(ctx, `SELECT payload FROM aggregate_windows
		WHERE resolution_ns = ? AND window_start_ns >= ? AND window_start_ns < ?
		ORDER BY window_start_ns`,
		int64(resolution), from.UnixNano(), to.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to read windows: %w", err)
	}
	defer rows.Close()

	var windows []models.AggregateWindow
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var w models.AggregateWindow
		if err := json.Unmarshal(payload, &w); err != nil {
			return nil, fmt.Errorf("corrupt window payload: %w", err)
		}
		windows = append(windows, w)
	}
	return windows, rows.Err()
}
