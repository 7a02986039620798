package buffer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/benmeehan/location-agent/internal/models"
)

// Cursor returns the persisted sync cursor of the device, or a zero cursor
// carrying only the device id when sync never confirmed anything.
func (b *Buffer) Cursor(ctx context.Context, deviceID string) (models.SyncCursor, error) {
	return readCursor(ctx, b.rdb, deviceID)
}

// AdvanceCursor moves the device cursor to the given sample if it lies past the
// current position. It reports whether the cursor moved. The cursor never moves back.
func (b *Buffer) AdvanceCursor(ctx context.Context, deviceID, sessionID string, last models.LocationSample) (models.SyncCursor, bool, error) {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return models.SyncCursor{}, false, fmt.Errorf("failed to begin cursor update: %w", err)
	}
	defer tx.Rollback()

	current, err := readCursor(ctx, tx, deviceID)
	if err != nil {
		return models.SyncCursor{}, false, err
	}
	if current.Covers(last) {
		return current, false, nil
	}

	next := models.SyncCursor{
		DeviceID:      deviceID,
		SessionID:     sessionID,
		LastTimestamp: last.Timestamp.UTC(),
		LastClientID:  last.ClientID,
		Revision:      current.Revision + 1,
		UpdatedAt:     b.now().UTC(),
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO sync_cursor (device_id, session_id, last_ts_ns, last_client_id, revision, updated_ns)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			session_id = excluded.session_id,
			last_ts_ns = excluded.last_ts_ns,
			last_client_id = excluded.last_client_id,
			revision = excluded.revision,
			updated_ns = excluded.updated_ns`,
		next.DeviceID, next.SessionID, next.LastTimestamp.UnixNano(), next.LastClientID, next.Revision, next.UpdatedAt.UnixNano())
	if err != nil {
		return models.SyncCursor{}, false, fmt.Errorf("failed to save cursor: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return models.SyncCursor{}, false, err
	}
	return next, true, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func readCursor(ctx context.Context, q queryRower, deviceID string) (models.SyncCursor, error) {
	var (
		c         = models.SyncCursor{DeviceID: deviceID}
		tsNs      int64
		updatedNs int64
	)
	err := q.QueryRowContext(ctx, `SELECT session_id, last_ts_ns, last_client_id, revision, updated_ns
		FROM sync_cursor WHERE device_id = ?`, deviceID).
		Scan(&c.SessionID, &tsNs, &c.LastClientID, &c.Revision, &updatedNs)
	if errors.Is(err, sql.ErrNoRows) {
		return c, nil
	}
	if err != nil {
		return models.SyncCursor{}, fmt.Errorf("failed to read cursor: %w", err)
	}
	c.LastTimestamp = time.Unix(0, tsNs).UTC()
	c.UpdatedAt = time.Unix(0, updatedNs).UTC()
	return c, nil
}
