// Package buffer implements the durable local queue of location samples.
// Every write is committed to a SQLite database in WAL mode with full
// synchronous commits before the call returns, so buffered samples survive a
// process restart.
package buffer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"math"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/benmeehan/location-agent/internal/constants"
	"github.com/benmeehan/location-agent/internal/models"
)

// minPlausibleTimestamp rejects fixes from receivers that have not acquired a clock yet.
var minPlausibleTimestamp = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// idLock serializes state transitions of one client id. refs counts holders
// and waiters so the entry can be dropped from the map once unused.
type idLock struct {
	mu   sync.Mutex
	refs int
}

// Buffer is the SQLite backed sample queue. It is safe for concurrent use:
// readers run on their own connections while writes are serialized.
type Buffer struct {
	db        *sql.DB // single writer connection, transactions start IMMEDIATE
	rdb       *sql.DB // reader pool
	logger    zerolog.Logger
	clockSkew time.Duration
	validate  *validator.Validate
	now       func() time.Time

	writeMu sync.Mutex
	locks   cmap.ConcurrentMap[string, *idLock]
}

// Open opens (or creates) the buffer database at path.
func Open(path string, clockSkew time.Duration, logger zerolog.Logger) (*Buffer, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=temp_store(MEMORY)", path)

	// Write transactions take the database lock when they begin, so another
	// process holding it makes them wait out busy_timeout instead of failing
	// on a read-to-write upgrade.
	db, err := sql.Open("sqlite", dsn+"&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open buffer database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, schema+stateSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize buffer schema: %w", err)
	}

	rdb, err := sql.Open("sqlite", dsn)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open buffer database: %w", err)
	}
	rdb.SetMaxOpenConns(4)
	rdb.SetConnMaxLifetime(0)

	if clockSkew <= 0 {
		clockSkew = constants.DefaultClockSkew
	}

	logger.Info().Str("path", path).Msg("Sample buffer opened")
	return &Buffer{
		db:        db,
		rdb:       rdb,
		logger:    logger,
		clockSkew: clockSkew,
		validate:  validator.New(),
		now:       time.Now,
		locks:     cmap.New[*idLock](),
	}, nil
}

// Close closes the database.
func (b *Buffer) Close() error {
	return errors.Join(b.rdb.Close(), b.db.Close())
}

// SetClock overrides the wall clock used for timestamp plausibility checks.
func (b *Buffer) SetClock(now func() time.Time) {
	b.now = now
}

// Validate checks that the sample can be buffered.
func (b *Buffer) Validate(sample models.LocationSample) error {
	for field, v := range map[string]float64{
		"latitude": sample.Latitude, "longitude": sample.Longitude, "accuracy": sample.Accuracy,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return &models.ValidationError{Field: field, Reason: "must be a finite number"}
		}
	}
	if sample.Speed != nil && (math.IsNaN(*sample.Speed) || math.IsInf(*sample.Speed, 0)) {
		return &models.ValidationError{Field: "speed", Reason: "must be a finite number"}
	}

	if err := b.validate.Struct(sample); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return &models.ValidationError{Field: fe.Field(), Reason: fmt.Sprintf("failed %q constraint", fe.Tag())}
		}
		return &models.ValidationError{Reason: err.Error()}
	}

	if sample.Timestamp.Before(minPlausibleTimestamp) {
		return &models.ValidationError{Field: "timestamp", Reason: "implausibly old"}
	}
	if limit := b.now().Add(b.clockSkew); sample.Timestamp.After(limit) {
		return &models.ValidationError{
			Field:  "timestamp",
			Reason: fmt.Sprintf("more than %s in the future", b.clockSkew),
		}
	}
	return nil
}

// Enqueue validates the sample and appends it in the pending state. A client id
// that is already buffered is accepted without changes, since samples are immutable.
func (b *Buffer) Enqueue(ctx context.Context, sample models.LocationSample) error {
	if err := b.Validate(sample); err != nil {
		return err
	}
	if sample.SchemaVersion == "" {
		sample.SchemaVersion = constants.SchemaVersion
	}

	var speed sql.NullFloat64
	if sample.Speed != nil {
		speed = sql.NullFloat64{Float64: *sample.Speed, Valid: true}
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	res, err := b.db.ExecContext(ctx, `
		INSERT INTO samples (client_id, device_id, ts_ns, monotonic_ns, latitude, longitude, accuracy, speed,
			schema_version, state, retry_count, last_error, updated_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, '', ?)
		ON CONFLICT(client_id) DO NOTHING`,
		sample.ClientID, sample.DeviceID, sample.Timestamp.UnixNano(), sample.MonotonicNanos,
		sample.Latitude, sample.Longitude, sample.Accuracy, speed, sample.SchemaVersion,
		constants.SyncStatePending, b.now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to buffer sample %s: %w", sample.ClientID, err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		b.logger.Debug().Str("client_id", sample.ClientID).Msg("Sample already buffered, ignoring duplicate")
	}
	return nil
}

// PeekBatch returns up to maxSize pending or failed samples in insertion order.
// Nothing is removed; samples leave the view only through Acknowledge.
func (b *Buffer) PeekBatch(ctx context.Context, maxSize int) ([]models.BufferedSample, error) {
	return b.peekAfter(ctx, 0, maxSize)
}

// Batches returns a lazy view over all pending or failed samples, maxSize at a time.
// Each iteration starts again from the oldest sample.
func (b *Buffer) Batches(ctx context.Context, maxSize int) iter.Seq2[[]models.BufferedSample, error] {
	return func(yield func([]models.BufferedSample, error) bool) {
		var after int64
		for {
			batch, err := b.peekAfter(ctx, after, maxSize)
			if err != nil {
				yield(nil, err)
				return
			}
			if len(batch) == 0 {
				return
			}
			if !yield(batch, nil) {
				return
			}
			after = batch[len(batch)-1].Seq
		}
	}
}

func (b *Buffer) peekAfter(ctx context.Context, afterSeq int64, maxSize int) ([]models.BufferedSample, error) {
	if maxSize <= 0 {
		return nil, nil
	}

	rows, err := b.rdb.QueryContext(ctx, `SELECT `+sampleColumns+` FROM samples
		WHERE state IN (?, ?) AND seq > ?
		ORDER BY seq
		LIMIT ?`,
		constants.SyncStatePending, constants.SyncStateFailed, afterSeq, maxSize)
	if err != nil {
		return nil, fmt.Errorf("failed to read pending samples: %w", err)
	}
	defer rows.Close()

	batch := make([]models.BufferedSample, 0, maxSize)
	for rows.Next() {
		s, err := scanBuffered(rows)
		if err != nil {
			return nil, err
		}
		batch = append(batch, s)
	}
	return batch, rows.Err()
}

// Get returns the buffered sample with the given client id.
func (b *Buffer) Get(ctx context.Context, clientID string) (models.BufferedSample, error) {
	row := b.rdb.QueryRowContext(ctx, `SELECT `+sampleColumns+` FROM samples WHERE client_id = ?`, clientID)
	s, err := scanBuffered(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.BufferedSample{}, fmt.Errorf("%w: %s", models.ErrSampleNotFound, clientID)
	}
	return s, err
}

// Acknowledge moves the sample to newState. Transitions that would move a sample
// backwards fail with models.ErrInvalidTransition; repeating a terminal state is a no-op.
// Moving to failed because of a *models.TransientSyncError counts as one retry.
func (b *Buffer) Acknowledge(ctx context.Context, clientID, newState string, cause error) error {
	if !models.IsValidState(newState) {
		return fmt.Errorf("unknown sync state %q", newState)
	}

	unlock := b.lockID(clientID)
	defer unlock()

	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transition: %w", err)
	}
	defer tx.Rollback()

	var current, lastError string
	err = tx.QueryRowContext(ctx, `SELECT state, last_error FROM samples WHERE client_id = ?`, clientID).Scan(&current, &lastError)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", models.ErrSampleNotFound, clientID)
	}
	if err != nil {
		return fmt.Errorf("failed to read sample state: %w", err)
	}

	if current == newState && models.IsTerminal(current) {
		return nil
	}
	if !models.CanTransition(current, newState) {
		return fmt.Errorf("%w: %s -> %s for %s", models.ErrInvalidTransition, current, newState, clientID)
	}

	retries := 0
	switch newState {
	case constants.SyncStateFailed:
		var transient *models.TransientSyncError
		if errors.As(cause, &transient) {
			retries = 1
		}
		if cause != nil {
			lastError = cause.Error()
		}
	case constants.SyncStateRejected:
		if cause != nil {
			lastError = cause.Error()
		}
	case constants.SyncStateConfirmed:
		lastError = ""
	}

	_, err = tx.ExecContext(ctx, `UPDATE samples
		SET state = ?, retry_count = retry_count + ?, last_error = ?, updated_ns = ?
		WHERE client_id = ?`,
		newState, retries, lastError, b.now().UnixNano(), clientID)
	if err != nil {
		return fmt.Errorf("failed to update sample state: %w", err)
	}
	return tx.Commit()
}

// RecoverInFlight returns samples left in flight by an interrupted process to the
// failed state so they are retried. Their retry count is unchanged.
func (b *Buffer) RecoverInFlight(ctx context.Context) (int64, error) {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	res, err := b.db.ExecContext(ctx, `UPDATE samples SET state = ?, last_error = ?, updated_ns = ? WHERE state = ?`,
		constants.SyncStateFailed, "upload interrupted", b.now().UnixNano(), constants.SyncStateInFlight)
	if err != nil {
		return 0, fmt.Errorf("failed to recover in-flight samples: %w", err)
	}
	return res.RowsAffected()
}

// Stats returns the number of samples per sync state.
func (b *Buffer) Stats(ctx context.Context) (models.BufferStats, error) {
	rows, err := b.rdb.QueryContext(ctx, `SELECT state, COUNT(*) FROM samples GROUP BY state`)
	if err != nil {
		return models.BufferStats{}, fmt.Errorf("failed to count samples: %w", err)
	}
	defer rows.Close()

	var stats models.BufferStats
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return models.BufferStats{}, err
		}
		switch state {
		case constants.SyncStatePending:
			stats.Pending = count
		case constants.SyncStateInFlight:
			stats.InFlight = count
		case constants.SyncStateConfirmed:
			stats.Confirmed = count
		case constants.SyncStateFailed:
			stats.Failed = count
		case constants.SyncStateRejected:
			stats.Rejected = count
		}
	}
	return stats, rows.Err()
}

func (b *Buffer) lockID(clientID string) func() {
	l := b.locks.Upsert(clientID, nil, func(exist bool, current, _ *idLock) *idLock {
		if !exist || current == nil {
			current = &idLock{}
		}
		current.refs++
		return current
	})
	l.mu.Lock()

	return func() {
		l.mu.Unlock()
		b.locks.RemoveCb(clientID, func(_ string, v *idLock, exists bool) bool {
			if !exists {
				return false
			}
			v.refs--
			return v.refs == 0
		})
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBuffered(row rowScanner) (models.BufferedSample, error) {
	var (
		s         models.BufferedSample
		tsNs      int64
		updatedNs int64
		speed     sql.NullFloat64
	)
	err := row.Scan(&s.Seq, &s.ClientID, &s.DeviceID, &tsNs, &s.MonotonicNanos, &s.Latitude, &s.Longitude,
		&s.Accuracy, &speed, &s.SchemaVersion, &s.State, &s.RetryCount, &s.LastError, &updatedNs)
	if err != nil {
		return models.BufferedSample{}, err
	}
	s.Timestamp = time.Unix(0, tsNs).UTC()
	s.UpdatedAt = time.Unix(0, updatedNs).UTC()
	if speed.Valid {
		v := speed.Float64
		s.Speed = &v
	}
	return s, nil
}
