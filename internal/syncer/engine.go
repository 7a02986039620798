// Package syncer drains the sample buffer into the remote store.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/benmeehan/location-agent/internal/buffer"
	"github.com/benmeehan/location-agent/internal/constants"
	"github.com/benmeehan/location-agent/internal/models"
	"github.com/benmeehan/location-agent/internal/utils"
	"github.com/benmeehan/location-agent/pkg/remote"
)

// Config holds the engine tunables.
type Config struct {
	DeviceID          string
	BatchSize         int
	PollInterval      time.Duration
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	Jitter            float64
	DegradedThreshold int
	Workers           int
	UploadTimeout     time.Duration
	ReconcilePageSize int
}

// BatchResult counts the outcomes of one SyncBatch call.
type BatchResult struct {
	Attempted int
	Confirmed int
	Failed    int
	Rejected  int
}

// Engine uploads buffered samples to the remote store and records the outcome
// of every upload in the buffer. A sample only becomes confirmed after the
// remote store acknowledged it.
type Engine struct {
	buffer      *buffer.Buffer
	remote      remote.Store
	cfg         Config
	backoff     Backoff
	sessionID   string
	logger      zerolog.Logger
	now         func() time.Time
	onConfirmed func(models.TimeRange)

	// stranded is set when rows could not be returned from in_flight after a
	// local failure; the next batch sweeps them first.
	stranded atomic.Bool

	statusMu sync.RWMutex
	status   models.SyncStatus

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewEngine creates a sync engine. onConfirmed, when not nil, receives the
// timestamp span of every set of newly confirmed samples.
func NewEngine(buf *buffer.Buffer, store remote.Store, cfg Config, onConfirmed func(models.TimeRange), logger zerolog.Logger) *Engine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = constants.DefaultBatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = constants.DefaultPollInterval
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = constants.DefaultBaseDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = max(constants.DefaultMaxDelay, cfg.BaseDelay)
	}
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = constants.DefaultUploadTimeout
	}
	if cfg.DegradedThreshold <= 0 {
		cfg.DegradedThreshold = constants.DefaultDegradedThreshold
	}
	if cfg.ReconcilePageSize <= 0 {
		cfg.ReconcilePageSize = cfg.BatchSize
	}
	return &Engine{
		buffer:      buf,
		remote:      store,
		cfg:         cfg,
		backoff:     Backoff{Base: cfg.BaseDelay, Max: cfg.MaxDelay, Jitter: cfg.Jitter},
		sessionID:   uuid.NewString(),
		logger:      logger.With().Str("component", "syncer").Logger(),
		now:         time.Now,
		onConfirmed: onConfirmed,
	}
}

// Status returns the current sync health.
func (e *Engine) Status() models.SyncStatus {
	e.statusMu.RLock()
	defer e.statusMu.RUnlock()
	return e.status
}

// SyncBatch uploads the oldest pending or failed samples once. Remote failures
// are recorded on the samples and reflected in the result; the returned error
// is reserved for local failures.
func (e *Engine) SyncBatch(ctx context.Context) (BatchResult, error) {
	if e.stranded.Load() {
		n, err := e.buffer.RecoverInFlight(ctx)
		if err != nil {
			return BatchResult{}, err
		}
		e.stranded.Store(false)
		e.logger.Info().Int64("samples", n).Msg("Recovered samples left in flight")
	}

	batch, err := e.buffer.PeekBatch(ctx, e.cfg.BatchSize)
	if err != nil {
		return BatchResult{}, err
	}
	if len(batch) == 0 {
		return BatchResult{}, nil
	}

	// Outcomes are recorded even when ctx was cancelled mid-batch.
	bookkeeping := context.WithoutCancel(ctx)

	flight := make([]models.BufferedSample, 0, len(batch))
	for _, s := range batch {
		if err := e.buffer.Acknowledge(ctx, s.ClientID, constants.SyncStateInFlight, nil); err != nil {
			if errors.Is(err, models.ErrInvalidTransition) {
				// Confirmed by reconciliation in the meantime.
				continue
			}
			e.release(bookkeeping, flight, err)
			return BatchResult{}, err
		}
		flight = append(flight, s)
	}

	errs := make([]error, len(flight))
	tasks := make([]func(), len(flight))
	for i, s := range flight {
		tasks[i] = func() {
			uploadCtx, cancel := context.WithTimeout(ctx, e.cfg.UploadTimeout)
			defer cancel()
			errs[i] = e.remote.Write(uploadCtx, s.LocationSample)
		}
	}
	utils.RunAll(e.cfg.Workers, tasks)

	result := BatchResult{Attempted: len(flight)}
	var (
		confirmed []models.LocationSample
		lastErr   error
	)
	for i, s := range flight {
		state, cause := e.classify(ctx, s, errs[i])
		if err := e.buffer.Acknowledge(bookkeeping, s.ClientID, state, cause); err != nil {
			e.release(bookkeeping, flight[i:], err)
			if cerr := e.commitConfirmed(bookkeeping, confirmed); cerr != nil {
				err = errors.Join(err, cerr)
			}
			return result, err
		}

		switch state {
		case constants.SyncStateConfirmed:
			result.Confirmed++
			confirmed = append(confirmed, s.LocationSample)
		case constants.SyncStateRejected:
			result.Rejected++
			e.logger.Warn().
				Err(cause).
				Str("client_id", s.ClientID).
				Str("schema_version", s.SchemaVersion).
				Msg("Remote store rejected sample")
		default:
			result.Failed++
			lastErr = cause
		}
	}

	if err := e.commitConfirmed(bookkeeping, confirmed); err != nil {
		return result, err
	}
	e.recordOutcome(result, lastErr, ctx.Err() != nil)
	return result, nil
}

// release returns samples marked in flight to failed after a local error, so
// the next batch retries them. The local error does not count as a retry.
func (e *Engine) release(ctx context.Context, samples []models.BufferedSample, cause error) {
	cause = fmt.Errorf("local bookkeeping failed: %w", cause)
	for _, s := range samples {
		err := e.buffer.Acknowledge(ctx, s.ClientID, constants.SyncStateFailed, cause)
		if err != nil && !errors.Is(err, models.ErrSampleNotFound) && !errors.Is(err, models.ErrInvalidTransition) {
			e.stranded.Store(true)
			e.logger.Error().Err(err).Str("client_id", s.ClientID).Msg("Failed to release sample")
		}
	}
}

// classify maps an upload outcome to the next sync state of the sample.
func (e *Engine) classify(ctx context.Context, s models.BufferedSample, err error) (string, error) {
	switch {
	case err == nil:
		return constants.SyncStateConfirmed, nil
	case ctx.Err() != nil:
		// Shutdown is not a remote failure and does not count as a retry.
		return constants.SyncStateFailed, ctx.Err()
	case models.IsPermanent(err):
		return constants.SyncStateRejected, err
	}
	var transient *models.TransientSyncError
	if !errors.As(err, &transient) {
		err = &models.TransientSyncError{ClientID: s.ClientID, Err: err}
	}
	return constants.SyncStateFailed, err
}

// commitConfirmed advances the device cursors past the confirmed samples and
// hands their span to the confirmation hook.
func (e *Engine) commitConfirmed(ctx context.Context, confirmed []models.LocationSample) error {
	if len(confirmed) == 0 {
		return nil
	}

	latest := make(map[string]models.LocationSample)
	span := models.TimeRange{From: confirmed[0].Timestamp, To: confirmed[0].Timestamp}
	for _, s := range confirmed {
		if cur, ok := latest[s.DeviceID]; !ok || cur.Before(s) {
			latest[s.DeviceID] = s
		}
		if s.Timestamp.Before(span.From) {
			span.From = s.Timestamp
		}
		if s.Timestamp.After(span.To) {
			span.To = s.Timestamp
		}
	}
	span.To = span.To.Add(time.Nanosecond)

	for deviceID, last := range latest {
		cursor, moved, err := e.buffer.AdvanceCursor(ctx, deviceID, e.sessionID, last)
		if err != nil {
			return err
		}
		if moved {
			e.logger.Debug().
				Str("device_id", deviceID).
				Time("last_timestamp", cursor.LastTimestamp).
				Int64("revision", cursor.Revision).
				Msg("Sync cursor advanced")
		}
	}

	if e.onConfirmed != nil {
		e.onConfirmed(span)
	}
	return nil
}

// recordOutcome updates the health counters. A batch with transient failures
// counts as failed; a batch interrupted by shutdown counts as neither.
func (e *Engine) recordOutcome(result BatchResult, lastErr error, interrupted bool) {
	e.statusMu.Lock()
	defer e.statusMu.Unlock()

	now := e.now().UTC()
	e.status.LastAttempt = now
	if interrupted {
		return
	}

	if result.Failed > 0 {
		e.status.ConsecutiveFailures++
		if lastErr != nil {
			e.status.LastError = lastErr.Error()
		}
		if !e.status.Degraded && e.status.ConsecutiveFailures >= e.cfg.DegradedThreshold {
			e.status.Degraded = true
			e.logger.Warn().
				Int("consecutive_failures", e.status.ConsecutiveFailures).
				Str("last_error", e.status.LastError).
				Msg("Sync degraded")
		}
		return
	}

	if e.status.Degraded {
		e.logger.Info().
			Int("consecutive_failures", e.status.ConsecutiveFailures).
			Msg("Sync recovered")
	}
	e.status.Degraded = false
	e.status.ConsecutiveFailures = 0
	e.status.LastError = ""
	e.status.LastSuccess = now
}

// Reconcile confirms local samples the remote store already holds, reading the
// remote from the saved cursor. It covers acknowledgements lost to a crash and
// returns the number of samples it confirmed.
func (e *Engine) Reconcile(ctx context.Context) (int, error) {
	cursor, err := e.buffer.Cursor(ctx, e.cfg.DeviceID)
	if err != nil {
		return 0, err
	}

	total := 0
	for {
		page, err := e.remote.Read(ctx, cursor, e.cfg.ReconcilePageSize)
		if err != nil {
			return total, err
		}
		if len(page) == 0 {
			return total, nil
		}

		var confirmed []models.LocationSample
		for _, s := range page {
			local, err := e.buffer.Get(ctx, s.ClientID)
			if errors.Is(err, models.ErrSampleNotFound) {
				continue
			}
			if err != nil {
				return total, err
			}
			if models.IsTerminal(local.State) {
				continue
			}
			if err := e.buffer.Acknowledge(ctx, s.ClientID, constants.SyncStateConfirmed, nil); err != nil {
				return total, err
			}
			confirmed = append(confirmed, local.LocationSample)
		}
		total += len(confirmed)

		if err := e.commitConfirmed(ctx, confirmed); err != nil {
			return total, err
		}
		last := page[len(page)-1]
		if cursor, _, err = e.buffer.AdvanceCursor(ctx, e.cfg.DeviceID, e.sessionID, last); err != nil {
			return total, err
		}
		if len(page) < e.cfg.ReconcilePageSize {
			return total, nil
		}
	}
}

// Start recovers samples left in flight, reconciles with the remote store and
// launches the upload loop.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		e.logger.Warn().Msg("Sync engine is already running")
		return errors.New("sync engine is already running")
	}

	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.running = true

	e.wg.Add(1)
	go e.run()

	e.logger.Info().
		Str("session_id", e.sessionID).
		Int("batch_size", e.cfg.BatchSize).
		Int("workers", e.cfg.Workers).
		Msg("Sync engine started")
	return nil
}

// Stop cancels in-flight uploads and waits for the loop to exit. Interrupted
// uploads leave their samples failed.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		e.logger.Warn().Msg("Sync engine is not running")
		return errors.New("sync engine is not running")
	}
	e.running = false
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
	e.logger.Info().Msg("Sync engine stopped")
	return nil
}

func (e *Engine) run() {
	defer e.wg.Done()

	if n, err := e.buffer.RecoverInFlight(e.ctx); err != nil {
		e.logger.Error().Err(err).Msg("Failed to recover in-flight samples")
	} else if n > 0 {
		e.logger.Info().Int64("samples", n).Msg("Recovered samples left in flight")
	}

	if n, err := e.Reconcile(e.ctx); err != nil {
		if e.ctx.Err() != nil {
			return
		}
		e.logger.Warn().Err(err).Msg("Reconciliation with remote store failed, continuing with uploads")
	} else if n > 0 {
		e.logger.Info().Int("samples", n).Msg("Confirmed samples already held by the remote store")
	}

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-timer.C:
		}

		result, err := e.SyncBatch(e.ctx)
		timer.Reset(e.nextWait(result, err))
	}
}

// nextWait decides how long the loop sleeps after a batch.
func (e *Engine) nextWait(result BatchResult, err error) time.Duration {
	switch {
	case err != nil:
		if e.ctx.Err() == nil {
			e.logger.Error().Err(err).Msg("Sync batch failed")
		}
		return e.cfg.PollInterval
	case result.Failed > 0:
		delay := e.backoff.Delay(e.Status().ConsecutiveFailures)
		e.logger.Warn().
			Int("failed", result.Failed).
			Int("confirmed", result.Confirmed).
			Dur("retry_in", delay).
			Msg("Sync batch had transient failures, backing off")
		return delay
	case result.Attempted >= e.cfg.BatchSize:
		return 0
	default:
		if result.Attempted > 0 {
			e.logger.Debug().
				Int("confirmed", result.Confirmed).
				Int("rejected", result.Rejected).
				Msg("Sync batch completed")
		}
		return e.cfg.PollInterval
	}
}
