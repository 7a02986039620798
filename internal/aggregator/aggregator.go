package aggregator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/benmeehan/location-agent/internal/buffer"
	"github.com/benmeehan/location-agent/internal/models"
)

const (
	retryDelay = 5 * time.Second
	// watermarkSlack covers confirmations whose notification is still in flight.
	watermarkSlack = time.Minute
)

// InvalidateFunc is called with every time range whose windows were recomputed.
type InvalidateFunc func(models.TimeRange)

// Aggregator keeps the pre-aggregated windows of the configured resolutions
// current as samples get confirmed. Recomputation runs on its own goroutine,
// so Notify never blocks the caller.
type Aggregator struct {
	buffer      *buffer.Buffer
	calc        Calculator
	resolutions []time.Duration
	logger      zerolog.Logger

	mu      sync.Mutex
	pending *models.TimeRange
	hooks   []InvalidateFunc
	signal  chan struct{}

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// New creates an Aggregator over the confirmed samples of buf.
func New(buf *buffer.Buffer, resolutions []time.Duration, breakThreshold time.Duration, logger zerolog.Logger) *Aggregator {
	return &Aggregator{
		buffer:      buf,
		calc:        Calculator{BreakThreshold: breakThreshold},
		resolutions: resolutions,
		logger:      logger,
		signal:      make(chan struct{}, 1),
	}
}

// Calculator returns the calculator used for recomputation.
func (a *Aggregator) Calculator() Calculator {
	return a.calc
}

// Resolutions returns the pre-aggregated resolutions.
func (a *Aggregator) Resolutions() []time.Duration {
	return a.resolutions
}

// OnInvalidate registers fn to be called after windows are recomputed.
func (a *Aggregator) OnInvalidate(fn InvalidateFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.hooks = append(a.hooks, fn)
}

// Notify records that samples in r were confirmed. Overlapping notifications
// are merged into a single recomputation.
func (a *Aggregator) Notify(r models.TimeRange) {
	a.mu.Lock()
	if a.pending == nil {
		a.pending = &r
	} else {
		merged := mergeRanges(*a.pending, r)
		a.pending = &merged
	}
	a.mu.Unlock()

	select {
	case a.signal <- struct{}{}:
	default:
	}
}

// Recompute rebuilds the stored windows affected by confirmations in [from, to).
// A sample influences the window of the next sample as long as the gap stays
// within the break threshold, so the span is widened by that threshold.
func (a *Aggregator) Recompute(ctx context.Context, from, to time.Time) error {
	type pass struct {
		resolution time.Duration
		start, end time.Time
		windows    []models.AggregateWindow
	}

	// Windows are computed inside the snapshot and stored after it is closed,
	// so a recompute never holds a reader while waiting for the writer.
	snap, err := a.buffer.Snapshot(ctx)
	if err != nil {
		return err
	}
	passes := make([]pass, 0, len(a.resolutions))
	for _, res := range a.resolutions {
		start := AlignWindow(from, res)
		end := AlignWindow(to.Add(a.calc.BreakThreshold), res).Add(res)

		windows, err := a.calc.Windows(ctx, snap, start, end, res)
		if err != nil {
			snap.Close()
			return err
		}
		passes = append(passes, pass{resolution: res, start: start, end: end, windows: windows})
	}
	if err := snap.Close(); err != nil {
		return err
	}

	affected := models.TimeRange{From: from, To: to}
	for _, p := range passes {
		if err := a.buffer.ReplaceWindows(ctx, p.resolution, p.start, p.end, p.windows); err != nil {
			return err
		}
		affected = mergeRanges(affected, models.TimeRange{From: p.start, To: p.end})

		a.logger.Debug().
			Dur("resolution", p.resolution).
			Time("from", p.start).
			Time("to", p.end).
			Int("windows", len(p.windows)).
			Msg("Recomputed aggregate windows")
	}

	a.mu.Lock()
	hooks := append([]InvalidateFunc(nil), a.hooks...)
	a.mu.Unlock()
	for _, fn := range hooks {
		fn(affected)
	}
	return nil
}

// CatchUp recomputes windows for every confirmation newer than the stored
// watermark. It repairs windows left stale by an unclean shutdown.
func (a *Aggregator) CatchUp(ctx context.Context) error {
	mark, err := a.buffer.AggregationWatermark(ctx)
	if err != nil {
		return err
	}
	startedAt := a.buffer.Now().Add(-watermarkSlack)

	span, ok, err := a.buffer.ConfirmedSince(ctx, mark)
	if err != nil {
		return err
	}
	if ok {
		if err := a.Recompute(ctx, span.From, span.To); err != nil {
			return err
		}
	}
	return a.buffer.SetAggregationWatermark(ctx, startedAt)
}

// Start launches the recomputation loop.
func (a *Aggregator) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		a.logger.Warn().Msg("Aggregator is already running")
		return errors.New("aggregator is already running")
	}

	a.ctx, a.cancel = context.WithCancel(context.Background())
	a.running = true

	a.wg.Add(1)
	go a.loop()

	a.logger.Info().
		Interface("resolutions", a.resolutions).
		Dur("break_threshold", a.calc.BreakThreshold).
		Msg("Aggregator started")
	return nil
}

// Stop ends the loop. Pending ranges are picked up by CatchUp on the next start.
func (a *Aggregator) Stop() error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		a.logger.Warn().Msg("Aggregator is not running")
		return errors.New("aggregator is not running")
	}
	a.running = false
	a.mu.Unlock()

	a.cancel()
	a.wg.Wait()
	a.logger.Info().Msg("Aggregator stopped")
	return nil
}

func (a *Aggregator) loop() {
	defer a.wg.Done()

	if err := a.CatchUp(a.ctx); err != nil && a.ctx.Err() == nil {
		a.logger.Error().Err(err).Msg("Failed to catch up aggregate windows")
	}

	retry := time.NewTimer(retryDelay)
	retry.Stop()
	defer retry.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-a.signal:
		case <-retry.C:
		}

		if err := a.drain(); err != nil {
			if a.ctx.Err() != nil {
				return
			}
			a.logger.Error().Err(err).Msg("Failed to recompute aggregate windows, will retry")
			retry.Reset(retryDelay)
		}
	}
}

// drain recomputes the pending range. On failure the range is put back.
// The watermark only advances when nothing arrived in the meantime.
func (a *Aggregator) drain() error {
	startedAt := a.buffer.Now().Add(-watermarkSlack)

	a.mu.Lock()
	r := a.pending
	a.pending = nil
	a.mu.Unlock()
	if r == nil {
		return nil
	}

	if err := a.Recompute(a.ctx, r.From, r.To); err != nil {
		a.mu.Lock()
		if a.pending == nil {
			a.pending = r
		} else {
			merged := mergeRanges(*a.pending, *r)
			a.pending = &merged
		}
		a.mu.Unlock()
		return err
	}

	a.mu.Lock()
	idle := a.pending == nil
	a.mu.Unlock()
	if idle {
		return a.buffer.SetAggregationWatermark(a.ctx, startedAt)
	}
	return nil
}

func mergeRanges(a, b models.TimeRange) models.TimeRange {
	out := a
	if b.From.Before(out.From) {
		out.From = b.From
	}
	if b.To.After(out.To) {
		out.To = b.To
	}
	return out
}
