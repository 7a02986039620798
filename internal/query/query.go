package query

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/benmeehan/location-agent/internal/aggregator"
	"github.com/benmeehan/location-agent/internal/buffer"
	"github.com/benmeehan/location-agent/internal/models"
	"github.com/benmeehan/location-agent/internal/utils"
)

type cacheKey struct {
	resolution time.Duration
	start      int64
}

// Service answers aggregate queries. Windows come from the cache, then from
// the pre-aggregated store, and are otherwise computed from confirmed samples.
type Service struct {
	buffer        *buffer.Buffer
	calc          aggregator.Calculator
	preAggregated map[time.Duration]struct{}
	maxWindows    int
	cache         *lru.Cache[cacheKey, models.AggregateWindow]
	logger        zerolog.Logger

	// generation counts invalidations. Windows computed from a view older
	// than the latest invalidation are served but not cached.
	mu         sync.Mutex
	generation uint64
}

// NewService creates a query service. cacheSize bounds the number of cached windows.
func NewService(buf *buffer.Buffer, calc aggregator.Calculator, preAggregated []time.Duration,
	cacheSize, maxWindows int, logger zerolog.Logger) (*Service, error) {
	cache, err := lru.New[cacheKey, models.AggregateWindow](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create window cache: %w", err)
	}
	return &Service{
		buffer:        buf,
		calc:          calc,
		preAggregated: utils.SliceToSet(preAggregated),
		maxWindows:    maxWindows,
		cache:         cache,
		logger:        logger,
	}, nil
}

// Validate checks query parameters and returns the aligned window span.
func (s *Service) Validate(start, end time.Time, resolution time.Duration) (time.Time, time.Time, error) {
	if resolution < time.Second {
		return time.Time{}, time.Time{}, &models.ValidationError{Field: "resolution", Reason: "must be at least one second"}
	}
	if !end.After(start) {
		return time.Time{}, time.Time{}, &models.ValidationError{Field: "end", Reason: "must be after start"}
	}
	from := aggregator.AlignWindow(start, resolution)
	to := aggregator.AlignWindowEnd(end, resolution)
	if n := int64(to.Sub(from) / resolution); s.maxWindows > 0 && n > int64(s.maxWindows) {
		return time.Time{}, time.Time{}, &models.ValidationError{
			Field:  "resolution",
			Reason: fmt.Sprintf("range spans %d windows, limit is %d", n, s.maxWindows),
		}
	}
	return from, to, nil
}

// Query returns the non-empty windows of the given resolution overlapping [start, end),
// ordered by window start. A span without confirmed samples yields an empty slice.
// Spans touching purged data fail with *models.RangeUnavailableError.
func (s *Service) Query(ctx context.Context, start, end time.Time, resolution time.Duration) ([]models.AggregateWindow, error) {
	from, to, err := s.Validate(start, end, resolution)
	if err != nil {
		return nil, err
	}

	gen := s.currentGeneration()
	snap, err := s.buffer.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	defer snap.Close()

	purged, ok, err := snap.PurgedOverlap(ctx, from, to)
	if err != nil {
		return nil, err
	}
	if ok {
		return nil, &models.RangeUnavailableError{From: purged.From, To: purged.To}
	}

	resolved := make(map[int64]models.AggregateWindow)
	var missing []time.Time
	for ws := from; ws.Before(to); ws = ws.Add(resolution) {
		if w, ok := s.cache.Get(cacheKey{resolution, ws.UnixNano()}); ok {
			resolved[ws.UnixNano()] = w
			continue
		}
		missing = append(missing, ws)
	}

	if len(missing) > 0 {
		if _, ok := s.preAggregated[resolution]; ok {
			missing, err = s.fromStore(ctx, gen, snap, resolution, missing, resolved)
			if err != nil {
				return nil, err
			}
		}
	}
	if len(missing) > 0 {
		if err := s.compute(ctx, gen, snap, resolution, missing, resolved); err != nil {
			return nil, err
		}
	}

	windows := make([]models.AggregateWindow, 0, len(resolved))
	for ws := from; ws.Before(to); ws = ws.Add(resolution) {
		if w, ok := resolved[ws.UnixNano()]; ok && !w.Empty() {
			windows = append(windows, w)
		}
	}

	s.logger.Debug().
		Time("from", from).
		Time("to", to).
		Dur("resolution", resolution).
		Int("windows", len(windows)).
		Msg("Aggregate query served")
	return windows, nil
}

// fromStore resolves missing windows from the pre-aggregated store and returns
// the ones it could not find.
func (s *Service) fromStore(ctx context.Context, gen uint64, snap *buffer.Snapshot, resolution time.Duration, missing []time.Time,
	resolved map[int64]models.AggregateWindow) ([]time.Time, error) {
	stored, err := snap.LoadWindows(ctx, resolution, missing[0], missing[len(missing)-1].Add(resolution))
	if err != nil {
		return nil, err
	}
	byStart := make(map[int64]models.AggregateWindow, len(stored))
	for _, w := range stored {
		byStart[w.WindowStart.UnixNano()] = w
	}

	remaining := missing[:0]
	for _, ws := range missing {
		w, ok := byStart[ws.UnixNano()]
		if !ok {
			remaining = append(remaining, ws)
			continue
		}
		resolved[ws.UnixNano()] = w
		s.remember(gen, cacheKey{resolution, ws.UnixNano()}, w)
	}
	return remaining, nil
}

// compute derives missing windows from confirmed samples. Empty windows are
// cached as well so repeated queries over idle spans stay cheap.
func (s *Service) compute(ctx context.Context, gen uint64, r aggregator.Reader, resolution time.Duration, missing []time.Time,
	resolved map[int64]models.AggregateWindow) error {
	windows, err := s.calc.Windows(ctx, r, missing[0], missing[len(missing)-1].Add(resolution), resolution)
	if err != nil {
		return err
	}
	byStart := make(map[int64]models.AggregateWindow, len(windows))
	for _, w := range windows {
		byStart[w.WindowStart.UnixNano()] = w
	}

	for _, ws := range missing {
		w, ok := byStart[ws.UnixNano()]
		if !ok {
			w = models.AggregateWindow{WindowStart: ws, WindowEnd: ws.Add(resolution), Resolution: resolution}
		}
		resolved[ws.UnixNano()] = w
		s.remember(gen, cacheKey{resolution, ws.UnixNano()}, w)
	}
	return nil
}

func (s *Service) currentGeneration() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

func (s *Service) remember(gen uint64, key cacheKey, w models.AggregateWindow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen == s.generation {
		s.cache.Add(key, w)
	}
}

// Invalidate drops cached windows overlapping r.
func (s *Service) Invalidate(r models.TimeRange) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generation++

	dropped := 0
	for _, key := range s.cache.Keys() {
		window := models.TimeRange{From: time.Unix(0, key.start), To: time.Unix(0, key.start).Add(key.resolution)}
		if window.Overlaps(r) {
			s.cache.Remove(key)
			dropped++
		}
	}
	if dropped > 0 {
		s.logger.Debug().Int("dropped", dropped).Time("from", r.From).Time("to", r.To).Msg("Invalidated cached windows")
	}
}

// CachedWindows returns the number of cached windows.
func (s *Service) CachedWindows() int {
	return s.cache.Len()
}
