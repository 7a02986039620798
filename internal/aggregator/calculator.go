package aggregator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/benmeehan/location-agent/internal/models"
)

// Reader is the view of confirmed samples the calculator works on.
type Reader interface {
	ConfirmedRange(ctx context.Context, from, to time.Time) ([]models.LocationSample, error)
	LastConfirmedBefore(ctx context.Context, t time.Time) (models.LocationSample, bool, error)
}

// Calculator derives aggregate windows from confirmed samples. It holds no
// state, so equal inputs always produce identical windows.
type Calculator struct {
	// BreakThreshold is the largest gap between consecutive samples that still
	// counts as continuous movement.
	BreakThreshold time.Duration
}

type accumulator struct {
	count    int
	distance float64
	moving   time.Duration
	maxSpeed float64
}

// Windows computes the non-empty windows of the given resolution covering [from, to).
// from and to are widened to window boundaries.
func (c Calculator) Windows(ctx context.Context, r Reader, from, to time.Time, resolution time.Duration) ([]models.AggregateWindow, error) {
	if resolution <= 0 {
		return nil, fmt.Errorf("resolution must be positive, got %s", resolution)
	}
	start := AlignWindow(from, resolution)
	end := AlignWindowEnd(to, resolution)
	if !end.After(start) {
		return []models.AggregateWindow{}, nil
	}

	samples, err := r.ConfirmedRange(ctx, start, end)
	if err != nil {
		return nil, err
	}
	if len(samples) == 0 {
		return []models.AggregateWindow{}, nil
	}
	sort.SliceStable(samples, func(i, j int) bool { return samples[i].Before(samples[j]) })

	prev, hasPrev, err := r.LastConfirmedBefore(ctx, start)
	if err != nil {
		return nil, err
	}

	accs := make(map[int64]*accumulator)
	var order []int64
	for _, cur := range samples {
		key := AlignWindow(cur.Timestamp, resolution).UnixNano()
		acc, ok := accs[key]
		if !ok {
			acc = &accumulator{}
			accs[key] = acc
			order = append(order, key)
		}
		acc.count++

		if hasPrev {
			c.addSegment(acc, prev, cur)
		}
		if cur.Speed != nil && *cur.Speed > acc.maxSpeed {
			acc.maxSpeed = *cur.Speed
		}
		prev, hasPrev = cur, true
	}

	windows := make([]models.AggregateWindow, 0, len(order))
	for _, key := range order {
		acc := accs[key]
		ws := time.Unix(0, key).UTC()
		w := models.AggregateWindow{
			WindowStart:    ws,
			WindowEnd:      ws.Add(resolution),
			Resolution:     resolution,
			SampleCount:    acc.count,
			TotalDistance:  acc.distance,
			MovingDuration: acc.moving,
			MaxSpeed:       acc.maxSpeed,
		}
		if acc.moving > 0 {
			w.AvgSpeed = acc.distance / acc.moving.Seconds()
		}
		windows = append(windows, w)
	}
	return windows, nil
}

// addSegment credits the movement between prev and cur to the window of cur.
// Gaps longer than the break threshold are not movement.
func (c Calculator) addSegment(acc *accumulator, prev, cur models.LocationSample) {
	gap := cur.Timestamp.Sub(prev.Timestamp)
	if gap < 0 || gap > c.BreakThreshold {
		return
	}
	d := Haversine(prev, cur)
	acc.distance += d
	acc.moving += gap

	if cur.Speed == nil && gap > 0 {
		if derived := d / gap.Seconds(); derived > acc.maxSpeed {
			acc.maxSpeed = derived
		}
	}
}

// Window computes the single window of the given resolution that contains t.
// The returned window is empty when no confirmed sample falls into it.
func (c Calculator) Window(ctx context.Context, r Reader, t time.Time, resolution time.Duration) (models.AggregateWindow, error) {
	start := AlignWindow(t, resolution)
	windows, err := c.Windows(ctx, r, start, start.Add(resolution), resolution)
	if err != nil {
		return models.AggregateWindow{}, err
	}
	if len(windows) == 1 {
		return windows[0], nil
	}
	return models.AggregateWindow{
		WindowStart: start,
		WindowEnd:   start.Add(resolution),
		Resolution:  resolution,
	}, nil
}
