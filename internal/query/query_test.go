package query

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benmeehan/location-agent/internal/aggregator"
	"github.com/benmeehan/location-agent/internal/buffer"
	"github.com/benmeehan/location-agent/internal/constants"
	"github.com/benmeehan/location-agent/internal/models"
)

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, cacheSize int) (*Service, *buffer.Buffer) {
	t.Helper()
	buf, err := buffer.Open(filepath.Join(t.TempDir(), "buffer.db"), constants.DefaultClockSkew, zerolog.Nop())
	require.NoError(t, err)
	buf.SetClock(func() time.Time { return t0.Add(2 * time.Hour) })
	t.Cleanup(func() { buf.Close() })

	svc, err := NewService(buf, aggregator.Calculator{BreakThreshold: 5 * time.Minute},
		[]time.Duration{time.Minute}, cacheSize, 1000, zerolog.Nop())
	require.NoError(t, err)
	return svc, buf
}

func confirmSample(t *testing.T, buf *buffer.Buffer, id string, offset time.Duration, lat float64) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, buf.Enqueue(ctx, models.LocationSample{
		ClientID:  id,
		DeviceID:  "dev-1",
		Timestamp: t0.Add(offset),
		Latitude:  lat,
		Longitude: -71.0,
		Accuracy:  5,
	}))
	require.NoError(t, buf.Acknowledge(ctx, id, constants.SyncStateInFlight, nil))
	require.NoError(t, buf.Acknowledge(ctx, id, constants.SyncStateConfirmed, nil))
}

func TestQuery_Validation(t *testing.T) {
	svc, _ := newTestService(t, 10)
	ctx := context.Background()

	cases := map[string]struct {
		start, end time.Time
		resolution time.Duration
	}{
		"end before start":    {t0, t0.Add(-time.Minute), time.Minute},
		"empty range":         {t0, t0, time.Minute},
		"sub-second":          {t0, t0.Add(time.Minute), 500 * time.Millisecond},
		"too many windows":    {t0, t0.Add(48 * time.Hour), time.Second},
		"negative resolution": {t0, t0.Add(time.Minute), -time.Minute},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := svc.Query(ctx, tc.start, tc.end, tc.resolution)
			var verr *models.ValidationError
			assert.True(t, errors.As(err, &verr), "expected validation error, got %v", err)
		})
	}
}

func TestQuery_EmptyRange(t *testing.T) {
	svc, _ := newTestService(t, 10)

	windows, err := svc.Query(context.Background(), t0, t0.Add(time.Hour), 5*time.Minute)
	require.NoError(t, err)
	assert.NotNil(t, windows)
	assert.Empty(t, windows)
}

func TestQuery_AdHocResolution(t *testing.T) {
	svc, buf := newTestService(t, 10)
	confirmSample(t, buf, "a", 0, 42.0)
	confirmSample(t, buf, "b", 30*time.Second, 42.001)

	windows, err := svc.Query(context.Background(), t0, t0.Add(time.Hour), 5*time.Minute)
	require.NoError(t, err)
	require.Len(t, windows, 1)
	assert.Equal(t, t0, windows[0].WindowStart)
	assert.Equal(t, 2, windows[0].SampleCount)
	assert.InDelta(t, 111.19, windows[0].TotalDistance, 0.01)
}

func TestQuery_UnalignedBoundsWidenToWindows(t *testing.T) {
	svc, buf := newTestService(t, 10)
	confirmSample(t, buf, "a", 0, 42.0)
	confirmSample(t, buf, "b", 30*time.Second, 42.001)

	windows, err := svc.Query(context.Background(), t0.Add(2*time.Minute), t0.Add(3*time.Minute), 5*time.Minute)
	require.NoError(t, err)
	require.Len(t, windows, 1)
	assert.Equal(t, 2, windows[0].SampleCount)
}

func TestQuery_PreAggregatedStore(t *testing.T) {
	svc, buf := newTestService(t, 10)
	ctx := context.Background()

	stored := models.AggregateWindow{
		WindowStart: t0,
		WindowEnd:   t0.Add(time.Minute),
		Resolution:  time.Minute,
		SampleCount: 7,
	}
	require.NoError(t, buf.ReplaceWindows(ctx, time.Minute, t0, t0.Add(time.Minute), []models.AggregateWindow{stored}))

	windows, err := svc.Query(ctx, t0, t0.Add(time.Minute), time.Minute)
	require.NoError(t, err)
	require.Len(t, windows, 1)
	assert.Equal(t, 7, windows[0].SampleCount)
}

func TestQuery_CacheAndInvalidate(t *testing.T) {
	svc, buf := newTestService(t, 10)
	ctx := context.Background()
	confirmSample(t, buf, "a", 0, 42.0)
	confirmSample(t, buf, "b", 30*time.Second, 42.001)

	windows, err := svc.Query(ctx, t0, t0.Add(5*time.Minute), 5*time.Minute)
	require.NoError(t, err)
	require.Len(t, windows, 1)
	assert.Equal(t, 1, svc.CachedWindows())

	confirmSample(t, buf, "c", 60*time.Second, 42.002)

	windows, err = svc.Query(ctx, t0, t0.Add(5*time.Minute), 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, windows[0].SampleCount, "served from cache")

	svc.Invalidate(models.TimeRange{From: t0.Add(time.Minute), To: t0.Add(time.Minute + time.Second)})
	assert.Zero(t, svc.CachedWindows())

	windows, err = svc.Query(ctx, t0, t0.Add(5*time.Minute), 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 3, windows[0].SampleCount)
}

func TestQuery_InvalidateKeepsOtherWindows(t *testing.T) {
	svc, _ := newTestService(t, 10)

	_, err := svc.Query(context.Background(), t0, t0.Add(15*time.Minute), 5*time.Minute)
	require.NoError(t, err)
	require.Equal(t, 3, svc.CachedWindows())

	svc.Invalidate(models.TimeRange{From: t0.Add(6 * time.Minute), To: t0.Add(7 * time.Minute)})
	assert.Equal(t, 2, svc.CachedWindows())
}

func TestQuery_CacheIsBounded(t *testing.T) {
	svc, _ := newTestService(t, 2)

	_, err := svc.Query(context.Background(), t0, t0.Add(10*time.Minute), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, svc.CachedWindows())
}

func TestQuery_PurgedRangeUnavailable(t *testing.T) {
	svc, buf := newTestService(t, 10)
	ctx := context.Background()
	confirmSample(t, buf, "a", 0, 42.0)
	confirmSample(t, buf, "b", 30*time.Second, 42.001)
	confirmSample(t, buf, "c", 90*time.Minute, 42.002)

	n, err := buf.Purge(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	_, err = svc.Query(ctx, t0, t0.Add(10*time.Minute), 5*time.Minute)
	assert.ErrorIs(t, err, models.ErrRangeUnavailable)
	var rerr *models.RangeUnavailableError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, t0, rerr.From)

	windows, err := svc.Query(ctx, t0.Add(time.Hour), t0.Add(2*time.Hour), time.Hour)
	require.NoError(t, err)
	require.Len(t, windows, 1)
	assert.Equal(t, 1, windows[0].SampleCount)
}

func TestQuery_ConcurrentQueriesDoNotBlockIngestion(t *testing.T) {
	svc, buf := newTestService(t, 1)
	for i := 0; i < 10; i++ {
		confirmSample(t, buf, fmt.Sprintf("s%d", i), time.Duration(i)*time.Minute, 42.0+float64(i)*0.001)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Query(context.Background(), t0, t0.Add(time.Hour), time.Minute)
			errs <- err
		}()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, buf.Enqueue(ctx, models.LocationSample{
		ClientID:  "new",
		DeviceID:  "dev-1",
		Timestamp: t0.Add(time.Hour),
		Latitude:  42.0,
		Longitude: -71.0,
	}))

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("queries did not finish")
	}
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
}
