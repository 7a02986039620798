package buffer

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benmeehan/location-agent/internal/constants"
	"github.com/benmeehan/location-agent/internal/models"
)

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func openTestBuffer(t *testing.T, path string) *Buffer {
	t.Helper()
	if path == "" {
		path = filepath.Join(t.TempDir(), "buffer.db")
	}
	b, err := Open(path, constants.DefaultClockSkew, zerolog.Nop())
	require.NoError(t, err)
	b.SetClock(func() time.Time { return now })
	t.Cleanup(func() { b.Close() })
	return b
}

func newSample(id string, offset time.Duration) models.LocationSample {
	return models.LocationSample{
		ClientID:  id,
		DeviceID:  "dev-1",
		Timestamp: now.Add(-time.Hour).Add(offset),
		Latitude:  42.0,
		Longitude: -71.0,
		Accuracy:  5,
	}
}

func TestEnqueue_Validation(t *testing.T) {
	b := openTestBuffer(t, "")
	ctx := context.Background()
	negative := -1.0

	cases := map[string]func(s *models.LocationSample){
		"latitude":  func(s *models.LocationSample) { s.Latitude = 90.5 },
		"longitude": func(s *models.LocationSample) { s.Longitude = -180.1 },
		"nan":       func(s *models.LocationSample) { s.Latitude = math.NaN() },
		"accuracy":  func(s *models.LocationSample) { s.Accuracy = -1 },
		"speed":     func(s *models.LocationSample) { s.Speed = &negative },
		"client id": func(s *models.LocationSample) { s.ClientID = "" },
		"zero time": func(s *models.LocationSample) { s.Timestamp = time.Time{} },
		"future":    func(s *models.LocationSample) { s.Timestamp = now.Add(6 * time.Second) },
		"ancient":   func(s *models.LocationSample) { s.Timestamp = time.Date(1999, 1, 1, 0, 0, 0, 0, time.UTC) },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			s := newSample("bad-"+name, 0)
			mutate(&s)
			err := b.Enqueue(ctx, s)
			var verr *models.ValidationError
			assert.ErrorAs(t, err, &verr)
		})
	}

	stats, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.BufferStats{}, stats, "invalid samples are never buffered")

	withinSkew := newSample("skew", 0)
	withinSkew.Timestamp = now.Add(4 * time.Second)
	assert.NoError(t, b.Enqueue(ctx, withinSkew))
}

func TestEnqueue_DurableAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "buffer.db")
	ctx := context.Background()
	speed := 1.25

	first, err := Open(path, 0, zerolog.Nop())
	require.NoError(t, err)
	first.SetClock(func() time.Time { return now })
	s := newSample("a", 0)
	s.Speed = &speed
	require.NoError(t, first.Enqueue(ctx, s))
	require.NoError(t, first.Close())

	second := openTestBuffer(t, path)
	got, err := second.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, constants.SyncStatePending, got.State)
	assert.Equal(t, s.Timestamp, got.Timestamp)
	assert.Equal(t, constants.SchemaVersion, got.SchemaVersion)
	require.NotNil(t, got.Speed)
	assert.Equal(t, speed, *got.Speed)
}

func TestEnqueue_DuplicateIsNoop(t *testing.T) {
	b := openTestBuffer(t, "")
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, newSample("a", 0)))
	require.NoError(t, b.Acknowledge(ctx, "a", constants.SyncStateInFlight, nil))
	require.NoError(t, b.Acknowledge(ctx, "a", constants.SyncStateConfirmed, nil))

	dup := newSample("a", time.Minute)
	require.NoError(t, b.Enqueue(ctx, dup))

	got, err := b.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, constants.SyncStateConfirmed, got.State)
	assert.Equal(t, newSample("a", 0).Timestamp, got.Timestamp)
}

func TestPeekBatch_InsertionOrderAndNoRemoval(t *testing.T) {
	b := openTestBuffer(t, "")
	ctx := context.Background()

	// Out of order timestamps, insertion order must win
	require.NoError(t, b.Enqueue(ctx, newSample("c", 30*time.Second)))
	require.NoError(t, b.Enqueue(ctx, newSample("a", 10*time.Second)))
	require.NoError(t, b.Enqueue(ctx, newSample("b", 0)))

	batch, err := b.PeekBatch(ctx, 2)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, "c", batch[0].ClientID)
	assert.Equal(t, "a", batch[1].ClientID)

	again, err := b.PeekBatch(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, again, 3)

	require.NoError(t, b.Acknowledge(ctx, "c", constants.SyncStateInFlight, nil))
	afterAck, err := b.PeekBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, afterAck, 2)
	assert.Equal(t, "a", afterAck[0].ClientID)

	require.NoError(t, b.Acknowledge(ctx, "c", constants.SyncStateFailed, &models.TransientSyncError{ClientID: "c", Err: errors.New("timeout")}))
	withFailed, err := b.PeekBatch(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, withFailed, 3)
	assert.Equal(t, "c", withFailed[0].ClientID)
	assert.Equal(t, 1, withFailed[0].RetryCount)
	assert.Contains(t, withFailed[0].LastError, "timeout")

	empty, err := b.PeekBatch(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestBatches_LazyAndRestartable(t *testing.T) {
	b := openTestBuffer(t, "")
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, b.Enqueue(ctx, newSample(id, 0)))
	}

	collect := func() [][]string {
		var out [][]string
		for batch, err := range b.Batches(ctx, 2) {
			require.NoError(t, err)
			ids := make([]string, 0, len(batch))
			for _, s := range batch {
				ids = append(ids, s.ClientID)
			}
			out = append(out, ids)
		}
		return out
	}

	expected := [][]string{{"a", "b"}, {"c", "d"}, {"e"}}
	assert.Equal(t, expected, collect())
	assert.Equal(t, expected, collect(), "a second iteration starts over")

	for batch, err := range b.Batches(ctx, 2) {
		require.NoError(t, err)
		assert.Len(t, batch, 2)
		break
	}
}

func TestAcknowledge_Monotonic(t *testing.T) {
	b := openTestBuffer(t, "")
	ctx := context.Background()
	require.NoError(t, b.Enqueue(ctx, newSample("a", 0)))

	require.NoError(t, b.Acknowledge(ctx, "a", constants.SyncStateInFlight, nil))
	require.NoError(t, b.Acknowledge(ctx, "a", constants.SyncStateConfirmed, nil))

	for _, state := range []string{constants.SyncStatePending, constants.SyncStateFailed, constants.SyncStateInFlight, constants.SyncStateRejected} {
		err := b.Acknowledge(ctx, "a", state, nil)
		assert.ErrorIs(t, err, models.ErrInvalidTransition, state)
	}
	assert.NoError(t, b.Acknowledge(ctx, "a", constants.SyncStateConfirmed, nil), "repeated confirmation is a no-op")

	got, err := b.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, constants.SyncStateConfirmed, got.State)

	assert.ErrorIs(t, b.Acknowledge(ctx, "missing", constants.SyncStateInFlight, nil), models.ErrSampleNotFound)
	assert.Error(t, b.Acknowledge(ctx, "a", "bogus", nil))
}

func TestAcknowledge_RejectedKeepsCause(t *testing.T) {
	b := openTestBuffer(t, "")
	ctx := context.Background()
	require.NoError(t, b.Enqueue(ctx, newSample("a", 0)))
	require.NoError(t, b.Acknowledge(ctx, "a", constants.SyncStateInFlight, nil))

	cause := &models.PermanentSyncError{ClientID: "a", Err: errors.New("schema rejected")}
	require.NoError(t, b.Acknowledge(ctx, "a", constants.SyncStateRejected, cause))

	got, err := b.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, constants.SyncStateRejected, got.State)
	assert.Equal(t, 0, got.RetryCount)
	assert.Contains(t, got.LastError, "schema rejected")

	batch, err := b.PeekBatch(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, batch)
}

func TestAcknowledge_ConcurrentConfirmations(t *testing.T) {
	b := openTestBuffer(t, "")
	ctx := context.Background()
	require.NoError(t, b.Enqueue(ctx, newSample("a", 0)))
	require.NoError(t, b.Acknowledge(ctx, "a", constants.SyncStateInFlight, nil))

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = b.Acknowledge(ctx, "a", constants.SyncStateConfirmed, nil)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 0, b.locks.Count(), "per-id locks are released")
}

func TestRecoverInFlight(t *testing.T) {
	b := openTestBuffer(t, "")
	ctx := context.Background()
	require.NoError(t, b.Enqueue(ctx, newSample("a", 0)))
	require.NoError(t, b.Enqueue(ctx, newSample("b", 0)))
	require.NoError(t, b.Acknowledge(ctx, "a", constants.SyncStateInFlight, nil))

	n, err := b.RecoverInFlight(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	stats, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.BufferStats{Pending: 1, Failed: 1}, stats)
}

func TestCursor_NeverMovesBackwards(t *testing.T) {
	b := openTestBuffer(t, "")
	ctx := context.Background()

	c, err := b.Cursor(ctx, "dev-1")
	require.NoError(t, err)
	assert.True(t, c.IsZero())
	assert.Equal(t, "dev-1", c.DeviceID)

	later := newSample("b", time.Minute)
	c, moved, err := b.AdvanceCursor(ctx, "dev-1", "session-1", later)
	require.NoError(t, err)
	assert.True(t, moved)
	assert.Equal(t, int64(1), c.Revision)

	_, moved, err = b.AdvanceCursor(ctx, "dev-1", "session-1", newSample("a", 0))
	require.NoError(t, err)
	assert.False(t, moved)

	sameTimeLaterID := newSample("c", time.Minute)
	c, moved, err = b.AdvanceCursor(ctx, "dev-1", "session-2", sameTimeLaterID)
	require.NoError(t, err)
	assert.True(t, moved)
	assert.Equal(t, int64(2), c.Revision)

	persisted, err := b.Cursor(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, "c", persisted.LastClientID)
	assert.Equal(t, "session-2", persisted.SessionID)
	assert.Equal(t, sameTimeLaterID.Timestamp, persisted.LastTimestamp)
}

func confirm(t *testing.T, b *Buffer, s models.LocationSample) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, b.Enqueue(ctx, s))
	require.NoError(t, b.Acknowledge(ctx, s.ClientID, constants.SyncStateInFlight, nil))
	require.NoError(t, b.Acknowledge(ctx, s.ClientID, constants.SyncStateConfirmed, nil))
}

func TestSnapshot_ConfirmedReads(t *testing.T) {
	b := openTestBuffer(t, "")
	ctx := context.Background()

	confirm(t, b, newSample("b", 10*time.Second))
	confirm(t, b, newSample("a", 10*time.Second))
	confirm(t, b, newSample("c", 0))
	require.NoError(t, b.Enqueue(ctx, newSample("pending", 5*time.Second)))

	snap, err := b.Snapshot(ctx)
	require.NoError(t, err)
	defer snap.Close()

	base := now.Add(-time.Hour)
	samples, err := snap.ConfirmedRange(ctx, base, base.Add(time.Minute))
	require.NoError(t, err)
	ids := []string{}
	for _, s := range samples {
		ids = append(ids, s.ClientID)
	}
	assert.Equal(t, []string{"c", "a", "b"}, ids)

	prev, ok, err := snap.LastConfirmedBefore(ctx, base.Add(10*time.Second))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "c", prev.ClientID)

	_, ok, err = snap.LastConfirmedBefore(ctx, base)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSnapshot_Isolation(t *testing.T) {
	b := openTestBuffer(t, "")
	ctx := context.Background()
	base := now.Add(-time.Hour)

	confirm(t, b, newSample("a", 0))

	snap, err := b.Snapshot(ctx)
	require.NoError(t, err)
	defer snap.Close()

	first, err := snap.ConfirmedRange(ctx, base, base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, first, 1)

	confirm(t, b, newSample("b", time.Second))

	second, err := snap.ConfirmedRange(ctx, base, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, second, 1, "samples confirmed mid-pass are not visible")
}

func TestPurge(t *testing.T) {
	b := openTestBuffer(t, "")
	ctx := context.Background()
	base := now.Add(-time.Hour)

	confirm(t, b, newSample("old", 0))
	confirm(t, b, newSample("new", 30*time.Minute))
	require.NoError(t, b.Enqueue(ctx, newSample("unsynced", time.Minute)))

	n, err := b.Purge(ctx, base.Add(10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = b.Get(ctx, "old")
	assert.ErrorIs(t, err, models.ErrSampleNotFound)
	_, err = b.Get(ctx, "unsynced")
	assert.NoError(t, err, "unconfirmed samples survive a purge")

	r, ok, err := b.PurgedOverlap(ctx, base.Add(-time.Minute), base.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, base, r.From)

	_, ok, err = b.PurgedOverlap(ctx, base.Add(20*time.Minute), base.Add(40*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	n, err = b.Purge(ctx, base.Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestWindows_ReplaceAndLoad(t *testing.T) {
	b := openTestBuffer(t, "")
	ctx := context.Background()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	w1 := models.AggregateWindow{WindowStart: start, WindowEnd: start.Add(time.Minute), Resolution: time.Minute, SampleCount: 2, TotalDistance: 111.2}
	w2 := models.AggregateWindow{WindowStart: start.Add(time.Minute), WindowEnd: start.Add(2 * time.Minute), Resolution: time.Minute, SampleCount: 1}

	require.NoError(t, b.ReplaceWindows(ctx, time.Minute, start, start.Add(2*time.Minute), []models.AggregateWindow{w1, w2}))
	got, err := b.LoadWindows(ctx, time.Minute, start, start.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []models.AggregateWindow{w1, w2}, got)

	require.NoError(t, b.ReplaceWindows(ctx, time.Minute, start.Add(time.Minute), start.Add(2*time.Minute), nil))
	got, err = b.LoadWindows(ctx, time.Minute, start, start.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []models.AggregateWindow{w1}, got)

	other, err := b.LoadWindows(ctx, time.Hour, start, start.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestConfirmedSinceAndWatermark(t *testing.T) {
	b := openTestBuffer(t, "")
	ctx := context.Background()
	base := now.Add(-time.Hour)

	_, ok, err := b.ConfirmedSince(ctx, time.Time{})
	require.NoError(t, err)
	assert.False(t, ok)

	confirm(t, b, newSample("a", 0))
	confirm(t, b, newSample("b", 5*time.Minute))

	span, ok, err := b.ConfirmedSince(ctx, time.Time{})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, base, span.From)
	assert.Equal(t, base.Add(5*time.Minute+time.Nanosecond), span.To)

	_, ok, err = b.ConfirmedSince(ctx, now.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, ok)

	mark, err := b.AggregationWatermark(ctx)
	require.NoError(t, err)
	assert.True(t, mark.IsZero())

	require.NoError(t, b.SetAggregationWatermark(ctx, now))
	mark, err = b.AggregationWatermark(ctx)
	require.NoError(t, err)
	assert.Equal(t, now, mark)
}

func TestAcknowledge_WaitsForExternalWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "buffer.db")
	b := openTestBuffer(t, path)
	ctx := context.Background()
	require.NoError(t, b.Enqueue(ctx, newSample("a", 0)))
	require.NoError(t, b.Enqueue(ctx, newSample("b", time.Second)))

	other, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)")
	require.NoError(t, err)
	defer other.Close()
	conn, err := other.Conn(ctx)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.ExecContext(ctx, "BEGIN IMMEDIATE")
	require.NoError(t, err)
	_, err = conn.ExecContext(ctx, "UPDATE samples SET last_error = 'held' WHERE client_id = 'b'")
	require.NoError(t, err)

	acked := make(chan error, 1)
	go func() {
		acked <- b.Acknowledge(ctx, "a", constants.SyncStateInFlight, nil)
	}()

	time.Sleep(200 * time.Millisecond)
	_, err = conn.ExecContext(ctx, "COMMIT")
	require.NoError(t, err)

	require.NoError(t, <-acked)
	got, err := b.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, constants.SyncStateInFlight, got.State)
}

func TestSnapshot_LoadWindows(t *testing.T) {
	b := openTestBuffer(t, "")
	ctx := context.Background()
	start := now.Add(-time.Hour).Truncate(time.Minute)
	w := models.AggregateWindow{WindowStart: start, WindowEnd: start.Add(time.Minute), Resolution: time.Minute, SampleCount: 3}
	require.NoError(t, b.ReplaceWindows(ctx, time.Minute, start, start.Add(time.Hour), []models.AggregateWindow{w}))

	snap, err := b.Snapshot(ctx)
	require.NoError(t, err)
	defer snap.Close()

	windows, err := snap.LoadWindows(ctx, time.Minute, start, start.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, windows, 1)
	assert.Equal(t, 3, windows[0].SampleCount)
}
