package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/benmeehan/location-agent/internal/constants"
	"github.com/benmeehan/location-agent/internal/mocks"
	"github.com/benmeehan/location-agent/internal/models"
	"github.com/benmeehan/location-agent/pkg/location"
)

func newIngestion(provider *mocks.MockProvider, sink *mocks.MockSampleSink) *IngestionService {
	deviceInfo := new(mocks.MockDeviceInfo)
	deviceInfo.On("GetDeviceID").Return("test-device-id")
	return NewIngestionService(50*time.Millisecond, deviceInfo, sink, provider, zerolog.Nop())
}

func TestIngestionService_CaptureSample(t *testing.T) {
	provider := new(mocks.MockProvider)
	sink := new(mocks.MockSampleSink)
	speed := 3.5
	fixTime := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	provider.On("GetLocation", mock.Anything).Return(location.Fix{
		Latitude: 42.0, Longitude: -71.0, Accuracy: 4, Speed: &speed, Timestamp: fixTime,
	}, nil)
	sink.On("Enqueue", mock.Anything, mock.MatchedBy(func(s models.LocationSample) bool {
		return s.ClientID != "" &&
			s.DeviceID == "test-device-id" &&
			s.Timestamp.Equal(fixTime) &&
			s.Latitude == 42.0 &&
			*s.Speed == 3.5 &&
			s.SchemaVersion == constants.SchemaVersion
	})).Return(nil)

	s := newIngestion(provider, sink)
	require.NoError(t, s.CaptureSample(context.Background()))
	sink.AssertNumberOfCalls(t, "Enqueue", 1)
}

func TestIngestionService_FixWithoutClockUsesNow(t *testing.T) {
	provider := new(mocks.MockProvider)
	sink := new(mocks.MockSampleSink)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	provider.On("GetLocation", mock.Anything).Return(location.Fix{Latitude: 1, Longitude: 2}, nil)
	sink.On("Enqueue", mock.Anything, mock.MatchedBy(func(s models.LocationSample) bool {
		return s.Timestamp.Equal(now)
	})).Return(nil)

	s := newIngestion(provider, sink)
	s.now = func() time.Time { return now }
	require.NoError(t, s.CaptureSample(context.Background()))
	sink.AssertExpectations(t)
}

func TestIngestionService_StampsMonotonicTime(t *testing.T) {
	provider := new(mocks.MockProvider)
	sink := new(mocks.MockSampleSink)

	provider.On("GetLocation", mock.Anything).Return(location.Fix{Latitude: 1, Longitude: 2}, nil)
	var captured []models.LocationSample
	sink.On("Enqueue", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { captured = append(captured, args.Get(1).(models.LocationSample)) }).
		Return(nil)

	s := newIngestion(provider, sink)
	elapsed := 5 * time.Second
	s.elapsed = func() time.Duration { return elapsed }
	require.NoError(t, s.CaptureSample(context.Background()))
	elapsed = 15 * time.Second
	require.NoError(t, s.CaptureSample(context.Background()))

	require.Len(t, captured, 2)
	assert.Equal(t, int64(5*time.Second), captured[0].MonotonicNanos)
	assert.Equal(t, int64(15*time.Second), captured[1].MonotonicNanos)

	// The default reference is monotonic and positive.
	fresh := newIngestion(provider, sink)
	assert.Greater(t, int64(fresh.elapsed()), int64(0))
}

func TestIngestionService_InvalidFixIsDropped(t *testing.T) {
	provider := new(mocks.MockProvider)
	sink := new(mocks.MockSampleSink)

	provider.On("GetLocation", mock.Anything).Return(location.Fix{Latitude: 91}, nil)
	sink.On("Enqueue", mock.Anything, mock.Anything).
		Return(&models.ValidationError{Field: "latitude", Reason: "out of range"})

	s := newIngestion(provider, sink)
	assert.NoError(t, s.CaptureSample(context.Background()))
}

func TestIngestionService_ProviderError(t *testing.T) {
	provider := new(mocks.MockProvider)
	sink := new(mocks.MockSampleSink)
	provider.On("GetLocation", mock.Anything).Return(location.Fix{}, location.ErrNoFix)

	s := newIngestion(provider, sink)
	err := s.CaptureSample(context.Background())
	assert.True(t, errors.Is(err, location.ErrNoFix))
	sink.AssertNotCalled(t, "Enqueue", mock.Anything, mock.Anything)
}

func TestIngestionService_StartStop(t *testing.T) {
	provider := new(mocks.MockProvider)
	sink := new(mocks.MockSampleSink)
	provider.On("GetLocation", mock.Anything).Return(location.Fix{Latitude: 42, Longitude: -71, Timestamp: time.Now()}, nil)
	provider.On("Close").Return(nil)
	captured := make(chan struct{}, 1)
	sink.On("Enqueue", mock.Anything, mock.Anything).Return(nil).Run(func(mock.Arguments) {
		select {
		case captured <- struct{}{}:
		default:
		}
	})

	s := newIngestion(provider, sink)
	require.NoError(t, s.Start())

	err := s.Start()
	assert.Error(t, err)
	assert.Equal(t, "ingestion service is already running", err.Error())

	select {
	case <-captured:
	case <-time.After(time.Second):
		t.Fatal("no sample captured")
	}

	require.NoError(t, s.Stop())
	provider.AssertCalled(t, "Close")

	err = s.Stop()
	assert.Error(t, err)
	assert.Equal(t, "ingestion service is not running", err.Error())
}
