package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/benmeehan/location-agent/internal/constants"
	"github.com/benmeehan/location-agent/internal/models"
	"github.com/benmeehan/location-agent/pkg/identity"
	"github.com/benmeehan/location-agent/pkg/location"
)

// processStart anchors the monotonic timestamps of captured samples.
var processStart = time.Now()

// IngestionService polls the location provider and buffers every fix as a new sample.
type IngestionService struct {
	// Configuration fields
	interval time.Duration

	// Dependencies
	deviceInfo       identity.DeviceInfoInterface
	sink             SampleSink
	locationProvider location.Provider
	logger           zerolog.Logger
	now              func() time.Time
	elapsed          func() time.Duration // monotonic time since processStart

	// Internal state management
	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewIngestionService creates a new IngestionService instance with the provided configuration.
func NewIngestionService(interval time.Duration, deviceInfo identity.DeviceInfoInterface, sink SampleSink,
	locationProvider location.Provider, logger zerolog.Logger) *IngestionService {
	return &IngestionService{
		interval:         interval,
		deviceInfo:       deviceInfo,
		sink:             sink,
		locationProvider: locationProvider,
		logger:           logger,
		now:              time.Now,
		elapsed:          func() time.Duration { return time.Since(processStart) },
	}
}

// Start begins polling the provider on the configured interval.
func (s *IngestionService) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.logger.Warn().Msg("IngestionService is already running")
		return errors.New("ingestion service is already running")
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.running = true

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := s.CaptureSample(s.ctx); err != nil && s.ctx.Err() == nil {
					s.logger.Error().Err(err).Msg("Failed to capture location sample")
				}
			case <-s.ctx.Done():
				s.logger.Info().Msg("IngestionService is stopping")
				return
			}
		}
	}()

	s.logger.Info().Dur("interval", s.interval).Msg("IngestionService started")
	return nil
}

// Stop ends polling and closes the location provider.
func (s *IngestionService) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		s.logger.Warn().Msg("IngestionService is not running")
		return errors.New("ingestion service is not running")
	}
	s.running = false
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()

	if err := s.locationProvider.Close(); err != nil {
		s.logger.Error().Err(err).Msg("Failed to close location provider")
		return err
	}

	s.logger.Info().Msg("IngestionService stopped")
	return nil
}

// CaptureSample reads one fix and buffers it. Invalid fixes are logged and dropped.
func (s *IngestionService) CaptureSample(ctx context.Context) error {
	fixCtx, cancel := context.WithTimeout(ctx, s.interval)
	defer cancel()

	fix, err := s.locationProvider.GetLocation(fixCtx)
	if err != nil {
		return err
	}

	mono := s.elapsed()
	ts := fix.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	sample := models.LocationSample{
		ClientID:       uuid.NewString(),
		DeviceID:       s.deviceInfo.GetDeviceID(),
		Timestamp:      ts.UTC(),
		MonotonicNanos: mono.Nanoseconds(),
		Latitude:       fix.Latitude,
		Longitude:      fix.Longitude,
		Accuracy:       fix.Accuracy,
		Speed:          fix.Speed,
		SchemaVersion:  constants.SchemaVersion,
	}

	if err := s.sink.Enqueue(ctx, sample); err != nil {
		var verr *models.ValidationError
		if errors.As(err, &verr) {
			s.logger.Warn().
				Err(err).
				Float64("latitude", fix.Latitude).
				Float64("longitude", fix.Longitude).
				Time("timestamp", sample.Timestamp).
				Msg("Dropping invalid location fix")
			return nil
		}
		return err
	}

	s.logger.Debug().
		Str("client_id", sample.ClientID).
		Time("timestamp", sample.Timestamp).
		Float64("accuracy", sample.Accuracy).
		Msg("Location sample buffered")
	return nil
}
