package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/benmeehan/location-agent/pkg/mqtt"
)

// StatusService publishes the agent status report over MQTT.
type StatusService struct {
	PubTopic   string
	Interval   time.Duration
	QOS        int
	Reporter   *StatusReporter
	MqttClient mqtt.MQTTClient
	Logger     zerolog.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewStatusService initializes a new StatusService.
func NewStatusService(pubTopic string, interval time.Duration, qos int, reporter *StatusReporter,
	mqttClient mqtt.MQTTClient, logger zerolog.Logger) *StatusService {
	return &StatusService{
		PubTopic:   pubTopic,
		Interval:   interval,
		QOS:        qos,
		Reporter:   reporter,
		MqttClient: mqttClient,
		Logger:     logger,
	}
}

// Start launches the status loop in a separate goroutine.
func (s *StatusService) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx != nil {
		s.Logger.Warn().Msg("StatusService is already running")
		return errors.New("status service is already running")
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runStatusLoop()
	}()

	s.Logger.Info().Str("topic", s.PubTopic).Dur("interval", s.Interval).Msg("StatusService started successfully")
	return nil
}

// Stop gracefully stops the status service.
func (s *StatusService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		s.Logger.Warn().Msg("StatusService is not running")
		return errors.New("status service is not running")
	}

	s.cancel()
	s.wg.Wait()

	s.ctx = nil
	s.cancel = nil

	s.Logger.Info().Msg("StatusService stopped successfully")
	return nil
}

func (s *StatusService) runStatusLoop() {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.Publish(s.ctx); err != nil {
				s.Logger.Error().Err(err).Msg("Failed to publish status report")
			}
		case <-s.ctx.Done():
			s.Logger.Info().Msg("StatusService stopping gracefully")
			return
		}
	}
}

// Publish sends one status report.
func (s *StatusService) Publish(ctx context.Context) error {
	report, err := s.Reporter.Report(ctx)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(report)
	if err != nil {
		return err
	}

	token := s.MqttClient.Publish(s.PubTopic, byte(s.QOS), false, payload)
	if !token.WaitTimeout(s.Interval) {
		return errors.New("timed out publishing status report")
	}
	if err := token.Error(); err != nil {
		return err
	}

	s.Logger.Debug().
		Str("status", report.Status).
		Int("pending", report.Buffer.Pending).
		Int("failed", report.Buffer.Failed).
		Msg("Status report published")
	return nil
}
