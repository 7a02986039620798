package service_registry

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/benmeehan/location-agent/internal/aggregator"
	"github.com/benmeehan/location-agent/internal/buffer"
	"github.com/benmeehan/location-agent/internal/metrics_collectors"
	"github.com/benmeehan/location-agent/internal/query"
	"github.com/benmeehan/location-agent/internal/registry"
	"github.com/benmeehan/location-agent/internal/services"
	"github.com/benmeehan/location-agent/internal/syncer"
	"github.com/benmeehan/location-agent/internal/utils"
	"github.com/benmeehan/location-agent/pkg/identity"
	"github.com/benmeehan/location-agent/pkg/location"
	"github.com/benmeehan/location-agent/pkg/mqtt"
	"github.com/benmeehan/location-agent/pkg/remote"
)

const metricsTimeout = 5 * time.Second

// Dependencies are the long-lived clients shared by the services.
type Dependencies struct {
	Buffer     *buffer.Buffer
	Remote     remote.Store
	MQTTClient mqtt.MQTTClient // nil when no broker is configured
	DeviceInfo identity.DeviceInfoInterface
}

// ServiceRegistry manages the lifecycle of various services in the system.
type ServiceRegistry struct {
	services    map[string]registry.Service // Stores registered services
	serviceKeys []string                    // Maintains order of service registration
	Logger      zerolog.Logger

	// Components built by RegisterServices.
	Aggregator *aggregator.Aggregator
	Engine     *syncer.Engine
	Query      *query.Service
	Reporter   *services.StatusReporter

	// NewProvider builds the location provider of the ingestion service.
	NewProvider func(config *utils.Config) (location.Provider, error)
}

// NewServiceRegistry initializes a new service registry.
func NewServiceRegistry(logger zerolog.Logger) *ServiceRegistry {
	return &ServiceRegistry{
		services:    make(map[string]registry.Service),
		Logger:      logger,
		NewProvider: NewLocationProvider,
	}
}

// RegisterService adds a new service to the registry.
func (sr *ServiceRegistry) RegisterService(name string, svc registry.Service) {
	if _, exists := sr.services[name]; exists {
		sr.Logger.Warn().Msgf("Service %s is already registered", name)
		return
	}
	sr.services[name] = svc
	sr.serviceKeys = append(sr.serviceKeys, name)
	sr.Logger.Info().Msgf("Registered service: %s", name)
}

// Names returns the registered services in start order.
func (sr *ServiceRegistry) Names() []string {
	return append([]string(nil), sr.serviceKeys...)
}

// StartServices initiates all registered services in order.
// If a service fails to start, it stops already started services.
func (sr *ServiceRegistry) StartServices() error {
	startedServices := []string{}

	for _, name := range sr.serviceKeys {
		svc := sr.services[name]
		sr.Logger.Info().Msgf("Starting service: %s", name)
		if err := svc.Start(); err != nil {
			sr.Logger.Error().Err(err).Msgf("Failed to start service: %s", name)

			sr.Logger.Warn().Msg("Stopping already started services due to startup failure...")
			for i := len(startedServices) - 1; i >= 0; i-- {
				_ = sr.services[startedServices[i]].Stop()
			}
			return fmt.Errorf("failed to start %s: %w", name, err)
		}
		startedServices = append(startedServices, name)
	}

	return nil
}

// StopServices stops all services in reverse order.
func (sr *ServiceRegistry) StopServices() error {
	var stopErrors []error
	for i := len(sr.serviceKeys) - 1; i >= 0; i-- {
		name := sr.serviceKeys[i]
		if err := sr.services[name].Stop(); err != nil {
			stopErrors = append(stopErrors, fmt.Errorf("failed to stop %s: %w", name, err))
		}
	}
	if len(stopErrors) > 0 {
		for _, e := range stopErrors {
			sr.Logger.Error().Err(e).Msg("Service stop failure")
		}
		return errors.Join(stopErrors...)
	}
	return nil
}

// BuildCore creates the aggregator, sync engine, query service and status
// reporter without registering them. The CLI uses it for one-shot commands.
func (sr *ServiceRegistry) BuildCore(config *utils.Config, deps Dependencies) error {
	sr.Aggregator = aggregator.New(deps.Buffer, config.Aggregator.Resolutions, config.Aggregator.BreakThreshold,
		sr.Logger.With().Str("component", "aggregator").Logger())

	q, err := query.NewService(deps.Buffer, sr.Aggregator.Calculator(), config.Aggregator.Resolutions,
		config.Query.CacheSize, config.Query.MaxWindows, sr.Logger.With().Str("component", "query").Logger())
	if err != nil {
		return err
	}
	sr.Query = q
	sr.Aggregator.OnInvalidate(q.Invalidate)

	var syncStatus services.SyncStatusSource
	// One-shot commands build the core without a remote and skip the engine.
	if config.Sync.Enabled && deps.Remote != nil {
		sr.Engine = syncer.NewEngine(deps.Buffer, deps.Remote, syncer.Config{
			DeviceID:          deps.DeviceInfo.GetDeviceID(),
			BatchSize:         config.Sync.BatchSize,
			PollInterval:      config.Sync.PollInterval,
			BaseDelay:         config.Sync.BaseDelay,
			MaxDelay:          config.Sync.MaxDelay,
			Jitter:            config.Sync.Jitter,
			DegradedThreshold: config.Sync.DegradedThreshold,
			Workers:           config.Sync.Workers,
			UploadTimeout:     config.Sync.UploadTimeout,
			ReconcilePageSize: config.Sync.ReconcilePageSize,
		}, sr.Aggregator.Notify, sr.Logger)
		syncStatus = sr.Engine
	}

	metrics := metrics_collectors.NewDefaultRegistry(config.Buffer.Path, config.Services.Status.Collectors,
		metricsTimeout, sr.Logger.With().Str("component", "metrics").Logger())
	sr.Reporter = services.NewStatusReporter(deps.DeviceInfo, deps.Buffer, syncStatus, metrics)
	return nil
}

// RegisterServices builds the core components and registers the enabled services.
func (sr *ServiceRegistry) RegisterServices(config *utils.Config, deps Dependencies) error {
	if err := sr.BuildCore(config, deps); err != nil {
		return err
	}

	// Ordered service definitions with inline constructors
	servicesInOrder := []struct {
		name        string
		enabled     bool
		constructor func() (registry.Service, error)
	}{
		{
			name:    "aggregator",
			enabled: true,
			constructor: func() (registry.Service, error) {
				return sr.Aggregator, nil
			},
		},
		{
			name:    "sync",
			enabled: sr.Engine != nil,
			constructor: func() (registry.Service, error) {
				return sr.Engine, nil
			},
		},
		{
			name:    "ingestion",
			enabled: config.Services.Ingestion.Enabled,
			constructor: func() (registry.Service, error) {
				provider, err := sr.NewProvider(config)
				if err != nil {
					return nil, err
				}
				return services.NewIngestionService(
					config.Services.Ingestion.Interval,
					deps.DeviceInfo,
					deps.Buffer,
					provider,
					sr.Logger.With().Str("component", "ingestion").Logger(),
				), nil
			},
		},
		{
			name:    "status",
			enabled: config.Services.Status.Enabled,
			constructor: func() (registry.Service, error) {
				if deps.MQTTClient == nil {
					return nil, errors.New("status service requires an MQTT broker")
				}
				return services.NewStatusService(
					config.Services.Status.Topic,
					config.Services.Status.Interval,
					config.Services.Status.QOS,
					sr.Reporter,
					deps.MQTTClient,
					sr.Logger.With().Str("component", "status").Logger(),
				), nil
			},
		},
		{
			name:    "api",
			enabled: config.Services.API.Enabled,
			constructor: func() (registry.Service, error) {
				return services.NewAPIService(
					config.Services.API.ListenAddr,
					sr.Query,
					sr.Reporter,
					deps.Buffer,
					deps.DeviceInfo,
					sr.Logger.With().Str("component", "api").Logger(),
				), nil
			},
		},
	}

	// Register services in the predefined order
	registeredServices := []string{}
	for _, svc := range servicesInOrder {
		if svc.enabled {
			serviceInstance, err := svc.constructor()
			if err != nil {
				sr.Logger.Error().Err(err).Msgf("Failed to create %s service", svc.name)
				return err
			}
			sr.RegisterService(svc.name, serviceInstance)
			registeredServices = append(registeredServices, svc.name)
		}
	}

	sr.Logger.Info().Msgf("Registered services in order: %v", registeredServices)
	return nil
}

// NewLocationProvider picks the GPS receiver or the geolocation API based on configuration.
func NewLocationProvider(config *utils.Config) (location.Provider, error) {
	ingestion := config.Services.Ingestion
	if ingestion.SensorBased {
		return location.NewDeviceSensorProvider(ingestion.GPSDevicePort, ingestion.GPSDeviceBaudRate), nil
	}
	provider, err := location.NewGoogleGeolocationProvider(ingestion.MapsAPIKey, ingestion.ModemIndex)
	if err != nil {
		return nil, fmt.Errorf("failed to create Google Geolocation provider: %w", err)
	}
	return provider, nil
}
