package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/benmeehan/location-agent/internal/buffer"
	"github.com/benmeehan/location-agent/internal/service_registry"
	"github.com/benmeehan/location-agent/internal/utils"
	"github.com/benmeehan/location-agent/pkg/file"
	"github.com/benmeehan/location-agent/pkg/identity"
	"github.com/benmeehan/location-agent/pkg/mqtt"
	"github.com/benmeehan/location-agent/pkg/remote"
)

// app holds the clients every subcommand shares.
type app struct {
	config     *utils.Config
	logger     zerolog.Logger
	fileClient file.FileOperations
	deviceInfo *identity.DeviceInfo
	buffer     *buffer.Buffer
	remote     remote.Store
	mqtt       *mqtt.MqttService
}

type bootstrapOptions struct {
	remote bool
	mqtt   bool
}

func bootstrap(ctx context.Context, opts bootstrapOptions) (*app, error) {
	fileClient := file.NewFileService()

	config, err := utils.LoadConfig(configPath, fileClient)
	if err != nil {
		return nil, err
	}

	level, err := zerolog.ParseLevel(config.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", config.LogLevel, err)
	}
	// Logs go to stderr so that command output on stdout stays machine readable.
	logger := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()

	a := &app{config: config, logger: logger, fileClient: fileClient}

	a.deviceInfo = identity.NewDeviceInfo(config.Identity.DeviceFile, fileClient)
	if err := a.deviceInfo.LoadDeviceInfo(); err != nil {
		return nil, fmt.Errorf("failed to load device information: %w", err)
	}
	logger.Info().Str("device_id", a.deviceInfo.GetDeviceID()).Msg("Loaded device identity")

	a.buffer, err = buffer.Open(config.Buffer.Path, config.Buffer.ClockSkew, logger.With().Str("component", "buffer").Logger())
	if err != nil {
		return nil, err
	}

	if opts.remote && config.Sync.Enabled {
		store, err := openRemote(ctx, config, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.remote = store
	}

	if opts.mqtt && config.Services.Status.Enabled && config.MQTT.Broker != "" {
		// Generate a unique MQTT Client ID by appending a UUID
		clientID := config.MQTT.ClientID + "-" + uuid.New().String()
		logger.Info().Msgf("Using MQTT Client ID: %s", clientID)

		mqttService := mqtt.NewMqttService(fileClient)
		err = mqttService.Initialize(mqtt.Options{
			Broker:        config.MQTT.Broker,
			ClientID:      clientID,
			CACertificate: config.MQTT.CACertificate,
			Username:      config.MQTT.Username,
			Password:      config.MQTT.Password,
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to initialize MQTT connection: %w", err)
		}
		a.mqtt = mqttService
	}

	return a, nil
}

func openRemote(ctx context.Context, config *utils.Config, logger zerolog.Logger) (remote.Store, error) {
	gate, err := remote.NewSchemaGate(config.Remote.SchemaConstraint)
	if err != nil {
		return nil, err
	}

	switch config.Remote.Driver {
	case "couch":
		dsn, err := config.RemoteDSN()
		if err != nil {
			return nil, err
		}
		connectCtx, cancel := context.WithTimeout(ctx, config.Remote.ConnectTimeout)
		defer cancel()
		store, err := remote.NewCouchStore(connectCtx, dsn, config.Remote.Database, gate, logger.With().Str("component", "remote").Logger())
		if err != nil {
			return nil, err
		}
		return store, nil
	case "memory":
		logger.Warn().Msg("Using the in-memory remote store, uploaded samples are not persisted")
		return remote.NewMemoryStore(gate), nil
	default:
		return nil, fmt.Errorf("unknown remote driver %q", config.Remote.Driver)
	}
}

// dependencies converts the app into registry dependencies. Absent clients
// stay untyped nil interfaces.
func (a *app) dependencies() service_registry.Dependencies {
	deps := service_registry.Dependencies{
		Buffer:     a.buffer,
		Remote:     a.remote,
		DeviceInfo: a.deviceInfo,
	}
	if a.mqtt != nil {
		deps.MQTTClient = a.mqtt
	}
	return deps
}

// Close releases the clients in reverse order of creation.
func (a *app) Close() error {
	var errs []error
	if a.mqtt != nil {
		a.mqtt.Disconnect(250)
	}
	if a.remote != nil {
		errs = append(errs, a.remote.Close())
	}
	if a.buffer != nil {
		errs = append(errs, a.buffer.Close())
	}
	return errors.Join(errs...)
}

func parseTime(name, value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --%s %q, expected RFC3339: %w", name, value, err)
	}
	return t, nil
}
