package utils

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/benmeehan/location-agent/internal/constants"
	"github.com/benmeehan/location-agent/pkg/file"
)

// Environment variables that override secrets from the configuration file.
const (
	EnvCouchPassword    = "LOCATION_AGENT_COUCH_PASSWORD"
	EnvMapsAPIKey       = "LOCATION_AGENT_MAPS_API_KEY"
	EnvArchiveSecretKey = "LOCATION_AGENT_ARCHIVE_SECRET_KEY"
	EnvMQTTPassword     = "LOCATION_AGENT_MQTT_PASSWORD"
)

// Config represents the structure of the configuration file.
type Config struct {
	LogLevel string `yaml:"log_level" validate:"omitempty,oneof=trace debug info warn error"`

	Identity struct {
		DeviceFile string `yaml:"device_file" validate:"required"` // Path to the device identity file
	} `yaml:"identity"`

	Buffer struct {
		Path      string        `yaml:"path" validate:"required"`    // SQLite database holding buffered samples
		ClockSkew time.Duration `yaml:"clock_skew" validate:"gte=0"` // Tolerated future drift of sample timestamps
	} `yaml:"buffer"`

	Remote struct {
		Driver           string        `yaml:"driver" validate:"oneof=couch memory"` // couch or memory
		URL              string        `yaml:"url" validate:"required_if=Driver couch"`
		Username         string        `yaml:"username"`
		Password         string        `yaml:"password"`
		Database         string        `yaml:"database" validate:"required_if=Driver couch"`
		SchemaConstraint string        `yaml:"schema_constraint"` // Semver range of sample schemas the remote accepts
		ConnectTimeout   time.Duration `yaml:"connect_timeout" validate:"gt=0"`
	} `yaml:"remote"`

	Sync struct {
		Enabled           bool          `yaml:"enabled"`
		BatchSize         int           `yaml:"batch_size" validate:"gte=0"`
		PollInterval      time.Duration `yaml:"poll_interval" validate:"gt=0"`           // Idle wait when the buffer is empty
		BaseDelay         time.Duration `yaml:"base_delay" validate:"gt=0"`              // First retry delay
		MaxDelay          time.Duration `yaml:"max_delay" validate:"gtefield=BaseDelay"` // Upper bound of the retry delay
		Jitter            float64       `yaml:"jitter" validate:"gte=0,lt=1"`
		DegradedThreshold int           `yaml:"degraded_threshold" validate:"gte=0"` // Consecutive failures before reporting degraded
		Workers           int           `yaml:"workers" validate:"gte=0"`
		UploadTimeout     time.Duration `yaml:"upload_timeout" validate:"gt=0"`
		ReconcilePageSize int           `yaml:"reconcile_page_size" validate:"gte=0"`
	} `yaml:"sync"`

	Aggregator struct {
		Resolutions    []time.Duration `yaml:"resolutions" validate:"dive,gte=1s"` // Window sizes kept pre-aggregated
		BreakThreshold time.Duration   `yaml:"break_threshold" validate:"gte=1s"`  // Gaps above this are movement breaks
	} `yaml:"aggregator"`

	Query struct {
		CacheSize  int `yaml:"cache_size" validate:"gte=0"`
		MaxWindows int `yaml:"max_windows" validate:"gte=0"`
	} `yaml:"query"`

	MQTT struct {
		Broker        string `yaml:"broker"`         // MQTT broker address
		ClientID      string `yaml:"client_id"`      // MQTT client ID
		CACertificate string `yaml:"ca_certificate"` // Path to the CA certificate
		Username      string `yaml:"username"`
		Password      string `yaml:"password"`
	} `yaml:"mqtt"`

	Services struct {
		Ingestion struct {
			Enabled           bool          `yaml:"enabled"`
			Interval          time.Duration `yaml:"interval" validate:"gt=0"` // Interval between location fixes
			SensorBased       bool          `yaml:"sensor_based"`             // Use a GPS sensor instead of the geolocation api
			MapsAPIKey        string        `yaml:"maps_api_key"`             // Google maps API Key
			ModemIndex        int           `yaml:"modem_index"`              // mmcli modem used for cell tower lookups
			GPSDeviceBaudRate int           `yaml:"gps_baud_rate"`            // The Baud rate for GPS sensor
			GPSDevicePort     string        `yaml:"gps_device_port"`          // UNIX Port where the GPS sensor is mounted
		} `yaml:"ingestion"`

		Status struct {
			Enabled    bool          `yaml:"enabled"`
			Topic      string        `yaml:"topic" validate:"required_if=Enabled true"`
			QOS        int           `yaml:"qos" validate:"gte=0,lte=2"`
			Interval   time.Duration `yaml:"interval" validate:"gt=0"`
			Collectors []string      `yaml:"collectors" validate:"dive,oneof=cpu disk_free goroutines memory"` // Host metrics attached to reports, empty means all
		} `yaml:"status"`

		API struct {
			Enabled    bool   `yaml:"enabled"`
			ListenAddr string `yaml:"listen_addr" validate:"required_if=Enabled true"`
		} `yaml:"api"`
	} `yaml:"services"`

	Archive struct {
		Enabled           bool   `yaml:"enabled"`
		Endpoint          string `yaml:"endpoint" validate:"required_if=Enabled true"`
		AccessKey         string `yaml:"access_key"`
		SecretKey         string `yaml:"secret_key"`
		Bucket            string `yaml:"bucket" validate:"required_if=Enabled true"`
		UseSSL            bool   `yaml:"use_ssl"`
		EncryptionKeyFile string `yaml:"encryption_key_file"` // Optional AES-256 key sealing archived batches
	} `yaml:"archive"`
}

// LoadConfig loads the YAML configuration from the specified file, applies defaults
// and environment overrides, and validates the result.
func LoadConfig(filename string, fileClient file.FileOperations) (*Config, error) {
	var config Config
	if err := fileClient.ReadYamlFile(filename, &config); err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", filename, err)
	}

	config.applyEnv()
	config.ApplyDefaults()

	if err := validator.New().Struct(&config); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", filename, err)
	}
	return &config, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvCouchPassword); v != "" {
		c.Remote.Password = v
	}
	if v := os.Getenv(EnvMapsAPIKey); v != "" {
		c.Services.Ingestion.MapsAPIKey = v
	}
	if v := os.Getenv(EnvArchiveSecretKey); v != "" {
		c.Archive.SecretKey = v
	}
	if v := os.Getenv(EnvMQTTPassword); v != "" {
		c.MQTT.Password = v
	}
}

// ApplyDefaults fills every unset tunable.
func (c *Config) ApplyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Buffer.ClockSkew == 0 {
		c.Buffer.ClockSkew = constants.DefaultClockSkew
	}
	if c.Remote.Driver == "" {
		c.Remote.Driver = "memory"
	}
	if c.Remote.ConnectTimeout == 0 {
		c.Remote.ConnectTimeout = 10 * time.Second
	}
	if c.Sync.BatchSize == 0 {
		c.Sync.BatchSize = constants.DefaultBatchSize
	}
	if c.Sync.PollInterval == 0 {
		c.Sync.PollInterval = constants.DefaultPollInterval
	}
	if c.Sync.BaseDelay == 0 {
		c.Sync.BaseDelay = constants.DefaultBaseDelay
	}
	if c.Sync.MaxDelay == 0 {
		c.Sync.MaxDelay = constants.DefaultMaxDelay
	}
	if c.Sync.Jitter == 0 {
		c.Sync.Jitter = constants.DefaultJitter
	}
	if c.Sync.DegradedThreshold == 0 {
		c.Sync.DegradedThreshold = constants.DefaultDegradedThreshold
	}
	if c.Sync.Workers == 0 {
		c.Sync.Workers = constants.DefaultUploadWorkers
	}
	if c.Sync.UploadTimeout == 0 {
		c.Sync.UploadTimeout = constants.DefaultUploadTimeout
	}
	if c.Sync.ReconcilePageSize == 0 {
		c.Sync.ReconcilePageSize = constants.DefaultBatchSize * 4
	}
	if len(c.Aggregator.Resolutions) == 0 {
		c.Aggregator.Resolutions = append([]time.Duration(nil), constants.DefaultResolutions...)
	}
	c.Aggregator.Resolutions = Dedupe(c.Aggregator.Resolutions)
	c.Services.Status.Collectors = Dedupe(c.Services.Status.Collectors)
	if c.Aggregator.BreakThreshold == 0 {
		c.Aggregator.BreakThreshold = constants.DefaultBreakThreshold
	}
	if c.Query.CacheSize == 0 {
		c.Query.CacheSize = constants.DefaultCacheSize
	}
	if c.Query.MaxWindows == 0 {
		c.Query.MaxWindows = constants.DefaultMaxQueryWindows
	}
	if c.Services.Ingestion.Interval == 0 {
		c.Services.Ingestion.Interval = constants.DefaultLocationInterval
	}
	if c.Services.Status.Interval == 0 {
		c.Services.Status.Interval = constants.DefaultStatusInterval
	}
}

// RemoteDSN returns the CouchDB URL with the configured credentials embedded.
func (c *Config) RemoteDSN() (string, error) {
	u, err := url.Parse(c.Remote.URL)
	if err != nil {
		return "", fmt.Errorf("invalid remote url: %w", err)
	}
	if c.Remote.Username != "" {
		u.User = url.UserPassword(c.Remote.Username, c.Remote.Password)
	}
	return u.String(), nil
}
