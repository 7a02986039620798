package service_registry

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/benmeehan/location-agent/internal/buffer"
	"github.com/benmeehan/location-agent/internal/mocks"
	"github.com/benmeehan/location-agent/internal/utils"
	"github.com/benmeehan/location-agent/pkg/location"
	"github.com/benmeehan/location-agent/pkg/remote"
)

type mockService struct {
	mock.Mock
	name  string
	trace *[]string
}

func (m *mockService) Start() error {
	*m.trace = append(*m.trace, "start:"+m.name)
	return m.Called().Error(0)
}

func (m *mockService) Stop() error {
	*m.trace = append(*m.trace, "stop:"+m.name)
	return m.Called().Error(0)
}

func newMockService(name string, trace *[]string, startErr, stopErr error) *mockService {
	svc := &mockService{name: name, trace: trace}
	svc.On("Start").Return(startErr).Maybe()
	svc.On("Stop").Return(stopErr).Maybe()
	return svc
}

func testConfig(t *testing.T) *utils.Config {
	t.Helper()
	config := &utils.Config{}
	config.Buffer.Path = filepath.Join(t.TempDir(), "buffer.db")
	config.ApplyDefaults()
	return config
}

func testDependencies(t *testing.T, config *utils.Config) Dependencies {
	t.Helper()
	buf, err := buffer.Open(config.Buffer.Path, config.Buffer.ClockSkew, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { buf.Close() })

	deviceInfo := new(mocks.MockDeviceInfo)
	deviceInfo.On("GetDeviceID").Return("device-1").Maybe()

	gate, err := remote.NewSchemaGate("")
	require.NoError(t, err)
	return Dependencies{
		Buffer:     buf,
		Remote:     remote.NewMemoryStore(gate),
		DeviceInfo: deviceInfo,
	}
}

func TestStartServices_StartsInRegistrationOrder(t *testing.T) {
	var trace []string
	sr := NewServiceRegistry(zerolog.Nop())
	sr.RegisterService("a", newMockService("a", &trace, nil, nil))
	sr.RegisterService("b", newMockService("b", &trace, nil, nil))
	sr.RegisterService("a", newMockService("duplicate", &trace, nil, nil))

	require.NoError(t, sr.StartServices())
	require.NoError(t, sr.StopServices())

	assert.Equal(t, []string{"a", "b"}, sr.Names())
	assert.Equal(t, []string{"start:a", "start:b", "stop:b", "stop:a"}, trace)
}

func TestStartServices_RollsBackOnFailure(t *testing.T) {
	var trace []string
	sr := NewServiceRegistry(zerolog.Nop())
	sr.RegisterService("a", newMockService("a", &trace, nil, nil))
	sr.RegisterService("b", newMockService("b", &trace, nil, nil))
	sr.RegisterService("c", newMockService("c", &trace, errors.New("port in use"), nil))
	sr.RegisterService("d", newMockService("d", &trace, nil, nil))

	err := sr.StartServices()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to start c")
	assert.Equal(t, []string{"start:a", "start:b", "start:c", "stop:b", "stop:a"}, trace)
}

func TestStopServices_JoinsErrors(t *testing.T) {
	var trace []string
	errA := errors.New("a stuck")
	errB := errors.New("b stuck")
	sr := NewServiceRegistry(zerolog.Nop())
	sr.RegisterService("a", newMockService("a", &trace, nil, errA))
	sr.RegisterService("b", newMockService("b", &trace, nil, errB))

	err := sr.StopServices()
	assert.ErrorIs(t, err, errA)
	assert.ErrorIs(t, err, errB)
	assert.Equal(t, []string{"stop:b", "stop:a"}, trace)
}

func TestRegisterServices_Order(t *testing.T) {
	config := testConfig(t)
	config.Sync.Enabled = true
	config.Services.Ingestion.Enabled = true
	config.Services.API.Enabled = true
	config.Services.API.ListenAddr = "127.0.0.1:0"

	sr := NewServiceRegistry(zerolog.Nop())
	sr.NewProvider = func(*utils.Config) (location.Provider, error) { return new(mocks.MockProvider), nil }

	require.NoError(t, sr.RegisterServices(config, testDependencies(t, config)))
	assert.Equal(t, []string{"aggregator", "sync", "ingestion", "api"}, sr.Names())
	assert.NotNil(t, sr.Engine)
	assert.NotNil(t, sr.Query)
	assert.NotNil(t, sr.Reporter)
}

func TestRegisterServices_DisabledSync(t *testing.T) {
	config := testConfig(t)
	deps := testDependencies(t, config)
	deps.Remote = nil
	config.Sync.Enabled = true

	sr := NewServiceRegistry(zerolog.Nop())
	require.NoError(t, sr.RegisterServices(config, deps))
	assert.Equal(t, []string{"aggregator"}, sr.Names())
	assert.Nil(t, sr.Engine)
}

func TestRegisterServices_StatusNeedsBroker(t *testing.T) {
	config := testConfig(t)
	config.Services.Status.Enabled = true
	config.Services.Status.Topic = "devices/status"

	sr := NewServiceRegistry(zerolog.Nop())
	err := sr.RegisterServices(config, testDependencies(t, config))
	assert.ErrorContains(t, err, "MQTT broker")
}

func TestRegisterServices_ProviderError(t *testing.T) {
	config := testConfig(t)
	config.Services.Ingestion.Enabled = true

	sr := NewServiceRegistry(zerolog.Nop())
	sr.NewProvider = func(*utils.Config) (location.Provider, error) { return nil, errors.New("no modem") }

	err := sr.RegisterServices(config, testDependencies(t, config))
	assert.ErrorContains(t, err, "no modem")
}

func TestNewLocationProvider_SensorBased(t *testing.T) {
	config := testConfig(t)
	config.Services.Ingestion.SensorBased = true
	config.Services.Ingestion.GPSDevicePort = "/dev/ttyUSB0"
	config.Services.Ingestion.GPSDeviceBaudRate = 9600

	provider, err := NewLocationProvider(config)
	require.NoError(t, err)
	assert.IsType(t, &location.DeviceSensorProvider{}, provider)
}
