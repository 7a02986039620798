package identity

import (
	"encoding/json"
	"errors"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/benmeehan/location-agent/pkg/file"
)

// Identity holds the device's unique identifier and other metadata.
type Identity struct {
	ID       string          `json:"device_id,omitempty"`
	Name     string          `json:"device_name,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// DeviceInfoInterface defines methods for managing device identity.
type DeviceInfoInterface interface {
	LoadDeviceInfo() error
	SaveDeviceID(deviceID string) error
	GetDeviceID() string
	GetDeviceIdentity() *Identity
}

// DeviceInfo manages the device identity and its associated file operations.
type DeviceInfo struct {
	DeviceInfoFile string
	Identity       Identity
	fileOps        file.FileOperations
	mu             sync.RWMutex
}

// NewDeviceInfo initializes a new DeviceInfo instance.
func NewDeviceInfo(filePath string, fileOps file.FileOperations) *DeviceInfo {
	return &DeviceInfo{
		DeviceInfoFile: filePath,
		fileOps:        fileOps,
	}
}

// LoadDeviceInfo reads the device information from the file and populates the Identity field.
// A device without an identity file gets a fresh random id which is written back immediately,
// so samples buffered before and after a restart carry the same device id.
func (d *DeviceInfo) LoadDeviceInfo() error {
	d.mu.Lock()
	err := d.fileOps.ReadJsonFile(d.DeviceInfoFile, &d.Identity)
	d.mu.Unlock()
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	if d.GetDeviceID() != "" {
		return nil
	}
	return d.SaveDeviceID(uuid.NewString())
}

// GetDeviceIdentity returns a copy of the current device Identity.
func (d *DeviceInfo) GetDeviceIdentity() *Identity {
	d.mu.RLock()
	defer d.mu.RUnlock()
	identity := d.Identity
	return &identity
}

// GetDeviceID returns the current device ID.
func (d *DeviceInfo) GetDeviceID() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.Identity.ID
}

// SaveDeviceID updates the device ID in the Identity field and writes it back to the file.
func (d *DeviceInfo) SaveDeviceID(deviceID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Identity.ID = deviceID
	return d.fileOps.WriteJsonFile(d.DeviceInfoFile, d.Identity)
}
