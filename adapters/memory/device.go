package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/koelabs/koe/server/domain/entities"
	"github.com/koelabs/koe/server/domain/repositories"
)

// DeviceRepository is an in-memory implementation of the device repository
// for development and tests. Credentials live in process memory only.
type DeviceRepository struct {
	mu      sync.RWMutex
	devices map[string]*entities.Device
	secrets map[string]string // serial_number -> secret_key mapping
}

var _ repositories.DeviceRepository = (*DeviceRepository)(nil)

// NewDeviceRepository creates an in-memory device repository with
// pre-registered development devices.
func NewDeviceRepository() *DeviceRepository {
	repo := &DeviceRepository{
		devices: make(map[string]*entities.Device),
		secrets: make(map[string]string),
	}

	repo.Register("KOE001", "secret123", "speaker-v1")
	repo.Register("KOE002", "secret456", "speaker-v1")
	repo.Register("KOE003", "secret789", "speaker-v2")

	return repo
}

// Register adds a device with its credentials.
func (m *DeviceRepository) Register(serialNumber, secret, model string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	device := &entities.Device{
		ID:           "device-" + serialNumber,
		SerialNumber: serialNumber,
		Model:        model,
	}
	m.devices[device.ID] = device
	m.secrets[serialNumber] = secret
}

// ValidateDevice validates device credentials (serial number + secret)
func (m *DeviceRepository) ValidateDevice(serialNumber, secret string) (*entities.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	storedSecret, exists := m.secrets[serialNumber]
	if !exists {
		return nil, errors.New("device not found")
	}
	if storedSecret != secret {
		return nil, errors.New("invalid credentials")
	}

	for _, device := range m.devices {
		if device.SerialNumber == serialNumber {
			return device, nil
		}
	}
	return nil, errors.New("device not found")
}

func (m *DeviceRepository) GetBySerialNumber(ctx context.Context, serialNumber string) (*entities.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, device := range m.devices {
		if device.SerialNumber == serialNumber {
			return device, nil
		}
	}
	return nil, errors.New("device not found")
}
