package repositories

import (
	"context"

	"github.com/koelabs/koe/server/domain/entities"
)

// DeviceRepository manages device identities and their credentials.
type DeviceRepository interface {
	// ValidateDevice checks serial number + secret and returns the device.
	ValidateDevice(serialNumber, secret string) (*entities.Device, error)

	// GetBySerialNumber looks a device up without checking credentials.
	GetBySerialNumber(ctx context.Context, serialNumber string) (*entities.Device, error)
}
