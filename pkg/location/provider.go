package location

import (
	"context"
	"time"
)

// Fix is a single raw position reported by a provider.
type Fix struct {
	Latitude  float64
	Longitude float64
	Accuracy  float64   // Horizontal accuracy in meters
	Speed     *float64  // Ground speed in m/s, nil when the provider cannot measure it
	Timestamp time.Time // Time of the fix; zero means the provider has no clock of its own
}

// Provider interface defines the methods for location providers
type Provider interface {
	GetLocation(ctx context.Context) (Fix, error)
	Close() error
}
