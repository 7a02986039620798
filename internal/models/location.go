package models

import (
	"time"
)

// LocationSample is a single timestamped location fix produced on the device.
// Samples are immutable once created and identified by ClientID.
type LocationSample struct {
	ClientID       string    `json:"client_id" validate:"required,max=128"`
	DeviceID       string    `json:"device_id"`
	Timestamp      time.Time `json:"timestamp" validate:"required"`
	MonotonicNanos int64     `json:"monotonic_ns,omitempty" validate:"gte=0"`
	Latitude       float64   `json:"latitude" validate:"gte=-90,lte=90"`
	Longitude      float64   `json:"longitude" validate:"gte=-180,lte=180"`
	Accuracy       float64   `json:"accuracy" validate:"gte=0"`
	Speed          *float64  `json:"speed,omitempty" validate:"omitempty,gte=0"`
	SchemaVersion  string    `json:"schema_version,omitempty"`
}

// Before reports whether s sorts before o: by timestamp, then by client id.
func (s LocationSample) Before(o LocationSample) bool {
	if !s.Timestamp.Equal(o.Timestamp) {
		return s.Timestamp.Before(o.Timestamp)
	}
	return s.ClientID < o.ClientID
}
