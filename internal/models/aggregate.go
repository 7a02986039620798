package models

import (
	"encoding/json"
	"time"
)

// AggregateWindow holds movement statistics for one fixed-size time bucket.
// Windows are derived data and can always be recomputed from confirmed samples.
type AggregateWindow struct {
	WindowStart    time.Time     `json:"window_start"`
	WindowEnd      time.Time     `json:"window_end"`
	Resolution     time.Duration `json:"resolution"`
	SampleCount    int           `json:"sample_count"`
	TotalDistance  float64       `json:"total_distance_m"`
	MovingDuration time.Duration `json:"moving_duration"`
	AvgSpeed       float64       `json:"avg_speed_mps"`
	MaxSpeed       float64       `json:"max_speed_mps"`
}

// Empty reports whether no samples fell into the window.
func (w AggregateWindow) Empty() bool {
	return w.SampleCount == 0
}

// Encode returns the canonical JSON encoding of the window.
func (w AggregateWindow) Encode() ([]byte, error) {
	w.WindowStart = w.WindowStart.UTC()
	w.WindowEnd = w.WindowEnd.UTC()
	return json.Marshal(w)
}
