package models

import (
	"time"
)

// BufferedSample is a LocationSample together with its local sync bookkeeping.
type BufferedSample struct {
	LocationSample
	Seq        int64     `json:"seq"`
	State      string    `json:"state"`
	RetryCount int       `json:"retry_count"`
	LastError  string    `json:"last_error,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// SyncCursor marks the last sample confirmed by the remote store for a device/session.
// It is used to resume reconciliation after a restart.
type SyncCursor struct {
	DeviceID      string    `json:"device_id"`
	SessionID     string    `json:"session_id"`
	LastTimestamp time.Time `json:"last_timestamp"`
	LastClientID  string    `json:"last_client_id"`
	Revision      int64     `json:"revision"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// IsZero reports whether the cursor has never been advanced.
func (c SyncCursor) IsZero() bool {
	return c.Revision == 0 && c.LastTimestamp.IsZero()
}

// Covers reports whether the sample is at or before the cursor position.
func (c SyncCursor) Covers(s LocationSample) bool {
	if c.IsZero() {
		return false
	}
	if !s.Timestamp.Equal(c.LastTimestamp) {
		return s.Timestamp.Before(c.LastTimestamp)
	}
	return s.ClientID <= c.LastClientID
}

// BufferStats holds counts of buffered samples per sync state.
type BufferStats struct {
	Pending   int `json:"pending"`
	InFlight  int `json:"in_flight"`
	Confirmed int `json:"confirmed"`
	Failed    int `json:"failed"`
	Rejected  int `json:"rejected"`
}

// TimeRange is a half-open interval [From, To).
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Overlaps reports whether the two ranges share any instant.
func (r TimeRange) Overlaps(o TimeRange) bool {
	return r.From.Before(o.To) && o.From.Before(r.To)
}
