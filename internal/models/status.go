package models

import "time"

// SyncStatus is a point-in-time view of the sync engine health.
type SyncStatus struct {
	Degraded            bool      `json:"degraded"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastAttempt         time.Time `json:"last_attempt,omitempty"`
	LastSuccess         time.Time `json:"last_success,omitempty"`
	LastError           string    `json:"last_error,omitempty"`
}

// StatusReport is the message published periodically by the status service.
type StatusReport struct {
	DeviceID      string                `json:"device_id"`
	Timestamp     time.Time             `json:"timestamp"`
	Status        string                `json:"status"`
	Sync          SyncStatus            `json:"sync"`
	Buffer        BufferStats           `json:"buffer"`
	DiskFreeBytes uint64                `json:"disk_free_bytes"`
	Host          map[string]HostMetric `json:"host,omitempty"`
}

// HostMetric is one host health figure attached to a status report.
type HostMetric struct {
	Value float64 `json:"value"`
	Unit  string  `json:"unit"`
}
