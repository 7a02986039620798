package constants

import "time"

// Sync states of a buffered sample
const (
	// SyncStatePending indicates the sample is buffered and has not been uploaded yet
	SyncStatePending = "pending"
	// SyncStateInFlight indicates an upload attempt is in progress
	SyncStateInFlight = "in_flight"
	// SyncStateConfirmed indicates the remote store acknowledged the sample
	SyncStateConfirmed = "confirmed"
	// SyncStateFailed indicates the last upload attempt failed and will be retried
	SyncStateFailed = "failed"
	// SyncStateRejected indicates the remote store refused the sample permanently
	SyncStateRejected = "rejected"
)

// Defaults used when the configuration leaves a value unset.
const (
	DefaultClockSkew         = 5 * time.Second
	DefaultBatchSize         = 50
	DefaultPollInterval      = 2 * time.Second
	DefaultBaseDelay         = 1 * time.Second
	DefaultMaxDelay          = 60 * time.Second
	DefaultJitter            = 0.2
	DefaultDegradedThreshold = 5
	DefaultUploadWorkers     = 4
	DefaultUploadTimeout     = 15 * time.Second
	DefaultBreakThreshold    = 5 * time.Minute
	DefaultCacheSize         = 200
	DefaultMaxQueryWindows   = 10000
	DefaultLocationInterval  = 10 * time.Second
	DefaultStatusInterval    = 60 * time.Second
)

// DefaultResolutions are the window sizes kept pre-aggregated.
var DefaultResolutions = []time.Duration{time.Minute, time.Hour, 24 * time.Hour}

// SchemaVersion is stamped on every sample written to the remote store.
const SchemaVersion = "1.0.0"
