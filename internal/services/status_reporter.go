package services

import (
	"context"
	"time"

	"github.com/benmeehan/location-agent/internal/constants"
	"github.com/benmeehan/location-agent/internal/metrics_collectors"
	"github.com/benmeehan/location-agent/internal/models"
	"github.com/benmeehan/location-agent/pkg/identity"
)

// StatusReporter assembles the agent status from the buffer, the sync engine
// and the host collectors.
type StatusReporter struct {
	deviceInfo identity.DeviceInfoInterface
	stats      StatsSource
	sync       SyncStatusSource // nil when sync is disabled
	metrics    *metrics_collectors.MetricsRegistry
	now        func() time.Time
}

// NewStatusReporter creates a reporter. syncStatus and metrics may be nil.
func NewStatusReporter(deviceInfo identity.DeviceInfoInterface, stats StatsSource, syncStatus SyncStatusSource,
	metrics *metrics_collectors.MetricsRegistry) *StatusReporter {
	return &StatusReporter{
		deviceInfo: deviceInfo,
		stats:      stats,
		sync:       syncStatus,
		metrics:    metrics,
		now:        time.Now,
	}
}

// Report returns the current status.
func (r *StatusReporter) Report(ctx context.Context) (models.StatusReport, error) {
	stats, err := r.stats.Stats(ctx)
	if err != nil {
		return models.StatusReport{}, err
	}

	report := models.StatusReport{
		DeviceID:  r.deviceInfo.GetDeviceID(),
		Timestamp: r.now().UTC(),
		Status:    constants.StatusHealthy,
		Buffer:    stats,
	}
	if r.sync != nil {
		report.Sync = r.sync.Status()
		if report.Sync.Degraded {
			report.Status = constants.StatusDegraded
		}
	}
	if r.metrics != nil {
		report.Host = r.metrics.CollectAll(ctx)
		if free, ok := report.Host["disk_free"]; ok {
			report.DiskFreeBytes = uint64(free.Value)
		}
	}
	return report, nil
}
