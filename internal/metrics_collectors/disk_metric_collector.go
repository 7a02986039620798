package metrics_collectors

import (
	"context"
	"path/filepath"

	"github.com/shirou/gopsutil/disk"
)

// DiskMetricCollector reports the free space on the volume holding the sample
// buffer. A full volume stops ingestion, so this is the figure that matters.
type DiskMetricCollector struct {
	Path string
}

func (d *DiskMetricCollector) Name() string {
	return "disk_free"
}

func (d *DiskMetricCollector) Collect(ctx context.Context) (float64, error) {
	usage, err := disk.UsageWithContext(ctx, d.dir())
	if err != nil {
		return 0, err
	}
	return float64(usage.Free), nil
}

func (d *DiskMetricCollector) dir() string {
	if d.Path == "" {
		return "/"
	}
	return filepath.Dir(d.Path)
}

func (d *DiskMetricCollector) Unit() string {
	return "bytes"
}

func (d *DiskMetricCollector) Description() string {
	return "Free space on the filesystem holding the sample buffer."
}
