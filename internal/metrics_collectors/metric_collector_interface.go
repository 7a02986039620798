package metrics_collectors

import (
	"context"
)

// MetricCollector defines the interface for collecting a single host health figure.
type MetricCollector interface {
	Name() string                                 // Name of the metric (e.g., "cpu", "disk_free")
	Collect(ctx context.Context) (float64, error) // Collect the current value
	Unit() string                                 // Unit of the metric (e.g., "percentage", "bytes")
	Description() string                          // Description of the metric
}
