package metrics_collectors

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/benmeehan/location-agent/internal/models"
	"github.com/benmeehan/location-agent/internal/utils"
)

// MetricsRegistry holds the collectors reported with every status message.
type MetricsRegistry struct {
	collectors map[string]MetricCollector
	timeout    time.Duration
	logger     zerolog.Logger
}

// NewMetricsRegistry creates a registry. timeout bounds each collection round.
func NewMetricsRegistry(timeout time.Duration, logger zerolog.Logger) *MetricsRegistry {
	return &MetricsRegistry{
		collectors: make(map[string]MetricCollector),
		timeout:    timeout,
		logger:     logger,
	}
}

// NewDefaultRegistry registers the standard host collectors. enabled limits the
// set by name; an empty list keeps all of them.
func NewDefaultRegistry(bufferPath string, enabled []string, timeout time.Duration, logger zerolog.Logger) *MetricsRegistry {
	r := NewMetricsRegistry(timeout, logger)
	all := []MetricCollector{
		&DiskMetricCollector{Path: bufferPath},
		&MemoryMetricCollector{},
		&CPUMetricCollector{},
		&GoroutineMetricCollector{},
	}
	allowed := utils.SliceToSet(enabled)
	for _, c := range all {
		if _, ok := allowed[c.Name()]; len(allowed) == 0 || ok {
			r.Register(c)
		}
	}
	return r
}

// Register adds a new metric collector to the registry.
func (r *MetricsRegistry) Register(collector MetricCollector) {
	r.collectors[collector.Name()] = collector
}

// Names returns the registered collector names in sorted order.
func (r *MetricsRegistry) Names() []string {
	names := make([]string, 0, len(r.collectors))
	for name := range r.collectors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CollectAll runs every collector concurrently. Failing collectors are logged
// and left out of the result.
func (r *MetricsRegistry) CollectAll(ctx context.Context) map[string]models.HostMetric {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	var mu sync.Mutex
	out := make(map[string]models.HostMetric, len(r.collectors))
	tasks := make([]func(), 0, len(r.collectors))
	for _, c := range r.collectors {
		tasks = append(tasks, func() {
			value, err := c.Collect(ctx)
			if err != nil {
				r.logger.Warn().Err(err).Str("metric", c.Name()).Msg("Failed to collect metric")
				return
			}
			mu.Lock()
			out[c.Name()] = models.HostMetric{Value: value, Unit: c.Unit()}
			mu.Unlock()
		})
	}
	utils.RunAll(len(tasks), tasks)
	return out
}
