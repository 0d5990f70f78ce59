package observability

import (
	"context"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"time"
)

// Gauge samples a set of named values. Names are relative to the prefix the
// gauge is registered under.
type Gauge func() map[string]float64

// RuntimeGauge reports goroutines, heap and GC counts of the process.
func RuntimeGauge() map[string]float64 {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return map[string]float64{
		"goroutines":      float64(runtime.NumGoroutine()),
		"memory_alloc_mb": float64(mem.Alloc) / 1024 / 1024,
		"memory_sys_mb":   float64(mem.Sys) / 1024 / 1024,
		"gc_count":        float64(mem.NumGC),
	}
}

// Reporter samples gauges on an interval into Metrics.
type Reporter struct {
	metrics  *Metrics
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	gauges map[string]Gauge
}

// NewReporter creates a reporter. Interval defaults to 15s.
func NewReporter(m *Metrics, interval time.Duration, logger *slog.Logger) *Reporter {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{metrics: m, interval: interval, logger: logger, gauges: make(map[string]Gauge)}
}

// Add registers g; its values are recorded as prefix + "_" + name.
func (r *Reporter) Add(prefix string, g Gauge) {
	r.mu.Lock()
	r.gauges[prefix] = g
	r.mu.Unlock()
}

// Sample records every gauge once.
func (r *Reporter) Sample() {
	r.mu.Lock()
	prefixes := make([]string, 0, len(r.gauges))
	for p := range r.gauges {
		prefixes = append(prefixes, p)
	}
	gauges := make([]Gauge, len(prefixes))
	sort.Strings(prefixes)
	for i, p := range prefixes {
		gauges[i] = r.gauges[p]
	}
	r.mu.Unlock()

	now := time.Now()
	for i, g := range gauges {
		for name, v := range g() {
			r.metrics.Record(&Metric{
				Name:      prefixes[i] + "_" + name,
				Timestamp: now,
				Value:     v,
				Unit:      "gauge",
			})
		}
	}
}

// Run samples until ctx is cancelled.
func (r *Reporter) Run(ctx context.Context) {
	t := time.NewTicker(r.interval)
	defer t.Stop()
	r.logger.Debug("observability: reporter started", "interval", r.interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.Sample()
		}
	}
}
