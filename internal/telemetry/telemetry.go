// Package telemetry collects run metrics in memory and flushes them to the
// structured log.
package telemetry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// MetricType represents the type of metric
type MetricType string

const (
	Counter MetricType = "counter"
	Gauge   MetricType = "gauge"
	Timer   MetricType = "timer"
)

// Metric represents a telemetry metric
type Metric struct {
	Name      string            `json:"name"`
	Type      MetricType        `json:"type"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels"`
	Timestamp time.Time         `json:"timestamp"`
	Unit      string            `json:"unit,omitempty"`
}

// Collector buffers metrics and flushes them periodically. A nil or disabled
// Collector discards everything.
type Collector struct {
	mu       sync.RWMutex
	metrics  []Metric
	counters map[string]float64
	gauges   map[string]float64
	enabled  bool
	logger   zerolog.Logger
	interval time.Duration
	flushCh  chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewCollector creates a new telemetry collector. interval <= 0 disables the
// periodic flush; metrics are then only flushed on demand and at Shutdown.
func NewCollector(enabled bool, interval time.Duration) *Collector {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Collector{
		counters: map[string]float64{},
		gauges:   map[string]float64{},
		enabled:  enabled,
		logger:   log.Logger,
		interval: interval,
		flushCh:  make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	if enabled {
		go c.periodicFlush()
	} else {
		close(c.done)
	}
	return c
}

// Count increments a counter metric
func (c *Collector) Count(name string, value float64, labels map[string]string) {
	if c == nil || !c.enabled {
		return
	}
	c.mu.Lock()
	c.counters[name] += value
	c.mu.Unlock()
	c.add(Metric{Name: name, Type: Counter, Value: value, Labels: labels, Timestamp: time.Now()})
}

// Set records a gauge value
func (c *Collector) Set(name string, value float64, labels map[string]string) {
	if c == nil || !c.enabled {
		return
	}
	c.mu.Lock()
	c.gauges[name] = value
	c.mu.Unlock()
	c.add(Metric{Name: name, Type: Gauge, Value: value, Labels: labels, Timestamp: time.Now()})
}

// Time records a duration measurement
func (c *Collector) Time(name string, d time.Duration, labels map[string]string) {
	if c == nil || !c.enabled {
		return
	}
	c.add(Metric{Name: name, Type: Timer, Value: float64(d.Milliseconds()), Labels: labels, Timestamp: time.Now(), Unit: "ms"})
}

func (c *Collector) add(m Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = append(c.metrics, m)
	if len(c.metrics) >= 100 {
		select {
		case c.flushCh <- struct{}{}:
		default:
		}
	}
}

// Total returns the accumulated value of a counter since the collector started.
func (c *Collector) Total(name string) float64 {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.counters[name]
}

// Snapshot returns counter totals and the last value of every gauge.
func (c *Collector) Snapshot() (counters, gauges map[string]float64) {
	counters, gauges = map[string]float64{}, map[string]float64{}
	if c == nil {
		return counters, gauges
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for k, v := range c.counters {
		counters[k] = v
	}
	for k, v := range c.gauges {
		gauges[k] = v
	}
	return counters, gauges
}

// Pending returns a copy of the metrics not yet flushed.
func (c *Collector) Pending() []Metric {
	if c == nil {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Metric, len(c.metrics))
	copy(out, c.metrics)
	return out
}

// Flush writes buffered metrics to the log and clears the buffer.
func (c *Collector) Flush() {
	if c == nil {
		return
	}
	c.mu.Lock()
	metrics := c.metrics
	c.metrics = nil
	c.mu.Unlock()
	if len(metrics) == 0 {
		return
	}
	c.logger.Debug().Int("count", len(metrics)).Msg("flushing telemetry metrics")
	for _, m := range metrics {
		ev := c.logger.Debug().Str("name", m.Name).Str("type", string(m.Type)).Float64("value", m.Value)
		keys := make([]string, 0, len(m.Labels))
		for k := range m.Labels {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			ev = ev.Str(k, m.Labels[k])
		}
		if m.Unit != "" {
			ev = ev.Str("unit", m.Unit)
		}
		ev.Time("timestamp", m.Timestamp).Msg("telemetry_metric")
	}
}

func (c *Collector) periodicFlush() {
	defer close(c.done)
	var tick <-chan time.Time
	if c.interval > 0 {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-tick:
			c.Flush()
		case <-c.flushCh:
			c.Flush()
		}
	}
}

// Shutdown stops the background flusher and flushes what is left.
func (c *Collector) Shutdown() {
	if c == nil {
		return
	}
	c.cancel()
	<-c.done
	c.Flush()
}
