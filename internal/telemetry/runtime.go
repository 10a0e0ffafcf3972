package telemetry

import (
	"context"
	"runtime"
	"time"
)

// RuntimeSampler records process gauges (goroutines, heap, GC) into a
// Collector at a fixed interval while a run is in progress.
type RuntimeSampler struct {
	collector *Collector
	interval  time.Duration
	started   time.Time
	lastGC    uint32
	cancel    context.CancelFunc
	done      chan struct{}
}

// StartRuntimeSampler samples immediately and then every interval until Stop.
// It is a no-op for a nil or disabled collector.
func StartRuntimeSampler(c *Collector, interval time.Duration) *RuntimeSampler {
	s := &RuntimeSampler{collector: c, interval: interval, started: time.Now(), done: make(chan struct{})}
	if c == nil || !c.enabled || interval <= 0 {
		close(s.done)
		s.cancel = func() {}
		return s
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.Sample()
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sample()
			}
		}
	}()
	return s
}

// Sample records one set of runtime gauges.
func (s *RuntimeSampler) Sample() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	labels := map[string]string{"component": "runtime"}
	s.collector.Set("trellis_goroutines", float64(runtime.NumGoroutine()), labels)
	s.collector.Set("trellis_heap_bytes", float64(m.HeapAlloc), labels)
	s.collector.Set("trellis_uptime_seconds", time.Since(s.started).Seconds(), labels)
	s.collector.Count("trellis_gc_total", float64(m.NumGC-s.lastGC), labels)
	s.lastGC = m.NumGC
}

func (s *RuntimeSampler) Stop() {
	s.cancel()
	<-s.done
}
