package pipeline

import (
	"sync"
	"time"

	"github.com/montanaflynn/stats"
	"go.uber.org/atomic"
)

const defaultStatsWindow = 100

// Stats summarizes the controller's work since it was created.
type Stats struct {
	// Processed cycles produced a result.
	Processed int64
	// Dropped notifications arrived while the controller was busy or stopped.
	Dropped int64
	// Skipped cycles ended without a result but without an error: no frame was available or the
	// cycle was cancelled.
	Skipped int64
	// Failed cycles ended in an error.
	Failed int64

	// Latencies of processed cycles, over the most recent window.
	LastLatency time.Duration
	MeanLatency time.Duration
	P95Latency  time.Duration
}

type statsCollector struct {
	processed atomic.Int64
	dropped   atomic.Int64
	skipped   atomic.Int64
	failed    atomic.Int64

	mu        sync.Mutex
	window    int
	latencies []float64
	last      time.Duration
}

func newStatsCollector(window int) *statsCollector {
	if window <= 0 {
		window = defaultStatsWindow
	}
	return &statsCollector{window: window, latencies: make([]float64, 0, window)}
}

func (sc *statsCollector) recordProcessed(latency time.Duration) {
	sc.processed.Inc()
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.last = latency
	if len(sc.latencies) == sc.window {
		copy(sc.latencies, sc.latencies[1:])
		sc.latencies = sc.latencies[:sc.window-1]
	}
	sc.latencies = append(sc.latencies, float64(latency))
}

func (sc *statsCollector) snapshot() Stats {
	s := Stats{
		Processed: sc.processed.Load(),
		Dropped:   sc.dropped.Load(),
		Skipped:   sc.skipped.Load(),
		Failed:    sc.failed.Load(),
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	s.LastLatency = sc.last
	if len(sc.latencies) == 0 {
		return s
	}
	data := stats.Float64Data(sc.latencies)
	if mean, err := data.Mean(); err == nil {
		s.MeanLatency = time.Duration(mean)
	}
	if p95, err := data.Percentile(95); err == nil {
		s.P95Latency = time.Duration(p95)
	}
	return s
}
