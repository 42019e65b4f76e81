package pipeline

import (
	"sync"

	"github.com/montanaflynn/stats"
)

// latencyWindow is how many recent frames latency statistics cover.
const latencyWindow = 300

// LatencySummary describes recent per-frame processing latency in milliseconds.
type LatencySummary struct {
	Samples int     `json:"samples"`
	MeanMs  float64 `json:"mean_ms"`
	P95Ms   float64 `json:"p95_ms"`
	MaxMs   float64 `json:"max_ms"`
}

// LatencyStats is a fixed-size ring of recent latencies.
type LatencyStats struct {
	mu      sync.Mutex
	samples []float64
	next    int
}

// Add records one latency.
func (l *LatencyStats) Add(ms float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.samples) < latencyWindow {
		l.samples = append(l.samples, ms)
		return
	}
	l.samples[l.next] = ms
	l.next = (l.next + 1) % latencyWindow
}

// Summary computes statistics over the window. The zero summary means no samples.
func (l *LatencyStats) Summary() LatencySummary {
	l.mu.Lock()
	data := stats.Float64Data(append([]float64(nil), l.samples...))
	l.mu.Unlock()
	if len(data) == 0 {
		return LatencySummary{}
	}
	mean, err := stats.Mean(data)
	if err != nil {
		return LatencySummary{}
	}
	p95, err := stats.Percentile(data, 95)
	if err != nil {
		p95 = mean
	}
	maxMs, err := stats.Max(data)
	if err != nil {
		maxMs = mean
	}
	return LatencySummary{Samples: len(data), MeanMs: mean, P95Ms: p95, MaxMs: maxMs}
}
