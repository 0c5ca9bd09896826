package engine

import (
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
)

// rateSample is one observed chunk of verified bytes at a point in time.
// rateTracker generalizes the teacher's inline speedSample loop
// (torrent/p2p.go's StartDownload) from a single CLI progress bar into a
// reusable per-torrent trailing-window rate, exposed to every List() caller
// rather than only printed to stdout.
type rateTracker struct {
	mu      sync.Mutex
	clk     clock.Clock
	window  time.Duration
	samples []rateSample
}

type rateSample struct {
	bytes int64
	at    time.Time
}

func newRateTracker(clk clock.Clock, window time.Duration) *rateTracker {
	return &rateTracker{clk: clk, window: window}
}

// Record registers that bytes were verified just now.
func (r *rateTracker) Record(bytes int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clk.Now()
	r.samples = append(r.samples, rateSample{bytes: bytes, at: now})
	r.evictLocked(now)
}

// BytesPerSecond returns the trailing-window throughput.
func (r *rateTracker) BytesPerSecond() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clk.Now()
	r.evictLocked(now)

	if len(r.samples) == 0 {
		return 0
	}
	var total int64
	for _, s := range r.samples {
		total += s.bytes
	}
	span := r.window.Seconds()
	if len(r.samples) > 1 {
		span = now.Sub(r.samples[0].at).Seconds()
	}
	if span <= 0 {
		return 0
	}
	return float64(total) / span
}

func (r *rateTracker) evictLocked(now time.Time) {
	cutoff := now.Add(-r.window)
	i := 0
	for i < len(r.samples) && r.samples[i].at.Before(cutoff) {
		i++
	}
	r.samples = r.samples[i:]
}
