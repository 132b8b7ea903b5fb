// Package stats implements purely observational throughput accounting
// for the fetching session: nothing here feeds back into engine state.
package stats

import (
	"time"

	"github.com/montanaflynn/stats"
)

type sample struct {
	at    time.Time
	bytes int64
}

// Throughput tracks recently received byte counts in a sliding window
// and reports windowed rate and per-chunk size statistics.
type Throughput struct {
	window  time.Duration
	samples []sample
}

// NewThroughput returns a tracker retaining samples for window.
func NewThroughput(window time.Duration) *Throughput {
	return &Throughput{window: window}
}

// AddSample records n bytes received at time now.
func (t *Throughput) AddSample(now time.Time, n int64) {
	t.samples = append(t.samples, sample{at: now, bytes: n})
	t.prune(now)
}

func (t *Throughput) prune(now time.Time) {
	cutoff := now.Add(-t.window)
	i := 0
	for i < len(t.samples) && t.samples[i].at.Before(cutoff) {
		i++
	}
	t.samples = t.samples[i:]
}

// BytesPerSecond returns the windowed throughput as of now. It returns 0
// if there is less than one sample or the window's elapsed time is zero.
func (t *Throughput) BytesPerSecond(now time.Time) float64 {
	t.prune(now)
	if len(t.samples) == 0 {
		return 0
	}
	elapsed := now.Sub(t.samples[0].at).Seconds()
	if elapsed <= 0 {
		return 0
	}
	byteCounts := make([]float64, len(t.samples))
	for i, s := range t.samples {
		byteCounts[i] = float64(s.bytes)
	}
	total, err := stats.Sum(byteCounts)
	if err != nil {
		return 0
	}
	return total / elapsed
}

// AverageChunkSize returns the mean sample size currently in the window,
// a rough indicator of whether the source is sending full-size chunks.
func (t *Throughput) AverageChunkSize(now time.Time) float64 {
	t.prune(now)
	if len(t.samples) == 0 {
		return 0
	}
	byteCounts := make([]float64, len(t.samples))
	for i, s := range t.samples {
		byteCounts[i] = float64(s.bytes)
	}
	mean, err := stats.Mean(byteCounts)
	if err != nil {
		return 0
	}
	return mean
}

// SampleCount returns the number of samples currently in the window.
func (t *Throughput) SampleCount() int {
	return len(t.samples)
}
