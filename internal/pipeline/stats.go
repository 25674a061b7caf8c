package pipeline

import (
	"math"
	"sort"
	"sync"
	"time"
)

// Stats collects per-call latency samples and counters for the status
// endpoint. It maintains a bounded ring buffer of recent transcription
// latencies from which percentiles are computed on demand.
//
// Thread-safe for concurrent use.
type Stats struct {
	mu sync.Mutex

	stt latencyBuffer

	transcripts     int64
	interruptions   int64
	errors          int64
	flushesAccepted int64
	flushesRejected int64
}

// NewStats creates a Stats with the given window size (maximum number of
// latency samples retained).
func NewStats(windowSize int) *Stats {
	if windowSize <= 0 {
		windowSize = 100
	}
	return &Stats{
		stt: newLatencyBuffer(windowSize),
	}
}

// RecordSTT records a transcription latency sample.
func (s *Stats) RecordSTT(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stt.add(d)
}

// IncrTranscripts increments the forwarded-transcription counter.
func (s *Stats) IncrTranscripts() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcripts++
}

// IncrInterruptions increments the barge-in counter.
func (s *Stats) IncrInterruptions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interruptions++
}

// IncrErrors increments the error counter.
func (s *Stats) IncrErrors() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors++
}

// IncrFlush records one send-gate outcome.
func (s *Stats) IncrFlush(accepted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if accepted {
		s.flushesAccepted++
	} else {
		s.flushesRejected++
	}
}

// LatencyPercentiles holds p50 and p95 values for a latency stage.
type LatencyPercentiles struct {
	P50 time.Duration
	P95 time.Duration
}

// Snapshot captures a point-in-time view of all pipeline statistics.
type Snapshot struct {
	STT             LatencyPercentiles
	Transcripts     int64
	Interruptions   int64
	Errors          int64
	FlushesAccepted int64
	FlushesRejected int64
}

// Snapshot returns a point-in-time view of all pipeline statistics.
func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Snapshot{
		STT:             s.stt.percentiles(),
		Transcripts:     s.transcripts,
		Interruptions:   s.interruptions,
		Errors:          s.errors,
		FlushesAccepted: s.flushesAccepted,
		FlushesRejected: s.flushesRejected,
	}
}

// latencyBuffer is a bounded ring buffer of duration samples.
type latencyBuffer struct {
	data []time.Duration
	size int
	pos  int
	full bool
}

func newLatencyBuffer(size int) latencyBuffer {
	return latencyBuffer{
		data: make([]time.Duration, size),
		size: size,
	}
}

func (lb *latencyBuffer) add(d time.Duration) {
	lb.data[lb.pos] = d
	lb.pos++
	if lb.pos >= lb.size {
		lb.pos = 0
		lb.full = true
	}
}

func (lb *latencyBuffer) percentiles() LatencyPercentiles {
	n := lb.pos
	if lb.full {
		n = lb.size
	}
	if n == 0 {
		return LatencyPercentiles{}
	}

	// Copy and sort the valid samples.
	sorted := make([]time.Duration, n)
	if lb.full {
		copy(sorted, lb.data)
	} else {
		copy(sorted, lb.data[:n])
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	return LatencyPercentiles{
		P50: percentile(sorted, 0.50),
		P95: percentile(sorted, 0.95),
	}
}

// percentile returns the value at the given percentile (0.0-1.0) from a
// sorted slice of durations using nearest-rank.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
