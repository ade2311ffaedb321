package chunkuploader

import (
	"sync"
	"time"
)

// Stats collects the timings of the parts an Uploader finished.
type Stats struct {
	mu      sync.Mutex
	parts   int
	bytes   int64
	busy    time.Duration
	slowest time.Duration
	slowIdx int
}

// StatsSnapshot is a point in time copy of Stats.
type StatsSnapshot struct {
	Parts int
	Bytes int64
	// Busy is the sum of the per-part PUT durations. Parts run in parallel, so it is
	// usually longer than the wall clock time of the upload.
	Busy        time.Duration
	Slowest     time.Duration
	SlowestPart int
}

// NewStats ...
func NewStats() *Stats {
	return &Stats{slowIdx: -1}
}

// RecordPart records a part that was stored by the server.
func (s *Stats) RecordPart(index int, took time.Duration, bytes int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.parts++
	s.bytes += bytes
	s.busy += took
	if s.slowIdx < 0 || took > s.slowest {
		s.slowest = took
		s.slowIdx = index
	}
}

// Snapshot ...
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	return StatsSnapshot{
		Parts:       s.parts,
		Bytes:       s.bytes,
		Busy:        s.busy,
		Slowest:     s.slowest,
		SlowestPart: s.slowIdx,
	}
}

// Average is the mean PUT duration of a finished part, zero before the first one.
func (s StatsSnapshot) Average() time.Duration {
	if s.Parts == 0 {
		return 0
	}
	return s.Busy / time.Duration(s.Parts)
}

// BytesPerSecond is the per-connection throughput of the finished parts.
func (s StatsSnapshot) BytesPerSecond() float64 {
	if s.Busy <= 0 {
		return 0
	}
	return float64(s.Bytes) / s.Busy.Seconds()
}
