package chunkuploader

import (
	"sync"
	"time"
)

// Stats tracks remote call durations for progress reporting.
type Stats struct {
	sum           time.Duration
	finishedCalls int64
	bytes         int64
	mu            sync.Mutex
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{}
}

// Update records a successful call that sent n bytes.
func (s *Stats) Update(d time.Duration, n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sum += d
	s.finishedCalls++
	s.bytes += n
}

// Average returns the average duration of completed calls.
func (s *Stats) Average() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finishedCalls == 0 {
		return 0
	}
	return s.sum / time.Duration(s.finishedCalls)
}

// FinishedCount returns the number of completed calls.
func (s *Stats) FinishedCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finishedCalls
}

// Bytes returns the number of bytes acknowledged by the backend.
func (s *Stats) Bytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes
}

// ETA estimates the time left for the given number of remaining calls.
func (s *Stats) ETA(remainingCalls int64) time.Duration {
	return s.Average() * time.Duration(remainingCalls)
}
