package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// EvictFunc removes sessions idle since before cutoff and returns how many.
type EvictFunc func(cutoff time.Time) int

// SweepOption configures a Sweeper.
type SweepOption func(*Sweeper)

// WithSweepClock overrides time.Now.
func WithSweepClock(now func() time.Time) SweepOption {
	return func(s *Sweeper) { s.now = now }
}

// Sweeper evicts idle sessions at most once per interval. MaybeSweep is cheap
// when a sweep is not due, so it can run on every request.
type Sweeper struct {
	ttl      time.Duration
	interval time.Duration
	evict    EvictFunc
	now      func() time.Time

	mu   sync.Mutex   // Serializes sweeps
	last atomic.Int64 // Unix nanos of the last sweep
}

// NewSweeper creates a sweeper evicting sessions idle longer than ttl.
func NewSweeper(ttl, interval time.Duration, evict EvictFunc, opts ...SweepOption) *Sweeper {
	if interval <= 0 {
		interval = ttl / 4
	}
	s := &Sweeper{ttl: ttl, interval: interval, evict: evict, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	s.last.Store(s.now().UnixNano())
	return s
}

// MaybeSweep runs a sweep when the interval has passed since the last one.
// Concurrent callers collapse into a single sweep.
func (s *Sweeper) MaybeSweep() int {
	if !s.due(s.now()) {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if !s.due(now) {
		return 0
	}
	s.last.Store(now.UnixNano())
	return s.evict(now.Add(-s.ttl))
}

func (s *Sweeper) due(now time.Time) bool {
	return now.UnixNano()-s.last.Load() >= int64(s.interval)
}

// Sweep evicts idle sessions now, regardless of the interval.
func (s *Sweeper) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.last.Store(now.UnixNano())
	return s.evict(now.Add(-s.ttl))
}

// Run sweeps on every interval tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.MaybeSweep()
		}
	}
}
