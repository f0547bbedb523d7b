package profile

import (
	"context"
	"sync"
	"time"

	"github.com/deckhand-dev/deckhand/internal/config"
)

// Service serves cached SystemProfile snapshots. Detection runs at most
// once per TTL window; concurrent readers share the same snapshot and
// never block each other while a refresh is in flight (the stale copy is
// served until the new one is swapped in).
type Service struct {
	detector *Detector
	ttl      time.Duration
	clock    func() time.Time

	mu        sync.RWMutex
	current   *SystemProfile
	refreshMu sync.Mutex // serializes detection, not reads
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithTTL overrides the snapshot TTL (default 5s).
func WithTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) { s.ttl = ttl }
}

// WithClock overrides time for tests.
func WithClock(clock func() time.Time) ServiceOption {
	return func(s *Service) { s.clock = clock }
}

// NewService creates a profile service around the given detector.
func NewService(d *Detector, opts ...ServiceOption) *Service {
	s := &Service{
		detector: d,
		ttl:      config.DefaultProfileTTL,
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Current returns a profile no older than the TTL, detecting a fresh one
// if needed. Consumers receive a copy; the snapshot itself is immutable.
func (s *Service) Current(ctx context.Context) SystemProfile {
	s.mu.RLock()
	cur := s.current
	s.mu.RUnlock()

	if cur != nil && s.clock().Sub(cur.CapturedAt) < s.ttl {
		return *cur
	}

	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	// Re-check: another caller may have refreshed while we waited.
	s.mu.RLock()
	cur = s.current
	s.mu.RUnlock()
	if cur != nil && s.clock().Sub(cur.CapturedAt) < s.ttl {
		return *cur
	}

	fresh := s.detector.Detect(ctx)
	if !fresh.CapturedAt.IsZero() {
		fresh.CapturedAt = s.clock().UTC()
	}

	s.mu.Lock()
	s.current = &fresh
	s.mu.Unlock()

	return fresh
}

// Invalidate drops the cached snapshot so the next Current re-detects.
func (s *Service) Invalidate() {
	s.mu.Lock()
	s.current = nil
	s.mu.Unlock()
}
