// Package syncpoint lets request goroutines wait for the log consumer.
//
// The consumer applies records in log order and reports each one with
// SetResult. A writer that appended at sequence n waits for the result of n;
// a reader that must observe sequence n waits for the version to reach n.
package syncpoint

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// DefaultResultHorizon is how far behind the version an uncollected result
// may fall before it is dropped.
const DefaultResultHorizon = 10000

// SyncPoint tracks the last applied sequence number of one domain and the
// results of recently applied records.
type SyncPoint struct {
	mu      sync.Mutex
	version int64
	pending map[int64]any
	// advanced is closed and replaced every time version moves.
	advanced chan struct{}
	horizon  int64
	gauge    prometheus.Gauge
}

type Option func(*SyncPoint)

// WithResultHorizon bounds how long an uncollected result is kept.
func WithResultHorizon(n int64) Option {
	return func(s *SyncPoint) {
		if n > 0 {
			s.horizon = n
		}
	}
}

// WithVersionGauge mirrors the version into g.
func WithVersionGauge(g prometheus.Gauge) Option {
	return func(s *SyncPoint) { s.gauge = g }
}

func New(opts ...Option) *SyncPoint {
	s := &SyncPoint{
		version:  -1,
		pending:  make(map[int64]any),
		advanced: make(chan struct{}),
		horizon:  DefaultResultHorizon,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.gauge != nil {
		s.gauge.Set(-1)
	}
	return s
}

// SetResult records that seq was applied. A nil res only advances the
// version. The version never moves backwards.
func (s *SyncPoint) SetResult(seq int64, res any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if res != nil {
		s.pending[seq] = res
	}
	if seq > s.version {
		s.version = seq
		if s.gauge != nil {
			s.gauge.Set(float64(seq))
		}
		close(s.advanced)
		s.advanced = make(chan struct{})
		s.pruneLocked(s.version - s.horizon)
	}
}

// wait blocks until version >= n and returns with mu held.
func (s *SyncPoint) wait(ctx context.Context, n int64) error {
	s.mu.Lock()
	for s.version < n {
		ch := s.advanced
		s.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
		s.mu.Lock()
	}
	return nil
}

// WaitForVersion blocks until the version reaches n or ctx ends.
func (s *SyncPoint) WaitForVersion(ctx context.Context, n int64) error {
	if err := s.wait(ctx, n); err != nil {
		return err
	}
	s.mu.Unlock()
	return nil
}

// WaitForResult blocks until the version reaches n and then takes the
// result stored for n. A record without a result yields nil. Each result is
// handed out once.
func (s *SyncPoint) WaitForResult(ctx context.Context, n int64) (any, error) {
	if err := s.wait(ctx, n); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	res := s.pending[n]
	delete(s.pending, n)
	return res, nil
}

// CurrentVersion returns the last applied sequence number, or -1.
func (s *SyncPoint) CurrentVersion() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Prune drops every uncollected result below watermark.
func (s *SyncPoint) Prune(watermark int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(watermark)
}

func (s *SyncPoint) pruneLocked(watermark int64) {
	for seq := range s.pending {
		if seq < watermark {
			delete(s.pending, seq)
		}
	}
}

// Pending returns the number of results waiting to be collected.
func (s *SyncPoint) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
