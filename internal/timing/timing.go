// Package timing measures the stages of one request so callers can
// return a latency breakdown and feed the Prometheus stage histograms
// from the same numbers.
package timing

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Stopwatch accumulates wall time per named stage. Recording the same
// stage twice adds up. Safe for concurrent use.
type Stopwatch struct {
	started time.Time

	mu     sync.Mutex
	order  []string
	stages map[string]time.Duration
}

func New() *Stopwatch {
	return &Stopwatch{
		started: time.Now(),
		stages:  map[string]time.Duration{},
	}
}

// Observe runs fn, records its wall time under name, and feeds the
// duration in seconds to obs when obs is not nil. The error of fn is
// returned unchanged so failed stages still show up in the breakdown.
func (s *Stopwatch) Observe(name string, obs prometheus.Observer, fn func() error) error {
	begin := time.Now()
	err := fn()
	elapsed := time.Since(begin)

	s.record(name, elapsed)
	if obs != nil {
		obs.Observe(elapsed.Seconds())
	}
	return err
}

func (s *Stopwatch) record(name string, elapsed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.stages[name]; !ok {
		s.order = append(s.order, name)
	}
	s.stages[name] += elapsed
}

// StageMillis returns the recorded stages as whole milliseconds, keyed
// by stage name.
func (s *Stopwatch) StageMillis() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]int64, len(s.stages))
	for name, d := range s.stages {
		out[name] = d.Milliseconds()
	}
	return out
}

// Stages returns the stage names in first-recorded order.
func (s *Stopwatch) Stages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

// TotalMillis returns the wall time since the stopwatch was created.
func (s *Stopwatch) TotalMillis() int64 {
	return time.Since(s.started).Milliseconds()
}
