package simulation

import (
	"sync"
	"time"
)

// TickStats summarises how long fixed steps take against their budget.
type TickStats struct {
	Budget  time.Duration
	Samples int
	Average time.Duration
	Max     time.Duration
	Last    time.Duration
	// Overruns counts steps whose wall time exceeded Budget.
	Overruns int
	// MaxBatch is the most steps a single Advance had to run to catch up.
	MaxBatch int
}

// Headroom is the fraction of the budget an average step leaves unused.
// Negative means the loop is falling behind.
func (s TickStats) Headroom() float64 {
	if s.Budget <= 0 {
		return 0
	}
	return 1 - float64(s.Average)/float64(s.Budget)
}

// TickMonitor is written by the simulation goroutine and read by the ops
// endpoints.
type TickMonitor struct {
	budget time.Duration

	mu       sync.Mutex
	samples  int
	total    time.Duration
	max      time.Duration
	last     time.Duration
	overruns int
	maxBatch int
}

// NewTickMonitor measures steps against budget, normally the loop step.
func NewTickMonitor(budget time.Duration) *TickMonitor {
	return &TickMonitor{budget: budget}
}

// Observe records one completed step.
func (m *TickMonitor) Observe(duration time.Duration) {
	if m == nil || duration <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples++
	m.total += duration
	m.last = duration
	m.max = max(m.max, duration)
	if m.budget > 0 && duration > m.budget {
		m.overruns++
	}
}

// ObserveBatch records how many steps one Advance call executed.
func (m *TickMonitor) ObserveBatch(steps int) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.maxBatch = max(m.maxBatch, steps)
	m.mu.Unlock()
}

// Stats returns the aggregated measurements.
func (m *TickMonitor) Stats() TickStats {
	if m == nil {
		return TickStats{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := TickStats{
		Budget:   m.budget,
		Samples:  m.samples,
		Max:      m.max,
		Last:     m.last,
		Overruns: m.overruns,
		MaxBatch: m.maxBatch,
	}
	if m.samples > 0 {
		stats.Average = m.total / time.Duration(m.samples)
	}
	return stats
}
