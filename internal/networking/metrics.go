package networking

import "sync"

// BroadcastStats summarises the fault model's decisions.
type BroadcastStats struct {
	Attempts  int64
	Dropped   int64
	Delayed   int64
	Immediate int64
	Released  int64
	Pending   int
	// Bytes counts frame bytes handed to the transport, immediate or released.
	Bytes int64
}

// BroadcastMetrics accumulates counters written by the simulation thread and
// read by the ops endpoints.
type BroadcastMetrics struct {
	mu    sync.Mutex
	stats BroadcastStats
}

// NewBroadcastMetrics constructs an empty metrics sink.
func NewBroadcastMetrics() *BroadcastMetrics {
	return &BroadcastMetrics{}
}

func (m *BroadcastMetrics) observe(outcome Outcome, pending int) {
	m.mu.Lock()
	m.stats.Attempts++
	switch outcome {
	case OutcomeDropped:
		m.stats.Dropped++
	case OutcomeDelayed:
		m.stats.Delayed++
	case OutcomeSent:
		m.stats.Immediate++
	}
	m.stats.Pending = pending
	m.mu.Unlock()
}

func (m *BroadcastMetrics) release(count, pending int) {
	m.mu.Lock()
	m.stats.Released += int64(count)
	m.stats.Pending = pending
	m.mu.Unlock()
}

func (m *BroadcastMetrics) transmitted(size int) {
	m.mu.Lock()
	m.stats.Bytes += int64(size)
	m.mu.Unlock()
}

// Snapshot returns a copy of the counters.
func (m *BroadcastMetrics) Snapshot() BroadcastStats {
	if m == nil {
		return BroadcastStats{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}
