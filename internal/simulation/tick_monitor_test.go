package simulation

import (
	"testing"
	"time"
)

func TestTickMonitorAggregates(t *testing.T) {
	monitor := NewTickMonitor(5 * time.Millisecond)
	monitor.Observe(2 * time.Millisecond)
	monitor.Observe(7 * time.Millisecond)
	monitor.Observe(0)
	monitor.ObserveBatch(3)
	monitor.ObserveBatch(1)

	stats := monitor.Stats()
	if stats.Samples != 2 {
		t.Fatalf("expected zero durations to be ignored, got %d samples", stats.Samples)
	}
	if stats.Average != 4500*time.Microsecond || stats.Max != 7*time.Millisecond || stats.Last != 7*time.Millisecond {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if stats.Overruns != 1 || stats.MaxBatch != 3 {
		t.Fatalf("expected one overrun and a batch of 3, got %+v", stats)
	}
	if headroom := stats.Headroom(); headroom < 0.0999 || headroom > 0.1001 {
		t.Fatalf("expected 0.1 headroom, got %v", headroom)
	}
}

func TestTickMonitorNilSafe(t *testing.T) {
	var monitor *TickMonitor
	monitor.Observe(time.Millisecond)
	monitor.ObserveBatch(2)
	if stats := monitor.Stats(); stats.Samples != 0 || stats.Headroom() != 0 {
		t.Fatalf("expected empty stats, got %+v", stats)
	}
}
