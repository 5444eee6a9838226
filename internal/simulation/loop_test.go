package simulation

import (
	"testing"
	"time"
)

func TestLoopAdvanceRunsWholeSteps(t *testing.T) {
	var steps []time.Duration
	loop := NewLoop(60, func(step time.Duration) {
		steps = append(steps, step)
	})
	step := loop.StepDuration()

	if got := loop.Advance(step / 2); got != 0 {
		t.Fatalf("expected no steps for half a frame, got %d", got)
	}
	if got := loop.Advance(step/2 + step*2); got != 3 {
		t.Fatalf("expected 3 steps once the accumulator caught up, got %d", got)
	}
	if len(steps) != 3 {
		t.Fatalf("expected 3 step callbacks, got %d", len(steps))
	}
	for _, s := range steps {
		if s != step {
			t.Fatalf("unexpected step duration %v", s)
		}
	}
	if loop.Pending() != 0 {
		t.Fatalf("expected empty accumulator, got %v", loop.Pending())
	}
}

func TestLoopCarriesRemainder(t *testing.T) {
	loop := NewLoop(60, nil)
	step := loop.StepDuration()
	loop.Advance(step + 5*time.Millisecond)
	if loop.Pending() != 5*time.Millisecond {
		t.Fatalf("expected 5ms remainder, got %v", loop.Pending())
	}
	if got := loop.Advance(-time.Second); got != 0 || loop.Pending() != 5*time.Millisecond {
		t.Fatalf("negative elapsed must be ignored, got %d steps pending %v", got, loop.Pending())
	}
}

func TestLoopStepDuration(t *testing.T) {
	loop := NewLoop(120, func(time.Duration) {})
	step := loop.StepDuration()
	expected := time.Second / 120
	if step != expected {
		t.Fatalf("unexpected step duration %v", step)
	}
	if NewLoop(0, nil).StepDuration() != time.Second/60 {
		t.Fatalf("expected 60Hz fallback")
	}
}

func TestLoopFeedsTickMonitor(t *testing.T) {
	now := time.Unix(0, 0)
	clock := func() time.Time {
		now = now.Add(time.Millisecond)
		return now
	}
	monitor := NewTickMonitor(time.Second / 60)
	loop := NewLoop(60, func(time.Duration) {}, WithTickMonitor(monitor), WithLoopClock(clock))
	loop.Advance(loop.StepDuration() * 4)

	stats := monitor.Stats()
	if stats.Samples != 4 || stats.MaxBatch != 4 {
		t.Fatalf("expected 4 samples in one batch, got %+v", stats)
	}
	if stats.Average != time.Millisecond || stats.Overruns != 0 {
		t.Fatalf("expected 1ms average within budget, got %+v", stats)
	}
}
