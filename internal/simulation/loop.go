package simulation

import (
	"time"
)

// StepFunc advances the simulation by a fixed timestep and may emit side effects.
type StepFunc func(step time.Duration)

// Loop converts variable wall-clock elapsed time into a whole number of
// fixed simulation steps, carrying the remainder between calls.
type Loop struct {
	step        time.Duration
	stepFunc    StepFunc
	accumulator time.Duration
	monitor     *TickMonitor
	now         func() time.Time
}

// LoopOption customises a Loop.
type LoopOption func(*Loop)

// WithTickMonitor records the wall duration of every executed step and the
// size of every catch-up batch.
func WithTickMonitor(monitor *TickMonitor) LoopOption {
	return func(l *Loop) {
		l.monitor = monitor
	}
}

// WithLoopClock overrides the clock used to time steps; primarily used in tests.
func WithLoopClock(clock func() time.Time) LoopOption {
	return func(l *Loop) {
		if clock != nil {
			l.now = clock
		}
	}
}

// NewLoop configures a loop that targets the provided frames per second.
func NewLoop(targetHz float64, step StepFunc, opts ...LoopOption) *Loop {
	if targetHz <= 0 {
		targetHz = 60
	}
	if step == nil {
		step = func(time.Duration) {}
	}
	interval := time.Duration(float64(time.Second) / targetHz)
	if interval <= 0 {
		interval = time.Second / 60
	}
	loop := &Loop{
		step:     interval,
		stepFunc: step,
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(loop)
		}
	}
	return loop
}

// Advance accumulates elapsed time and runs as many fixed steps as it covers.
// It returns the number of steps executed.
func (l *Loop) Advance(elapsed time.Duration) int {
	if l == nil || elapsed <= 0 {
		return 0
	}
	//1.- Accumulate elapsed time and run fixed steps while catching up.
	l.accumulator += elapsed
	steps := 0
	for l.accumulator >= l.step {
		started := l.now()
		l.stepFunc(l.step)
		if l.monitor != nil {
			l.monitor.Observe(l.now().Sub(started))
		}
		l.accumulator -= l.step
		steps++
	}
	if steps > 0 && l.monitor != nil {
		l.monitor.ObserveBatch(steps)
	}
	return steps
}

// Pending reports the accumulated time not yet consumed by a step.
func (l *Loop) Pending() time.Duration {
	if l == nil {
		return 0
	}
	return l.accumulator
}

// StepDuration exposes the configured timestep.
func (l *Loop) StepDuration() time.Duration {
	if l == nil {
		return 0
	}
	return l.step
}
