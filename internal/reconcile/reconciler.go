// Package reconcile merges sparse, unreliable snapshots into a locally
// extrapolated copy of the entity set.
package reconcile

import (
	"errors"
	"fmt"

	"wandersync/internal/protocol"
)

// ErrEntityCountMismatch reports a snapshot whose length differs from the
// first snapshot received. Entity count is fixed for a session.
var ErrEntityCountMismatch = errors.New("reconcile: snapshot entity count changed")

// Config holds the reconciliation tunables.
type Config struct {
	// DivergenceThreshold is the distance, in world units, past which a
	// display entity counts as diverged from its authoritative position.
	DivergenceThreshold float32
	// Patience is how many consecutive diverged snapshots are tolerated
	// before the display entity is snapped.
	Patience int
	// FrameTime is the extrapolation step in seconds.
	FrameTime float32
}

// DefaultConfig returns the standard observer tuning.
func DefaultConfig() Config {
	return Config{
		DivergenceThreshold: 1.0,
		Patience:            3,
		FrameTime:           1.0 / 60.0,
	}
}

// State is the reconciler lifecycle.
type State int

const (
	StateUninitialized State = iota
	StateTracking
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateTracking:
		return "tracking"
	default:
		return "unknown"
	}
}

// Result summarises one applied snapshot.
type Result struct {
	Initialized bool
	Entities    int
	Diverged    int
	Snapped     int
	Teleports   int
}

// Stats accumulates Results over the reconciler lifetime.
type Stats struct {
	Snapshots int
	Rejected  int
	Snaps     int
	Teleports int
	Frames    int
}

// Observer is the client-side view of the synchronisation protocol.
type Observer interface {
	ApplyMessage(frame []byte) (Result, error)
	Extrapolate()
	Display() []protocol.Entity
	State() State
}

// Reconciler keeps an authoritative mirror of the last snapshot plus the
// display copy the client draws. It is not safe for concurrent use.
type Reconciler struct {
	cfg          Config
	extrapolator Extrapolator

	state         State
	authoritative []protocol.Entity
	display       []protocol.Entity
	streaks       []int

	stats Stats
}

var _ Observer = (*Reconciler)(nil)

// NewReconciler constructs an uninitialized reconciler.
func NewReconciler(cfg Config) *Reconciler {
	return &Reconciler{
		cfg:          cfg,
		extrapolator: NewExtrapolator(cfg.FrameTime),
	}
}

// Config returns the tuning in use.
func (r *Reconciler) Config() Config { return r.cfg }

// State reports whether a snapshot has been received.
func (r *Reconciler) State() State { return r.state }

// Display returns the extrapolated entities. The slice is owned by the
// reconciler and must not be modified.
func (r *Reconciler) Display() []protocol.Entity { return r.display }

// Authoritative returns the most recently received snapshot.
func (r *Reconciler) Authoritative() []protocol.Entity { return r.authoritative }

// Streaks returns the per-entity count of consecutive diverged snapshots.
func (r *Reconciler) Streaks() []int { return r.streaks }

// Stats returns cumulative counters.
func (r *Reconciler) Stats() Stats { return r.stats }

// ApplyMessage decodes a wire frame and applies it.
func (r *Reconciler) ApplyMessage(frame []byte) (Result, error) {
	entities, err := protocol.Decode(frame)
	if err != nil {
		r.stats.Rejected++
		return Result{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return r.Apply(entities)
}

// Apply merges a decoded snapshot. Entities are matched by position in the
// slice, never by id.
func (r *Reconciler) Apply(entities []protocol.Entity) (Result, error) {
	//1.- The first snapshot sizes both copies and starts them in agreement.
	if r.state == StateUninitialized {
		r.authoritative = append([]protocol.Entity(nil), entities...)
		r.display = append([]protocol.Entity(nil), entities...)
		r.streaks = make([]int, len(entities))
		r.state = StateTracking
		r.stats.Snapshots++
		return Result{Initialized: true, Entities: len(entities)}, nil
	}
	if len(entities) != len(r.authoritative) {
		r.stats.Rejected++
		return Result{}, fmt.Errorf("%w: have %d, got %d", ErrEntityCountMismatch, len(r.authoritative), len(entities))
	}

	result := Result{Entities: len(entities)}
	threshold := r.cfg.DivergenceThreshold
	for i := range entities {
		//2.- Mirror the server and adopt its velocity straight away.
		r.authoritative[i] = entities[i]
		r.display[i].Velocity = entities[i].Velocity

		//3.- Count consecutive snapshots the display spends out of tolerance.
		if protocol.Distance(r.display[i].Position, entities[i].Position) > threshold {
			r.streaks[i]++
			result.Diverged++
		} else {
			r.streaks[i] = 0
		}

		//4.- Snap once patience runs out or the server relocated the entity.
		if entities[i].Teleported {
			result.Teleports++
		}
		if r.streaks[i] > r.cfg.Patience || entities[i].Teleported {
			r.display[i].Position = entities[i].Position
			r.streaks[i] = 0
			result.Snapped++
		}
	}
	r.stats.Snapshots++
	r.stats.Snaps += result.Snapped
	r.stats.Teleports += result.Teleports
	return result, nil
}

// Extrapolate advances the display copy by one frame. It is a no-op until
// the first snapshot arrives.
func (r *Reconciler) Extrapolate() {
	r.extrapolator.Advance(r.display)
	r.stats.Frames++
}
