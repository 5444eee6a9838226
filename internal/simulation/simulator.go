package simulation

import (
	"math"

	"wandersync/internal/protocol"
)

// Rand is the uniform [0,1) source consumed by the simulator. *rand.Rand from
// math/rand/v2 satisfies it.
type Rand interface {
	Float64() float64
}

// SteeringConfig holds the wander steering tunables.
type SteeringConfig struct {
	MaxSpeed     float32
	WanderJitter float32
	WanderRadius float32
	WanderOffset float32
}

// DefaultSteering returns the stock wander behaviour.
func DefaultSteering() SteeringConfig {
	return SteeringConfig{
		MaxSpeed:     10,
		WanderJitter: 0.05,
		WanderRadius: 1.5,
		WanderOffset: 2.5,
	}
}

// Config describes a simulation session. It is copied at construction and
// never mutated afterwards.
type Config struct {
	Count       int
	ArenaRadius float32
	Steering    SteeringConfig
}

// Simulator owns the canonical entity array and the per-entity wander state.
type Simulator struct {
	cfg      Config
	rng      Rand
	entities []protocol.Entity
	// wander is indexed in parallel with entities and never transmitted.
	wander []float32
	tick   uint64
}

// NewSimulator seeds count entities scattered around the arena centre.
func NewSimulator(cfg Config, rng Rand) *Simulator {
	if cfg.Count < 0 {
		cfg.Count = 0
	}
	s := &Simulator{
		cfg:      cfg,
		rng:      rng,
		entities: make([]protocol.Entity, cfg.Count),
		wander:   make([]float32, cfg.Count),
	}
	for i := range s.entities {
		//1.- Sample facing, offset direction and offset distance. The distance is
		// linear in the radius so the population is denser near the centre.
		facing := s.angle()
		offsetDir := s.angle()
		offset := float64(cfg.ArenaRadius) * rng.Float64()
		s.wander[i] = float32(s.angle())

		s.entities[i] = protocol.Entity{
			ID:       uint32(i),
			Position: protocol.FromAngle(offsetDir).Mul(float32(offset)),
			Velocity: protocol.FromAngle(facing).Mul(cfg.Steering.MaxSpeed),
		}
	}
	return s
}

func (s *Simulator) angle() float64 {
	return s.rng.Float64() * 2 * math.Pi
}

// Config returns the immutable configuration the simulator was built with.
func (s *Simulator) Config() Config {
	return s.cfg
}

// Entities exposes the canonical array. Callers must treat it as read-only.
func (s *Simulator) Entities() []protocol.Entity {
	return s.entities
}

// Snapshot returns a copy of the canonical array.
func (s *Simulator) Snapshot() []protocol.Entity {
	return append([]protocol.Entity(nil), s.entities...)
}

// Tick reports how many steps have been simulated.
func (s *Simulator) Tick() uint64 {
	return s.tick
}

// Step advances every entity by dt seconds.
func (s *Simulator) Step(dt float32) {
	steer := s.cfg.Steering
	radius := s.cfg.ArenaRadius
	for i := range s.entities {
		e := &s.entities[i]

		//1.- Jitter the wander phase.
		s.wander[i] += float32(s.rng.Float64()*2-1) * steer.WanderJitter

		//2.- Push along the wander circle plus forward along the heading; a
		// stationary entity has no heading so only the circle term applies.
		heading := protocol.Normalize(e.Velocity)
		force := protocol.FromAngle(float64(s.wander[i])).Mul(steer.WanderRadius)
		e.Velocity = e.Velocity.Add(force).Add(heading.Mul(steer.WanderOffset))

		//3.- Cap speed then integrate.
		e.Velocity = protocol.Truncate(e.Velocity, steer.MaxSpeed)
		e.Position = e.Position.Add(e.Velocity.Mul(dt))

		//4.- Leaving the arena mirrors the entity through the centre.
		e.Teleported = false
		if protocol.LengthSqr(e.Position) > radius*radius {
			e.Teleported = true
			e.Position = e.Position.Sub(protocol.Normalize(e.Position).Mul(radius * 2))
		}
	}
	s.tick++
}
