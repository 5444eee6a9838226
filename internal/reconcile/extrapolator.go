package reconcile

import "wandersync/internal/protocol"

// Extrapolator dead-reckons display entities between snapshots.
type Extrapolator struct {
	frameTime float32
}

// NewExtrapolator integrates over a fixed frame time in seconds.
func NewExtrapolator(frameTime float32) Extrapolator {
	return Extrapolator{frameTime: frameTime}
}

// FrameTime reports the integration step in seconds.
func (e Extrapolator) FrameTime() float32 {
	return e.frameTime
}

// Advance moves every entity along its velocity by one frame.
func (e Extrapolator) Advance(entities []protocol.Entity) {
	for i := range entities {
		entities[i].Position = entities[i].Position.Add(entities[i].Velocity.Mul(e.frameTime))
	}
}
