package protocol

import (
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

// Entity is the broadcast view of a single wandering agent. Every field is
// transmitted in every snapshot.
type Entity struct {
	ID         uint32
	Position   mgl32.Vec2
	Velocity   mgl32.Vec2
	Teleported bool
}

// LengthSqr returns the squared magnitude of v.
func LengthSqr(v mgl32.Vec2) float32 {
	return v.Dot(v)
}

// Normalize scales v to unit length. A zero vector is returned unchanged
// instead of producing NaN components.
func Normalize(v mgl32.Vec2) mgl32.Vec2 {
	lengthSq := LengthSqr(v)
	if lengthSq == 0 {
		return v
	}
	return v.Mul(1 / float32(math.Sqrt(float64(lengthSq))))
}

// Truncate clamps the magnitude of v to limit, preserving its direction.
func Truncate(v mgl32.Vec2, limit float32) mgl32.Vec2 {
	//1.- Leave short vectors and disabled limits untouched.
	if !(limit > 0) || LengthSqr(v) <= limit*limit {
		return v
	}
	//2.- Rescale along the existing heading so the magnitude equals the limit exactly.
	return Normalize(v).Mul(limit)
}

// Distance returns the Euclidean distance between a and b.
func Distance(a, b mgl32.Vec2) float32 {
	return a.Sub(b).Len()
}

// FromAngle returns (sin(angle), cos(angle)), the heading convention used by
// the simulator for facings and wander targets.
func FromAngle(angle float64) mgl32.Vec2 {
	return mgl32.Vec2{float32(math.Sin(angle)), float32(math.Cos(angle))}
}
