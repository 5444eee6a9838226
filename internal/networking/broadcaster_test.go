package networking

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl32"

	"wandersync/internal/protocol"
)

type recordingTransmitter struct {
	frames [][]byte
}

func (r *recordingTransmitter) Transmit(frame []byte) {
	r.frames = append(r.frames, frame)
}

// scriptedRand replays fixed samples in order.
type scriptedRand struct {
	samples []float64
	next    int
}

func (s *scriptedRand) Float64() float64 {
	v := s.samples[s.next%len(s.samples)]
	s.next++
	return v
}

func newTestRand() *rand.Rand {
	return rand.New(rand.NewPCG(11, 13))
}

func TestBroadcasterTotalLossTransmitsNothing(t *testing.T) {
	out := &recordingTransmitter{}
	b := NewFaultyBroadcaster(FaultConfig{LossPercent: 100, DelayPercent: 50, MaxDelay: time.Second}, newTestRand(), out)
	for i := 0; i < 1000; i++ {
		if result := b.Send([]byte{protocol.MessageEntityList}); result.Outcome != OutcomeDropped {
			t.Fatalf("trial %d: expected drop, got %v", i, result.Outcome)
		}
		b.Flush(time.Second)
	}
	if len(out.frames) != 0 {
		t.Fatalf("expected no transmissions, got %d", len(out.frames))
	}
	stats := b.Stats()
	if stats.Attempts != 1000 || stats.Dropped != 1000 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestBroadcasterNoFaultsTransmitsImmediately(t *testing.T) {
	out := &recordingTransmitter{}
	b := NewFaultyBroadcaster(FaultConfig{}, newTestRand(), out)
	for i := 0; i < 1000; i++ {
		before := len(out.frames)
		if result := b.Send([]byte{byte(i)}); result.Outcome != OutcomeSent {
			t.Fatalf("trial %d: expected immediate send, got %v", i, result.Outcome)
		}
		if len(out.frames) != before+1 {
			t.Fatalf("trial %d: expected exactly one transmission", i)
		}
	}
	if b.Pending() != 0 {
		t.Fatalf("expected no delayed frames, got %d", b.Pending())
	}
}

func TestBroadcasterDelayedFrameWaitsForCountdown(t *testing.T) {
	out := &recordingTransmitter{}
	//1.- Survive the loss roll, take the delay roll, then sample 0.5 of the range.
	rng := &scriptedRand{samples: []float64{0.99, 0.0, 0.5}}
	b := NewFaultyBroadcaster(FaultConfig{LossPercent: 10, DelayPercent: 10, MaxDelay: time.Second}, rng, out)

	result := b.Send([]byte("frame"))
	if result.Outcome != OutcomeDelayed || result.Delay != 500*time.Millisecond {
		t.Fatalf("unexpected result %+v", result)
	}

	step := time.Second / 60
	elapsed := time.Duration(0)
	for len(out.frames) == 0 {
		if elapsed > 2*time.Second {
			t.Fatalf("delayed frame was never released")
		}
		b.Flush(step)
		elapsed += step
		if len(out.frames) > 0 && elapsed < result.Delay {
			t.Fatalf("frame released after %v, before its %v delay", elapsed, result.Delay)
		}
	}
	stats := b.Stats()
	if stats.Delayed != 1 || stats.Released != 1 || stats.Pending != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if stats.Bytes != int64(len("frame")) {
		t.Fatalf("expected released bytes to be counted, got %d", stats.Bytes)
	}
}

func TestBroadcasterDelayedFramesMayReorder(t *testing.T) {
	out := &recordingTransmitter{}
	//1.- First frame draws a long delay, the second a short one.
	rng := &scriptedRand{samples: []float64{0.99, 0.0, 0.9, 0.99, 0.0, 0.1}}
	b := NewFaultyBroadcaster(FaultConfig{LossPercent: 10, DelayPercent: 10, MaxDelay: time.Second}, rng, out)
	b.Send([]byte("first"))
	b.Send([]byte("second"))

	b.Flush(950 * time.Millisecond)
	if len(out.frames) != 2 {
		t.Fatalf("expected both frames released, got %d", len(out.frames))
	}
	if string(out.frames[0]) != "second" {
		t.Fatalf("expected the shorter countdown to go first, got %q", out.frames[0])
	}
}

func TestBroadcastEncodesEntities(t *testing.T) {
	out := &recordingTransmitter{}
	b := NewFaultyBroadcaster(FaultConfig{}, newTestRand(), out)
	entities := []protocol.Entity{{ID: 3, Position: mgl32.Vec2{1, 2}, Velocity: mgl32.Vec2{3, 4}}}
	b.Broadcast(entities)

	decoded, err := protocol.Decode(out.frames[0])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded) != 1 || decoded[0] != entities[0] {
		t.Fatalf("unexpected decoded entities %+v", decoded)
	}
}

func TestFanoutForwardsToEveryTransmitter(t *testing.T) {
	a, c := &recordingTransmitter{}, &recordingTransmitter{}
	var called int
	fanout := Fanout{a, nil, TransmitterFunc(func([]byte) { called++ }), c}
	fanout.Transmit([]byte("x"))
	if len(a.frames) != 1 || len(c.frames) != 1 || called != 1 {
		t.Fatalf("fanout missed a transmitter")
	}
}
