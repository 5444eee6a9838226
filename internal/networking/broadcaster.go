package networking

import (
	"time"

	"wandersync/internal/protocol"
)

// Rand is the uniform [0,1) source used to sample faults.
type Rand interface {
	Float64() float64
}

// Transmitter hands a framed snapshot to the transport.
type Transmitter interface {
	Transmit(frame []byte)
}

// TransmitterFunc adapts a function into a Transmitter.
type TransmitterFunc func(frame []byte)

// Transmit implements Transmitter.
func (f TransmitterFunc) Transmit(frame []byte) { f(frame) }

// Fanout forwards every frame to each wrapped transmitter in order.
type Fanout []Transmitter

// Transmit implements Transmitter.
func (f Fanout) Transmit(frame []byte) {
	for _, t := range f {
		if t != nil {
			t.Transmit(frame)
		}
	}
}

// FaultConfig controls the simulated network faults.
type FaultConfig struct {
	// LossPercent is the chance, 0-100, that a frame is silently discarded.
	LossPercent float64
	// DelayPercent is the chance, 0-100, that a surviving frame is held back.
	DelayPercent float64
	// MaxDelay bounds the uniformly sampled hold-back time. Samples fall in
	// [0, MaxDelay); the upper bound itself is never drawn.
	MaxDelay time.Duration
}

// Outcome reports what the broadcaster did with a frame.
type Outcome int

const (
	OutcomeSent Outcome = iota
	OutcomeDelayed
	OutcomeDropped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSent:
		return "sent"
	case OutcomeDelayed:
		return "delayed"
	case OutcomeDropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// SendResult describes a single Send call.
type SendResult struct {
	Outcome Outcome
	Delay   time.Duration
}

// FaultyBroadcaster wraps a Transmitter with probabilistic loss and delay.
// Send and Flush must be called from the simulation thread; Stats may be
// called from anywhere.
type FaultyBroadcaster struct {
	cfg   FaultConfig
	rng   Rand
	out   Transmitter
	queue *DelayQueue

	metrics *BroadcastMetrics
}

// BroadcasterOption customises a FaultyBroadcaster.
type BroadcasterOption func(*FaultyBroadcaster)

// WithBroadcastMetrics shares a metrics sink with other components.
func WithBroadcastMetrics(metrics *BroadcastMetrics) BroadcasterOption {
	return func(b *FaultyBroadcaster) {
		if metrics != nil {
			b.metrics = metrics
		}
	}
}

// NewFaultyBroadcaster constructs a broadcaster transmitting through out.
func NewFaultyBroadcaster(cfg FaultConfig, rng Rand, out Transmitter, opts ...BroadcasterOption) *FaultyBroadcaster {
	b := &FaultyBroadcaster{
		cfg:     cfg,
		rng:     rng,
		out:     out,
		queue:   NewDelayQueue(),
		metrics: NewBroadcastMetrics(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Broadcast frames the entities and sends them through the fault model.
func (b *FaultyBroadcaster) Broadcast(entities []protocol.Entity) SendResult {
	return b.Send(protocol.Encode(entities))
}

// Send drops, delays or immediately transmits the frame.
func (b *FaultyBroadcaster) Send(frame []byte) SendResult {
	//1.- Lose the frame outright every so often.
	if b.rng.Float64()*100 < b.cfg.LossPercent {
		b.metrics.observe(OutcomeDropped, b.queue.Len())
		return SendResult{Outcome: OutcomeDropped}
	}
	//2.- Hold a share of the survivors back for a random countdown.
	if b.rng.Float64()*100 < b.cfg.DelayPercent {
		delay := time.Duration(b.rng.Float64() * float64(b.cfg.MaxDelay))
		b.queue.Push(frame, delay)
		b.metrics.observe(OutcomeDelayed, b.queue.Len())
		return SendResult{Outcome: OutcomeDelayed, Delay: delay}
	}
	b.transmit(frame)
	b.metrics.observe(OutcomeSent, b.queue.Len())
	return SendResult{Outcome: OutcomeSent}
}

// Flush releases delayed frames whose countdown has expired.
func (b *FaultyBroadcaster) Flush(elapsed time.Duration) int {
	released := b.queue.Flush(elapsed, b.transmit)
	b.metrics.release(released, b.queue.Len())
	return released
}

// Pending reports how many delayed frames are waiting.
func (b *FaultyBroadcaster) Pending() int {
	return b.queue.Len()
}

// Stats returns the cumulative broadcast counters.
func (b *FaultyBroadcaster) Stats() BroadcastStats {
	return b.metrics.Snapshot()
}

func (b *FaultyBroadcaster) transmit(frame []byte) {
	if b.out != nil {
		b.out.Transmit(frame)
	}
	b.metrics.transmitted(len(frame))
}
