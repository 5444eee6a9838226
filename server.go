package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	configpkg "wandersync/internal/config"
	grpcstream "wandersync/internal/grpc"
	"wandersync/internal/logging"
	"wandersync/internal/networking"
	"wandersync/internal/protocol"
	"wandersync/internal/replay"
	"wandersync/internal/simulation"
	"wandersync/internal/transport"
)

const (
	// tickRateHz is the fixed simulation and broadcast rate.
	tickRateHz = 60

	defaultPollInterval = time.Millisecond
)

// ServerOptions wires the collaborators of a simulation server. Every
// transport is optional so tests can run the loop against a plain recorder.
type ServerOptions struct {
	Args     configpkg.SimulationArgs
	Seed     uint64
	Logger   *logging.Logger
	Hub      *transport.Hub
	Stream   *grpcstream.Service
	Recorder *replay.Writer
	// Output receives every transmitted frame in addition to the transports.
	Output       networking.Transmitter
	Clock        func() time.Time
	PollInterval time.Duration
}

type eventSource struct {
	name   string
	source transport.Source
}

// Server owns the authoritative simulation and pushes a snapshot through the
// fault model after every fixed step. All simulation state is touched only by
// the goroutine running Run; ops readers go through atomics and stats snapshots.
type Server struct {
	log          *logging.Logger
	args         configpkg.SimulationArgs
	seed         uint64
	simulator    *simulation.Simulator
	loop         *simulation.Loop
	monitor      *simulation.TickMonitor
	metrics      *networking.BroadcastMetrics
	broadcaster  *networking.FaultyBroadcaster
	hub          *transport.Hub
	stream       *grpcstream.Service
	recorder     *replay.Writer
	sources      []eventSource
	now          func() time.Time
	pollInterval time.Duration
	started      time.Time

	tick atomic.Uint64

	mu         sync.Mutex
	startupErr error
}

// NewServer seeds the simulation and assembles the broadcast pipeline.
func NewServer(opts ServerOptions) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}

	s := &Server{
		log:          logger.With(logging.Component("server")),
		args:         opts.Args,
		seed:         opts.Seed,
		monitor:      simulation.NewTickMonitor(time.Second / tickRateHz),
		metrics:      networking.NewBroadcastMetrics(),
		hub:          opts.Hub,
		stream:       opts.Stream,
		recorder:     opts.Recorder,
		now:          clock,
		pollInterval: pollInterval,
		started:      clock(),
	}

	//1.- One seeded source drives both the wander steering and the fault sampling.
	rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15))
	s.simulator = simulation.NewSimulator(simulation.Config{
		Count:       opts.Args.Count,
		ArenaRadius: opts.Args.Radius,
		Steering:    simulation.DefaultSteering(),
	}, rng)
	s.loop = simulation.NewLoop(tickRateHz, s.step, simulation.WithTickMonitor(s.monitor))

	//2.- Fan transmitted frames out to every attached transport and the replay tap.
	var out networking.Fanout
	if s.hub != nil {
		out = append(out, s.hub)
		s.sources = append(s.sources, eventSource{name: "websocket", source: s.hub})
	}
	if s.stream != nil {
		out = append(out, s.stream)
		s.sources = append(s.sources, eventSource{name: "grpc", source: s.stream})
	}
	if s.recorder != nil {
		out = append(out, networking.TransmitterFunc(s.recordFrame))
	}
	if opts.Output != nil {
		out = append(out, opts.Output)
	}
	s.broadcaster = networking.NewFaultyBroadcaster(networking.FaultConfig{
		LossPercent:  opts.Args.LossPercent,
		DelayPercent: opts.Args.DelayPercent,
		MaxDelay:     opts.Args.DelayRange,
	}, rng, out, networking.WithBroadcastMetrics(s.metrics))

	s.recorder.SetHeaderMetadata(opts.Seed, s.simulationParameters())
	return s
}

func (s *Server) simulationParameters() replay.SimulationParameters {
	steering := s.simulator.Config().Steering
	return replay.SimulationParameters{
		EntityCount:  s.args.Count,
		ArenaRadius:  s.args.Radius,
		LossPercent:  s.args.LossPercent,
		DelayPercent: s.args.DelayPercent,
		MaxDelayMs:   s.args.DelayRange.Milliseconds(),
		TickRateHz:   tickRateHz,
		MaxSpeed:     steering.MaxSpeed,
		WanderJitter: steering.WanderJitter,
		WanderRadius: steering.WanderRadius,
		WanderOffset: steering.WanderOffset,
	}
}

// Run drives the simulation until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if ctx == nil {
		return errors.New("server: context required")
	}
	s.log.Info("simulation started",
		logging.Int("entities", s.args.Count),
		logging.Float64("arena_radius", float64(s.args.Radius)),
		logging.Float64("loss_percent", s.args.LossPercent),
		logging.Float64("delay_percent", s.args.DelayPercent),
		logging.Duration("delay_range", s.args.DelayRange),
		logging.Uint64("seed", s.seed),
	)
	s.recordEvent(replay.EventSessionStarted, map[string]any{"seed": s.seed, "entities": s.args.Count})

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	previous := s.now()
	for {
		select {
		case <-ctx.Done():
			//1.- Operator abort: log the final counters and stop cleanly.
			stats := s.broadcaster.Stats()
			s.recordEvent(replay.EventSessionStopped, stats)
			s.log.Info("simulation stopped",
				logging.Tick(s.tick.Load()),
				logging.Int64("frames_attempted", stats.Attempts),
				logging.Int64("frames_dropped", stats.Dropped),
				logging.Int64("frames_delayed", stats.Delayed),
				logging.Int("frames_pending", stats.Pending),
			)
			return nil
		case <-ticker.C:
			current := s.now()
			s.Iterate(current.Sub(previous))
			previous = current
		}
	}
}

// Iterate performs one pass of the server loop: run whole simulation steps
// covered by elapsed, release expired delayed frames and drain transport events.
func (s *Server) Iterate(elapsed time.Duration) int {
	steps := s.loop.Advance(elapsed)
	s.broadcaster.Flush(elapsed)
	s.pollTransports()
	return steps
}

func (s *Server) step(step time.Duration) {
	s.simulator.Step(float32(step.Seconds()))
	tick := s.simulator.Tick()
	s.tick.Store(tick)

	result := s.broadcaster.Send(protocol.Encode(s.simulator.Entities()))
	switch result.Outcome {
	case networking.OutcomeDropped:
		s.recordEvent(replay.EventFrameDropped, map[string]any{"tick": tick})
	case networking.OutcomeDelayed:
		s.recordEvent(replay.EventFrameDelayed, map[string]any{"tick": tick, "delay_ms": result.Delay.Milliseconds()})
	}
}

func (s *Server) pollTransports() {
	for _, src := range s.sources {
		for _, event := range src.source.Poll() {
			s.handleEvent(src.name, event)
		}
	}
}

func (s *Server) handleEvent(transportName string, event transport.Event) {
	fields := []logging.Field{
		logging.Transport(transportName),
		logging.Peer(event.Peer),
	}
	switch event.Kind {
	case transport.EventNewIncomingConnection:
		s.log.Info("a connection is incoming", fields...)
	case transport.EventDisconnectionNotification:
		s.log.Info("a client has disconnected", fields...)
	case transport.EventConnectionLost:
		if event.Err != nil {
			fields = append(fields, logging.Error(event.Err))
		}
		s.log.Warn("a client lost the connection", fields...)
	case transport.EventMessage:
		tag, _ := protocol.PeekTag(event.Payload)
		s.log.Info("received a message with an unknown id", append(fields, logging.Int("id", int(tag)))...)
		return
	default:
		s.log.Debug("transport event", append(fields, logging.String("kind", event.Kind.String()))...)
		return
	}
	s.recordEvent(replay.EventConnection, map[string]string{
		"transport": transportName,
		"peer":      event.Peer,
		"kind":      event.Kind.String(),
	})
}

func (s *Server) simulatedMs() int64 {
	return int64(s.tick.Load()) * s.loop.StepDuration().Milliseconds()
}

func (s *Server) recordFrame(frame []byte) {
	if err := s.recorder.AppendFrame(s.tick.Load(), s.simulatedMs(), frame); err != nil {
		s.log.Warn("replay frame not recorded", logging.Error(err))
	}
}

func (s *Server) recordEvent(eventType string, payload any) {
	if s.recorder == nil {
		return
	}
	if err := s.recorder.AppendEvent(s.tick.Load(), s.simulatedMs(), eventType, payload); err != nil {
		s.log.Warn("replay event not recorded", logging.String("type", eventType), logging.Error(err))
	}
}

// FlushReplay forces buffered replay frames to disk.
func (s *Server) FlushReplay(context.Context) (string, error) {
	if s.recorder == nil {
		return "", errors.New("replay recording disabled")
	}
	if err := s.recorder.Flush(); err != nil {
		return "", fmt.Errorf("flush replay: %w", err)
	}
	return s.recorder.Directory(), nil
}

// ObserverCounts reports connected observers per transport.
func (s *Server) ObserverCounts() (websocket, grpc int) {
	if s.hub != nil {
		websocket = s.hub.Clients()
	}
	if s.stream != nil {
		grpc = s.stream.Subscribers()
	}
	return websocket, grpc
}

// SetStartupError marks the server unready, typically after a listener failed.
func (s *Server) SetStartupError(err error) {
	s.mu.Lock()
	s.startupErr = err
	s.mu.Unlock()
}

// StartupError reports a fatal startup problem, if any.
func (s *Server) StartupError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startupErr
}

// Uptime reports how long the server has been running.
func (s *Server) Uptime() time.Duration {
	return s.now().Sub(s.started)
}

// SimulatedTick reports the number of completed simulation steps.
func (s *Server) SimulatedTick() uint64 {
	return s.tick.Load()
}

// BroadcastStats exposes the fault model counters.
func (s *Server) BroadcastStats() networking.BroadcastStats {
	return s.metrics.Snapshot()
}

// TickStats exposes step timing measurements.
func (s *Server) TickStats() simulation.TickStats {
	return s.monitor.Stats()
}

// StepDuration exposes the fixed simulation timestep.
func (s *Server) StepDuration() time.Duration {
	return s.loop.StepDuration()
}
