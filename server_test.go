package main

import (
	"context"
	"errors"
	"testing"
	"time"

	configpkg "wandersync/internal/config"
	"wandersync/internal/logging"
	"wandersync/internal/networking"
	"wandersync/internal/protocol"
	"wandersync/internal/replay"
	"wandersync/internal/transport"
)

type frameSink struct {
	frames [][]byte
}

func (s *frameSink) Transmit(frame []byte) {
	s.frames = append(s.frames, append([]byte(nil), frame...))
}

type scriptedSource struct {
	events []transport.Event
}

func (s *scriptedSource) Poll() []transport.Event {
	events := s.events
	s.events = nil
	return events
}

func newTestServer(t *testing.T, args configpkg.SimulationArgs, sink networking.Transmitter, recorder *replay.Writer) *Server {
	t.Helper()
	return NewServer(ServerOptions{
		Args:     args,
		Seed:     7,
		Logger:   logging.NewTestLogger(),
		Recorder: recorder,
		Output:   sink,
	})
}

func TestServerBroadcastsOneFramePerStepWithoutFaults(t *testing.T) {
	args := configpkg.SimulationArgs{Count: 4, Radius: 20}
	sink := &frameSink{}
	server := newTestServer(t, args, sink, nil)

	steps := server.Iterate(5*server.StepDuration() + time.Millisecond)
	if steps != 5 {
		t.Fatalf("expected 5 steps, got %d", steps)
	}
	if len(sink.frames) != 5 {
		t.Fatalf("expected one frame per step, got %d", len(sink.frames))
	}
	entities, err := protocol.Decode(sink.frames[len(sink.frames)-1])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(entities) != 4 {
		t.Fatalf("expected 4 entities per frame, got %d", len(entities))
	}
	if server.SimulatedTick() != 5 {
		t.Fatalf("expected tick 5, got %d", server.SimulatedTick())
	}
	if stats := server.BroadcastStats(); stats.Attempts != 5 || stats.Immediate != 5 {
		t.Fatalf("unexpected broadcast stats %+v", stats)
	}
	if server.TickStats().Samples != 5 {
		t.Fatalf("expected tick monitor to observe every step")
	}
}

func TestServerTotalLossSendsNothing(t *testing.T) {
	args := configpkg.SimulationArgs{Count: 2, Radius: 20, LossPercent: 100}
	sink := &frameSink{}
	server := newTestServer(t, args, sink, nil)

	server.Iterate(time.Second)
	if len(sink.frames) != 0 {
		t.Fatalf("expected every frame lost, got %d", len(sink.frames))
	}
	if stats := server.BroadcastStats(); stats.Dropped != stats.Attempts || stats.Attempts == 0 {
		t.Fatalf("unexpected broadcast stats %+v", stats)
	}
}

func TestServerReleasesDelayedFramesLater(t *testing.T) {
	args := configpkg.SimulationArgs{Count: 2, Radius: 20, DelayPercent: 100, DelayRange: 500 * time.Millisecond}
	sink := &frameSink{}
	server := newTestServer(t, args, sink, nil)

	step := server.StepDuration()
	server.Iterate(step)
	if server.BroadcastStats().Delayed != 1 {
		t.Fatalf("expected the first frame to be delayed, got %+v", server.BroadcastStats())
	}
	//1.- Keep advancing past the maximum delay; every held frame must eventually go out.
	for i := 0; i < 60; i++ {
		server.Iterate(step)
	}
	stats := server.BroadcastStats()
	if stats.Released == 0 || len(sink.frames) != int(stats.Released) {
		t.Fatalf("expected released frames to reach the sink, stats %+v sink %d", stats, len(sink.frames))
	}
	if stats.Pending != int(stats.Delayed-stats.Released) {
		t.Fatalf("pending count out of sync: %+v", stats)
	}
}

func TestServerRecordsReplay(t *testing.T) {
	writer, _, err := replay.NewWriter(t.TempDir(), "server", nil)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	args := configpkg.SimulationArgs{Count: 3, Radius: 15}
	server := newTestServer(t, args, nil, writer)

	server.Iterate(3*server.StepDuration() + time.Millisecond)
	server.handleEvent("websocket", transport.Event{Kind: transport.EventNewIncomingConnection, Peer: "observer-1"})
	location, err := server.FlushReplay(context.Background())
	if err != nil {
		t.Fatalf("FlushReplay: %v", err)
	}
	if location != writer.Directory() {
		t.Fatalf("expected flush to report the bundle directory, got %q", location)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	bundle, err := replay.ReadBundle(writer.Directory())
	if err != nil {
		t.Fatalf("ReadBundle: %v", err)
	}
	if len(bundle.Frames) != 3 {
		t.Fatalf("expected 3 recorded frames, got %d", len(bundle.Frames))
	}
	if bundle.Frames[2].Tick != 3 {
		t.Fatalf("expected last frame at tick 3, got %d", bundle.Frames[2].Tick)
	}
	if bundle.Header == nil || bundle.Header.Seed != 7 || bundle.Header.Simulation.EntityCount != 3 {
		t.Fatalf("unexpected header %+v", bundle.Header)
	}
	if len(bundle.Events) != 1 || bundle.Events[0].Type != replay.EventConnection {
		t.Fatalf("expected one connection event, got %+v", bundle.Events)
	}
}

func TestServerPollsTransportsEachIteration(t *testing.T) {
	server := newTestServer(t, configpkg.SimulationArgs{Count: 1, Radius: 5}, nil, nil)
	source := &scriptedSource{events: []transport.Event{
		{Kind: transport.EventNewIncomingConnection, Peer: "a"},
		{Kind: transport.EventMessage, Peer: "a", Payload: []byte{42}},
		{Kind: transport.EventConnectionLost, Peer: "a", Err: errors.New("reset")},
	}}
	server.sources = append(server.sources, eventSource{name: "scripted", source: source})

	server.Iterate(0)
	if len(source.events) != 0 {
		t.Fatalf("expected events to be drained")
	}
}

func TestServerRunStopsOnCancel(t *testing.T) {
	server := NewServer(ServerOptions{
		Args:         configpkg.SimulationArgs{Count: 2, Radius: 10},
		Logger:       logging.NewTestLogger(),
		PollInterval: time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
	if server.SimulatedTick() == 0 {
		t.Fatal("expected the simulation to advance while running")
	}
}

func TestServerReadiness(t *testing.T) {
	server := newTestServer(t, configpkg.SimulationArgs{Count: 1, Radius: 5}, nil, nil)
	if ws, grpc := server.ObserverCounts(); ws != 0 || grpc != 0 {
		t.Fatalf("expected no observers without transports")
	}
	if server.StartupError() != nil {
		t.Fatal("expected no startup error")
	}
	server.SetStartupError(errors.New("bind failed"))
	if server.StartupError() == nil {
		t.Fatal("expected startup error to be reported")
	}
	if _, err := server.FlushReplay(context.Background()); err == nil {
		t.Fatal("expected flush to fail without a recorder")
	}
}
