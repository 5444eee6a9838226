package grpc

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"wandersync/internal/logging"
	"wandersync/internal/transport"
)

func startBufconnServer(t *testing.T, service *Service, opts ...grpc.ServerOption) []grpc.DialOption {
	t.Helper()
	listener := bufconn.Listen(1 << 20)
	server := grpc.NewServer(opts...)
	RegisterSnapshotStreamServer(server, service)
	go func() { _ = server.Serve(listener) }()
	t.Cleanup(func() {
		service.Close()
		server.Stop()
	})
	return []grpc.DialOption{
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return listener.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}
}

func newTestSubscriber(t *testing.T, id string, dialOpts []grpc.DialOption) *Subscriber {
	t.Helper()
	subscriber := NewSubscriber(SubscriberOptions{ObserverID: id, DialOptions: dialOpts, Logger: logging.NewTestLogger()})
	t.Cleanup(func() { _ = subscriber.Close() })
	if err := subscriber.Connect("passthrough:///bufnet"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return subscriber
}

func waitForEvent(t *testing.T, source transport.Source, kind transport.EventKind) transport.Event {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	var seen []transport.EventKind
	for time.Now().Before(deadline) {
		for _, event := range source.Poll() {
			if event.Kind == kind {
				return event
			}
			seen = append(seen, event.Kind)
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %v, saw %v", kind, seen)
	return transport.Event{}
}

func TestSubscriberReceivesTransmittedFrames(t *testing.T) {
	service := NewService(WithCompressor(NewSnappyCompressor()), WithLogger(logging.NewTestLogger()))
	dialOpts := startBufconnServer(t, service)
	subscriber := newTestSubscriber(t, "observer-1", dialOpts)

	waitForEvent(t, subscriber, transport.EventConnectionAccepted)
	joined := waitForEvent(t, service, transport.EventNewIncomingConnection)
	if joined.Peer != "observer-1" {
		t.Fatalf("expected subscriber to be named by its request, got %q", joined.Peer)
	}

	frame := append([]byte{135, 21, 0, 0, 0}, bytes.Repeat([]byte{1}, 21)...)
	service.Transmit(frame)
	message := waitForEvent(t, subscriber, transport.EventMessage)
	if !bytes.Equal(message.Payload, frame) {
		t.Fatalf("frame altered in transit: %v", message.Payload)
	}
	if service.Stats().Sent != 1 {
		t.Fatalf("expected one sent frame, got %+v", service.Stats())
	}
}

func TestServiceRejectsSubscribersBeyondLimit(t *testing.T) {
	service := NewService(WithMaxSubscribers(1), WithLogger(logging.NewTestLogger()))
	dialOpts := startBufconnServer(t, service)

	newTestSubscriber(t, "first", dialOpts)
	waitForEvent(t, service, transport.EventNewIncomingConnection)

	second := newTestSubscriber(t, "second", dialOpts)
	waitForEvent(t, second, transport.EventNoFreeIncomingConnections)
	if service.Stats().Rejected != 1 {
		t.Fatalf("expected one rejection, got %+v", service.Stats())
	}
}

func TestSubscriberNoticesServiceClose(t *testing.T) {
	service := NewService(WithLogger(logging.NewTestLogger()))
	dialOpts := startBufconnServer(t, service)
	subscriber := newTestSubscriber(t, "observer", dialOpts)
	waitForEvent(t, subscriber, transport.EventConnectionAccepted)

	service.Close()
	waitForEvent(t, subscriber, transport.EventDisconnectionNotification)
}

func TestServiceNoticesSubscriberLeaving(t *testing.T) {
	service := NewService(WithLogger(logging.NewTestLogger()))
	dialOpts := startBufconnServer(t, service)
	subscriber := newTestSubscriber(t, "observer", dialOpts)
	waitForEvent(t, service, transport.EventNewIncomingConnection)

	if err := subscriber.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	waitForEvent(t, service, transport.EventDisconnectionNotification)
}

func TestTransmitDropsForSlowSubscriber(t *testing.T) {
	service := NewService(WithQueueSize(1), WithLogger(logging.NewTestLogger()))
	sub, ok := service.register("slow")
	if !ok {
		t.Fatalf("register failed")
	}
	service.Transmit([]byte("a"))
	service.Transmit([]byte("b"))
	if stats := service.Stats(); stats.Dropped != 1 || stats.Subscribers != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if frame := <-sub.frames; string(frame) != "a" {
		t.Fatalf("expected first frame queued, got %q", frame)
	}
}
