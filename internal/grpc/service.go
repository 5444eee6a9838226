// Package grpc exposes the snapshot broadcast as a server-streaming gRPC
// service, an alternative observer transport to the WebSocket hub.
package grpc

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"wandersync/internal/logging"
	"wandersync/internal/networking"
	"wandersync/internal/transport"
)

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "wandersync.SnapshotStream"
	// SubscribeMethod is the full method path of the snapshot stream.
	SubscribeMethod = "/" + ServiceName + "/Subscribe"
	// EncodingMetadataKey carries the frame compressor name in the response header.
	EncodingMetadataKey = "x-wandersync-encoding"
	// SharedSecretMetadataKey carries the subscriber credential when the
	// shared-secret interceptor is enabled.
	SharedSecretMetadataKey = "x-wandersync-shared-secret"

	defaultQueueSize = 64
)

// SnapshotStreamServer is the server API of the snapshot stream. The request
// names the observer; every response carries one wire frame.
type SnapshotStreamServer interface {
	Subscribe(*wrapperspb.StringValue, grpc.ServerStreamingServer[wrapperspb.BytesValue]) error
}

func subscribeHandler(srv interface{}, stream grpc.ServerStream) error {
	request := new(wrapperspb.StringValue)
	if err := stream.RecvMsg(request); err != nil {
		return err
	}
	return srv.(SnapshotStreamServer).Subscribe(request, &grpc.GenericServerStream[wrapperspb.StringValue, wrapperspb.BytesValue]{ServerStream: stream})
}

// SnapshotStreamServiceDesc describes the service using protobuf well-known
// wrapper types, so no generated code is required.
var SnapshotStreamServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SnapshotStreamServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Subscribe",
			Handler:       subscribeHandler,
			ServerStreams: true,
		},
	},
	Metadata: "wandersync/snapshot_stream.proto",
}

// RegisterSnapshotStreamServer attaches srv to a gRPC server.
func RegisterSnapshotStreamServer(registrar grpc.ServiceRegistrar, srv SnapshotStreamServer) {
	registrar.RegisterService(&SnapshotStreamServiceDesc, srv)
}

// Option customises the behaviour of the gRPC streaming service.
type Option func(*Service)

// WithCompressor overrides the default frame compressor.
func WithCompressor(compressor Compressor) Option {
	return func(s *Service) {
		if compressor != nil {
			s.compressor = compressor
		}
	}
}

// WithQueueSize bounds how many frames wait for each subscriber.
func WithQueueSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.queueSize = size
		}
	}
}

// WithMaxSubscribers caps concurrent streams. Zero disables the limit.
func WithMaxSubscribers(limit int) Option {
	return func(s *Service) {
		if limit >= 0 {
			s.maxSubscribers = limit
		}
	}
}

// WithBandwidth applies a per-subscriber byte budget.
func WithBandwidth(regulator *networking.BandwidthRegulator) Option {
	return func(s *Service) {
		s.bandwidth = regulator
	}
}

// WithLogger overrides the service logger.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.log = logger
		}
	}
}

type subscription struct {
	id     uint64
	peer   string
	frames chan []byte
}

// ServiceStats reports delivery counters.
type ServiceStats struct {
	Subscribers int
	Sent        uint64
	Dropped     uint64
	Throttled   uint64
	Rejected    uint64
}

// Service fans snapshot frames out to gRPC subscribers. Like the WebSocket
// hub it never blocks the caller of Transmit.
type Service struct {
	compressor     Compressor
	queueSize      int
	maxSubscribers int
	bandwidth      *networking.BandwidthRegulator
	log            *logging.Logger
	events         *transport.EventQueue

	mu          sync.RWMutex
	subscribers map[uint64]*subscription
	closed      chan struct{}
	closeOnce   sync.Once

	nextID    atomic.Uint64
	sent      atomic.Uint64
	dropped   atomic.Uint64
	throttled atomic.Uint64
	rejected  atomic.Uint64
}

// NewService constructs a snapshot stream with the supplied options.
func NewService(opts ...Option) *Service {
	service := &Service{
		compressor:  NewIdentityCompressor(),
		queueSize:   defaultQueueSize,
		log:         logging.L(),
		events:      transport.NewEventQueue(transport.DefaultEventBuffer),
		subscribers: make(map[uint64]*subscription),
		closed:      make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(service)
		}
	}
	service.log = service.log.With(logging.Component("grpc_stream"))
	return service
}

// Subscribe streams every transmitted frame to the caller until it leaves or
// the service closes.
func (s *Service) Subscribe(req *wrapperspb.StringValue, stream grpc.ServerStreamingServer[wrapperspb.BytesValue]) error {
	ctx := stream.Context()
	//1.- Name the subscriber after its request, falling back to the socket address.
	name := strings.TrimSpace(req.GetValue())
	if name == "" {
		if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
			name = p.Addr.String()
		}
	}
	sub, ok := s.register(name)
	if !ok {
		s.rejected.Add(1)
		s.log.Warn("subscriber rejected, server full", logging.Peer(name))
		return status.Error(codes.ResourceExhausted, transport.CloseReasonServerFull)
	}
	defer s.unregister(sub)

	//2.- Advertise the frame encoding before the first frame goes out.
	if err := stream.SendHeader(metadata.Pairs(EncodingMetadataKey, s.compressor.Name())); err != nil {
		s.events.Push(transport.Event{Kind: transport.EventConnectionLost, Peer: sub.peer, Err: err})
		return err
	}
	s.events.Push(transport.Event{Kind: transport.EventNewIncomingConnection, Peer: sub.peer})

	for {
		select {
		case <-ctx.Done():
			//3.- The subscriber hung up or its deadline passed.
			s.events.Push(transport.Event{Kind: transport.EventDisconnectionNotification, Peer: sub.peer, Err: ctx.Err()})
			return status.FromContextError(ctx.Err()).Err()
		case <-s.closed:
			return nil
		case frame := <-sub.frames:
			payload, err := s.compressor.Compress(frame)
			if err != nil {
				return status.Errorf(codes.Internal, "compress frame: %v", err)
			}
			if err := stream.Send(&wrapperspb.BytesValue{Value: payload}); err != nil {
				s.events.Push(transport.Event{Kind: transport.EventConnectionLost, Peer: sub.peer, Err: err})
				return err
			}
			s.sent.Add(1)
		}
	}
}

func (s *Service) register(name string) (*subscription, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.closed:
		return nil, false
	default:
	}
	if s.maxSubscribers > 0 && len(s.subscribers) >= s.maxSubscribers {
		return nil, false
	}
	id := s.nextID.Add(1)
	if name == "" {
		name = fmt.Sprintf("subscriber-%d", id)
	}
	sub := &subscription{id: id, peer: name, frames: make(chan []byte, s.queueSize)}
	s.subscribers[id] = sub
	return sub, true
}

func (s *Service) unregister(sub *subscription) {
	s.mu.Lock()
	delete(s.subscribers, sub.id)
	s.mu.Unlock()
	s.bandwidth.Forget(sub.peer)
}

// Transmit queues frame for every subscriber, dropping it for any whose
// queue is full.
func (s *Service) Transmit(frame []byte) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subscribers {
		if !s.bandwidth.Allow(sub.peer, len(frame)) {
			s.throttled.Add(1)
			continue
		}
		select {
		case sub.frames <- frame:
		default:
			s.dropped.Add(1)
		}
	}
}

// Poll drains subscriber lifecycle events without blocking.
func (s *Service) Poll() []transport.Event {
	return s.events.Drain()
}

// Subscribers reports the number of live streams.
func (s *Service) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscribers)
}

// Stats returns delivery counters.
func (s *Service) Stats() ServiceStats {
	return ServiceStats{
		Subscribers: s.Subscribers(),
		Sent:        s.sent.Load(),
		Dropped:     s.dropped.Load(),
		Throttled:   s.throttled.Load(),
		Rejected:    s.rejected.Load(),
	}
}

// Close ends every stream cleanly and refuses new subscribers.
func (s *Service) Close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

var _ SnapshotStreamServer = (*Service)(nil)
