package plugin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServeOptions configures Serve.
type ServeOptions struct {
	// Socket is the unix socket path to listen on. Required.
	Socket string
	// ShutdownTimeout bounds the graceful stop once ctx is done. Default 5s.
	ShutdownTimeout time.Duration
	Logger          logr.Logger
}

// Serve exposes components and codecs on a unix socket until ctx is done.
// The standard gRPC health service reports SERVING once the listener is up.
func Serve(ctx context.Context, opts ServeOptions, components []Component, codecs []Codec) error {
	if opts.Socket == "" {
		return errors.New("plugin: socket path is required")
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}
	logger := opts.Logger
	if logger.GetSink() == nil {
		logger = logr.Discard()
	}

	srv, err := newServer(components, codecs, logger)
	if err != nil {
		return err
	}

	_ = os.Remove(opts.Socket)
	lis, err := net.Listen("unix", opts.Socket)
	if err != nil {
		return fmt.Errorf("listen %s: %w", opts.Socket, err)
	}
	defer os.Remove(opts.Socket)

	grpcServer := grpc.NewServer()
	grpcServer.RegisterService(&serviceDesc, srv)
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	errCh := make(chan error, 1)
	go func() { errCh <- grpcServer.Serve(lis) }()
	logger.Info("plugin serving", "socket", opts.Socket, "components", srv.description.Components, "codecs", srv.description.Codecs)

	select {
	case err := <-errCh:
		return fmt.Errorf("grpc serve: %w", err)
	case <-ctx.Done():
	}

	healthServer.Shutdown()
	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(opts.ShutdownTimeout):
		logger.Info("graceful stop timed out, forcing")
		grpcServer.Stop()
	}
	return nil
}

type server struct {
	log         logr.Logger
	components  map[string]Component
	codecs      map[string]Codec
	description Description

	mu        sync.Mutex
	endpoints map[string]Endpoint
}

func newServer(components []Component, codecs []Codec, logger logr.Logger) (*server, error) {
	s := &server{
		log:        logger,
		components: map[string]Component{},
		codecs:     map[string]Codec{},
		endpoints:  map[string]Endpoint{},
	}
	for _, c := range components {
		if _, ok := s.components[c.Scheme()]; ok {
			return nil, fmt.Errorf("plugin: duplicate component %q", c.Scheme())
		}
		s.components[c.Scheme()] = c
		s.description.Components = append(s.description.Components, c.Scheme())
	}
	for _, c := range codecs {
		if _, ok := s.codecs[c.Name()]; ok {
			return nil, fmt.Errorf("plugin: duplicate codec %q", c.Name())
		}
		s.codecs[c.Name()] = c
		s.description.Codecs = append(s.description.Codecs, c.Name())
	}
	sort.Strings(s.description.Components)
	sort.Strings(s.description.Codecs)
	s.description.Protocol = ProtocolVersion
	return s, nil
}

func (s *server) endpoint(uri string) (Endpoint, error) {
	scheme, _, err := SplitURI(uri)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ep, ok := s.endpoints[uri]; ok {
		return ep, nil
	}
	comp, ok := s.components[scheme]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "no component for scheme %q", scheme)
	}
	ep, err := comp.Endpoint(uri)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "endpoint %s: %v", uri, err)
	}
	s.endpoints[uri] = ep
	return ep, nil
}

func (s *server) Describe(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	return s.description.toStruct(), nil
}

func (s *server) Send(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	ep, err := s.endpoint(in.GetFields()["uri"].GetStringValue())
	if err != nil {
		return nil, err
	}
	producer, ok := ep.(Producer)
	if !ok {
		return nil, status.Errorf(codes.FailedPrecondition, "endpoint %s cannot receive messages", ep.URI())
	}
	msg, err := structToMessage(in.GetFields()["message"].GetStructValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := producer.Send(ctx, msg); err != nil {
		return nil, status.Error(codes.Unknown, err.Error())
	}
	return &emptypb.Empty{}, nil
}

// Consume starts the endpoint, acknowledges with response headers and then
// streams every consumed message to the host until the host cancels.
func (s *server) Consume(in *structpb.Struct, stream grpc.ServerStream) error {
	ctx := stream.Context()
	ep, err := s.endpoint(in.GetFields()["uri"].GetStringValue())
	if err != nil {
		return err
	}
	consumer, ok := ep.(Consumer)
	if !ok {
		return status.Errorf(codes.FailedPrecondition, "endpoint %s cannot be a route source", ep.URI())
	}
	if st, ok := ep.(Starter); ok {
		if err := st.Start(ctx); err != nil {
			return status.Errorf(codes.Unavailable, "start %s: %v", ep.URI(), err)
		}
	}
	if err := stream.SendHeader(metadata.Pairs(startedHeader, "true")); err != nil {
		return err
	}

	var sendMu sync.Mutex
	err = consumer.Consume(ctx, ProcessorFunc(func(_ context.Context, msg *Message) error {
		sendMu.Lock()
		defer sendMu.Unlock()
		return stream.SendMsg(messageToStruct(msg))
	}))
	if err != nil && ctx.Err() == nil {
		s.log.Error(err, "consumer failed", "endpoint", ep.URI())
		return status.Error(codes.Aborted, err.Error())
	}
	return nil
}

func (s *server) Marshal(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.transform(ctx, in, Codec.Marshal)
}

func (s *server) Unmarshal(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.transform(ctx, in, Codec.Unmarshal)
}

func (s *server) transform(ctx context.Context, in *structpb.Struct, op func(Codec, context.Context, *Message) error) (*structpb.Struct, error) {
	name := in.GetFields()["codec"].GetStringValue()
	codec, ok := s.codecs[name]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "no codec %q", name)
	}
	msg, err := structToMessage(in.GetFields()["message"].GetStructValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := op(codec, ctx, msg); err != nil {
		return nil, status.Error(codes.Unknown, err.Error())
	}
	return messageToStruct(msg), nil
}
