package transport

import (
	"context"
	"fmt"
	"net"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/zde37/ringkv/internal/chord"
	"github.com/zde37/ringkv/pkg"
	"github.com/zde37/ringkv/pkg/hash"
)

// Compile-time check to ensure GRPCServer implements RingServiceServer
var _ RingServiceServer = (*GRPCServer)(nil)

// GRPCServer exposes a peer's ring state over the admin RingService.
type GRPCServer struct {
	node      *chord.Node
	server    *grpc.Server
	logger    *pkg.Logger
	authToken string // Shared secret checked by AuthInterceptor

	// Server address
	address  string
	listener net.Listener
}

// NewGRPCServer creates a new gRPC server for the given peer.
func NewGRPCServer(node *chord.Node, address string, authToken string, logger *pkg.Logger) (*GRPCServer, error) {
	if node == nil {
		return nil, fmt.Errorf("node cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	s := &GRPCServer{
		node:      node,
		address:   address,
		authToken: authToken,
		logger:    logger.WithFields(pkg.Fields{"component": "grpc_server"}),
	}

	return s, nil
}

// Start starts the gRPC server.
func (s *GRPCServer) Start() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener

	opts := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(1024 * 1024),
		grpc.MaxSendMsgSize(1024 * 1024),
		grpc.UnaryInterceptor(AuthInterceptor(s.authToken)),
	}

	s.server = grpc.NewServer(opts...)
	RegisterRingServiceServer(s.server, s)
	reflection.Register(s.server)

	s.logger.Info().
		Str("address", listener.Addr().String()).
		Msg("Starting gRPC server")

	go func() {
		if err := s.server.Serve(listener); err != nil {
			s.logger.Error().Err(err).Msg("gRPC server error")
		}
	}()

	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *GRPCServer) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.address
}

// Stop gracefully stops the gRPC server.
func (s *GRPCServer) Stop() error {
	s.logger.Info().Msg("Stopping gRPC server")

	if s.server != nil {
		s.server.GracefulStop()
	}

	if s.listener != nil {
		s.listener.Close()
	}

	return nil
}

// GetState implements the GetState RPC.
func (s *GRPCServer) GetState(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	s.logger.Debug().Msg("GetState called")

	state, err := StateToStruct(s.node.State(), s.node.Storage().Stats())
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return state, nil
}

// Route implements the Route RPC. The path is hashed as given, so callers
// pass it percent-encoded the way it appears on the request line. It only
// previews the decision: no pending lookup is registered and nothing is sent.
func (s *GRPCServer) Route(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	path := req.GetValue()
	s.logger.Debug().Str("path", path).Msg("Route called")

	if !strings.HasPrefix(path, "/") {
		return nil, status.Errorf(codes.InvalidArgument, "path must start with '/', got %q", path)
	}

	route := s.node.Explain(hash.String(path))
	out, err := RouteToStruct(path, route)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

// Ping implements the Ping RPC.
func (s *GRPCServer) Ping(ctx context.Context, req *wrapperspb.StringValue) (*wrapperspb.StringValue, error) {
	s.logger.Debug().Str("message", req.GetValue()).Msg("Ping called")

	return wrapperspb.String(fmt.Sprintf("pong from %s: %s", hash.Format(s.node.Self().ID), req.GetValue())), nil
}
