package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/zde37/ringkv/pkg"
)

// GRPCClient calls the admin RingService on remote peers.
type GRPCClient struct {
	logger    *pkg.Logger
	authToken string

	// Connection pool
	connections map[string]*grpc.ClientConn
	connMu      sync.RWMutex

	// Default timeout for RPC calls
	timeout time.Duration
}

// NewGRPCClient creates a new gRPC client. authToken may be empty.
func NewGRPCClient(logger *pkg.Logger, timeout time.Duration, authToken string) *GRPCClient {
	if logger == nil {
		logger = pkg.Nop()
	}

	return &GRPCClient{
		logger:      logger.WithFields(pkg.Fields{"component": "grpc_client"}),
		authToken:   authToken,
		connections: make(map[string]*grpc.ClientConn),
		timeout:     timeout,
	}
}

// getConnection returns a connection to the given address, creating one if needed.
func (c *GRPCClient) getConnection(address string) (*grpc.ClientConn, error) {
	c.connMu.RLock()
	conn, exists := c.connections[address]
	c.connMu.RUnlock()

	if exists && conn.GetState() != connectivity.Shutdown {
		return conn, nil
	}

	c.connMu.Lock()
	defer c.connMu.Unlock()

	// Double-check after acquiring write lock
	conn, exists = c.connections[address]
	if exists && conn.GetState() != connectivity.Shutdown {
		return conn, nil
	}

	newConn, err := grpc.NewClient(address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", address, err)
	}

	c.connections[address] = newConn
	c.logger.Debug().Str("address", address).Msg("Created new gRPC connection")

	return newConn, nil
}

// invoke performs a unary call with the auth token and a timeout fallback.
func (c *GRPCClient) invoke(ctx context.Context, address, method string, req, resp any) error {
	conn, err := c.getConnection(address)
	if err != nil {
		return err
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline && c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	if c.authToken != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, AuthTokenHeader, c.authToken)
	}

	return conn.Invoke(ctx, method, req, resp)
}

// GetState calls the GetState RPC on a remote peer.
func (c *GRPCClient) GetState(ctx context.Context, address string) (*structpb.Struct, error) {
	resp := new(structpb.Struct)
	if err := c.invoke(ctx, address, methodGetState, &emptypb.Empty{}, resp); err != nil {
		return nil, fmt.Errorf("GetState RPC failed: %w", err)
	}
	return resp, nil
}

// Route calls the Route RPC on a remote peer.
func (c *GRPCClient) Route(ctx context.Context, address string, path string) (*structpb.Struct, error) {
	resp := new(structpb.Struct)
	if err := c.invoke(ctx, address, methodRoute, wrapperspb.String(path), resp); err != nil {
		return nil, fmt.Errorf("Route RPC failed: %w", err)
	}
	return resp, nil
}

// Ping calls the Ping RPC on a remote peer.
func (c *GRPCClient) Ping(ctx context.Context, address string, message string) (string, error) {
	resp := new(wrapperspb.StringValue)
	if err := c.invoke(ctx, address, methodPing, wrapperspb.String(message), resp); err != nil {
		return "", fmt.Errorf("Ping RPC failed: %w", err)
	}
	return resp.GetValue(), nil
}

// Close closes all connections.
func (c *GRPCClient) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	c.logger.Debug().
		Int("connections", len(c.connections)).
		Msg("Closing all gRPC connections")

	for address, conn := range c.connections {
		if err := conn.Close(); err != nil {
			c.logger.Error().
				Err(err).
				Str("address", address).
				Msg("Failed to close connection")
		}
	}

	c.connections = make(map[string]*grpc.ClientConn)
	return nil
}
