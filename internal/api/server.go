package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/zde37/ringkv/internal/transport"
	"github.com/zde37/ringkv/pkg"
)

// AdminServer is the operator HTTP surface: ring state as JSON, route
// previews, a live WebSocket event feed and a health check. JSON endpoints are
// served through a grpc-gateway mux backed directly by the RingService.
type AdminServer struct {
	ring       transport.RingServiceServer
	httpServer *http.Server
	listener   net.Listener
	wsHub      *WebSocketHub
	logger     *pkg.Logger
}

// NewAdminServer creates the admin server. hub receives ring events from the peer.
func NewAdminServer(ring transport.RingServiceServer, hub *WebSocketHub, logger *pkg.Logger) (*AdminServer, error) {
	if ring == nil {
		return nil, fmt.Errorf("ring service cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if hub == nil {
		hub = NewWebSocketHub(logger)
	}

	return &AdminServer{
		ring:   ring,
		wsHub:  hub,
		logger: logger.WithFields(pkg.Fields{"component": "admin_http"}),
	}, nil
}

// Handler builds the admin route table.
func (s *AdminServer) Handler() (http.Handler, error) {
	gwmux := runtime.NewServeMux(
		runtime.WithMarshalerOption(runtime.MIMEWildcard, &runtime.JSONPb{
			MarshalOptions: protojson.MarshalOptions{
				EmitUnpopulated: true,
			},
			UnmarshalOptions: protojson.UnmarshalOptions{
				DiscardUnknown: true,
			},
		}),
	)

	if err := gwmux.HandlePath(http.MethodGet, "/api/v1/ring", s.handleRing(gwmux)); err != nil {
		return nil, fmt.Errorf("failed to register ring route: %w", err)
	}
	if err := gwmux.HandlePath(http.MethodGet, "/api/v1/route/{path=**}", s.handleRoute(gwmux)); err != nil {
		return nil, fmt.Errorf("failed to register route preview: %w", err)
	}

	httpMux := http.NewServeMux()
	httpMux.Handle("/api/", corsMiddleware(gwmux))
	httpMux.HandleFunc("/api/v1/ws", s.wsHub.HandleWebSocket)
	httpMux.HandleFunc("/health", s.healthHandler)

	return httpMux, nil
}

// Start starts the admin HTTP server and the WebSocket hub.
func (s *AdminServer) Start(address string) error {
	handler, err := s.Handler()
	if err != nil {
		return err
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	s.listener = listener

	go s.wsHub.Run()

	s.httpServer = &http.Server{
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().
		Str("address", listener.Addr().String()).
		Msg("Starting admin HTTP server")

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Admin HTTP server error")
		}
	}()

	return nil
}

// Addr returns the bound address once started.
func (s *AdminServer) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop gracefully stops the admin server.
func (s *AdminServer) Stop() error {
	s.logger.Info().Msg("Stopping admin HTTP server")

	if s.wsHub != nil {
		s.wsHub.Stop()
	}

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown admin HTTP server: %w", err)
		}
	}

	s.logger.Info().Msg("Admin HTTP server stopped")
	return nil
}

func (s *AdminServer) handleRing(mux *runtime.ServeMux) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
		ctx := r.Context()
		_, outbound := runtime.MarshalerForRequest(mux, r)

		resp, err := s.ring.GetState(ctx, &emptypb.Empty{})
		if err != nil {
			runtime.HTTPError(ctx, mux, outbound, w, r, err)
			return
		}
		runtime.ForwardResponseMessage(ctx, mux, outbound, w, r, resp)
	}
}

func (s *AdminServer) handleRoute(mux *runtime.ServeMux) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
		ctx := r.Context()
		_, outbound := runtime.MarshalerForRequest(mux, r)

		path, ok := pathParams["path"]
		if !ok || path == "" {
			runtime.HTTPError(ctx, mux, outbound, w, r, status.Error(codes.InvalidArgument, "missing path"))
			return
		}
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}

		resp, err := s.ring.Route(ctx, wrapperspb.String(path))
		if err != nil {
			runtime.HTTPError(ctx, mux, outbound, w, r, err)
			return
		}
		runtime.ForwardResponseMessage(ctx, mux, outbound, w, r, resp)
	}
}

// healthHandler handles health check requests.
func (s *AdminServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// corsMiddleware adds CORS headers to responses.
func corsMiddleware(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		h.ServeHTTP(w, r)
	})
}
