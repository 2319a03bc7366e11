package api

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/zde37/ringkv/internal/chord"
	"github.com/zde37/ringkv/pkg"
	"github.com/zde37/ringkv/pkg/hash"
)

const (
	staticPrefix  = "/static/"
	dynamicPrefix = "/dynamic/"

	// retryAfterSeconds is advertised on 503 while a lookup is in flight.
	retryAfterSeconds = 1
)

//go:embed static
var staticAssets embed.FS

// Ring is the part of a peer the HTTP router needs.
type Ring interface {
	Route(key uint16) chord.Route
	Storage() *chord.ChordStorage
}

// KVServer is the peer's public HTTP surface: static assets, and the
// dynamic key-value store partitioned over the ring.
type KVServer struct {
	ring       Ring
	logger     *pkg.Logger
	maxBody    int64
	httpServer *http.Server
	listener   net.Listener
}

// NewKVServer creates the router. maxBody limits PUT payloads; zero means unlimited.
func NewKVServer(ring Ring, maxBody int64, logger *pkg.Logger) (*KVServer, error) {
	if ring == nil {
		return nil, fmt.Errorf("ring cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	return &KVServer{
		ring:    ring,
		logger:  logger.WithFields(pkg.Fields{"component": "kv_http"}),
		maxBody: maxBody,
	}, nil
}

// Start listens on address (TCP, normally the same ip:port the UDP transport uses).
func (s *KVServer) Start(address string) error {
	listener, err := net.Listen("tcp4", address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	s.listener = defaultHostListener{Listener: listener}

	s.httpServer = &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info().Str("address", listener.Addr().String()).Msg("Starting HTTP server")

	go func() {
		if err := s.httpServer.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	return nil
}

// Addr returns the bound address once started.
func (s *KVServer) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop gracefully stops the HTTP server.
func (s *KVServer) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}

	s.logger.Info().Msg("Stopping HTTP server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

// ServeHTTP routes one request.
func (s *KVServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	start := time.Now()
	s.serve(rec, r)

	s.logger.Debug().
		Str("method", r.Method).
		Str("path", r.URL.RequestURI()).
		Int("status", rec.status).
		Dur("duration", time.Since(start)).
		Msg("HTTP request")
}

func (s *KVServer) serve(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, staticPrefix) {
		s.serveStatic(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet, http.MethodPut, http.MethodDelete:
	default:
		writeEmpty(w, http.StatusNotImplemented)
		return
	}

	// Ring key and storage key both use the path as sent on the request line.
	path := r.URL.EscapedPath()
	route := s.ring.Route(hash.String(path))
	switch route.Kind {
	case chord.RouteRedirect:
		w.Header().Set("Location", route.Peer.URL()+r.URL.RequestURI())
		writeEmpty(w, http.StatusSeeOther)
	case chord.RouteDefer:
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
		writeEmpty(w, http.StatusServiceUnavailable)
	default:
		s.serveLocal(w, r, path)
	}
}

// serveStatic answers the fixed asset set without consulting the ring.
func (s *KVServer) serveStatic(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeEmpty(w, http.StatusNotImplemented)
		return
	}

	name := strings.TrimPrefix(r.URL.Path, staticPrefix)
	if name == "" || strings.Contains(name, "/") {
		writeEmpty(w, http.StatusNotFound)
		return
	}

	data, err := staticAssets.ReadFile("static/" + name)
	if err != nil {
		writeEmpty(w, http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	writeBody(w, http.StatusOK, data)
}

// serveLocal handles a GET, PUT or DELETE this peer is responsible for.
func (s *KVServer) serveLocal(w http.ResponseWriter, r *http.Request, path string) {
	if !strings.HasPrefix(path, dynamicPrefix) {
		writeEmpty(w, http.StatusNotFound)
		return
	}

	storage := s.ring.Storage()
	ctx := r.Context()

	switch r.Method {
	case http.MethodGet:
		value, err := storage.GetItem(ctx, path)
		if err != nil {
			s.storageError(w, path, err)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		writeBody(w, http.StatusOK, value)

	case http.MethodPut:
		body := r.Body
		if s.maxBody > 0 {
			body = http.MaxBytesReader(w, r.Body, s.maxBody)
		}
		value, err := io.ReadAll(body)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeEmpty(w, http.StatusRequestEntityTooLarge)
				return
			}
			writeEmpty(w, http.StatusBadRequest)
			return
		}

		created, err := storage.PutItem(ctx, path, value)
		if err != nil {
			s.storageError(w, path, err)
			return
		}
		if created {
			writeEmpty(w, http.StatusCreated)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	case http.MethodDelete:
		if err := storage.DeleteItem(ctx, path); err != nil {
			s.storageError(w, path, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *KVServer) storageError(w http.ResponseWriter, path string, err error) {
	if errors.Is(err, pkg.ErrKeyNotFound) {
		writeEmpty(w, http.StatusNotFound)
		return
	}

	s.logger.Error().Err(err).Str("path", path).Msg("Storage operation failed")
	writeEmpty(w, http.StatusInternalServerError)
}

func writeEmpty(w http.ResponseWriter, status int) {
	w.Header().Set("Content-Length", "0")
	w.WriteHeader(status)
}

func writeBody(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(status)
	w.Write(body)
}

// statusRecorder captures the response status for request logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
