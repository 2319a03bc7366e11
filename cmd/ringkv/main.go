package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/zde37/ringkv/internal/api"
	"github.com/zde37/ringkv/internal/chord"
	"github.com/zde37/ringkv/internal/config"
	"github.com/zde37/ringkv/internal/transport"
	"github.com/zde37/ringkv/pkg"
)

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] <ip> <port> [id] [anchor-ip anchor-port]\n", os.Args[0])
	flag.PrintDefaults()
}

func main() {
	defaults := config.DefaultConfig()

	// Parse command-line flags
	logLevel := flag.String("log-level", defaults.LogLevel, "Log level (trace, debug, info, warn, error)")
	logFormat := flag.String("log-format", defaults.LogFormat, "Log format (json, console)")
	logFile := flag.String("log-file", "", "Also write logs to this rotated file")
	adminPort := flag.Int("admin-port", 0, "Port for the admin HTTP server (0 disables)")
	grpcPort := flag.Int("grpc-port", 0, "Port for the admin gRPC service (0 disables)")
	authToken := flag.String("auth-token", "", "Shared secret required by the admin gRPC service")
	stabilize := flag.Duration("stabilize-interval", defaults.StabilizeInterval, "Interval between stabilize rounds")
	lookupTimeout := flag.Duration("lookup-timeout", defaults.LookupTimeout, "Age after which a pending lookup is re-sent")
	cacheTTL := flag.Duration("lookup-cache-ttl", defaults.LookupCacheTTL, "How long resolved lookups are remembered (0 keeps them)")
	maxBody := flag.Int64("max-body", defaults.MaxBodyBytes, "Largest accepted PUT payload in bytes")
	flag.Usage = usage
	flag.Parse()

	cfg, err := buildConfig(flag.Args(), os.LookupEnv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid arguments: %v\n", err)
		usage()
		os.Exit(2)
	}
	cfg.LogLevel = *logLevel
	cfg.LogFormat = *logFormat
	cfg.LogFile = *logFile
	cfg.AdminPort = *adminPort
	cfg.GRPCPort = *grpcPort
	cfg.AuthToken = *authToken
	cfg.StabilizeInterval = *stabilize
	cfg.LookupTimeout = *lookupTimeout
	cfg.LookupCacheTTL = *cacheTTL
	cfg.MaxBodyBytes = *maxBody

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	loggerConfig := pkg.DefaultConfig()
	loggerConfig.Level = cfg.LogLevel
	loggerConfig.Format = cfg.LogFormat
	if cfg.LogFile != "" {
		loggerConfig.File.Enable = true
		loggerConfig.File.Path = cfg.LogFile
	}

	logger, err := pkg.New(loggerConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Close()

	if err := run(cfg, logger); err != nil {
		logger.Error().Err(err).Msg("Peer failed")
		logger.Close()
		os.Exit(1)
	}
}

// buildConfig turns the positional arguments and the PRED_/SUCC_/NO_STABILIZE
// environment into a config.
func buildConfig(args []string, lookup func(string) (string, bool)) (*config.Config, error) {
	cfg := config.DefaultConfig()

	if len(args) < 2 || len(args) > 5 {
		return nil, fmt.Errorf("expected 2 to 5 arguments, got %d", len(args))
	}

	cfg.Host = args[0]
	port, err := strconv.Atoi(args[1])
	if err != nil {
		return nil, fmt.Errorf("invalid port %q", args[1])
	}
	cfg.Port = port

	rest := args[2:]
	if len(rest) == 1 || len(rest) == 3 {
		id, err := config.ParseID(rest[0])
		if err != nil {
			return nil, err
		}
		cfg.ID = id
		cfg.IDSet = true
		rest = rest[1:]
	}
	if len(rest) == 2 {
		cfg.Anchor = net.JoinHostPort(rest[0], rest[1])
	}

	pred, succ, err := config.NeighborsFromEnv(lookup)
	if err != nil {
		return nil, err
	}
	cfg.Predecessor = pred
	cfg.Successor = succ

	if _, ok := lookup("NO_STABILIZE"); ok {
		cfg.NoStabilize = true
	}

	return cfg, nil
}

// peer holds the running components so they can be torn down in reverse order.
type peer struct {
	node       *chord.Node
	udp        *transport.UDPTransport
	kv         *api.KVServer
	grpcServer *transport.GRPCServer
	admin      *api.AdminServer
	logger     *pkg.Logger
}

func run(cfg *config.Config, logger *pkg.Logger) error {
	address := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))

	logger.Info().
		Str("address", address).
		Str("anchor", cfg.Anchor).
		Int("admin_port", cfg.AdminPort).
		Int("grpc_port", cfg.GRPCPort).
		Msg("Starting ring peer")

	p := &peer{logger: logger}

	node, err := chord.NewNode(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}
	p.node = node

	// Ring protocol over UDP
	udp, err := transport.ListenUDP(address, logger)
	if err != nil {
		p.cleanup()
		return err
	}
	p.udp = udp
	node.SetSender(udp)
	if err := udp.Serve(node); err != nil {
		p.cleanup()
		return err
	}

	// Key-value HTTP on the same ip:port
	kv, err := api.NewKVServer(node, cfg.MaxBodyBytes, logger)
	if err != nil {
		p.cleanup()
		return err
	}
	if err := kv.Start(address); err != nil {
		p.cleanup()
		return err
	}
	p.kv = kv

	// Admin surfaces
	if cfg.GRPCPort > 0 || cfg.AdminPort > 0 {
		grpcAddr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.GRPCPort))
		grpcServer, err := transport.NewGRPCServer(node, grpcAddr, cfg.AuthToken, logger)
		if err != nil {
			p.cleanup()
			return err
		}

		if cfg.GRPCPort > 0 {
			if err := grpcServer.Start(); err != nil {
				p.cleanup()
				return err
			}
			p.grpcServer = grpcServer
		}

		if cfg.AdminPort > 0 {
			hub := api.NewWebSocketHub(logger)
			admin, err := api.NewAdminServer(grpcServer, hub, logger)
			if err != nil {
				p.cleanup()
				return err
			}
			if err := admin.Start(net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.AdminPort))); err != nil {
				p.cleanup()
				return err
			}
			p.admin = admin
			node.SetBroadcaster(hub)
		}
	}

	if err := node.Start(); err != nil {
		p.cleanup()
		return fmt.Errorf("failed to start node: %w", err)
	}

	logger.Info().
		Str("peer", node.Self().String()).
		Msg("Ring peer is ready")

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	sig := <-sigChan
	logger.Info().
		Str("signal", sig.String()).
		Msg("Received shutdown signal")

	p.cleanup()
	logger.Info().Msg("Ring peer shutdown complete")
	return nil
}

// cleanup performs graceful shutdown of whatever was started.
func (p *peer) cleanup() {
	p.logger.Info().Msg("Starting graceful shutdown")

	if p.kv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := p.kv.Stop(ctx); err != nil {
			p.logger.Error().Err(err).Msg("Error stopping HTTP server")
		}
		cancel()
	}

	if p.admin != nil {
		if err := p.admin.Stop(); err != nil {
			p.logger.Error().Err(err).Msg("Error stopping admin server")
		}
	}

	if p.grpcServer != nil {
		if err := p.grpcServer.Stop(); err != nil {
			p.logger.Error().Err(err).Msg("Error stopping gRPC server")
		}
	}

	if p.node != nil {
		if err := p.node.Shutdown(); err != nil {
			p.logger.Error().Err(err).Msg("Error shutting down node")
		}
	}

	if p.udp != nil {
		if err := p.udp.Close(); err != nil {
			p.logger.Error().Err(err).Msg("Error closing UDP transport")
		}
	}
}
