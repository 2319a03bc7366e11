package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/zde37/ringkv/internal/transport"
	"github.com/zde37/ringkv/pkg"
)

func usage() {
	out := flag.CommandLine.Output()
	fmt.Fprintf(out, "Usage: %s [flags] <command> [args]\n\n", os.Args[0])
	fmt.Fprintln(out, "Commands:")
	fmt.Fprintln(out, "  state              print the peer's ring state")
	fmt.Fprintln(out, "  route <path>       show how the peer would route a request path")
	fmt.Fprintln(out, "  ping [message]     check that the peer's admin service answers")
	fmt.Fprintln(out)
	flag.PrintDefaults()
}

func main() {
	addrs := flag.String("addr", "127.0.0.1:9000", "Comma-separated admin gRPC addresses of the peers to query")
	token := flag.String("auth-token", os.Getenv("RINGKV_AUTH_TOKEN"), "Admin auth token")
	timeout := flag.Duration("timeout", 5*time.Second, "RPC timeout")
	logLevel := flag.String("log-level", "warn", "Log level (trace, debug, info, warn, error)")
	flag.Usage = usage
	flag.Parse()

	loggerConfig := pkg.DefaultConfig()
	loggerConfig.Level = *logLevel
	loggerConfig.Format = pkg.LogFormatConsole

	logger, err := pkg.New(loggerConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	client := transport.NewGRPCClient(logger, *timeout, *token)
	code := execute(context.Background(), client, strings.Split(*addrs, ","), flag.Args(), os.Stdout)
	client.Close()
	logger.Close()
	os.Exit(code)
}

// ringClient is the subset of the admin client the commands use.
type ringClient interface {
	GetState(ctx context.Context, address string) (*structpb.Struct, error)
	Route(ctx context.Context, address string, path string) (*structpb.Struct, error)
	Ping(ctx context.Context, address string, message string) (string, error)
}

// execute runs one command against every address and returns the exit code.
func execute(ctx context.Context, client ringClient, addrs, args []string, out io.Writer) int {
	if len(args) == 0 {
		usage()
		return 2
	}

	code := 0
	for _, addr := range addrs {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		if err := executeOne(ctx, client, addr, args, out); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", addr, err)
			code = 1
		}
	}
	return code
}

func executeOne(ctx context.Context, client ringClient, addr string, args []string, out io.Writer) error {
	switch args[0] {
	case "state":
		state, err := client.GetState(ctx, addr)
		if err != nil {
			return err
		}
		return printMessage(out, addr, state)

	case "route":
		if len(args) != 2 {
			return fmt.Errorf("route takes exactly one path")
		}
		route, err := client.Route(ctx, addr, args[1])
		if err != nil {
			return err
		}
		return printMessage(out, addr, route)

	case "ping":
		message := "ping"
		if len(args) > 1 {
			message = strings.Join(args[1:], " ")
		}
		reply, err := client.Ping(ctx, addr, message)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s: %s\n", addr, reply)
		return nil

	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func printMessage(out io.Writer, addr string, m proto.Message) error {
	data, err := protojson.MarshalOptions{Multiline: true, Indent: "  ", EmitUnpopulated: true}.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode response: %w", err)
	}
	fmt.Fprintf(out, "# %s\n%s\n", addr, data)
	return nil
}
