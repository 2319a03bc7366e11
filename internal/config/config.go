package config

import (
	"fmt"
	"net/netip"
	"strconv"
	"time"
)

// Neighbor is a statically configured ring member.
type Neighbor struct {
	ID   uint16
	Host string
	Port int
}

// Address returns the neighbor's network address in "host:port" format.
func (n Neighbor) Address() string {
	return fmt.Sprintf("%s:%d", n.Host, n.Port)
}

// Config holds all configuration for a ring peer
type Config struct {
	// Peer identification. The same port serves HTTP (TCP) and the ring protocol (UDP).
	Host string
	Port int
	ID   uint16

	// IDSet is false when ID should be derived from Host:Port.
	IDSet bool

	// Ring bootstrap: either an anchor to join through, or static neighbors, or neither
	// (singleton ring).
	Anchor      string
	Predecessor *Neighbor
	Successor   *Neighbor

	// Ring protocol parameters
	StabilizeInterval time.Duration // How often to send stabilize to the successor
	NoStabilize       bool          // Disable the stabilization timer entirely
	LookupTimeout     time.Duration // After this, a pending lookup is re-sent on the next request
	LookupCacheTTL    time.Duration // How long a resolved lookup redirects retried requests; 0 keeps answers forever

	// HTTP
	MaxBodyBytes int64 // Largest PUT payload accepted

	// Admin surfaces (0 disables)
	AdminPort  int
	GRPCPort   int
	AuthToken  string // Shared secret for the admin gRPC service
	RPCTimeout time.Duration

	// Logging
	LogLevel  string // trace, debug, info, warn, error
	LogFormat string // json, console
	LogFile   string // optional rotated log file
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Host:              "127.0.0.1",
		Port:              4711,
		StabilizeInterval: 1 * time.Second,
		LookupTimeout:     2 * time.Second,
		LookupCacheTTL:    10 * time.Second,
		MaxBodyBytes:      1 << 20,
		RPCTimeout:        5 * time.Second,
		LogLevel:          "info",
		LogFormat:         "console",
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	addr, err := netip.ParseAddr(c.Host)
	if err != nil || !addr.Is4() {
		return fmt.Errorf("host must be an IPv4 address, got %q", c.Host)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.StabilizeInterval <= 0 && !c.NoStabilize {
		return fmt.Errorf("stabilize interval must be positive, got %s", c.StabilizeInterval)
	}
	if c.LookupTimeout < 0 || c.LookupCacheTTL < 0 {
		return fmt.Errorf("lookup timeout and cache TTL cannot be negative")
	}
	if c.MaxBodyBytes < 0 {
		return fmt.Errorf("max body bytes cannot be negative")
	}
	if c.AdminPort < 0 || c.AdminPort > 65535 {
		return fmt.Errorf("invalid admin port: %d", c.AdminPort)
	}
	if c.GRPCPort < 0 || c.GRPCPort > 65535 {
		return fmt.Errorf("invalid gRPC port: %d", c.GRPCPort)
	}
	if c.Anchor != "" {
		if c.Predecessor != nil || c.Successor != nil {
			return fmt.Errorf("cannot join through an anchor with static neighbors")
		}
		ap, err := netip.ParseAddrPort(c.Anchor)
		if err != nil || !ap.Addr().Is4() {
			return fmt.Errorf("anchor must be an IPv4 host:port, got %q", c.Anchor)
		}
	}
	for _, n := range []*Neighbor{c.Predecessor, c.Successor} {
		if n == nil {
			continue
		}
		if err := n.validate(); err != nil {
			return err
		}
	}
	return nil
}

func (n *Neighbor) validate() error {
	addr, err := netip.ParseAddr(n.Host)
	if err != nil || !addr.Is4() {
		return fmt.Errorf("neighbor host must be an IPv4 address, got %q", n.Host)
	}
	if n.Port <= 0 || n.Port > 65535 {
		return fmt.Errorf("invalid neighbor port: %d", n.Port)
	}
	return nil
}

// ParseID parses a decimal peer ID in [0, 65535].
func ParseID(s string) (uint16, error) {
	v, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid peer id %q: %w", s, err)
	}
	return uint16(v), nil
}

// NeighborsFromEnv reads static neighbors from PRED_ID/PRED_IP/PRED_PORT and
// SUCC_ID/SUCC_IP/SUCC_PORT. A neighbor is only returned when all three of its
// variables are set. lookup is usually os.LookupEnv.
func NeighborsFromEnv(lookup func(string) (string, bool)) (pred, succ *Neighbor, err error) {
	pred, err = neighborFromEnv(lookup, "PRED")
	if err != nil {
		return nil, nil, err
	}
	succ, err = neighborFromEnv(lookup, "SUCC")
	if err != nil {
		return nil, nil, err
	}
	return pred, succ, nil
}

func neighborFromEnv(lookup func(string) (string, bool), prefix string) (*Neighbor, error) {
	idStr, okID := lookup(prefix + "_ID")
	host, okIP := lookup(prefix + "_IP")
	portStr, okPort := lookup(prefix + "_PORT")
	if !okID || !okIP || !okPort {
		return nil, nil
	}

	id, err := ParseID(idStr)
	if err != nil {
		return nil, fmt.Errorf("%s_ID: %w", prefix, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("%s_PORT: invalid port %q", prefix, portStr)
	}

	return &Neighbor{ID: id, Host: host, Port: port}, nil
}
