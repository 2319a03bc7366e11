package chord

import (
	"fmt"
	"net/netip"

	"github.com/zde37/ringkv/internal/config"
)

// Peer identifies a ring member by its identifier and network address.
// It is a comparable value type; two peers are equal when all fields match.
type Peer struct {
	ID   uint16     // Position on the ring (0 to 2^16 - 1)
	IP   netip.Addr // IPv4 address
	Port uint16
}

// NewPeer builds a Peer from an IPv4 literal.
func NewPeer(id uint16, host string, port int) (Peer, error) {
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return Peer{}, fmt.Errorf("invalid peer address %q: %w", host, err)
	}
	if !addr.Is4() {
		return Peer{}, fmt.Errorf("peer address %q is not IPv4", host)
	}
	if port < 0 || port > 65535 {
		return Peer{}, fmt.Errorf("invalid peer port: %d", port)
	}
	return Peer{ID: id, IP: addr, Port: uint16(port)}, nil
}

// peerFromNeighbor converts a statically configured neighbor.
func peerFromNeighbor(n *config.Neighbor) (*Peer, error) {
	if n == nil {
		return nil, nil
	}
	p, err := NewPeer(n.ID, n.Host, n.Port)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// AddrPort returns the peer's UDP/TCP endpoint.
func (p Peer) AddrPort() netip.AddrPort {
	return netip.AddrPortFrom(p.IP, p.Port)
}

// Address returns the network address in "host:port" format.
func (p Peer) Address() string {
	return p.AddrPort().String()
}

// URL returns the HTTP base URL of the peer, e.g. "http://127.0.0.1:4711".
func (p Peer) URL() string {
	return "http://" + p.Address()
}

// String returns a human-readable representation of the peer.
func (p Peer) String() string {
	return fmt.Sprintf("Peer{ID: %#06x, Addr: %s}", p.ID, p.Address())
}

// RingState is a consistent snapshot of a peer's view of the ring.
// Predecessor and Successor are nil while unknown.
type RingState struct {
	Self        Peer
	Predecessor *Peer
	Successor   *Peer
	Joining     bool
	Pending     []uint16
}

// Sole reports whether the peer knows no neighbors and therefore is the entire ring.
func (s RingState) Sole() bool {
	return s.Predecessor == nil && s.Successor == nil
}

func copyPeer(p *Peer) *Peer {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}

func peerID(p *Peer) string {
	if p == nil {
		return "nil"
	}
	return fmt.Sprintf("%#06x", p.ID)
}
