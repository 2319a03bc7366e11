package chord

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
)

// MessageSize is the fixed length of every ring protocol datagram.
const MessageSize = 11

var (
	// ErrMalformedMessage is returned for datagrams that are not exactly MessageSize bytes.
	ErrMalformedMessage = errors.New("malformed message")

	// ErrUnknownKind is returned for datagrams whose flags byte names no message kind.
	ErrUnknownKind = errors.New("unknown message kind")
)

// Kind is the flags byte of a datagram.
type Kind uint8

const (
	KindLookup    Kind = 0
	KindReply     Kind = 1
	KindStabilize Kind = 2
	KindNotify    Kind = 3
	KindJoin      Kind = 4
)

func (k Kind) String() string {
	switch k {
	case KindLookup:
		return "lookup"
	case KindReply:
		return "reply"
	case KindStabilize:
		return "stabilize"
	case KindNotify:
		return "notify"
	case KindJoin:
		return "join"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Valid reports whether k is one of the five protocol kinds.
func (k Kind) Valid() bool {
	return k <= KindJoin
}

// Message is one ring protocol datagram.
//
// Correlator carries the key being resolved for lookup, the replying peer's
// predecessor-side boundary for reply, and is zero for the other kinds.
// Subject is the originator for lookup and join, the responsible peer for reply,
// the sender for stabilize, and the candidate neighbor for notify.
type Message struct {
	Kind       Kind
	Correlator uint16
	Subject    Peer
}

// Layout (network byte order):
//
//	flags:u8 | correlator:u16 | peer_id:u16 | peer_ip:4 | peer_port:u16

// MarshalBinary encodes the message into its 11-byte wire form.
func (m Message) MarshalBinary() ([]byte, error) {
	if !m.Kind.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, m.Kind)
	}
	if !m.Subject.IP.Is4() {
		return nil, fmt.Errorf("%w: subject address %v is not IPv4", ErrMalformedMessage, m.Subject.IP)
	}

	buf := make([]byte, MessageSize)
	buf[0] = byte(m.Kind)
	binary.BigEndian.PutUint16(buf[1:3], m.Correlator)
	binary.BigEndian.PutUint16(buf[3:5], m.Subject.ID)
	ip := m.Subject.IP.As4()
	copy(buf[5:9], ip[:])
	binary.BigEndian.PutUint16(buf[9:11], m.Subject.Port)
	return buf, nil
}

// UnmarshalMessage decodes an 11-byte datagram.
func UnmarshalMessage(data []byte) (Message, error) {
	if len(data) != MessageSize {
		return Message{}, fmt.Errorf("%w: got %d bytes, want %d", ErrMalformedMessage, len(data), MessageSize)
	}

	kind := Kind(data[0])
	if !kind.Valid() {
		return Message{}, fmt.Errorf("%w: %d", ErrUnknownKind, data[0])
	}

	return Message{
		Kind:       kind,
		Correlator: binary.BigEndian.Uint16(data[1:3]),
		Subject: Peer{
			ID:   binary.BigEndian.Uint16(data[3:5]),
			IP:   netip.AddrFrom4([4]byte(data[5:9])),
			Port: binary.BigEndian.Uint16(data[9:11]),
		},
	}, nil
}

func (m Message) String() string {
	return fmt.Sprintf("%s{correlator: %#04x, subject: %s}", m.Kind, m.Correlator, m.Subject)
}
