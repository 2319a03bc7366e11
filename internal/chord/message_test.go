package chord

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessage_RoundTrip(t *testing.T) {
	kinds := []Kind{KindLookup, KindReply, KindStabilize, KindNotify, KindJoin}
	boundaries := []uint16{0, 1, 0x8000, 0xfffe, 0xffff}
	ips := []netip.Addr{
		netip.MustParseAddr("0.0.0.0"),
		netip.MustParseAddr("127.0.0.1"),
		netip.MustParseAddr("255.255.255.255"),
	}

	for _, kind := range kinds {
		for _, v := range boundaries {
			for _, ip := range ips {
				msg := Message{
					Kind:       kind,
					Correlator: v,
					Subject:    Peer{ID: ^v, IP: ip, Port: v},
				}

				data, err := msg.MarshalBinary()
				require.NoError(t, err)
				require.Len(t, data, MessageSize)

				decoded, err := UnmarshalMessage(data)
				require.NoError(t, err)
				assert.Equal(t, msg, decoded, "%s", msg)
			}
		}
	}
}

func TestMessage_Layout(t *testing.T) {
	msg := Message{
		Kind:       KindReply,
		Correlator: 0x1000,
		Subject:    Peer{ID: 0x2000, IP: netip.MustParseAddr("127.0.0.1"), Port: 4712},
	}

	data, err := msg.MarshalBinary()
	require.NoError(t, err)

	assert.Equal(t, []byte{
		0x01,         // flags
		0x10, 0x00,   // correlator
		0x20, 0x00,   // peer id
		127, 0, 0, 1, // ip
		0x12, 0x68,   // port 4712
	}, data)
}

func TestUnmarshalMessage_Malformed(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		wantErr error
	}{
		{"empty", nil, ErrMalformedMessage},
		{"short", make([]byte, MessageSize-1), ErrMalformedMessage},
		{"long", make([]byte, MessageSize+1), ErrMalformedMessage},
		{"unknown kind", append([]byte{5}, make([]byte, MessageSize-1)...), ErrUnknownKind},
		{"max kind", append([]byte{0xff}, make([]byte, MessageSize-1)...), ErrUnknownKind},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := UnmarshalMessage(tt.data)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestMessage_MarshalInvalid(t *testing.T) {
	_, err := Message{Kind: 9, Subject: Peer{IP: netip.MustParseAddr("127.0.0.1")}}.MarshalBinary()
	assert.ErrorIs(t, err, ErrUnknownKind)

	_, err = Message{Kind: KindNotify}.MarshalBinary()
	assert.ErrorIs(t, err, ErrMalformedMessage, "zero address is not IPv4")

	_, err = Message{Kind: KindNotify, Subject: Peer{IP: netip.MustParseAddr("::1")}}.MarshalBinary()
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "lookup", KindLookup.String())
	assert.Equal(t, "join", KindJoin.String())
	assert.Equal(t, "kind(7)", Kind(7).String())
}
