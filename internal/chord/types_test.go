package chord

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zde37/ringkv/internal/config"
)

func TestNewPeer(t *testing.T) {
	tests := []struct {
		name    string
		host    string
		port    int
		wantErr string
	}{
		{name: "valid peer", host: "127.0.0.1", port: 4711},
		{name: "zero port", host: "10.0.0.1", port: 0},
		{name: "hostname", host: "localhost", port: 4711, wantErr: "invalid peer address"},
		{name: "ipv6", host: "::1", port: 4711, wantErr: "not IPv4"},
		{name: "port too large", host: "127.0.0.1", port: 70000, wantErr: "invalid peer port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewPeer(0x1234, tt.host, tt.port)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, uint16(0x1234), p.ID)
			assert.Equal(t, tt.host, p.IP.String())
			assert.Equal(t, uint16(tt.port), p.Port)
		})
	}
}

func TestPeer_Addresses(t *testing.T) {
	p := testPeer(0x0499, 4711)

	assert.Equal(t, "127.0.0.1:4711", p.Address())
	assert.Equal(t, "http://127.0.0.1:4711", p.URL())
	assert.Equal(t, "127.0.0.1:4711", p.AddrPort().String())
	assert.Equal(t, "Peer{ID: 0x0499, Addr: 127.0.0.1:4711}", p.String())
}

func TestPeer_Equality(t *testing.T) {
	a := testPeer(1, 4711)
	assert.Equal(t, a, testPeer(1, 4711))
	assert.NotEqual(t, a, testPeer(2, 4711))
	assert.NotEqual(t, a, testPeer(1, 4712))
}

func TestPeer_JSON(t *testing.T) {
	p := testPeer(0xC000, 4001)

	data, err := json.Marshal(p)
	require.NoError(t, err)

	var decoded Peer
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, p, decoded)
}

func TestPeerFromNeighbor(t *testing.T) {
	p, err := peerFromNeighbor(nil)
	require.NoError(t, err)
	assert.Nil(t, p)

	p, err = peerFromNeighbor(&config.Neighbor{ID: 7, Host: "127.0.0.1", Port: 4000})
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, testPeer(7, 4000), *p)

	_, err = peerFromNeighbor(&config.Neighbor{ID: 7, Host: "peer.local", Port: 4000})
	assert.Error(t, err)
}

func TestRingState_Sole(t *testing.T) {
	other := testPeer(2, 4002)

	assert.True(t, RingState{Self: testPeer(1, 4001)}.Sole())
	assert.False(t, RingState{Self: testPeer(1, 4001), Successor: &other}.Sole())
	assert.False(t, RingState{Self: testPeer(1, 4001), Predecessor: &other}.Sole())
}

func TestCopyPeer(t *testing.T) {
	assert.Nil(t, copyPeer(nil))

	orig := testPeer(1, 4001)
	c := copyPeer(&orig)
	require.NotNil(t, c)
	assert.NotSame(t, &orig, c)
	c.Port = 9999
	assert.Equal(t, uint16(4001), orig.Port)

	assert.Equal(t, "nil", peerID(nil))
	assert.Equal(t, "0x0001", peerID(&orig))
}
