package api

import (
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chunkConn replays fixed read segments, then EOF.
type chunkConn struct {
	net.Conn
	chunks []string
}

func (c *chunkConn) Read(p []byte) (int, error) {
	if len(c.chunks) == 0 {
		return 0, io.EOF
	}
	n := copy(p, c.chunks[0])
	c.chunks[0] = c.chunks[0][n:]
	if c.chunks[0] == "" {
		c.chunks = c.chunks[1:]
	}
	return n, nil
}

func TestDefaultHostConn(t *testing.T) {
	const host = "127.0.0.1:4711"

	tests := []struct {
		name   string
		chunks []string
		want   string
	}{
		{
			name:   "missing host split across segments",
			chunks: []string{"GET /a HTTP/1.1\r\n", "\r\nGET /b HTTP/1.1\r", "\n\r\n"},
			want:   "GET /a HTTP/1.1\r\nHost: 127.0.0.1:4711\r\n\r\nGET /b HTTP/1.1\r\nHost: 127.0.0.1:4711\r\n\r\n",
		},
		{
			name:   "existing host kept",
			chunks: []string{"GET / HTTP/1.1\r\nhOsT: x\r\n\r\n"},
			want:   "GET / HTTP/1.1\r\nhOsT: x\r\n\r\n",
		},
		{
			name: "body bytes never rewritten",
			chunks: []string{
				"PUT /dynamic/k HTTP/1.1\r\nContent-Length: 8\r\n\r\nab\r\n",
				"\r\ncdGET / HTTP/1.1\r\n\r\n",
			},
			want: "PUT /dynamic/k HTTP/1.1\r\nHost: 127.0.0.1:4711\r\nContent-Length: 8\r\n\r\nab\r\n\r\ncd" +
				"GET / HTTP/1.1\r\nHost: 127.0.0.1:4711\r\n\r\n",
		},
		{
			name:   "chunked body passes through",
			chunks: []string{"POST / HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n3\r\nabc\r\n0\r\n\r\n"},
			want:   "POST / HTTP/1.1\r\nHost: 127.0.0.1:4711\r\nTransfer-Encoding: chunked\r\n\r\n3\r\nabc\r\n0\r\n\r\n",
		},
		{
			name:   "bare LF line endings",
			chunks: []string{"GET / HTTP/1.1\n\n"},
			want:   "GET / HTTP/1.1\nHost: 127.0.0.1:4711\r\n\n",
		},
		{
			name:   "incomplete header block flushed at EOF",
			chunks: []string{"GET / HT"},
			want:   "GET / HT",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := newDefaultHostConn(&chunkConn{chunks: tt.chunks}, host)
			got, err := io.ReadAll(conn)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestDefaultHostConn_SmallReads(t *testing.T) {
	conn := newDefaultHostConn(&chunkConn{chunks: []string{"GET / HTTP/1.1\r\n\r\n"}}, "h")

	var got []byte
	p := make([]byte, 1)
	for {
		n, err := conn.Read(p)
		got = append(got, p[:n]...)
		if err != nil {
			assert.ErrorIs(t, err, io.EOF)
			break
		}
	}
	assert.Equal(t, "GET / HTTP/1.1\r\nHost: h\r\n\r\n", string(got))
}
