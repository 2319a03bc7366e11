package api

import (
	"bytes"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
)

// maxHeaderBlock bounds how much is buffered while looking for the end of a
// header block. Longer blocks pass through untouched and net/http rejects them.
const maxHeaderBlock = http.DefaultMaxHeaderBytes + 4096

var (
	hostPrefix             = []byte("host:")
	contentLengthPrefix    = []byte("content-length:")
	transferEncodingPrefix = []byte("transfer-encoding:")
)

// defaultHostListener hands out connections that add a Host header to
// requests arriving without one. net/http refuses such HTTP/1.1 requests and
// closes the connection, but ring clients are not required to send Host.
type defaultHostListener struct {
	net.Listener
}

func (l defaultHostListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return newDefaultHostConn(conn, conn.LocalAddr().String()), nil
}

// defaultHostConn rewrites the header blocks of the inbound stream. It follows
// request framing through Content-Length bodies; after a chunked or otherwise
// unframed body it stops rewriting and passes bytes through.
type defaultHostConn struct {
	net.Conn
	host string

	buf  []byte
	in   []byte // header bytes waiting for the end of their block
	out  []byte // bytes ready for the reader
	body int64  // body bytes still to pass through unchanged
	raw  bool
}

func newDefaultHostConn(conn net.Conn, host string) *defaultHostConn {
	return &defaultHostConn{
		Conn: conn,
		host: host,
		buf:  make([]byte, 4096),
	}
}

func (c *defaultHostConn) Read(p []byte) (int, error) {
	for len(c.out) == 0 {
		if c.raw {
			return c.Conn.Read(p)
		}

		n, err := c.Conn.Read(c.buf)
		c.feed(c.buf[:n])
		if err != nil {
			if errors.Is(err, io.EOF) && len(c.in) > 0 {
				// incomplete header block; let net/http see and reject it
				c.out = append(c.out, c.in...)
				c.in = nil
				c.raw = true
			}
			if len(c.out) == 0 {
				return 0, err
			}
		}
	}

	n := copy(p, c.out)
	c.out = c.out[n:]
	return n, nil
}

func (c *defaultHostConn) feed(data []byte) {
	for len(data) > 0 {
		switch {
		case c.raw:
			c.out = append(c.out, data...)
			return

		case c.body > 0:
			k := int(min(c.body, int64(len(data))))
			c.out = append(c.out, data[:k]...)
			c.body -= int64(k)
			data = data[k:]

		default:
			c.in = append(c.in, data...)
			end := headerBlockEnd(c.in)
			if end < 0 {
				if len(c.in) > maxHeaderBlock {
					c.out = append(c.out, c.in...)
					c.in = nil
					c.raw = true
				}
				return
			}

			head := c.in[:end]
			data = c.in[end:]
			c.in = nil
			c.out = append(c.out, withDefaultHost(head, c.host)...)

			length, ok := bodyLength(head)
			if !ok {
				c.raw = true
				continue
			}
			c.body = length
		}
	}
}

// headerBlockEnd returns the offset just past the empty line ending the first
// header block in b, or -1. Both CRLF and bare LF line endings are accepted.
func headerBlockEnd(b []byte) int {
	end := -1
	if i := bytes.Index(b, []byte("\n\r\n")); i >= 0 {
		end = i + 3
	}
	if i := bytes.Index(b, []byte("\n\n")); i >= 0 && (end < 0 || i+2 < end) {
		end = i + 2
	}
	return end
}

// withDefaultHost inserts "Host: host" after the request line unless head
// already carries a Host header.
func withDefaultHost(head []byte, host string) []byte {
	lines := bytes.SplitAfter(head, []byte("\n"))
	for _, line := range lines[1:] {
		if hasFoldPrefix(line, hostPrefix) {
			return head
		}
	}

	out := make([]byte, 0, len(head)+len(host)+8)
	out = append(out, lines[0]...)
	out = append(out, "Host: "...)
	out = append(out, host...)
	out = append(out, "\r\n"...)
	return append(out, head[len(lines[0]):]...)
}

// bodyLength reports the Content-Length of the request in head. ok is false
// when the body is not delimited by a valid Content-Length.
func bodyLength(head []byte) (length int64, ok bool) {
	for _, line := range bytes.Split(head, []byte("\n"))[1:] {
		switch {
		case hasFoldPrefix(line, transferEncodingPrefix):
			return 0, false
		case hasFoldPrefix(line, contentLengthPrefix):
			value := string(bytes.TrimSpace(line[len(contentLengthPrefix):]))
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil || n < 0 {
				return 0, false
			}
			length = n
		}
	}
	return length, true
}

func hasFoldPrefix(line, prefix []byte) bool {
	return len(line) >= len(prefix) && bytes.EqualFold(line[:len(prefix)], prefix)
}
