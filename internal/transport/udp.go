package transport

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/zde37/ringkv/internal/chord"
	"github.com/zde37/ringkv/pkg"
)

// MessageHandler consumes decoded ring protocol messages.
type MessageHandler interface {
	HandleMessage(msg chord.Message)
}

// Compile-time check to ensure UDPTransport implements chord.Sender
var _ chord.Sender = (*UDPTransport)(nil)

// UDPTransport carries ring protocol datagrams. One socket is used for both
// directions; inbound datagrams are handled one at a time on the read loop.
type UDPTransport struct {
	conn   *net.UDPConn
	logger *pkg.Logger

	readStopped chan struct{}
	closeOnce   sync.Once
	started     bool
	mu          sync.Mutex
}

// ListenUDP binds address ("ip:port"). The read loop starts with Serve.
func ListenUDP(address string, logger *pkg.Logger) (*UDPTransport, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	udpAddr, err := net.ResolveUDPAddr("udp4", address)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", address, err)
	}
	conn, err := net.ListenUDP("udp4", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", address, err)
	}

	t := &UDPTransport{
		conn:        conn,
		logger:      logger.WithFields(pkg.Fields{"component": "udp_transport"}),
		readStopped: make(chan struct{}),
	}

	t.logger.Info().Str("address", t.LocalAddr().String()).Msg("UDP transport listening")
	return t, nil
}

// LocalAddr returns the bound address.
func (t *UDPTransport) LocalAddr() netip.AddrPort {
	return t.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// Serve starts delivering inbound messages to handler. It may be called once.
func (t *UDPTransport) Serve(handler MessageHandler) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return fmt.Errorf("transport already serving")
	}
	t.started = true

	go t.readLoop(handler)
	return nil
}

// Send encodes msg and writes it to the given address.
func (t *UDPTransport) Send(to netip.AddrPort, msg chord.Message) error {
	data, err := msg.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", msg.Kind, err)
	}
	if _, err := t.conn.WriteToUDPAddrPort(data, to); err != nil {
		return fmt.Errorf("failed to send to %s: %w", to, err)
	}
	return nil
}

func (t *UDPTransport) readLoop(handler MessageHandler) {
	defer close(t.readStopped)

	// One byte of slack so oversized datagrams read as the wrong length.
	buf := make([]byte, chord.MessageSize+1)
	for {
		n, src, err := t.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				t.logger.Debug().Msg("UDP read loop stopped")
				return
			}
			t.logger.Warn().Err(err).Msg("UDP read failed")
			continue
		}

		msg, err := chord.UnmarshalMessage(buf[:n])
		if err != nil {
			t.logger.Debug().
				Err(err).
				Str("from", src.String()).
				Int("bytes", n).
				Msg("Dropping invalid datagram")
			continue
		}

		handler.HandleMessage(msg)
	}
}

// Close stops the read loop and releases the socket.
func (t *UDPTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		err = t.conn.Close()

		t.mu.Lock()
		started := t.started
		t.mu.Unlock()
		if started {
			<-t.readStopped
		}
	})
	return err
}
