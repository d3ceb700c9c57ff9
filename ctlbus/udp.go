package ctlbus

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync/atomic"
)

const maxDatagram = 512

// Listener feeds CBOR datagrams from a packet socket into a Bus
type Listener struct {
	conn    net.PacketConn
	bus     *Bus
	logger  *slog.Logger
	dropped atomic.Uint64
}

// Listen opens a UDP socket on addr
func Listen(addr string, bus *Bus, logger *slog.Logger) (*Listener, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, err
	}
	return NewListener(conn, bus, logger), nil
}

// NewListener wraps an open packet connection
func NewListener(conn net.PacketConn, bus *Bus, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{conn: conn, bus: bus, logger: logger.With("component", "ctlbus")}
}

// Addr returns the local address
func (l *Listener) Addr() net.Addr {
	return l.conn.LocalAddr()
}

// Dropped returns the number of datagrams rejected so far
func (l *Listener) Dropped() uint64 {
	return l.dropped.Load()
}

// Serve reads datagrams until ctx is cancelled or the socket is closed
func (l *Listener) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = l.conn.Close() })
	defer stop()

	buf := make([]byte, maxDatagram)
	for {
		n, from, err := l.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		if err := l.Handle(buf[:n]); err != nil {
			l.dropped.Add(1)
			l.logger.Debug("datagram dropped", "from", from.String(), "err", err)
		}
	}
}

// Handle decodes one datagram and publishes it
func (l *Listener) Handle(data []byte) error {
	msg, err := DecodeMessage(data)
	if err != nil {
		return err
	}
	return msg.Apply(l.bus)
}

// Close closes the socket
func (l *Listener) Close() error {
	return l.conn.Close()
}
