package transport

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"
)

// MaxDatagramSize bounds every datagram this system sends or receives.
const MaxDatagramSize = 64 * 1024

// ErrTimeout is returned by Receive when no datagram arrived in time.
// Callers treat it as a control-flow signal, not a failure.
var ErrTimeout = errors.New("receive timed out")

// ErrClosed is returned after the connection has been closed.
var ErrClosed = errors.New("connection closed")

// Packet is a received datagram.
type Packet struct {
	Payload []byte
	From    *net.UDPAddr
}

// Text returns the payload as a trimmed string.
func (p Packet) Text() string {
	return strings.TrimSpace(string(p.Payload))
}

// PacketConn is a UDP socket with send and receive-with-timeout helpers.
type PacketConn struct {
	conn *net.UDPConn
	buf  []byte
}

// ListenPacket binds a UDP socket on addr.
func ListenPacket(addr string) (*PacketConn, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return &PacketConn{conn: conn, buf: make([]byte, MaxDatagramSize)}, nil
}

// LocalAddr returns the bound address.
func (c *PacketConn) LocalAddr() *net.UDPAddr {
	return c.conn.LocalAddr().(*net.UDPAddr)
}

// Send writes one datagram to addr.
func (c *PacketConn) Send(payload []byte, addr string) error {
	if len(payload) > MaxDatagramSize {
		return fmt.Errorf("payload of %d bytes exceeds datagram limit", len(payload))
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", addr, err)
	}
	return c.SendTo(payload, udpAddr)
}

// SendTo writes one datagram to an already resolved address.
func (c *PacketConn) SendTo(payload []byte, addr *net.UDPAddr) error {
	if _, err := c.conn.WriteToUDP(payload, addr); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return ErrClosed
		}
		return fmt.Errorf("failed to send to %s: %w", addr, err)
	}
	return nil
}

// Receive blocks for the next datagram. A zero timeout waits forever.
// Receive must not be called concurrently on the same connection.
func (c *PacketConn) Receive(timeout time.Duration) (Packet, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return Packet{}, ErrClosed
		}
		return Packet{}, fmt.Errorf("failed to set read deadline: %w", err)
	}

	n, from, err := c.conn.ReadFromUDP(c.buf)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return Packet{}, ErrTimeout
		}
		if errors.Is(err, net.ErrClosed) {
			return Packet{}, ErrClosed
		}
		return Packet{}, fmt.Errorf("failed to receive: %w", err)
	}

	payload := make([]byte, n)
	copy(payload, c.buf[:n])
	return Packet{Payload: payload, From: from}, nil
}

// Close releases the socket and unblocks a pending Receive.
func (c *PacketConn) Close() error {
	return c.conn.Close()
}
