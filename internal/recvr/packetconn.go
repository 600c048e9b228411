package recvr

import (
	"net"
	"net/netip"
	"time"

	"github.com/pkg/errors"
)

// PacketConn is the datagram socket the receiver reads from and handlers
// reply on.
type PacketConn interface {
	ReadFrom(b []byte) (int, netip.AddrPort, error)
	WriteTo(b []byte, addr netip.AddrPort) (int, error)
	SetReadDeadline(t time.Time) error
	LocalAddr() netip.AddrPort
	Close() error
}

// UDPConn adapts *net.UDPConn.
type UDPConn struct {
	c *net.UDPConn
}

func NewUDPConn(c *net.UDPConn) *UDPConn {
	return &UDPConn{c: c}
}

// ListenUDP binds addr. Port 0 lets the OS choose; LocalAddr reports the
// realized port.
func ListenUDP(addr string) (*UDPConn, error) {
	ua, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %s", addr)
	}
	c, err := net.ListenUDP("udp", ua)
	if err != nil {
		return nil, errors.Wrapf(err, "bind %s", addr)
	}
	return &UDPConn{c: c}, nil
}

func (u *UDPConn) ReadFrom(b []byte) (int, netip.AddrPort, error) {
	n, from, err := u.c.ReadFromUDPAddrPort(b)
	return n, unmap(from), err
}

func (u *UDPConn) WriteTo(b []byte, addr netip.AddrPort) (int, error) {
	return u.c.WriteToUDPAddrPort(b, addr)
}

func (u *UDPConn) SetReadDeadline(t time.Time) error { return u.c.SetReadDeadline(t) }

func (u *UDPConn) LocalAddr() netip.AddrPort {
	if ua, ok := u.c.LocalAddr().(*net.UDPAddr); ok {
		return unmap(ua.AddrPort())
	}
	return netip.AddrPort{}
}

func (u *UDPConn) Close() error { return u.c.Close() }

// Raw returns the wrapped socket.
func (u *UDPConn) Raw() *net.UDPConn { return u.c }

func unmap(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}
