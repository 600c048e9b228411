package recvr

import (
	"context"
	"net"
	"net/netip"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/quic-go/quic-go"
)

// TransportConn reads the non-QUIC datagrams of a quic.Transport, so the
// receiver can share one UDP port with QUIC listeners and dialers. Every
// protocol kind has a zero first byte, which QUIC never uses.
type TransportConn struct {
	tr    *quic.Transport
	udp   *net.UDPConn
	local netip.AddrPort

	mu       sync.Mutex
	deadline time.Time
	cancel   context.CancelFunc
}

func NewTransportConn(tr *quic.Transport) *TransportConn {
	t := &TransportConn{tr: tr}
	if ua, ok := tr.Conn.LocalAddr().(*net.UDPAddr); ok {
		t.local = unmap(ua.AddrPort())
	}
	if udp, ok := tr.Conn.(*net.UDPConn); ok {
		t.udp = udp
	}
	return t
}

// ListenTransport binds addr and wraps it in a fresh quic.Transport.
func ListenTransport(addr string) (*TransportConn, error) {
	u, err := ListenUDP(addr)
	if err != nil {
		return nil, err
	}
	return NewTransportConn(&quic.Transport{Conn: u.Raw()}), nil
}

// Transport exposes the QUIC side of the shared port.
func (t *TransportConn) Transport() *quic.Transport { return t.tr }

func (t *TransportConn) ReadFrom(b []byte) (int, netip.AddrPort, error) {
	t.mu.Lock()
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if !t.deadline.IsZero() {
		ctx, cancel = context.WithDeadline(context.Background(), t.deadline)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	t.cancel = cancel
	t.mu.Unlock()
	defer cancel()

	n, from, err := t.tr.ReadNonQUICPacket(ctx, b)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return 0, netip.AddrPort{}, os.ErrDeadlineExceeded
		}
		return 0, netip.AddrPort{}, err
	}
	ua, ok := from.(*net.UDPAddr)
	if !ok {
		return 0, netip.AddrPort{}, errors.Errorf("unexpected peer address %T", from)
	}
	return n, unmap(ua.AddrPort()), nil
}

func (t *TransportConn) WriteTo(b []byte, addr netip.AddrPort) (int, error) {
	return t.tr.WriteTo(b, net.UDPAddrFromAddrPort(addr))
}

// SetReadDeadline applies to the next read. A deadline at or before now also
// wakes a read in progress.
func (t *TransportConn) SetReadDeadline(d time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deadline = d
	if !d.IsZero() && !d.After(time.Now()) && t.cancel != nil {
		t.cancel()
	}
	return nil
}

func (t *TransportConn) LocalAddr() netip.AddrPort { return t.local }

func (t *TransportConn) Close() error {
	err := t.tr.Close()
	if t.udp != nil {
		_ = t.udp.Close()
	}
	return err
}
