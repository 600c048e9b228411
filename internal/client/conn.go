// Package client drives the HELLO, AUTH and DATA phases from the peer side.
// Every wait is bounded: by the context deadline if there is one, otherwise
// by the connection's timeout.
package client

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"ollehd/internal/debuglog"
	"ollehd/internal/exc"
	"ollehd/internal/proto"
)

const DefaultTimeout = 2 * time.Second

// Conn is a UDP socket connected to one server.
type Conn struct {
	c       *net.UDPConn
	remote  netip.AddrPort
	log     *debuglog.Logger
	exc     exc.Policy
	timeout atomic.Int64

	rmu sync.Mutex
	buf []byte
}

func Dial(addr string) (*Conn, error) {
	ra, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, exc.New("client.dial", exc.FdError, errors.Wrapf(err, "resolve %s", addr))
	}
	c, err := net.DialUDP("udp", nil, ra)
	if err != nil {
		return nil, exc.New("client.dial", exc.FdError, errors.Wrapf(err, "dial %s", addr))
	}
	conn := &Conn{
		c:      c,
		remote: ra.AddrPort(),
		log:    debuglog.New("client"),
		buf:    make([]byte, proto.MaxDatagram),
	}
	conn.timeout.Store(int64(DefaultTimeout))
	return conn, nil
}

// SetTimeout bounds waits whose context carries no deadline.
func (c *Conn) SetTimeout(d time.Duration) {
	if d > 0 {
		c.timeout.Store(int64(d))
	}
}

func (c *Conn) Timeout() time.Duration { return time.Duration(c.timeout.Load()) }

// UseExc makes the phase drivers on this connection panic with *exc.Error
// instead of returning errors.
func (c *Conn) UseExc(on bool) { c.exc.Set(on) }

func (c *Conn) Debug(on bool) { c.log.SetDebug(on) }

func (c *Conn) RemoteAddr() netip.AddrPort { return c.remote }

func (c *Conn) LocalAddr() netip.AddrPort {
	if ua, ok := c.c.LocalAddr().(*net.UDPAddr); ok {
		return ua.AddrPort()
	}
	return netip.AddrPort{}
}

func (c *Conn) Close() error { return c.c.Close() }

func (c *Conn) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.Timeout())
}

// send writes b once more if the first write only reported a refusal left
// over from an earlier datagram.
func (c *Conn) send(op string, b []byte) error {
	_, err := c.c.Write(b)
	if refused(err) {
		_, err = c.c.Write(b)
	}
	if err != nil && !refused(err) {
		return exc.Wrap(op, err)
	}
	return nil
}

// refused reports an ICMP port-unreachable surfaced on the connected socket.
// A server that is down looks the same as one that stays silent.
func refused(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED)
}

// recv reads until accept takes a datagram or ctx ends. Rejected datagrams
// are skipped, so a stray or forged packet cannot end the wait.
func (c *Conn) recv(ctx context.Context, op string, accept func([]byte) bool) error {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	dl, _ := ctx.Deadline()
	if err := c.c.SetReadDeadline(dl); err != nil {
		return exc.Wrap(op, err)
	}
	stop := context.AfterFunc(ctx, func() { _ = c.c.SetReadDeadline(time.Now()) })
	defer stop()

	for {
		n, err := c.c.Read(c.buf)
		if err != nil {
			switch cerr := ctx.Err(); {
			case errors.Is(cerr, context.Canceled):
				return exc.New(op, exc.Closed, cerr)
			case cerr != nil:
				return exc.New(op, exc.Timeout, cerr)
			}
			if refused(err) {
				c.log.RateLimitedf("refused:"+op, time.Second, "%s: %s refused, still waiting", op, c.remote)
				continue
			}
			return exc.Wrap(op, err)
		}
		if n == 0 {
			continue
		}
		if accept(c.buf[:n]) {
			return nil
		}
		c.log.RateLimitedf("skip:"+op, time.Second, "%s: skipped %d byte datagram from %s", op, n, c.remote)
	}
}
