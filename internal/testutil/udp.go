package testutil

import (
	"net"
	"testing"
	"time"
)

// Loopback binds a UDP socket on 127.0.0.1 with an OS-chosen port and
// closes it when the test ends.
func Loopback(t testing.TB) *net.UDPConn {
	t.Helper()
	c, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// SilentAddr returns the address of a bound socket that never answers.
func SilentAddr(t testing.TB) string {
	t.Helper()
	return Loopback(t).LocalAddr().String()
}

// ClosedAddr returns a loopback address whose socket has been closed, so
// datagrams sent there draw ICMP port-unreachable.
func ClosedAddr(t testing.TB) string {
	t.Helper()
	c, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	addr := c.LocalAddr().String()
	_ = c.Close()
	return addr
}

// Eventually polls cond until it holds or d elapses.
func Eventually(t testing.TB, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s: %s", d, msg)
}
