package recvr

import (
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"

	"ollehd/internal/debuglog"
	"ollehd/internal/exc"
	"ollehd/internal/metrics"
	"ollehd/internal/proto"
	"ollehd/internal/testutil"
)

func dialReceiver(t *testing.T, r *Receiver) *net.UDPConn {
	t.Helper()
	c, err := net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(r.Addr()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func echo(sh *Shared, m *proto.Message) {
	_ = sh.Send(m.Bytes(), m.Addr)
}

func TestStartRequiresThreadPoolParams(t *testing.T) {
	r := New("127.0.0.1:0", WithLogger(debuglog.Nop()))
	err := r.Start(HandlerFunc(echo), nil)
	if !errors.Is(err, exc.ErrNotInitialized) {
		t.Fatalf("expected not initialized, got %v", err)
	}
	r.UseExc(true)
	func() {
		defer exc.Recover(&err)
		_ = r.Start(HandlerFunc(echo), nil)
		t.Fatalf("expected panic in exception mode")
	}()
	if exc.CodeOf(err) != exc.NotInitialized {
		t.Fatalf("expected raised not_initialized, got %v", err)
	}
	r.UseExc(false)
	if err := r.SetThreadPoolParams(3, 2, time.Second, 0); err == nil {
		t.Fatalf("min > max accepted")
	}
}

func TestReceiverEchoOnOSAssignedPort(t *testing.T) {
	r := New("127.0.0.1:0", WithLogger(debuglog.Nop()))
	if err := r.SetThreadPoolParams(1, 4, 50*time.Millisecond, 1); err != nil {
		t.Fatalf("params: %v", err)
	}
	if err := r.Start(HandlerFunc(echo), nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer r.Stop()
	if r.Addr().Port() == 0 {
		t.Fatalf("realized port not read back")
	}
	if r.State() != Running {
		t.Fatalf("expected running, got %s", r.State())
	}
	if err := r.Start(HandlerFunc(echo), nil); !errors.Is(err, exc.ErrState) {
		t.Fatalf("double start should fail with state error, got %v", err)
	}
	c := dialReceiver(t, r)
	for i := 0; i < 5; i++ {
		msg := []byte{0, 0, 0, 1, byte(i)}
		if _, err := c.Write(msg); err != nil {
			t.Fatalf("write: %v", err)
		}
		buf := make([]byte, 64)
		_ = c.SetReadDeadline(time.Now().Add(time.Second))
		n, err := c.Read(buf)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if n != len(msg) || buf[4] != byte(i) {
			t.Fatalf("unexpected echo %v", buf[:n])
		}
	}
}

func TestReceiverSkipsEmptyDatagrams(t *testing.T) {
	var seen atomic.Int32
	r := New("127.0.0.1:0", WithLogger(debuglog.Nop()))
	_ = r.SetThreadPoolParams(1, 1, 50*time.Millisecond, 0)
	if err := r.Start(HandlerFunc(func(*Shared, *proto.Message) { seen.Add(1) }), nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	c := dialReceiver(t, r)
	_, _ = c.Write(nil)
	_, _ = c.Write([]byte{1})
	testutil.Eventually(t, time.Second, func() bool { return seen.Load() == 1 }, "one datagram handled")
	time.Sleep(50 * time.Millisecond)
	if err := r.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if seen.Load() != 1 {
		t.Fatalf("empty datagram reached the handler")
	}
	if q := r.Queue(); q.Free() != q.Cap() {
		t.Fatalf("slots leaked: %d free of %d", q.Free(), q.Cap())
	}
}

func TestReceiverGracefulStopWithPending(t *testing.T) {
	release := make(chan struct{})
	var handled atomic.Int32
	h := HandlerFunc(func(*Shared, *proto.Message) {
		<-release
		handled.Add(1)
	})
	r := New("127.0.0.1:0", WithLogger(debuglog.Nop()), WithQueueSize(8))
	_ = r.SetThreadPoolParams(1, 1, 50*time.Millisecond, 20)
	if err := r.Start(h, nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	c := dialReceiver(t, r)
	for i := 0; i < 5; i++ {
		_, _ = c.Write([]byte{byte(i + 1)})
	}
	testutil.Eventually(t, time.Second, func() bool { return r.Queue().Len() == 4 }, "four datagrams queued behind the busy worker")

	stopped := make(chan error, 1)
	go func() { stopped <- r.Stop() }()
	testutil.Eventually(t, time.Second, func() bool { return r.State() == Stopping }, "loop observed stop")
	close(release)
	select {
	case err := <-stopped:
		if err != nil {
			t.Fatalf("stop: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("stop deadlocked")
	}
	if handled.Load() != 5 {
		t.Fatalf("graceful stop should drain queued work, handled %d", handled.Load())
	}
	if r.State() != Stopped {
		t.Fatalf("expected stopped, got %s", r.State())
	}
	if err := r.Stop(); !errors.Is(err, exc.ErrClosed) {
		t.Fatalf("second stop should report closed, got %v", err)
	}
}

func TestReceiverForcedStopDoesNotHang(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	r := New("127.0.0.1:0", WithLogger(debuglog.Nop()))
	_ = r.SetThreadPoolParams(1, 1, 20*time.Millisecond, 1)
	if err := r.Start(HandlerFunc(func(*Shared, *proto.Message) { <-block }), nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	c := dialReceiver(t, r)
	_, _ = c.Write([]byte{1})
	_, _ = c.Write([]byte{2})
	testutil.Eventually(t, time.Second, func() bool { return r.Queue().Len() == 1 }, "second datagram queued")
	testutil.WithTimeout(t, time.Second, func() {
		if err := r.Stop(); err != nil {
			t.Errorf("stop: %v", err)
		}
	})
}

func TestReceiverAdoptedConnSurvivesStop(t *testing.T) {
	raw := testutil.Loopback(t)
	conn := NewUDPConn(raw)
	r := New("", WithLogger(debuglog.Nop()))
	_ = r.SetThreadPoolParams(1, 2, 30*time.Millisecond, 0)
	if err := r.Start(HandlerFunc(echo), conn); err != nil {
		t.Fatalf("start: %v", err)
	}
	if r.Addr() != conn.LocalAddr() {
		t.Fatalf("adopted address not reported")
	}
	if err := r.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, err := raw.WriteToUDPAddrPort([]byte{1}, conn.LocalAddr()); err != nil {
		t.Fatalf("adopted socket was closed: %v", err)
	}
}

func TestReceiverLoopEndsOnSocketError(t *testing.T) {
	raw := testutil.Loopback(t)
	r := New("", WithLogger(debuglog.Nop()))
	_ = r.SetThreadPoolParams(1, 1, 30*time.Millisecond, 0)
	if err := r.Start(HandlerFunc(echo), NewUDPConn(raw)); err != nil {
		t.Fatalf("start: %v", err)
	}
	_ = raw.Close()
	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatalf("loop kept running on a closed socket")
	}
	if exc.CodeOf(r.Err()) != exc.Closed {
		t.Fatalf("expected closed error, got %v", r.Err())
	}
	if r.State() != Stopped {
		t.Fatalf("expected stopped, got %s", r.State())
	}
}

func TestReceiverRateLimit(t *testing.T) {
	m := metrics.New()
	var seen atomic.Int32
	r := New("127.0.0.1:0", WithLogger(debuglog.Nop()), WithMetrics(m), WithRateLimit(2, time.Hour))
	_ = r.SetThreadPoolParams(1, 1, 30*time.Millisecond, 0)
	if err := r.Start(HandlerFunc(func(*Shared, *proto.Message) { seen.Add(1) }), nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer r.Stop()
	c := dialReceiver(t, r)
	for i := 0; i < 5; i++ {
		_, _ = c.Write([]byte{byte(i)})
	}
	testutil.Eventually(t, time.Second, func() bool { return m.Drops("rate") == 3 }, "three rate drops")
	if seen.Load() != 2 {
		t.Fatalf("expected 2 handled, got %d", seen.Load())
	}
}

func TestReceiverOverQUICTransport(t *testing.T) {
	tc, err := ListenTransport("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen transport: %v", err)
	}
	defer tc.Close()
	r := New("", WithLogger(debuglog.Nop()))
	_ = r.SetThreadPoolParams(1, 2, 30*time.Millisecond, 0)
	if err := r.Start(HandlerFunc(echo), tc); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer r.Stop()
	c := dialReceiver(t, r)
	msg := []byte{0, 0, 0, 1, 42}
	if _, err := c.Write(msg); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 16)
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := c.Read(buf)
	if err != nil || n != len(msg) || buf[4] != 42 {
		t.Fatalf("echo over shared port failed: %v %v", buf[:n], err)
	}
}
