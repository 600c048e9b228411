// Package recvr owns the server socket: one goroutine reads datagrams into a
// bounded slot queue and a worker pool hands each one to a Handler.
package recvr

import (
	"net/netip"
	"sync"
	"time"

	"ollehd/internal/debuglog"
	"ollehd/internal/exc"
	"ollehd/internal/metrics"
)

type State int32

const (
	Stopped State = iota
	Starting
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	}
	return "unknown"
}

type Option func(*Receiver)

func WithQueueSize(n int) Option {
	return func(r *Receiver) { r.queueSize = n }
}

func WithLogger(l *debuglog.Logger) Option {
	return func(r *Receiver) { r.log = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Receiver) { r.metrics = m }
}

// WithRateLimit caps datagrams per source address per window. Datagrams over
// budget never reach the queue.
func WithRateLimit(limit int, window time.Duration) Option {
	return func(r *Receiver) { r.limiter = newRateLimiter(limit, window) }
}

type poolParams struct {
	min, max int
	timeout  time.Duration
	retries  int
}

type Receiver struct {
	addr      string
	queueSize int
	limiter   *rateLimiter
	log       *debuglog.Logger
	metrics   *metrics.Metrics
	exc       exc.Policy

	mu     sync.Mutex
	state  State
	params *poolParams
	conn   PacketConn
	owned  bool
	local  netip.AddrPort
	q      *Queue
	pool   *Pool
	done   chan struct{}
	err    error

	stopMu sync.Mutex
	stop   bool
}

// New prepares a receiver for addr ("host:port", port 0 for any). Nothing is
// bound until Start.
func New(addr string, opts ...Option) *Receiver {
	r := &Receiver{
		addr:      addr,
		queueSize: DefaultQueueSize,
		limiter:   newRateLimiter(defaultSourceRateLimit, defaultRateWindow),
		done:      closedChan(),
	}
	for _, o := range opts {
		o(r)
	}
	if r.log == nil {
		r.log = debuglog.New("recvr")
	}
	return r
}

func closedChan() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}

// SetThreadPoolParams must be called before Start. timeout bounds each
// socket wait and each idle worker wait; retries is the number of extra
// drain rounds Stop allows before abandoning queued work.
func (r *Receiver) SetThreadPoolParams(min, max int, timeout time.Duration, retries int) (err error) {
	defer func() { err = r.exc.Raise(err) }()
	if min < 1 || max < min {
		return exc.Newf("recvr.params", exc.State, "need 1 <= min <= max, got %d/%d", min, max)
	}
	if timeout <= 0 {
		return exc.Newf("recvr.params", exc.State, "timeout must be positive")
	}
	if retries < 0 {
		retries = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != Stopped {
		return exc.Newf("recvr.params", exc.State, "receiver is %s", r.state)
	}
	r.params = &poolParams{min: min, max: max, timeout: timeout, retries: retries}
	return nil
}

// UseExc switches failures from returned errors to panics of *exc.Error.
func (r *Receiver) UseExc(on bool) { r.exc.Set(on) }

func (r *Receiver) Debug(on bool) { r.log.SetDebug(on) }

// Start binds (or adopts conn), starts the pool with h and launches the
// receive loop. An adopted conn is not closed by Stop.
func (r *Receiver) Start(h Handler, conn PacketConn) (err error) {
	defer func() { err = r.exc.Raise(err) }()
	if h == nil {
		return exc.Newf("recvr.start", exc.State, "nil handler")
	}
	r.mu.Lock()
	if r.params == nil {
		r.mu.Unlock()
		return exc.Newf("recvr.start", exc.NotInitialized, "threadpool params not set")
	}
	if r.state != Stopped {
		st := r.state
		r.mu.Unlock()
		return exc.Newf("recvr.start", exc.State, "receiver is %s", st)
	}
	r.state = Starting
	p := *r.params
	r.mu.Unlock()

	owned := false
	if conn == nil {
		u, lerr := ListenUDP(r.addr)
		if lerr != nil {
			r.setState(Stopped)
			return exc.New("recvr.start", exc.FdError, lerr)
		}
		conn, owned = u, true
	}

	r.stopMu.Lock()
	r.stop = false
	r.stopMu.Unlock()

	q := NewQueue(r.queueSize)
	sh := &Shared{Conn: conn, Queue: q, Log: r.log, Metrics: r.metrics}
	pool := NewPool(p.min, p.max, p.timeout, q, h, sh)

	r.mu.Lock()
	r.conn = conn
	r.owned = owned
	r.local = conn.LocalAddr()
	r.q = q
	r.pool = pool
	r.err = nil
	r.done = make(chan struct{})
	r.state = Running
	done := r.done
	r.mu.Unlock()

	r.log.Infof("listening on %s (pool %d-%d, queue %d)", r.local, p.min, p.max, q.Cap())
	go r.loop(conn, q, pool, p, owned, done)
	return nil
}

func (r *Receiver) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

func (r *Receiver) stopRequested() bool {
	r.stopMu.Lock()
	defer r.stopMu.Unlock()
	return r.stop
}

func (r *Receiver) loop(conn PacketConn, q *Queue, pool *Pool, p poolParams, owned bool, done chan struct{}) {
	defer close(done)
	var fatal error
	for !r.stopRequested() {
		slot, err := q.Prepare(p.timeout)
		if err != nil {
			r.log.RateLimitedf("recvr:queue_full", time.Second, "queue full (%d slots), receive paused", q.Cap())
			continue
		}
		if err := conn.SetReadDeadline(time.Now().Add(p.timeout)); err != nil {
			_ = q.Rollback(slot)
			fatal = err
			break
		}
		n, from, err := conn.ReadFrom(slot.Msg.Buffer())
		if err != nil {
			_ = q.Rollback(slot)
			if exc.CodeOf(err) == exc.Timeout {
				continue
			}
			fatal = err
			break
		}
		if n == 0 {
			_ = q.Rollback(slot)
			continue
		}
		if !r.limiter.Allow(from.Addr()) {
			_ = q.Rollback(slot)
			r.metrics.IncDrop("rate")
			r.log.RateLimitedf("recvr:rate:"+from.Addr().String(), time.Second, "rate limited %s", from)
			continue
		}
		_ = slot.Msg.SetLen(n)
		slot.Msg.Addr = from
		if err := q.Commit(slot); err != nil {
			fatal = err
			break
		}
		pool.Notify()
	}

	r.setState(Stopping)
	if fatal != nil && !r.stopRequested() {
		r.log.Errorf("receive loop on %s stopped: %v", r.local, fatal)
		r.mu.Lock()
		r.err = exc.New("recvr.loop", exc.CodeOf(fatal), fatal)
		r.mu.Unlock()
	}
	if !pool.Shutdown(p.timeout, p.retries) {
		r.log.Warnf("pool did not drain after %d rounds, %d datagrams abandoned", p.retries+1, q.Len())
	}
	if owned {
		_ = conn.Close()
	}
	r.setState(Stopped)
}

// Stop asks the loop to exit, drains the pool and waits for both.
func (r *Receiver) Stop() (err error) {
	defer func() { err = r.exc.Raise(err) }()
	r.mu.Lock()
	st, conn, done := r.state, r.conn, r.done
	r.mu.Unlock()
	if st == Stopped || conn == nil {
		return exc.Newf("recvr.stop", exc.Closed, "receiver not running")
	}
	r.stopMu.Lock()
	r.stop = true
	r.stopMu.Unlock()
	_ = conn.SetReadDeadline(time.Now())
	<-done
	return nil
}

// Done is closed once the loop and pool have finished.
func (r *Receiver) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

// Err reports why the loop ended on its own, if it did.
func (r *Receiver) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *Receiver) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Addr is the realized local address, valid after Start.
func (r *Receiver) Addr() netip.AddrPort {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.local
}

// Conn is the socket handlers reply on.
func (r *Receiver) Conn() PacketConn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn
}

// Queue is the live slot queue, nil before Start.
func (r *Receiver) Queue() *Queue {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.q
}

// Workers reports the running pool size.
func (r *Receiver) Workers() int {
	r.mu.Lock()
	p := r.pool
	r.mu.Unlock()
	if p == nil {
		return 0
	}
	return p.Running()
}
