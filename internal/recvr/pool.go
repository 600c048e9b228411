package recvr

import (
	"net/netip"
	"runtime/debug"
	"sync"
	"time"

	"ollehd/internal/debuglog"
	"ollehd/internal/metrics"
	"ollehd/internal/proto"
)

// Shared is the state every handler invocation may use: the socket for
// replies, the queue, logging and metrics. Handlers receive a private copy
// of the datagram, never a queue slot.
type Shared struct {
	Conn    PacketConn
	Queue   *Queue
	Log     *debuglog.Logger
	Metrics *metrics.Metrics
}

// Send writes one reply datagram.
func (sh *Shared) Send(b []byte, to netip.AddrPort) error {
	_, err := sh.Conn.WriteTo(b, to)
	return err
}

// Handler processes one datagram.
type Handler interface {
	Handle(sh *Shared, m *proto.Message)
}

type HandlerFunc func(sh *Shared, m *proto.Message)

func (f HandlerFunc) Handle(sh *Shared, m *proto.Message) { f(sh, m) }

// Pool runs between min and max workers draining a Queue. Workers above min
// exit after idle time without work.
type Pool struct {
	min, max int
	idle     time.Duration
	q        *Queue
	h        Handler
	sh       *Shared

	mu       sync.Mutex
	running  int
	waiting  int
	stopping bool

	quit chan struct{}
	kill chan struct{}
	wg   sync.WaitGroup
}

func NewPool(min, max int, idle time.Duration, q *Queue, h Handler, sh *Shared) *Pool {
	if min < 1 {
		min = 1
	}
	if max < min {
		max = min
	}
	p := &Pool{
		min:  min,
		max:  max,
		idle: idle,
		q:    q,
		h:    h,
		sh:   sh,
		quit: make(chan struct{}),
		kill: make(chan struct{}),
	}
	p.mu.Lock()
	for i := 0; i < min; i++ {
		p.spawnLocked()
	}
	p.mu.Unlock()
	return p
}

func (p *Pool) spawnLocked() {
	p.running++
	p.wg.Add(1)
	p.sh.Metrics.SetWorkers(p.running)
	go p.worker()
}

// Notify is called after each commit. It grows the pool while queued
// datagrams outnumber idle workers.
func (p *Pool) Notify() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopping {
		return
	}
	if p.waiting < p.q.Len() && p.running < p.max {
		p.spawnLocked()
	}
	p.sh.Metrics.SetQueueDepth(p.q.Len())
}

// Running reports the live worker count.
func (p *Pool) Running() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Pool) worker() {
	defer p.wg.Done()
	var local proto.Message
	for {
		select {
		case <-p.kill:
			p.exit()
			return
		default:
		}

		p.mu.Lock()
		draining := p.stopping
		p.waiting++
		p.mu.Unlock()

		var (
			s   *Slot
			err error
		)
		if draining {
			s, err = p.q.Take(0, nil)
		} else {
			s, err = p.q.Take(p.idle, p.quit)
		}

		p.mu.Lock()
		p.waiting--
		if err != nil {
			if err == ErrCanceled {
				p.mu.Unlock()
				continue
			}
			if p.stopping || p.running > p.min {
				p.running--
				p.sh.Metrics.SetWorkers(p.running)
				p.mu.Unlock()
				return
			}
			p.mu.Unlock()
			continue
		}
		p.mu.Unlock()

		s.Msg.CopyTo(&local)
		_ = p.q.Release(s)
		p.sh.Metrics.SetQueueDepth(p.q.Len())
		p.run(&local)
	}
}

func (p *Pool) exit() {
	p.mu.Lock()
	p.running--
	p.sh.Metrics.SetWorkers(p.running)
	p.mu.Unlock()
}

func (p *Pool) run(m *proto.Message) {
	defer func() {
		if r := recover(); r != nil {
			p.sh.Metrics.IncDrop("panic")
			p.sh.Log.Errorf("handler panic from %s: %v\n%s", m.Addr, r, debug.Stack())
		}
	}()
	p.h.Handle(p.sh, m)
}

// Shutdown lets workers drain what is already committed. It waits up to
// timeout per round for rounds+1 rounds, then abandons remaining work and
// reports false. Handlers already running are never interrupted.
func (p *Pool) Shutdown(timeout time.Duration, rounds int) bool {
	p.mu.Lock()
	if !p.stopping {
		p.stopping = true
		close(p.quit)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	if timeout <= 0 {
		timeout = time.Second
	}
	for i := 0; i <= rounds; i++ {
		t := time.NewTimer(timeout)
		select {
		case <-done:
			t.Stop()
			return true
		case <-t.C:
			p.sh.Log.Debugf("pool drain round %d/%d: %d workers busy, %d queued", i+1, rounds+1, p.Running(), p.q.Len())
		}
	}
	p.Kill()
	return false
}

// Kill stops workers at their next queue wait.
func (p *Pool) Kill() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopping = true
	select {
	case <-p.kill:
	default:
		close(p.kill)
	}
}
