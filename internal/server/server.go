// Package server assembles a running ollehd instance from its configuration:
// the instance key, the session table and journal, the credential table, the
// phase handlers and the receiver.
package server

import (
	"net/netip"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/quic-go/quic-go"

	"ollehd/internal/config"
	"ollehd/internal/crypto"
	"ollehd/internal/debuglog"
	"ollehd/internal/handler"
	"ollehd/internal/metrics"
	"ollehd/internal/recvr"
	"ollehd/internal/session"
	"ollehd/internal/store"
)

// compactAfter is the journal length that triggers a compaction on the sweep
// tick.
const compactAfter = 4096

type Option func(*Server)

func WithDataHandler(h handler.DataHandler) Option {
	return func(s *Server) { s.data = h }
}

func WithKey(kp *crypto.KeyPair) Option {
	return func(s *Server) { s.key = kp }
}

func WithLogger(l *debuglog.Logger) Option {
	return func(s *Server) { s.log = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

type Server struct {
	cfg      config.Config
	log      *debuglog.Logger
	metrics  *metrics.Metrics
	key      *crypto.KeyPair
	data     handler.DataHandler
	creds    *Creds
	journal  *store.Journal
	sessions *session.Store
	recv     *recvr.Receiver
	tconn    *recvr.TransportConn

	mu        sync.Mutex
	stopSweep chan struct{}
	sweepDone chan struct{}
}

// New loads keys and state but binds nothing.
func New(cfg config.Config, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Server{cfg: cfg}
	for _, o := range opts {
		o(s)
	}
	if s.log == nil {
		s.log = debuglog.New("server")
	}
	if s.metrics == nil {
		s.metrics = metrics.New()
	}
	s.log.SetDebug(cfg.Debug || s.log.DebugEnabled())

	if err := s.loadKey(); err != nil {
		return nil, err
	}
	if len(cfg.Users) > 0 {
		c, err := NewCreds(cfg.Users)
		if err != nil {
			return nil, err
		}
		s.creds = c
	}
	if err := s.openSessions(); err != nil {
		return nil, err
	}

	s.recv = recvr.New(cfg.Listen,
		recvr.WithQueueSize(cfg.Pool.QueueSize),
		recvr.WithLogger(s.log.Named("recvr")),
		recvr.WithMetrics(s.metrics),
		recvr.WithRateLimit(cfg.Limits.PerSource, cfg.Limits.Window.Duration),
	)
	s.recv.UseExc(cfg.UseExc)
	if err := s.recv.SetThreadPoolParams(cfg.Pool.MinThreads, cfg.Pool.MaxThreads, cfg.Pool.Timeout.Duration, cfg.Pool.Retries); err != nil {
		_ = s.closeJournal()
		return nil, err
	}
	return s, nil
}

func (s *Server) loadKey() error {
	if s.key != nil {
		return nil
	}
	if s.cfg.KeyDir == "" {
		kp, err := crypto.GenerateKeyPair(s.cfg.Curve)
		if err != nil {
			return errors.Wrap(err, "server: instance key")
		}
		s.key = kp
		s.log.Infof("using ephemeral %s instance key %s", kp.Public.Curve, kp.Public)
		return nil
	}
	kp, created, err := crypto.LoadOrCreateKeyPair(s.cfg.KeyDir, s.cfg.Curve)
	if err != nil {
		return errors.Wrap(err, "server: instance key")
	}
	if created {
		s.log.Infof("created %s instance key in %s", kp.Public.Curve, s.cfg.KeyDir)
	}
	s.key = kp
	return nil
}

func (s *Server) openSessions() error {
	opts := session.Options{
		RequireSameAddr: s.cfg.Session.RequireSameAddr,
		Log:             s.log.Named("session"),
	}
	if s.cfg.Session.Journal != "" {
		key, err := s.cfg.Session.SealKey()
		if err != nil {
			return err
		}
		j, err := store.Open(s.cfg.Session.Journal, key)
		crypto.Wipe(key)
		if err != nil {
			return err
		}
		s.journal = j
		opts.Journal = j
	}
	s.sessions = session.New(opts)
	n, err := s.sessions.Restore()
	if err != nil {
		_ = s.closeJournal()
		return err
	}
	if s.journal != nil {
		if err := s.sessions.Compact(); err != nil {
			_ = s.closeJournal()
			return err
		}
		s.log.Infof("restored %d sessions from %s", n, s.journal.Path())
	}
	return nil
}

func (s *Server) handlerConfig() handler.Config {
	p := s.cfg.Policy
	cfg := handler.Config{
		Key:      s.key,
		Bindings: handler.NewBindings(p.KeyTTL.Duration, p.KeyCache),
		Policy: handler.HelloPolicyFunc(func(crypto.PublicKey, netip.AddrPort) (handler.HelloDecision, bool) {
			return handler.HelloDecision{NeedLogin: p.NeedLogin, NeedPass: p.NeedPass}, true
		}),
		Registrar: s.sessions,
		Lookup:    s.sessions,
		Updater:   s.sessions,
		Data:      s.data,
	}
	if s.creds != nil {
		cfg.Creds = s.creds
	}
	return cfg
}

// Start binds the socket and begins serving.
func (s *Server) Start() error {
	var conn recvr.PacketConn
	if s.cfg.ShareQUIC {
		t, err := recvr.ListenTransport(s.cfg.Listen)
		if err != nil {
			return err
		}
		s.tconn, conn = t, t
	}
	if err := s.recv.Start(handler.NewMux(s.handlerConfig()), conn); err != nil {
		if s.tconn != nil {
			_ = s.tconn.Close()
			s.tconn = nil
		}
		return err
	}
	if fp, err := s.cfg.Fingerprint(); err == nil {
		s.log.Infof("serving on %s, key %s, config %016x", s.recv.Addr(), s.key.Public, fp)
	}

	s.mu.Lock()
	s.stopSweep = make(chan struct{})
	s.sweepDone = make(chan struct{})
	go s.sweep(s.stopSweep, s.sweepDone)
	s.mu.Unlock()
	return nil
}

func (s *Server) sweep(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	idle := s.cfg.Session.IdleTTL.Duration
	every := time.Second
	if idle > 0 && idle/2 < every {
		every = max(idle/2, 10*time.Millisecond)
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
		}
		if n := s.sessions.Sweep(idle); n > 0 {
			s.log.Debugf("expired %d idle sessions", n)
		}
		if q := s.recv.Queue(); q != nil {
			s.metrics.SetQueueDepth(q.Len())
		}
		s.metrics.SetWorkers(s.recv.Workers())
		if s.journal != nil && s.journal.Len() > compactAfter {
			if err := s.sessions.Compact(); err != nil {
				s.log.Warnf("journal compaction: %v", err)
			}
		}
	}
}

// Stop drains the receiver, then closes the shared transport and journal.
func (s *Server) Stop() error {
	err := s.recv.Stop()
	s.mu.Lock()
	stop, done := s.stopSweep, s.sweepDone
	s.stopSweep, s.sweepDone = nil, nil
	s.mu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}
	if s.tconn != nil {
		_ = s.tconn.Close()
	}
	if s.journal != nil {
		if cerr := s.sessions.Compact(); cerr != nil {
			s.log.Warnf("journal compaction: %v", cerr)
		}
	}
	if jerr := s.closeJournal(); err == nil {
		err = jerr
	}
	_ = s.log.Sync()
	return err
}

func (s *Server) closeJournal() error {
	if s.journal == nil {
		return nil
	}
	return s.journal.Close()
}

func (s *Server) Addr() netip.AddrPort { return s.recv.Addr() }
func (s *Server) Key() *crypto.KeyPair { return s.key }
func (s *Server) Sessions() *session.Store { return s.sessions }
func (s *Server) Metrics() *metrics.Metrics { return s.metrics }
func (s *Server) Receiver() *recvr.Receiver { return s.recv }
func (s *Server) Done() <-chan struct{} { return s.recv.Done() }

// Transport is the QUIC transport sharing the port, nil unless share_quic.
func (s *Server) Transport() *quic.Transport {
	if s.tconn == nil {
		return nil
	}
	return s.tconn.Transport()
}
