// Package pprofutil serves the debug surface: pprof and the prometheus
// metrics of one instance, on a loopback address unless told otherwise.
package pprofutil

import (
	"net"
	"net/http"
	"net/http/pprof"
	"strings"
	"time"

	"github.com/pkg/errors"

	"ollehd/internal/debuglog"
	"ollehd/internal/metrics"
)

const defaultAddr = "127.0.0.1:6060"

// Options mirrors OLLEHD_PPROF, OLLEHD_PPROF_ADDR and
// OLLEHD_PPROF_ALLOW_PUBLIC.
type Options struct {
	Enabled     bool
	Addr        string
	AllowPublic bool
}

func OptionsFromEnv(getenv func(string) string) Options {
	return Options{
		Enabled:     strings.TrimSpace(getenv("OLLEHD_PPROF")) == "1",
		Addr:        strings.TrimSpace(getenv("OLLEHD_PPROF_ADDR")),
		AllowPublic: strings.TrimSpace(getenv("OLLEHD_PPROF_ALLOW_PUBLIC")) == "1",
	}
}

// Server is a running debug endpoint.
type Server struct {
	srv *http.Server
	ln  net.Listener
}

func (s *Server) Addr() string { return s.ln.Addr().String() }

func (s *Server) Close() error { return s.srv.Close() }

// Mux routes /debug/pprof/ and, when m is set, /metrics.
func Mux(m *metrics.Metrics) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	if m != nil {
		mux.Handle("/metrics", m.Handler())
	}
	return mux
}

// Start serves Mux(m). It returns nil, nil when opts are disabled.
func Start(opts Options, m *metrics.Metrics, log *debuglog.Logger) (*Server, error) {
	if !opts.Enabled {
		return nil, nil
	}
	addr := opts.Addr
	if addr == "" {
		addr = defaultAddr
	}
	if !opts.AllowPublic && !isLoopbackBind(addr) {
		return nil, errors.Errorf("OLLEHD_PPROF_ADDR must be loopback unless OLLEHD_PPROF_ALLOW_PUBLIC=1: %s", addr)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "pprof listen failed")
	}
	s := &Server{
		ln: ln,
		srv: &http.Server{
			Handler:           Mux(m),
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
	if log != nil {
		log.Infof("debug endpoint: http://%s/debug/pprof/ and /metrics", s.Addr())
	}
	go func() {
		_ = s.srv.Serve(ln)
	}()
	return s, nil
}

func isLoopbackBind(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
