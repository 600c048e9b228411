package metrics

import (
	"encoding/json"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ollehd"

// Event is one completed phase, kept in a small ring for debugging.
type Event struct {
	At    time.Time `json:"at"`
	Phase string    `json:"phase"`
	Peer  string    `json:"peer"`
	Key   string    `json:"key,omitempty"`
}

type Snapshot struct {
	GeneratedAt  time.Time         `json:"generated_at"`
	RecvByKind   map[string]uint64 `json:"recv_by_kind"`
	DropByReason map[string]uint64 `json:"drop_by_reason"`
	PhaseDone    map[string]uint64 `json:"phase_done"`
	QueueDepth   int               `json:"queue_depth"`
	Workers      int               `json:"workers"`
	Recent       []Event           `json:"recent"`
}

// Metrics exports counters to a private prometheus registry and mirrors them
// for JSON snapshots. A nil *Metrics discards everything.
type Metrics struct {
	reg        *prometheus.Registry
	recv       *prometheus.CounterVec
	drop       *prometheus.CounterVec
	phase      *prometheus.CounterVec
	queueDepth prometheus.Gauge
	workers    prometheus.Gauge

	mu         sync.Mutex
	recvByKind map[string]uint64
	dropReason map[string]uint64
	phaseDone  map[string]uint64
	depth      int
	nWorkers   int
	recent     *Recent
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		recv: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recv_total",
			Help:      "Datagrams accepted into the receive queue, by kind.",
		}, []string{"kind"}),
		drop: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drop_total",
			Help:      "Datagrams dropped without a reply, by reason.",
		}, []string{"reason"}),
		phase: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "phase_total",
			Help:      "Completed handshake and data phases.",
		}, []string{"phase"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Committed datagrams waiting for a worker.",
		}),
		workers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers",
			Help:      "Running pool workers.",
		}),
		recvByKind: make(map[string]uint64),
		dropReason: make(map[string]uint64),
		phaseDone:  make(map[string]uint64),
		recent:     NewRecent(64),
	}
	m.reg.MustRegister(m.recv, m.drop, m.phase, m.queueDepth, m.workers)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) Recent() *Recent {
	if m == nil {
		return nil
	}
	return m.recent
}

func (m *Metrics) IncRecv(kind string) {
	if m == nil || kind == "" {
		return
	}
	m.recv.WithLabelValues(kind).Inc()
	m.bump(m.recvByKind, kind)
}

func (m *Metrics) IncDrop(reason string) {
	if m == nil || reason == "" {
		return
	}
	m.drop.WithLabelValues(reason).Inc()
	m.bump(m.dropReason, reason)
}

func (m *Metrics) IncPhase(phase string) {
	if m == nil || phase == "" {
		return
	}
	m.phase.WithLabelValues(phase).Inc()
	m.bump(m.phaseDone, phase)
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
	m.mu.Lock()
	m.depth = n
	m.mu.Unlock()
}

func (m *Metrics) SetWorkers(n int) {
	if m == nil {
		return
	}
	m.workers.Set(float64(n))
	m.mu.Lock()
	m.nWorkers = n
	m.mu.Unlock()
}

func (m *Metrics) bump(dst map[string]uint64, key string) {
	m.mu.Lock()
	dst[key]++
	m.mu.Unlock()
}

// Drops returns the drop count for reason.
func (m *Metrics) Drops(reason string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropReason[reason]
}

// Phases returns the completion count for phase.
func (m *Metrics) Phases(phase string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phaseDone[phase]
}

func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{GeneratedAt: time.Now().UTC()}
	}
	m.mu.Lock()
	snap := Snapshot{
		GeneratedAt:  time.Now().UTC(),
		RecvByKind:   copyMap(m.recvByKind),
		DropByReason: copyMap(m.dropReason),
		PhaseDone:    copyMap(m.phaseDone),
		QueueDepth:   m.depth,
		Workers:      m.nWorkers,
	}
	m.mu.Unlock()
	snap.Recent = m.recent.List()
	if snap.Recent == nil {
		snap.Recent = []Event{}
	}
	return snap
}

func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

func copyMap(in map[string]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

type Recent struct {
	mu   sync.Mutex
	cap  int
	list []Event
}

func NewRecent(capacity int) *Recent {
	if capacity <= 0 {
		capacity = 64
	}
	return &Recent{cap: capacity}
}

func (r *Recent) Add(e Event) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.list) >= r.cap {
		copy(r.list, r.list[1:])
		r.list[len(r.list)-1] = e
		return
	}
	r.list = append(r.list, e)
}

func (r *Recent) List() []Event {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.list))
	copy(out, r.list)
	return out
}
