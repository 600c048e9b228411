package metrics

import (
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsCounters(t *testing.T) {
	m := New()
	m.IncRecv("hello")
	m.IncRecv("hello")
	m.IncRecv("data")
	m.IncDrop("mac")
	m.IncPhase("auth")
	m.SetQueueDepth(3)
	m.SetWorkers(2)
	snap := m.Snapshot()
	if snap.RecvByKind["hello"] != 2 || snap.RecvByKind["data"] != 1 {
		t.Fatalf("unexpected recv counts: %+v", snap.RecvByKind)
	}
	if snap.DropByReason["mac"] != 1 || m.Drops("mac") != 1 {
		t.Fatalf("unexpected drop counts: %+v", snap.DropByReason)
	}
	if snap.PhaseDone["auth"] != 1 || m.Phases("auth") != 1 {
		t.Fatalf("unexpected phase counts: %+v", snap.PhaseDone)
	}
	if snap.QueueDepth != 3 || snap.Workers != 2 {
		t.Fatalf("expected depth/workers 3/2, got %d/%d", snap.QueueDepth, snap.Workers)
	}
	if got := testutil.ToFloat64(m.recv.WithLabelValues("hello")); got != 2 {
		t.Fatalf("prometheus recv hello=%v", got)
	}
}

func TestMetricsHandlerExposesCounters(t *testing.T) {
	m := New()
	m.IncDrop("rate")
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), `ollehd_drop_total{reason="rate"} 1`) {
		t.Fatalf("metrics output missing drop counter:\n%s", rec.Body.String())
	}
}

func TestRecentRing(t *testing.T) {
	r := NewRecent(2)
	r.Add(Event{Phase: "a"})
	r.Add(Event{Phase: "b"})
	r.Add(Event{Phase: "c"})
	list := r.List()
	if len(list) != 2 || list[0].Phase != "b" || list[1].Phase != "c" {
		t.Fatalf("unexpected ring contents: %+v", list)
	}
}

func TestWriteSnapshotAndNil(t *testing.T) {
	var nilM *Metrics
	nilM.IncDrop("x")
	nilM.SetWorkers(1)
	if nilM.Drops("x") != 0 {
		t.Fatalf("nil metrics should count nothing")
	}
	m := New()
	m.IncPhase("hello")
	path := filepath.Join(t.TempDir(), "snap.json")
	if err := m.WriteSnapshot(path); err != nil {
		t.Fatalf("write: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.PhaseDone["hello"] != 1 {
		t.Fatalf("snapshot lost counter: %+v", snap)
	}
}
