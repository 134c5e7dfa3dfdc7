package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestLatencyWindowSnapshot(t *testing.T) {
	w := NewLatencyWindow(8)
	w.ObserveStage(StagePersist, 2*time.Millisecond)
	w.ObserveStage(StageCompletion, 500*time.Millisecond)
	w.ObserveStage(StageCompletion, 700*time.Millisecond)
	w.ObserveStage(StageCompletion, 9*time.Second)
	w.ObserveSource(SourceCache)
	w.ObserveSource(SourceCache)
	w.ObserveSource(SourceCompletion)
	w.ObserveSource(SourceFallback)
	w.ObserveIndicator("completion_fallback")

	snap := w.Snapshot()
	if snap.WindowSize != 8 {
		t.Fatalf("WindowSize = %d, want 8", snap.WindowSize)
	}
	if snap.Turns != 4 || snap.CacheHitRatio != 0.5 {
		t.Fatalf("Turns = %d, CacheHitRatio = %.2f, want 4, 0.5", snap.Turns, snap.CacheHitRatio)
	}
	if snap.Indicators["completion_fallback"] != 1 {
		t.Fatalf("Indicators = %v, want completion_fallback=1", snap.Indicators)
	}
	if len(snap.Stages) != 2 {
		t.Fatalf("len(Stages) = %d, want 2", len(snap.Stages))
	}
	// Pipeline order, not alphabetical.
	if snap.Stages[0].Stage != StageCompletion || snap.Stages[1].Stage != StagePersist {
		t.Fatalf("stage order = %q, %q", snap.Stages[0].Stage, snap.Stages[1].Stage)
	}
	c := snap.Stages[0]
	if c.Samples != 3 || c.LastMS != 9000 || c.P50MS != 700 || c.P95MS != 9000 || c.MaxMS != 9000 {
		t.Fatalf("completion stats = %+v", c)
	}
	if c.TargetP95MS != 8000 || !c.OverTarget {
		t.Fatalf("completion target = %.0f over = %v, want 8000 true", c.TargetP95MS, c.OverTarget)
	}
	if snap.Stages[1].OverTarget {
		t.Fatalf("persist OverTarget = true, want false")
	}
}

func TestLatencyWindowKeepsMostRecentSamples(t *testing.T) {
	w := NewLatencyWindow(2)
	w.ObserveStage(StagePersist, time.Millisecond)
	w.ObserveStage(StagePersist, 2*time.Millisecond)
	w.ObserveStage(StagePersist, 30*time.Millisecond)
	w.ObserveStage("custom", time.Millisecond)

	snap := w.Snapshot()
	s := snap.Stages[0]
	if s.Samples != 2 || s.AvgMS != 16 {
		t.Fatalf("Samples = %d, AvgMS = %.2f, want 2, 16", s.Samples, s.AvgMS)
	}
	if snap.Stages[1].Stage != "custom" || snap.Stages[1].TargetP95MS != 0 {
		t.Fatalf("unknown stage = %+v", snap.Stages[1])
	}

	w.Reset()
	if snap := w.Snapshot(); len(snap.Stages) != 0 || snap.Turns != 0 {
		t.Fatalf("snapshot after Reset = %+v", snap)
	}
}

func TestMetricsHandlerServesIsolatedRegistry(t *testing.T) {
	m := NewIsolatedMetrics("deskmate_test")
	m.ObserveTurnSource(SourceCache)
	m.ObserveTurnStage(StageLookup, 2*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `deskmate_test_turns_total{source="cache"} 1`) {
		t.Fatalf("metrics body missing turns counter:\n%s", rec.Body.String())
	}
	snap := m.LatencySnapshot()
	if snap.Stages[0].LastMS != 2 || snap.CacheHitRatio != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.ObserveTurnSource(SourceCache)
	m.ObserveTurnStage(StageLookup, time.Millisecond)
	m.ObserveTurnIndicator("cache_hit")
	m.ObserveCompletionLatency(time.Second)
	if snap := m.LatencySnapshot(); snap.Stages == nil || len(snap.Stages) != 0 {
		t.Fatalf("nil LatencySnapshot() = %+v", snap)
	}
}
