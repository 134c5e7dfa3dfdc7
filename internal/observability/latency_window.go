package observability

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// Turn stages observed by the chat service, in pipeline order.
const (
	StageContext    = "context_extract"
	StageLookup     = "cache_lookup"
	StagePolicy     = "policy_choose"
	StageCompletion = "completion"
	StagePersist    = "persist"
	StageTurnTotal  = "turn_total"
	StageFeedback   = "feedback_total"
)

var stageOrder = []string{
	StageContext,
	StageLookup,
	StagePolicy,
	StageCompletion,
	StagePersist,
	StageTurnTotal,
	StageFeedback,
}

// p95 budgets in milliseconds. Stages without a budget report 0.
var stageTargetsMS = map[string]float64{
	StageContext:    5,
	StageLookup:     5,
	StagePolicy:     5,
	StagePersist:    50,
	StageCompletion: 8000,
	StageTurnTotal:  9000,
	StageFeedback:   100,
}

type StageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	MaxMS       float64 `json:"max_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
	OverTarget  bool    `json:"over_target,omitempty"`
}

// LatencySnapshot is the payload of /v1/perf/latency.
type LatencySnapshot struct {
	GeneratedAt time.Time `json:"generated_at"`
	WindowSize  int       `json:"window_size"`
	// Turns and Sources count every answered turn since the last reset,
	// not only the ones still in the sample window.
	Turns         int            `json:"turns"`
	CacheHitRatio float64        `json:"cache_hit_ratio"`
	Sources       map[string]int `json:"sources"`
	Indicators    map[string]int `json:"indicators,omitempty"`
	Stages        []StageStats   `json:"stages"`
}

// LatencyWindow keeps the most recent samples per turn stage together with
// running counts of where answers came from.
type LatencyWindow struct {
	mu         sync.Mutex
	size       int
	stages     map[string]*ring
	sources    map[string]int
	indicators map[string]int
}

func NewLatencyWindow(size int) *LatencyWindow {
	if size <= 0 {
		size = 256
	}
	w := &LatencyWindow{size: size}
	w.reset()
	return w
}

func (w *LatencyWindow) ObserveStage(stage string, d time.Duration) {
	if w == nil || stage == "" || d < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	r, ok := w.stages[stage]
	if !ok {
		r = &ring{values: make([]float64, w.size)}
		w.stages[stage] = r
	}
	r.add(float64(d.Microseconds()) / 1000)
}

func (w *LatencyWindow) ObserveSource(source string) {
	w.count(w.sources, source)
}

func (w *LatencyWindow) ObserveIndicator(name string) {
	w.count(w.indicators, name)
}

func (w *LatencyWindow) count(into map[string]int, key string) {
	if w == nil {
		return
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	into[key]++
}

func (w *LatencyWindow) Snapshot() LatencySnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := LatencySnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.size,
		Sources:     make(map[string]int, len(w.sources)),
		Indicators:  make(map[string]int, len(w.indicators)),
		Stages:      make([]StageStats, 0, len(w.stages)),
	}
	for src, n := range w.sources {
		snap.Sources[src] = n
		snap.Turns += n
	}
	if snap.Turns > 0 {
		snap.CacheHitRatio = round2(float64(w.sources[SourceCache]) / float64(snap.Turns))
	}
	for name, n := range w.indicators {
		snap.Indicators[name] = n
	}
	for _, stage := range orderedStages(w.stages) {
		if stats, ok := w.stages[stage].stats(stage); ok {
			snap.Stages = append(snap.Stages, stats)
		}
	}
	return snap
}

func (w *LatencyWindow) Reset() {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.reset()
}

func (w *LatencyWindow) reset() {
	w.stages = make(map[string]*ring)
	w.sources = make(map[string]int)
	w.indicators = make(map[string]int)
}

// orderedStages lists known stages in pipeline order, then any others
// alphabetically.
func orderedStages(stages map[string]*ring) []string {
	out := make([]string, 0, len(stages))
	known := make(map[string]bool, len(stageOrder))
	for _, stage := range stageOrder {
		known[stage] = true
		if _, ok := stages[stage]; ok {
			out = append(out, stage)
		}
	}
	var extra []string
	for stage := range stages {
		if !known[stage] {
			extra = append(extra, stage)
		}
	}
	sort.Strings(extra)
	return append(out, extra...)
}

// ring is a fixed-size circular buffer of millisecond samples.
type ring struct {
	values []float64
	next   int
	n      int
	last   float64
}

func (r *ring) add(ms float64) {
	r.values[r.next] = ms
	r.last = ms
	r.next = (r.next + 1) % len(r.values)
	if r.n < len(r.values) {
		r.n++
	}
}

func (r *ring) stats(stage string) (StageStats, bool) {
	if r.n == 0 {
		return StageStats{}, false
	}
	sorted := make([]float64, r.n)
	copy(sorted, r.values[:r.n])
	sort.Float64s(sorted)
	sum := 0.0
	for _, v := range sorted {
		sum += v
	}
	target := stageTargetsMS[stage]
	p95 := nearestRank(sorted, 0.95)
	return StageStats{
		Stage:       stage,
		Samples:     r.n,
		LastMS:      round2(r.last),
		AvgMS:       round2(sum / float64(r.n)),
		P50MS:       round2(nearestRank(sorted, 0.50)),
		P95MS:       round2(p95),
		MaxMS:       round2(sorted[len(sorted)-1]),
		TargetP95MS: target,
		OverTarget:  target > 0 && p95 > target,
	}, true
}

// nearestRank returns the q-quantile of sorted using the nearest-rank method.
func nearestRank(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(q * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
