package policy

import (
	"errors"
	"math/rand/v2"
	"testing"
)

func newTestEngine(t *testing.T, epsilon, lr float64) *Engine {
	t.Helper()
	e, err := NewEngine(Config{
		Epsilon:      epsilon,
		LearningRate: lr,
		Source:       rand.NewPCG(1, 2),
	})
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	return e
}

func TestNewEngineRejectsInvalidParameters(t *testing.T) {
	cases := []Config{
		{Epsilon: -0.1, LearningRate: 0.1},
		{Epsilon: 1.1, LearningRate: 0.1},
		{Epsilon: 0.1, LearningRate: 0},
		{Epsilon: 0.1, LearningRate: 1.5},
	}
	for _, cfg := range cases {
		if _, err := NewEngine(cfg); err == nil {
			t.Fatalf("NewEngine(%+v) error = nil, want error", cfg)
		}
	}
}

func TestUpdateFromUnseen(t *testing.T) {
	e := newTestEngine(t, 0, 0.1)
	next, v := e.Update(nil, "s", "a", 1)
	if v != 0.1 {
		t.Fatalf("value = %v, want 0.1", v)
	}
	if got, ok := next.Value("s", "a"); !ok || got != 0.1 {
		t.Fatalf("Value() = (%v, %v), want (0.1, true)", got, ok)
	}
}

func TestUpdateNegativeReward(t *testing.T) {
	e := newTestEngine(t, 0, 0.1)
	_, v := e.Update(Table{}, "s", "a", -1)
	if v != -0.1 {
		t.Fatalf("value = %v, want -0.1", v)
	}
}

func TestUpdateLeavesInputUntouched(t *testing.T) {
	e := newTestEngine(t, 0, 0.5)
	base := Table{"s": {{Action: "a", Value: 0.2}}}
	_, _ = e.Update(base, "s", "a", 1)
	_, _ = e.Update(base, "s", "b", 1)
	if got, _ := base.Value("s", "a"); got != 0.2 {
		t.Fatalf("base value = %v, want 0.2", got)
	}
	if len(base["s"]) != 1 {
		t.Fatalf("base actions = %v, want one", base["s"])
	}
}

func TestRepeatedPositiveUpdatesConvergeBelowOne(t *testing.T) {
	for _, lr := range []float64{0.1, 0.5, 0.9} {
		e := newTestEngine(t, 0, lr)
		table := Table{}
		prev := 0.0
		for i := 0; i < 50; i++ {
			var v float64
			table, v = e.Update(table, "s", "a", 1)
			if v > 1 {
				t.Fatalf("lr=%v step %d: value %v exceeds 1", lr, i, v)
			}
			if v < prev || (v == prev && prev < 1) {
				t.Fatalf("lr=%v step %d: value %v did not increase from %v", lr, i, v, prev)
			}
			prev = v
		}
	}
}

func TestLearningRateOneJumpsToReward(t *testing.T) {
	e := newTestEngine(t, 0, 1)
	table, v := e.Update(Table{}, "s", "a", 1)
	if v != 1 {
		t.Fatalf("value = %v, want 1", v)
	}
	_, v = e.Update(table, "s", "a", 1)
	if v != 1 {
		t.Fatalf("second value = %v, want 1", v)
	}
}

func TestChooseActionExploitsDominantAction(t *testing.T) {
	e := newTestEngine(t, 0, 0.1)
	table := Table{"s": {
		{Action: "weak", Value: 0.1},
		{Action: "best", Value: 0.9},
		{Action: "bad", Value: -0.5},
	}}
	candidates := []string{"bad", "weak", "best"}
	for i := 0; i < 100; i++ {
		got, err := e.ChooseAction(table, "s", candidates)
		if err != nil {
			t.Fatalf("ChooseAction() error = %v", err)
		}
		if got != "best" {
			t.Fatalf("ChooseAction() = %q, want %q", got, "best")
		}
	}
}

func TestChooseActionTieBreaksByFirstSeen(t *testing.T) {
	e := newTestEngine(t, 0, 0.1)
	table := Table{"s": {
		{Action: "first", Value: 0.5},
		{Action: "second", Value: 0.5},
	}}
	got, err := e.ChooseAction(table, "s", []string{"second", "first"})
	if err != nil {
		t.Fatalf("ChooseAction() error = %v", err)
	}
	if got != "first" {
		t.Fatalf("ChooseAction() = %q, want %q", got, "first")
	}
}

func TestChooseActionIgnoresScoredNonCandidates(t *testing.T) {
	e := newTestEngine(t, 0, 0.1)
	table := Table{"s": {
		{Action: "elsewhere", Value: 1},
		{Action: "here", Value: -0.2},
	}}
	got, err := e.ChooseAction(table, "s", []string{"here"})
	if err != nil {
		t.Fatalf("ChooseAction() error = %v", err)
	}
	if got != "here" {
		t.Fatalf("ChooseAction() = %q, want %q", got, "here")
	}
}

func TestChooseActionUnseenStatePicksCandidate(t *testing.T) {
	e := newTestEngine(t, 0, 0.1)
	candidates := []string{"a", "b", "c"}
	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		got, err := e.ChooseAction(Table{}, "unseen", candidates)
		if err != nil {
			t.Fatalf("ChooseAction() error = %v", err)
		}
		seen[got] = true
	}
	for _, c := range candidates {
		if !seen[c] {
			t.Fatalf("candidate %q never chosen for unseen state: %v", c, seen)
		}
	}
}

func TestChooseActionExploresWithEpsilonOne(t *testing.T) {
	e := newTestEngine(t, 1, 0.1)
	table := Table{"s": {{Action: "best", Value: 1}, {Action: "other", Value: -1}}}
	picked := map[string]int{}
	for i := 0; i < 200; i++ {
		got, err := e.ChooseAction(table, "s", []string{"best", "other"})
		if err != nil {
			t.Fatalf("ChooseAction() error = %v", err)
		}
		picked[got]++
	}
	if picked["other"] == 0 {
		t.Fatalf("epsilon=1 never explored: %v", picked)
	}
}

func TestChooseActionWithoutCandidates(t *testing.T) {
	e := newTestEngine(t, 0, 0.1)
	table := Table{"s": {{Action: "a", Value: -0.1}, {Action: "b", Value: 0.3}}}
	got, err := e.ChooseAction(table, "s", nil)
	if err != nil {
		t.Fatalf("ChooseAction() error = %v", err)
	}
	if got != "b" {
		t.Fatalf("ChooseAction() = %q, want %q", got, "b")
	}

	if _, err := e.ChooseAction(table, "unknown", nil); !errors.Is(err, ErrNoCandidates) {
		t.Fatalf("error = %v, want ErrNoCandidates", err)
	}
}

func TestStateNormalization(t *testing.T) {
	cases := []struct {
		norm Normalization
		in   string
		want string
	}{
		{NormalizeRaw, "  Hello   World ", "  Hello   World "},
		{NormalizeTrim, "  Hello   World ", "Hello World"},
		{NormalizeFold, "  Hello   World ", "hello world"},
	}
	for _, tc := range cases {
		e, err := NewEngine(Config{Epsilon: 0, LearningRate: 0.1, Normalization: tc.norm})
		if err != nil {
			t.Fatalf("NewEngine() error = %v", err)
		}
		if got := e.State(tc.in); got != tc.want {
			t.Fatalf("%s State(%q) = %q, want %q", tc.norm, tc.in, got, tc.want)
		}
	}
}

func TestParseNormalization(t *testing.T) {
	if n, err := ParseNormalization(""); err != nil || n != NormalizeRaw {
		t.Fatalf("ParseNormalization(\"\") = (%q, %v)", n, err)
	}
	if n, err := ParseNormalization(" FOLD "); err != nil || n != NormalizeFold {
		t.Fatalf("ParseNormalization(FOLD) = (%q, %v)", n, err)
	}
	if _, err := ParseNormalization("stem"); err == nil {
		t.Fatalf("ParseNormalization(stem) error = nil, want error")
	}
}
