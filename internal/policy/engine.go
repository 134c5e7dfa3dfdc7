// Package policy scores candidate responses per conversation state with a
// single-step epsilon-greedy bandit, and holds the redaction helpers used
// before user text reaches the logs.
package policy

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
)

const (
	DefaultEpsilon      = 0.1
	DefaultLearningRate = 0.1
)

var ErrNoCandidates = errors.New("no candidate actions")

// Config controls engine construction.
type Config struct {
	Epsilon       float64
	LearningRate  float64
	Normalization Normalization
	// Source overrides the random source; tests pass a seeded one.
	Source rand.Source
}

// Engine chooses and scores actions. It holds no table of its own: every
// call operates on the table owned by the caller's session.
type Engine struct {
	epsilon      float64
	learningRate float64
	norm         Normalization

	mu  sync.Mutex
	rng *rand.Rand
}

func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Epsilon < 0 || cfg.Epsilon > 1 {
		return nil, fmt.Errorf("epsilon must be in [0,1], got %v", cfg.Epsilon)
	}
	if cfg.LearningRate <= 0 || cfg.LearningRate > 1 {
		return nil, fmt.Errorf("learning rate must be in (0,1], got %v", cfg.LearningRate)
	}
	if cfg.Normalization == "" {
		cfg.Normalization = NormalizeRaw
	}
	src := cfg.Source
	if src == nil {
		src = rand.NewPCG(rand.Uint64(), rand.Uint64())
	}
	return &Engine{
		epsilon:      cfg.Epsilon,
		learningRate: cfg.LearningRate,
		norm:         cfg.Normalization,
		rng:          rand.New(src),
	}, nil
}

// State converts a raw prompt into the state key used by the table.
func (e *Engine) State(prompt string) string {
	return e.norm.Apply(prompt)
}

// ChooseAction picks an action for state. With probability epsilon it
// explores uniformly among candidates; otherwise it returns the candidate
// with the highest recorded value, breaking ties by first-seen order in the
// table. A state without any scored candidate falls back to a uniform pick.
// When candidates is empty the actions already scored for state are used.
func (e *Engine) ChooseAction(table Table, state string, candidates []string) (string, error) {
	if len(candidates) == 0 {
		candidates = table.Actions(state)
	}
	if len(candidates) == 0 {
		return "", ErrNoCandidates
	}

	if e.randFloat() < e.epsilon {
		return candidates[e.randIntn(len(candidates))], nil
	}

	allowed := make(map[string]struct{}, len(candidates))
	for _, c := range candidates {
		allowed[c] = struct{}{}
	}
	best, found := "", false
	bestValue := 0.0
	for _, av := range table[state] {
		if _, ok := allowed[av.Action]; !ok {
			continue
		}
		if !found || av.Value > bestValue {
			best, bestValue, found = av.Action, av.Value, true
		}
	}
	if found {
		return best, nil
	}
	return candidates[e.randIntn(len(candidates))], nil
}

// Update moves the value of (state, action) toward reward:
// new = old + learningRate*(reward-old), with old defaulting to 0.
// It returns the updated copy of table and the new value; table itself is
// left unchanged so the caller can persist before committing.
func (e *Engine) Update(table Table, state, action string, reward float64) (Table, float64) {
	old, _ := table.Value(state, action)
	v := old + e.learningRate*(reward-old)
	return table.with(state, action, v), v
}

func (e *Engine) Epsilon() float64      { return e.epsilon }
func (e *Engine) LearningRate() float64 { return e.learningRate }

func (e *Engine) randFloat() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rng.Float64()
}

func (e *Engine) randIntn(n int) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rng.IntN(n)
}
