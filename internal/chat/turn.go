package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ent0n29/deskmate/internal/config"
	"github.com/ent0n29/deskmate/internal/memory"
	"github.com/ent0n29/deskmate/internal/observability"
	"github.com/ent0n29/deskmate/internal/policy"
	"github.com/ent0n29/deskmate/internal/state"
)

// TurnResult is the outcome of one user prompt.
type TurnResult struct {
	TurnID   string `json:"turn_id"`
	Response string `json:"response"`
	// Cached is true when the answer came from the conversation log.
	Cached bool `json:"cached"`
	// Source is one of the observability.Source* values.
	Source string `json:"source"`
	// ContextNote is the context extractor's remark about the prompt, if any.
	ContextNote string `json:"context_note,omitempty"`
}

// SubmitTurn answers prompt within sessionID.
//
// The prompt first goes through the context extractor (persisting the
// context when a slot changed), then the response cache. Known answers for
// the prompt's state, the cached one included, are ranked by the policy
// engine; only when none is available, or the pick is rejected, is the
// completion endpoint called. Completion failures degrade to the fallback
// text. Both turns are appended to the log and saved before returning.
func (s *Service) SubmitTurn(ctx context.Context, sessionID, prompt string) (TurnResult, error) {
	if strings.TrimSpace(prompt) == "" {
		return TurnResult{}, ErrEmptyPrompt
	}
	conv, err := s.acquire(sessionID)
	if err != nil {
		return TurnResult{}, err
	}
	defer conv.mu.Unlock()

	turnID, err := s.sessions.StartTurn(sessionID)
	if err != nil {
		return TurnResult{}, err
	}
	defer func() { _ = s.sessions.FinishTurn(sessionID) }()

	started := time.Now()
	s.logger.Log(ctx, config.LevelTrace, "chat: turn received",
		"session_id", sessionID, "turn_id", turnID, "prompt", redact(prompt))

	stageStart := time.Now()
	nextContext, changed := s.extractor.Extract(prompt, conv.record.Context)
	if changed {
		rec := state.SessionRecord{Log: conv.record.Log, Context: nextContext}
		if err := s.store.SaveSession(ctx, conv.userID, rec); err != nil {
			s.persistFailed("session")
			return TurnResult{}, fmt.Errorf("%w: context: %w", ErrPersist, err)
		}
		conv.record = rec
	}
	s.observeStage(observability.StageContext, stageStart)

	stageStart = time.Now()
	cached, hit := memory.Lookup(conv.record.Log, prompt)
	s.observeStage(observability.StageLookup, stageStart)

	stageStart = time.Now()
	st := s.engine.State(prompt)
	response, source := s.choose(conv.table, st, cached, hit)
	s.observeStage(observability.StagePolicy, stageStart)

	if source == "" {
		response, source = s.complete(ctx, prompt)
	}

	stageStart = time.Now()
	rec := state.SessionRecord{
		Log: conv.record.Log.Append(
			memory.Turn{Role: memory.RoleUser, Content: prompt},
			memory.Turn{Role: memory.RoleAssistant, Content: response},
		),
		Context: conv.record.Context,
	}
	if err := s.store.SaveSession(ctx, conv.userID, rec); err != nil {
		s.persistFailed("session")
		return TurnResult{}, fmt.Errorf("%w: history: %w", ErrPersist, err)
	}
	conv.record = rec
	conv.last = &exchange{Prompt: prompt, State: st, Action: response}
	s.observeStage(observability.StagePersist, stageStart)

	note, _ := s.extractor.Respond(prompt, conv.record.Context)

	if s.metrics != nil {
		s.metrics.ObserveTurnSource(source)
	}
	s.observeStage(observability.StageTurnTotal, started)
	s.logger.Debug("chat: turn answered",
		"session_id", sessionID,
		"turn_id", turnID,
		"source", source,
		"elapsed", time.Since(started))

	return TurnResult{
		TurnID:      turnID,
		Response:    response,
		Cached:      source == observability.SourceCache,
		Source:      source,
		ContextNote: note,
	}, nil
}

// choose ranks the known answers for st. An empty source means nothing
// usable is known and the completion endpoint must answer.
func (s *Service) choose(table policy.Table, st, cached string, hit bool) (string, string) {
	candidates := table.Actions(st)
	if hit && !contains(candidates, cached) {
		candidates = append([]string{cached}, candidates...)
	}
	action, err := s.engine.ChooseAction(table, st, candidates)
	if err != nil {
		// policy.ErrNoCandidates: a fresh prompt.
		return "", ""
	}
	if s.rejectNegative {
		if v, ok := table.Value(st, action); ok && v < 0 {
			s.indicator("policy_rejected_negative")
			return "", ""
		}
	}
	if hit && action == cached {
		s.indicator("cache_hit")
		return action, observability.SourceCache
	}
	return action, observability.SourcePolicy
}

func (s *Service) complete(ctx context.Context, prompt string) (string, string) {
	cctx, cancel := context.WithTimeout(ctx, s.completionTimeout)
	defer cancel()

	started := time.Now()
	text, err := s.completer.Complete(cctx, prompt)
	elapsed := time.Since(started)
	s.observeStage(observability.StageCompletion, started)
	if s.metrics != nil {
		s.metrics.ObserveCompletionLatency(elapsed)
	}
	if err == nil && strings.TrimSpace(text) == "" {
		err = errors.New("empty completion")
	}
	if err != nil {
		kind := "transport"
		if errors.Is(err, context.DeadlineExceeded) {
			kind = "timeout"
		} else if errors.Is(err, context.Canceled) {
			kind = "canceled"
		}
		if s.metrics != nil {
			s.metrics.CompletionErrors.WithLabelValues(kind).Inc()
		}
		s.indicator("completion_fallback")
		s.logger.Warn("chat: completion failed, using fallback text",
			"kind", kind, "elapsed", elapsed, "error", err)
		return s.fallbackText, observability.SourceFallback
	}
	return text, observability.SourceCompletion
}

func (s *Service) observeStage(stage string, started time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.ObserveTurnStage(stage, time.Since(started))
}

func (s *Service) indicator(name string) {
	if s.metrics == nil {
		return
	}
	s.metrics.ObserveTurnIndicator(name)
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
