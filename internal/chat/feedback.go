package chat

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ent0n29/deskmate/internal/feedback"
	"github.com/ent0n29/deskmate/internal/observability"
)

// FeedbackRequest rates an exchange. Without Prompt the verdict applies to
// the session's last answered turn; with Prompt, Response names the action
// being rated.
type FeedbackRequest struct {
	Label    string `json:"label"`
	FreeText string `json:"free_text,omitempty"`
	Prompt   string `json:"prompt,omitempty"`
	Response string `json:"response,omitempty"`
}

type FeedbackResult struct {
	State  string  `json:"state"`
	Action string  `json:"action"`
	Reward float64 `json:"reward"`
	Value  float64 `json:"value"`
	// Recorded is true when the verdict was appended to the feedback log.
	Recorded bool `json:"recorded"`
}

// FeedbackLog returns the feedback records stored for the session's identity,
// oldest first.
func (s *Service) FeedbackLog(ctx context.Context, sessionID string) ([]feedback.Record, error) {
	conv, err := s.acquire(sessionID)
	if err != nil {
		return nil, err
	}
	defer conv.mu.Unlock()
	records, err := s.store.ListFeedback(ctx, conv.userID)
	if err != nil {
		return nil, fmt.Errorf("list feedback: %w", err)
	}
	if records == nil {
		records = []feedback.Record{}
	}
	return records, nil
}

// SubmitFeedback applies a verdict to the policy table and persists it. The
// table is saved before the in-memory copy is replaced. Negative verdicts
// with free text are appended to the feedback log after the table is saved.
func (s *Service) SubmitFeedback(ctx context.Context, sessionID string, req FeedbackRequest) (FeedbackResult, error) {
	label, err := feedback.ParseLabel(req.Label)
	if err != nil {
		return FeedbackResult{}, err
	}
	conv, err := s.acquire(sessionID)
	if err != nil {
		return FeedbackResult{}, err
	}
	defer conv.mu.Unlock()
	if err := s.sessions.Touch(sessionID); err != nil {
		return FeedbackResult{}, err
	}

	started := time.Now()
	var ex exchange
	switch {
	case req.Prompt != "":
		if req.Response == "" {
			return FeedbackResult{}, fmt.Errorf("%w: response is required with prompt", ErrNoExchange)
		}
		ex = exchange{Prompt: req.Prompt, State: s.engine.State(req.Prompt), Action: req.Response}
	case conv.last != nil:
		ex = *conv.last
	default:
		return FeedbackResult{}, ErrNoExchange
	}

	// The log keeps the prompt as typed; the table is keyed by its state.
	outcome := feedback.Collect(ex.Prompt, label, req.FreeText)
	next, value := s.engine.Update(conv.table, ex.State, ex.Action, outcome.Reward)
	if err := s.store.SavePolicy(ctx, conv.userID, next); err != nil {
		s.persistFailed("policy")
		return FeedbackResult{}, fmt.Errorf("%w: policy: %w", ErrPersist, err)
	}
	conv.table = next

	if s.metrics != nil {
		s.metrics.Feedback.WithLabelValues(string(label)).Inc()
	}
	res := FeedbackResult{
		State:  ex.State,
		Action: ex.Action,
		Reward: outcome.Reward,
		Value:  value,
	}
	if outcome.Record != nil {
		if err := s.store.AppendFeedback(ctx, conv.userID, *outcome.Record); err != nil {
			s.persistFailed("feedback")
			return res, fmt.Errorf("%w: feedback log: %w", ErrPersist, err)
		}
		res.Recorded = true
	}
	s.observeStage(observability.StageFeedback, started)
	s.logger.Info("chat: feedback applied",
		"session_id", sessionID,
		"label", string(label),
		"value", value,
		"recorded", res.Recorded,
		"free_text", redact(strings.TrimSpace(req.FreeText)))
	return res, nil
}
