// Package chat runs the login / turn / feedback / logout lifecycle on top of
// the identity, state, cache, policy and context packages.
//
// Every logged-in session owns a conversation: the identity's session record
// and policy table loaded at login. A conversation is only touched under its
// own mutex, so turns within a session run one at a time while different
// identities proceed concurrently. Mutations are built on copies and only
// committed after the store accepted them; a failed save leaves the
// in-memory state at the last persisted version.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ent0n29/deskmate/internal/completion"
	"github.com/ent0n29/deskmate/internal/memory"
	"github.com/ent0n29/deskmate/internal/observability"
	"github.com/ent0n29/deskmate/internal/policy"
	"github.com/ent0n29/deskmate/internal/session"
	"github.com/ent0n29/deskmate/internal/slots"
	"github.com/ent0n29/deskmate/internal/state"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrSessionNotFound    = session.ErrNotFound
	ErrEmptyPrompt        = errors.New("prompt is empty")
	ErrNoExchange         = errors.New("no exchange to rate")
	ErrPersist            = errors.New("persist state")
)

const DefaultFallbackText = "Sorry, I couldn't fetch a response right now."

// Identities is the part of the identity store the service needs.
type Identities interface {
	Register(ctx context.Context, id, secret string) error
	Verify(ctx context.Context, id, secret string) (bool, error)
}

// Config wires the service collaborators. Identities, Store, Sessions,
// Policy and Completer are required.
type Config struct {
	Identities Identities
	Store      state.Store
	Sessions   *session.Manager
	Policy     *policy.Engine
	Extractor  *slots.Extractor
	Completer  completion.Completer
	Metrics    *observability.Metrics
	Logger     *slog.Logger

	FallbackText      string
	CompletionTimeout time.Duration
	// RejectNegative treats a policy pick whose value is below zero as a
	// cache miss so the completion endpoint gets another try.
	RejectNegative bool
}

type Service struct {
	identities        Identities
	store             state.Store
	sessions          *session.Manager
	engine            *policy.Engine
	extractor         *slots.Extractor
	completer         completion.Completer
	metrics           *observability.Metrics
	logger            *slog.Logger
	fallbackText      string
	completionTimeout time.Duration
	rejectNegative    bool

	mu    sync.Mutex
	convs map[string]*conversation
}

// conversation is the in-memory state of one logged-in session.
type conversation struct {
	mu        sync.Mutex
	sessionID string
	userID    string
	record    state.SessionRecord
	table     policy.Table
	last      *exchange
	closed    bool
}

// exchange is the (state, action) pair a verdict applies to. Prompt is the
// text as typed, before state normalization.
type exchange struct {
	Prompt string
	State  string
	Action string
}

func New(cfg Config) (*Service, error) {
	switch {
	case cfg.Identities == nil:
		return nil, errors.New("chat: identities are required")
	case cfg.Store == nil:
		return nil, errors.New("chat: state store is required")
	case cfg.Sessions == nil:
		return nil, errors.New("chat: session manager is required")
	case cfg.Policy == nil:
		return nil, errors.New("chat: policy engine is required")
	case cfg.Completer == nil:
		return nil, errors.New("chat: completer is required")
	}
	if cfg.Extractor == nil {
		cfg.Extractor = slots.NewExtractor(nil)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.FallbackText == "" {
		cfg.FallbackText = DefaultFallbackText
	}
	if cfg.CompletionTimeout <= 0 {
		cfg.CompletionTimeout = 60 * time.Second
	}
	s := &Service{
		identities:        cfg.Identities,
		store:             cfg.Store,
		sessions:          cfg.Sessions,
		engine:            cfg.Policy,
		extractor:         cfg.Extractor,
		completer:         cfg.Completer,
		metrics:           cfg.Metrics,
		logger:            cfg.Logger,
		fallbackText:      cfg.FallbackText,
		completionTimeout: cfg.CompletionTimeout,
		rejectNegative:    cfg.RejectNegative,
		convs:             make(map[string]*conversation),
	}
	cfg.Sessions.SetExpireHook(s.onExpire)
	return s, nil
}

// Register creates a new identity. Errors from the identity store
// (identity.ErrAlreadyExists and friends) are returned unwrapped.
func (s *Service) Register(ctx context.Context, id, secret string) error {
	if err := s.identities.Register(ctx, id, secret); err != nil {
		return err
	}
	s.logger.Info("chat: identity registered", "user", policy.MaskIdentity(id))
	s.sessionEvent("register")
	return nil
}

// Login verifies the credentials, loads the identity's durable state and
// opens a session. A session the identity already had is flushed and ended.
func (s *Service) Login(ctx context.Context, id, secret string) (*session.Session, error) {
	ok, err := s.identities.Verify(ctx, id, secret)
	if err != nil {
		return nil, fmt.Errorf("verify credentials: %w", err)
	}
	if !ok {
		s.sessionEvent("login_failed")
		return nil, ErrInvalidCredentials
	}

	// Flush the identity's current session first so the load below sees
	// everything it wrote.
	if prev, ok := s.sessions.ActiveForUser(id); ok {
		if _, err := s.sessions.End(prev.ID); err == nil {
			s.retire(ctx, prev.ID, "replaced")
		}
	}

	rec, err := s.store.LoadSession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load session state: %w", err)
	}
	table, err := s.store.LoadPolicy(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}

	sess, previous := s.sessions.Create(id)
	if previous != nil {
		s.retire(ctx, previous.ID, "replaced")
	}

	s.mu.Lock()
	s.convs[sess.ID] = &conversation{
		sessionID: sess.ID,
		userID:    id,
		record:    rec,
		table:     table,
	}
	s.mu.Unlock()

	s.logger.Info("chat: session started",
		"session_id", sess.ID,
		"user", policy.MaskIdentity(id),
		"history_turns", len(rec.Log),
		"policy_states", len(table))
	s.sessionEvent("login")
	s.syncActive()
	return sess, nil
}

// Logout flushes the session's state and ends it. When the flush fails the
// session stays open so the caller can retry.
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	conv, err := s.conversation(sessionID)
	if err != nil {
		return err
	}
	conv.mu.Lock()
	defer conv.mu.Unlock()
	if conv.closed {
		return ErrSessionNotFound
	}
	if err := s.flush(ctx, conv); err != nil {
		return err
	}
	conv.closed = true
	s.drop(sessionID)
	if _, err := s.sessions.End(sessionID); err != nil && !errors.Is(err, session.ErrNotFound) {
		return err
	}
	s.logger.Info("chat: session ended", "session_id", sessionID, "reason", "logout")
	s.sessionEvent("logout")
	s.syncActive()
	return nil
}

// History returns copies of the session's conversation log and context.
func (s *Service) History(sessionID string) (memory.Log, slots.Map, error) {
	conv, err := s.conversation(sessionID)
	if err != nil {
		return nil, nil, err
	}
	conv.mu.Lock()
	defer conv.mu.Unlock()
	if conv.closed {
		return nil, nil, ErrSessionNotFound
	}
	return conv.record.Log.Clone(), conv.record.Context.Clone(), nil
}

// Close flushes and ends every open session. It is meant for shutdown.
func (s *Service) Close(ctx context.Context) error {
	var errs []error
	for _, sess := range s.sessions.Active() {
		if err := s.Logout(ctx, sess.ID); err != nil && !errors.Is(err, ErrSessionNotFound) {
			errs = append(errs, fmt.Errorf("session %s: %w", sess.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Service) onExpire(sess *session.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s.retire(ctx, sess.ID, "expired")
	s.sessionEvent("expired")
	s.syncActive()
}

// retire flushes a session the manager already ended.
func (s *Service) retire(ctx context.Context, sessionID, reason string) {
	conv, err := s.conversation(sessionID)
	if err != nil {
		return
	}
	conv.mu.Lock()
	defer conv.mu.Unlock()
	if conv.closed {
		return
	}
	if err := s.flush(ctx, conv); err != nil {
		s.logger.Error("chat: flush on session end failed",
			"session_id", sessionID, "reason", reason, "error", err)
	}
	conv.closed = true
	s.drop(sessionID)
	s.logger.Info("chat: session ended", "session_id", sessionID, "reason", reason)
}

// flush writes both snapshots of conv. Callers hold conv.mu.
func (s *Service) flush(ctx context.Context, conv *conversation) error {
	if err := s.store.SaveSession(ctx, conv.userID, conv.record); err != nil {
		s.persistFailed("session")
		return fmt.Errorf("%w: session: %w", ErrPersist, err)
	}
	if err := s.store.SavePolicy(ctx, conv.userID, conv.table); err != nil {
		s.persistFailed("policy")
		return fmt.Errorf("%w: policy: %w", ErrPersist, err)
	}
	return nil
}

// acquire returns the locked conversation of an active session.
func (s *Service) acquire(sessionID string) (*conversation, error) {
	if _, err := s.sessions.GetActive(sessionID); err != nil {
		return nil, err
	}
	conv, err := s.conversation(sessionID)
	if err != nil {
		return nil, err
	}
	conv.mu.Lock()
	if conv.closed {
		conv.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	return conv, nil
}

func (s *Service) conversation(sessionID string) (*conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return conv, nil
}

func (s *Service) drop(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.convs, sessionID)
}

func (s *Service) sessionEvent(event string) {
	if s.metrics == nil {
		return
	}
	s.metrics.SessionEvents.WithLabelValues(event).Inc()
}

func (s *Service) syncActive() {
	if s.metrics == nil {
		return
	}
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
}

func (s *Service) persistFailed(artifact string) {
	if s.metrics == nil {
		return
	}
	s.metrics.PersistFailures.WithLabelValues(artifact).Inc()
}

func redact(v string) string {
	out, _ := policy.RedactPII(v)
	return out
}
