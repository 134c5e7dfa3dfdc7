package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/ent0n29/deskmate/internal/feedback"
	"github.com/ent0n29/deskmate/internal/identity"
	"github.com/ent0n29/deskmate/internal/memory"
	"github.com/ent0n29/deskmate/internal/observability"
	"github.com/ent0n29/deskmate/internal/policy"
	"github.com/ent0n29/deskmate/internal/session"
	"github.com/ent0n29/deskmate/internal/state"
)

const (
	testUser   = "ada@example.com"
	testSecret = "hunter22"
)

type scriptedCompleter struct {
	mu      sync.Mutex
	replies []string
	err     error
	prompts []string
}

func (c *scriptedCompleter) Complete(_ context.Context, prompt string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prompts = append(c.prompts, prompt)
	if c.err != nil {
		return "", c.err
	}
	if len(c.replies) == 0 {
		return "reply to " + prompt, nil
	}
	next := c.replies[0]
	c.replies = c.replies[1:]
	return next, nil
}

func (c *scriptedCompleter) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.prompts)
}

// flakyStore fails selected writes on demand.
type flakyStore struct {
	state.Store

	mu           sync.Mutex
	failSession  bool
	failPolicy   bool
	failFeedback bool
	loadErr      error
}

var errDiskFull = errors.New("disk full")

func (s *flakyStore) set(fn func(*flakyStore)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

func (s *flakyStore) LoadSession(ctx context.Context, id string) (state.SessionRecord, error) {
	s.mu.Lock()
	err := s.loadErr
	s.mu.Unlock()
	if err != nil {
		return state.SessionRecord{}, err
	}
	return s.Store.LoadSession(ctx, id)
}

func (s *flakyStore) SaveSession(ctx context.Context, id string, rec state.SessionRecord) error {
	s.mu.Lock()
	fail := s.failSession
	s.mu.Unlock()
	if fail {
		return errDiskFull
	}
	return s.Store.SaveSession(ctx, id, rec)
}

func (s *flakyStore) SavePolicy(ctx context.Context, id string, table policy.Table) error {
	s.mu.Lock()
	fail := s.failPolicy
	s.mu.Unlock()
	if fail {
		return errDiskFull
	}
	return s.Store.SavePolicy(ctx, id, table)
}

func (s *flakyStore) AppendFeedback(ctx context.Context, id string, rec feedback.Record) error {
	s.mu.Lock()
	fail := s.failFeedback
	s.mu.Unlock()
	if fail {
		return errDiskFull
	}
	return s.Store.AppendFeedback(ctx, id, rec)
}

type harness struct {
	svc       *Service
	store     *flakyStore
	completer *scriptedCompleter
	sessions  *session.Manager
	metrics   *observability.Metrics
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	ids, err := identity.NewStore(filepath.Join(t.TempDir(), "credentials.txt"),
		identity.WithBcryptCost(bcrypt.MinCost))
	if err != nil {
		t.Fatalf("identity.NewStore() error = %v", err)
	}
	engine, err := policy.NewEngine(policy.Config{Epsilon: 0, LearningRate: 0.1})
	if err != nil {
		t.Fatalf("policy.NewEngine() error = %v", err)
	}
	h := &harness{
		store:     &flakyStore{Store: state.NewInMemoryStore()},
		completer: &scriptedCompleter{},
		sessions:  session.NewManager(time.Minute),
		metrics:   observability.NewIsolatedMetrics("chat_test"),
	}
	cfg := Config{
		Identities: ids,
		Store:      h.store,
		Sessions:   h.sessions,
		Policy:     engine,
		Completer:  h.completer,
		Metrics:    h.metrics,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h.svc, err = New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return h
}

func (h *harness) login(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	if err := h.svc.Register(ctx, testUser, testSecret); err != nil && !errors.Is(err, identity.ErrAlreadyExists) {
		t.Fatalf("Register() error = %v", err)
	}
	sess, err := h.svc.Login(ctx, testUser, testSecret)
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	return sess.ID
}

func (h *harness) turn(t *testing.T, sessionID, prompt string) TurnResult {
	t.Helper()
	res, err := h.svc.SubmitTurn(context.Background(), sessionID, prompt)
	if err != nil {
		t.Fatalf("SubmitTurn(%q) error = %v", prompt, err)
	}
	return res
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("New(Config{}) error = nil, want error")
	}
}

func TestRegisterAndLogin(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if err := h.svc.Register(ctx, testUser, testSecret); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := h.svc.Register(ctx, testUser, "other"); !errors.Is(err, identity.ErrAlreadyExists) {
		t.Fatalf("second Register() error = %v, want ErrAlreadyExists", err)
	}
	if _, err := h.svc.Login(ctx, testUser, "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("Login(wrong secret) error = %v, want ErrInvalidCredentials", err)
	}
	if _, err := h.svc.Login(ctx, "nobody@example.com", testSecret); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("Login(unknown id) error = %v, want ErrInvalidCredentials", err)
	}
	sess, err := h.svc.Login(ctx, testUser, testSecret)
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if sess.UserID != testUser || sess.Status != session.StatusActive {
		t.Fatalf("unexpected session: %+v", sess)
	}
}

func TestSubmitTurnMissThenCacheHit(t *testing.T) {
	h := newHarness(t, nil)
	h.completer.replies = []string{"Restart the router."}
	id := h.login(t)

	first := h.turn(t, id, "wifi drops")
	if first.Response != "Restart the router." || first.Source != observability.SourceCompletion || first.Cached {
		t.Fatalf("first turn = %+v, want completion answer", first)
	}
	if first.TurnID == "" {
		t.Fatalf("TurnID should not be empty")
	}

	second := h.turn(t, id, "wifi drops")
	if second.Response != "Restart the router." || !second.Cached || second.Source != observability.SourceCache {
		t.Fatalf("second turn = %+v, want cached answer", second)
	}
	if got := h.completer.calls(); got != 1 {
		t.Fatalf("completer calls = %d, want 1", got)
	}

	log, _, err := h.svc.History(id)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(log) != 4 {
		t.Fatalf("len(history) = %d, want 4", len(log))
	}
	if log[2].Role != memory.RoleUser || log[3].Content != "Restart the router." {
		t.Fatalf("history tail = %+v", log[2:])
	}

	// Prompts differing in case are distinct states and distinct cache keys.
	third := h.turn(t, id, "WIFI DROPS")
	if third.Source != observability.SourceCompletion {
		t.Fatalf("third turn source = %q, want completion", third.Source)
	}
}

func TestSubmitTurnCompletionFailureUsesFallback(t *testing.T) {
	h := newHarness(t, nil)
	h.completer.err = errors.New("connection refused")
	id := h.login(t)

	res := h.turn(t, id, "printer jammed")
	if res.Response != DefaultFallbackText || res.Source != observability.SourceFallback {
		t.Fatalf("turn = %+v, want fallback", res)
	}
	log, _, _ := h.svc.History(id)
	if len(log) != 2 || log[1].Content != DefaultFallbackText {
		t.Fatalf("history = %+v, want fallback appended", log)
	}
}

func TestSubmitTurnCompletionTimeout(t *testing.T) {
	slow := completionFunc(func(ctx context.Context, _ string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	h := newHarness(t, func(cfg *Config) {
		cfg.Completer = slow
		cfg.CompletionTimeout = 20 * time.Millisecond
		cfg.FallbackText = "try later"
	})
	id := h.login(t)

	start := time.Now()
	res := h.turn(t, id, "hello")
	if res.Response != "try later" {
		t.Fatalf("Response = %q, want configured fallback", res.Response)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("turn was not bounded by the completion timeout")
	}
}

type completionFunc func(ctx context.Context, prompt string) (string, error)

func (f completionFunc) Complete(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

func TestSubmitTurnRejectsEmptyPrompt(t *testing.T) {
	h := newHarness(t, nil)
	id := h.login(t)
	if _, err := h.svc.SubmitTurn(context.Background(), id, "   "); !errors.Is(err, ErrEmptyPrompt) {
		t.Fatalf("SubmitTurn(blank) error = %v, want ErrEmptyPrompt", err)
	}
}

func TestSubmitTurnUnknownSession(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.svc.SubmitTurn(context.Background(), "missing", "hi"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("SubmitTurn() error = %v, want ErrSessionNotFound", err)
	}
}

func TestSubmitTurnContextSlot(t *testing.T) {
	h := newHarness(t, nil)
	id := h.login(t)

	res := h.turn(t, id, "My Laptop Model keeps freezing")
	if !strings.Contains(res.ContextNote, "Latitude 7420") {
		t.Fatalf("ContextNote = %q, want stored laptop model", res.ContextNote)
	}
	rec, err := h.store.LoadSession(context.Background(), testUser)
	if err != nil {
		t.Fatalf("LoadSession() error = %v", err)
	}
	if rec.Context["laptop_model"] != "Latitude 7420" {
		t.Fatalf("persisted context = %v", rec.Context)
	}

	plain := h.turn(t, id, "thanks")
	if plain.ContextNote != "" {
		t.Fatalf("ContextNote = %q, want empty without trigger", plain.ContextNote)
	}
}

func TestSubmitTurnPersistFailureKeepsState(t *testing.T) {
	h := newHarness(t, nil)
	id := h.login(t)
	h.turn(t, id, "first")

	h.store.set(func(s *flakyStore) { s.failSession = true })
	if _, err := h.svc.SubmitTurn(context.Background(), id, "second"); !errors.Is(err, ErrPersist) {
		t.Fatalf("SubmitTurn() error = %v, want ErrPersist", err)
	}
	log, _, _ := h.svc.History(id)
	if len(log) != 2 {
		t.Fatalf("len(history) = %d, want 2 after failed save", len(log))
	}

	// A failed context write must not leave the slot in memory either.
	if _, err := h.svc.SubmitTurn(context.Background(), id, "laptop model?"); !errors.Is(err, ErrPersist) {
		t.Fatalf("SubmitTurn() error = %v, want ErrPersist", err)
	}
	_, ctxMap, _ := h.svc.History(id)
	if len(ctxMap) != 0 {
		t.Fatalf("context = %v, want empty after failed save", ctxMap)
	}
}

func TestSubmitFeedbackUpdatesPolicy(t *testing.T) {
	h := newHarness(t, nil)
	h.completer.replies = []string{"Reinstall the driver."}
	id := h.login(t)
	h.turn(t, id, "no sound")

	res, err := h.svc.SubmitFeedback(context.Background(), id, FeedbackRequest{Label: "positive"})
	if err != nil {
		t.Fatalf("SubmitFeedback() error = %v", err)
	}
	if res.State != "no sound" || res.Action != "Reinstall the driver." || res.Reward != 1 {
		t.Fatalf("result = %+v", res)
	}
	if !approx(res.Value, 0.1) {
		t.Fatalf("Value = %v, want 0.1", res.Value)
	}
	if res.Recorded {
		t.Fatalf("positive verdict should not be recorded")
	}

	res, err = h.svc.SubmitFeedback(context.Background(), id, FeedbackRequest{Label: "positive"})
	if err != nil {
		t.Fatalf("SubmitFeedback() error = %v", err)
	}
	if !approx(res.Value, 0.19) {
		t.Fatalf("Value = %v, want 0.19", res.Value)
	}

	table, err := h.store.LoadPolicy(context.Background(), testUser)
	if err != nil {
		t.Fatalf("LoadPolicy() error = %v", err)
	}
	if v, _ := table.Value("no sound", "Reinstall the driver."); !approx(v, 0.19) {
		t.Fatalf("persisted value = %v, want 0.19", v)
	}
}

func TestSubmitFeedbackNegativeRecordsFreeText(t *testing.T) {
	h := newHarness(t, nil)
	id := h.login(t)
	h.turn(t, id, "screen flickers")

	res, err := h.svc.SubmitFeedback(context.Background(), id, FeedbackRequest{
		Label:    "negative",
		FreeText: "did not help, it is a hardware issue",
	})
	if err != nil {
		t.Fatalf("SubmitFeedback() error = %v", err)
	}
	if !res.Recorded || !approx(res.Value, -0.1) {
		t.Fatalf("result = %+v, want recorded with value -0.1", res)
	}
	records, err := h.store.ListFeedback(context.Background(), testUser)
	if err != nil {
		t.Fatalf("ListFeedback() error = %v", err)
	}
	if len(records) != 1 || records[0].State != "screen flickers" {
		t.Fatalf("records = %+v", records)
	}

	// Negative without text updates the table but writes no record.
	res, err = h.svc.SubmitFeedback(context.Background(), id, FeedbackRequest{Label: "negative"})
	if err != nil {
		t.Fatalf("SubmitFeedback() error = %v", err)
	}
	if res.Recorded {
		t.Fatalf("negative verdict without text should not be recorded")
	}
}

func TestSubmitFeedbackErrors(t *testing.T) {
	h := newHarness(t, nil)
	id := h.login(t)
	ctx := context.Background()

	if _, err := h.svc.SubmitFeedback(ctx, id, FeedbackRequest{Label: "positive"}); !errors.Is(err, ErrNoExchange) {
		t.Fatalf("SubmitFeedback() before any turn error = %v, want ErrNoExchange", err)
	}
	if _, err := h.svc.SubmitFeedback(ctx, id, FeedbackRequest{Label: "meh"}); !errors.Is(err, feedback.ErrInvalidLabel) {
		t.Fatalf("SubmitFeedback(bad label) error = %v, want ErrInvalidLabel", err)
	}
	if _, err := h.svc.SubmitFeedback(ctx, id, FeedbackRequest{Label: "positive", Prompt: "x"}); !errors.Is(err, ErrNoExchange) {
		t.Fatalf("SubmitFeedback(prompt without response) error = %v, want ErrNoExchange", err)
	}
}

func TestSubmitFeedbackPersistFailureKeepsTable(t *testing.T) {
	h := newHarness(t, nil)
	id := h.login(t)
	h.turn(t, id, "vpn down")
	ctx := context.Background()

	h.store.set(func(s *flakyStore) { s.failPolicy = true })
	if _, err := h.svc.SubmitFeedback(ctx, id, FeedbackRequest{Label: "positive"}); !errors.Is(err, ErrPersist) {
		t.Fatalf("SubmitFeedback() error = %v, want ErrPersist", err)
	}

	h.store.set(func(s *flakyStore) { s.failPolicy = false })
	res, err := h.svc.SubmitFeedback(ctx, id, FeedbackRequest{Label: "positive"})
	if err != nil {
		t.Fatalf("SubmitFeedback() error = %v", err)
	}
	if !approx(res.Value, 0.1) {
		t.Fatalf("Value = %v, want 0.1 (failed update must not count)", res.Value)
	}
}

func TestSubmitFeedbackRecordFailureReported(t *testing.T) {
	h := newHarness(t, nil)
	id := h.login(t)
	h.turn(t, id, "vpn down")

	h.store.set(func(s *flakyStore) { s.failFeedback = true })
	res, err := h.svc.SubmitFeedback(context.Background(), id, FeedbackRequest{Label: "negative", FreeText: "wrong"})
	if !errors.Is(err, ErrPersist) {
		t.Fatalf("SubmitFeedback() error = %v, want ErrPersist", err)
	}
	if res.Recorded {
		t.Fatalf("Recorded = true on failed append")
	}
}

func TestPolicyPrefersBetterScoredAnswer(t *testing.T) {
	h := newHarness(t, nil)
	h.completer.replies = []string{"Answer A"}
	id := h.login(t)
	ctx := context.Background()

	h.turn(t, id, "reset password")
	if _, err := h.svc.SubmitFeedback(ctx, id, FeedbackRequest{Label: "negative"}); err != nil {
		t.Fatalf("SubmitFeedback(A) error = %v", err)
	}
	if _, err := h.svc.SubmitFeedback(ctx, id, FeedbackRequest{
		Label:    "positive",
		Prompt:   "reset password",
		Response: "Answer B",
	}); err != nil {
		t.Fatalf("SubmitFeedback(B) error = %v", err)
	}

	res := h.turn(t, id, "reset password")
	if res.Response != "Answer B" || res.Source != observability.SourcePolicy || res.Cached {
		t.Fatalf("turn = %+v, want policy pick of Answer B", res)
	}
	if got := h.completer.calls(); got != 1 {
		t.Fatalf("completer calls = %d, want 1", got)
	}
}

func TestRejectNegativeFallsThroughToCompletion(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.RejectNegative = true })
	h.completer.replies = []string{"bad answer", "better answer"}
	id := h.login(t)
	ctx := context.Background()

	h.turn(t, id, "outlook crashes")
	if _, err := h.svc.SubmitFeedback(ctx, id, FeedbackRequest{Label: "negative"}); err != nil {
		t.Fatalf("SubmitFeedback() error = %v", err)
	}
	res := h.turn(t, id, "outlook crashes")
	if res.Response != "better answer" || res.Source != observability.SourceCompletion {
		t.Fatalf("turn = %+v, want fresh completion", res)
	}
}

func TestNegativeCachedAnswerStillServedByDefault(t *testing.T) {
	h := newHarness(t, nil)
	h.completer.replies = []string{"bad answer"}
	id := h.login(t)
	h.turn(t, id, "outlook crashes")
	if _, err := h.svc.SubmitFeedback(context.Background(), id, FeedbackRequest{Label: "negative"}); err != nil {
		t.Fatalf("SubmitFeedback() error = %v", err)
	}
	res := h.turn(t, id, "outlook crashes")
	if res.Response != "bad answer" || !res.Cached {
		t.Fatalf("turn = %+v, want the cached answer", res)
	}
}

func TestLogoutFlushesAndLoginRestores(t *testing.T) {
	h := newHarness(t, nil)
	h.completer.replies = []string{"Try safe mode."}
	id := h.login(t)
	ctx := context.Background()

	h.turn(t, id, "blue screen")
	if _, err := h.svc.SubmitFeedback(ctx, id, FeedbackRequest{Label: "positive"}); err != nil {
		t.Fatalf("SubmitFeedback() error = %v", err)
	}
	if err := h.svc.Logout(ctx, id); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}
	if _, err := h.svc.SubmitTurn(ctx, id, "hello"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("SubmitTurn() after logout error = %v, want ErrSessionNotFound", err)
	}
	if err := h.svc.Logout(ctx, id); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("second Logout() error = %v, want ErrSessionNotFound", err)
	}

	id2 := h.login(t)
	log, _, err := h.svc.History(id2)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(log) != 2 || log[1].Content != "Try safe mode." {
		t.Fatalf("restored history = %+v", log)
	}
	res := h.turn(t, id2, "blue screen")
	if !res.Cached {
		t.Fatalf("turn after re-login = %+v, want cache hit", res)
	}
}

func TestLogoutFlushFailureKeepsSessionOpen(t *testing.T) {
	h := newHarness(t, nil)
	id := h.login(t)
	h.store.set(func(s *flakyStore) { s.failPolicy = true })
	if err := h.svc.Logout(context.Background(), id); !errors.Is(err, ErrPersist) {
		t.Fatalf("Logout() error = %v, want ErrPersist", err)
	}
	if _, _, err := h.svc.History(id); err != nil {
		t.Fatalf("History() after failed logout error = %v", err)
	}
	h.store.set(func(s *flakyStore) { s.failPolicy = false })
	if err := h.svc.Logout(context.Background(), id); err != nil {
		t.Fatalf("retried Logout() error = %v", err)
	}
}

func TestSecondLoginReplacesSession(t *testing.T) {
	h := newHarness(t, nil)
	first := h.login(t)
	h.turn(t, first, "keyboard sticky")

	second := h.login(t)
	if first == second {
		t.Fatalf("second login reused session id")
	}
	if _, err := h.svc.SubmitTurn(context.Background(), first, "hi"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("SubmitTurn(old session) error = %v, want ErrSessionNotFound", err)
	}
	log, _, err := h.svc.History(second)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(log) != 2 {
		t.Fatalf("len(history) = %d, want 2 carried into new session", len(log))
	}
}

func TestLoginCorruptState(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	if err := h.svc.Register(ctx, testUser, testSecret); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	h.store.set(func(s *flakyStore) {
		s.loadErr = fmt.Errorf("session %q: %w", testUser, state.ErrCorruptState)
	})
	if _, err := h.svc.Login(ctx, testUser, testSecret); !errors.Is(err, state.ErrCorruptState) {
		t.Fatalf("Login() error = %v, want ErrCorruptState", err)
	}
	if got := h.sessions.ActiveCount(); got != 0 {
		t.Fatalf("ActiveCount() = %d, want 0 after failed login", got)
	}
}

func TestCloseFlushesActiveSessions(t *testing.T) {
	h := newHarness(t, nil)
	id := h.login(t)
	h.turn(t, id, "mouse lag")

	if err := h.svc.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if got := h.sessions.ActiveCount(); got != 0 {
		t.Fatalf("ActiveCount() = %d, want 0", got)
	}
	rec, err := h.store.LoadSession(context.Background(), testUser)
	if err != nil {
		t.Fatalf("LoadSession() error = %v", err)
	}
	if len(rec.Log) != 2 {
		t.Fatalf("persisted history = %d turns, want 2", len(rec.Log))
	}
}

func TestExpiredSessionIsFlushed(t *testing.T) {
	h := newHarness(t, nil)
	id := h.login(t)
	h.turn(t, id, "battery drain")

	sess, err := h.sessions.End(id)
	if err != nil {
		t.Fatalf("End() error = %v", err)
	}
	h.svc.onExpire(sess)

	if _, _, err := h.svc.History(id); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("History() after expiry error = %v, want ErrSessionNotFound", err)
	}
	rec, err := h.store.LoadSession(context.Background(), testUser)
	if err != nil {
		t.Fatalf("LoadSession() error = %v", err)
	}
	if len(rec.Log) != 2 {
		t.Fatalf("persisted history = %d turns, want 2", len(rec.Log))
	}
}

func TestConcurrentTurnsAcrossIdentities(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	users := []string{"a@example.com", "b@example.com", "c@example.com"}
	ids := make([]string, len(users))
	for i, u := range users {
		if err := h.svc.Register(ctx, u, testSecret); err != nil {
			t.Fatalf("Register(%s) error = %v", u, err)
		}
		sess, err := h.svc.Login(ctx, u, testSecret)
		if err != nil {
			t.Fatalf("Login(%s) error = %v", u, err)
		}
		ids[i] = sess.ID
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				if _, err := h.svc.SubmitTurn(ctx, id, fmt.Sprintf("q%d", i)); err != nil {
					t.Errorf("SubmitTurn() error = %v", err)
				}
			}
		}(id)
	}
	wg.Wait()

	for i, id := range ids {
		log, _, err := h.svc.History(id)
		if err != nil {
			t.Fatalf("History(%s) error = %v", users[i], err)
		}
		if len(log) != 20 {
			t.Fatalf("len(history %s) = %d, want 20", users[i], len(log))
		}
	}
}

func approx(got, want float64) bool {
	d := got - want
	return d < 1e-9 && d > -1e-9
}

func TestFeedbackLogKeepsPromptAsTyped(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		engine, err := policy.NewEngine(policy.Config{
			Epsilon:       0,
			LearningRate:  0.1,
			Normalization: policy.NormalizeFold,
		})
		if err != nil {
			t.Fatalf("policy.NewEngine() error = %v", err)
		}
		cfg.Policy = engine
	})
	ctx := context.Background()
	id := h.login(t)

	if records, err := h.svc.FeedbackLog(ctx, id); err != nil || records == nil || len(records) != 0 {
		t.Fatalf("FeedbackLog() before feedback = (%+v, %v), want empty", records, err)
	}

	h.turn(t, id, "  Screen FLICKERS ")
	res, err := h.svc.SubmitFeedback(ctx, id, FeedbackRequest{Label: "negative", FreeText: "still broken"})
	if err != nil {
		t.Fatalf("SubmitFeedback() error = %v", err)
	}
	if res.State != "screen flickers" {
		t.Fatalf("result state = %q, want normalized %q", res.State, "screen flickers")
	}

	records, err := h.svc.FeedbackLog(ctx, id)
	if err != nil {
		t.Fatalf("FeedbackLog() error = %v", err)
	}
	if len(records) != 1 || records[0].State != "  Screen FLICKERS " || records[0].FreeText != "still broken" {
		t.Fatalf("records = %+v, want the prompt as typed", records)
	}

	if _, err := h.svc.FeedbackLog(ctx, "missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("FeedbackLog(missing) error = %v, want ErrSessionNotFound", err)
	}
}
