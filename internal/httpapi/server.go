// Package httpapi exposes the chat lifecycle over HTTP and a websocket.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/deskmate/internal/chat"
	"github.com/ent0n29/deskmate/internal/config"
	"github.com/ent0n29/deskmate/internal/feedback"
	"github.com/ent0n29/deskmate/internal/identity"
	"github.com/ent0n29/deskmate/internal/memory"
	"github.com/ent0n29/deskmate/internal/observability"
	"github.com/ent0n29/deskmate/internal/session"
	"github.com/ent0n29/deskmate/internal/slots"
	"github.com/ent0n29/deskmate/internal/state"
)

// Chat is the lifecycle surface the server drives. *chat.Service
// implements it.
type Chat interface {
	Register(ctx context.Context, id, secret string) error
	Login(ctx context.Context, id, secret string) (*session.Session, error)
	SubmitTurn(ctx context.Context, sessionID, prompt string) (chat.TurnResult, error)
	SubmitFeedback(ctx context.Context, sessionID string, req chat.FeedbackRequest) (chat.FeedbackResult, error)
	Logout(ctx context.Context, sessionID string) error
	History(sessionID string) (memory.Log, slots.Map, error)
	FeedbackLog(ctx context.Context, sessionID string) ([]feedback.Record, error)
}

type Server struct {
	cfg      config.Config
	chat     Chat
	metrics  *observability.Metrics
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func New(cfg config.Config, svc Chat, metrics *observability.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		chat:    svc,
		metrics: metrics,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Browser clients must come from the same origin unless
				// APP_ALLOW_ANY_ORIGIN is set.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	r.Post("/v1/register", s.handleRegister)
	r.Post("/v1/login", s.handleLogin)
	r.Get("/v1/sessions/ws", s.handleSessionWS)
	r.Route("/v1/sessions/{id}", func(r chi.Router) {
		r.Post("/turns", s.handleTurn)
		r.Post("/feedback", s.handleFeedback)
		r.Post("/logout", s.handleLogout)
		r.Get("/history", s.handleHistory)
		r.Get("/feedback", s.handleFeedbackLog)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.chat == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "chat service not configured")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"state_backend":   s.cfg.StateBackend,
		"completion_mode": s.cfg.CompletionMode,
	})
}

type credentialsRequest struct {
	ID     string `json:"id"`
	Secret string `json:"secret"`
}

type loginResponse struct {
	SessionID       string         `json:"session_id"`
	UserID          string         `json:"user_id"`
	Status          session.Status `json:"status"`
	StartedAt       time.Time      `json:"started_at"`
	InactivityTTLMS int64          `json:"inactivity_ttl_ms"`
}

type turnRequest struct {
	Prompt string `json:"prompt"`
}

type historyResponse struct {
	SessionID string `json:"session_id"`
	// Total counts every stored turn; History holds the last ?limit turns,
	// or all of them when limit is unset or 0.
	Total   int           `json:"total"`
	History []memory.Turn `json:"history"`
	Context slots.Map     `json:"context"`
}

type feedbackLogResponse struct {
	SessionID string            `json:"session_id"`
	Records   []feedback.Record `json:"records"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := s.chat.Register(r.Context(), req.ID, req.Secret); err != nil {
		s.respondChatError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"id": req.ID})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	sess, err := s.chat.Login(r.Context(), req.ID, req.Secret)
	if err != nil {
		s.respondChatError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, loginResponse{
		SessionID:       sess.ID,
		UserID:          sess.UserID,
		Status:          sess.Status,
		StartedAt:       sess.StartedAt,
		InactivityTTLMS: s.cfg.SessionInactivityTimeout.Milliseconds(),
	})
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	var req turnRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	res, err := s.chat.SubmitTurn(r.Context(), chi.URLParam(r, "id"), req.Prompt)
	if err != nil {
		s.respondChatError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req chat.FeedbackRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	res, err := s.chat.SubmitFeedback(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		s.respondChatError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.chat.Logout(r.Context(), id); err != nil {
		s.respondChatError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"session_id": id,
		"status":     string(session.StatusEnded),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "invalid_request", "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	log, ctxMap, err := s.chat.History(id)
	if err != nil {
		s.respondChatError(w, err)
		return
	}
	recent := log.Recent(limit)
	if recent == nil {
		recent = memory.Log{}
	}
	respondJSON(w, http.StatusOK, historyResponse{
		SessionID: id,
		Total:     len(log),
		History:   recent,
		Context:   ctxMap,
	})
}

func (s *Server) handleFeedbackLog(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	records, err := s.chat.FeedbackLog(r.Context(), id)
	if err != nil {
		s.respondChatError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, feedbackLogResponse{SessionID: id, Records: records})
}

// errorStatus maps service errors to an HTTP status and error code.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, identity.ErrAlreadyExists):
		return http.StatusConflict, "already_exists"
	case errors.Is(err, identity.ErrInvalidIdentity), errors.Is(err, identity.ErrInvalidSecret):
		return http.StatusBadRequest, "invalid_identity"
	case errors.Is(err, chat.ErrInvalidCredentials):
		return http.StatusUnauthorized, "invalid_credentials"
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound, "session_not_found"
	case errors.Is(err, chat.ErrEmptyPrompt):
		return http.StatusBadRequest, "empty_prompt"
	case errors.Is(err, feedback.ErrInvalidLabel):
		return http.StatusBadRequest, "invalid_label"
	case errors.Is(err, chat.ErrNoExchange):
		return http.StatusConflict, "no_exchange"
	case errors.Is(err, state.ErrCorruptState):
		return http.StatusInternalServerError, "corrupt_state"
	case errors.Is(err, chat.ErrPersist):
		return http.StatusServiceUnavailable, "persist_failed"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func (s *Server) respondChatError(w http.ResponseWriter, err error) {
	status, code := errorStatus(err)
	message := err.Error()
	if status >= 500 {
		s.logger.Error("httpapi: request failed", "code", code, "error", err)
	}
	if code == "internal_error" {
		message = "internal error"
	}
	respondError(w, status, code, message)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
