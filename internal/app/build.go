// Package app assembles the service from its configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ent0n29/deskmate/internal/chat"
	"github.com/ent0n29/deskmate/internal/completion"
	"github.com/ent0n29/deskmate/internal/config"
	"github.com/ent0n29/deskmate/internal/httpapi"
	"github.com/ent0n29/deskmate/internal/identity"
	"github.com/ent0n29/deskmate/internal/observability"
	"github.com/ent0n29/deskmate/internal/policy"
	"github.com/ent0n29/deskmate/internal/session"
	"github.com/ent0n29/deskmate/internal/slots"
	"github.com/ent0n29/deskmate/internal/state"
)

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Chat     *chat.Service
	Sessions *session.Manager
	Metrics  *observability.Metrics

	// Cleanup flushes open sessions and closes the state store.
	Cleanup func(ctx context.Context) error
}

// Options tune Build for embedding and tests.
type Options struct {
	Logger *slog.Logger
	// Metrics defaults to instruments on the global Prometheus registry.
	Metrics *observability.Metrics
}

func Build(ctx context.Context, cfg config.Config, opts Options) (*BuildResult, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.NewMetrics(cfg.MetricsNamespace)
	}

	identities, err := identity.NewStore(cfg.CredentialsFile,
		identity.WithBcryptCost(cfg.BcryptCost),
		identity.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("identity store init failed: %w", err)
	}

	norm, err := policy.ParseNormalization(cfg.PolicyStateNormalization)
	if err != nil {
		return nil, fmt.Errorf("policy config: %w", err)
	}
	engine, err := policy.NewEngine(policy.Config{
		Epsilon:       cfg.PolicyEpsilon,
		LearningRate:  cfg.PolicyLearningRate,
		Normalization: norm,
	})
	if err != nil {
		return nil, fmt.Errorf("policy engine init failed: %w", err)
	}

	rules := slots.DefaultRules()
	if cfg.ContextRulesPath != "" {
		rules, err = slots.LoadRules(cfg.ContextRulesPath)
		if err != nil {
			return nil, fmt.Errorf("context rules: %w", err)
		}
	}

	completer, err := completion.NewCompleter(completion.Config{
		Mode:        cfg.CompletionMode,
		URL:         cfg.CompletionURL,
		FallbackURL: cfg.CompletionFallbackURL,
		Model:       cfg.CompletionModel,
		APIKey:      cfg.CompletionAPIKey,
		Timeout:     cfg.CompletionTimeout,
		MaxRetries:  cfg.CompletionMaxRetries,
	})
	if err != nil {
		return nil, fmt.Errorf("completion init failed: %w", err)
	}
	if _, isMock := completer.(*completion.MockCompleter); isMock && cfg.CompletionMode != "mock" {
		logger.Warn("app: COMPLETION_URL is not set, answering with the echo mock completer",
			"completion_mode", cfg.CompletionMode)
	}

	store, err := state.NewStore(ctx, state.Config{
		Backend:     state.Backend(cfg.StateBackend),
		DataDir:     cfg.DataDir,
		SQLitePath:  cfg.SQLitePath,
		DatabaseURL: cfg.DatabaseURL,
		RedisURL:    cfg.RedisURL,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("state store init failed: %w", err)
	}

	extractor := slots.NewExtractor(rules)
	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	svc, err := chat.New(chat.Config{
		Identities:        identities,
		Store:             store,
		Sessions:          sessions,
		Policy:            engine,
		Extractor:         extractor,
		Completer:         completer,
		Metrics:           metrics,
		Logger:            logger,
		FallbackText:      cfg.CompletionFallbackText,
		CompletionTimeout: cfg.CompletionTimeout,
		RejectNegative:    cfg.PolicyRejectNegative,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	api := httpapi.New(cfg, svc, metrics, logger)

	cleanup := func(ctx context.Context) error {
		var errs []error
		if err := svc.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush sessions: %w", err))
		}
		if err := store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close state store: %w", err))
		}
		return errors.Join(errs...)
	}

	logger.Info("app: built",
		"state_backend", cfg.StateBackend,
		"completion_mode", cfg.CompletionMode,
		"completion_url_set", cfg.CompletionURL != "",
		"epsilon", engine.Epsilon(),
		"learning_rate", engine.LearningRate(),
		"normalization", string(norm),
		"context_rules", len(extractor.Rules()))

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Chat:     svc,
		Sessions: sessions,
		Metrics:  metrics,
		Cleanup:  cleanup,
	}, nil
}
