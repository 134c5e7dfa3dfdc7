// Package completion talks to the language-model completion endpoint that
// answers cache misses.
package completion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Completer turns a single free-text prompt into a reply.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, prompt string) (string, error)

func (f CompleterFunc) Complete(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// Config controls completer construction.
type Config struct {
	Mode string
	URL  string
	// FallbackURL names a secondary endpoint tried when URL fails.
	FallbackURL string
	Model       string
	APIKey      string
	Timeout     time.Duration
	MaxRetries  int
	RetryBase   time.Duration
	RetryCap    time.Duration
}

const DefaultModel = "llama-3.2-3b-instruct"

func NewCompleter(cfg Config) (Completer, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		if strings.TrimSpace(cfg.URL) == "" {
			return NewMockCompleter(), nil
		}
		return newHTTPChain(cfg), nil
	case "http":
		if strings.TrimSpace(cfg.URL) == "" {
			return nil, errors.New("completion URL is required for http mode")
		}
		return newHTTPChain(cfg), nil
	case "mock":
		return NewMockCompleter(), nil
	default:
		return nil, fmt.Errorf("unsupported completion mode %q", cfg.Mode)
	}
}

func newHTTPChain(cfg Config) Completer {
	primary := NewHTTPCompleter(cfg)
	if strings.TrimSpace(cfg.FallbackURL) == "" {
		return primary
	}
	secondary := cfg
	secondary.URL = cfg.FallbackURL
	return NewFallbackCompleter(primary, NewHTTPCompleter(secondary))
}
