package completion

import (
	"context"
	"errors"
	"fmt"
)

// FallbackCompleter tries a primary completer first and the secondary on
// error. Cancellation and deadline errors are returned as-is.
type FallbackCompleter struct {
	primary  Completer
	fallback Completer
}

func NewFallbackCompleter(primary, fallback Completer) *FallbackCompleter {
	return &FallbackCompleter{primary: primary, fallback: fallback}
}

func (f *FallbackCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	if f == nil || f.primary == nil {
		if f != nil && f.fallback != nil {
			return f.fallback.Complete(ctx, prompt)
		}
		return "", errors.New("fallback completer misconfigured")
	}
	text, err := f.primary.Complete(ctx, prompt)
	if err == nil {
		return text, nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "", err
	}
	if f.fallback == nil {
		return "", err
	}
	text, fbErr := f.fallback.Complete(ctx, prompt)
	if fbErr != nil {
		return "", fmt.Errorf("primary completer error: %w; fallback completer error: %v", err, fbErr)
	}
	return text, nil
}
