package completion

import (
	"context"
	"fmt"
	"strings"
)

// MockCompleter provides deterministic local replies when no endpoint is
// configured.
type MockCompleter struct{}

func NewMockCompleter() *MockCompleter { return &MockCompleter{} }

func (m *MockCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	base := strings.TrimSpace(prompt)
	if base == "" {
		base = "I am listening."
	}
	return fmt.Sprintf("I heard you: %s", base), nil
}
