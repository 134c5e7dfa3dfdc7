// Package feedback turns a user's verdict on an answer into a reward and,
// for negative verdicts with an explanation, an audit record.
package feedback

import (
	"errors"
	"fmt"
	"strings"
)

type Label string

const (
	Positive Label = "positive"
	Negative Label = "negative"
)

var ErrInvalidLabel = errors.New("invalid feedback label")

// ParseLabel accepts positive/negative and the common thumbs shorthands.
func ParseLabel(s string) (Label, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "positive", "up", "+", "+1", "good", "helpful":
		return Positive, nil
	case "negative", "down", "-", "-1", "bad", "unhelpful":
		return Negative, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidLabel, s)
	}
}

// Reward is +1 for positive feedback and -1 otherwise.
func Reward(l Label) float64 {
	if l == Positive {
		return 1
	}
	return -1
}

// Record is one entry of the append-only negative feedback log. Records are
// never deduplicated.
type Record struct {
	State    string `json:"state"`
	FreeText string `json:"free_text"`
}

// ShouldRecord reports whether a verdict produces an audit record.
func ShouldRecord(l Label, freeText string) bool {
	return l == Negative && strings.TrimSpace(freeText) != ""
}

// Outcome is the result of collecting one verdict.
type Outcome struct {
	Reward float64
	Record *Record
}

// Collect maps a verdict on state to its reward and optional record.
func Collect(state string, l Label, freeText string) Outcome {
	out := Outcome{Reward: Reward(l)}
	if ShouldRecord(l, freeText) {
		out.Record = &Record{State: state, FreeText: strings.TrimSpace(freeText)}
	}
	return out
}
