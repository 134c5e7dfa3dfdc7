package policy

import (
	"fmt"
	"strings"
)

// Normalization selects how a raw prompt becomes a state key.
type Normalization string

const (
	// NormalizeRaw uses the prompt unchanged: prompts that differ only in
	// case or surrounding whitespace are distinct states.
	NormalizeRaw Normalization = "raw"
	// NormalizeTrim strips surrounding whitespace and collapses inner runs.
	NormalizeTrim Normalization = "trim"
	// NormalizeFold trims and lowercases.
	NormalizeFold Normalization = "fold"
)

func ParseNormalization(s string) (Normalization, error) {
	switch n := Normalization(strings.ToLower(strings.TrimSpace(s))); n {
	case "":
		return NormalizeRaw, nil
	case NormalizeRaw, NormalizeTrim, NormalizeFold:
		return n, nil
	default:
		return "", fmt.Errorf("unknown state normalization %q (valid: raw, trim, fold)", s)
	}
}

// Apply converts prompt into a state key.
func (n Normalization) Apply(prompt string) string {
	switch n {
	case NormalizeTrim:
		return strings.Join(strings.Fields(prompt), " ")
	case NormalizeFold:
		return strings.ToLower(strings.Join(strings.Fields(prompt), " "))
	default:
		return prompt
	}
}
