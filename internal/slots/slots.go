// Package slots captures small pieces of context from user messages
// (laptop model, order number, ...) and renders replies that refer back to
// them on later turns.
package slots

import (
	"fmt"
	"regexp"
	"strings"
)

// Map holds extracted slot values by slot name. Writes are last-write-wins.
type Map map[string]string

// Clone returns an independent copy of m. A nil map clones to an empty one.
func (m Map) Clone() Map {
	out := make(Map, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Resolver derives a slot value from the message that fired a trigger.
// An empty result means nothing is written.
type Resolver interface {
	Resolve(message string) string
}

// FixedValue always resolves to the same value.
type FixedValue string

func (v FixedValue) Resolve(string) string { return string(v) }

// PatternValue resolves to the first capture group of a pattern, or the
// whole match when the pattern has no groups.
type PatternValue struct {
	re *regexp.Regexp
}

func NewPatternValue(pattern string) (PatternValue, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return PatternValue{}, fmt.Errorf("compile slot pattern: %w", err)
	}
	return PatternValue{re: re}, nil
}

func (p PatternValue) Resolve(message string) string {
	if p.re == nil {
		return ""
	}
	m := p.re.FindStringSubmatch(message)
	if len(m) == 0 {
		return ""
	}
	if len(m) > 1 {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(m[0])
}

// Rule maps a trigger phrase to a slot. Trigger matching is a
// case-insensitive substring test.
type Rule struct {
	Trigger string
	Slot    string
	Value   Resolver
	// KnownTemplate receives the stored value through a single %s verb.
	KnownTemplate   string
	MissingTemplate string
}

func (r Rule) matches(message string) bool {
	trigger := strings.ToLower(strings.TrimSpace(r.Trigger))
	if trigger == "" {
		return false
	}
	return strings.Contains(strings.ToLower(message), trigger)
}

// DefaultRules is the single built-in laptop model trigger.
func DefaultRules() []Rule {
	return []Rule{
		{
			Trigger:         "laptop model",
			Slot:            "laptop_model",
			Value:           FixedValue("Latitude 7420"),
			KnownTemplate:   "You mentioned earlier that you're having an issue with the %s. How can I assist you further?",
			MissingTemplate: "I don't have any details about the laptop model yet. Could you please share it again?",
		},
	}
}

// Extractor applies an ordered rule table.
type Extractor struct {
	rules []Rule
}

func NewExtractor(rules []Rule) *Extractor {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	cp := make([]Rule, len(rules))
	copy(cp, rules)
	return &Extractor{rules: cp}
}

// Rules returns a copy of the configured rule table.
func (e *Extractor) Rules() []Rule {
	out := make([]Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

// Extract returns a copy of current with every triggered slot written, and
// whether any slot value changed. current is never modified.
func (e *Extractor) Extract(message string, current Map) (Map, bool) {
	next := current.Clone()
	changed := false
	for _, r := range e.rules {
		if r.Slot == "" || r.Value == nil || !r.matches(message) {
			continue
		}
		v := r.Value.Resolve(message)
		if v == "" {
			continue
		}
		if old, ok := next[r.Slot]; ok && old == v {
			continue
		}
		next[r.Slot] = v
		changed = true
	}
	return next, changed
}

// Respond renders a note for the first triggered rule: a reference to the
// stored value, or a request for it when the slot is still empty.
func (e *Extractor) Respond(message string, current Map) (string, bool) {
	for _, r := range e.rules {
		if !r.matches(message) {
			continue
		}
		if v, ok := current[r.Slot]; ok && v != "" {
			if r.KnownTemplate == "" {
				return "", false
			}
			if strings.Contains(r.KnownTemplate, "%s") {
				return fmt.Sprintf(r.KnownTemplate, v), true
			}
			return r.KnownTemplate, true
		}
		if r.MissingTemplate == "" {
			return "", false
		}
		return r.MissingTemplate, true
	}
	return "", false
}
