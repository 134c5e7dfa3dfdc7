package slots

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ruleFile is the on-disk layout of a rule table:
//
//	rules:
//	  - trigger: order number
//	    slot: order_id
//	    pattern: '(?i)order number\s*#?(\w+)'
//	    known: "Looking at order %s."
//	    missing: "What is your order number?"
type ruleFile struct {
	Rules []ruleEntry `yaml:"rules"`
}

type ruleEntry struct {
	Trigger string `yaml:"trigger"`
	Slot    string `yaml:"slot"`
	Value   string `yaml:"value"`
	Pattern string `yaml:"pattern"`
	Known   string `yaml:"known"`
	Missing string `yaml:"missing"`
}

// LoadRules reads a YAML rule table. Environment variables in the file are
// expanded before parsing.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	return ParseRules([]byte(os.ExpandEnv(string(data))))
}

// ParseRules decodes a YAML rule table.
func ParseRules(data []byte) ([]Rule, error) {
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	if len(f.Rules) == 0 {
		return nil, fmt.Errorf("parse rules: no rules defined")
	}

	rules := make([]Rule, 0, len(f.Rules))
	for i, e := range f.Rules {
		if strings.TrimSpace(e.Trigger) == "" || strings.TrimSpace(e.Slot) == "" {
			return nil, fmt.Errorf("rule %d: trigger and slot are required", i)
		}
		var value Resolver
		switch {
		case e.Pattern != "" && e.Value != "":
			return nil, fmt.Errorf("rule %d: value and pattern are mutually exclusive", i)
		case e.Pattern != "":
			p, err := NewPatternValue(e.Pattern)
			if err != nil {
				return nil, fmt.Errorf("rule %d: %w", i, err)
			}
			value = p
		case e.Value != "":
			value = FixedValue(e.Value)
		default:
			return nil, fmt.Errorf("rule %d: one of value or pattern is required", i)
		}
		if strings.Count(e.Known, "%") > 1 || (strings.Contains(e.Known, "%") && !strings.Contains(e.Known, "%s")) {
			return nil, fmt.Errorf("rule %d: known template must use a single %%s verb", i)
		}
		rules = append(rules, Rule{
			Trigger:         e.Trigger,
			Slot:            e.Slot,
			Value:           value,
			KnownTemplate:   e.Known,
			MissingTemplate: e.Missing,
		})
	}
	return rules, nil
}
