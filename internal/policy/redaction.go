package policy

import (
	"regexp"
	"strings"
)

type redactionRule struct {
	pattern *regexp.Regexp
	marker  string
}

// Applied in order: card numbers must be masked before the phone pattern
// gets a chance to match their digit groups.
var redactionRules = []redactionRule{
	{regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`), "[REDACTED_EMAIL]"},
	{regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`), "[REDACTED_CARD]"},
	{regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`), "[REDACTED_IP]"},
	{regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`), "[REDACTED_PHONE]"},
}

// RedactPII masks emails, card numbers, IPv4 addresses and phone numbers in
// free text before it reaches a log line.
func RedactPII(input string) (redacted string, changed bool) {
	out := input
	for _, rule := range redactionRules {
		next := rule.pattern.ReplaceAllString(out, rule.marker)
		changed = changed || next != out
		out = next
	}
	return out, changed
}

// MaskIdentity shortens an identity for logs: the first character and,
// for email-shaped identities, the domain survive.
func MaskIdentity(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	local, domain, isEmail := strings.Cut(id, "@")
	masked := string([]rune(local)[:1]) + "***"
	if isEmail {
		return masked + "@" + domain
	}
	return masked
}
