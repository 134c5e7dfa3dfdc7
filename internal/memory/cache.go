package memory

// Lookup returns the assistant answer paired with the first user turn whose
// content equals prompt exactly. Later occurrences of the same prompt are
// ignored even when they carry a different answer.
func Lookup(log Log, prompt string) (string, bool) {
	for i, turn := range log {
		if turn.Role != RoleUser || turn.Content != prompt {
			continue
		}
		if i+1 < len(log) && log[i+1].Role == RoleAssistant {
			return log[i+1].Content, true
		}
		return "", false
	}
	return "", false
}
