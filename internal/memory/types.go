package memory

// Role identifies who produced a conversational turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn stores a single user or assistant conversational turn.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Log is the ordered conversation history of one identity. Strict role
// alternation is not enforced.
type Log []Turn

// Append returns a new log with turns added. The receiver is left untouched
// so callers can discard the result when persisting it fails.
func (l Log) Append(turns ...Turn) Log {
	out := make(Log, 0, len(l)+len(turns))
	out = append(out, l...)
	return append(out, turns...)
}

// Clone returns an independent copy of the log.
func (l Log) Clone() Log {
	if l == nil {
		return nil
	}
	out := make(Log, len(l))
	copy(out, l)
	return out
}

// Recent returns at most limit turns from the end of the log.
func (l Log) Recent(limit int) Log {
	if limit <= 0 || limit >= len(l) {
		return l.Clone()
	}
	return l[len(l)-limit:].Clone()
}
