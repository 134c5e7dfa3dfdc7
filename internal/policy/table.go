package policy

// ActionValue is the value estimate of one action for a state.
type ActionValue struct {
	Action string  `json:"action"`
	Value  float64 `json:"value"`
}

// Table maps a state to its scored actions. Actions keep the order in which
// they were first scored, which is also the tie-break order.
type Table map[string][]ActionValue

// Value returns the recorded value for (state, action).
func (t Table) Value(state, action string) (float64, bool) {
	for _, av := range t[state] {
		if av.Action == action {
			return av.Value, true
		}
	}
	return 0, false
}

// Actions returns the scored actions of state in first-seen order.
func (t Table) Actions(state string) []string {
	avs := t[state]
	out := make([]string, 0, len(avs))
	for _, av := range avs {
		out = append(out, av.Action)
	}
	return out
}

// Clone returns a deep copy of t.
func (t Table) Clone() Table {
	out := make(Table, len(t))
	for state, avs := range t {
		cp := make([]ActionValue, len(avs))
		copy(cp, avs)
		out[state] = cp
	}
	return out
}

// with returns a copy of t with (state, action) set to v.
func (t Table) with(state, action string, v float64) Table {
	out := t.Clone()
	avs := out[state]
	for i := range avs {
		if avs[i].Action == action {
			avs[i].Value = v
			return out
		}
	}
	out[state] = append(avs, ActionValue{Action: action, Value: v})
	return out
}
