package state

import (
	"encoding/json"
	"fmt"

	"github.com/ent0n29/deskmate/internal/policy"
)

// JSON snapshot encoding shared by the database and redis backends.

func encodeSessionJSON(rec SessionRecord) ([]byte, []byte, error) {
	history, err := json.Marshal(rec.Log)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal history: %w", err)
	}
	ctxJSON, err := json.Marshal(rec.normalized().Context)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal context: %w", err)
	}
	return history, ctxJSON, nil
}

func decodeSessionJSON(id string, history, ctxJSON []byte) (SessionRecord, error) {
	var rec SessionRecord
	if err := json.Unmarshal(history, &rec.Log); err != nil {
		return SessionRecord{}, corrupt(id, "history", err)
	}
	if err := json.Unmarshal(ctxJSON, &rec.Context); err != nil {
		return SessionRecord{}, corrupt(id, "context", err)
	}
	return rec.normalized(), nil
}

func encodePolicyJSON(table policy.Table) ([]byte, error) {
	if table == nil {
		table = policy.Table{}
	}
	b, err := json.Marshal(table)
	if err != nil {
		return nil, fmt.Errorf("marshal policy: %w", err)
	}
	return b, nil
}

func decodePolicyJSON(id string, data []byte) (policy.Table, error) {
	var table policy.Table
	if err := json.Unmarshal(data, &table); err != nil {
		return nil, corrupt(id, "policy", err)
	}
	if table == nil {
		table = policy.Table{}
	}
	return table, nil
}

func corrupt(id, what string, err error) error {
	return fmt.Errorf("%w: %s snapshot for %q: %v", ErrCorruptState, what, id, err)
}
