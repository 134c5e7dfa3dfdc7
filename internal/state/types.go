// Package state persists the per-identity session record (conversation log
// plus context slots), the policy table and the negative feedback log.
package state

import (
	"context"
	"errors"

	"github.com/ent0n29/deskmate/internal/feedback"
	"github.com/ent0n29/deskmate/internal/memory"
	"github.com/ent0n29/deskmate/internal/policy"
	"github.com/ent0n29/deskmate/internal/slots"
)

// ErrCorruptState marks a durable snapshot that exists but cannot be
// decoded. It is never turned into an empty record.
var ErrCorruptState = errors.New("corrupt state snapshot")

// SessionRecord is the conversation log and context slots of one identity,
// persisted together as a single snapshot.
type SessionRecord struct {
	Log     memory.Log `json:"history"`
	Context slots.Map  `json:"context"`
}

// Clone returns a deep copy of r.
func (r SessionRecord) Clone() SessionRecord {
	return SessionRecord{Log: r.Log.Clone(), Context: r.Context.Clone()}
}

func (r SessionRecord) normalized() SessionRecord {
	if r.Context == nil {
		r.Context = slots.Map{}
	}
	return r
}

// Store persists per-identity state. A missing record loads as empty
// structures without error; a malformed one returns an error wrapping
// ErrCorruptState. Saves replace the whole snapshot atomically.
type Store interface {
	LoadSession(ctx context.Context, id string) (SessionRecord, error)
	SaveSession(ctx context.Context, id string, rec SessionRecord) error
	LoadPolicy(ctx context.Context, id string) (policy.Table, error)
	SavePolicy(ctx context.Context, id string, table policy.Table) error
	AppendFeedback(ctx context.Context, id string, rec feedback.Record) error
	ListFeedback(ctx context.Context, id string) ([]feedback.Record, error)
	Close() error
}
