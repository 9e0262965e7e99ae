// Package store defines the backing-store contract shared by the local
// durable store and the remote HTTP store, so the reconciler stays
// agnostic to which one is active.
package store

import "context"

// RawRecord is an untyped row as a backing store hands it over. Key names
// and value types vary per source; normalization owns making sense of it.
type RawRecord map[string]any

// Write actions carried inside a RawRecord. A plain record without an
// action is a create.
const (
	ActionKey          = "action"
	ActionUpdateStatus = "UPDATE_STATUS"
	ActionAddNote      = "ADD_NOTE"
	ActionLogAudit     = "logAudit"
)

// Store is the read/write surface every backing store implements.
type Store interface {
	// FetchAll returns every raw row of the lead table.
	FetchAll(ctx context.Context) ([]RawRecord, error)
	// WriteRecord creates a lead or applies an action record.
	WriteRecord(ctx context.Context, rec RawRecord) error
}

// StatusUpdate builds the wire record for a status change.
func StatusUpdate(id, status string) RawRecord {
	return RawRecord{ActionKey: ActionUpdateStatus, "id": id, "status": status}
}

// NoteUpdate builds the wire record for an appended note.
func NoteUpdate(id, note string) RawRecord {
	return RawRecord{ActionKey: ActionAddNote, "id": id, "note": note}
}

// Action extracts the action tag from a record, if any.
func Action(rec RawRecord) string {
	if v, ok := rec[ActionKey].(string); ok {
		return v
	}
	return ""
}
