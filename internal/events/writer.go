package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"leadflow/internal/domain"
)

// Event types appended by the reconciler.
const (
	TypeSubmitted     = "lead.submitted"
	TypeStatusChanged = "lead.status_changed"
	TypeNoteAdded     = "lead.note_added"
)

// Writer appends journey entries to the local audit log.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type Payload map[string]any

func (w Writer) Append(ctx context.Context, evtType, leadID, actor string, payload Payload) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = Payload{}
	}
	if actor == "" {
		actor = domain.AgentSystem
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = w.DB.ExecContext(ctx, `INSERT INTO events(ts,type,lead_id,actor,payload_json) VALUES (?,?,?,?,?)`,
		ts, evtType, nullable(leadID), actor, string(data))
	return err
}

// ListByLead returns a lead's journey in append order.
func (w Writer) ListByLead(ctx context.Context, leadID string) ([]domain.LeadEvent, error) {
	rows, err := w.DB.QueryContext(ctx,
		`SELECT id,ts,type,COALESCE(lead_id,''),actor,payload_json FROM events WHERE lead_id=? ORDER BY id`, leadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.LeadEvent
	for rows.Next() {
		var e domain.LeadEvent
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.LeadID, &e.Actor, &e.Payload); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
