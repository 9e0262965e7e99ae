// Package localdb is the local durable backing store: whole JSON arrays
// of raw lead records keyed by table name, persisted in SQLite. It also
// holds the reconciler's last-known-good backup snapshot.
package localdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"leadflow/internal/db"
	"leadflow/internal/domain"
	"leadflow/internal/migrate"
	"leadflow/internal/store"
)

const (
	leadsTable  = "leads"
	backupTable = "leads_backup"
)

type DB struct {
	conn *sql.DB
	Now  func() time.Time
}

// Open opens (and migrates) the workspace database and seeds the lead
// table on first use.
func Open(workspace string) (*DB, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	d := &DB{conn: conn, Now: time.Now}
	if err := d.seed(context.Background()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("seed: %w", err)
	}
	return d, nil
}

// Conn exposes the underlying handle for collaborators (events writer).
func (d *DB) Conn() *sql.DB { return d.conn }

func (d *DB) Close() error { return d.conn.Close() }

// FetchAll returns every raw row of the lead table.
func (d *DB) FetchAll(ctx context.Context) ([]store.RawRecord, error) {
	return d.ReadSnapshot(ctx, leadsTable)
}

// WriteRecord appends a lead row, or applies a status/note action record
// in place.
func (d *DB) WriteRecord(ctx context.Context, rec store.RawRecord) error {
	switch store.Action(rec) {
	case store.ActionUpdateStatus:
		return d.updateField(ctx, asString(rec["id"]), "status", asString(rec["status"]), false)
	case store.ActionAddNote:
		return d.updateField(ctx, asString(rec["id"]), "note", asString(rec["note"]), true)
	case store.ActionLogAudit:
		// Audit rows never enter the lead table locally; the events
		// writer owns the journal.
		return nil
	}
	rows, err := d.ReadSnapshot(ctx, leadsTable)
	if err != nil {
		return err
	}
	return d.WriteSnapshot(ctx, leadsTable, append(rows, rec))
}

func (d *DB) updateField(ctx context.Context, id, field, value string, appendTo bool) error {
	if id == "" {
		return fmt.Errorf("localdb: %s update without id", field)
	}
	rows, err := d.ReadSnapshot(ctx, leadsTable)
	if err != nil {
		return err
	}
	found := false
	for _, row := range rows {
		if asString(row["id"]) != id {
			continue
		}
		if appendTo {
			if prior := asString(row[field]); prior != "" {
				value = prior + "\n" + value
			}
		}
		row[field] = value
		found = true
	}
	if !found {
		return fmt.Errorf("localdb: record %s not found", id)
	}
	return d.WriteSnapshot(ctx, leadsTable, rows)
}

// ReadSnapshot loads the whole raw array stored under name. A missing
// snapshot reads as empty.
func (d *DB) ReadSnapshot(ctx context.Context, name string) ([]store.RawRecord, error) {
	var payload string
	err := d.conn.QueryRowContext(ctx, `SELECT payload_json FROM snapshots WHERE name=?`, name).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rows []store.RawRecord
	if err := json.Unmarshal([]byte(payload), &rows); err != nil {
		return nil, fmt.Errorf("localdb: corrupt snapshot %s: %w", name, err)
	}
	return rows, nil
}

// WriteSnapshot replaces the whole raw array stored under name.
func (d *DB) WriteSnapshot(ctx context.Context, name string, rows []store.RawRecord) error {
	if rows == nil {
		rows = []store.RawRecord{}
	}
	payload, err := json.Marshal(rows)
	if err != nil {
		return err
	}
	_, err = d.conn.ExecContext(ctx,
		`INSERT INTO snapshots(name,payload_json,updated_at) VALUES (?,?,?)
		 ON CONFLICT(name) DO UPDATE SET payload_json=excluded.payload_json, updated_at=excluded.updated_at`,
		name, string(payload), d.Now().UTC().Format(time.RFC3339))
	return err
}

// SaveBackup persists the last successfully synced canonical leads.
func (d *DB) SaveBackup(ctx context.Context, leads []domain.Lead) error {
	if leads == nil {
		leads = []domain.Lead{}
	}
	payload, err := json.Marshal(leads)
	if err != nil {
		return err
	}
	_, err = d.conn.ExecContext(ctx,
		`INSERT INTO snapshots(name,payload_json,updated_at) VALUES (?,?,?)
		 ON CONFLICT(name) DO UPDATE SET payload_json=excluded.payload_json, updated_at=excluded.updated_at`,
		backupTable, string(payload), d.Now().UTC().Format(time.RFC3339))
	return err
}

// LoadBackup returns the last-known-good leads, or nil when none exists.
func (d *DB) LoadBackup(ctx context.Context) ([]domain.Lead, error) {
	var payload string
	err := d.conn.QueryRowContext(ctx, `SELECT payload_json FROM snapshots WHERE name=?`, backupTable).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var leads []domain.Lead
	if err := json.Unmarshal([]byte(payload), &leads); err != nil {
		return nil, fmt.Errorf("localdb: corrupt backup: %w", err)
	}
	return leads, nil
}

// seed writes the demo rows on a fresh database, mirroring the shapes
// the pipeline historically started from.
func (d *DB) seed(ctx context.Context) error {
	var count int
	if err := d.conn.QueryRowContext(ctx, `SELECT count(*) FROM snapshots WHERE name=?`, leadsTable).Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	today := d.Now().UTC().Format(time.RFC3339)
	rows := []store.RawRecord{
		{"id": "L-SEED-01", "client": "Rajesh Kumar", "amount": "5000000", "status": "Submitted",
			"agent": "AGENT_001", "type": "BL", "cibil": "750", "created_at": today, "note": "High priority seed lead"},
		{"id": "L-SEED-02", "client": "TechFlow Systems", "amount": "12000000", "status": "Credit_Review",
			"agent": "AGENT_001", "type": "LAP", "cibil": "810", "created_at": today, "note": "Documents collected"},
		{"id": "L-SEED-03", "client": "Amitabh Validot", "amount": "2500000", "status": "Rejected",
			"agent": "AGENT_002", "type": "PL", "cibil": "620", "created_at": today, "note": "Low CIBIL score"},
	}
	return d.WriteSnapshot(ctx, leadsTable, rows)
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}
