package localdb_test

import (
	"context"
	"testing"

	"leadflow/internal/domain"
	"leadflow/internal/store"
	"leadflow/internal/store/localdb"
)

func openTestDB(t *testing.T) *localdb.DB {
	t.Helper()
	d, err := localdb.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestOpenSeedsLeads(t *testing.T) {
	d := openTestDB(t)
	rows, err := d.FetchAll(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 seed rows, got %d", len(rows))
	}
}

func TestWriteRecordAppends(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()
	if err := d.WriteRecord(ctx, store.RawRecord{"id": "L-NEW", "client": "Asha", "status": "Submitted"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	rows, err := d.FetchAll(ctx)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(rows) != 4 {
		t.Fatalf("expected 4 rows, got %d", len(rows))
	}
}

func TestStatusUpdateInPlace(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()
	if err := d.WriteRecord(ctx, store.StatusUpdate("L-SEED-01", "Docs_Validation")); err != nil {
		t.Fatalf("update: %v", err)
	}
	rows, _ := d.FetchAll(ctx)
	for _, row := range rows {
		if row["id"] == "L-SEED-01" && row["status"] != "Docs_Validation" {
			t.Fatalf("status not updated: %v", row["status"])
		}
	}
	if err := d.WriteRecord(ctx, store.StatusUpdate("L-MISSING", "Rejected")); err == nil {
		t.Fatalf("expected error for unknown id")
	}
}

func TestNoteAppendKeepsPrior(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()
	if err := d.WriteRecord(ctx, store.NoteUpdate("L-SEED-02", "Called client")); err != nil {
		t.Fatalf("note: %v", err)
	}
	rows, _ := d.FetchAll(ctx)
	for _, row := range rows {
		if row["id"] == "L-SEED-02" {
			if row["note"] != "Documents collected\nCalled client" {
				t.Fatalf("note=%q", row["note"])
			}
		}
	}
}

func TestSnapshotReplace(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()
	next := []store.RawRecord{{"id": "only"}}
	if err := d.WriteSnapshot(ctx, "leads", next); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}
	rows, _ := d.FetchAll(ctx)
	if len(rows) != 1 || rows[0]["id"] != "only" {
		t.Fatalf("snapshot not replaced: %v", rows)
	}
}

func TestBackupRoundTrip(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()
	leads, err := d.LoadBackup(ctx)
	if err != nil || leads != nil {
		t.Fatalf("fresh backup should be empty: %v %v", leads, err)
	}
	in := []domain.Lead{{ID: "L-1", Client: "Asha", Status: "Submitted", Amount: "100", Value: 100}}
	if err := d.SaveBackup(ctx, in); err != nil {
		t.Fatalf("save: %v", err)
	}
	out, err := d.LoadBackup(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(out) != 1 || out[0] != in[0] {
		t.Fatalf("backup drifted: %+v", out)
	}
}
