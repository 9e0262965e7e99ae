package reconciler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"leadflow/internal/domain"
	"leadflow/internal/normalize"
	"leadflow/internal/store"
	"leadflow/internal/workflow"
)

type memStore struct {
	mu      sync.Mutex
	rows    []store.RawRecord
	writes  []store.RawRecord
	fetches []time.Time
	failAll bool
}

func (m *memStore) FetchAll(ctx context.Context) ([]store.RawRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetches = append(m.fetches, time.Now())
	if m.failAll {
		return nil, errors.New("fetch unavailable")
	}
	out := make([]store.RawRecord, len(m.rows))
	copy(out, m.rows)
	return out, nil
}

func (m *memStore) WriteRecord(ctx context.Context, rec store.RawRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll {
		return errors.New("write unavailable")
	}
	m.writes = append(m.writes, rec)
	return nil
}

type memBackup struct {
	mu       sync.Mutex
	leads    []domain.Lead
	saves    int
	loadFail bool
}

func (b *memBackup) SaveBackup(ctx context.Context, leads []domain.Lead) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.leads = make([]domain.Lead, len(leads))
	copy(b.leads, leads)
	b.saves++
	return nil
}

func (b *memBackup) LoadBackup(ctx context.Context) ([]domain.Lead, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.loadFail {
		return nil, errors.New("backup unreadable")
	}
	out := make([]domain.Lead, len(b.leads))
	copy(out, b.leads)
	return out, nil
}

func row(id, client, status, agent string) store.RawRecord {
	return store.RawRecord{"id": id, "client": client, "status": status, "agent": agent}
}

func newTestReconciler(t *testing.T, st store.Store, bk BackupStore) *Reconciler {
	t.Helper()
	r, err := New(Config{
		Store:       st,
		Backup:      bk,
		Graph:       workflow.Default(),
		BackoffBase: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func TestSyncReplacesCache(t *testing.T) {
	st := &memStore{rows: []store.RawRecord{
		row("L-1", "Asha", "Submitted", "AGENT_001"),
		row("L-2", "Vikram", "Login", "AGENT_002"),
	}}
	r := newTestReconciler(t, st, &memBackup{})

	leads, err := r.Sync(context.Background())
	if err != nil {
		t.Fatalf("first sync: %v", err)
	}
	if len(leads) != 2 {
		t.Fatalf("leads = %d, want 2", len(leads))
	}

	st.mu.Lock()
	st.rows = st.rows[:1]
	st.mu.Unlock()

	leads, err = r.Sync(context.Background())
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if len(leads) != 1 {
		t.Fatalf("after resync leads = %d, want 1 (cache must be replaced, not appended)", len(leads))
	}
	if got := r.State(); got.State != StateLoaded || got.Leads != 1 {
		t.Fatalf("state = %+v, want loaded/1", got)
	}
}

func TestSyncSkipsAdministrativeRows(t *testing.T) {
	st := &memStore{rows: []store.RawRecord{
		row("L-1", "Asha", "Submitted", "AGENT_001"),
		{"type": "CHAT", "message": "hello"},
		{"type": "LOG", "action": "logAudit"},
	}}
	r := newTestReconciler(t, st, nil)
	leads, err := r.Sync(context.Background())
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(leads) != 1 || leads[0].ID != "L-1" {
		t.Fatalf("leads = %+v, want only L-1", leads)
	}
}

func TestSyncFallsBackToBackup(t *testing.T) {
	bk := &memBackup{leads: []domain.Lead{{ID: "L-OLD", Client: "Stale Co", Status: "Login"}}}
	st := &memStore{failAll: true}
	r := newTestReconciler(t, st, bk)

	leads, err := r.Sync(context.Background())
	if err == nil {
		t.Fatal("expected degraded sync error")
	}
	if len(leads) != 1 || leads[0].ID != "L-OLD" {
		t.Fatalf("leads = %+v, want last-known-good snapshot", leads)
	}
	snap := r.State()
	if snap.State != StateError {
		t.Fatalf("state = %s, want %s", snap.State, StateError)
	}
	if snap.LastError == "" {
		t.Fatal("expected last error to be recorded")
	}

	st.mu.Lock()
	fetches := append([]time.Time(nil), st.fetches...)
	st.mu.Unlock()
	if len(fetches) != 3 {
		t.Fatalf("fetch attempts = %d, want 3", len(fetches))
	}
	if gap := fetches[1].Sub(fetches[0]); gap < time.Millisecond {
		t.Fatalf("first backoff %v, want >= base", gap)
	}
	if gap := fetches[2].Sub(fetches[1]); gap < 2*time.Millisecond {
		t.Fatalf("second backoff %v, want >= doubled base", gap)
	}

	// Source recovers; an explicit retry leaves the error state.
	st.mu.Lock()
	st.failAll = false
	st.rows = []store.RawRecord{row("L-NEW", "Fresh Co", "Submitted", "")}
	st.mu.Unlock()
	leads, err = r.Retry(context.Background())
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if len(leads) != 1 || leads[0].ID != "L-NEW" {
		t.Fatalf("leads = %+v, want recovered data", leads)
	}
	if got := r.State().State; got != StateLoaded {
		t.Fatalf("state = %s, want %s", got, StateLoaded)
	}
	st.mu.Lock()
	total := len(st.fetches)
	st.mu.Unlock()
	if total != 4 {
		t.Fatalf("fetch attempts after recovery = %d, want 4 (one fresh attempt)", total)
	}
}

func TestSyncKeepsOptimisticWritesOverBackup(t *testing.T) {
	bk := &memBackup{leads: []domain.Lead{{ID: "L-1", Client: "Asha", Status: "Submitted"}}}
	st := &memStore{failAll: true}
	r := newTestReconciler(t, st, bk)

	res := r.Transition(context.Background(), "L-1", "Docs_Validation", "AGENT_001")
	if res.Success || !res.LocalOnly || res.Reason != ReasonWriteNotAcknowledged {
		t.Fatalf("transition = %+v, want unacknowledged local-only write", res)
	}

	leads, _ := r.Sync(context.Background())
	if len(leads) != 1 || leads[0].Status != "Docs_Validation" {
		t.Fatalf("leads = %+v, optimistic status must survive fallback merge", leads)
	}
}

func TestTransitionValidation(t *testing.T) {
	st := &memStore{rows: []store.RawRecord{row("L-1", "Asha", "Submitted", "AGENT_001")}}
	r := newTestReconciler(t, st, &memBackup{})
	if _, err := r.Sync(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}

	res := r.Transition(context.Background(), "L-1", "Disbursed", "AGENT_001")
	if res.Success || res.Reason != ReasonInvalidTransition {
		t.Fatalf("result = %+v, want invalid transition", res)
	}
	if got := r.Leads()[0].Status; got != "Submitted" {
		t.Fatalf("status = %q, invalid transition must not change the lead", got)
	}

	res = r.Transition(context.Background(), "L-404", "Rejected", "AGENT_001")
	if res.Success || res.Reason != ReasonNotFound {
		t.Fatalf("result = %+v, want not found", res)
	}

	res = r.Transition(context.Background(), "L-1", "Docs_Validation", "AGENT_001")
	if !res.Success || res.Lead.Status != "Docs_Validation" {
		t.Fatalf("result = %+v, want accepted transition", res)
	}
	st.mu.Lock()
	last := st.writes[len(st.writes)-1]
	st.mu.Unlock()
	if store.Action(last) != store.ActionUpdateStatus || last["status"] != "Docs_Validation" {
		t.Fatalf("store write = %+v, want status update record", last)
	}
}

func TestSubmitOptimisticOnStoreFailure(t *testing.T) {
	st := &memStore{failAll: true}
	bk := &memBackup{}
	r := newTestReconciler(t, st, bk)

	res := r.Submit(context.Background(), domain.Lead{Client: "Meera", Amount: "2,00,000", Agent: "AGENT_001"})
	if res.Success {
		t.Fatal("submit must not report success when the store rejects the write")
	}
	if !res.LocalOnly || res.Reason != ReasonWriteNotAcknowledged {
		t.Fatalf("result = %+v, want local-only outcome", res)
	}
	if res.Lead.ID == "" || res.Lead.Status != workflow.StageSubmitted {
		t.Fatalf("lead = %+v, want generated id and Submitted status", res.Lead)
	}
	if res.Lead.Value != 200000 {
		t.Fatalf("value = %v, want 200000", res.Lead.Value)
	}

	leads := r.Leads()
	if len(leads) != 1 || leads[0].ID != res.Lead.ID {
		t.Fatalf("cache = %+v, optimistic copy must be visible", leads)
	}
	bk.mu.Lock()
	saved := len(bk.leads)
	bk.mu.Unlock()
	if saved != 1 {
		t.Fatalf("backup rows = %d, optimistic copy must be durable", saved)
	}
}

func TestSubmitDefaults(t *testing.T) {
	st := &memStore{}
	r := newTestReconciler(t, st, nil)
	res := r.Submit(context.Background(), domain.Lead{})
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	l := res.Lead
	if l.Client != normalize.DefaultClient || l.Product != normalize.DefaultProduct {
		t.Fatalf("lead = %+v, want defaulted client and product", l)
	}
	if l.Agent != domain.AgentSystem || l.Priority != domain.PriorityNormal {
		t.Fatalf("lead = %+v, want defaulted agent and priority", l)
	}
	if l.CreatedAt == "" || l.SourceID != l.ID {
		t.Fatalf("lead = %+v, want created_at and source id set", l)
	}
}

func TestQueryAgentScoping(t *testing.T) {
	st := &memStore{rows: []store.RawRecord{
		row("L-1", "Asha", "Submitted", "AGENT_001"),
		row("L-2", "Vikram", "Login", "AGENT_002"),
		row("L-3", "Shared Co", "Submitted", ""),
		row("L-4", "Seeded", "Submitted", "System"),
	}}
	r := newTestReconciler(t, st, nil)
	if _, err := r.Sync(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}

	res := r.Query(QueryFilter{Agent: "AGENT_001"})
	if len(res.Leads) != 3 || res.Total != 4 {
		t.Fatalf("result = %+v, want own + shared leads over total 4", res)
	}
	for _, l := range res.Leads {
		if l.ID == "L-2" {
			t.Fatal("AGENT_001 must not see AGENT_002's lead")
		}
	}

	for _, agent := range []string{"", "ADMIN", "admin"} {
		res = r.Query(QueryFilter{Agent: agent})
		if len(res.Leads) != 4 {
			t.Fatalf("agent %q: leads = %d, want unscoped view", agent, len(res.Leads))
		}
	}

	res = r.Query(QueryFilter{Agent: "AGENT_999"})
	if len(res.Leads) != 2 {
		t.Fatalf("unknown agent still sees shared leads, got %d", len(res.Leads))
	}
}

func TestQueryFilterExcludedAll(t *testing.T) {
	st := &memStore{rows: []store.RawRecord{row("L-1", "Asha", "Submitted", "AGENT_001")}}
	r := newTestReconciler(t, st, nil)
	if _, err := r.Sync(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}
	res := r.Query(QueryFilter{Agent: "AGENT_002"})
	if !res.FilterExcludedAll || res.Total != 1 || len(res.Leads) != 0 {
		t.Fatalf("result = %+v, want empty view flagged as filter-excluded", res)
	}

	r.mu.Lock()
	r.cache = nil
	r.mu.Unlock()
	res = r.Query(QueryFilter{Agent: "AGENT_002"})
	if res.FilterExcludedAll {
		t.Fatal("empty cache must not report filter exclusion")
	}
}

func TestAppendNoteKeepsPrior(t *testing.T) {
	st := &memStore{rows: []store.RawRecord{row("L-1", "Asha", "Submitted", "AGENT_001")}}
	r := newTestReconciler(t, st, nil)
	if _, err := r.Sync(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res := r.AppendNote(context.Background(), "L-1", "first call done", "AGENT_001"); !res.Success {
		t.Fatalf("first note: %+v", res)
	}
	res := r.AppendNote(context.Background(), "L-1", "docs requested", "AGENT_001")
	if !res.Success {
		t.Fatalf("second note: %+v", res)
	}
	if want := "first call done\ndocs requested"; res.Lead.Note != want {
		t.Fatalf("note = %q, want %q", res.Lead.Note, want)
	}
}

func TestSubscriberSeesStateChanges(t *testing.T) {
	st := &memStore{rows: []store.RawRecord{row("L-1", "Asha", "Submitted", "")}}
	r := newTestReconciler(t, st, nil)

	var mu sync.Mutex
	var states []SyncState
	r.Subscribe(func(s Snapshot) {
		mu.Lock()
		states = append(states, s.State)
		mu.Unlock()
	})

	if _, err := r.Sync(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(states) < 2 || states[0] != StateLoading || states[len(states)-1] != StateLoaded {
		t.Fatalf("states = %v, want loading then loaded", states)
	}
}

func TestNewPrimesCacheFromBackup(t *testing.T) {
	bk := &memBackup{leads: []domain.Lead{{ID: "L-1", Client: "Asha", Status: "Login"}}}
	r := newTestReconciler(t, &memStore{failAll: true}, bk)
	if leads := r.Leads(); len(leads) != 1 || leads[0].ID != "L-1" {
		t.Fatalf("leads = %+v, want backup-primed cache before first sync", leads)
	}
	if got := r.State().State; got != StateIdle {
		t.Fatalf("state = %s, want %s", got, StateIdle)
	}
}

func TestMergeLeads(t *testing.T) {
	older := []domain.Lead{{ID: "A", Status: "Submitted"}, {ID: "B", Status: "Login"}}
	newer := []domain.Lead{{ID: "B", Status: "Sanctioned"}, {ID: "C", Status: "Submitted"}}
	merged := MergeLeads(older, newer)
	if len(merged) != 3 {
		t.Fatalf("merged = %+v, want 3 entries", merged)
	}
	if merged[0].ID != "A" || merged[1].ID != "B" || merged[2].ID != "C" {
		t.Fatalf("order = %+v, want stable order with appends last", merged)
	}
	if merged[1].Status != "Sanctioned" {
		t.Fatalf("B = %+v, newer entry must win", merged[1])
	}
}
