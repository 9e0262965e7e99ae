// Package reconciler is the single ingress/egress point for lead data.
// It normalizes raw rows from the active backing store, keeps the
// in-memory cache and the local last-known-good snapshot loosely
// consistent with it, and validates every status change against the
// workflow graph.
package reconciler

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"leadflow/internal/domain"
	"leadflow/internal/events"
	"leadflow/internal/normalize"
	"leadflow/internal/store"
	"leadflow/internal/workflow"
)

// SyncState is the component-level state machine.
type SyncState string

const (
	StateIdle     SyncState = "idle"
	StateLoading  SyncState = "loading"
	StateRetrying SyncState = "retrying"
	StateLoaded   SyncState = "loaded"
	StateError    SyncState = "error"
)

// AdminSentinel in a query filter bypasses agent scoping.
const AdminSentinel = "ADMIN"

// Structured failure reasons returned across the public API. Failures
// here are expected operating conditions, not exceptions.
const (
	ReasonNotFound             = "not_found"
	ReasonInvalidTransition    = "invalid_transition"
	ReasonWriteNotAcknowledged = "write_not_acknowledged"
)

// BackupStore persists the last successfully synced leads so a failing
// source degrades to stale data instead of a blank state.
type BackupStore interface {
	SaveBackup(ctx context.Context, leads []domain.Lead) error
	LoadBackup(ctx context.Context) ([]domain.Lead, error)
}

// AuditSink is optionally implemented by backing stores that accept
// audit entries (the remote store does); deliveries are best effort.
type AuditSink interface {
	WriteAudit(ctx context.Context, entry map[string]any) error
}

// Config wires a Reconciler.
type Config struct {
	Store  store.Store
	Backup BackupStore
	Graph  *workflow.Graph
	Events *events.Writer

	// MaxAttempts bounds automatic sync retries; BackoffBase is the
	// first retry delay and doubles per attempt.
	MaxAttempts  int
	BackoffBase  time.Duration
	FetchTimeout time.Duration

	Logger *log.Logger
	Now    func() time.Time
}

// Snapshot is the observable component state.
type Snapshot struct {
	State     SyncState `json:"state"`
	LastError string    `json:"last_error,omitempty"`
	LastSync  time.Time `json:"last_sync,omitempty"`
	Leads     int       `json:"leads"`
}

// QueryFilter scopes reads to an agent. Empty or ADMIN sees everything.
type QueryFilter struct {
	Agent string
}

// QueryResult carries the filtered view plus the unfiltered total so a
// caller can tell "no leads" apart from "filter excluded everything".
type QueryResult struct {
	Leads             []domain.Lead `json:"leads"`
	Total             int           `json:"total"`
	FilterExcludedAll bool          `json:"filter_excluded_all,omitempty"`
}

// WriteResult is the structured outcome of submit/transition/note
// operations. LocalOnly marks a write that succeeded optimistically but
// was not acknowledged by the backing store.
type WriteResult struct {
	Success   bool        `json:"success"`
	LocalOnly bool        `json:"local_only,omitempty"`
	Reason    string      `json:"reason,omitempty"`
	Lead      domain.Lead `json:"lead"`
}

type Reconciler struct {
	store        store.Store
	backup       BackupStore
	graph        *workflow.Graph
	events       *events.Writer
	maxAttempts  int
	backoffBase  time.Duration
	fetchTimeout time.Duration
	logger       *log.Logger
	now          func() time.Time

	mu       sync.Mutex
	cache    []domain.Lead
	state    SyncState
	lastErr  string
	lastSync time.Time
	seq      uint64
	subs     []func(Snapshot)
}

// New builds a reconciler and primes the cache from the backup snapshot
// so readers see last-known-good data before the first sync lands.
func New(cfg Config) (*Reconciler, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("reconciler: store is required")
	}
	if cfg.Graph == nil {
		return nil, fmt.Errorf("reconciler: workflow graph is required")
	}
	r := &Reconciler{
		store:        cfg.Store,
		backup:       cfg.Backup,
		graph:        cfg.Graph,
		events:       cfg.Events,
		maxAttempts:  cfg.MaxAttempts,
		backoffBase:  cfg.BackoffBase,
		fetchTimeout: cfg.FetchTimeout,
		logger:       cfg.Logger,
		now:          cfg.Now,
		state:        StateIdle,
	}
	if r.maxAttempts <= 0 {
		r.maxAttempts = 3
	}
	if r.backoffBase <= 0 {
		r.backoffBase = time.Second
	}
	if r.fetchTimeout <= 0 {
		r.fetchTimeout = 10 * time.Second
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.backup != nil {
		if leads, err := r.backup.LoadBackup(context.Background()); err == nil && len(leads) > 0 {
			r.cache = leads
		}
	}
	return r, nil
}

// Graph exposes the workflow graph the reconciler validates against.
func (r *Reconciler) Graph() *workflow.Graph { return r.graph }

// Subscribe registers an observer called after every state or cache
// change. Rendering hangs off this, never off the operations themselves.
func (r *Reconciler) Subscribe(fn func(Snapshot)) {
	r.mu.Lock()
	r.subs = append(r.subs, fn)
	r.mu.Unlock()
}

// State returns the current component snapshot.
func (r *Reconciler) State() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// Leads returns a copy of the cached canonical leads.
func (r *Reconciler) Leads() []domain.Lead {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Lead, len(r.cache))
	copy(out, r.cache)
	return out
}

// Sync fetches the authoritative lead table, normalizes it, and replaces
// the cache wholesale. Transient failures retry with exponential backoff;
// exhausted retries fall back to the last-known-good snapshot and park
// the component in the error state until the next explicit call. The
// returned leads are always usable, possibly stale; the error reports a
// degraded sync.
func (r *Reconciler) Sync(ctx context.Context) ([]domain.Lead, error) {
	seq := r.begin()
	backoff := r.backoffBase
	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		leads, err := r.fetchAndNormalize(ctx)
		if err == nil {
			if r.complete(seq, leads) {
				r.persistBackup(ctx)
			}
			return r.Leads(), nil
		}
		lastErr = err
		r.logf("sync attempt %d/%d failed: %v", attempt, r.maxAttempts, err)
		if attempt == r.maxAttempts {
			break
		}
		r.setState(seq, StateRetrying)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			lastErr = ctx.Err()
			attempt = r.maxAttempts
		}
		backoff *= 2
		r.setState(seq, StateLoading)
	}
	r.fail(ctx, seq, lastErr)
	return r.Leads(), fmt.Errorf("sync failed after %d attempts: %w", r.maxAttempts, lastErr)
}

// Retry is an explicit manual retry out of the error state.
func (r *Reconciler) Retry(ctx context.Context) ([]domain.Lead, error) {
	return r.Sync(ctx)
}

func (r *Reconciler) fetchAndNormalize(ctx context.Context) ([]domain.Lead, error) {
	fctx, cancel := context.WithTimeout(ctx, r.fetchTimeout)
	defer cancel()
	rows, err := r.store.FetchAll(fctx)
	if err != nil {
		return nil, err
	}
	leads := make([]domain.Lead, 0, len(rows))
	for _, row := range rows {
		if normalize.IsAdministrative(row) {
			continue
		}
		leads = append(leads, normalize.Lead(row))
	}
	return leads, nil
}

// Query returns the agent-scoped view. Shared leads (agent System or
// empty) are visible to everyone.
func (r *Reconciler) Query(filter QueryFilter) QueryResult {
	leads := r.Leads()
	agent := strings.TrimSpace(filter.Agent)
	if agent == "" || strings.EqualFold(agent, AdminSentinel) {
		return QueryResult{Leads: leads, Total: len(leads)}
	}
	scoped := make([]domain.Lead, 0, len(leads))
	for _, l := range leads {
		owner := strings.TrimSpace(l.Agent)
		if owner == "" || strings.EqualFold(owner, domain.AgentSystem) || strings.EqualFold(owner, agent) {
			scoped = append(scoped, l)
		}
	}
	return QueryResult{
		Leads:             scoped,
		Total:             len(leads),
		FilterExcludedAll: len(scoped) == 0 && len(leads) > 0,
	}
}

// Submit creates a lead. The optimistic copy always lands in the cache
// and the local snapshot so the submitting user sees it immediately;
// Success reflects the backing-store leg.
func (r *Reconciler) Submit(ctx context.Context, draft domain.Lead) WriteResult {
	if draft.ID == "" {
		draft.ID = normalize.NewID()
	}
	draft.Status = workflow.StageSubmitted
	if draft.Client == "" {
		draft.Client = normalize.DefaultClient
	}
	if draft.Agent == "" {
		draft.Agent = domain.AgentSystem
	}
	if draft.Product == "" {
		draft.Product = normalize.DefaultProduct
	}
	if draft.Priority == "" {
		draft.Priority = domain.PriorityNormal
	}
	if draft.Amount == "" {
		draft.Amount = "0"
	}
	draft.Value = normalize.ParseAmount(draft.Amount)
	if draft.CreatedAt == "" {
		draft.CreatedAt = r.now().UTC().Format(time.RFC3339)
	}
	if draft.SourceID == "" {
		draft.SourceID = draft.ID
	}

	writeErr := r.store.WriteRecord(ctx, normalize.Record(draft))

	r.mu.Lock()
	r.cache = MergeLeads(r.cache, []domain.Lead{draft})
	r.mu.Unlock()
	r.notify()
	r.persistBackup(ctx)
	r.appendEvent(ctx, events.TypeSubmitted, draft.ID, draft.Agent, events.Payload{"status": draft.Status})
	r.audit(ctx, "SUBMIT_LEAD", draft.Agent, map[string]any{"id": draft.ID})

	if writeErr != nil {
		r.logf("submit %s: store write failed: %v", draft.ID, writeErr)
		return WriteResult{LocalOnly: true, Reason: ReasonWriteNotAcknowledged, Lead: draft}
	}
	return WriteResult{Success: true, Lead: draft}
}

// Transition moves a lead to a new status. The cache is updated
// optimistically before the backing-store write; a failed write keeps
// the optimistic state and reports it, never reverts it.
func (r *Reconciler) Transition(ctx context.Context, id, newStatus, actor string) WriteResult {
	r.mu.Lock()
	idx := r.indexLocked(id)
	if idx < 0 {
		r.mu.Unlock()
		return WriteResult{Reason: ReasonNotFound}
	}
	from := r.cache[idx].Status
	if !r.graph.IsValidTransition(from, newStatus) {
		lead := r.cache[idx]
		r.mu.Unlock()
		return WriteResult{Reason: ReasonInvalidTransition, Lead: lead}
	}
	r.cache[idx].Status = newStatus
	lead := r.cache[idx]
	r.mu.Unlock()
	r.notify()
	r.persistBackup(ctx)
	r.appendEvent(ctx, events.TypeStatusChanged, id, actor, events.Payload{"from": from, "to": newStatus})
	r.audit(ctx, "UPDATE_STATUS", actor, map[string]any{"id": id, "from": from, "to": newStatus})

	if err := r.store.WriteRecord(ctx, store.StatusUpdate(id, newStatus)); err != nil {
		r.logf("transition %s -> %s: store write failed: %v", id, newStatus, err)
		return WriteResult{LocalOnly: true, Reason: ReasonWriteNotAcknowledged, Lead: lead}
	}
	return WriteResult{Success: true, Lead: lead}
}

// AppendNote appends a note to a lead without losing prior notes, and
// records it as a journey event.
func (r *Reconciler) AppendNote(ctx context.Context, id, note, actor string) WriteResult {
	r.mu.Lock()
	idx := r.indexLocked(id)
	if idx < 0 {
		r.mu.Unlock()
		return WriteResult{Reason: ReasonNotFound}
	}
	if prior := r.cache[idx].Note; prior != "" {
		r.cache[idx].Note = prior + "\n" + note
	} else {
		r.cache[idx].Note = note
	}
	lead := r.cache[idx]
	r.mu.Unlock()
	r.notify()
	r.persistBackup(ctx)
	r.appendEvent(ctx, events.TypeNoteAdded, id, actor, events.Payload{"note": note})

	if err := r.store.WriteRecord(ctx, store.NoteUpdate(id, note)); err != nil {
		r.logf("note %s: store write failed: %v", id, err)
		return WriteResult{LocalOnly: true, Reason: ReasonWriteNotAcknowledged, Lead: lead}
	}
	return WriteResult{Success: true, Lead: lead}
}

// Journey returns a lead's audit trail.
func (r *Reconciler) Journey(ctx context.Context, id string) ([]domain.LeadEvent, error) {
	if r.events == nil {
		return nil, nil
	}
	return r.events.ListByLead(ctx, id)
}

// MergeLeads merges two lead lists deduplicating by id; entries from
// newer replace collisions in older, fresh ids append in order.
func MergeLeads(older, newer []domain.Lead) []domain.Lead {
	out := make([]domain.Lead, len(older))
	copy(out, older)
	index := make(map[string]int, len(out))
	for i, l := range out {
		index[l.ID] = i
	}
	for _, l := range newer {
		if i, ok := index[l.ID]; ok {
			out[i] = l
			continue
		}
		index[l.ID] = len(out)
		out = append(out, l)
	}
	return out
}

func (r *Reconciler) indexLocked(id string) int {
	for i, l := range r.cache {
		if l.ID == id {
			return i
		}
	}
	return -1
}

// begin starts a sync cycle and returns its sequence number; a cycle
// whose sequence is no longer current must not touch the cache.
func (r *Reconciler) begin() uint64 {
	r.mu.Lock()
	r.seq++
	seq := r.seq
	r.state = StateLoading
	r.mu.Unlock()
	r.notify()
	return seq
}

func (r *Reconciler) setState(seq uint64, state SyncState) {
	r.mu.Lock()
	if seq != r.seq {
		r.mu.Unlock()
		return
	}
	r.state = state
	r.mu.Unlock()
	r.notify()
}

func (r *Reconciler) complete(seq uint64, leads []domain.Lead) bool {
	r.mu.Lock()
	if seq != r.seq {
		// A newer sync already landed; drop this stale result.
		r.mu.Unlock()
		return false
	}
	r.cache = leads
	r.state = StateLoaded
	r.lastErr = ""
	r.lastSync = r.now()
	r.mu.Unlock()
	r.notify()
	return true
}

// fail falls back to the last-known-good snapshot, keeping optimistic
// cache entries on top of it, and parks the state machine in error.
func (r *Reconciler) fail(ctx context.Context, seq uint64, err error) {
	var backup []domain.Lead
	if r.backup != nil {
		if leads, berr := r.backup.LoadBackup(ctx); berr == nil {
			backup = leads
		} else {
			r.logf("load backup failed: %v", berr)
		}
	}
	r.mu.Lock()
	if seq != r.seq {
		r.mu.Unlock()
		return
	}
	if len(backup) > 0 {
		r.cache = MergeLeads(backup, r.cache)
	}
	r.state = StateError
	if err != nil {
		r.lastErr = err.Error()
	}
	r.mu.Unlock()
	r.notify()
}

func (r *Reconciler) persistBackup(ctx context.Context) {
	if r.backup == nil {
		return
	}
	if err := r.backup.SaveBackup(ctx, r.Leads()); err != nil {
		r.logf("persist backup failed: %v", err)
	}
}

func (r *Reconciler) appendEvent(ctx context.Context, evtType, leadID, actor string, payload events.Payload) {
	if r.events == nil {
		return
	}
	if err := r.events.Append(ctx, evtType, leadID, actor, payload); err != nil {
		r.logf("append event %s for %s failed: %v", evtType, leadID, err)
	}
}

// audit ships an entry to the backing store when it accepts them.
func (r *Reconciler) audit(ctx context.Context, action, actor string, details map[string]any) {
	sink, ok := r.store.(AuditSink)
	if !ok {
		return
	}
	entry := map[string]any{
		"timestamp": r.now().UTC().Format(time.RFC3339),
		"user":      actor,
		"action":    action,
		"details":   details,
	}
	if err := sink.WriteAudit(ctx, entry); err != nil {
		r.logf("audit %s failed: %v", action, err)
	}
}

func (r *Reconciler) snapshotLocked() Snapshot {
	return Snapshot{
		State:     r.state,
		LastError: r.lastErr,
		LastSync:  r.lastSync,
		Leads:     len(r.cache),
	}
}

func (r *Reconciler) notify() {
	r.mu.Lock()
	snap := r.snapshotLocked()
	subs := make([]func(Snapshot), len(r.subs))
	copy(subs, r.subs)
	r.mu.Unlock()
	for _, fn := range subs {
		fn(snap)
	}
}

func (r *Reconciler) logf(format string, args ...any) {
	if r.logger != nil {
		r.logger.Printf("reconciler: "+format, args...)
		return
	}
	log.Printf("reconciler: "+format, args...)
}
