// Package normalize maps heterogeneous raw records into the canonical
// Lead shape. Sources disagree on key names, casing, and value types; one
// declarative alias table plus hard defaults absorbs all of it, so a
// malformed row degrades to a usable lead instead of aborting a sync.
package normalize

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"leadflow/internal/domain"
	"leadflow/internal/store"
)

// Ordered candidate keys per canonical field, matched case-insensitively.
// The first non-empty value wins. The canonical key leads each list so
// re-ingesting an already-canonical record is stable.
var (
	idKeys       = []string{"id", "lead_id", "lead id", "ref_no"}
	clientKeys   = []string{"client", "client_name", "name", "customer name", "applicant"}
	phoneKeys    = []string{"phone", "mobile", "contact", "mobile no"}
	amountKeys   = []string{"amount", "loan_amount", "requested_amount", "amt"}
	productKeys  = []string{"product", "type", "loan_type", "category"}
	statusKeys   = []string{"status", "current_status", "stage", "application_status"}
	agentKeys    = []string{"agent", "agent_name", "sourced_by", "agent id"}
	dateKeys     = []string{"created_at", "date", "timestamp"}
	noteKeys     = []string{"note", "notes", "remarks", "comments"}
	cibilKeys    = []string{"cibil", "score", "credit_score"}
	priorityKeys = []string{"priority"}
)

// Defaults applied when no candidate key resolves.
const (
	DefaultClient  = "Unknown Client"
	DefaultProduct = "BL"
	DefaultStatus  = "Submitted"
)

var now = time.Now

// Lead normalizes a raw record into the canonical shape. It never fails:
// missing or malformed fields fall back to defaults.
func Lead(raw store.RawRecord) domain.Lead {
	lower := lowerKeys(raw)

	id := pick(lower, idKeys)
	if id == "" {
		id = NewID()
	}
	client := pick(lower, clientKeys)
	if client == "" {
		client = DefaultClient
	}
	amount := pick(lower, amountKeys)
	if amount == "" {
		amount = "0"
	}
	status := pick(lower, statusKeys)
	if status == "" {
		status = DefaultStatus
	}
	agent := pick(lower, agentKeys)
	if agent == "" {
		agent = domain.AgentSystem
	}
	product := pick(lower, productKeys)
	if product == "" {
		product = DefaultProduct
	}
	createdAt := pick(lower, dateKeys)
	if createdAt == "" {
		createdAt = now().UTC().Format(time.RFC3339)
	}

	return domain.Lead{
		ID:        id,
		Client:    client,
		Phone:     pick(lower, phoneKeys),
		Amount:    amount,
		Value:     ParseAmount(amount),
		Product:   product,
		Status:    status,
		Agent:     agent,
		Cibil:     parseInt(pick(lower, cibilKeys)),
		Priority:  priority(pick(lower, priorityKeys)),
		Note:      pick(lower, noteKeys),
		CreatedAt: createdAt,
		SourceID:  id,
	}
}

// Record flattens a canonical lead back into a raw record for writes.
func Record(lead domain.Lead) store.RawRecord {
	data, err := json.Marshal(lead)
	if err != nil {
		return store.RawRecord{"id": lead.ID}
	}
	var rec store.RawRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return store.RawRecord{"id": lead.ID}
	}
	return rec
}

// IsAdministrative reports whether a raw row is a non-lead payload (chat
// or log records share the lead table in some sources).
func IsAdministrative(raw store.RawRecord) bool {
	lower := lowerKeys(raw)
	switch strings.ToUpper(coerce(lower["type"])) {
	case "CHAT", "LOG":
		return true
	}
	return false
}

// NewID generates a client-side lead id.
func NewID() string {
	return "L-" + strings.ToUpper(uuid.NewString()[:6])
}

// ParseAmount strips every non-digit, non-dot rune and parses the rest,
// so "₹ 1,50,000" and 150000 both land on the same number.
func ParseAmount(s string) float64 {
	var b strings.Builder
	for _, r := range s {
		if (r >= '0' && r <= '9') || r == '.' {
			b.WriteRune(r)
		}
	}
	v, err := strconv.ParseFloat(b.String(), 64)
	if err != nil {
		return 0
	}
	return v
}

func priority(s string) string {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case domain.PriorityUrgent:
		return domain.PriorityUrgent
	case domain.PriorityHighNet:
		return domain.PriorityHighNet
	default:
		return domain.PriorityNormal
	}
}

func parseInt(s string) int {
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return int(ParseAmount(s))
	}
	return v
}

// lowerKeys folds keys case-insensitively. Duplicates that collapse to
// the same key are resolved in sorted key order with non-empty values
// winning, so the outcome never depends on map iteration order.
func lowerKeys(raw store.RawRecord) map[string]any {
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lower := make(map[string]any, len(raw))
	for _, k := range keys {
		key := strings.ToLower(strings.TrimSpace(k))
		if prev, ok := lower[key]; ok && coerce(prev) != "" {
			continue
		}
		lower[key] = raw[k]
	}
	return lower
}

func pick(lower map[string]any, keys []string) string {
	for _, k := range keys {
		if v, ok := lower[k]; ok {
			if s := coerce(v); s != "" {
				return s
			}
		}
	}
	return ""
}

// coerce flattens any raw value to a string. Numbers keep their shortest
// decimal form; nil and empty values collapse to "".
func coerce(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	case json.Number:
		return t.String()
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return strings.Trim(string(data), `"`)
	}
}
