package domain

// Lead priorities.
const (
	PriorityNormal  = "NORMAL"
	PriorityUrgent  = "URGENT"
	PriorityHighNet = "HIGH_NET"
)

// AgentSystem marks leads visible to every agent.
const AgentSystem = "System"

// Lead is the canonical lead record. Raw rows from any backing store are
// normalized into this shape; every field except Value is a string so that
// heterogeneous sources (numbers, formatted strings, nulls) flatten uniformly.
type Lead struct {
	ID       string  `json:"id"`
	Client   string  `json:"client"`
	Phone    string  `json:"phone,omitempty"`
	Amount   string  `json:"amount"`
	Value    float64 `json:"value"`
	Product  string  `json:"product"`
	Status   string  `json:"status"`
	Agent    string  `json:"agent"`
	Cibil    int     `json:"cibil,omitempty"`
	Priority string  `json:"priority"`
	Note     string  `json:"note,omitempty"`
	// CreatedAt is RFC3339 so lexical order is chronological order.
	CreatedAt string `json:"created_at"`
	// SourceID identifies the raw record this lead was derived from,
	// used to deduplicate across sync cycles.
	SourceID string `json:"source_id,omitempty"`
}

// LeadEvent is one entry in a lead's journey (status changes, notes, audits).
type LeadEvent struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts" format:"date-time"`
	Type    string `json:"type"`
	LeadID  string `json:"lead_id"`
	Actor   string `json:"actor"`
	Payload string `json:"payload_json"`
}

// Product is a catalog entry for a loan/investment/insurance product.
type Product struct {
	ID    string `json:"id" yaml:"id"`
	Name  string `json:"name" yaml:"name"`
	Group string `json:"group" yaml:"group"`
}
