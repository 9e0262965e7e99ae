// Package workflow is the single source of truth for the legal lead
// lifecycle. The stage table is data; the graph only answers questions
// about it.
package workflow

import (
	"fmt"
)

// Well-known stage codes the graph invariants are anchored on.
const (
	StageSubmitted = "Submitted"
	StageRejected  = "Rejected"
)

// Stage is one named point in the lead lifecycle.
type Stage struct {
	Code       string `json:"code" yaml:"code"`
	Label      string `json:"label" yaml:"label"`
	Progress   int    `json:"progress" yaml:"progress"`
	Role       string `json:"role" yaml:"role"`
	AdvanceTo  string `json:"advance_to,omitempty" yaml:"advance_to"`
	FailTo     string `json:"fail_to,omitempty" yaml:"fail_to"`
	OptionalTo string `json:"optional_to,omitempty" yaml:"optional_to"`
	Final      bool   `json:"final,omitempty" yaml:"final"`
}

// Graph is a static directed graph over a stage table. It holds no
// mutable state; all methods are pure lookups.
type Graph struct {
	stages []Stage
	index  map[string]int
}

// New builds a graph from a stage table and checks its invariants:
// Submitted and Rejected exist, Rejected is terminal, every edge points at
// a known stage, terminal stages carry no outgoing edges, and every stage
// is reachable from Submitted.
func New(stages []Stage) (*Graph, error) {
	if len(stages) == 0 {
		return nil, fmt.Errorf("workflow: empty stage table")
	}
	index := make(map[string]int, len(stages))
	for i, s := range stages {
		if s.Code == "" {
			return nil, fmt.Errorf("workflow: stage %d has empty code", i)
		}
		if _, dup := index[s.Code]; dup {
			return nil, fmt.Errorf("workflow: duplicate stage code %s", s.Code)
		}
		if s.Progress < 0 || s.Progress > 100 {
			return nil, fmt.Errorf("workflow: stage %s progress %d out of range", s.Code, s.Progress)
		}
		index[s.Code] = i
	}
	if _, ok := index[StageSubmitted]; !ok {
		return nil, fmt.Errorf("workflow: stage %s is required", StageSubmitted)
	}
	ri, ok := index[StageRejected]
	if !ok {
		return nil, fmt.Errorf("workflow: stage %s is required", StageRejected)
	}
	if !stages[ri].Final {
		return nil, fmt.Errorf("workflow: stage %s must be terminal", StageRejected)
	}
	for _, s := range stages {
		for _, to := range []string{s.AdvanceTo, s.FailTo, s.OptionalTo} {
			if to == "" {
				continue
			}
			if s.Final {
				return nil, fmt.Errorf("workflow: terminal stage %s has outgoing edge to %s", s.Code, to)
			}
			if _, ok := index[to]; !ok {
				return nil, fmt.Errorf("workflow: stage %s points at unknown stage %s", s.Code, to)
			}
		}
	}
	g := &Graph{stages: stages, index: index}
	if err := g.checkReachable(); err != nil {
		return nil, err
	}
	return g, nil
}

// checkReachable walks advance/fail/optional edges plus the implicit
// Rejected exit from Submitted and requires every stage to be visited.
func (g *Graph) checkReachable() error {
	seen := map[string]bool{StageSubmitted: true}
	queue := []string{StageSubmitted}
	for len(queue) > 0 {
		code := queue[0]
		queue = queue[1:]
		for _, next := range g.NextOptions(code) {
			if !seen[next.Code] {
				seen[next.Code] = true
				queue = append(queue, next.Code)
			}
		}
	}
	for _, s := range g.stages {
		if !seen[s.Code] {
			return fmt.Errorf("workflow: stage %s unreachable from %s", s.Code, StageSubmitted)
		}
	}
	return nil
}

// Stages returns the stage table in declaration order.
func (g *Graph) Stages() []Stage {
	out := make([]Stage, len(g.stages))
	copy(out, g.stages)
	return out
}

// Known reports whether code is part of the stage table.
func (g *Graph) Known(code string) bool {
	_, ok := g.index[code]
	return ok
}

// GetStage returns the stage definition for code. Unknown codes return a
// synthetic non-terminal stage so callers tolerate ad hoc status strings
// introduced upstream.
func (g *Graph) GetStage(code string) Stage {
	if i, ok := g.index[code]; ok {
		return g.stages[i]
	}
	return Stage{Code: code, Label: code}
}

// NextOptions returns the legal next stages from code, in rendering order:
// advance, fail, optional, then Rejected appended unless the stage is
// terminal or already Rejected. The first entry is the primary action.
func (g *Graph) NextOptions(code string) []Stage {
	current := g.GetStage(code)
	var options []Stage
	if current.AdvanceTo != "" {
		options = append(options, g.GetStage(current.AdvanceTo))
	}
	if current.FailTo != "" {
		options = append(options, g.GetStage(current.FailTo))
	}
	if current.OptionalTo != "" {
		options = append(options, g.GetStage(current.OptionalTo))
	}
	if !current.Final && current.Code != StageRejected {
		options = append(options, g.GetStage(StageRejected))
	}
	return options
}

// IsValidTransition reports whether from → to is legal. Self-transitions
// are idempotent no-ops and always allowed. An unknown from-stage is
// allowed so administrators can force a corrective state over
// inconsistent data; known terminal stages still reject everything.
func (g *Graph) IsValidTransition(from, to string) bool {
	if from == to {
		return true
	}
	if !g.Known(from) {
		return true
	}
	for _, s := range g.NextOptions(from) {
		if s.Code == to {
			return true
		}
	}
	return false
}

// Progress returns the happy-path progress percentage for code.
func (g *Graph) Progress(code string) int {
	return g.GetStage(code).Progress
}

// Default returns the built-in loan lifecycle.
func Default() *Graph {
	g, err := New(DefaultStages())
	if err != nil {
		// The built-in table is validated by tests; reaching this is a
		// programming error.
		panic(err)
	}
	return g
}

// DefaultStages is the built-in stage table. Deployments override it via
// the workflow section of the config file.
func DefaultStages() []Stage {
	return []Stage{
		{Code: "Submitted", Label: "Lead Submitted", Progress: 10, Role: "Agent", AdvanceTo: "Docs_Validation"},
		{Code: "Docs_Validation", Label: "Document Verification", Progress: 20, Role: "Ops", AdvanceTo: "Login", FailTo: "Docs_Pending"},
		{Code: "Docs_Pending", Label: "Docs Pending (Action Req)", Progress: 15, Role: "Agent", AdvanceTo: "Docs_Validation"},
		{Code: "Login", Label: "Bank Login Done", Progress: 30, Role: "Admin", AdvanceTo: "Credit_Review"},
		{Code: "Credit_Review", Label: "Underwriting", Progress: 45, Role: "Credit", AdvanceTo: "Sanctioned", FailTo: "Rejected", OptionalTo: "PD_Scheduled"},
		{Code: "PD_Scheduled", Label: "Field Investigation", Progress: 55, Role: "Field", AdvanceTo: "Credit_Review"},
		{Code: "Sanctioned", Label: "Sanction Letter Issued", Progress: 70, Role: "Admin", AdvanceTo: "Offer_Accepted"},
		{Code: "Offer_Accepted", Label: "Offer Accepted by Client", Progress: 80, Role: "Agent", AdvanceTo: "Agreement_Stage"},
		{Code: "Agreement_Stage", Label: "Agreement & eNACH", Progress: 90, Role: "Ops", AdvanceTo: "Disbursed"},
		{Code: "Disbursed", Label: "Funds Disbursed", Progress: 100, Role: "Finance", Final: true},
		{Code: "Rejected", Label: "File Closed / Rejected", Progress: 100, Role: "System", Final: true},
	}
}
