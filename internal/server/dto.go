package server

import (
	"encoding/json"

	"leadflow/internal/domain"
	"leadflow/internal/reconciler"
	"leadflow/internal/workflow"
)

// Request payloads

type SubmitLeadRequest struct {
	ID       string `json:"id,omitempty"`
	Client   string `json:"client,omitempty"`
	Phone    string `json:"phone,omitempty"`
	Amount   string `json:"amount,omitempty"`
	Product  string `json:"product,omitempty"`
	Agent    string `json:"agent,omitempty"`
	Cibil    int    `json:"cibil,omitempty"`
	Priority string `json:"priority,omitempty" enum:"NORMAL,URGENT,HIGH_NET"`
	Note     string `json:"note,omitempty"`
}

type TransitionRequest struct {
	Status string `json:"status"`
	Agent  string `json:"agent,omitempty"`
}

type NoteRequest struct {
	Note  string `json:"note"`
	Agent string `json:"agent,omitempty"`
}

// Response payloads

type LeadResponse struct {
	ID         string  `json:"id"`
	Client     string  `json:"client"`
	Phone      string  `json:"phone,omitempty"`
	Amount     string  `json:"amount"`
	Value      float64 `json:"value"`
	Product    string  `json:"product"`
	Status     string  `json:"status"`
	StageLabel string  `json:"stage_label,omitempty"`
	Progress   int     `json:"progress"`
	Agent      string  `json:"agent"`
	Cibil      int     `json:"cibil,omitempty"`
	Priority   string  `json:"priority"`
	Note       string  `json:"note,omitempty"`
	CreatedAt  string  `json:"created_at"`
}

type LeadListResponse struct {
	Leads             []LeadResponse `json:"leads"`
	Total             int            `json:"total"`
	FilterExcludedAll bool           `json:"filter_excluded_all,omitempty"`
}

type WriteResponse struct {
	Success   bool         `json:"success"`
	LocalOnly bool         `json:"local_only,omitempty"`
	Reason    string       `json:"reason,omitempty"`
	Lead      LeadResponse `json:"lead"`
}

type EventResponse struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts" format:"date-time"`
	Type    string         `json:"type"`
	LeadID  string         `json:"lead_id"`
	Actor   string         `json:"actor"`
	Payload map[string]any `json:"payload,omitempty"`
}

type StageResponse struct {
	Code       string `json:"code"`
	Label      string `json:"label"`
	Progress   int    `json:"progress"`
	Role       string `json:"role,omitempty"`
	AdvanceTo  string `json:"advance_to,omitempty"`
	FailTo     string `json:"fail_to,omitempty"`
	OptionalTo string `json:"optional_to,omitempty"`
	Final      bool   `json:"final,omitempty"`
}

type ProductResponse struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Group string `json:"group,omitempty"`
}

type SyncResponse struct {
	State     string `json:"state"`
	Leads     int    `json:"leads"`
	LastError string `json:"last_error,omitempty"`
	LastSync  string `json:"last_sync,omitempty" format:"date-time"`
}

func domainLead(req SubmitLeadRequest) domain.Lead {
	return domain.Lead{
		ID:       req.ID,
		Client:   req.Client,
		Phone:    req.Phone,
		Amount:   req.Amount,
		Product:  req.Product,
		Agent:    req.Agent,
		Cibil:    req.Cibil,
		Priority: req.Priority,
		Note:     req.Note,
	}
}

func leadResponse(g *workflow.Graph, l domain.Lead) LeadResponse {
	stage := g.GetStage(l.Status)
	return LeadResponse{
		ID:         l.ID,
		Client:     l.Client,
		Phone:      l.Phone,
		Amount:     l.Amount,
		Value:      l.Value,
		Product:    l.Product,
		Status:     l.Status,
		StageLabel: stage.Label,
		Progress:   stage.Progress,
		Agent:      l.Agent,
		Cibil:      l.Cibil,
		Priority:   l.Priority,
		Note:       l.Note,
		CreatedAt:  l.CreatedAt,
	}
}

func mapLeads(g *workflow.Graph, leads []domain.Lead) []LeadResponse {
	out := make([]LeadResponse, 0, len(leads))
	for _, l := range leads {
		out = append(out, leadResponse(g, l))
	}
	return out
}

func writeResponse(g *workflow.Graph, res reconciler.WriteResult) WriteResponse {
	return WriteResponse{
		Success:   res.Success,
		LocalOnly: res.LocalOnly,
		Reason:    res.Reason,
		Lead:      leadResponse(g, res.Lead),
	}
}

func eventResponse(e domain.LeadEvent) EventResponse {
	var payload map[string]any
	if e.Payload != "" {
		_ = json.Unmarshal([]byte(e.Payload), &payload)
	}
	return EventResponse{
		ID:      e.ID,
		TS:      e.TS,
		Type:    e.Type,
		LeadID:  e.LeadID,
		Actor:   e.Actor,
		Payload: payload,
	}
}

func stageResponse(s workflow.Stage) StageResponse {
	return StageResponse{
		Code:       s.Code,
		Label:      s.Label,
		Progress:   s.Progress,
		Role:       s.Role,
		AdvanceTo:  s.AdvanceTo,
		FailTo:     s.FailTo,
		OptionalTo: s.OptionalTo,
		Final:      s.Final,
	}
}

func mapStages(stages []workflow.Stage) []StageResponse {
	out := make([]StageResponse, 0, len(stages))
	for _, s := range stages {
		out = append(out, stageResponse(s))
	}
	return out
}

func snapshotResponse(s reconciler.Snapshot) SyncResponse {
	resp := SyncResponse{
		State:     string(s.State),
		Leads:     s.Leads,
		LastError: s.LastError,
	}
	if !s.LastSync.IsZero() {
		resp.LastSync = s.LastSync.UTC().Format("2006-01-02T15:04:05Z07:00")
	}
	return resp
}
