package leadflowsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Leadflow HTTP API client.
type Client struct {
	BaseURL    string
	Agent      string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Lead represents the API lead model.
type Lead struct {
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

// LeadList wraps the scoped listing and its diagnostics.
type LeadList struct {
	Leads             []Lead `json:"leads"`
	Total             int    `json:"total"`
	FilterExcludedAll bool   `json:"filter_excluded_all"`
}

// WriteOutcome is the structured result of submit/status/note calls.
type WriteOutcome struct {
	Success   bool   `json:"success"`
	LocalOnly bool   `json:"local_only"`
	Reason    string `json:"reason"`
	Lead      Lead   `json:"lead"`
}

// Event represents a journey entry.
type Event struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts"`
	Type    string         `json:"type"`
	LeadID  string         `json:"lead_id"`
	Actor   string         `json:"actor"`
	Payload map[string]any `json:"payload"`
}

// Stage represents a workflow stage definition.
type Stage struct {
	Code       string `json:"code"`
	Label      string `json:"label"`
	Progress   int    `json:"progress"`
	Role       string `json:"role"`
	AdvanceTo  string `json:"advance_to"`
	FailTo     string `json:"fail_to"`
	OptionalTo string `json:"optional_to"`
	Final      bool   `json:"final"`
}

// Product represents a catalog entry.
type Product struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Group string `json:"group"`
}

// SyncState is the sync component snapshot.
type SyncState struct {
	State     string `json:"state"`
	Leads     int    `json:"leads"`
	LastError string `json:"last_error"`
	LastSync  string `json:"last_sync"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// ListLeads returns leads scoped to the client's agent (unscoped when
// Agent is empty or ADMIN).
func (c *Client) ListLeads(ctx context.Context) (LeadList, error) {
	endpoint := "v0/leads"
	if c.Agent != "" {
		endpoint = fmt.Sprintf("%s?agent=%s", endpoint, url.QueryEscape(c.Agent))
	}
	var resp LeadList
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// SubmitLead creates a lead.
func (c *Client) SubmitLead(ctx context.Context, lead Lead) (WriteOutcome, error) {
	body := map[string]any{
		"client":   lead.Client,
		"phone":    lead.Phone,
		"amount":   lead.Amount,
		"product":  lead.Product,
		"cibil":    lead.Cibil,
		"priority": lead.Priority,
		"note":     lead.Note,
		"agent":    c.actor(lead.Agent),
	}
	var resp WriteOutcome
	err := c.do(ctx, http.MethodPost, "v0/leads", body, &resp)
	return resp, err
}

// UpdateStatus moves a lead to a new workflow stage.
func (c *Client) UpdateStatus(ctx context.Context, id, status string) (WriteOutcome, error) {
	body := map[string]any{"status": status, "agent": c.Agent}
	var resp WriteOutcome
	endpoint := fmt.Sprintf("v0/leads/%s/status", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// AddNote appends a note to a lead.
func (c *Client) AddNote(ctx context.Context, id, note string) (WriteOutcome, error) {
	body := map[string]any{"note": note, "agent": c.Agent}
	var resp WriteOutcome
	endpoint := fmt.Sprintf("v0/leads/%s/notes", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Journey returns a lead's event timeline.
func (c *Client) Journey(ctx context.Context, id string) ([]Event, error) {
	var resp []Event
	endpoint := fmt.Sprintf("v0/leads/%s/journey", url.PathEscape(id))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Sync triggers a sync cycle and returns the resulting state.
func (c *Client) Sync(ctx context.Context) (SyncState, error) {
	var resp SyncState
	err := c.do(ctx, http.MethodPost, "v0/sync", nil, &resp)
	return resp, err
}

// State returns the sync component snapshot.
func (c *Client) State(ctx context.Context) (SyncState, error) {
	var resp SyncState
	err := c.do(ctx, http.MethodGet, "v0/state", nil, &resp)
	return resp, err
}

// Stages returns the workflow stage catalog.
func (c *Client) Stages(ctx context.Context) ([]Stage, error) {
	var resp []Stage
	err := c.do(ctx, http.MethodGet, "v0/workflow/stages", nil, &resp)
	return resp, err
}

// NextOptions returns the legal next stages from code.
func (c *Client) NextOptions(ctx context.Context, code string) ([]Stage, error) {
	var resp []Stage
	endpoint := fmt.Sprintf("v0/workflow/stages/%s/next", url.PathEscape(code))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Products returns the product catalog.
func (c *Client) Products(ctx context.Context) ([]Product, error) {
	var resp []Product
	err := c.do(ctx, http.MethodGet, "v0/products", nil, &resp)
	return resp, err
}

func (c *Client) actor(agent string) string {
	if agent != "" {
		return agent
	}
	return c.Agent
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// httpClient never mutates the receiver so one client is safe to share
// across goroutines.
func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: c.Timeout}
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
