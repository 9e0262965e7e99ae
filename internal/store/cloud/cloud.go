// Package cloud is the remote backing store: plain JSON over HTTP, GET
// for reads and best-effort POST for writes. The endpoint shape follows
// the sheet-style backends the pipeline historically synced against.
package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"leadflow/internal/store"
)

const defaultTimeout = 10 * time.Second

// Client talks to a remote lead endpoint.
type Client struct {
	URL        string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(url string) *Client {
	return &Client{URL: url, Timeout: defaultTimeout}
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// FetchAll GETs the endpoint and unwraps whichever envelope the source
// uses ({data|leads|records: [...]}) or a bare array.
func (c *Client) FetchAll(ctx context.Context) ([]store.RawRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return unwrapRows(data)
}

// WriteRecord POSTs one record. A non-2xx status means the write is not
// acknowledged.
func (c *Client) WriteRecord(ctx context.Context, rec store.RawRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	return nil
}

// WriteAudit ships an audit entry to the remote store. Best effort: the
// caller logs failures and moves on.
func (c *Client) WriteAudit(ctx context.Context, entry map[string]any) error {
	return c.WriteRecord(ctx, store.RawRecord{store.ActionKey: store.ActionLogAudit, "log": entry})
}

func unwrapRows(data []byte) ([]store.RawRecord, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(data, &envelope); err == nil {
		for _, key := range []string{"data", "leads", "records"} {
			if raw, ok := envelope[key]; ok {
				return decodeRows(raw)
			}
		}
		return nil, fmt.Errorf("cloud: response object has no lead array")
	}
	return decodeRows(data)
}

func decodeRows(data []byte) ([]store.RawRecord, error) {
	var rows []store.RawRecord
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("cloud: decode rows: %w", err)
	}
	return rows, nil
}

// client never mutates the receiver: FetchAll runs from both the poller
// goroutine and manual syncs, so the fallback is built per call.
func (c *Client) client() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	timeout := c.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	return &http.Client{Timeout: timeout}
}

func (c *Client) base() string {
	return strings.TrimRight(c.URL, "/")
}
