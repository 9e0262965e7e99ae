package cloud_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"leadflow/internal/store"
	"leadflow/internal/store/cloud"
)

func TestFetchAllEnvelopes(t *testing.T) {
	bodies := []string{
		`[{"id":"L-1"},{"id":"L-2"}]`,
		`{"data":[{"id":"L-1"},{"id":"L-2"}]}`,
		`{"leads":[{"id":"L-1"},{"id":"L-2"}]}`,
		`{"records":[{"id":"L-1"},{"id":"L-2"}]}`,
	}
	for _, body := range bodies {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(body))
		}))
		rows, err := cloud.New(srv.URL).FetchAll(context.Background())
		srv.Close()
		if err != nil {
			t.Fatalf("body %s: %v", body, err)
		}
		if len(rows) != 2 || rows[0]["id"] != "L-1" {
			t.Fatalf("body %s: rows=%v", body, rows)
		}
	}
}

func TestFetchAllErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()
	_, err := cloud.New(srv.URL).FetchAll(context.Background())
	var apiErr *cloud.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected APIError 500, got %v", err)
	}

	garbled := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>not json</html>"))
	}))
	defer garbled.Close()
	if _, err := cloud.New(garbled.URL).FetchAll(context.Background()); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestConcurrentFetchSharedClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"id":"L-1"}]`))
	}))
	defer srv.Close()
	c := cloud.New(srv.URL)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rows, err := c.FetchAll(context.Background())
			if err != nil || len(rows) != 1 {
				t.Errorf("fetch: rows=%v err=%v", rows, err)
			}
		}()
	}
	wg.Wait()
}

func TestWriteRecord(t *testing.T) {
	var got store.RawRecord
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method=%s", r.Method)
		}
		json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()
	err := cloud.New(srv.URL).WriteRecord(context.Background(), store.StatusUpdate("L-9", "Login"))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if got["action"] != store.ActionUpdateStatus || got["id"] != "L-9" || got["status"] != "Login" {
		t.Fatalf("posted record %v", got)
	}
}

func TestWriteNotAcknowledged(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()
	err := cloud.New(srv.URL).WriteRecord(context.Background(), store.RawRecord{"id": "L-9"})
	var apiErr *cloud.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected APIError 502, got %v", err)
	}
}
