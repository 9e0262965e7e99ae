package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	graph, err := cfg.Graph()
	if err != nil {
		t.Fatalf("default graph: %v", err)
	}
	if len(graph.Stages()) != 11 {
		t.Fatalf("stages = %d, want 11", len(graph.Stages()))
	}
	if len(cfg.Products) != 21 {
		t.Fatalf("products = %d, want 21", len(cfg.Products))
	}
	if _, ok := cfg.Product("LAP"); !ok {
		t.Fatal("LAP missing from catalog")
	}
}

func TestLoadOptional(t *testing.T) {
	workspace := t.TempDir()
	cfg, err := LoadOptional(workspace)
	if err != nil {
		t.Fatalf("missing file must fall back to defaults: %v", err)
	}
	if cfg.Store.Mode != StoreModeLocal {
		t.Fatalf("mode = %q, want local", cfg.Store.Mode)
	}

	yml := `store:
  mode: remote
  remote_url: https://example.com/exec
  timeout_seconds: 5
sync:
  poll_seconds: 10
  max_attempts: 2
  backoff_base_ms: 250
`
	if err := os.WriteFile(filepath.Join(workspace, "leadflow.yml"), []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = LoadOptional(workspace)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store.Mode != StoreModeRemote || cfg.Store.RemoteURL != "https://example.com/exec" {
		t.Fatalf("store = %+v", cfg.Store)
	}
	if cfg.FetchTimeout() != 5*time.Second || cfg.PollInterval() != 10*time.Second {
		t.Fatalf("durations = %v/%v", cfg.FetchTimeout(), cfg.PollInterval())
	}
	if cfg.MaxAttempts() != 2 || cfg.BackoffBase() != 250*time.Millisecond {
		t.Fatalf("retry settings = %d/%v", cfg.MaxAttempts(), cfg.BackoffBase())
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cases := []struct {
		name string
		yml  string
	}{
		{"unknown mode", "store:\n  mode: hybrid\n"},
		{"remote without url", "store:\n  mode: remote\n"},
		{"broken stage table", `workflow:
  stages:
    - code: Submitted
      progress: 10
`},
		{"duplicate product", `products:
  - {id: BL, name: Business Loan}
  - {id: BL, name: Business Loan Again}
`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := FromYAML([]byte(tc.yml)); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
