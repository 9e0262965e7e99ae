package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"leadflow/internal/domain"
	"leadflow/internal/workflow"
)

// Config models leadflow.yml.
type Config struct {
	Store struct {
		Mode           string `yaml:"mode"`
		RemoteURL      string `yaml:"remote_url"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"store"`
	Sync struct {
		PollSeconds   int `yaml:"poll_seconds"`
		MaxAttempts   int `yaml:"max_attempts"`
		BackoffBaseMS int `yaml:"backoff_base_ms"`
	} `yaml:"sync"`
	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`
	Workflow struct {
		Stages []workflow.Stage `yaml:"stages"`
	} `yaml:"workflow"`
	Products []domain.Product `yaml:"products"`
}

const (
	StoreModeLocal  = "local"
	StoreModeRemote = "remote"
)

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate with lf config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the built-in defaults if the config file does not
// exist, so every command works in an empty workspace.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Store.Mode {
	case "", StoreModeLocal:
	case StoreModeRemote:
		if c.Store.RemoteURL == "" {
			return fmt.Errorf("config.store.remote_url is required when mode is %s", StoreModeRemote)
		}
	default:
		return fmt.Errorf("config.store.mode must be %q or %q", StoreModeLocal, StoreModeRemote)
	}
	if c.Store.TimeoutSeconds < 0 {
		return fmt.Errorf("config.store.timeout_seconds must not be negative")
	}
	if c.Sync.PollSeconds < 0 || c.Sync.MaxAttempts < 0 || c.Sync.BackoffBaseMS < 0 {
		return fmt.Errorf("config.sync values must not be negative")
	}
	if len(c.Workflow.Stages) > 0 {
		if _, err := workflow.New(c.Workflow.Stages); err != nil {
			return fmt.Errorf("config.workflow.stages: %w", err)
		}
	}
	seen := map[string]bool{}
	for i, p := range c.Products {
		if p.ID == "" {
			return fmt.Errorf("config.products[%d] has empty id", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("config.products contains duplicate id %s", p.ID)
		}
		seen[p.ID] = true
	}
	return nil
}

// Graph builds the workflow graph from the configured stage table,
// falling back to the built-in lifecycle when none is configured.
func (c *Config) Graph() (*workflow.Graph, error) {
	if len(c.Workflow.Stages) == 0 {
		return workflow.Default(), nil
	}
	return workflow.New(c.Workflow.Stages)
}

// Product looks up a catalog entry by id.
func (c *Config) Product(id string) (domain.Product, bool) {
	for _, p := range c.Products {
		if p.ID == id {
			return p, true
		}
	}
	return domain.Product{}, false
}

// FetchTimeout returns the backing-store call timeout.
func (c *Config) FetchTimeout() time.Duration {
	if c.Store.TimeoutSeconds == 0 {
		return 10 * time.Second
	}
	return time.Duration(c.Store.TimeoutSeconds) * time.Second
}

// PollInterval returns the background sync period.
func (c *Config) PollInterval() time.Duration {
	if c.Sync.PollSeconds == 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Sync.PollSeconds) * time.Second
}

// BackoffBase returns the first retry delay for failed syncs.
func (c *Config) BackoffBase() time.Duration {
	if c.Sync.BackoffBaseMS == 0 {
		return time.Second
	}
	return time.Duration(c.Sync.BackoffBaseMS) * time.Millisecond
}

// MaxAttempts returns the number of fetch attempts per sync.
func (c *Config) MaxAttempts() int {
	if c.Sync.MaxAttempts == 0 {
		return 3
	}
	return c.Sync.MaxAttempts
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "leadflow.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the built-in Config.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

const defaultTemplate = `store:
  mode: local
  remote_url: ""
  timeout_seconds: 10

sync:
  poll_seconds: 30
  max_attempts: 3
  backoff_base_ms: 1000

server:
  addr: ":8787"

workflow:
  stages:
    - code: Submitted
      label: Lead Submitted
      progress: 10
      role: Agent
      advance_to: Docs_Validation
    - code: Docs_Validation
      label: Document Verification
      progress: 20
      role: Ops
      advance_to: Login
      fail_to: Docs_Pending
    - code: Docs_Pending
      label: Docs Pending (Action Req)
      progress: 15
      role: Agent
      advance_to: Docs_Validation
    - code: Login
      label: Bank Login Done
      progress: 30
      role: Admin
      advance_to: Credit_Review
    - code: Credit_Review
      label: Underwriting
      progress: 45
      role: Credit
      advance_to: Sanctioned
      fail_to: Rejected
      optional_to: PD_Scheduled
    - code: PD_Scheduled
      label: Field Investigation
      progress: 55
      role: Field
      advance_to: Credit_Review
    - code: Sanctioned
      label: Sanction Letter Issued
      progress: 70
      role: Admin
      advance_to: Offer_Accepted
    - code: Offer_Accepted
      label: Offer Accepted by Client
      progress: 80
      role: Agent
      advance_to: Agreement_Stage
    - code: Agreement_Stage
      label: Agreement & eNACH
      progress: 90
      role: Ops
      advance_to: Disbursed
    - code: Disbursed
      label: Funds Disbursed
      progress: 100
      role: Finance
      final: true
    - code: Rejected
      label: File Closed / Rejected
      progress: 100
      role: System
      final: true

products:
  - {id: BL, name: Business Loan, group: loans}
  - {id: PL, name: Personal Loan, group: loans}
  - {id: PROF, name: Professional Loan, group: loans}
  - {id: HL, name: Housing Loan, group: loans}
  - {id: LAP, name: Loan Against Property, group: loans}
  - {id: CAR, name: Car Loan, group: loans}
  - {id: 2W, name: 2 Wheeler Loan, group: loans}
  - {id: MED, name: Medical Instruments, group: loans}
  - {id: MACH, name: Machinery Loan, group: loans}
  - {id: CV, name: Commercial Vehicle, group: loans}
  - {id: CONST, name: Construction Vehicle, group: loans}
  - {id: SIP, name: SIP, group: investments}
  - {id: MF, name: Mutual Funds, group: investments}
  - {id: PENSION, name: Pension Plans, group: investments}
  - {id: FD, name: Fixed Deposits, group: investments}
  - {id: HEALTH, name: Health Insurance, group: insurance}
  - {id: LIFE, name: Life Insurance, group: insurance}
  - {id: TERM, name: Term Insurance, group: insurance}
  - {id: TRAVEL, name: Travel Insurance, group: insurance}
  - {id: VEHICLE_INS, name: Vehicle Insurance, group: insurance}
  - {id: MACH_INS, name: Machinery Insurance, group: insurance}
`
