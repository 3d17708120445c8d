package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the config file looked up in the workspace.
const FileName = "carryover.yml"

// Config models carryover.yml.
type Config struct {
	Asset struct {
		BaseURL        string `yaml:"base_url"`
		DataPath       string `yaml:"data_path"`
		AuthHeader     string `yaml:"auth_header"`
		ProxyURL       string `yaml:"proxy_url"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
		ReadRetries    int    `yaml:"read_retries"`
	} `yaml:"asset"`
	Replication struct {
		ClosedState    string   `yaml:"closed_state"`
		CloseOperation string   `yaml:"close_operation"`
		UntitledName   string   `yaml:"untitled_name"`
		StoryFields    []string `yaml:"story_fields"`
		OptionalFields []string `yaml:"optional_fields"`
		TaskFields     []string `yaml:"task_fields"`
	} `yaml:"replication"`
	Catalog struct {
		TimeoutSeconds int    `yaml:"timeout_seconds"`
		ParentType     string `yaml:"parent_type"`
		TimeboxWhere   string `yaml:"timebox_where"`
		ParentWhere    string `yaml:"parent_where"`
	} `yaml:"catalog"`
	Server struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Error reports a configuration problem the caller must fix.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("config.%s %s", e.Field, e.Reason)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Asset.BaseURL) == "" {
		return &Error{Field: "asset.base_url", Reason: "is required"}
	}
	if !strings.HasPrefix(c.Asset.BaseURL, "http://") && !strings.HasPrefix(c.Asset.BaseURL, "https://") {
		return &Error{Field: "asset.base_url", Reason: "must be an http(s) URL"}
	}
	if strings.TrimSpace(c.Asset.AuthHeader) == "" {
		return &Error{Field: "asset.auth_header", Reason: "is required"}
	}
	if c.Asset.ProxyURL != "" && !strings.HasPrefix(c.Asset.ProxyURL, "http://") && !strings.HasPrefix(c.Asset.ProxyURL, "https://") {
		return &Error{Field: "asset.proxy_url", Reason: "must be an http(s) URL"}
	}
	if c.Asset.TimeoutSeconds < 0 {
		return &Error{Field: "asset.timeout_seconds", Reason: "must not be negative"}
	}
	if c.Asset.ReadRetries < 0 {
		return &Error{Field: "asset.read_retries", Reason: "must not be negative"}
	}
	if c.Replication.ClosedState == "" {
		return &Error{Field: "replication.closed_state", Reason: "is required"}
	}
	if c.Replication.CloseOperation == "" {
		return &Error{Field: "replication.close_operation", Reason: "is required"}
	}
	if len(c.Replication.StoryFields) == 0 {
		return &Error{Field: "replication.story_fields", Reason: "must not be empty"}
	}
	for _, f := range c.Replication.OptionalFields {
		if strings.TrimSpace(f) == "" {
			return &Error{Field: "replication.optional_fields", Reason: "contains an empty field name"}
		}
		for _, base := range c.Replication.StoryFields {
			if base == f {
				return &Error{Field: "replication.optional_fields", Reason: fmt.Sprintf("repeats base field %s", f)}
			}
		}
	}
	if len(c.Replication.TaskFields) == 0 {
		return &Error{Field: "replication.task_fields", Reason: "must not be empty"}
	}
	if c.Catalog.TimeoutSeconds < 0 {
		return &Error{Field: "catalog.timeout_seconds", Reason: "must not be negative"}
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return &Error{Field: fmt.Sprintf("webhooks[%d].url", i), Reason: "is required"}
		}
	}
	return nil
}

// AssetTimeout is the per-request timeout for the asset API.
func (c *Config) AssetTimeout() time.Duration {
	if c.Asset.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Asset.TimeoutSeconds) * time.Second
}

// CatalogTimeout is the soft deadline for the initial metadata load.
func (c *Config) CatalogTimeout() time.Duration {
	if c.Catalog.TimeoutSeconds <= 0 {
		return 15 * time.Second
	}
	return time.Duration(c.Catalog.TimeoutSeconds) * time.Second
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	cfg, err := LoadUnvalidated(workspace)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadUnvalidated reads the workspace config over the defaults without
// validating, so callers can apply overrides first. A missing file yields
// the defaults.
func LoadUnvalidated(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return parse(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg, err := parse(data)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// parse decodes data over the defaults so omitted keys keep default values.
func parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	return cfg, nil
}

// YAML renders the config, masking secrets.
func (c *Config) YAML() (string, error) {
	cp := *c
	if cp.Asset.AuthHeader != "" {
		cp.Asset.AuthHeader = mask(cp.Asset.AuthHeader)
	}
	if cp.Server.JWTSecret != "" {
		cp.Server.JWTSecret = "****"
	}
	out, err := yaml.Marshal(&cp)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func mask(header string) string {
	scheme, _, found := strings.Cut(header, " ")
	if !found {
		return "****"
	}
	return scheme + " ****"
}

const defaultTemplate = `asset:
  base_url: ""
  data_path: rest-1.v1/Data
  auth_header: ""
  proxy_url: ""
  timeout_seconds: 30
  read_retries: 0

replication:
  closed_state: "128"
  close_operation: Close
  untitled_name: "(untitled)"
  story_fields:
    - Name
    - Description
    - Timebox
    - Super
    - Scope
    - Priority
    - Team
    - Estimate
    - TaggedWith
    - AffectedByDefects
    - Owners
    - AssetState
  optional_fields: []
  task_fields:
    - Name
    - Description
    - Category
    - Owners
    - ToDo
    - Status
    - TaggedWith

catalog:
  timeout_seconds: 15
  parent_type: Epic
  timebox_where: "AssetState!='128'"
  parent_where: "AssetState!='128'"

server:
  jwt_secret: ""

webhooks: []
`
