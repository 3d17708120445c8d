package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"strings"
	"testing"
	"time"
)

func validYAML() string {
	return `asset:
  base_url: https://tracker.example.com/acme
  auth_header: "Bearer abc123"
replication:
  optional_fields: [Custom_AcceptanceCriteria]
`
}

func mustParse(t *testing.T) *Config {
	t.Helper()
	cfg, err := FromYAML([]byte(validYAML()))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	return cfg
}

func TestDefaultsFillOmittedKeys(t *testing.T) {
	cfg := mustParse(t)
	if cfg.Replication.ClosedState != "128" {
		t.Fatalf("expected closed state 128, got %q", cfg.Replication.ClosedState)
	}
	if cfg.Replication.CloseOperation != "Close" {
		t.Fatalf("expected close operation Close, got %q", cfg.Replication.CloseOperation)
	}
	if cfg.Asset.DataPath != "rest-1.v1/Data" {
		t.Fatalf("expected default data path, got %q", cfg.Asset.DataPath)
	}
	if !slices.Contains(cfg.Replication.StoryFields, "Owners") {
		t.Fatalf("expected Owners in story fields, got %v", cfg.Replication.StoryFields)
	}
	if !reflect.DeepEqual(cfg.Replication.OptionalFields, []string{"Custom_AcceptanceCriteria"}) {
		t.Fatalf("unexpected optional fields %v", cfg.Replication.OptionalFields)
	}
	if cfg.Catalog.ParentType != "Epic" {
		t.Fatalf("expected parent type Epic, got %q", cfg.Catalog.ParentType)
	}
	if cfg.AssetTimeout() != 30*time.Second || cfg.CatalogTimeout() != 15*time.Second {
		t.Fatalf("unexpected timeouts %s %s", cfg.AssetTimeout(), cfg.CatalogTimeout())
	}
}

func TestValidateReportsConfigurationErrors(t *testing.T) {
	cases := map[string]struct {
		mutate func(*Config)
		field  string
	}{
		"missing base url": {func(c *Config) { c.Asset.BaseURL = "" }, "asset.base_url"},
		"bad base url":     {func(c *Config) { c.Asset.BaseURL = "tracker" }, "asset.base_url"},
		"missing auth":     {func(c *Config) { c.Asset.AuthHeader = " " }, "asset.auth_header"},
		"optional repeats base": {func(c *Config) {
			c.Replication.OptionalFields = []string{"Name"}
		}, "replication.optional_fields"},
		"empty webhook url": {func(c *Config) {
			c.Webhooks = []WebhookConfig{{URL: ""}}
		}, "webhooks[0].url"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := mustParse(t)
			tc.mutate(cfg)
			err := cfg.Validate()
			var cerr *Error
			if !errors.As(err, &cerr) {
				t.Fatalf("expected *config.Error, got %v", err)
			}
			if cerr.Field != tc.field {
				t.Fatalf("expected field %s, got %s", tc.field, cerr.Field)
			}
		})
	}
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := LoadUnvalidated(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Replication.CloseOperation != "Close" {
		t.Fatalf("expected default close operation, got %q", cfg.Replication.CloseOperation)
	}
	if cfg.Validate() == nil {
		t.Fatalf("expected defaults without base url to be invalid")
	}
}

func TestLoadFromWorkspace(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(validYAML()), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Asset.BaseURL != "https://tracker.example.com/acme" {
		t.Fatalf("unexpected base url %q", cfg.Asset.BaseURL)
	}
}

func TestInvalidYAML(t *testing.T) {
	_, err := FromYAML([]byte("asset: [unclosed"))
	if err == nil || !strings.Contains(err.Error(), "invalid config yaml") {
		t.Fatalf("expected invalid config yaml error, got %v", err)
	}
}

func TestYAMLMasksSecrets(t *testing.T) {
	cfg := mustParse(t)
	cfg.Server.JWTSecret = "s3cret"
	out, err := cfg.YAML()
	if err != nil {
		t.Fatalf("yaml: %v", err)
	}
	if !strings.Contains(out, "Bearer ****") {
		t.Fatalf("expected masked auth header, got:\n%s", out)
	}
	if strings.Contains(out, "abc123") || strings.Contains(out, "s3cret") {
		t.Fatalf("secret leaked:\n%s", out)
	}
	if cfg.Asset.AuthHeader != "Bearer abc123" {
		t.Fatalf("YAML must not mutate the config, got %q", cfg.Asset.AuthHeader)
	}
}
