package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/viper"

	"carryover/internal/asset"
	"carryover/internal/config"
	"carryover/internal/db"
	"carryover/internal/engine"
	"carryover/internal/migrate"
)

// Environment keys read through viper. With the CARRYOVER prefix bound they
// map to CARRYOVER_BASE_URL and friends.
const (
	EnvBaseURL    = "base_url"
	EnvAuthHeader = "auth_header"
	EnvProxyURL   = "proxy_url"
	EnvJWTSecret  = "jwt_secret"
)

// LoadConfig reads the workspace config, applies environment overrides from
// v (the global viper when nil) and validates the result.
func LoadConfig(workspace string, v *viper.Viper) (*config.Config, error) {
	cfg, err := config.LoadUnvalidated(workspace)
	if err != nil {
		return nil, err
	}
	ApplyOverrides(cfg, v)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyOverrides copies non-empty environment values onto cfg.
func ApplyOverrides(cfg *config.Config, v *viper.Viper) {
	if v == nil {
		v = viper.GetViper()
	}
	set := func(dst *string, key string) {
		if val := strings.TrimSpace(v.GetString(key)); val != "" {
			*dst = val
		}
	}
	set(&cfg.Asset.BaseURL, EnvBaseURL)
	set(&cfg.Asset.AuthHeader, EnvAuthHeader)
	set(&cfg.Asset.ProxyURL, EnvProxyURL)
	set(&cfg.Server.JWTSecret, EnvJWTSecret)
}

// NewAssetClient builds the asset API client described by cfg.
func NewAssetClient(cfg *config.Config, logger *slog.Logger) *asset.Client {
	c := asset.New(cfg.Asset.BaseURL, cfg.Asset.AuthHeader)
	if cfg.Asset.DataPath != "" {
		c.DataPath = cfg.Asset.DataPath
	}
	c.ProxyURL = cfg.Asset.ProxyURL
	c.Timeout = cfg.AssetTimeout()
	c.ReadRetries = cfg.Asset.ReadRetries
	c.Logger = logger
	return c
}

// OpenDB opens and migrates the workspace run history.
func OpenDB(ctx context.Context, workspace string) (*sql.DB, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open run history: %w", err)
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("migrate run history: %w", err)
	}
	return conn, nil
}

// Engine wires config, asset client and run history into an engine. The
// returned close func releases the database.
func Engine(ctx context.Context, workspace string, cfg *config.Config, logger *slog.Logger) (engine.Engine, func() error, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := OpenDB(ctx, workspace)
	if err != nil {
		return engine.Engine{}, nil, err
	}
	e := engine.New(NewAssetClient(cfg, logger), cfg, conn)
	e.Logger = logger
	return e, conn.Close, nil
}
