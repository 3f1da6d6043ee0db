// Package config resolves runtime configuration.
//
// Precedence, lowest first: Default, a CUE file validated against the
// embedded schema, a .env file, the process environment (RECEIVABLES_*),
// then explicit command-line flags (applied by the CLI).
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "RECEIVABLES_"

// Event sinks.
const (
	SinkLocal     = "local"
	SinkConsensus = "consensus"
)

//go:embed schema.cue
var schemaSource string

// Config is the resolved configuration.
type Config struct {
	Addr            string `json:"addr" env:"ADDR"`
	Database        string `json:"database" env:"DATABASE"`
	Sink            string `json:"sink" env:"SINK"`
	Topic           string `json:"topic" env:"TOPIC"`
	FilesDir        string `json:"files_dir" env:"FILES_DIR"`
	CatalogDSN      string `json:"catalog_dsn" env:"CATALOG_DSN"`
	Tokens          bool   `json:"tokens" env:"TOKENS"`
	EscrowAccount   string `json:"escrow_account" env:"ESCROW_ACCOUNT"`
	SettlementToken string `json:"settlement_token" env:"SETTLEMENT_TOKEN"`
	LogFormat       string `json:"log_format" env:"LOG_FORMAT"`
	MaxRetries      int    `json:"max_retries" env:"MAX_RETRIES"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Addr:          ":8080",
		Database:      "receivables.db",
		Sink:          SinkLocal,
		Topic:         "receivables-events",
		FilesDir:      "files",
		EscrowAccount: "escrow",
		LogFormat:     "text",
		MaxRetries:    3,
	}
}

// Sources names where Load reads from. Empty fields are skipped.
type Sources struct {
	// File is a CUE config file. It must exist when set.
	File string

	// DotEnv is a .env file. A missing file is ignored.
	DotEnv string

	// Environ replaces os.Environ, as KEY=value pairs.
	Environ []string
}

// Load resolves configuration from src on top of Default.
func Load(src Sources) (Config, error) {
	cfg := Default()

	if src.File != "" {
		data, err := os.ReadFile(src.File)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := applyCUE(&cfg, src.File, data); err != nil {
			return Config{}, err
		}
	}

	vars := map[string]string{}
	if src.DotEnv != "" {
		dot, err := godotenv.Read(src.DotEnv)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("read %s: %w", src.DotEnv, err)
		default:
			for k, v := range dot {
				vars[k] = v
			}
		}
	}
	environ := src.Environ
	if environ == nil {
		environ = os.Environ()
	}
	for _, kv := range environ {
		if k, v, ok := strings.Cut(kv, "="); ok {
			vars[k] = v
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix, Environment: vars}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values that no source may set wrongly.
func (c Config) Validate() error {
	var problems []string
	if c.Sink != SinkLocal && c.Sink != SinkConsensus {
		problems = append(problems, fmt.Sprintf("sink %q is not %s or %s", c.Sink, SinkLocal, SinkConsensus))
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		problems = append(problems, fmt.Sprintf("log_format %q is not text or json", c.LogFormat))
	}
	if c.Database == "" {
		problems = append(problems, "database is required")
	}
	if c.Tokens && c.EscrowAccount == "" {
		problems = append(problems, "escrow_account is required when tokens are enabled")
	}
	if c.MaxRetries < 0 {
		problems = append(problems, "max_retries must not be negative")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// fileConfig mirrors Config with optional fields, so a file only
// overrides what it sets.
type fileConfig struct {
	Addr            *string `json:"addr"`
	Database        *string `json:"database"`
	Sink            *string `json:"sink"`
	Topic           *string `json:"topic"`
	FilesDir        *string `json:"files_dir"`
	CatalogDSN      *string `json:"catalog_dsn"`
	Tokens          *bool   `json:"tokens"`
	EscrowAccount   *string `json:"escrow_account"`
	SettlementToken *string `json:"settlement_token"`
	LogFormat       *string `json:"log_format"`
	MaxRetries      *int    `json:"max_retries"`
}

// applyCUE validates data against #Config and overlays it on cfg.
func applyCUE(cfg *Config, filename string, data []byte) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	v := ctx.CompileBytes(data, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return fmt.Errorf("parse %s: %w", filename, err)
	}
	unified := schema.LookupPath(cue.ParsePath("#Config")).Unify(v)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("validate %s: %w", filename, err)
	}

	var fc fileConfig
	if err := unified.Decode(&fc); err != nil {
		return fmt.Errorf("decode %s: %w", filename, err)
	}
	set(&cfg.Addr, fc.Addr)
	set(&cfg.Database, fc.Database)
	set(&cfg.Sink, fc.Sink)
	set(&cfg.Topic, fc.Topic)
	set(&cfg.FilesDir, fc.FilesDir)
	set(&cfg.CatalogDSN, fc.CatalogDSN)
	set(&cfg.Tokens, fc.Tokens)
	set(&cfg.EscrowAccount, fc.EscrowAccount)
	set(&cfg.SettlementToken, fc.SettlementToken)
	set(&cfg.LogFormat, fc.LogFormat)
	set(&cfg.MaxRetries, fc.MaxRetries)
	return nil
}

func set[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}
