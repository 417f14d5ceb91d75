// Package config is the ambient process configuration for cmd/brainrun:
// environment variables, parsed with struct tags, optionally preloaded from
// a local .env file. Grounded on the teacher's registry/cmd/registry/main.go
// doc-comment-listed-env-vars convention, generalized from that command's
// hand-rolled envOr helpers to github.com/caarlos0/env/v11's struct-tag
// parser, with github.com/joho/godotenv loading a .env file first so local
// development does not require exporting variables into the shell.
package config

import (
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Engine selects the engine.Engine backend cmd/brainrun wires the Runner to.
type Engine string

const (
	EngineInmem    Engine = "inmem"
	EngineTemporal Engine = "temporal"
)

// Config is the full set of environment variables cmd/brainrun reads.
// Field comments double as the canonical list of env vars the binary
// accepts.
type Config struct {
	// HTTPAddr is the HTTP Control API's listen address.
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`

	// Engine selects inmem (default, no external dependency, no restart
	// survival) or temporal (durable, requires TEMPORAL_*).
	Engine Engine `env:"ENGINE" envDefault:"inmem"`

	// TemporalHostPort is the Temporal frontend service address, used only
	// when Engine is temporal.
	TemporalHostPort string `env:"TEMPORAL_HOST_PORT" envDefault:"localhost:7233"`
	// TemporalNamespace is the Temporal namespace brain run workflows
	// execute in.
	TemporalNamespace string `env:"TEMPORAL_NAMESPACE" envDefault:"default"`
	// TemporalTaskQueue is the task queue the worker polls and workflow
	// executions are dispatched to.
	TemporalTaskQueue string `env:"TEMPORAL_TASK_QUEUE" envDefault:"brainrun"`

	// CORSAllowedOrigins is a comma-separated allowlist for the Control
	// API's CORS middleware; unset means allow any origin.
	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:","`

	// NodeEnv enables the Webhook Router's missing-CSRF-token dev warning
	// when set to "development" (spec.md §6).
	NodeEnv string `env:"NODE_ENV" envDefault:"production"`
	// ConfigDir and PrivateKey are parsed into Config only; brainrun neither
	// interprets them nor forwards them to brain resources or tools.
	ConfigDir  string `env:"CONFIG_DIR"`
	PrivateKey string `env:"PRIVATE_KEY"`

	// Debug enables debug-level logging.
	Debug bool `env:"DEBUG" envDefault:"false"`

	// ManifestAliasesPath, if set, points to a YAML file of extra brain
	// identifiers loaded into the Manifest at boot (brain/manifest's
	// LoadAliasesYAML).
	ManifestAliasesPath string `env:"MANIFEST_ALIASES_PATH"`
}

// Load reads a local .env file if present (missing is not an error — it is
// normal outside local development) and then parses the process
// environment into a Config.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse environment: %w", err)
	}
	return cfg, nil
}

// IsDevelopment reports whether NodeEnv requests development behavior.
func (c *Config) IsDevelopment() bool { return c.NodeEnv == "development" }
