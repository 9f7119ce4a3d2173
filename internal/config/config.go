// Package config loads Agent Hub configuration: defaults, then
// environment variables. Structured tables that don't fit a scalar env
// var (router tiers/chains, model pricing) are not loaded here; they are
// read from YAML by router.LoadConfig and budget.LoadPricingTable.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds every `UAS_*` / `OLLAMA_*` / `AGENT_HUB_*` option named in
// the external interface contract.
type Config struct {
	WorkspaceRoot string `env:"AGENT_HUB_WORKSPACE" default:"."`

	SQLiteBus      bool `env:"UAS_SQLITE_BUS" default:"true"`
	AdaptivePoll   bool `env:"UAS_ADAPTIVE_POLL" default:"true"`
	LiteLLMRouting bool `env:"UAS_LITELLM_ROUTING" default:"true"`
	PersistentMCP  bool `env:"UAS_PERSISTENT_MCP" default:"false"`
	OllamaHTTP     bool `env:"UAS_OLLAMA_HTTP" default:"true"`

	SessionBudgetUSD   float64 `env:"UAS_SESSION_BUDGET" default:"1.00"`
	DailyBudgetUSD     float64 `env:"UAS_DAILY_BUDGET" default:"5.00"`
	DisableBudgetCheck bool    `env:"UAS_DISABLE_BUDGET_CHECK" default:"false"`

	RouterFailureLimit int `env:"UAS_ROUTER_FAILURE_LIMIT" default:"5"`
	SQLiteFailureLimit int `env:"UAS_SQLITE_FAILURE_LIMIT" default:"3"`
	OllamaFailureLimit int `env:"UAS_OLLAMA_FAILURE_LIMIT" default:"3"`

	CooldownSeconds int `env:"UAS_COOLDOWN_SECONDS" default:"60"`
	AllowedFails    int `env:"UAS_ALLOWED_FAILS" default:"3"`

	OllamaBaseURL      string        `env:"OLLAMA_BASE_URL" default:"http://localhost:11434"`
	HealthCheckTimeout time.Duration `env:"UAS_HEALTH_CHECK_TIMEOUT" default:"5s"`

	DryRun   bool   `env:"AGENT_HUB_DRY_RUN" default:"false"`
	HaltFile string `env:"UAS_HALT_FILE" default:"ERIK_HALT.md"`

	StageShell    string `env:"UAS_STAGE_SHELL" default:"bash"`
	StageShellArg string `env:"UAS_STAGE_SHELL_ARG" default:"-c"`
}

// Load builds a Config from process defaults overridden by environment
// variables. Environment overrides dominate per spec.md §6.
func Load() (*Config, error) {
	cfg := &Config{
		WorkspaceRoot: ".",

		SQLiteBus:      true,
		AdaptivePoll:   true,
		LiteLLMRouting: true,
		PersistentMCP:  false,
		OllamaHTTP:     true,

		SessionBudgetUSD: 1.00,
		DailyBudgetUSD:   5.00,

		RouterFailureLimit: 5,
		SQLiteFailureLimit: 3,
		OllamaFailureLimit: 3,

		CooldownSeconds: 60,
		AllowedFails:    3,

		OllamaBaseURL:      "http://localhost:11434",
		HealthCheckTimeout: 5 * time.Second,

		StageShell:    "bash",
		StageShellArg: "-c",
	}

	if v := os.Getenv("AGENT_HUB_WORKSPACE"); v != "" {
		cfg.WorkspaceRoot = v
	}

	setBool(&cfg.SQLiteBus, "UAS_SQLITE_BUS")
	setBool(&cfg.AdaptivePoll, "UAS_ADAPTIVE_POLL")
	setBool(&cfg.LiteLLMRouting, "UAS_LITELLM_ROUTING")
	setBool(&cfg.PersistentMCP, "UAS_PERSISTENT_MCP")
	setBool(&cfg.OllamaHTTP, "UAS_OLLAMA_HTTP")
	setBool(&cfg.DisableBudgetCheck, "UAS_DISABLE_BUDGET_CHECK")
	setBool(&cfg.DryRun, "AGENT_HUB_DRY_RUN")

	if err := setFloat(&cfg.SessionBudgetUSD, "UAS_SESSION_BUDGET"); err != nil {
		return nil, err
	}
	if err := setFloat(&cfg.DailyBudgetUSD, "UAS_DAILY_BUDGET"); err != nil {
		return nil, err
	}
	if err := setInt(&cfg.RouterFailureLimit, "UAS_ROUTER_FAILURE_LIMIT"); err != nil {
		return nil, err
	}
	if err := setInt(&cfg.SQLiteFailureLimit, "UAS_SQLITE_FAILURE_LIMIT"); err != nil {
		return nil, err
	}
	if err := setInt(&cfg.OllamaFailureLimit, "UAS_OLLAMA_FAILURE_LIMIT"); err != nil {
		return nil, err
	}
	if err := setInt(&cfg.CooldownSeconds, "UAS_COOLDOWN_SECONDS"); err != nil {
		return nil, err
	}
	if err := setInt(&cfg.AllowedFails, "UAS_ALLOWED_FAILS"); err != nil {
		return nil, err
	}

	if v := os.Getenv("OLLAMA_BASE_URL"); v != "" {
		cfg.OllamaBaseURL = v
	}
	if v := os.Getenv("UAS_HEALTH_CHECK_TIMEOUT"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("UAS_HEALTH_CHECK_TIMEOUT: %w", err)
		}
		cfg.HealthCheckTimeout = time.Duration(secs) * time.Second
	}

	cfg.HaltFile = "ERIK_HALT.md"
	if v := os.Getenv("UAS_HALT_FILE"); v != "" {
		cfg.HaltFile = v
	}

	if v := os.Getenv("UAS_STAGE_SHELL"); v != "" {
		cfg.StageShell = v
	}
	if v := os.Getenv("UAS_STAGE_SHELL_ARG"); v != "" {
		cfg.StageShellArg = v
	}

	return cfg, nil
}

func setBool(dst *bool, env string) {
	v := os.Getenv(env)
	if v == "" {
		return
	}
	*dst = v == "1" || v == "true" || v == "TRUE"
}

func setFloat(dst *float64, env string) error {
	v := os.Getenv(env)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", env, err)
	}
	*dst = f
	return nil
}

func setInt(dst *int, env string) error {
	v := os.Getenv(env)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", env, err)
	}
	*dst = n
	return nil
}
