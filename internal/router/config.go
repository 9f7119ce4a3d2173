package router

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// yamlConfig is the on-disk shape of the router's structured
// configuration (model tiers + fallback chains), loaded from YAML since
// it doesn't fit a scalar env var (internal/config handles the rest).
type yamlConfig struct {
	Models []struct {
		ID             string  `yaml:"id"`
		Tier           string  `yaml:"tier"`
		AllowedFails   int     `yaml:"allowed_fails"`
		CooldownSeconds int    `yaml:"cooldown_seconds"`
	} `yaml:"models"`
	Chains map[string][]string `yaml:"chains"`
}

// Config is the parsed router configuration.
type Config struct {
	Models map[string]ModelEntry
	Chains map[string]Chain
}

// DefaultConfig mirrors SPEC_FULL.md's router domain-stack section: three
// tiers (local/cheap/premium) and three named chains (default, code,
// reasoning).
func DefaultConfig() Config {
	models := map[string]ModelEntry{
		"ollama/llama3":        {ID: "ollama/llama3", Tier: TierLocal, Limit: 3, Cooldown: 60 * time.Second},
		"ollama/qwen2.5-coder":  {ID: "ollama/qwen2.5-coder", Tier: TierLocal, Limit: 3, Cooldown: 60 * time.Second},
		"bedrock/claude-haiku":  {ID: "bedrock/claude-haiku", Tier: TierCheap, Limit: 2, Cooldown: 120 * time.Second},
		"bedrock/claude-sonnet": {ID: "bedrock/claude-sonnet", Tier: TierPremium, Limit: 2, Cooldown: 120 * time.Second},
		"bedrock/claude-opus":   {ID: "bedrock/claude-opus", Tier: TierPremium, Limit: 1, Cooldown: 300 * time.Second},
	}
	return Config{
		Models: models,
		Chains: map[string]Chain{
			"default":   {Name: "default", Models: []string{"ollama/llama3", "bedrock/claude-haiku", "bedrock/claude-sonnet"}},
			"code":      {Name: "code", Models: []string{"ollama/qwen2.5-coder", "bedrock/claude-haiku", "bedrock/claude-sonnet"}},
			"reasoning": {Name: "reasoning", Models: []string{"bedrock/claude-sonnet", "bedrock/claude-opus"}},
		},
	}
}

// LoadConfig reads a YAML file at path and overlays it onto DefaultConfig.
// A missing file is not an error — the defaults stand alone.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("router: read config %s: %w", path, err)
	}

	var raw yamlConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return cfg, fmt.Errorf("router: parse config %s: %w", path, err)
	}

	if len(raw.Models) > 0 {
		for _, m := range raw.Models {
			allowed := m.AllowedFails
			if allowed == 0 {
				allowed = 3
			}
			cooldown := m.CooldownSeconds
			if cooldown == 0 {
				cooldown = 60
			}
			cfg.Models[m.ID] = ModelEntry{
				ID:       m.ID,
				Tier:     Tier(m.Tier),
				Limit:    allowed,
				Cooldown: time.Duration(cooldown) * time.Second,
			}
		}
	}
	if len(raw.Chains) > 0 {
		for name, models := range raw.Chains {
			cfg.Chains[name] = Chain{Name: name, Models: models}
		}
	}
	return cfg, nil
}
