package budget

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Tier is a model's pricing tier.
type Tier string

const (
	TierLocal Tier = "local"
	TierCloud Tier = "cloud"
)

// Price is one pricing-table row.
type Price struct {
	InputUSDPerMillion  float64
	OutputUSDPerMillion float64
	Tier                Tier
}

// unknownModelPrice is the conservative fallback for any model_id not in
// the pricing table: treated as cloud, priced at the most expensive known
// tier so an unrecognized model never slips past the budget for free.
var unknownModelPrice = Price{InputUSDPerMillion: 15.0, OutputUSDPerMillion: 75.0, Tier: TierCloud}

// DefaultPricingTable mirrors the model catalog named in SPEC_FULL.md's
// router configuration (local/cheap/premium tiers). It is the fallback
// used when no config/pricing.yaml is present, and the base LoadPricingTable
// overlays onto.
func DefaultPricingTable() map[string]Price {
	return map[string]Price{
		"ollama/llama3":         {Tier: TierLocal},
		"ollama/qwen2.5-coder":  {Tier: TierLocal},
		"bedrock/claude-haiku":  {InputUSDPerMillion: 0.25, OutputUSDPerMillion: 1.25, Tier: TierCloud},
		"bedrock/claude-sonnet": {InputUSDPerMillion: 3.0, OutputUSDPerMillion: 15.0, Tier: TierCloud},
		"bedrock/claude-opus":   {InputUSDPerMillion: 15.0, OutputUSDPerMillion: 75.0, Tier: TierCloud},
	}
}

// yamlPricingTable is the on-disk shape of config/pricing.yaml — pricing
// as data, not code, mirroring the original agent-hub/config/models.py
// separation named in SPEC_FULL.md §11.
type yamlPricingTable struct {
	Models []struct {
		ID                  string  `yaml:"id"`
		Tier                string  `yaml:"tier"`
		InputUSDPerMillion  float64 `yaml:"input_usd_per_million"`
		OutputUSDPerMillion float64 `yaml:"output_usd_per_million"`
	} `yaml:"models"`
}

// LoadPricingTable reads a YAML file at path and overlays it onto
// DefaultPricingTable. A missing file is not an error — the defaults
// stand alone.
func LoadPricingTable(path string) (map[string]Price, error) {
	table := DefaultPricingTable()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return table, nil
		}
		return table, fmt.Errorf("budget: read pricing table %s: %w", path, err)
	}

	var raw yamlPricingTable
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return table, fmt.Errorf("budget: parse pricing table %s: %w", path, err)
	}
	if len(raw.Models) == 0 {
		return table, nil
	}

	for _, m := range raw.Models {
		table[m.ID] = Price{
			Tier:                Tier(m.Tier),
			InputUSDPerMillion:  m.InputUSDPerMillion,
			OutputUSDPerMillion: m.OutputUSDPerMillion,
		}
	}
	return table, nil
}
