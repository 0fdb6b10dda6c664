// Package llm holds what the provider adapters share: the static price
// table and the mapping of upstream HTTP failures onto the bridge error
// taxonomy.
package llm

import (
	_ "embed"
	"log/slog"

	"gopkg.in/yaml.v3"

	"github.com/rakunlabs/relay/internal/service"
)

//go:embed prices.yaml
var pricesRaw []byte

// ModelPrice is USD per one million tokens.
type ModelPrice struct {
	InputUSDPer1M  float64 `yaml:"input"`
	OutputUSDPer1M float64 `yaml:"output"`
}

// PriceTable maps model id to its price.
type PriceTable map[string]ModelPrice

var priceTables map[string]PriceTable

func init() {
	if err := yaml.Unmarshal(pricesRaw, &priceTables); err != nil {
		// The table is embedded; a parse failure is a build defect.
		slog.Error("parse embedded price table", "error", err)
		priceTables = map[string]PriceTable{}
	}
}

// Prices returns the price table for a provider id. Missing providers get
// an empty table, which prices everything at zero.
func Prices(provider string) PriceTable {
	return priceTables[provider]
}

// Cost computes the USD cost for usage on a model. Unknown models cost
// zero.
func (t PriceTable) Cost(model string, usage service.Usage) float64 {
	price, ok := t[model]
	if !ok {
		return 0
	}

	return float64(usage.InputTokens)/1e6*price.InputUSDPer1M +
		float64(usage.OutputTokens)/1e6*price.OutputUSDPer1M
}
