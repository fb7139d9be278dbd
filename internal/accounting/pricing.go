// Package accounting implements usage metering: a sliding-window rate
// limiter over the KV store's sorted sets, a pluggable usage-event
// dispatcher, and a per-model pricing table for converting token counts
// into microUSD cost (spec §4 component 8, §5).
package accounting

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// ModelPricing holds per-million-token prices in microUSD (1 USD =
// 1,000,000 microUSD), the same fixed-point unit ymk233-maxx's pricing
// package uses to avoid floating-point drift across millions of requests.
type ModelPricing struct {
	ModelID             string `yaml:"model_id"`
	InputPriceMicro     int64  `yaml:"input_price_micro"`
	OutputPriceMicro    int64  `yaml:"output_price_micro"`
	CacheWritePriceMicro int64  `yaml:"cache_write_price_micro"`
	CacheReadPriceMicro int64  `yaml:"cache_read_price_micro"`
}

// PriceTable resolves a model name to its pricing entry. Lookups fall back
// from the most specific model id to its prefix (e.g. "claude-sonnet-4-5"
// for "claude-sonnet-4-5-20250514") since providers regularly ship dated
// aliases for the same priced model.
type PriceTable struct {
	mu      sync.RWMutex
	prices  map[string]*ModelPricing
	version string
}

// NewPriceTable constructs an empty table tagged with version.
func NewPriceTable(version string) *PriceTable {
	return &PriceTable{prices: make(map[string]*ModelPricing), version: version}
}

// Set registers or replaces a model's pricing entry.
func (t *PriceTable) Set(p *ModelPricing) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prices[p.ModelID] = p
}

// Lookup resolves model to its pricing entry via exact match, then longest
// registered prefix match.
func (t *PriceTable) Lookup(model string) (*ModelPricing, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if p, ok := t.prices[model]; ok {
		return p, true
	}
	var best *ModelPricing
	bestLen := 0
	for id, p := range t.prices {
		if len(id) > bestLen && len(model) >= len(id) && model[:len(id)] == id {
			best = p
			bestLen = len(id)
		}
	}
	return best, best != nil
}

// Models returns every model id the table has explicit pricing for, in no
// particular order.
func (t *PriceTable) Models() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.prices))
	for id := range t.prices {
		out = append(out, id)
	}
	return out
}

// LoadPriceTable reads a YAML pricing file, in the shape:
//
//	version: "2025.01"
//	models:
//	  - model_id: claude-sonnet-4-5
//	    input_price_micro: 3000000
//	    output_price_micro: 15000000
//	    cache_write_price_micro: 3750000
//	    cache_read_price_micro: 300000
func LoadPriceTable(path string) (*PriceTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("accounting: read pricing file: %w", err)
	}
	var doc struct {
		Version string          `yaml:"version"`
		Models  []*ModelPricing `yaml:"models"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("accounting: parse pricing file: %w", err)
	}
	table := NewPriceTable(doc.Version)
	for _, m := range doc.Models {
		table.Set(m)
	}
	return table, nil
}

// Cost is a computed charge broken down by token category, in microUSD.
type Cost struct {
	InputMicro      int64
	OutputMicro     int64
	CacheWriteMicro int64
	CacheReadMicro  int64
}

// TotalMicro sums every component.
func (c Cost) TotalMicro() int64 {
	return c.InputMicro + c.OutputMicro + c.CacheWriteMicro + c.CacheReadMicro
}

// CalculateLinearCostMicro prices a flat token count against a per-million
// rate in microUSD, truncating to the nearest microUSD.
func CalculateLinearCostMicro(tokens int64, priceMicroPerMillion int64) int64 {
	if tokens <= 0 || priceMicroPerMillion <= 0 {
		return 0
	}
	return tokens * priceMicroPerMillion / 1_000_000
}

// Calculator converts a Usage observation into a Cost using a PriceTable.
// Unknown models price to zero rather than erroring, so metering failures
// never block the relay path.
type Calculator struct {
	table *PriceTable
}

// Models returns every model id the underlying price table prices
// explicitly.
func (c *Calculator) Models() []string {
	return c.table.Models()
}

// NewCalculator builds a Calculator over table.
func NewCalculator(table *PriceTable) *Calculator {
	return &Calculator{table: table}
}

// UsageTokens is the subset of relay.Usage the calculator needs, kept
// independent of the relay package to avoid an import cycle.
type UsageTokens struct {
	InputTokens      int64
	OutputTokens     int64
	CacheWriteTokens int64
	CacheReadTokens  int64
}

// Calculate returns the microUSD cost of usage under model's pricing, or a
// zero Cost if the model is unpriced.
func (c *Calculator) Calculate(model string, usage UsageTokens) Cost {
	pricing, ok := c.table.Lookup(model)
	if !ok {
		return Cost{}
	}
	return Cost{
		InputMicro:      CalculateLinearCostMicro(usage.InputTokens, pricing.InputPriceMicro),
		OutputMicro:     CalculateLinearCostMicro(usage.OutputTokens, pricing.OutputPriceMicro),
		CacheWriteMicro: CalculateLinearCostMicro(usage.CacheWriteTokens, pricing.CacheWritePriceMicro),
		CacheReadMicro:  CalculateLinearCostMicro(usage.CacheReadTokens, pricing.CacheReadPriceMicro),
	}
}
