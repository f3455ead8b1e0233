// Package cost prices sub-batches and enforces the spend budget.
package cost

import (
	"github.com/sells-group/batch-cli/internal/model"
)

// DefaultOutputTokensPerItem is the assumed completion size of one request.
const DefaultOutputTokensPerItem = 300

// Rates holds per-model pricing configuration.
type Rates struct {
	Models   map[string]ModelRate `yaml:"models" mapstructure:"models"`
	Fallback ModelRate            `yaml:"fallback" mapstructure:"fallback"`
}

// ModelRate holds per-model token pricing (USD per million tokens).
type ModelRate struct {
	Input         float64 `yaml:"input" mapstructure:"input"`
	Output        float64 `yaml:"output" mapstructure:"output"`
	BatchDiscount float64 `yaml:"batch_discount" mapstructure:"batch_discount"`
}

// Calculator computes estimated costs for batch submissions.
type Calculator struct {
	rates         Rates
	outputPerItem int
}

// NewCalculator creates a Calculator with the given rates. outputPerItem is
// the assumed output tokens per request; non-positive uses the default.
func NewCalculator(rates Rates, outputPerItem int) *Calculator {
	if outputPerItem <= 0 {
		outputPerItem = DefaultOutputTokensPerItem
	}
	return &Calculator{rates: rates, outputPerItem: outputPerItem}
}

// Rate returns the pricing for model, or the fallback rate when the model is unknown.
func (c *Calculator) Rate(model string) ModelRate {
	if r, ok := c.rates.Models[model]; ok {
		return r
	}
	return c.rates.Fallback
}

// Batch computes the cost of a batch-API call with the given token counts.
func (c *Calculator) Batch(model string, input, output int) float64 {
	rate := c.Rate(model)
	mul := rate.BatchDiscount
	if mul <= 0 {
		mul = 1.0
	}
	inCost := (float64(input) / 1e6) * rate.Input * mul
	outCost := (float64(output) / 1e6) * rate.Output * mul
	return inCost + outCost
}

// Estimate prices a set of work items submitted together to model.
func (c *Calculator) Estimate(model string, items []model.WorkItem) float64 {
	var input int
	for _, it := range items {
		input += it.Tokens()
	}
	return c.Batch(model, input, len(items)*c.outputPerItem)
}

// DefaultRates returns the default pricing rates.
func DefaultRates() Rates {
	return Rates{
		Models: map[string]ModelRate{
			"gpt-4.1":                    {Input: 2.00, Output: 8.00, BatchDiscount: 0.5},
			"gpt-4.1-mini":               {Input: 0.40, Output: 1.60, BatchDiscount: 0.5},
			"gpt-4o-mini":                {Input: 0.15, Output: 0.60, BatchDiscount: 0.5},
			"claude-haiku-4-5-20251001":  {Input: 0.80, Output: 4.00, BatchDiscount: 0.5},
			"claude-sonnet-4-5-20250929": {Input: 3.00, Output: 15.00, BatchDiscount: 0.5},
			"claude-opus-4-6":            {Input: 15.00, Output: 75.00, BatchDiscount: 0.5},
		},
		Fallback: ModelRate{Input: 1.00, Output: 1.00, BatchDiscount: 0.5},
	}
}
