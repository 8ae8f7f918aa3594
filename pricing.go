package tokenquota

import "math"

// Pricing is a linear per-token price list.
type Pricing struct {
	InputRate  float64 `yaml:"input_rate"`
	OutputRate float64 `yaml:"output_rate"`
}

// DefaultPricing matches Claude 3.5 Sonnet list prices per token.
var DefaultPricing = Pricing{
	InputRate:  0.003 / 1000,
	OutputRate: 0.015 / 1000,
}

// CostBreakdown splits the cost of one call by token type.
type CostBreakdown struct {
	InputCost  float64 `json:"inputCost"`
	OutputCost float64 `json:"outputCost"`
	TotalCost  float64 `json:"totalCost"`
}

// Cost computes the cost of the given usage.
func (p Pricing) Cost(u Usage) CostBreakdown {
	in := float64(u.InputTokens) * p.InputRate
	out := float64(u.OutputTokens) * p.OutputRate
	return CostBreakdown{
		InputCost:  in,
		OutputCost: out,
		TotalCost:  in + out,
	}
}

// Rounded returns the breakdown rounded to six decimals for display.
func (c CostBreakdown) Rounded() CostBreakdown {
	return CostBreakdown{
		InputCost:  round6(c.InputCost),
		OutputCost: round6(c.OutputCost),
		TotalCost:  round6(c.TotalCost),
	}
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
