package domain

import (
	"context"
	"errors"
)

// PricingConfig is a USD-per-token rate pair. Loaded from env it is the global
// rate; the tables file may override it per model.
type PricingConfig struct {
	PromptCostPerToken     float64 `env:"PRICING_PROMPT_TOKEN_COST_USD"     envDefault:"0.000002"`
	CompletionCostPerToken float64 `env:"PRICING_COMPLETION_TOKEN_COST_USD" envDefault:"0.000002"`
}

// Validate rejects negative rates.
func (p PricingConfig) Validate() error {
	if p.PromptCostPerToken < 0 || p.CompletionCostPerToken < 0 {
		return errors.New("token cost cannot be negative")
	}
	return nil
}

// Cost prices the given token counts.
func (p PricingConfig) Cost(promptTokens, completionTokens int64) float64 {
	return float64(promptTokens)*p.PromptCostPerToken + float64(completionTokens)*p.CompletionCostPerToken
}

// CostCalculator prices token usage attributed to a model.
type CostCalculator interface {
	// Calculate returns the USD cost of usage. An empty model uses the global rate.
	Calculate(ctx context.Context, model string, usage Usage) (float64, error)
}

// PricingRegistry resolves the rate of a model.
type PricingRegistry interface {
	// GetPricing returns the model's rate, or the global rate without an override.
	GetPricing(ctx context.Context, model string) (PricingConfig, error)

	// RegisterPricing sets a per-model override.
	RegisterPricing(ctx context.Context, model string, config PricingConfig) error
}
