package domain

import (
	"context"
	"errors"
	"fmt"
)

// StandardCostCalculator prices usage at the registry's rate for the model.
type StandardCostCalculator struct {
	registry PricingRegistry
}

// NewStandardCostCalculator creates a cost calculator backed by registry.
func NewStandardCostCalculator(registry PricingRegistry) *StandardCostCalculator {
	return &StandardCostCalculator{registry: registry}
}

// Calculate returns the USD cost of usage for model.
func (c *StandardCostCalculator) Calculate(ctx context.Context, model string, usage Usage) (float64, error) {
	if usage.PromptTokens < 0 || usage.CompletionTokens < 0 {
		return 0, errors.New("token counts cannot be negative")
	}

	rate, err := c.registry.GetPricing(ctx, model)
	if err != nil {
		return 0, fmt.Errorf("no rate for model %q: %w", model, err)
	}

	return rate.Cost(int64(usage.PromptTokens), int64(usage.CompletionTokens)), nil
}
