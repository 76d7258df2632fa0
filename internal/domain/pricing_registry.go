package domain

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// InMemoryPricingRegistry stores per-model overrides on top of a default rate.
type InMemoryPricingRegistry struct {
	mu       sync.RWMutex
	fallback PricingConfig
	pricing  map[string]PricingConfig
}

// NewInMemoryPricingRegistry creates a registry answering fallback for any model without an override.
func NewInMemoryPricingRegistry(fallback PricingConfig) *InMemoryPricingRegistry {
	return &InMemoryPricingRegistry{
		mu:       sync.RWMutex{},
		fallback: fallback,
		pricing:  make(map[string]PricingConfig),
	}
}

// GetPricing retrieves pricing for a model.
func (r *InMemoryPricingRegistry) GetPricing(
	_ context.Context,
	model string,
) (PricingConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if config, exists := r.pricing[model]; exists {
		return config, nil
	}

	return r.fallback, nil
}

// RegisterPricing adds pricing for a model.
func (r *InMemoryPricingRegistry) RegisterPricing(
	_ context.Context,
	model string,
	config PricingConfig,
) error {
	if model == "" {
		return errors.New("model cannot be empty")
	}

	if err := config.Validate(); err != nil {
		return fmt.Errorf("pricing for %s: %w", model, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.pricing[model] = config
	return nil
}
