// Package pool holds the fixed set of upstream endpoints and picks one per attempt.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/davidbz/meterproxy/internal/domain"
	"github.com/davidbz/meterproxy/internal/observability"
)

// Pool implements round-robin selection over endpoints, preferring Healthy
// over Degraded and never returning Unhealthy ones.
type Pool struct {
	endpoints []domain.Endpoint
	byID      map[string]domain.Endpoint
	health    domain.HealthReporter

	mu     sync.Mutex
	cursor int
}

// NewPool creates a pool over endpoints in configuration order.
func NewPool(endpoints []domain.Endpoint, health domain.HealthReporter) (*Pool, error) {
	if len(endpoints) == 0 {
		return nil, errors.New("pool requires at least one endpoint")
	}
	if health == nil {
		return nil, errors.New("health reporter cannot be nil")
	}

	byID := make(map[string]domain.Endpoint, len(endpoints))
	for _, e := range endpoints {
		if e.ID == "" {
			return nil, errors.New("endpoint id cannot be empty")
		}
		if _, exists := byID[e.ID]; exists {
			return nil, fmt.Errorf("endpoint %s already registered", e.ID)
		}
		byID[e.ID] = e
	}

	list := make([]domain.Endpoint, len(endpoints))
	copy(list, endpoints)

	return &Pool{
		endpoints: list,
		byID:      byID,
		health:    health,
	}, nil
}

// Select returns the next endpoint outside excluding. Among candidates of the
// best available state, endpoints are taken in cyclic order starting after the
// previously selected one.
func (p *Pool) Select(ctx context.Context, excluding domain.EndpointSet) (domain.Endpoint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.endpoints)
	states := make([]domain.HealthState, n)
	best := domain.Unhealthy
	for i, e := range p.endpoints {
		if excluding.Has(e.ID) {
			states[i] = domain.Unhealthy
			continue
		}
		states[i] = p.health.State(e.ID)
		if states[i] < best {
			best = states[i]
		}
	}

	if best == domain.Unhealthy {
		return domain.Endpoint{}, domain.ErrNoEndpointAvailable
	}

	for offset := 0; offset < n; offset++ {
		idx := (p.cursor + offset) % n
		if states[idx] != best {
			continue
		}

		p.cursor = (idx + 1) % n
		chosen := p.endpoints[idx]

		observability.FromContext(ctx).Debug("endpoint selected",
			observability.String("endpoint_id", chosen.ID),
			observability.String("state", best.String()),
			observability.Int("excluded", len(excluding)))

		return chosen, nil
	}

	return domain.Endpoint{}, domain.ErrNoEndpointAvailable
}

// Get retrieves an endpoint by ID.
func (p *Pool) Get(endpointID string) (domain.Endpoint, bool) {
	e, ok := p.byID[endpointID]
	return e, ok
}

// List returns all endpoints in configuration order.
func (p *Pool) List() []domain.Endpoint {
	out := make([]domain.Endpoint, len(p.endpoints))
	copy(out, p.endpoints)
	return out
}
