// Package health tracks upstream endpoint availability from observed
// successes and failures.
package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/davidbz/meterproxy/internal/domain"
	"github.com/davidbz/meterproxy/internal/observability"
)

const (
	defaultDegradedAfter  = 3
	defaultUnhealthyAfter = 6

	// EventTransition is published whenever an endpoint changes state.
	EventTransition = "endpoint.health_transition"
)

// Config holds the failure thresholds and the revival probe schedule.
type Config struct {
	DegradedAfter  int           `env:"HEALTH_DEGRADED_AFTER"  envDefault:"3"`
	UnhealthyAfter int           `env:"HEALTH_UNHEALTHY_AFTER" envDefault:"6"`
	ProbeInterval  time.Duration `env:"HEALTH_PROBE_INTERVAL"  envDefault:"30s"`
	ProbeTimeout   time.Duration `env:"HEALTH_PROBE_TIMEOUT"   envDefault:"10s"`
}

type endpointHealth struct {
	mu             sync.Mutex
	state          domain.HealthState
	failures       int
	lastTransition time.Time
}

// Monitor holds per-endpoint health state. Updates to one endpoint are
// serialized by that endpoint's lock.
type Monitor struct {
	endpoints      map[string]*endpointHealth
	degradedAfter  int
	unhealthyAfter int
	events         domain.EventPublisher
	now            func() time.Time
}

// NewMonitor creates a monitor tracking the given endpoint IDs, all Healthy.
func NewMonitor(endpointIDs []string, cfg *Config, events domain.EventPublisher) *Monitor {
	degradedAfter := defaultDegradedAfter
	unhealthyAfter := defaultUnhealthyAfter
	if cfg != nil {
		if cfg.DegradedAfter > 0 {
			degradedAfter = cfg.DegradedAfter
		}
		if cfg.UnhealthyAfter > 0 {
			unhealthyAfter = cfg.UnhealthyAfter
		}
	}
	if unhealthyAfter < degradedAfter {
		unhealthyAfter = degradedAfter
	}

	m := &Monitor{
		endpoints:      make(map[string]*endpointHealth, len(endpointIDs)),
		degradedAfter:  degradedAfter,
		unhealthyAfter: unhealthyAfter,
		events:         events,
		now:            time.Now,
	}

	started := m.now()
	for _, id := range endpointIDs {
		m.endpoints[id] = &endpointHealth{
			state:          domain.Healthy,
			lastTransition: started,
		}
	}

	return m
}

// RecordSuccess resets the failure count and restores Healthy from any state.
func (m *Monitor) RecordSuccess(ctx context.Context, endpointID string) {
	h, ok := m.endpoints[endpointID]
	if !ok {
		observability.FromContext(ctx).Warn("success reported for unknown endpoint",
			observability.String("endpoint_id", endpointID))
		return
	}

	h.mu.Lock()
	from := h.state
	h.failures = 0
	h.state = domain.Healthy
	changed := from != h.state
	if changed {
		h.lastTransition = m.now()
	}
	h.mu.Unlock()

	if changed {
		m.publish(ctx, endpointID, from, domain.Healthy, 0)
	}
}

// RecordFailure counts one more consecutive failure and applies the thresholds.
func (m *Monitor) RecordFailure(ctx context.Context, endpointID string) {
	h, ok := m.endpoints[endpointID]
	if !ok {
		observability.FromContext(ctx).Warn("failure reported for unknown endpoint",
			observability.String("endpoint_id", endpointID))
		return
	}

	h.mu.Lock()
	from := h.state
	h.failures++
	failures := h.failures
	switch {
	case failures >= m.unhealthyAfter:
		h.state = domain.Unhealthy
	case failures >= m.degradedAfter:
		h.state = domain.Degraded
	}
	to := h.state
	if from != to {
		h.lastTransition = m.now()
	}
	h.mu.Unlock()

	if from != to {
		m.publish(ctx, endpointID, from, to, failures)
	}
}

// State returns the current state. Unknown endpoints report Unhealthy so they are never selected.
func (m *Monitor) State(endpointID string) domain.HealthState {
	h, ok := m.endpoints[endpointID]
	if !ok {
		return domain.Unhealthy
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Snapshot returns the status of every endpoint ordered by ID.
func (m *Monitor) Snapshot() []domain.EndpointStatus {
	out := make([]domain.EndpointStatus, 0, len(m.endpoints))
	for id, h := range m.endpoints {
		h.mu.Lock()
		out = append(out, domain.EndpointStatus{
			ID:                  id,
			State:               h.state,
			ConsecutiveFailures: h.failures,
			LastTransition:      h.lastTransition,
		})
		h.mu.Unlock()
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Unhealthy returns the IDs currently in the Unhealthy state.
func (m *Monitor) Unhealthy() []string {
	var ids []string
	for _, status := range m.Snapshot() {
		if status.State == domain.Unhealthy {
			ids = append(ids, status.ID)
		}
	}
	return ids
}

func (m *Monitor) publish(ctx context.Context, endpointID string, from, to domain.HealthState, failures int) {
	if m.events == nil {
		return
	}

	m.events.Publish(ctx, EventTransition, map[string]interface{}{
		"endpoint_id":          endpointID,
		"from":                 from.String(),
		"to":                   to.String(),
		"consecutive_failures": failures,
	})
}
