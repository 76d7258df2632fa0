package health

import (
	"context"
	"time"

	"github.com/davidbz/meterproxy/internal/domain"
	"github.com/davidbz/meterproxy/internal/observability"
)

// Probe checks whether an endpoint answers at all.
type Probe interface {
	Probe(ctx context.Context, endpoint domain.Endpoint) error
}

// Reviver periodically probes Unhealthy endpoints. The selector never picks an
// Unhealthy endpoint, so without it such an endpoint would stay out forever.
type Reviver struct {
	monitor   *Monitor
	endpoints map[string]domain.Endpoint
	probe     Probe
	interval  time.Duration
	timeout   time.Duration
	forceCh   chan struct{}
}

// NewReviver creates a reviver. A non-positive interval disables Run.
func NewReviver(monitor *Monitor, endpoints []domain.Endpoint, probe Probe, cfg *Config) *Reviver {
	r := &Reviver{
		monitor:   monitor,
		endpoints: make(map[string]domain.Endpoint, len(endpoints)),
		probe:     probe,
		forceCh:   make(chan struct{}, 1),
	}
	if cfg != nil {
		r.interval = cfg.ProbeInterval
		r.timeout = cfg.ProbeTimeout
	}
	if r.timeout <= 0 {
		r.timeout = 10 * time.Second
	}
	for _, e := range endpoints {
		r.endpoints[e.ID] = e
	}
	return r
}

// Run probes on every tick until ctx is done.
func (r *Reviver) Run(ctx context.Context) {
	if r == nil || r.probe == nil || r.interval <= 0 {
		return
	}

	observability.FromContext(ctx).Info("endpoint reviver started",
		observability.Duration("interval", r.interval))

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.CheckOnce(ctx)
		case <-r.forceCh:
			r.CheckOnce(ctx)
		}
	}
}

// Trigger requests an immediate probe round without blocking.
func (r *Reviver) Trigger() {
	select {
	case r.forceCh <- struct{}{}:
	default:
	}
}

// CheckOnce probes every Unhealthy endpoint once and returns how many recovered.
func (r *Reviver) CheckOnce(ctx context.Context) int {
	revived := 0

	for _, id := range r.monitor.Unhealthy() {
		endpoint, ok := r.endpoints[id]
		if !ok {
			continue
		}

		probeCtx, cancel := context.WithTimeout(observability.WithEndpoint(ctx, id), r.timeout)
		err := r.probe.Probe(probeCtx, endpoint)
		cancel()

		if err != nil {
			observability.FromContext(ctx).Debug("unhealthy endpoint still failing probe",
				observability.String("endpoint_id", id),
				observability.Error(err))
			continue
		}

		r.monitor.RecordSuccess(ctx, id)
		revived++
	}

	return revived
}
