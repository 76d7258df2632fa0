package domain

import (
	"context"
	"net/http"
)

// Authenticator resolves an inbound API key to a user.
type Authenticator interface {
	// Authenticate returns the user owning key, or ErrAuthentication.
	Authenticate(ctx context.Context, key string) (User, error)
}

// UserDirectory answers whether a user name belongs to the current user table.
type UserDirectory interface {
	// Lookup returns the user with the given name.
	Lookup(name string) (User, bool)
}

// EndpointSelector chooses the upstream endpoint for one attempt.
type EndpointSelector interface {
	// Select returns an endpoint outside excluding, or ErrNoEndpointAvailable.
	Select(ctx context.Context, excluding EndpointSet) (Endpoint, error)
}

// HealthRecorder receives the outcome of every upstream attempt.
type HealthRecorder interface {
	// RecordSuccess resets the endpoint to Healthy.
	RecordSuccess(ctx context.Context, endpointID string)

	// RecordFailure counts a consecutive failure against the endpoint.
	RecordFailure(ctx context.Context, endpointID string)
}

// HealthReporter exposes endpoint health for selection and admin views.
type HealthReporter interface {
	// State returns the current health state of the endpoint.
	State(endpointID string) HealthState

	// Snapshot returns the status of every tracked endpoint.
	Snapshot() []EndpointStatus
}

// Forwarder sends a request to a specific endpoint.
type Forwarder interface {
	// Forward performs the upstream call with the endpoint's own credential.
	// The caller owns the returned response body.
	Forward(ctx context.Context, endpoint Endpoint, req *ProxyRequest) (*http.Response, error)
}

// UsageLedger accumulates per-user usage.
type UsageLedger interface {
	// Record atomically adds usage to the user's totals.
	Record(ctx context.Context, event UsageEvent) error

	// Read returns a consistent snapshot of the user's totals.
	Read(ctx context.Context, user string) (UsageRecord, error)

	// List returns snapshots for every user with recorded usage.
	List(ctx context.Context) ([]UsageRecord, error)
}

// UsageStore persists usage events. Implementations must be idempotent on RequestID.
type UsageStore interface {
	// Append journals one event.
	Append(ctx context.Context, event UsageEvent) error

	// Totals aggregates all journaled events per user and model.
	Totals(ctx context.Context) ([]UsageTotal, error)

	// Close releases resources.
	Close() error
}

// EventPublisher publishes events for observability.
type EventPublisher interface {
	// Publish publishes an event with the given type and data.
	Publish(ctx context.Context, eventType string, data map[string]interface{})
}
