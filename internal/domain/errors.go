package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthentication is returned when the presented key matches no user.
	ErrAuthentication = errors.New("authentication failed")

	// ErrNoEndpointAvailable is returned by the selector when every endpoint is unhealthy or excluded.
	ErrNoEndpointAvailable = errors.New("no endpoint available")

	// ErrUpstreamUnavailable is returned to callers once the attempt budget is spent.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrUnknownUser signals a ledger write for a user missing from the user table.
	ErrUnknownUser = errors.New("unknown user")

	// ErrMissingUsage marks a successful upstream response without token counts.
	ErrMissingUsage = errors.New("usage metadata missing")

	// ErrStreamStalled ends a relayed stream whose endpoint stopped sending data.
	ErrStreamStalled = errors.New("upstream stream stalled")
)

// UpstreamError is a non-success HTTP status returned by an endpoint.
type UpstreamError struct {
	Endpoint   string
	StatusCode int
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("endpoint %s returned status %d", e.Endpoint, e.StatusCode)
}
