package domain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/davidbz/meterproxy/internal/observability"
)

const (
	defaultMaxAttempts    = 3
	defaultAttemptTimeout = 60 * time.Second

	// Bytes of a rejected response read before closing, so the connection can be reused.
	drainLimit = 64 << 10
)

// Dispatcher orchestrates one inbound call: authenticate, select, forward, account.
type Dispatcher struct {
	auth           Authenticator
	selector       EndpointSelector
	health         HealthRecorder
	forwarder      Forwarder
	ledger         UsageLedger
	costCalculator CostCalculator
	maxAttempts    int
	attemptTimeout time.Duration
	streamIdle     time.Duration
	now            func() time.Time
}

// NewDispatcher creates a new dispatcher (DI constructor).
func NewDispatcher(
	auth Authenticator,
	selector EndpointSelector,
	health HealthRecorder,
	forwarder Forwarder,
	ledger UsageLedger,
	costCalculator CostCalculator,
	cfg *DispatchConfig,
) *Dispatcher {
	maxAttempts := defaultMaxAttempts
	attemptTimeout := defaultAttemptTimeout
	if cfg != nil {
		if cfg.MaxAttempts > 0 {
			maxAttempts = cfg.MaxAttempts
		}
		if cfg.AttemptTimeout > 0 {
			attemptTimeout = cfg.AttemptTimeout
		}
	}
	streamIdle := attemptTimeout
	if cfg != nil && cfg.StreamIdleTimeout > 0 {
		streamIdle = cfg.StreamIdleTimeout
	}

	return &Dispatcher{
		auth:           auth,
		selector:       selector,
		health:         health,
		forwarder:      forwarder,
		ledger:         ledger,
		costCalculator: costCalculator,
		maxAttempts:    maxAttempts,
		attemptTimeout: attemptTimeout,
		streamIdle:     streamIdle,
		now:            time.Now,
	}
}

// Handle serves one inbound call. Returned errors wrap ErrAuthentication,
// ErrUpstreamUnavailable or the caller's context error.
func (d *Dispatcher) Handle(ctx context.Context, req *ProxyRequest) (*ProxyResponse, error) {
	if req == nil {
		return nil, errors.New("request cannot be nil")
	}

	user, err := d.auth.Authenticate(ctx, req.APIKey)
	if err != nil {
		return nil, err
	}

	ctx = observability.WithUser(ctx, user.Name)
	if req.Model != "" {
		ctx = observability.WithModel(ctx, req.Model)
	}

	requestID := observability.GetRequestID(ctx)
	if requestID == "" {
		requestID = observability.GenerateRequestID()
		ctx = observability.WithRequestID(ctx, requestID)
	}

	rc := &RequestContext{
		RequestID: requestID,
		User:      user,
		Excluded:  EndpointSet{},
		StartedAt: d.now(),
	}

	logger := observability.FromContext(ctx)

	var lastErr error
	for rc.Attempt = 1; rc.Attempt <= d.maxAttempts; rc.Attempt++ {
		endpoint, selectErr := d.selector.Select(ctx, rc.Excluded)
		if selectErr != nil {
			logger.Warn("no endpoint left to try",
				observability.Int("attempt", rc.Attempt),
				observability.Error(selectErr))
			return nil, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, selectErr)
		}
		rc.Endpoint = endpoint

		attemptCtx := observability.WithEndpoint(ctx, endpoint.ID)
		response, attemptErr := d.attempt(attemptCtx, rc, req)
		if attemptErr == nil {
			return response, nil
		}

		// A caller that went away is not the endpoint's fault.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		d.health.RecordFailure(attemptCtx, endpoint.ID)
		rc.Excluded.Add(endpoint.ID)
		lastErr = attemptErr

		observability.FromContext(attemptCtx).Warn("upstream attempt failed",
			observability.Int("attempt", rc.Attempt),
			observability.Int("max_attempts", d.maxAttempts),
			observability.Error(attemptErr))
	}

	logger.Error("attempt budget exhausted",
		observability.Int("attempts", d.maxAttempts),
		observability.Duration("elapsed", d.now().Sub(rc.StartedAt)),
		observability.Error(lastErr))

	return nil, fmt.Errorf("%w: %d attempts failed", ErrUpstreamUnavailable, d.maxAttempts)
}

// attempt forwards the request to rc.Endpoint. A nil error means the endpoint
// answered and the response must be relayed.
func (d *Dispatcher) attempt(ctx context.Context, rc *RequestContext, req *ProxyRequest) (*ProxyResponse, error) {
	attemptCtx, cancel := context.WithCancel(ctx)
	timer := time.AfterFunc(d.attemptTimeout, cancel)

	resp, err := d.forwarder.Forward(attemptCtx, rc.Endpoint, req)
	if err != nil {
		timer.Stop()
		cancel()
		return nil, fmt.Errorf("forward failed: %w", err)
	}

	if isRetryableStatus(resp.StatusCode) {
		timer.Stop()
		discard(resp.Body)
		cancel()
		return nil, &UpstreamError{Endpoint: rc.Endpoint.ID, StatusCode: resp.StatusCode}
	}

	if req.Stream && isSuccess(resp.StatusCode) && isEventStream(resp.Header) {
		if !timer.Stop() {
			discard(resp.Body)
			cancel()
			return nil, fmt.Errorf("attempt timed out after %s", d.attemptTimeout)
		}

		d.health.RecordSuccess(ctx, rc.Endpoint.ID)

		tap := newUsageTap(resp.Body, func(usage Usage, model string, tapErr error) {
			if tapErr != nil {
				observability.FromContext(ctx).Warn("stream finished without usage metadata",
					observability.Error(tapErr))
				return
			}
			d.account(ctx, rc, firstNonEmpty(req.Model, model), &usage)
		}, cancel)

		endpointID := rc.Endpoint.ID
		tap.watch(d.streamIdle, func() {
			observability.FromContext(ctx).Warn("upstream stream stalled",
				observability.Duration("idle", d.streamIdle))
			d.health.RecordFailure(ctx, endpointID)
			cancel()
		})

		return &ProxyResponse{
			StatusCode: resp.StatusCode,
			Header:     resp.Header.Clone(),
			Stream:     tap,
			Endpoint:   rc.Endpoint.ID,
			Attempts:   rc.Attempt,
		}, nil
	}

	defer cancel()
	defer timer.Stop()

	body, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return nil, fmt.Errorf("failed to read upstream response: %w", readErr)
	}

	d.health.RecordSuccess(ctx, rc.Endpoint.ID)

	out := &ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       body,
		Endpoint:   rc.Endpoint.ID,
		Attempts:   rc.Attempt,
	}

	if !isSuccess(resp.StatusCode) {
		return out, nil
	}

	usage, usageErr := ExtractUsage(body)
	if usageErr != nil {
		observability.FromContext(ctx).Warn("usage not recorded: response lacks usage metadata",
			observability.Int("status", resp.StatusCode),
			observability.Error(usageErr))
		return out, nil
	}

	// The requested model names the pricing entry; endpoints report dated snapshots.
	d.account(ctx, rc, firstNonEmpty(req.Model, ExtractModel(body)), &usage)
	out.Usage = &usage

	return out, nil
}

// account attributes one completed call to the authenticated user.
func (d *Dispatcher) account(ctx context.Context, rc *RequestContext, model string, usage *Usage) {
	logger := observability.FromContext(ctx)

	if d.costCalculator != nil {
		cost, err := d.costCalculator.Calculate(ctx, model, *usage)
		if err != nil {
			logger.Warn("cost calculation failed", observability.Error(err))
		}
		usage.Cost = cost
	}

	event := UsageEvent{
		RequestID:  rc.RequestID,
		User:       rc.User.Name,
		Model:      model,
		Endpoint:   rc.Endpoint.ID,
		Usage:      *usage,
		RecordedAt: d.now(),
	}

	if err := d.ledger.Record(ctx, event); err != nil {
		if errors.Is(err, ErrUnknownUser) {
			logger.Error("ledger invariant violated: authenticated user missing from ledger",
				observability.Error(err))
			return
		}
		logger.Error("failed to record usage", observability.Error(err))
		return
	}

	logger.Info("usage recorded",
		observability.Int("prompt_tokens", usage.PromptTokens),
		observability.Int("completion_tokens", usage.CompletionTokens),
		observability.Float64("cost_usd", usage.Cost),
		observability.Int("attempt", rc.Attempt))
}

// isRetryableStatus reports statuses that count as an endpoint failure.
// Throttling and credential rejections are attributed to the endpoint, other
// client errors are relayed to the caller.
func isRetryableStatus(code int) bool {
	switch {
	case code >= http.StatusInternalServerError:
		return true
	case code == http.StatusTooManyRequests,
		code == http.StatusRequestTimeout,
		code == http.StatusUnauthorized,
		code == http.StatusForbidden:
		return true
	default:
		return false
	}
}

func isSuccess(code int) bool {
	return code >= http.StatusOK && code < http.StatusMultipleChoices
}

func isEventStream(header http.Header) bool {
	return strings.HasPrefix(header.Get("Content-Type"), "text/event-stream")
}

func discard(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, drainLimit))
	_ = body.Close()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
