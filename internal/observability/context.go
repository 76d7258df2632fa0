package observability

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// contextKey names a request-scoped value. Its string form is the log field name.
type contextKey string

const (
	traceIDKey   contextKey = "trace_id"
	spanIDKey    contextKey = "span_id"
	requestIDKey contextKey = "request_id"
	userKey      contextKey = "user"
	endpointKey  contextKey = "endpoint"
	modelKey     contextKey = "model"
)

// loggedKeys are attached by FromContext, in this order, when present.
var loggedKeys = []contextKey{traceIDKey, spanIDKey, requestIDKey, userKey, endpointKey, modelKey}

// WithTraceID stores the OpenTelemetry-shaped trace ID.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return withValue(ctx, traceIDKey, traceID)
}

// WithSpanID stores the span ID.
func WithSpanID(ctx context.Context, spanID string) context.Context {
	return withValue(ctx, spanIDKey, spanID)
}

// WithRequestID stores the request ID, which also keys journaled usage.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return withValue(ctx, requestIDKey, requestID)
}

// WithUser stores the authenticated user name.
func WithUser(ctx context.Context, user string) context.Context {
	return withValue(ctx, userKey, user)
}

// WithEndpoint stores the endpoint of the current attempt.
func WithEndpoint(ctx context.Context, endpointID string) context.Context {
	return withValue(ctx, endpointKey, endpointID)
}

// WithModel stores the requested model or deployment.
func WithModel(ctx context.Context, model string) context.Context {
	return withValue(ctx, modelKey, model)
}

func GetTraceID(ctx context.Context) string { return value(ctx, traceIDKey) }

func GetRequestID(ctx context.Context) string { return value(ctx, requestIDKey) }

func withValue(ctx context.Context, key contextKey, v string) context.Context {
	if v == "" {
		return ctx
	}
	return context.WithValue(ctx, key, v)
}

func value(ctx context.Context, key contextKey) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(key).(string)
	return v
}

// GenerateTraceID returns 32 hex characters.
func GenerateTraceID() string { return randomHex(16) }

// GenerateSpanID returns 16 hex characters.
func GenerateSpanID() string { return randomHex(8) }

// GenerateRequestID returns a random UUID.
func GenerateRequestID() string { return uuid.NewString() }

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return strings.ReplaceAll(uuid.NewString(), "-", "")[:2*n]
	}
	return hex.EncodeToString(buf)
}
