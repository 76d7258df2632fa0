// Package upstream talks to the inference endpoints of the pool.
package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/davidbz/meterproxy/internal/domain"
	"github.com/davidbz/meterproxy/internal/observability"
)

// Config contains transport settings shared by every endpoint.
type Config struct {
	DialTimeout         time.Duration `env:"UPSTREAM_DIAL_TIMEOUT"          envDefault:"10s"`
	IdleConnTimeout     time.Duration `env:"UPSTREAM_IDLE_CONN_TIMEOUT"     envDefault:"90s"`
	MaxIdleConnsPerHost int           `env:"UPSTREAM_MAX_IDLE_CONNS_PER_HOST" envDefault:"32"`
}

// Inbound credential and hop-by-hop headers that never reach an endpoint.
var strippedHeaders = []string{
	"Authorization",
	"Api-Key",
	"X-Api-Key",
	"Connection",
	"Keep-Alive",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Content-Length",
	"Host",
	"Accept-Encoding",
}

// Forwarder relays requests to endpoints with the endpoint's own credential.
type Forwarder struct {
	httpClient *http.Client
}

// NewForwarder creates a forwarder. Per-attempt deadlines come from the
// request context, so the client itself has no timeout.
func NewForwarder(cfg *Config) *Forwarder {
	dialTimeout := 10 * time.Second
	idle := 90 * time.Second
	perHost := 32
	if cfg != nil {
		if cfg.DialTimeout > 0 {
			dialTimeout = cfg.DialTimeout
		}
		if cfg.IdleConnTimeout > 0 {
			idle = cfg.IdleConnTimeout
		}
		if cfg.MaxIdleConnsPerHost > 0 {
			perHost = cfg.MaxIdleConnsPerHost
		}
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: dialTimeout}).DialContext,
		ForceAttemptHTTP2:   true,
		MaxIdleConnsPerHost: perHost,
		IdleConnTimeout:     idle,
		TLSHandshakeTimeout: dialTimeout,
	}

	return &Forwarder{
		httpClient: &http.Client{Transport: transport},
	}
}

// Forward sends req to endpoint. The caller owns the response body.
func (f *Forwarder) Forward(ctx context.Context, endpoint domain.Endpoint, req *domain.ProxyRequest) (*http.Response, error) {
	if req == nil {
		return nil, errors.New("request cannot be nil")
	}

	target := BuildURL(endpoint.BaseURL, req.Path, req.RawQuery)

	method := req.Method
	if method == "" {
		method = http.MethodPost
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	for name, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(name, v)
		}
	}
	for _, name := range strippedHeaders {
		httpReq.Header.Del(name)
	}
	if httpReq.Header.Get("Content-Type") == "" && len(req.Body) > 0 {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	if requestID := observability.GetRequestID(ctx); requestID != "" {
		httpReq.Header.Set("X-Request-Id", requestID)
	}

	SetCredential(httpReq.Header, endpoint)

	observability.FromContext(ctx).Debug("forwarding request",
		observability.String("method", method),
		observability.String("path", req.Path),
		observability.Int("body_bytes", len(req.Body)))

	resp, err := f.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	return resp, nil
}

// SetCredential writes the endpoint's credential in the form its kind expects.
func SetCredential(header http.Header, endpoint domain.Endpoint) {
	switch endpoint.Kind {
	case domain.EndpointKindOpenAI:
		header.Set("Authorization", "Bearer "+endpoint.APIKey)
	default:
		header.Set("api-key", endpoint.APIKey)
	}
}

// BuildURL joins base, path and an optional raw query.
func BuildURL(base, path, rawQuery string) string {
	url := strings.TrimRight(base, "/")
	if path != "" {
		url += "/" + strings.TrimLeft(path, "/")
	}
	if rawQuery != "" {
		url += "?" + rawQuery
	}
	return url
}
