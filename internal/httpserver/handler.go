package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/davidbz/meterproxy/internal/domain"
	"github.com/davidbz/meterproxy/internal/observability"
)

const (
	defaultMaxBodyBytes = 10 << 20
	streamBufferBytes   = 32 << 10
	defaultStreamWindow = 60 * time.Second

	// statusClientClosedRequest is logged when the caller went away.
	statusClientClosedRequest = 499
)

// Response headers owned by this hop, not relayed from the endpoint. The
// trace middleware sets the request and trace IDs before dispatch.
var hopHeaders = map[string]struct{}{
	"Connection":        {},
	"Keep-Alive":        {},
	"Transfer-Encoding": {},
	"Content-Length":    {},
	"Trailer":           {},
	"Upgrade":           {},
	"X-Request-Id":      {},
	"X-Trace-Id":        {},
}

// Handler handles HTTP requests.
type Handler struct {
	dispatcher   *domain.Dispatcher
	maxBodyBytes int64
	streamWindow time.Duration
}

// NewHandler creates a new HTTP handler (DI constructor).
func NewHandler(dispatcher *domain.Dispatcher, cfg *domain.DispatchConfig) *Handler {
	maxBody := int64(defaultMaxBodyBytes)
	if cfg != nil && cfg.MaxBodyBytes > 0 {
		maxBody = cfg.MaxBodyBytes
	}

	window := defaultStreamWindow
	switch {
	case cfg == nil:
	case cfg.StreamIdleTimeout > 0:
		window = cfg.StreamIdleTimeout
	case cfg.AttemptTimeout > 0:
		window = cfg.AttemptTimeout
	}

	return &Handler{
		dispatcher:   dispatcher,
		maxBodyBytes: maxBody,
		streamWindow: window,
	}
}

// HandleProxy relays one inference call to the endpoint pool.
func (h *Handler) HandleProxy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := observability.FromContext(ctx)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large", "invalid_request_error")
			return
		}
		writeError(w, http.StatusBadRequest, "failed to read request body", "invalid_request_error")
		return
	}

	req := &domain.ProxyRequest{
		APIKey:   extractAPIKey(r),
		Method:   r.Method,
		Path:     r.URL.Path,
		RawQuery: r.URL.RawQuery,
		Header:   r.Header.Clone(),
		Body:     body,
		Model:    requestModel(r.URL.Path, body),
		Stream:   gjson.GetBytes(body, "stream").Bool(),
	}

	logger.Info("proxy request received",
		observability.String("path", req.Path),
		observability.String("model", req.Model),
		observability.Bool("stream", req.Stream),
		observability.Int("body_bytes", len(body)),
	)

	resp, err := h.dispatcher.Handle(ctx, req)
	if err != nil {
		h.writeDispatchError(ctx, w, err)
		return
	}

	copyHeaders(w.Header(), resp.Header)

	if resp.Stream != nil {
		h.relayStream(ctx, w, resp)
		return
	}

	w.WriteHeader(resp.StatusCode)
	if _, writeErr := w.Write(resp.Body); writeErr != nil {
		logger.Warn("failed to write response", observability.Error(writeErr))
		return
	}

	logger.Info("proxy request completed",
		observability.Int("status", resp.StatusCode),
		observability.String("endpoint", resp.Endpoint),
		observability.Int("attempts", resp.Attempts),
	)
}

// relayStream copies the endpoint's event stream to the caller chunk by chunk.
// Closing the stream releases the upstream connection. The server write
// timeout would cut long generations, so each chunk gets its own deadline.
func (h *Handler) relayStream(ctx context.Context, w http.ResponseWriter, resp *domain.ProxyResponse) {
	logger := observability.FromContext(ctx)
	defer resp.Stream.Close()

	flusher, _ := w.(http.Flusher)
	extend := h.writeDeadline(ctx, w)

	extend()
	w.WriteHeader(resp.StatusCode)
	if flusher != nil {
		flusher.Flush()
	}

	buf := make([]byte, streamBufferBytes)
	for {
		n, readErr := resp.Stream.Read(buf)
		if n > 0 {
			extend()
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				logger.Info("caller left during stream", observability.Error(writeErr))
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr != nil {
			if !errors.Is(readErr, io.EOF) {
				logger.Warn("upstream stream interrupted", observability.Error(readErr))
			}
			break
		}
	}

	logger.Info("stream completed",
		observability.String("endpoint", resp.Endpoint),
		observability.Int("attempts", resp.Attempts),
	)
}

// writeDeadline returns a func that pushes the connection's write deadline
// one stream window ahead. Writers without deadline support are left alone.
func (h *Handler) writeDeadline(ctx context.Context, w http.ResponseWriter) func() {
	rc := http.NewResponseController(w)
	supported := true

	return func() {
		if !supported {
			return
		}
		if err := rc.SetWriteDeadline(time.Now().Add(h.streamWindow)); err != nil {
			supported = false
			if !errors.Is(err, http.ErrNotSupported) {
				observability.FromContext(ctx).Debug("failed to extend write deadline", observability.Error(err))
			}
		}
	}
}

// writeDispatchError maps dispatch failures to caller-facing responses that
// never include credentials or bodies from failed attempts.
func (h *Handler) writeDispatchError(ctx context.Context, w http.ResponseWriter, err error) {
	logger := observability.FromContext(ctx)

	switch {
	case errors.Is(err, domain.ErrAuthentication):
		logger.Info("authentication failed")
		writeError(w, http.StatusUnauthorized, "invalid api key", "authentication_error")
	case errors.Is(err, domain.ErrUpstreamUnavailable), errors.Is(err, domain.ErrNoEndpointAvailable):
		logger.Warn("upstream unavailable", observability.Error(err))
		writeError(w, http.StatusServiceUnavailable, "no upstream endpoint available", "upstream_unavailable")
	case errors.Is(err, context.Canceled):
		logger.Info("caller cancelled request")
		w.WriteHeader(statusClientClosedRequest)
	case errors.Is(err, context.DeadlineExceeded):
		logger.Warn("request deadline exceeded")
		writeError(w, http.StatusGatewayTimeout, "request timed out", "timeout")
	default:
		logger.Error("dispatch failed", observability.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error", "internal_error")
	}
}

// HandleHealth handles liveness checks.
func (h *Handler) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// extractAPIKey reads the caller key from Authorization, api-key or x-api-key.
func extractAPIKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if scheme, token, ok := strings.Cut(auth, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	if key := r.Header.Get("api-key"); key != "" {
		return key
	}
	return r.Header.Get("x-api-key")
}

// requestModel prefers the body's model field and falls back to the Azure
// deployment name in the path.
func requestModel(path string, body []byte) string {
	if model := gjson.GetBytes(body, "model").String(); model != "" {
		return model
	}

	const marker = "/deployments/"
	idx := strings.Index(path, marker)
	if idx < 0 {
		return ""
	}
	rest := path[idx+len(marker):]
	if slash := strings.IndexByte(rest, '/'); slash >= 0 {
		rest = rest[:slash]
	}
	return rest
}

func copyHeaders(dst, src http.Header) {
	for name, values := range src {
		if _, hop := hopHeaders[http.CanonicalHeaderKey(name)]; hop {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

func writeError(w http.ResponseWriter, status int, message, errType string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"message": message,
			"type":    errType,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
