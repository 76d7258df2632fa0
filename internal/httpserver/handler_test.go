package httpserver_test

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/davidbz/meterproxy/internal/auth"
	"github.com/davidbz/meterproxy/internal/config"
	"github.com/davidbz/meterproxy/internal/domain"
	"github.com/davidbz/meterproxy/internal/health"
	"github.com/davidbz/meterproxy/internal/httpserver"
	"github.com/davidbz/meterproxy/internal/httpserver/middleware"
	"github.com/davidbz/meterproxy/internal/ledger"
	"github.com/davidbz/meterproxy/internal/pool"
	"github.com/davidbz/meterproxy/internal/upstream"
	"github.com/davidbz/meterproxy/internal/upstream/echo"
)

const (
	adminKey  = "admin-secret"
	azurePath = "/openai/deployments/gpt-4o/chat/completions?api-version=2024-02-01"
	chatBody  = `{"model":"gpt-4o","messages":[{"role":"user","content":"Hello world"}]}`
)

type stack struct {
	router  http.Handler
	monitor *health.Monitor
	ledger  *ledger.Ledger
	servers []*echo.Server
}

func newStack(t *testing.T, upstreams int, admin string, maxBody int64) *stack {
	t.Helper()

	servers := make([]*echo.Server, 0, upstreams)
	handlers := make([]http.Handler, 0, upstreams)
	for i := 0; i < upstreams; i++ {
		srv := echo.NewServer(fmt.Sprintf("upstream-%d", i+1))
		servers = append(servers, srv)
		handlers = append(handlers, srv)
	}

	s := newStackWith(t, handlers, admin, maxBody)
	s.servers = servers
	return s
}

func newStackWith(t *testing.T, handlers []http.Handler, admin string, maxBody int64) *stack {
	t.Helper()

	endpoints := make([]domain.Endpoint, 0, len(handlers))
	ids := make([]string, 0, len(handlers))
	for i, h := range handlers {
		ts := httptest.NewServer(h)
		t.Cleanup(ts.Close)

		id := fmt.Sprintf("endpoint-%d", i+1)
		ids = append(ids, id)
		endpoints = append(endpoints, domain.Endpoint{ID: id, BaseURL: ts.URL, APIKey: "secret-" + id})
	}

	authenticator, err := auth.NewAuthenticator([]domain.User{
		{Name: "Angela", APIKey: "angela-12345"},
		{Name: "Benjamin", APIKey: "benjamin-12345"},
	})
	require.NoError(t, err)

	monitor := health.NewMonitor(ids, nil, nil)
	selector, err := pool.NewPool(endpoints, monitor)
	require.NoError(t, err)

	calc := domain.NewStandardCostCalculator(domain.NewInMemoryPricingRegistry(domain.PricingConfig{
		PromptCostPerToken: 0.000002, CompletionCostPerToken: 0.000002,
	}))
	usage, err := ledger.NewLedger(authenticator, calc, nil)
	require.NoError(t, err)

	dispatchCfg := &domain.DispatchConfig{MaxAttempts: 3, AttemptTimeout: 5 * time.Second, MaxBodyBytes: maxBody}
	dispatcher := domain.NewDispatcher(authenticator, selector, monitor, upstream.NewForwarder(nil), usage, calc, dispatchCfg)

	handler := httpserver.NewHandler(dispatcher, dispatchCfg)
	adminHandler := httpserver.NewAdminHandler(usage, monitor, &config.AdminConfig{APIKey: admin})
	router := httpserver.NewRouter(handler, adminHandler, middleware.BuildMiddlewareChain(nil))

	return &stack{router: router, monitor: monitor, ledger: usage}
}

func (s *stack) do(method, target, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func TestHandleProxy(t *testing.T) {
	t.Run("should relay an azure-shaped call and record usage", func(t *testing.T) {
		s := newStack(t, 1, "", 0)

		rec := s.do(http.MethodPost, azurePath, chatBody, map[string]string{"api-key": "angela-12345"})

		require.Equal(t, http.StatusOK, rec.Code)
		require.NotEmpty(t, rec.Header().Get("X-Request-Id"))
		require.Equal(t, "upstream-1", rec.Header().Get("X-Echo-Upstream"))
		require.Equal(t, int64(3), gjson.Get(rec.Body.String(), "usage.prompt_tokens").Int())

		record, err := s.ledger.Read(context.Background(), "Angela")
		require.NoError(t, err)
		require.Equal(t, int64(1), record.Requests)
		require.InDelta(t, 6*0.000002, record.CostTotalUSD, 1e-12)
	})

	t.Run("should substitute the endpoint credential", func(t *testing.T) {
		s := newStack(t, 1, "", 0)

		rec := s.do(http.MethodPost, azurePath, chatBody, map[string]string{"api-key": "angela-12345"})
		require.Equal(t, http.StatusOK, rec.Code)

		header := s.servers[0].LastHeader()
		require.Equal(t, "secret-endpoint-1", header.Get("Api-Key"))
		require.NotContains(t, header.Get("Authorization"), "angela-12345")
	})

	t.Run("should accept bearer and x-api-key credentials", func(t *testing.T) {
		s := newStack(t, 1, "", 0)

		rec := s.do(http.MethodPost, "/v1/chat/completions", chatBody,
			map[string]string{"Authorization": "Bearer angela-12345"})
		require.Equal(t, http.StatusOK, rec.Code)

		rec = s.do(http.MethodPost, "/v1/chat/completions", chatBody,
			map[string]string{"x-api-key": "benjamin-12345"})
		require.Equal(t, http.StatusOK, rec.Code)

		record, err := s.ledger.Read(context.Background(), "Benjamin")
		require.NoError(t, err)
		require.Equal(t, int64(1), record.Requests)
	})

	t.Run("should reject an unknown key without contacting an endpoint", func(t *testing.T) {
		s := newStack(t, 1, "", 0)

		rec := s.do(http.MethodPost, azurePath, chatBody, map[string]string{"api-key": "unknown-key"})

		require.Equal(t, http.StatusUnauthorized, rec.Code)
		require.NotContains(t, rec.Body.String(), "unknown-key")
		require.Equal(t, "authentication_error", gjson.Get(rec.Body.String(), "error.type").String())
		require.Zero(t, s.servers[0].Calls())
	})

	t.Run("should reject a missing key", func(t *testing.T) {
		s := newStack(t, 1, "", 0)

		rec := s.do(http.MethodPost, azurePath, chatBody, nil)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("should answer 503 when every endpoint is unhealthy", func(t *testing.T) {
		s := newStack(t, 2, "", 0)
		for i := 0; i < 6; i++ {
			s.monitor.RecordFailure(context.Background(), "endpoint-1")
			s.monitor.RecordFailure(context.Background(), "endpoint-2")
		}

		rec := s.do(http.MethodPost, azurePath, chatBody, map[string]string{"api-key": "angela-12345"})

		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
		require.Equal(t, "upstream_unavailable", gjson.Get(rec.Body.String(), "error.type").String())
	})

	t.Run("should not leak upstream error bodies of failed attempts", func(t *testing.T) {
		s := newStack(t, 1, "", 0)
		s.servers[0].FailNext(3, http.StatusInternalServerError)

		rec := s.do(http.MethodPost, azurePath, chatBody, map[string]string{"api-key": "angela-12345"})

		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
		require.NotContains(t, rec.Body.String(), "scripted failure")
	})

	t.Run("should reject an oversized body", func(t *testing.T) {
		s := newStack(t, 1, "", 16)

		rec := s.do(http.MethodPost, azurePath, chatBody, map[string]string{"api-key": "angela-12345"})

		require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
		require.Zero(t, s.servers[0].Calls())
	})

	t.Run("should only route POST calls", func(t *testing.T) {
		s := newStack(t, 1, "", 0)

		rec := s.do(http.MethodGet, "/v1/chat/completions", "", map[string]string{"api-key": "angela-12345"})
		require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}

func TestHandleProxy_Stream(t *testing.T) {
	s := newStack(t, 1, "", 0)
	proxy := httptest.NewServer(s.router)
	defer proxy.Close()

	req, err := http.NewRequest(http.MethodPost, proxy.URL+azurePath,
		strings.NewReader(`{"model":"gpt-4o","stream":true,"messages":[{"role":"user","content":"Hello world"}]}`))
	require.NoError(t, err)
	req.Header.Set("api-key", "angela-12345")
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), `"usage":{`)
	require.True(t, strings.HasSuffix(string(body), "data: [DONE]\n\n"))

	require.Eventually(t, func() bool {
		record, readErr := s.ledger.Read(context.Background(), "Angela")
		return readErr == nil && record.Requests == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHandleProxy_StreamOutlivesWriteTimeout(t *testing.T) {
	slow := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		for i := 0; i < 5; i++ {
			_, _ = io.WriteString(w, `data: {"choices":[{"delta":{"content":"tick"}}]}`+"\n\n")
			w.(http.Flusher).Flush()
			time.Sleep(150 * time.Millisecond)
		}
		_, _ = io.WriteString(w, `data: {"choices":[],"usage":{"prompt_tokens":2,"completion_tokens":5,"total_tokens":7}}`+"\n\ndata: [DONE]\n\n")
	})
	s := newStackWith(t, []http.Handler{slow}, "", 0)

	proxy := httptest.NewUnstartedServer(s.router)
	proxy.Config.WriteTimeout = 200 * time.Millisecond
	proxy.Start()
	defer proxy.Close()

	req, err := http.NewRequest(http.MethodPost, proxy.URL+azurePath,
		strings.NewReader(`{"model":"gpt-4o","stream":true,"messages":[{"role":"user","content":"Hello world"}]}`))
	require.NoError(t, err)
	req.Header.Set("api-key", "angela-12345")
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, 5, strings.Count(string(body), "tick"))
	require.True(t, strings.HasSuffix(string(body), "data: [DONE]\n\n"))

	require.Eventually(t, func() bool {
		record, readErr := s.ledger.Read(context.Background(), "Angela")
		return readErr == nil && record.CompletionTokensTotal == 5
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHandleProxy_OwnedHeaders(t *testing.T) {
	t.Run("should keep a single proxy request ID on relayed responses", func(t *testing.T) {
		s := newStack(t, 1, "", 0)

		rec := s.do(http.MethodPost, azurePath, chatBody, map[string]string{"api-key": "angela-12345"})
		require.Equal(t, http.StatusOK, rec.Code)

		ids := rec.Header().Values("X-Request-Id")
		require.Len(t, ids, 1)
		require.False(t, strings.HasPrefix(ids[0], "echo-"))
		require.Len(t, rec.Header().Values("X-Trace-Id"), 1)
	})

	t.Run("should drop upstream trace headers from streams", func(t *testing.T) {
		s := newStack(t, 1, "", 0)
		proxy := httptest.NewServer(s.router)
		defer proxy.Close()

		req, err := http.NewRequest(http.MethodPost, proxy.URL+azurePath,
			strings.NewReader(`{"model":"gpt-4o","stream":true,"messages":[{"role":"user","content":"Hello world"}]}`))
		require.NoError(t, err)
		req.Header.Set("api-key", "angela-12345")

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)

		ids := resp.Header.Values("X-Request-Id")
		require.Len(t, ids, 1)
		require.False(t, strings.HasPrefix(ids[0], "echo-"))
	})
}

func TestHandleHealth(t *testing.T) {
	s := newStack(t, 1, "", 0)

	rec := s.do(http.MethodGet, "/health", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "healthy", gjson.Get(rec.Body.String(), "status").String())
}

func TestAdminRoutes(t *testing.T) {
	t.Run("should not mount admin routes without an admin key", func(t *testing.T) {
		s := newStack(t, 1, "", 0)

		rec := s.do(http.MethodGet, "/admin/usage", "", map[string]string{"api-key": ""})
		require.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("should require the admin key", func(t *testing.T) {
		s := newStack(t, 1, adminKey, 0)

		rec := s.do(http.MethodGet, "/admin/usage", "", nil)
		require.Equal(t, http.StatusUnauthorized, rec.Code)

		rec = s.do(http.MethodGet, "/admin/usage", "", map[string]string{"api-key": "angela-12345"})
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("should export usage per user", func(t *testing.T) {
		s := newStack(t, 1, adminKey, 0)
		rec := s.do(http.MethodPost, azurePath, chatBody, map[string]string{"api-key": "angela-12345"})
		require.Equal(t, http.StatusOK, rec.Code)

		adminAuth := map[string]string{"Authorization": "Bearer " + adminKey}

		rec = s.do(http.MethodGet, "/admin/usage", "", adminAuth)
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, "Angela", gjson.Get(rec.Body.String(), "users.0.user").String())
		require.Equal(t, int64(3), gjson.Get(rec.Body.String(), "users.0.prompt_tokens_total").Int())

		rec = s.do(http.MethodGet, "/admin/usage/Angela", "", adminAuth)
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, int64(1), gjson.Get(rec.Body.String(), "requests").Int())
		require.Equal(t, int64(1), gjson.Get(rec.Body.String(), "by_model.gpt-4o.requests").Int())

		rec = s.do(http.MethodGet, "/admin/usage/Benjamin", "", adminAuth)
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, int64(0), gjson.Get(rec.Body.String(), "requests").Int())

		rec = s.do(http.MethodGet, "/admin/usage/Mallory", "", adminAuth)
		require.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("should report endpoint health", func(t *testing.T) {
		s := newStack(t, 2, adminKey, 0)
		for i := 0; i < 3; i++ {
			s.monitor.RecordFailure(context.Background(), "endpoint-2")
		}

		rec := s.do(http.MethodGet, "/admin/endpoints", "", map[string]string{"api-key": adminKey})
		require.Equal(t, http.StatusOK, rec.Code)

		body := rec.Body.String()
		require.Equal(t, "healthy", gjson.Get(body, "endpoints.0.state").String())
		require.Equal(t, "degraded", gjson.Get(body, "endpoints.1.state").String())
		require.Equal(t, int64(3), gjson.Get(body, "endpoints.1.consecutive_failures").Int())
		require.NotContains(t, body, "secret-endpoint")
	})
}
