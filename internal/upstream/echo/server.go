// Package echo provides a deterministic OpenAI-shaped upstream that echoes the
// request messages back. It makes no external calls and is used for local
// development and tests.
package echo

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"
)

const (
	defaultModel = "echo4"
	chunkDelay   = 5 * time.Millisecond
)

// Server echoes chat completions and reports word-count usage.
type Server struct {
	name  string
	calls atomic.Int64

	mu         sync.Mutex
	failures   int
	failStatus int
	omitUsage  bool
	delay      time.Duration
	lastHeader http.Header
}

// NewServer creates an echo upstream identified by name in its responses.
func NewServer(name string) *Server {
	return &Server{name: name}
}

// FailNext makes the next n completion calls answer with status.
func (s *Server) FailNext(n, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = n
	s.failStatus = status
}

// OmitUsage drops the usage object from responses.
func (s *Server) OmitUsage(omit bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.omitUsage = omit
}

// SetDelay holds every completion for d before answering.
func (s *Server) SetDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

// Calls returns how many completion calls reached the server.
func (s *Server) Calls() int64 {
	return s.calls.Load()
}

// LastHeader returns the headers of the most recent completion call.
func (s *Server) LastHeader() http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHeader.Clone()
}

// ServeHTTP routes model listings and chat completions.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/models"):
		s.serveModels(w)
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/chat/completions"):
		s.serveCompletion(w, r)
	default:
		writeError(w, http.StatusNotFound, "unknown route "+r.URL.Path)
	}
}

func (s *Server) serveModels(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"object": "list",
		"data": []map[string]any{
			{"id": defaultModel, "object": "model", "created": 0, "owned_by": s.name},
		},
	})
}

func (s *Server) serveCompletion(w http.ResponseWriter, r *http.Request) {
	s.calls.Add(1)

	s.mu.Lock()
	s.lastHeader = r.Header.Clone()
	fail := s.failures > 0
	status := s.failStatus
	if fail {
		s.failures--
	}
	omitUsage := s.omitUsage
	delay := s.delay
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	if fail {
		writeError(w, status, "scripted failure")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil || !gjson.ValidBytes(body) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	parsed := gjson.ParseBytes(body)
	model := parsed.Get("model").String()
	if model == "" {
		model = defaultModel
	}

	content := buildEchoContent(parsed.Get("messages"))
	promptTokens := countTokens(content)
	usage := map[string]int{
		"prompt_tokens":     promptTokens,
		"completion_tokens": promptTokens,
		"total_tokens":      2 * promptTokens,
	}

	id := fmt.Sprintf("echo-%d", time.Now().UnixNano())

	if parsed.Get("stream").Bool() {
		s.streamCompletion(w, r, id, model, content, usage, omitUsage)
		return
	}

	resp := map[string]any{
		"id":      id,
		"object":  "chat.completion",
		"model":   model,
		"created": time.Now().Unix(),
		"choices": []map[string]any{{
			"index":         0,
			"message":       map[string]string{"role": "assistant", "content": content},
			"finish_reason": "stop",
		}},
	}
	if !omitUsage {
		resp["usage"] = usage
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Echo-Upstream", s.name)
	w.Header().Set("X-Request-Id", id)
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) streamCompletion(
	w http.ResponseWriter,
	r *http.Request,
	id, model, content string,
	usage map[string]int,
	omitUsage bool,
) {
	flusher, _ := w.(http.Flusher)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Echo-Upstream", s.name)
	w.Header().Set("X-Request-Id", id)
	w.WriteHeader(http.StatusOK)

	send := func(payload any) {
		data, _ := json.Marshal(payload)
		_, _ = fmt.Fprintf(w, "data: %s\n\n", data)
		if flusher != nil {
			flusher.Flush()
		}
	}

	for _, word := range strings.Fields(content) {
		select {
		case <-r.Context().Done():
			return
		case <-time.After(chunkDelay):
		}
		send(map[string]any{
			"id":     id,
			"object": "chat.completion.chunk",
			"model":  model,
			"choices": []map[string]any{{
				"index": 0,
				"delta": map[string]string{"content": word + " "},
			}},
		})
	}

	final := map[string]any{
		"id":      id,
		"object":  "chat.completion.chunk",
		"model":   model,
		"choices": []map[string]any{},
	}
	if !omitUsage {
		final["usage"] = usage
	}
	send(final)

	_, _ = io.WriteString(w, "data: [DONE]\n\n")
	if flusher != nil {
		flusher.Flush()
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"message": message, "type": "echo_error"},
	})
}

// buildEchoContent constructs the echo response from request messages.
func buildEchoContent(messages gjson.Result) string {
	var builder strings.Builder
	messages.ForEach(func(_, msg gjson.Result) bool {
		fmt.Fprintf(&builder, "[%s]: %s\n", msg.Get("role").String(), msg.Get("content").String())
		return true
	})
	return builder.String()
}

// countTokens performs simple word-based token counting.
func countTokens(content string) int {
	if content == "" {
		return 0
	}
	return len(strings.Fields(content))
}
