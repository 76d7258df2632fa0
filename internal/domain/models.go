package domain

import (
	"io"
	"net/http"
	"time"
)

// User is a caller of the proxy, identified by name and authenticated by API key.
type User struct {
	Name   string
	APIKey string
}

// EndpointKind selects how the upstream credential is presented.
type EndpointKind string

const (
	// EndpointKindAzure sends the credential in the "api-key" header.
	EndpointKindAzure EndpointKind = "azure"

	// EndpointKindOpenAI sends the credential as a bearer token.
	EndpointKindOpenAI EndpointKind = "openai"
)

// Endpoint is one upstream inference service in the pool.
type Endpoint struct {
	ID         string
	BaseURL    string
	APIKey     string
	Kind       EndpointKind
	APIVersion string
}

// HealthState is the availability state of an endpoint.
type HealthState int

const (
	Healthy HealthState = iota
	Degraded
	Unhealthy
)

func (s HealthState) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Unhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON payloads.
func (s HealthState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// EndpointStatus is a point-in-time view of one endpoint's health.
type EndpointStatus struct {
	ID                  string      `json:"id"`
	State               HealthState `json:"state"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
	LastTransition      time.Time   `json:"last_transition"`
}

// EndpointSet is a set of endpoint IDs.
type EndpointSet map[string]struct{}

// Add inserts id into the set.
func (s EndpointSet) Add(id string) {
	s[id] = struct{}{}
}

// Has reports whether id is in the set. A nil set contains nothing.
func (s EndpointSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Usage tracks token consumption of a single upstream call.
type Usage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	Cost             float64 `json:"cost,omitempty"`
}

// ModelUsage is the token total for one user and one model.
type ModelUsage struct {
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	Requests         int64   `json:"requests"`
	CostUSD          float64 `json:"cost_usd"`
}

// UsageRecord is a consistent snapshot of a user's accumulated usage.
type UsageRecord struct {
	User                  string                `json:"user"`
	PromptTokensTotal     int64                 `json:"prompt_tokens_total"`
	CompletionTokensTotal int64                 `json:"completion_tokens_total"`
	CostTotalUSD          float64               `json:"cost_total_usd"`
	Requests              int64                 `json:"requests"`
	ByModel               map[string]ModelUsage `json:"by_model,omitempty"`
	UpdatedAt             time.Time             `json:"updated_at"`
}

// UsageEvent is one attributed upstream call, as journaled to a UsageStore.
type UsageEvent struct {
	RequestID  string
	User       string
	Model      string
	Endpoint   string
	Usage      Usage
	RecordedAt time.Time
}

// UsageTotal is an aggregate row restored from a UsageStore.
type UsageTotal struct {
	User             string
	Model            string
	PromptTokens     int64
	CompletionTokens int64
	Requests         int64
}

// ProxyRequest is an inbound call in transport-neutral form.
type ProxyRequest struct {
	APIKey   string
	Method   string
	Path     string
	RawQuery string
	Header   http.Header
	Body     []byte
	Model    string
	Stream   bool
}

// ProxyResponse is relayed to the caller unchanged. Exactly one of Body or Stream is set.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Stream     io.ReadCloser
	Endpoint   string
	Attempts   int
	Usage      *Usage
}

// RequestContext is the per-call state owned by a single Dispatcher invocation.
type RequestContext struct {
	RequestID string
	User      User
	Endpoint  Endpoint
	Attempt   int
	Excluded  EndpointSet
	StartedAt time.Time
}
