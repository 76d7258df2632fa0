package upstream

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/davidbz/meterproxy/internal/domain"
	"github.com/davidbz/meterproxy/internal/observability"
)

// ModelsProbe checks an endpoint by listing its models with the OpenAI SDK.
type ModelsProbe struct {
	clients map[string]openai.Client
}

// NewModelsProbe builds one SDK client per endpoint.
func NewModelsProbe(endpoints []domain.Endpoint) *ModelsProbe {
	p := &ModelsProbe{clients: make(map[string]openai.Client, len(endpoints))}
	for _, e := range endpoints {
		p.clients[e.ID] = openai.NewClient(clientOptions(e)...)
	}
	return p
}

// Probe lists models on the endpoint; any answer counts as alive.
func (p *ModelsProbe) Probe(ctx context.Context, endpoint domain.Endpoint) error {
	client, ok := p.clients[endpoint.ID]
	if !ok {
		client = openai.NewClient(clientOptions(endpoint)...)
	}

	page, err := client.Models.List(ctx)
	if err != nil {
		return fmt.Errorf("list models on %s: %w", endpoint.ID, err)
	}

	observability.FromContext(ctx).Debug("endpoint probe answered",
		observability.String("endpoint_id", endpoint.ID),
		observability.Int("models", len(page.Data)))

	return nil
}

func clientOptions(e domain.Endpoint) []option.RequestOption {
	base := strings.TrimRight(e.BaseURL, "/")

	opts := []option.RequestOption{
		option.WithMaxRetries(0),
	}

	switch e.Kind {
	case domain.EndpointKindOpenAI:
		opts = append(opts,
			option.WithBaseURL(base+"/v1/"),
			option.WithAPIKey(e.APIKey))
	default:
		opts = append(opts,
			option.WithBaseURL(base+"/openai/"),
			option.WithHeaderDel("Authorization"),
			option.WithHeader("api-key", e.APIKey))
		if e.APIVersion != "" {
			opts = append(opts, option.WithQuery("api-version", e.APIVersion))
		}
	}

	return opts
}
