package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/davidbz/meterproxy/internal/domain"
)

//nolint:gochecknoglobals // validator caches struct metadata and is safe for concurrent use
var validate = validator.New(validator.WithRequiredStructEnabled())

// Tables is the on-disk user table, endpoint list and optional per-model pricing.
type Tables struct {
	Users     map[string]UserEntry `yaml:"users"     validate:"required,min=1,dive"`
	Endpoints []EndpointEntry      `yaml:"endpoints" validate:"required,min=1,dive"`
	Pricing   PricingSection       `yaml:"pricing"`
}

// UserEntry holds one user's credential.
type UserEntry struct {
	APIKey string `yaml:"api_key" validate:"required"`
}

// EndpointEntry describes one upstream endpoint.
type EndpointEntry struct {
	Name       string `yaml:"name"        validate:"required"`
	BaseURL    string `yaml:"base_url"    validate:"required,url"`
	APIKey     string `yaml:"api_key"     validate:"required"`
	Kind       string `yaml:"kind"        validate:"omitempty,oneof=azure openai"`
	APIVersion string `yaml:"api_version"`
}

// PricingSection overrides the global token costs per model.
type PricingSection struct {
	Models map[string]ModelPricing `yaml:"models" validate:"omitempty,dive"`
}

// ModelPricing is the USD-per-token cost pair of one model.
type ModelPricing struct {
	PromptTokenCostUSD     float64 `yaml:"prompt_token_cost_usd"     validate:"gte=0"`
	CompletionTokenCostUSD float64 `yaml:"completion_token_cost_usd" validate:"gte=0"`
}

// LoadTables reads and validates the tables file at path.
func LoadTables(path string) (*Tables, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tables file: %w", err)
	}

	tables, err := ParseTables(data)
	if err != nil {
		return nil, fmt.Errorf("invalid tables file %s: %w", path, err)
	}

	return tables, nil
}

// ParseTables decodes YAML tables. Unknown keys are rejected.
func ParseTables(data []byte) (*Tables, error) {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)

	var tables Tables
	if err := decoder.Decode(&tables); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("tables file is empty")
		}
		return nil, fmt.Errorf("failed to decode yaml: %w", err)
	}

	if err := tables.Validate(); err != nil {
		return nil, err
	}

	return &tables, nil
}

// Validate checks field constraints and cross-entry uniqueness.
func (t *Tables) Validate() error {
	if err := validate.Struct(t); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			return describe(validationErrors)
		}
		return err
	}

	userKeys := make(map[string]string, len(t.Users))
	for name, user := range t.Users {
		if strings.TrimSpace(name) == "" {
			return errors.New("user name cannot be empty")
		}
		if other, taken := userKeys[user.APIKey]; taken {
			first, second := sortedPair(name, other)
			return fmt.Errorf("users %s and %s share an api key", first, second)
		}
		userKeys[user.APIKey] = name
	}

	names := make(map[string]struct{}, len(t.Endpoints))
	for _, e := range t.Endpoints {
		if _, dup := names[e.Name]; dup {
			return fmt.Errorf("duplicate endpoint name %s", e.Name)
		}
		names[e.Name] = struct{}{}

		if user, clash := userKeys[e.APIKey]; clash {
			return fmt.Errorf("endpoint %s uses the api key of user %s", e.Name, user)
		}
	}

	for model := range t.Pricing.Models {
		if strings.TrimSpace(model) == "" {
			return errors.New("pricing model name cannot be empty")
		}
	}

	return nil
}

// UserList returns the users ordered by name.
func (t *Tables) UserList() []domain.User {
	users := make([]domain.User, 0, len(t.Users))
	for name, entry := range t.Users {
		users = append(users, domain.User{Name: name, APIKey: entry.APIKey})
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Name < users[j].Name })
	return users
}

// EndpointList returns the endpoints in file order. Kind defaults to azure.
func (t *Tables) EndpointList() []domain.Endpoint {
	endpoints := make([]domain.Endpoint, 0, len(t.Endpoints))
	for _, e := range t.Endpoints {
		kind := domain.EndpointKind(e.Kind)
		if kind == "" {
			kind = domain.EndpointKindAzure
		}
		endpoints = append(endpoints, domain.Endpoint{
			ID:         e.Name,
			BaseURL:    strings.TrimRight(e.BaseURL, "/"),
			APIKey:     e.APIKey,
			Kind:       kind,
			APIVersion: e.APIVersion,
		})
	}
	return endpoints
}

// EndpointIDs returns endpoint names in file order.
func (t *Tables) EndpointIDs() []string {
	ids := make([]string, 0, len(t.Endpoints))
	for _, e := range t.Endpoints {
		ids = append(ids, e.Name)
	}
	return ids
}

// RegisterPricing loads the per-model overrides into registry.
func (t *Tables) RegisterPricing(ctx context.Context, registry domain.PricingRegistry) error {
	for model, p := range t.Pricing.Models {
		err := registry.RegisterPricing(ctx, model, domain.PricingConfig{
			PromptCostPerToken:     p.PromptTokenCostUSD,
			CompletionCostPerToken: p.CompletionTokenCostUSD,
		})
		if err != nil {
			return fmt.Errorf("failed to register pricing for %s: %w", model, err)
		}
	}
	return nil
}

// describe renders validator errors without echoing field values, which may be secrets.
func describe(errs validator.ValidationErrors) error {
	msgs := make([]string, 0, len(errs))
	for _, err := range errs {
		field := err.Namespace()
		switch err.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s is required", field))
		case "min":
			msgs = append(msgs, fmt.Sprintf("%s must have at least %s entries", field, err.Param()))
		case "url":
			msgs = append(msgs, fmt.Sprintf("%s must be a valid url", field))
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of: %s", field, err.Param()))
		case "gte":
			msgs = append(msgs, fmt.Sprintf("%s must be greater than or equal to %s", field, err.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed on '%s'", field, err.Tag()))
		}
	}
	return fmt.Errorf("validation failed: %s", strings.Join(msgs, "; "))
}

func sortedPair(a, b string) (string, string) {
	if a < b {
		return a, b
	}
	return b, a
}
