// Package redis journals usage totals to Redis hashes.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/davidbz/meterproxy/internal/domain"
	"github.com/davidbz/meterproxy/internal/observability"
)

const (
	defaultPrefix = "meterproxy:"
	markerTTL     = 7 * 24 * time.Hour
	scanCount     = 100

	fieldPrompt     = "prompt"
	fieldCompletion = "completion"
	fieldRequests   = "requests"
)

// Config holds Redis connection settings.
type Config struct {
	Addr     string `env:"REDIS_ADDR"     envDefault:"localhost:6379"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB"       envDefault:"0"`
}

// NewClient opens a client and verifies connectivity.
func NewClient(ctx context.Context, cfg *Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}

	return client, nil
}

// Store implements domain.UsageStore with one hash per user. Hash fields are
// "<field>|<model>" counters.
type Store struct {
	client *redis.Client
	prefix string
}

// NewStore creates a Redis usage store.
func NewStore(client *redis.Client, prefix string) (*Store, error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	if prefix == "" {
		prefix = defaultPrefix
	}

	return &Store{
		client: client,
		prefix: prefix,
	}, nil
}

// Append increments the user's counters once per request ID.
func (s *Store) Append(ctx context.Context, event domain.UsageEvent) error {
	if event.RequestID == "" {
		return errors.New("usage event requires a request id")
	}
	if event.User == "" {
		return errors.New("usage event requires a user")
	}

	logger := observability.FromContext(ctx)
	marker := s.markerKey(event.RequestID)

	fresh, err := s.client.SetNX(ctx, marker, event.User, markerTTL).Result()
	if err != nil {
		return fmt.Errorf("failed to set idempotency marker: %w", err)
	}
	if !fresh {
		logger.Debug("usage event already journaled",
			observability.String("request_id", event.RequestID))
		return nil
	}

	key := s.userKey(event.User)

	pipe := s.client.TxPipeline()
	pipe.HIncrBy(ctx, key, field(fieldPrompt, event.Model), int64(event.Usage.PromptTokens))
	pipe.HIncrBy(ctx, key, field(fieldCompletion, event.Model), int64(event.Usage.CompletionTokens))
	pipe.HIncrBy(ctx, key, field(fieldRequests, event.Model), 1)

	if _, execErr := pipe.Exec(ctx); execErr != nil {
		// Release the marker so a retry can apply the increment.
		_ = s.client.Del(ctx, marker).Err()
		return fmt.Errorf("failed to increment usage: %w", execErr)
	}

	return nil
}

// Totals scans every user hash and aggregates it per model.
func (s *Store) Totals(ctx context.Context) ([]domain.UsageTotal, error) {
	var out []domain.UsageTotal

	pattern := s.prefix + "usage:user:*"
	iter := s.client.Scan(ctx, 0, pattern, scanCount).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		user := strings.TrimPrefix(key, s.prefix+"usage:user:")

		fields, err := s.client.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read usage for %s: %w", user, err)
		}

		totals, err := parseTotals(user, fields)
		if err != nil {
			return nil, err
		}
		out = append(out, totals...)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan usage keys: %w", err)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].User != out[j].User {
			return out[i].User < out[j].User
		}
		return out[i].Model < out[j].Model
	})

	return out, nil
}

// Close closes the Redis client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) markerKey(requestID string) string {
	return s.prefix + "usage:event:" + requestID
}

func (s *Store) userKey(user string) string {
	return s.prefix + "usage:user:" + user
}

func field(name, model string) string {
	return name + "|" + model
}

// parseTotals folds "<field>|<model>" counters into one row per model.
func parseTotals(user string, fields map[string]string) ([]domain.UsageTotal, error) {
	byModel := make(map[string]*domain.UsageTotal)

	for name, raw := range fields {
		kind, model, ok := strings.Cut(name, "|")
		if !ok {
			continue
		}

		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid counter %s for %s: %w", name, user, err)
		}

		row, exists := byModel[model]
		if !exists {
			row = &domain.UsageTotal{User: user, Model: model}
			byModel[model] = row
		}

		switch kind {
		case fieldPrompt:
			row.PromptTokens = value
		case fieldCompletion:
			row.CompletionTokens = value
		case fieldRequests:
			row.Requests = value
		}
	}

	out := make([]domain.UsageTotal, 0, len(byModel))
	for _, row := range byModel {
		out = append(out, *row)
	}
	return out, nil
}
