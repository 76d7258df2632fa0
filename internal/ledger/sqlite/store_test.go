package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/davidbz/meterproxy/internal/domain"
	"github.com/davidbz/meterproxy/internal/ledger/sqlite"
)

func newStore(t *testing.T) (*sqlite.Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "usage", "ledger.db")
	store, err := sqlite.New(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, path
}

func usageEvent(requestID, user, model string, prompt, completion int) domain.UsageEvent {
	return domain.UsageEvent{
		RequestID:  requestID,
		User:       user,
		Model:      model,
		Endpoint:   "endpoint-1",
		Usage:      domain.Usage{PromptTokens: prompt, CompletionTokens: completion},
		RecordedAt: time.Now(),
	}
}

func TestNew(t *testing.T) {
	t.Run("should reject an empty path", func(t *testing.T) {
		_, err := sqlite.New("")
		require.Error(t, err)
	})

	t.Run("should create missing directories", func(t *testing.T) {
		store, _ := newStore(t)

		totals, err := store.Totals(context.Background())
		require.NoError(t, err)
		require.Empty(t, totals)
	})
}

func TestStore_Append(t *testing.T) {
	ctx := context.Background()

	t.Run("should aggregate per user and model", func(t *testing.T) {
		store, _ := newStore(t)

		require.NoError(t, store.Append(ctx, usageEvent("r1", "Angela", "gpt-4o", 100, 50)))
		require.NoError(t, store.Append(ctx, usageEvent("r2", "Angela", "gpt-4o", 10, 5)))
		require.NoError(t, store.Append(ctx, usageEvent("r3", "Angela", "gpt-4o-mini", 1, 1)))
		require.NoError(t, store.Append(ctx, usageEvent("r4", "Benjamin", "gpt-4o", 7, 3)))

		totals, err := store.Totals(ctx)
		require.NoError(t, err)
		require.Equal(t, []domain.UsageTotal{
			{User: "Angela", Model: "gpt-4o", PromptTokens: 110, CompletionTokens: 55, Requests: 2},
			{User: "Angela", Model: "gpt-4o-mini", PromptTokens: 1, CompletionTokens: 1, Requests: 1},
			{User: "Benjamin", Model: "gpt-4o", PromptTokens: 7, CompletionTokens: 3, Requests: 1},
		}, totals)
	})

	t.Run("should ignore a repeated request id", func(t *testing.T) {
		store, _ := newStore(t)

		require.NoError(t, store.Append(ctx, usageEvent("dup", "Angela", "gpt-4o", 100, 50)))
		require.NoError(t, store.Append(ctx, usageEvent("dup", "Angela", "gpt-4o", 100, 50)))

		totals, err := store.Totals(ctx)
		require.NoError(t, err)
		require.Len(t, totals, 1)
		require.Equal(t, int64(1), totals[0].Requests)
		require.Equal(t, int64(100), totals[0].PromptTokens)
	})

	t.Run("should reject events without a request id or user", func(t *testing.T) {
		store, _ := newStore(t)

		require.Error(t, store.Append(ctx, usageEvent("", "Angela", "gpt-4o", 1, 1)))
		require.Error(t, store.Append(ctx, usageEvent("r1", "", "gpt-4o", 1, 1)))
	})

	t.Run("should persist across reopen", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "ledger.db")

		first, err := sqlite.New(path)
		require.NoError(t, err)
		require.NoError(t, first.Append(ctx, usageEvent("r1", "Angela", "gpt-4o", 100, 50)))
		require.NoError(t, first.Close())

		second, err := sqlite.New(path)
		require.NoError(t, err)
		defer second.Close()

		totals, err := second.Totals(ctx)
		require.NoError(t, err)
		require.Len(t, totals, 1)
		require.Equal(t, int64(50), totals[0].CompletionTokens)
	})
}
