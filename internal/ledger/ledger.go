// Package ledger accumulates per-user token usage and derives its cost.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/davidbz/meterproxy/internal/domain"
	"github.com/davidbz/meterproxy/internal/observability"
)

// journalTimeout bounds a journal write once it is detached from the caller.
const journalTimeout = 5 * time.Second

// Ledger is the authoritative in-memory usage accumulator. Every increment is
// optionally journaled to a domain.UsageStore.
type Ledger struct {
	directory domain.UserDirectory
	calc      domain.CostCalculator
	store     domain.UsageStore
	now       func() time.Time

	mu       sync.RWMutex
	accounts map[string]*account
}

type account struct {
	mu        sync.Mutex
	byModel   map[string]*totals
	updatedAt time.Time
}

type totals struct {
	prompt     int64
	completion int64
	requests   int64
}

// NewLedger creates a ledger. store may be nil for a memory-only ledger.
func NewLedger(directory domain.UserDirectory, calc domain.CostCalculator, store domain.UsageStore) (*Ledger, error) {
	if directory == nil {
		return nil, errors.New("user directory cannot be nil")
	}
	if calc == nil {
		return nil, errors.New("cost calculator cannot be nil")
	}

	return &Ledger{
		directory: directory,
		calc:      calc,
		store:     store,
		now:       time.Now,
		accounts:  make(map[string]*account),
	}, nil
}

// Record adds one event's tokens to the user's totals. The update is applied
// in full or not at all.
func (l *Ledger) Record(ctx context.Context, event domain.UsageEvent) error {
	if event.User == "" {
		return fmt.Errorf("%w: empty user", domain.ErrUnknownUser)
	}
	if event.Usage.PromptTokens < 0 || event.Usage.CompletionTokens < 0 {
		return errors.New("token counts cannot be negative")
	}
	if _, ok := l.directory.Lookup(event.User); !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownUser, event.User)
	}

	if event.RecordedAt.IsZero() {
		event.RecordedAt = l.now()
	}

	acct := l.account(event.User)
	acct.add(event.Model, int64(event.Usage.PromptTokens), int64(event.Usage.CompletionTokens), 1, event.RecordedAt)

	if l.store != nil {
		// A stream that ends as the client disconnects still owes its journal row.
		journalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), journalTimeout)
		defer cancel()

		if err := l.store.Append(journalCtx, event); err != nil {
			observability.FromContext(ctx).Error("failed to journal usage event",
				observability.String("request_id", event.RequestID),
				observability.Error(err))
		}
	}

	return nil
}

// Read returns a point-in-time snapshot of the user's totals. A known user
// without usage reads as zero.
func (l *Ledger) Read(ctx context.Context, user string) (domain.UsageRecord, error) {
	l.mu.RLock()
	acct, ok := l.accounts[user]
	l.mu.RUnlock()

	if !ok {
		if _, known := l.directory.Lookup(user); !known {
			return domain.UsageRecord{}, fmt.Errorf("%w: %s", domain.ErrUnknownUser, user)
		}
		return domain.UsageRecord{User: user, ByModel: map[string]domain.ModelUsage{}}, nil
	}

	return l.snapshot(ctx, user, acct), nil
}

// List returns snapshots for every user with recorded usage, ordered by name.
func (l *Ledger) List(ctx context.Context) ([]domain.UsageRecord, error) {
	l.mu.RLock()
	names := make([]string, 0, len(l.accounts))
	accts := make(map[string]*account, len(l.accounts))
	for name, acct := range l.accounts {
		names = append(names, name)
		accts[name] = acct
	}
	l.mu.RUnlock()

	sort.Strings(names)

	records := make([]domain.UsageRecord, 0, len(names))
	for _, name := range names {
		records = append(records, l.snapshot(ctx, name, accts[name]))
	}

	return records, nil
}

// Restore seeds the ledger from the store's journaled totals. It must run
// before the ledger serves traffic.
func (l *Ledger) Restore(ctx context.Context) (int, error) {
	if l.store == nil {
		return 0, nil
	}

	rows, err := l.store.Totals(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load usage totals: %w", err)
	}

	logger := observability.FromContext(ctx)
	restoredAt := l.now()

	for _, row := range rows {
		if _, ok := l.directory.Lookup(row.User); !ok {
			logger.Warn("restoring usage for user missing from the user table",
				observability.String("user", row.User))
		}
		l.account(row.User).add(row.Model, row.PromptTokens, row.CompletionTokens, row.Requests, restoredAt)
	}

	logger.Info("usage ledger restored",
		observability.Int("rows", len(rows)))

	return len(rows), nil
}

// Close releases the underlying store.
func (l *Ledger) Close() error {
	if l.store == nil {
		return nil
	}
	return l.store.Close()
}

func (l *Ledger) account(user string) *account {
	l.mu.RLock()
	acct, ok := l.accounts[user]
	l.mu.RUnlock()
	if ok {
		return acct
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if acct, ok = l.accounts[user]; ok {
		return acct
	}
	acct = &account{byModel: make(map[string]*totals)}
	l.accounts[user] = acct
	return acct
}

func (a *account) add(model string, prompt, completion, requests int64, at time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	t, ok := a.byModel[model]
	if !ok {
		t = &totals{}
		a.byModel[model] = t
	}
	t.prompt += prompt
	t.completion += completion
	t.requests += requests

	if at.After(a.updatedAt) {
		a.updatedAt = at
	}
}

// snapshot copies the account under its lock and prices the copy outside it.
func (l *Ledger) snapshot(ctx context.Context, user string, acct *account) domain.UsageRecord {
	acct.mu.Lock()
	copied := make(map[string]totals, len(acct.byModel))
	for model, t := range acct.byModel {
		copied[model] = *t
	}
	updatedAt := acct.updatedAt
	acct.mu.Unlock()

	record := domain.UsageRecord{
		User:      user,
		ByModel:   make(map[string]domain.ModelUsage, len(copied)),
		UpdatedAt: updatedAt,
	}

	for model, t := range copied {
		cost, err := l.calc.Calculate(ctx, model, domain.Usage{
			PromptTokens:     int(t.prompt),
			CompletionTokens: int(t.completion),
		})
		if err != nil {
			observability.FromContext(ctx).Warn("failed to price usage",
				observability.String("model", model),
				observability.Error(err))
		}

		record.ByModel[model] = domain.ModelUsage{
			PromptTokens:     t.prompt,
			CompletionTokens: t.completion,
			Requests:         t.requests,
			CostUSD:          cost,
		}
		record.PromptTokensTotal += t.prompt
		record.CompletionTokensTotal += t.completion
		record.Requests += t.requests
		record.CostTotalUSD += cost
	}

	return record
}
