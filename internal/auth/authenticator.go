// Package auth maps inbound API keys to configured users.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/davidbz/meterproxy/internal/domain"
	"github.com/davidbz/meterproxy/internal/observability"
)

type entry struct {
	user   domain.User
	digest [sha256.Size]byte
}

type table struct {
	entries []entry
	byName  map[string]domain.User
}

// Authenticator resolves API keys against an immutable user table.
// The whole table can be swapped atomically with Replace.
type Authenticator struct {
	current atomic.Pointer[table]
}

// NewAuthenticator builds an authenticator for users.
func NewAuthenticator(users []domain.User) (*Authenticator, error) {
	t, err := buildTable(users)
	if err != nil {
		return nil, err
	}

	a := &Authenticator{}
	a.current.Store(t)
	return a, nil
}

// Authenticate returns the user owning key. Every entry is compared so the
// time taken does not depend on which user, if any, matches.
func (a *Authenticator) Authenticate(ctx context.Context, key string) (domain.User, error) {
	if key == "" {
		return domain.User{}, fmt.Errorf("%w: missing api key", domain.ErrAuthentication)
	}

	digest := sha256.Sum256([]byte(key))
	t := a.current.Load()

	match := -1
	for i := range t.entries {
		if subtle.ConstantTimeCompare(digest[:], t.entries[i].digest[:]) == 1 {
			match = i
		}
	}

	if match < 0 {
		observability.FromContext(ctx).Info("rejected unknown api key")
		return domain.User{}, domain.ErrAuthentication
	}

	return t.entries[match].user, nil
}

// Lookup returns the user with the given name.
func (a *Authenticator) Lookup(name string) (domain.User, bool) {
	user, ok := a.current.Load().byName[name]
	return user, ok
}

// Users returns the names in the current table.
func (a *Authenticator) Users() []string {
	t := a.current.Load()
	names := make([]string, 0, len(t.entries))
	for _, e := range t.entries {
		names = append(names, e.user.Name)
	}
	return names
}

// Replace swaps in a new user table. The old table stays in force on error.
func (a *Authenticator) Replace(users []domain.User) error {
	t, err := buildTable(users)
	if err != nil {
		return err
	}
	a.current.Store(t)
	return nil
}

func buildTable(users []domain.User) (*table, error) {
	t := &table{
		entries: make([]entry, 0, len(users)),
		byName:  make(map[string]domain.User, len(users)),
	}
	seenKeys := make(map[string]string, len(users))

	for _, u := range users {
		if u.Name == "" {
			return nil, errors.New("user name cannot be empty")
		}
		if u.APIKey == "" {
			return nil, fmt.Errorf("user %s has an empty api key", u.Name)
		}
		if _, dup := t.byName[u.Name]; dup {
			return nil, fmt.Errorf("duplicate user %s", u.Name)
		}
		if owner, dup := seenKeys[u.APIKey]; dup {
			return nil, fmt.Errorf("users %s and %s share an api key", owner, u.Name)
		}

		seenKeys[u.APIKey] = u.Name
		t.byName[u.Name] = u
		t.entries = append(t.entries, entry{
			user:   u,
			digest: sha256.Sum256([]byte(u.APIKey)),
		})
	}

	return t, nil
}
