// Package credentials holds the username/password stores consulted by the
// SASL flows.
package credentials

import (
	"context"
	"errors"
	"sync"
)

// ErrUnknownUser is returned when a store has no entry for a username.
var ErrUnknownUser = errors.New("unknown user")

// Store looks up the clear-text password of a user. Stores return
// ErrUnknownUser (possibly wrapped) when the user does not exist.
type Store interface {
	PasswordForUser(ctx context.Context, username string) ([]byte, error)
}

// MapStore is an in-memory Store safe for concurrent use.
type MapStore struct {
	mu    sync.RWMutex
	users map[string][]byte
}

// NewMapStore returns a MapStore seeded with users (username -> password).
func NewMapStore(users map[string]string) *MapStore {
	s := &MapStore{users: make(map[string][]byte, len(users))}
	for u, p := range users {
		s.users[u] = []byte(p)
	}
	return s
}

// Add registers or replaces a user.
func (s *MapStore) Add(username, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[username] = []byte(password)
}

// Remove deletes a user.
func (s *MapStore) Remove(username string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.users, username)
}

// PasswordForUser returns a copy of the stored password.
func (s *MapStore) PasswordForUser(_ context.Context, username string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.users[username]
	if !ok {
		return nil, ErrUnknownUser
	}
	return append([]byte(nil), p...), nil
}

// Len returns the number of users.
func (s *MapStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users)
}

// Chain consults each store in order and returns the first hit.
type Chain []Store

// PasswordForUser implements Store.
func (c Chain) PasswordForUser(ctx context.Context, username string) ([]byte, error) {
	for _, s := range c {
		p, err := s.PasswordForUser(ctx, username)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, ErrUnknownUser) {
			return nil, err
		}
	}
	return nil, ErrUnknownUser
}
