// Package memory provides an in-memory storage repository, used by tests
// and single-process demo deployments.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/jmcleod/voicegate/internal/util"
	"github.com/jmcleod/voicegate/storage"
)

// Store implements storage.Repository with process-local maps. A single
// mutex serializes every mutation, which trivially satisfies the atomicity
// requirements on the lockout counter and challenge consumption.
type Store struct {
	mu         sync.Mutex
	accounts   map[string]*storage.Account
	challenges map[string]*storage.Challenge
	attempts   []storage.LoginAttempt
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns an empty in-memory repository.
func NewRepository() *Store {
	return &Store{
		accounts:   make(map[string]*storage.Account),
		challenges: make(map[string]*storage.Challenge),
	}
}

func (s *Store) CreateAccount(_ context.Context, account *storage.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[account.Username]; ok {
		return storage.ErrAccountExists
	}
	s.accounts[account.Username] = cloneAccount(account)
	return nil
}

func (s *Store) GetAccount(_ context.Context, username string) (*storage.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[username]
	if !ok {
		return nil, storage.ErrAccountNotFound
	}
	return cloneAccount(acc), nil
}

func (s *Store) UpdateAccount(_ context.Context, username string, fn func(*storage.Account) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[username]
	if !ok {
		return storage.ErrAccountNotFound
	}
	working := cloneAccount(acc)
	if err := fn(working); err != nil {
		return err
	}
	s.accounts[username] = working
	return nil
}

func (s *Store) PutChallenge(_ context.Context, ch *storage.Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *ch
	s.challenges[ch.Username] = &clone
	return nil
}

func (s *Store) GetChallenge(_ context.Context, username string) (*storage.Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.challenges[username]
	if !ok {
		return nil, storage.ErrNoChallenge
	}
	clone := *ch
	return &clone, nil
}

func (s *Store) ConsumeChallenge(_ context.Context, username string, now time.Time) (*storage.Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.challenges[username]
	if !ok {
		return nil, storage.ErrNoChallenge
	}
	if ch.Used {
		return nil, storage.ErrChallengeUsed
	}
	if ch.Expired(now) {
		return nil, storage.ErrChallengeExpired
	}
	ch.Used = true
	clone := *ch
	return &clone, nil
}

func (s *Store) AppendAttempt(_ context.Context, attempt *storage.LoginAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.attempts = append(s.attempts, *attempt)
	return nil
}

func (s *Store) ListAttempts(_ context.Context, limit int) ([]storage.LoginAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.attempts)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]storage.LoginAttempt, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, s.attempts[i])
	}
	return out, nil
}

func (s *Store) Close() error { return nil }

func cloneAccount(a *storage.Account) *storage.Account {
	clone := *a
	if a.LockedUntil != nil {
		t := *a.LockedUntil
		clone.LockedUntil = &t
	}
	if a.LastLoginAt != nil {
		t := *a.LastLoginAt
		clone.LastLoginAt = &t
	}
	clone.Voiceprints = make([]storage.Envelope, len(a.Voiceprints))
	for i, env := range a.Voiceprints {
		e := env
		e.Nonce = util.CopyBytes(env.Nonce)
		e.Ciphertext = util.CopyBytes(env.Ciphertext)
		clone.Voiceprints[i] = e
	}
	return &clone
}
