// Package storage defines the persistence layer for accounts, challenges,
// and the append-only login attempt log.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrAccountExists is returned when creating an account whose username is taken.
	ErrAccountExists = errors.New("account already exists")
	// ErrAccountNotFound is returned when no account matches the username.
	ErrAccountNotFound = errors.New("account not found")
	// ErrNoChallenge is returned when no challenge exists for the username.
	ErrNoChallenge = errors.New("no challenge issued")
	// ErrChallengeUsed is returned when the challenge was already consumed.
	ErrChallengeUsed = errors.New("challenge already used")
	// ErrChallengeExpired is returned when the challenge expiry has passed.
	ErrChallengeExpired = errors.New("challenge expired")
)

// Repository defines storage for the authentication flow. Implementations
// must make UpdateAccount and ConsumeChallenge atomic: concurrent failed
// logins may not under-count the lockout counter, and two submissions racing
// to consume one challenge must see exactly one winner.
type Repository interface {
	// CreateAccount persists a new account. ErrAccountExists if taken.
	CreateAccount(ctx context.Context, account *Account) error
	// GetAccount returns the account for username, or ErrAccountNotFound.
	GetAccount(ctx context.Context, username string) (*Account, error)
	// UpdateAccount applies fn to the stored account as a single atomic
	// read-modify-write. fn runs under the implementation's write lock, so
	// it must not block on I/O.
	UpdateAccount(ctx context.Context, username string, fn func(*Account) error) error

	// PutChallenge stores a challenge for its username, replacing any
	// previous one. At most one live challenge exists per user.
	PutChallenge(ctx context.Context, ch *Challenge) error
	// GetChallenge returns the current challenge for username without
	// consuming it, or ErrNoChallenge.
	GetChallenge(ctx context.Context, username string) (*Challenge, error)
	// ConsumeChallenge atomically marks the user's challenge as used.
	// Exactly one concurrent caller succeeds; later callers observe
	// ErrChallengeUsed. Expired challenges yield ErrChallengeExpired and
	// remain unconsumed (they can never be accepted anyway).
	ConsumeChallenge(ctx context.Context, username string, now time.Time) (*Challenge, error)

	// AppendAttempt records one login attempt. Attempts are write-only.
	AppendAttempt(ctx context.Context, attempt *LoginAttempt) error
	// ListAttempts returns up to limit attempts, newest first.
	ListAttempts(ctx context.Context, limit int) ([]LoginAttempt, error)

	Close() error
}
