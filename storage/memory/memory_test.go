package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/voicegate/storage"
)

func TestAccountLifecycle(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository()

	account := &storage.Account{
		Username:  "alice",
		PINHash:   "$2a$10$fake",
		Role:      storage.RoleUser,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, repo.CreateAccount(ctx, account))

	err := repo.CreateAccount(ctx, account)
	assert.ErrorIs(t, err, storage.ErrAccountExists)

	got, err := repo.GetAccount(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Username)
	assert.Equal(t, storage.RoleUser, got.Role)

	_, err = repo.GetAccount(ctx, "bob")
	assert.ErrorIs(t, err, storage.ErrAccountNotFound)

	require.NoError(t, repo.UpdateAccount(ctx, "alice", func(a *storage.Account) error {
		a.FailedAttempts = 3
		return nil
	}))
	got, err = repo.GetAccount(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 3, got.FailedAttempts)

	// Mutating the returned copy must not leak into the store.
	got.FailedAttempts = 99
	again, err := repo.GetAccount(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 3, again.FailedAttempts)
}

func TestChallengeSingleUse(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository()
	now := time.Now().UTC()

	_, err := repo.GetChallenge(ctx, "alice")
	assert.ErrorIs(t, err, storage.ErrNoChallenge)

	require.NoError(t, repo.PutChallenge(ctx, &storage.Challenge{
		Username:  "alice",
		Phrase:    "ALPHA THREE BRAVO SEVEN",
		CreatedAt: now,
		ExpiresAt: now.Add(5 * time.Minute),
	}))

	ch, err := repo.ConsumeChallenge(ctx, "alice", now)
	require.NoError(t, err)
	assert.True(t, ch.Used)

	_, err = repo.ConsumeChallenge(ctx, "alice", now)
	assert.ErrorIs(t, err, storage.ErrChallengeUsed)
}

func TestChallengeExpiry(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository()
	now := time.Now().UTC()

	require.NoError(t, repo.PutChallenge(ctx, &storage.Challenge{
		Username:  "alice",
		Phrase:    "BRAVO ONE DELTA NINE",
		CreatedAt: now.Add(-10 * time.Minute),
		ExpiresAt: now.Add(-5 * time.Minute),
	}))

	_, err := repo.ConsumeChallenge(ctx, "alice", now)
	assert.ErrorIs(t, err, storage.ErrChallengeExpired)
}

func TestChallengeReissueReplaces(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository()
	now := time.Now().UTC()

	require.NoError(t, repo.PutChallenge(ctx, &storage.Challenge{
		Username: "alice", Phrase: "first",
		CreatedAt: now, ExpiresAt: now.Add(5 * time.Minute),
	}))
	require.NoError(t, repo.PutChallenge(ctx, &storage.Challenge{
		Username: "alice", Phrase: "second",
		CreatedAt: now, ExpiresAt: now.Add(5 * time.Minute),
	}))

	ch, err := repo.GetChallenge(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "second", ch.Phrase)
}

func TestConcurrentConsumeExactlyOneWinner(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository()
	now := time.Now().UTC()

	require.NoError(t, repo.PutChallenge(ctx, &storage.Challenge{
		Username: "alice", Phrase: "CHARLIE TWO ECHO FOUR",
		CreatedAt: now, ExpiresAt: now.Add(5 * time.Minute),
	}))

	const racers = 32
	var wg sync.WaitGroup
	results := make(chan error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.ConsumeChallenge(ctx, "alice", now)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	winners, losers := 0, 0
	for err := range results {
		switch {
		case err == nil:
			winners++
		default:
			assert.ErrorIs(t, err, storage.ErrChallengeUsed)
			losers++
		}
	}
	assert.Equal(t, 1, winners)
	assert.Equal(t, racers-1, losers)
}

func TestConcurrentCounterNoLostUpdates(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository()

	require.NoError(t, repo.CreateAccount(ctx, &storage.Account{
		Username: "alice", Active: true, CreatedAt: time.Now().UTC(),
	}))

	const writers = 25
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = repo.UpdateAccount(ctx, "alice", func(a *storage.Account) error {
				a.FailedAttempts++
				return nil
			})
		}()
	}
	wg.Wait()

	got, err := repo.GetAccount(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, writers, got.FailedAttempts)
}

func TestAttemptsNewestFirst(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository()

	for i := 0; i < 5; i++ {
		require.NoError(t, repo.AppendAttempt(ctx, &storage.LoginAttempt{
			ID:        string(rune('a' + i)),
			Username:  "alice",
			CreatedAt: time.Now().UTC(),
		}))
	}

	attempts, err := repo.ListAttempts(ctx, 3)
	require.NoError(t, err)
	require.Len(t, attempts, 3)
	assert.Equal(t, "e", attempts[0].ID)
	assert.Equal(t, "c", attempts[2].ID)

	all, err := repo.ListAttempts(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 5)
}
