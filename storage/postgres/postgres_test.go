package postgres

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/voicegate/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("VOICEGATE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("VOICEGATE_TEST_POSTGRES_DSN not set; skipping PostgreSQL tests")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	require.NoError(t, EnsureSchema(ctx, pool))

	// Clean tables for test isolation.
	pool.Exec(ctx, "DELETE FROM login_attempts") //nolint:errcheck
	pool.Exec(ctx, "DELETE FROM challenges")     //nolint:errcheck
	pool.Exec(ctx, "DELETE FROM accounts")       //nolint:errcheck

	t.Cleanup(func() {
		pool.Exec(ctx, "DELETE FROM login_attempts") //nolint:errcheck
		pool.Exec(ctx, "DELETE FROM challenges")     //nolint:errcheck
		pool.Exec(ctx, "DELETE FROM accounts")       //nolint:errcheck
		pool.Close()
	})
	return NewRepository(pool)
}

func TestPostgresAccountRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := newTestStore(t)

	account := &storage.Account{
		Username:  "alice",
		PINHash:   "$2a$10$fake",
		Role:      storage.RoleUser,
		Active:    true,
		CreatedAt: time.Now().UTC(),
		Voiceprints: []storage.Envelope{
			{Ver: 1, Scheme: "aes256gcm", Nonce: []byte{9}, Ciphertext: []byte{8}},
		},
	}
	require.NoError(t, repo.CreateAccount(ctx, account))
	assert.ErrorIs(t, repo.CreateAccount(ctx, account), storage.ErrAccountExists)

	got, err := repo.GetAccount(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, account.PINHash, got.PINHash)
	require.Len(t, got.Voiceprints, 1)

	require.NoError(t, repo.UpdateAccount(ctx, "alice", func(a *storage.Account) error {
		a.FailedAttempts = 4
		return nil
	}))
	got, err = repo.GetAccount(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 4, got.FailedAttempts)
}

func TestPostgresChallengeConsumeRace(t *testing.T) {
	ctx := context.Background()
	repo := newTestStore(t)
	now := time.Now().UTC()

	require.NoError(t, repo.PutChallenge(ctx, &storage.Challenge{
		Username: "alice", Phrase: "ALPHA THREE BRAVO SEVEN",
		CreatedAt: now, ExpiresAt: now.Add(5 * time.Minute),
	}))

	const racers = 8
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

	winners := 0
	for err := range results {
		if err == nil {
			winners++
		} else {
			assert.ErrorIs(t, err, storage.ErrChallengeUsed)
		}
	}
	assert.Equal(t, 1, winners)
}

func TestPostgresAttempts(t *testing.T) {
	ctx := context.Background()
	repo := newTestStore(t)

	base := time.Now().UTC().Add(-time.Minute)
	for i := 0; i < 3; i++ {
		require.NoError(t, repo.AppendAttempt(ctx, &storage.LoginAttempt{
			ID:        newUUIDForTest(i),
			Username:  "alice",
			Reason:    "invalid_pin",
			ClientIP:  "203.0.113.7",
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	attempts, err := repo.ListAttempts(ctx, 2)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.True(t, attempts[0].CreatedAt.After(attempts[1].CreatedAt))
}

func newUUIDForTest(i int) string {
	return "00000000-0000-0000-0000-00000000000" + string(rune('0'+i))
}
