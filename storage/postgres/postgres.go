// Package postgres implements storage.Repository backed by PostgreSQL.
//
// Account mutations and challenge consumption run inside transactions with
// SELECT ... FOR UPDATE row locks, so the failed-attempt counter and the
// used-flag transition behave as single atomic read-modify-writes even with
// concurrent submissions for the same account.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmcleod/voicegate/storage"
)

// Store implements storage.Repository backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given pgx connection pool.
func NewRepository(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewRepositoryFromDSN creates a connection pool from a DSN string, ensures
// the schema exists, and returns a new Repository.
func NewRepositoryFromDSN(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return NewRepository(pool), nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) CreateAccount(ctx context.Context, account *storage.Account) error {
	prints, err := json.Marshal(account.Voiceprints)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO accounts
			(username, pin_hash, role, voiceprints, failed_attempts,
			 locked_until, last_login_at, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		account.Username, account.PINHash, account.Role, prints,
		account.FailedAttempts, account.LockedUntil, account.LastLoginAt,
		account.Active, account.CreatedAt)
	if isUniqueViolation(err) {
		return storage.ErrAccountExists
	}
	return err
}

func (s *Store) GetAccount(ctx context.Context, username string) (*storage.Account, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT username, pin_hash, role, voiceprints, failed_attempts,
		       locked_until, last_login_at, active, created_at
		FROM accounts WHERE username = $1`, username)
	return scanAccount(row)
}

func (s *Store) UpdateAccount(ctx context.Context, username string, fn func(*storage.Account) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			SELECT username, pin_hash, role, voiceprints, failed_attempts,
			       locked_until, last_login_at, active, created_at
			FROM accounts WHERE username = $1 FOR UPDATE`, username)
		account, err := scanAccount(row)
		if err != nil {
			return err
		}
		if err := fn(account); err != nil {
			return err
		}
		prints, err := json.Marshal(account.Voiceprints)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			UPDATE accounts SET
				pin_hash = $2, role = $3, voiceprints = $4,
				failed_attempts = $5, locked_until = $6,
				last_login_at = $7, active = $8
			WHERE username = $1`,
			account.Username, account.PINHash, account.Role, prints,
			account.FailedAttempts, account.LockedUntil,
			account.LastLoginAt, account.Active)
		return err
	})
}

func (s *Store) PutChallenge(ctx context.Context, ch *storage.Challenge) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO challenges (username, phrase, created_at, expires_at, used)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (username) DO UPDATE SET
			phrase = EXCLUDED.phrase,
			created_at = EXCLUDED.created_at,
			expires_at = EXCLUDED.expires_at,
			used = EXCLUDED.used`,
		ch.Username, ch.Phrase, ch.CreatedAt, ch.ExpiresAt, ch.Used)
	return err
}

func (s *Store) GetChallenge(ctx context.Context, username string) (*storage.Challenge, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT username, phrase, created_at, expires_at, used
		FROM challenges WHERE username = $1`, username)
	return scanChallenge(row)
}

func (s *Store) ConsumeChallenge(ctx context.Context, username string, now time.Time) (*storage.Challenge, error) {
	var ch *storage.Challenge
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			SELECT username, phrase, created_at, expires_at, used
			FROM challenges WHERE username = $1 FOR UPDATE`, username)
		loaded, err := scanChallenge(row)
		if err != nil {
			return err
		}
		if loaded.Used {
			return storage.ErrChallengeUsed
		}
		if loaded.Expired(now) {
			return storage.ErrChallengeExpired
		}
		loaded.Used = true
		if _, err := tx.Exec(ctx,
			`UPDATE challenges SET used = TRUE WHERE username = $1`, username); err != nil {
			return err
		}
		ch = loaded
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (s *Store) AppendAttempt(ctx context.Context, attempt *storage.LoginAttempt) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO login_attempts
			(id, username, account_exists, success, reason, client_ip, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		attempt.ID, attempt.Username, attempt.AccountExists, attempt.Success,
		attempt.Reason, attempt.ClientIP, attempt.CreatedAt)
	return err
}

func (s *Store) ListAttempts(ctx context.Context, limit int) ([]storage.LoginAttempt, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, username, account_exists, success, reason, client_ip, created_at
		FROM login_attempts ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []storage.LoginAttempt
	for rows.Next() {
		var a storage.LoginAttempt
		if err := rows.Scan(&a.ID, &a.Username, &a.AccountExists, &a.Success,
			&a.Reason, &a.ClientIP, &a.CreatedAt); err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*storage.Account, error) {
	var (
		account storage.Account
		prints  []byte
	)
	err := row.Scan(&account.Username, &account.PINHash, &account.Role, &prints,
		&account.FailedAttempts, &account.LockedUntil, &account.LastLoginAt,
		&account.Active, &account.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(prints, &account.Voiceprints); err != nil {
		return nil, fmt.Errorf("decoding voiceprints: %w", err)
	}
	return &account, nil
}

func scanChallenge(row rowScanner) (*storage.Challenge, error) {
	var ch storage.Challenge
	err := row.Scan(&ch.Username, &ch.Phrase, &ch.CreatedAt, &ch.ExpiresAt, &ch.Used)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNoChallenge
	}
	if err != nil {
		return nil, err
	}
	return &ch, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
