// Package bbolt provides a BBolt-backed storage repository.
//
// BBolt serializes write transactions, so every Update call is a single
// atomic read-modify-write. That property carries the two hard requirements
// of the flow for free: concurrent failure counting cannot lose the
// "reached threshold" transition, and two submissions racing to consume one
// challenge see exactly one winner.
package bbolt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/voicegate/storage"
)

var (
	bucketAccounts   = []byte("accounts")
	bucketChallenges = []byte("challenges")
	bucketAttempts   = []byte("attempts")
)

// Store implements storage.Repository backed by a BBolt database.
type Store struct {
	db *bbolt.DB
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given BBolt database.
func NewRepository(db *bbolt.DB) (*Store, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketAccounts, bucketChallenges, bucketAttempts} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("creating buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// NewRepositoryFromFile opens a BBolt database at the given path and returns
// a new Repository.
func NewRepositoryFromFile(path string, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	return NewRepository(db)
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) CreateAccount(_ context.Context, account *storage.Account) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketAccounts)
		if b.Get([]byte(account.Username)) != nil {
			return storage.ErrAccountExists
		}
		data, err := json.Marshal(account)
		if err != nil {
			return err
		}
		return b.Put([]byte(account.Username), data)
	})
}

func (s *Store) GetAccount(_ context.Context, username string) (*storage.Account, error) {
	var account storage.Account
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketAccounts).Get([]byte(username))
		if data == nil {
			return storage.ErrAccountNotFound
		}
		return json.Unmarshal(data, &account)
	})
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (s *Store) UpdateAccount(_ context.Context, username string, fn func(*storage.Account) error) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketAccounts)
		data := b.Get([]byte(username))
		if data == nil {
			return storage.ErrAccountNotFound
		}
		var account storage.Account
		if err := json.Unmarshal(data, &account); err != nil {
			return err
		}
		if err := fn(&account); err != nil {
			return err
		}
		updated, err := json.Marshal(&account)
		if err != nil {
			return err
		}
		return b.Put([]byte(username), updated)
	})
}

func (s *Store) PutChallenge(_ context.Context, ch *storage.Challenge) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(ch)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketChallenges).Put([]byte(ch.Username), data)
	})
}

func (s *Store) GetChallenge(_ context.Context, username string) (*storage.Challenge, error) {
	var ch storage.Challenge
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketChallenges).Get([]byte(username))
		if data == nil {
			return storage.ErrNoChallenge
		}
		return json.Unmarshal(data, &ch)
	})
	if err != nil {
		return nil, err
	}
	return &ch, nil
}

func (s *Store) ConsumeChallenge(_ context.Context, username string, now time.Time) (*storage.Challenge, error) {
	var ch storage.Challenge
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketChallenges)
		data := b.Get([]byte(username))
		if data == nil {
			return storage.ErrNoChallenge
		}
		if err := json.Unmarshal(data, &ch); err != nil {
			return err
		}
		if ch.Used {
			return storage.ErrChallengeUsed
		}
		if ch.Expired(now) {
			return storage.ErrChallengeExpired
		}
		ch.Used = true
		updated, err := json.Marshal(&ch)
		if err != nil {
			return err
		}
		return b.Put([]byte(username), updated)
	})
	if err != nil {
		return nil, err
	}
	return &ch, nil
}

func (s *Store) AppendAttempt(_ context.Context, attempt *storage.LoginAttempt) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketAttempts)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		var key [8]byte
		binary.BigEndian.PutUint64(key[:], seq)
		data, err := json.Marshal(attempt)
		if err != nil {
			return err
		}
		return b.Put(key[:], data)
	})
}

func (s *Store) ListAttempts(_ context.Context, limit int) ([]storage.LoginAttempt, error) {
	var attempts []storage.LoginAttempt
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketAttempts).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(attempts) >= limit {
				break
			}
			var attempt storage.LoginAttempt
			if err := json.Unmarshal(v, &attempt); err != nil {
				return err
			}
			attempts = append(attempts, attempt)
		}
		return nil
	})
	return attempts, err
}
