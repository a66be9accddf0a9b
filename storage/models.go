package storage

import "time"

// Roles assignable to an account.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// Account is an enrolled principal. Voiceprints hold the enrollment
// embeddings sealed with the server master key; the plaintext vectors never
// touch disk.
type Account struct {
	Username       string     `json:"username"`
	PINHash        string     `json:"pin_hash"`
	Role           string     `json:"role"`
	Voiceprints    []Envelope `json:"voiceprints"`
	FailedAttempts int        `json:"failed_attempts"`
	LockedUntil    *time.Time `json:"locked_until,omitempty"`
	LastLoginAt    *time.Time `json:"last_login_at,omitempty"`
	Active         bool       `json:"active"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Locked reports whether the account is inside a lockout window.
func (a *Account) Locked(now time.Time) bool {
	return a.LockedUntil != nil && now.Before(*a.LockedUntil)
}

// ClearExpiredLock resets the failure counter once the lock window has
// passed. Counter reset on expiry is an invariant of the flow, not a
// convenience: a stale counter would re-lock on the first new failure.
func (a *Account) ClearExpiredLock(now time.Time) {
	if a.LockedUntil != nil && !now.Before(*a.LockedUntil) {
		a.LockedUntil = nil
		a.FailedAttempts = 0
	}
}

// Challenge is a single-use spoken phrase bound to a username and a short
// expiry window.
type Challenge struct {
	Username  string    `json:"username"`
	Phrase    string    `json:"phrase"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Used      bool      `json:"used"`
}

// Expired reports whether the challenge window has passed.
func (c *Challenge) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// LoginAttempt is one append-only audit record. Username is recorded as
// attempted even when no account matched, so enumeration probes are visible
// in the log without ever being distinguishable to the client.
type LoginAttempt struct {
	ID            string    `json:"id"`
	Username      string    `json:"username"`
	AccountExists bool      `json:"account_exists"`
	Success       bool      `json:"success"`
	Reason        string    `json:"reason"`
	ClientIP      string    `json:"client_ip"`
	CreatedAt     time.Time `json:"created_at"`
}
