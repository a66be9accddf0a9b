package authn

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidCredentials is the single generic authentication failure. Wrong
// PIN, unknown account, voice mismatch, and challenge problems all collapse
// to it so the client cannot enumerate usernames or probe factors
// independently.
var ErrInvalidCredentials = errors.New("invalid credentials")

// LockedError reports an active lockout. Unlike other failures it exposes
// the lock expiry: knowing you are locked out is not sensitive, and the UI
// needs the timestamp for its countdown.
type LockedError struct {
	Until time.Time
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("account locked until %s", e.Until.UTC().Format(time.RFC3339))
}

// ValidationError is a shape violation (malformed username, PIN, or upload)
// rejected before any state mutation. Its message is safe to surface
// verbatim.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func validationf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}
