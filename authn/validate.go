package authn

import (
	"regexp"

	"github.com/jmcleod/voicegate/internal/util"
)

const (
	usernameMinLen = 3
	usernameMaxLen = 50
)

var (
	usernameRe = regexp.MustCompile(`^[A-Za-z0-9_]+$`)
	pinRe      = regexp.MustCompile(`^[0-9]{4,12}$`)
)

// NormalizeUsername canonicalizes and shape-checks a username. Validation
// runs before any storage lookup so malformed input never touches the
// repository.
func NormalizeUsername(raw string) (string, error) {
	username := util.NormalizeUsername(raw)
	if len(username) < usernameMinLen || len(username) > usernameMaxLen {
		return "", validationf("username must be %d-%d characters", usernameMinLen, usernameMaxLen)
	}
	if !usernameRe.MatchString(username) {
		return "", validationf("username may contain only letters, digits, and underscores")
	}
	return username, nil
}

// ValidatePIN shape-checks a PIN without touching storage.
func ValidatePIN(pin string) error {
	if !pinRe.MatchString(pin) {
		return validationf("pin must be 4-12 digits")
	}
	return nil
}
