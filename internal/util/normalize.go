package util

import "golang.org/x/text/unicode/norm"

// NormalizeUsername applies NFKD normalization so that visually identical
// usernames map to one canonical form before validation and lookup.
func NormalizeUsername(s string) string {
	return norm.NFKD.String(s)
}
