// Package challenge generates one-time spoken phrases for login attempts.
//
// A phrase alternates phonetic-alphabet words with spelled-out digits
// ("ALPHA THREE BRAVO SEVEN"). The vocabulary is chosen for phonetic
// distance so a speaker model gets clean, unambiguous audio, and the
// per-login randomness makes a pre-recorded replay answer the wrong phrase.
package challenge

import (
	"strings"
	"time"

	"github.com/jmcleod/voicegate/internal/util"
)

// DefaultWindow is the issue-to-expiry window. Declared here so issuer and
// HTTP layer agree on the default; the server flag can override it.
const DefaultWindow = 5 * time.Minute

// pairCount is the number of word+digit pairs per phrase. Four tokens total
// keeps the phrase short enough to speak in one breath while leaving
// 16 * 10 * 16 * 10 = 25600 possible phrases per attempt window.
const pairCount = 2

var words = []string{
	"ALPHA", "BRAVO", "CHARLIE", "DELTA",
	"ECHO", "FOXTROT", "GOLF", "HOTEL",
	"INDIA", "JULIET", "KILO", "LIMA",
	"MIKE", "NOVEMBER", "OSCAR", "PAPA",
}

var digits = []string{
	"ZERO", "ONE", "TWO", "THREE", "FOUR",
	"FIVE", "SIX", "SEVEN", "EIGHT", "NINE",
}

// NewPhrase returns a fresh random challenge phrase. Randomness comes from
// the system CSPRNG; a guessable phrase sequence would let an attacker
// pre-record answers.
func NewPhrase() (string, error) {
	tokens := make([]string, 0, pairCount*2)
	for i := 0; i < pairCount; i++ {
		w, err := util.RandomIntn(len(words))
		if err != nil {
			return "", err
		}
		d, err := util.RandomIntn(len(digits))
		if err != nil {
			return "", err
		}
		tokens = append(tokens, words[w], digits[d])
	}
	return strings.Join(tokens, " "), nil
}
