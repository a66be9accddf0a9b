package storage

import (
	"fmt"

	"github.com/jmcleod/voicegate/internal/util"
)

const gcmNonceSize = 12

// Envelope is a sealed record containing AES-256-GCM encrypted data.
// Enrollment voiceprints are stored as envelopes so the embedding vectors
// are never persisted in the clear.
type Envelope struct {
	Ver        int    `json:"ver"`
	Scheme     string `json:"scheme"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// SealRecord encrypts plaintext into an Envelope using the given key and AAD.
func SealRecord(key, plaintext, aad []byte) (*Envelope, error) {
	sealed, err := util.SealAESGCM(plaintext, key, aad)
	if err != nil {
		return nil, err
	}

	// util.SealAESGCM returns nonce || ciphertext.
	return &Envelope{
		Ver:        1,
		Scheme:     "aes256gcm",
		Nonce:      sealed[:gcmNonceSize],
		Ciphertext: sealed[gcmNonceSize:],
	}, nil
}

// OpenRecord decrypts an Envelope using the given key and AAD.
func OpenRecord(key []byte, env *Envelope, aad []byte) ([]byte, error) {
	if env.Ver != 1 {
		return nil, fmt.Errorf("unsupported envelope version: %d", env.Ver)
	}
	if env.Scheme != "aes256gcm" {
		return nil, fmt.Errorf("unsupported envelope scheme: %s", env.Scheme)
	}

	sealed := make([]byte, len(env.Nonce)+len(env.Ciphertext))
	copy(sealed, env.Nonce)
	copy(sealed[len(env.Nonce):], env.Ciphertext)

	return util.OpenAESGCM(sealed, key, aad)
}
