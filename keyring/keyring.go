// Package keyring manages the server master key that seals enrollment
// voiceprints at rest.
package keyring

import (
	"fmt"
	"os"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/voicegate/internal/util"
)

// MasterKey wraps the 32-byte AES key in a memguard enclave so the raw key
// bytes are encrypted in memory except inside a Use callback.
type MasterKey struct {
	enclave *memguard.Enclave
}

// LoadOrCreate reads the key file at path, or generates a fresh key and
// writes it with 0600 permissions when the file does not exist. Mirrors the
// deployment model where the key lives next to the data directory and is
// created on first boot.
func LoadOrCreate(path string) (*MasterKey, error) {
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if len(raw) != util.AESKeySize {
			return nil, fmt.Errorf("key file %s: got %d bytes, want %d", path, len(raw), util.AESKeySize)
		}
	case os.IsNotExist(err):
		raw, err = util.NewAESKey()
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, raw, 0o600); err != nil {
			return nil, fmt.Errorf("writing key file: %w", err)
		}
	default:
		return nil, fmt.Errorf("reading key file: %w", err)
	}

	// NewEnclave wipes raw.
	return &MasterKey{enclave: memguard.NewEnclave(raw)}, nil
}

// FromBytes builds a MasterKey from an existing 32-byte key. The input is
// wiped. Used by tests and by deployments that inject the key via env.
func FromBytes(raw []byte) (*MasterKey, error) {
	if len(raw) != util.AESKeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", util.AESKeySize, len(raw))
	}
	return &MasterKey{enclave: memguard.NewEnclave(raw)}, nil
}

// Use opens the enclave and passes the raw key to fn. The decrypted buffer
// is destroyed when fn returns; fn must not retain the slice.
func (k *MasterKey) Use(fn func(key []byte) error) error {
	buf, err := k.enclave.Open()
	if err != nil {
		return fmt.Errorf("opening master key enclave: %w", err)
	}
	defer buf.Destroy()
	return fn(buf.Bytes())
}
