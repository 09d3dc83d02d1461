// Package secrets implements the internal-only credential broker:
// AES-GCM encryption under a master key, audit-logged lookups keyed by
// (host, purpose), key rotation with dual-generation reads, and the
// redactor that strips secret material from outbound payloads.
//
// Plaintext credentials never leave this package except to in-process
// callers (the executor's credential resolver). The HTTP routes that
// front it are internal-only and gated by X-Internal-Key.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
)

// ErrDecryptFailed is returned when no key generation can open a blob.
// Always audited by the broker.
var ErrDecryptFailed = errors.New("credential decrypt failed")

// Cipher encrypts and decrypts credential blobs with AES-256-GCM. It
// holds the current key and, during rotation, the previous one; reads
// succeed under either generation.
type Cipher struct {
	current  cipher.AEAD
	previous cipher.AEAD
}

// NewCipher derives an AES-256 key from the master key string. The
// master key is treated as opaque passphrase material, not raw bytes.
func NewCipher(masterKey string) (*Cipher, error) {
	if masterKey == "" {
		return nil, errors.New("empty master key")
	}
	aead, err := newAEAD(masterKey)
	if err != nil {
		return nil, err
	}
	return &Cipher{current: aead}, nil
}

func newAEAD(masterKey string) (cipher.AEAD, error) {
	key := sha256.Sum256([]byte(masterKey))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("aes init: %w", err)
	}
	return cipher.NewGCM(block)
}

// Encrypt seals plaintext under the current key. The returned blob is
// nonce || ciphertext || tag.
func (c *Cipher) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.current.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	return c.current.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a blob, trying the current key first and the previous
// generation during rotation.
func (c *Cipher) Decrypt(blob []byte) ([]byte, error) {
	for _, aead := range []cipher.AEAD{c.current, c.previous} {
		if aead == nil {
			continue
		}
		ns := aead.NonceSize()
		if len(blob) < ns {
			continue
		}
		plain, err := aead.Open(nil, blob[:ns], blob[ns:], nil)
		if err == nil {
			return plain, nil
		}
	}
	return nil, ErrDecryptFailed
}

// BeginRotation installs a new current key, keeping the old one readable.
func (c *Cipher) BeginRotation(newMasterKey string) error {
	aead, err := newAEAD(newMasterKey)
	if err != nil {
		return err
	}
	c.previous = c.current
	c.current = aead
	return nil
}

// FinishRotation drops the previous key generation once all rows have
// been re-encrypted.
func (c *Cipher) FinishRotation() {
	c.previous = nil
}
