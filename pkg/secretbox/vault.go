// Package secretbox provides authenticated symmetric encryption for PDS
// app-passwords at rest, and Ed25519 attestation signing for
// governance-facing records. Encryption uses NaCl's SecretBox
// construction (XSalsa20-Poly1305, 24-byte nonce, 32-byte key), so
// ciphertexts are interchangeable with any other NaCl implementation
// given the same key.
package secretbox

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	// KeySize is the required length of the master key, in bytes.
	KeySize = 32
	// NonceSize is the length of the random nonce generated per encryption.
	NonceSize = 24
)

// ErrDecryptionFailed is returned when a ciphertext fails authentication —
// either the key is wrong or the data was corrupted/tampered with.
var ErrDecryptionFailed = errors.New("secretbox: decryption failed (wrong key or corrupted data)")

// Vault encrypts and decrypts app-passwords with a single master key. A
// Vault is safe for concurrent use; it holds no mutable state besides the
// key itself.
type Vault struct {
	key [KeySize]byte
}

// NewVault builds a Vault from a raw 32-byte key.
func NewVault(key []byte) (*Vault, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("secretbox: master key must be %d bytes, got %d", KeySize, len(key))
	}
	v := &Vault{}
	copy(v.key[:], key)
	return v, nil
}

// NewVaultFromBase64 decodes a standard-base64-encoded master key, as read
// from the MASTER_KEY_B64 environment variable.
func NewVaultFromBase64(keyB64 string) (*Vault, error) {
	raw, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil {
		return nil, fmt.Errorf("secretbox: invalid MASTER_KEY_B64: %w", err)
	}
	return NewVault(raw)
}

// Encrypt seals plaintext under a freshly generated random nonce, returning
// the ciphertext and nonce as two separate byte slices (mirroring the two
// columns, pw_ciphertext and pw_nonce, that back it in storage).
func (v *Vault) Encrypt(plaintext string) (ciphertext, nonce []byte, err error) {
	var n [NonceSize]byte
	if _, err := rand.Read(n[:]); err != nil {
		return nil, nil, fmt.Errorf("secretbox: failed to generate nonce: %w", err)
	}
	ct := secretbox.Seal(nil, []byte(plaintext), &n, &v.key)
	return ct, n[:], nil
}

// Decrypt opens a ciphertext produced by Encrypt, or by any other NaCl
// SecretBox implementation holding the same key.
func (v *Vault) Decrypt(ciphertext, nonce []byte) (string, error) {
	if len(nonce) != NonceSize {
		return "", fmt.Errorf("secretbox: nonce must be %d bytes, got %d", NonceSize, len(nonce))
	}
	var n [NonceSize]byte
	copy(n[:], nonce)

	pt, ok := secretbox.Open(nil, ciphertext, &n, &v.key)
	if !ok {
		return "", ErrDecryptionFailed
	}
	return string(pt), nil
}
