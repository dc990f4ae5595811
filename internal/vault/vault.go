// Package vault provides keyed authenticated encryption for secrets at rest.
// Each secret category (mailbox passwords, OAuth tokens, PII) uses its own
// named key so the categories can rotate independently.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
)

var (
	// ErrIntegrity indicates the ciphertext failed authentication: wrong key,
	// truncation, or tampering. Decrypt never returns partial plaintext.
	ErrIntegrity = errors.New("vault: integrity check failed")
	// ErrUnknownKey indicates the key id is not registered
	ErrUnknownKey = errors.New("vault: unknown key id")
)

// Well-known key ids.
const (
	KeyPassword = "password"
	KeyOAuth    = "oauth"
	KeyPII      = "pii"
)

// Vault encrypts and decrypts with AES-256-GCM under named keys. The key map
// is fixed at construction, so a Vault is safe for concurrent use.
type Vault struct {
	keys map[string][]byte
}

// New creates a Vault from named 32-byte keys. Shorter keys are rejected by
// the cipher at use time; derive them with DeriveKey.
func New(keys map[string][]byte) *Vault {
	copied := make(map[string][]byte, len(keys))
	for id, key := range keys {
		k := make([]byte, len(key))
		copy(k, key)
		copied[id] = k
	}
	return &Vault{keys: copied}
}

// DeriveKey derives a 32-byte key for a named purpose from a master secret.
func DeriveKey(secret, purpose string) []byte {
	sum := sha256.Sum256([]byte(secret + ":" + purpose))
	return sum[:]
}

// Encrypt seals plaintext under the named key and returns base64 ciphertext
// with the nonce prepended.
func (v *Vault) Encrypt(keyID, plaintext string) (string, error) {
	key, ok := v.keys[keyID]
	if !ok {
		return "", ErrUnknownKey
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt opens base64 ciphertext with the named key. Any authentication
// failure surfaces as ErrIntegrity.
func (v *Vault) Decrypt(keyID, ciphertext string) (string, error) {
	key, ok := v.keys[keyID]
	if !ok {
		return "", ErrUnknownKey
	}

	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", ErrIntegrity
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(raw) < nonceSize {
		return "", ErrIntegrity
	}

	nonce, sealed := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrIntegrity
	}

	return string(plaintext), nil
}
