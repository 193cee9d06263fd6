// Package secrets implements the credential envelope used for every
// sensitive value stashd persists. Values are sealed with AES-256-GCM and
// rendered as a colon-separated token of hex segments (iv:tag:ciphertext)
// so that encrypted fields survive JSON round-trips through the API and
// the queue without escaping issues.
//
// The key is derived once per process from the configured secret with a
// fixed-parameter scrypt KDF and cached; Init must be called before any
// other function in this package.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/scrypt"
)

const (
	// Masked is the fully-redacted rendering of a secret too short to
	// show a prefix of.
	Masked = "********"

	maskSuffix = "****"

	nonceSize = 16
	tagSize   = 16
)

// Fixed KDF parameters. These never change at runtime, which is what makes
// caching the derived key safe: same secret, same key, for the process
// lifetime.
var kdfSalt = []byte("stashd.secrets.v1")

const (
	kdfN = 1 << 15
	kdfR = 8
	kdfP = 1
)

var aead cipher.AEAD

// Init derives the process-wide encryption key from secret and prepares
// the AEAD. It must be called once during startup, before any encrypt or
// decrypt operation. Secrets shorter than 32 characters are accepted but
// weaken the derived key.
func Init(secret string) error {
	if secret == "" {
		return fmt.Errorf("secrets: encryption secret must not be empty")
	}
	key, err := scrypt.Key([]byte(secret), kdfSalt, kdfN, kdfR, kdfP, 32)
	if err != nil {
		return fmt.Errorf("secrets: key derivation failed: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("secrets: cipher init failed: %w", err)
	}
	aead, err = cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return fmt.Errorf("secrets: gcm init failed: %w", err)
	}
	return nil
}

// Encrypt seals plaintext under a fresh random nonce and returns the
// envelope token. Two calls with the same plaintext yield different
// tokens.
func Encrypt(plaintext string) (string, error) {
	if aead == nil {
		return "", fmt.Errorf("secrets: not initialized, call Init first")
	}
	iv := make([]byte, nonceSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("secrets: nonce generation failed: %w", err)
	}
	sealed := aead.Seal(nil, iv, []byte(plaintext), nil)
	ciphertext, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]
	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(tag) + ":" + hex.EncodeToString(ciphertext), nil
}

// Decrypt opens an envelope token produced by Encrypt. A malformed token
// or a failed authentication check is an error; callers must treat it as
// fatal for the operation that needed the plaintext.
func Decrypt(token string) (string, error) {
	if aead == nil {
		return "", fmt.Errorf("secrets: not initialized, call Init first")
	}
	iv, tag, ciphertext, err := splitToken(token)
	if err != nil {
		return "", err
	}
	plaintext, err := aead.Open(nil, iv, append(ciphertext, tag...), nil)
	if err != nil {
		return "", fmt.Errorf("secrets: decrypt failed: %w", err)
	}
	return string(plaintext), nil
}

func splitToken(token string) (iv, tag, ciphertext []byte, err error) {
	parts := strings.Split(token, ":")
	if len(parts) != 3 {
		return nil, nil, nil, fmt.Errorf("secrets: malformed token, want iv:tag:ciphertext")
	}
	if iv, err = hex.DecodeString(parts[0]); err != nil || len(iv) != nonceSize {
		return nil, nil, nil, fmt.Errorf("secrets: malformed token iv")
	}
	if tag, err = hex.DecodeString(parts[1]); err != nil || len(tag) != tagSize {
		return nil, nil, nil, fmt.Errorf("secrets: malformed token tag")
	}
	if ciphertext, err = hex.DecodeString(parts[2]); err != nil {
		return nil, nil, nil, fmt.Errorf("secrets: malformed token ciphertext")
	}
	return iv, tag, ciphertext, nil
}

// IsEncrypted reports whether s looks like an envelope token. It checks
// shape only, not authenticity.
func IsEncrypted(s string) bool {
	_, _, _, err := splitToken(s)
	return err == nil
}

// IsMasked reports whether s is a redacted rendering rather than a real
// value. Masked values must never be written back over stored ciphertext.
func IsMasked(s string) bool {
	return s == Masked || strings.HasSuffix(s, maskSuffix)
}

// Mask renders a secret for display: the first four characters followed by
// a mask, or a fully-redacted string when the value is too short for even
// a prefix to be safe.
func Mask(s string) string {
	if len(s) <= 4 {
		return Masked
	}
	return s[:4] + maskSuffix
}
