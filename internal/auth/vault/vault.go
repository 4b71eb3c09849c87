// Package vault encrypts stored provider credentials with AES-256-GCM.
//
// Encrypted values are stored as three hex fields joined by colons:
// iv:authTag:ciphertext. Values not in that shape are treated as legacy
// plaintext by SafeDecrypt.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

const (
	keySize     = 32
	nonceSize   = 12
	legacyNonce = 16
	tagSize     = 16
)

var (
	// ErrWeakSecret is returned when the configured secret yields less than 256 bits of key
	ErrWeakSecret = errors.New("vault: secret must be base64 of at least 32 bytes or at least 32 characters")
	// ErrEmptyPlaintext is returned by Encrypt for empty input
	ErrEmptyPlaintext = errors.New("vault: plaintext is empty")
	// ErrDisabled is returned when an operation needs a key but none is configured
	ErrDisabled = errors.New("vault: no encryption key configured")
	// ErrDecrypt is the only error callers see from a failed decryption
	ErrDecrypt = errors.New("vault: decryption failed")
)

// KeySource records how the key was derived from the configured secret
type KeySource int

const (
	KeySourceNone KeySource = iota
	KeySourceBase64
	KeySourcePassphrase
)

func (s KeySource) String() string {
	switch s {
	case KeySourceBase64:
		return "base64"
	case KeySourcePassphrase:
		return "passphrase"
	default:
		return "none"
	}
}

// ResolveKey derives the 32-byte key. A secret that decodes as base64 to at
// least 32 bytes supplies its first 32 bytes; otherwise a secret of at least
// 32 characters is hashed with SHA-256.
func ResolveKey(secret string) ([]byte, KeySource, error) {
	if secret == "" {
		return nil, KeySourceNone, nil
	}
	if raw, err := base64.StdEncoding.DecodeString(secret); err == nil && len(raw) >= keySize {
		return raw[:keySize], KeySourceBase64, nil
	}
	if len(secret) >= keySize {
		sum := sha256.Sum256([]byte(secret))
		return sum[:], KeySourcePassphrase, nil
	}
	return nil, KeySourceNone, ErrWeakSecret
}

// Vault encrypts and decrypts credential strings
type Vault struct {
	aead   cipher.AEAD
	block  cipher.Block
	source KeySource
	logger *zap.Logger
}

// New resolves the key once. An empty secret gives a disabled vault.
func New(secret string, logger *zap.Logger) (*Vault, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	key, source, err := ResolveKey(secret)
	if err != nil {
		return nil, err
	}
	v := &Vault{source: source, logger: logger.Named("vault")}
	if key == nil {
		return v, nil
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}
	v.block = block
	v.aead = aead
	return v, nil
}

// Enabled reports whether a key is configured
func (v *Vault) Enabled() bool {
	return v != nil && v.aead != nil
}

// Source returns how the key was derived
func (v *Vault) Source() KeySource {
	return v.source
}

// Encrypt seals plaintext under a fresh random IV
func (v *Vault) Encrypt(plaintext string) (string, error) {
	if !v.Enabled() {
		return "", ErrDisabled
	}
	if plaintext == "" {
		return "", ErrEmptyPlaintext
	}

	iv := make([]byte, nonceSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("vault: %w", err)
	}

	sealed := v.aead.Seal(nil, iv, []byte(plaintext), nil)
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(tag) + ":" + hex.EncodeToString(ct), nil
}

// Decrypt opens an iv:authTag:ciphertext triple
func (v *Vault) Decrypt(value string) (string, error) {
	if !v.Enabled() {
		return "", ErrDisabled
	}

	iv, tag, ct, err := parseTriple(value)
	if err != nil {
		v.logger.Warn("decryption failed", zap.String("reason", err.Error()))
		return "", ErrDecrypt
	}

	aead := v.aead
	if len(iv) == legacyNonce {
		aead, err = cipher.NewGCMWithNonceSize(v.block, legacyNonce)
		if err != nil {
			v.logger.Warn("decryption failed", zap.String("reason", err.Error()))
			return "", ErrDecrypt
		}
	}

	plaintext, err := aead.Open(nil, iv, append(ct, tag...), nil)
	if err != nil {
		v.logger.Warn("integrity check failed", zap.Int("ciphertext_len", len(ct)))
		return "", ErrDecrypt
	}
	return string(plaintext), nil
}

// SafeEncrypt leaves the value in plaintext when no key is configured
func (v *Vault) SafeEncrypt(plaintext string) (string, error) {
	if !v.Enabled() {
		v.logger.Warn("encryption key not configured, storing credential in plaintext")
		return plaintext, nil
	}
	if plaintext == "" {
		return "", nil
	}
	return v.Encrypt(plaintext)
}

// SafeDecrypt returns legacy plaintext unchanged and decrypts triples
func (v *Vault) SafeDecrypt(value string) (string, error) {
	if !IsEncrypted(value) {
		return value, nil
	}
	return v.Decrypt(value)
}

// IsEncrypted reports whether value has the iv:authTag:ciphertext shape
func IsEncrypted(value string) bool {
	_, _, _, err := parseTriple(value)
	return err == nil
}

func parseTriple(value string) (iv, tag, ct []byte, err error) {
	parts := strings.Split(value, ":")
	if len(parts) != 3 {
		return nil, nil, nil, errors.New("expected three fields")
	}
	if iv, err = hex.DecodeString(parts[0]); err != nil {
		return nil, nil, nil, errors.New("iv is not hex")
	}
	if tag, err = hex.DecodeString(parts[1]); err != nil {
		return nil, nil, nil, errors.New("tag is not hex")
	}
	if ct, err = hex.DecodeString(parts[2]); err != nil {
		return nil, nil, nil, errors.New("ciphertext is not hex")
	}
	if len(iv) != nonceSize && len(iv) != legacyNonce {
		return nil, nil, nil, fmt.Errorf("iv length %d", len(iv))
	}
	if len(tag) != tagSize {
		return nil, nil, nil, fmt.Errorf("tag length %d", len(tag))
	}
	if len(ct) == 0 {
		return nil, nil, nil, errors.New("empty ciphertext")
	}
	return iv, tag, ct, nil
}
