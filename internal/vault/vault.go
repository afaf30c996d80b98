package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// KeyVersionHKDF marks material encrypted with a key derived per scope from
// the master key.
const KeyVersionHKDF = 1

const hkdfInfo = "agrimarket-wallet/key-material/v1"

var (
	ErrNothingToDecrypt = errors.New("nothing to decrypt")
	ErrEmptyPlaintext   = errors.New("plaintext cannot be empty")
	ErrEmptyScope       = errors.New("encryption scope cannot be empty")
	ErrDecryptFailed    = errors.New("decryption failed")
	ErrInvalidMasterKey = errors.New("invalid master key")
)

// Vault encrypts wallet key material with AES-256-GCM. Each scope (the
// owning user id) gets its own key, derived from the master key with
// HKDF-SHA256, and the scope is bound as additional data.
type Vault struct {
	masterKey []byte
}

// New accepts a base64 encoded 32 byte master key.
func New(masterKey string) (*Vault, error) {
	keyBytes, err := base64.StdEncoding.DecodeString(masterKey)
	if err != nil {
		return nil, fmt.Errorf("%w: must be base64: %v", ErrInvalidMasterKey, err)
	}
	if len(keyBytes) != 32 {
		return nil, fmt.Errorf("%w: must be 32 bytes for AES-256, got %d", ErrInvalidMasterKey, len(keyBytes))
	}
	return &Vault{masterKey: keyBytes}, nil
}

// GenerateMasterKey returns a fresh base64 encoded master key.
func GenerateMasterKey() (string, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// Encrypt returns base64(nonce | ciphertext).
func (v *Vault) Encrypt(plaintext, scope string) (string, error) {
	if plaintext == "" {
		return "", ErrEmptyPlaintext
	}

	gcm, err := v.aead(scope)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), []byte(scope))
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (v *Vault) Decrypt(ciphertext, scope string) (string, error) {
	if ciphertext == "" {
		return "", ErrNothingToDecrypt
	}

	decoded, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: invalid encoding", ErrDecryptFailed)
	}

	gcm, err := v.aead(scope)
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(decoded) <= nonceSize {
		return "", fmt.Errorf("%w: ciphertext too short", ErrDecryptFailed)
	}

	nonce, sealed := decoded[:nonceSize], decoded[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, sealed, []byte(scope))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}

	return string(plaintext), nil
}

func (v *Vault) aead(scope string) (cipher.AEAD, error) {
	if scope == "" {
		return nil, ErrEmptyScope
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, v.masterKey, []byte(scope), []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	return cipher.NewGCM(block)
}
