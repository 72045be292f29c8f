// Package crypto provides the Token Manager's encryption-at-rest envelope
// for persisted OAuth tokens.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"
	"sync"

	"golang.org/x/crypto/scrypt"
)

// EncryptedPrefix marks a string as ciphertext so callers can distinguish
// already-encrypted values from legacy plaintext during migration.
const EncryptedPrefix = "enc:"

// scrypt cost parameters, matched to a widely used reference derivation
// (N=2^15, r=8, p=1, 32-byte key) rather than invented from scratch.
const (
	scryptN      = 32768
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32
)

var (
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
	ErrDecryptionFailed  = errors.New("decryption failed")
)

// Service encrypts and decrypts account tokens with AES-256-GCM. The key is
// derived once via scrypt from the process's key-file secret and a fixed
// per-process salt, then cached — scrypt is deliberately expensive, so
// re-deriving per call would make every token read/write pay its cost.
type Service struct {
	mu      sync.Mutex
	keyOnce bool
	key     []byte

	secret []byte
	salt   []byte
}

// NewService builds a Service from the raw secret bytes read from the
// configured key file. Derivation is lazy: it happens on first
// Encrypt/Decrypt call, not at construction, so a misconfigured key file
// only fails the first token operation rather than startup itself.
func NewService(secret []byte, salt []byte) *Service {
	return &Service{secret: secret, salt: salt}
}

func (s *Service) deriveKey() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.keyOnce {
		return s.key, nil
	}
	key, err := scrypt.Key(s.secret, s.salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, err
	}
	s.key = key
	s.keyOnce = true
	return s.key, nil
}

// Encrypt seals plaintext with AES-256-GCM and returns a prefixed,
// base64-encoded ciphertext safe to store in the accounts table.
func (s *Service) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	key, err := s.deriveKey()
	if err != nil {
		return "", err
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
	return EncryptedPrefix + base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt opens a ciphertext produced by Encrypt. A value without the
// encrypted prefix is returned unchanged (pre-encryption-era rows, or
// already-plaintext test fixtures).
func (s *Service) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	if !IsEncrypted(ciphertext) {
		return ciphertext, nil
	}

	key, err := s.deriveKey()
	if err != nil {
		return "", err
	}

	encoded := ciphertext[len(EncryptedPrefix):]
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", ErrInvalidCiphertext
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
	if len(data) < nonceSize {
		return "", ErrInvalidCiphertext
	}

	nonce, ciphertextBytes := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertextBytes, nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}

	return string(plaintext), nil
}

// IsEncrypted reports whether s carries the encrypted-value prefix.
func IsEncrypted(s string) bool {
	return len(s) > len(EncryptedPrefix) && s[:len(EncryptedPrefix)] == EncryptedPrefix
}

// HashAPIKey returns a stable hex digest suitable for indexing a secret
// value without storing it in the clear (e.g. the key-file fingerprint
// written to logs for operator troubleshooting).
func HashAPIKey(raw []byte) string {
	sum, _ := scrypt.Key(raw, []byte("lb-fingerprint"), 1024, 8, 1, 16)
	return hex.EncodeToString(sum)
}
