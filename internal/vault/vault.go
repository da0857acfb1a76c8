// Package vault encrypts and decrypts account credentials at rest.
//
// Ciphertexts are "hex(iv):hex(ciphertext)" using AES-256-CBC with PKCS#7
// padding. The key is derived from a secret with scrypt (N=32768, r=8, p=1,
// salt "salt"), so values written by other deployments sharing the secret
// stay readable. Decrypted values are kept in an owned LRU+TTL cache.
package vault

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/crypto/scrypt"

	"github.com/blueberrycongee/relaymux/internal/metrics"
)

const (
	scryptN   = 32768
	scryptR   = 8
	scryptP   = 1
	keyLength = 32

	// MaxPlaintextSize bounds Encrypt input.
	MaxPlaintextSize = 10 * 1024 * 1024
)

var salt = []byte("salt")

var (
	// ErrInvalidCiphertext is returned for values not in "ivhex:cthex" form or
	// that fail to decrypt.
	ErrInvalidCiphertext = errors.New("invalid ciphertext")

	// ErrEmptySecret is returned when no encryption secret is configured.
	ErrEmptySecret = errors.New("encryption secret is empty")
)

// Cipher is the encrypt/decrypt capability consumed by the gateway and refresher.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// SecretSource resolves a secret reference such as "env://RELAYMUX_KEY".
type SecretSource interface {
	Get(ctx context.Context, ref string) (string, error)
}

// Vault implements Cipher.
type Vault struct {
	key    []byte
	cache  *Cache
	logger *slog.Logger
}

var _ Cipher = (*Vault)(nil)

// Option configures a Vault.
type Option func(*Vault)

// WithCache replaces the default 500 entry, 5 minute cache.
func WithCache(c *Cache) Option {
	return func(v *Vault) {
		if c != nil {
			v.cache = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(v *Vault) {
		if l != nil {
			v.logger = l
		}
	}
}

// New derives the key from secret and returns a ready vault.
func New(secret string, opts ...Option) (*Vault, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	v := &Vault{
		cache:  NewCache(DefaultCacheSize, DefaultCacheTTL),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}

	start := time.Now()
	key, err := scrypt.Key([]byte(secret), salt, scryptN, scryptR, scryptP, keyLength)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	v.key = key
	v.logger.Debug("encryption key derived", "duration", time.Since(start))
	return v, nil
}

// NewFromSource resolves ref through src and derives the key from it.
func NewFromSource(ctx context.Context, src SecretSource, ref string, opts ...Option) (*Vault, error) {
	secret, err := src.Get(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("resolve encryption key: %w", err)
	}
	return New(strings.TrimSpace(secret), opts...)
}

// Encrypt returns "hex(iv):hex(ciphertext)". Empty input encrypts to "".
func (v *Vault) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	if len(plaintext) > MaxPlaintextSize {
		return "", fmt.Errorf("plaintext too large: %d bytes (max %d)", len(plaintext), MaxPlaintextSize)
	}

	block, err := aes.NewCipher(v.key)
	if err != nil {
		return "", fmt.Errorf("new cipher: %w", err)
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}

	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)

	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(out), nil
}

// Decrypt reverses Encrypt. Results are cached by ciphertext digest.
func (v *Vault) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}

	sum := sha256.Sum256([]byte(ciphertext))
	cacheKey := hex.EncodeToString(sum[:])
	if plain, ok := v.cache.Get(cacheKey); ok {
		metrics.VaultCacheLookups.WithLabelValues("hit").Inc()
		return plain, nil
	}
	metrics.VaultCacheLookups.WithLabelValues("miss").Inc()

	plain, err := v.decrypt(ciphertext)
	if err != nil {
		return "", err
	}
	v.cache.Set(cacheKey, plain)
	return plain, nil
}

func (v *Vault) decrypt(ciphertext string) (string, error) {
	ivHex, ctHex, ok := strings.Cut(ciphertext, ":")
	if !ok || strings.Contains(ctHex, ":") {
		return "", fmt.Errorf("%w: unsupported format", ErrInvalidCiphertext)
	}
	iv, err := hex.DecodeString(ivHex)
	if err != nil || len(iv) != aes.BlockSize {
		return "", fmt.Errorf("%w: bad iv", ErrInvalidCiphertext)
	}
	ct, err := hex.DecodeString(ctHex)
	if err != nil || len(ct) == 0 || len(ct)%aes.BlockSize != 0 {
		return "", fmt.Errorf("%w: bad ciphertext", ErrInvalidCiphertext)
	}

	block, err := aes.NewCipher(v.key)
	if err != nil {
		return "", fmt.Errorf("new cipher: %w", err)
	}
	out := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ct)

	plain, err := pkcs7Unpad(out, aes.BlockSize)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// Cache exposes the decrypt cache for stats and manual flushing.
func (v *Vault) Cache() *Cache {
	return v.cache
}

func pkcs7Pad(b []byte, blockSize int) []byte {
	n := blockSize - len(b)%blockSize
	return append(b, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(b []byte, blockSize int) ([]byte, error) {
	if len(b) == 0 || len(b)%blockSize != 0 {
		return nil, fmt.Errorf("%w: bad padding", ErrInvalidCiphertext)
	}
	n := int(b[len(b)-1])
	if n == 0 || n > blockSize || n > len(b) {
		return nil, fmt.Errorf("%w: bad padding", ErrInvalidCiphertext)
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, fmt.Errorf("%w: bad padding", ErrInvalidCiphertext)
		}
	}
	return b[:len(b)-n], nil
}
