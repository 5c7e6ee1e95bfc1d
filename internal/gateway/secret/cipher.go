// Package secret encrypts stored provider credentials with AES-256-GCM.
//
// Keys are 32 bytes supplied as 64 hex characters. Every encryption draws a
// fresh 96-bit nonce; the 128-bit tag is stored separately from the
// ciphertext. All functions are pure and safe for concurrent use.
package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/mrmushfiq/llm0-gates/internal/shared/errs"
)

const (
	keySize   = 32
	nonceSize = 12
	tagSize   = 16
)

var (
	ErrInvalidKey           = errs.New(errs.KindInvalidKey, "encryption key must be 32 bytes encoded as 64 hex characters")
	ErrInvalidCiphertext    = errs.New(errs.KindInvalidCiphertext, "encrypted payload is incomplete or malformed")
	ErrAuthenticationFailed = errs.New(errs.KindAuthenticationFailed, "encrypted payload failed authentication")
)

// Encrypted is the stored form of a secret. All fields are hex encoded.
type Encrypted struct {
	Ciphertext string `json:"ciphertext"`
	IV         string `json:"iv"`
	Tag        string `json:"tag"`
}

// GenerateKey returns a new random key as 64 hex characters
func GenerateKey() (string, error) {
	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return hex.EncodeToString(key), nil
}

// ParseKey decodes and validates a hex key
func ParseKey(hexKey string) ([]byte, error) {
	if len(hexKey) != keySize*2 {
		return nil, ErrInvalidKey
	}
	key, err := hex.DecodeString(hexKey)
	if err != nil || len(key) != keySize {
		return nil, ErrInvalidKey
	}
	return key, nil
}

// Encrypt seals plaintext under hexKey
func Encrypt(plaintext, hexKey string) (Encrypted, error) {
	key, err := ParseKey(hexKey)
	if err != nil {
		return Encrypted{}, err
	}
	return seal([]byte(plaintext), key)
}

// Decrypt opens a payload produced by Encrypt
func Decrypt(enc Encrypted, hexKey string) (string, error) {
	key, err := ParseKey(hexKey)
	if err != nil {
		return "", err
	}
	return open(enc, key)
}

// Cipher binds a parsed key so callers decode it once
type Cipher struct {
	key []byte
}

func NewCipher(hexKey string) (*Cipher, error) {
	key, err := ParseKey(hexKey)
	if err != nil {
		return nil, err
	}
	return &Cipher{key: key}, nil
}

func (c *Cipher) Encrypt(plaintext string) (Encrypted, error) {
	return seal([]byte(plaintext), c.key)
}

func (c *Cipher) Decrypt(enc Encrypted) (string, error) {
	return open(enc, c.key)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, ErrInvalidKey
	}
	return cipher.NewGCM(block)
}

func seal(plaintext, key []byte) (Encrypted, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return Encrypted{}, err
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return Encrypted{}, fmt.Errorf("generate nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	split := len(sealed) - tagSize

	return Encrypted{
		Ciphertext: hex.EncodeToString(sealed[:split]),
		IV:         hex.EncodeToString(nonce),
		Tag:        hex.EncodeToString(sealed[split:]),
	}, nil
}

func open(enc Encrypted, key []byte) (string, error) {
	if enc.IV == "" || enc.Tag == "" {
		return "", ErrInvalidCiphertext
	}

	ciphertext, err := hex.DecodeString(enc.Ciphertext)
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	nonce, err := hex.DecodeString(enc.IV)
	if err != nil || len(nonce) != nonceSize {
		return "", ErrInvalidCiphertext
	}
	tag, err := hex.DecodeString(enc.Tag)
	if err != nil || len(tag) != tagSize {
		return "", ErrInvalidCiphertext
	}

	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrAuthenticationFailed
	}
	return string(plaintext), nil
}
