package anonymizer

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
)

// HmacSHA256 computes the keyed hash of a value and returns the lowercase
// hex digest. Same key and same input always produce the same output.
func HmacSHA256(key, value string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(value))
	return hex.EncodeToString(mac.Sum(nil))
}

// FieldEncryptor provides reversible AES-256-GCM field encryption. The
// configured key string is stretched to a 32-byte AES key, the per-call
// nonce is prepended to the ciphertext and the whole payload is base64
// encoded.
type FieldEncryptor struct {
	aead cipher.AEAD
}

// NewFieldEncryptor derives the AES key from the configured key string and
// prepares the cipher.
func NewFieldEncryptor(key string) (*FieldEncryptor, error) {
	if key == "" {
		return nil, fmt.Errorf("encryptor: empty key")
	}

	derived := sha256.Sum256([]byte(key))
	block, err := aes.NewCipher(derived[:])
	if err != nil {
		return nil, fmt.Errorf("encryptor: create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("encryptor: create GCM: %w", err)
	}

	return &FieldEncryptor{aead: aead}, nil
}

// Encrypt encrypts the plaintext and returns base64(nonce + ciphertext).
func (e *FieldEncryptor) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("encryptor: generate nonce: %w", err)
	}

	// Seal appends the ciphertext to nonce, so the result is nonce + ciphertext.
	sealed := e.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt is the exact inverse of Encrypt. It fails on a wrong key, a
// malformed payload or a truncated nonce.
func (e *FieldEncryptor) Decrypt(ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decryptor: base64 decode: %w", err)
	}

	nonceSize := e.aead.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("decryptor: ciphertext too short")
	}

	nonce, sealed := data[:nonceSize], data[nonceSize:]
	plaintext, err := e.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("decryptor: %w", err)
	}
	return string(plaintext), nil
}
