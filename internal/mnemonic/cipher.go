package mnemonic

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/starford/laguz/internal/apperr"
)

// Envelope is an encrypted blob with its nonce, both base64-encoded so the
// envelope can travel inside JSON records.
type Envelope struct {
	IV   string `json:"iv"`
	Data string `json:"data"`
}

// Cipher performs authenticated symmetric encryption (AES-256-GCM) under a
// key derived from a mnemonic phrase. A Cipher is immutable and safe for
// concurrent use.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher wraps a 32-byte key in an AES-GCM cipher.
func NewCipher(key []byte) (*Cipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("mnemonic: init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("mnemonic: init gcm: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Seal encrypts plaintext under a fresh random nonce. Nonces are never
// reused; every call draws a new one from crypto/rand.
func (c *Cipher) Seal(plaintext []byte) (Envelope, error) {
	iv := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return Envelope{}, fmt.Errorf("mnemonic: nonce: %w", err)
	}
	sealed := c.aead.Seal(nil, iv, plaintext, nil)
	return Envelope{
		IV:   base64.StdEncoding.EncodeToString(iv),
		Data: base64.StdEncoding.EncodeToString(sealed),
	}, nil
}

// Open decrypts an envelope. A wrong key or tampered ciphertext fails the
// GCM authentication check and is reported as apperr.ErrDecrypt; garbage is
// never returned as plaintext.
func (c *Cipher) Open(env Envelope) ([]byte, error) {
	iv, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil {
		return nil, fmt.Errorf("mnemonic: decode iv: %w", apperr.ErrDecrypt)
	}
	data, err := base64.StdEncoding.DecodeString(env.Data)
	if err != nil {
		return nil, fmt.Errorf("mnemonic: decode ciphertext: %w", apperr.ErrDecrypt)
	}
	if len(iv) != c.aead.NonceSize() {
		return nil, fmt.Errorf("mnemonic: bad nonce size: %w", apperr.ErrDecrypt)
	}
	plain, err := c.aead.Open(nil, iv, data, nil)
	if err != nil {
		return nil, fmt.Errorf("mnemonic: open: %w", apperr.ErrDecrypt)
	}
	return plain, nil
}
