package shop

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Cipher decrypts shop signing secrets at rest. Stored values are
// base64(nonce || ciphertext) sealed with XChaCha20-Poly1305. A nil
// *Cipher passes values through unchanged, which is how plaintext dev
// databases keep working without a key.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher builds a Cipher from a base64-encoded 32-byte key. An empty
// key returns nil, selecting plaintext mode.
func NewCipher(base64Key string) (*Cipher, error) {
	if base64Key == "" {
		return nil, nil
	}
	key, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("decode secrets key: %w", err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("secrets key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init secrets cipher: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Decrypt unseals a stored secret. Empty values and nil ciphers pass
// through.
func (c *Cipher) Decrypt(value string) (string, error) {
	if c == nil || value == "" {
		return value, nil
	}
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return "", fmt.Errorf("decode sealed secret: %w", err)
	}
	ns := c.aead.NonceSize()
	if len(raw) < ns {
		return "", fmt.Errorf("sealed secret too short")
	}
	plain, err := c.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("unseal secret: %w", err)
	}
	return string(plain), nil
}

// Encrypt seals a secret for storage. Provisioning tools and tests use
// this; the ingest path only decrypts.
func (c *Cipher) Encrypt(value string) (string, error) {
	if c == nil || value == "" {
		return value, nil
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nil, nonce, []byte(value), nil)
	return base64.StdEncoding.EncodeToString(append(nonce, sealed...)), nil
}
