// Package secrets is the credential vault: AES-256-GCM at rest, opaque
// short-lived handles on the wire. Plaintext passwords exist only inside
// Redeem callers and are zeroized when the step that needed them ends.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/pbkdf2"

	"github.com/opspilot/backend/internal/faults"
)

// kekSalt is fixed per service so the same master key always derives the
// same KEK. Rotating the master key re-encrypts nothing automatically;
// operators re-upsert credentials after rotation.
var kekSalt = []byte("opspilot-secrets-v1")

const kekIterations = 120_000

// Cipher seals and opens credential material with a key derived from the
// service master key.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher derives a 32-byte KEK from the master key with
// PBKDF2-HMAC-SHA256 and prepares an AES-256-GCM AEAD.
func NewCipher(masterKey string) (*Cipher, error) {
	if masterKey == "" {
		return nil, faults.New(faults.KindValidation, "master key must not be empty")
	}
	kek := pbkdf2.Key([]byte(masterKey), kekSalt, kekIterations, 32, sha256.New)

	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, faults.Wrap(faults.KindInternal, err, "create cipher")
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, faults.Wrap(faults.KindInternal, err, "create gcm")
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt seals plaintext and prepends the random nonce to the ciphertext.
func (c *Cipher) Encrypt(plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, faults.New(faults.KindValidation, "cannot encrypt empty data")
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, faults.Wrap(faults.KindInternal, err, "generate nonce")
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens ciphertext produced by Encrypt.
func (c *Cipher) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < c.aead.NonceSize() {
		return nil, faults.New(faults.KindValidation, "ciphertext too short")
	}
	nonce, sealed := ciphertext[:c.aead.NonceSize()], ciphertext[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, faults.Wrap(faults.KindInternal, err, "decrypt credential")
	}
	return plaintext, nil
}

// Zero overwrites sensitive bytes in place, best effort.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
