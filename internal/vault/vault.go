// Package vault encrypts the login pair for persisted-session storage.
//
// The key is embedded in the process, so this is an obfuscation boundary
// against casual reads of the session database, not a security guarantee.
package vault

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrDecrypt is returned for any blob that cannot be decrypted: malformed,
// tampered, or sealed under a different key. Callers treat it as "no
// usable session".
var ErrDecrypt = errors.New("vault: cannot decrypt session blob")

var key = deriveKey("Proyecto-Redes session vault v1")

func deriveKey(seed string) []byte {
	sum := sha256.Sum256([]byte(seed))
	return sum[:]
}

type blob struct {
	User     string `json:"user"`
	Password string `json:"password"`
}

// Encrypt seals the user and secret independently and bundles both
// ciphertexts into one opaque blob.
func Encrypt(user, secret string) ([]byte, error) {
	eu, err := seal([]byte(user))
	if err != nil {
		return nil, err
	}
	ep, err := seal([]byte(secret))
	if err != nil {
		return nil, err
	}
	return json.Marshal(blob{User: eu, Password: ep})
}

// Decrypt is the inverse of Encrypt.
func Decrypt(data []byte) (user, secret string, err error) {
	var b blob
	if err := json.Unmarshal(data, &b); err != nil {
		return "", "", ErrDecrypt
	}

	u, err := open(b.User)
	if err != nil {
		return "", "", ErrDecrypt
	}
	p, err := open(b.Password)
	if err != nil {
		return "", "", ErrDecrypt
	}
	return string(u), string(p), nil
}

func seal(plaintext []byte) (string, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", fmt.Errorf("vault: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("vault: %w", err)
	}

	out := aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

func open(encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(raw) < aead.NonceSize() {
		return nil, ErrDecrypt
	}

	nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	return aead.Open(nil, nonce, ciphertext, nil)
}
