// Package crypto seals auth tokens at rest with AES-256-GCM, keyed per
// device so a copied database file is useless without the device identity.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
)

// ErrInvalidCiphertext is returned when decryption fails for any reason:
// bad encoding, truncated input, or a key that does not match.
var ErrInvalidCiphertext = errors.New("invalid ciphertext")

// DeriveKey derives the stable AES-256 key for a device. An empty device id
// falls back to a shared default key.
func DeriveKey(deviceID string) []byte {
	if deviceID == "" {
		deviceID = "habitsync-default-key"
	}
	hash := sha256.Sum256([]byte("habitsync:" + deviceID))
	return hash[:]
}

// EncryptToken seals an auth token for storage under the device key. The
// result is base64 over nonce||ciphertext.
func EncryptToken(token, deviceID string) (string, error) {
	if token == "" {
		return "", errors.New("token cannot be empty")
	}

	gcm, err := deviceCipher(deviceID)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	sealed := gcm.Seal(nonce, nonce, []byte(token), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptToken opens a stored auth token. An empty input means no token set.
func DecryptToken(encrypted, deviceID string) (string, error) {
	if encrypted == "" {
		return "", nil
	}

	data, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return "", ErrInvalidCiphertext
	}

	gcm, err := deviceCipher(deviceID)
	if err != nil {
		return "", err
	}
	if len(data) < gcm.NonceSize() {
		return "", ErrInvalidCiphertext
	}

	nonce, sealed := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	token, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	return string(token), nil
}

func deviceCipher(deviceID string) (cipher.AEAD, error) {
	block, err := aes.NewCipher(DeriveKey(deviceID))
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
