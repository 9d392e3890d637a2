// Package crypto implements the AEAD encryption, hashing, key derivation,
// and subject obfuscation used throughout the system. Its key-derivation
// shape (password -> data key via a memory-hard KDF, HKDF for secondary
// subkeys) mirrors rclone's backend/crypt.Cipher.Key, substituting
// chacha20poly1305/argon2 for secretbox/scrypt to match this system's
// 96-bit AEAD nonce and memory-hard passphrase requirements exactly.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the chacha20poly1305 key size in bytes (256 bits).
	KeySize = chacha20poly1305.KeySize
	// NonceSize is the chacha20poly1305 nonce size in bytes (96 bits),
	// the AEAD nonce length every sealed payload carries.
	NonceSize = chacha20poly1305.NonceSize

	// Argon2id parameters for protected-share passphrase derivation.
	argonTime    = 3
	argonMemory  = 64 * 1024 // KiB
	argonThreads = 4
)

var (
	ErrCiphertextTooShort = errors.New("crypto: ciphertext shorter than nonce")
	ErrDecryptFailed      = errors.New("crypto: decryption failed (wrong key or tampered data)")
)

// Key is a 256-bit symmetric key used to seal and open segments, subjects,
// and share envelopes.
type Key [KeySize]byte

// RandomKey generates a new random folder key.
func RandomKey() (Key, error) {
	var k Key
	if _, err := io.ReadFull(rand.Reader, k[:]); err != nil {
		return Key{}, fmt.Errorf("crypto: generate key: %w", err)
	}
	return k, nil
}

// DeriveKeyFromPassword runs Argon2id over password and salt, producing
// the data key for a protected share. Parameters are fixed so that two
// calls with the same password and salt always agree.
func DeriveKeyFromPassword(password string, salt []byte) Key {
	raw := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, KeySize)
	var k Key
	copy(k[:], raw)
	return k
}

// Subkey derives a purpose-scoped subkey from a folder key via HKDF-SHA256,
// the same "one root secret, many scoped subkeys" shape as the subject
// obfuscation and segment-encryption keys are derived with.
func Subkey(folderKey Key, purpose string) (Key, error) {
	h := hkdf.New(sha256.New, folderKey[:], nil, []byte(purpose))
	var k Key
	if _, err := io.ReadFull(h, k[:]); err != nil {
		return Key{}, fmt.Errorf("crypto: derive subkey %q: %w", purpose, err)
	}
	return k, nil
}

// Seal encrypts plaintext with key, returning nonce||ciphertext||tag.
// Each call draws a fresh random nonce.
func Seal(key Key, plaintext, additionalData []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("crypto: init aead: %w", err)
	}
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("crypto: generate nonce: %w", err)
	}
	out := aead.Seal(nonce, nonce, plaintext, additionalData)
	return out, nil
}

// Open reverses Seal, verifying the AEAD tag before returning plaintext.
func Open(key Key, sealed, additionalData []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("crypto: init aead: %w", err)
	}
	if len(sealed) < NonceSize {
		return nil, ErrCiphertextTooShort
	}
	nonce, ciphertext := sealed[:NonceSize], sealed[NonceSize:]
	plaintext, err := aead.Open(nil, nonce, ciphertext, additionalData)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

// Hash256 returns the SHA-256 digest of data. No ecosystem library
// improves on crypto/sha256 for a fixed-output content hash; see
// DESIGN.md for the standard-library justification.
func Hash256(data []byte) [32]byte {
	return sha256.Sum256(data)
}
