// Package crypto provides the cryptographic primitives for sakewire.
// It uses XChaCha20-Poly1305 for record encryption, BLAKE2b for key
// derivation and validation hashes, and Argon2i for the password KDF.
package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// KeySize is the size of master, authentication and session keys in bytes.
	KeySize = 32

	// NonceSize is the size of XChaCha20-Poly1305 record nonces in bytes.
	NonceSize = chacha20poly1305.NonceSizeX

	// TagSize is the size of Poly1305 authentication tags in bytes.
	TagSize = chacha20poly1305.Overhead

	// SaltSize is the size of the per-session KDF salt in bytes.
	SaltSize = 16

	// ValidationSize is the size of a session-key validation code in bytes.
	ValidationSize = 16

	// Argon2i parameters for the password KDF. Memory cost is in KiB.
	argonMemory = 64 * 1024
	argonPasses = 3
	argonLanes  = 1
)

// ErrAuthFailed is returned when AEAD tag verification fails.
var ErrAuthFailed = errors.New("authentication failed")

// Seal encrypts plaintext with XChaCha20-Poly1305 and returns the ciphertext
// and the detached Poly1305 tag. The nonce must be NonceSize bytes and must
// never repeat for the same key.
func Seal(key *[KeySize]byte, nonce, plaintext []byte) (ciphertext, tag []byte, err error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, nil, fmt.Errorf("create cipher: %w", err)
	}

	sealed := aead.Seal(nil, nonce, plaintext, nil)
	return sealed[:len(plaintext)], sealed[len(plaintext):], nil
}

// Open decrypts ciphertext sealed by Seal, verifying the detached tag.
// It returns ErrAuthFailed on tag mismatch and never returns partial
// plaintext.
func Open(key *[KeySize]byte, nonce, ciphertext, tag []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

// Hash computes a BLAKE2b digest of outLen bytes over the concatenation of
// parts. outLen must be between 1 and 64.
func Hash(outLen int, parts ...[]byte) []byte {
	h, err := blake2b.New(outLen, nil)
	if err != nil {
		panic(fmt.Sprintf("blake2b init: %v", err))
	}
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

// DeriveKey runs the Argon2i password KDF and returns the 32-byte master key.
// The caller owns the password buffer and should wipe it once the key is
// derived.
func DeriveKey(password, salt []byte) [KeySize]byte {
	var key [KeySize]byte
	derived := argon2.Key(password, salt, argonPasses, argonMemory, argonLanes, KeySize)
	copy(key[:], derived)
	Wipe(derived)
	return key
}

// RandFill fills buf with bytes from the system CSPRNG.
func RandFill(buf []byte) error {
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return fmt.Errorf("read random bytes: %w", err)
	}
	return nil
}

// ConstantTimeEqual compares a and b in time independent of their contents.
// It returns false if the lengths differ.
func ConstantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// Wipe zeroes a byte slice so sensitive data does not linger in memory.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// WipeKey zeroes a key array.
func WipeKey(k *[KeySize]byte) {
	for i := range k {
		k[i] = 0
	}
}
