// Package rekey implements the in-band session-key rotation embedded in the
// record stream. The exchange is lock-step: BEGIN, ACK, fresh client and
// server nonces, VALIDATE plus a validation code, READY. Both parties derive
// the replacement key from the current epoch's master key; the key chain
// itself does not advance during rotation.
package rekey

import (
	"errors"
	"fmt"

	"github.com/jozefkovalcin/sakewire/internal/crypto"
	"github.com/jozefkovalcin/sakewire/internal/keychain"
	"github.com/jozefkovalcin/sakewire/internal/record"
)

// NonceSize matches the handshake nonce width; the rotation re-runs the
// nonce exchange with fresh values.
const NonceSize = 16

var (
	// ErrValidationFailed means the two sides derived different keys; the
	// session must abort.
	ErrValidationFailed = errors.New("rekey validation failed")

	// ErrUnexpectedMarker is returned when the lock-step order is broken.
	ErrUnexpectedMarker = errors.New("unexpected rekey marker")
)

// Initiate runs the sender side of a rotation. On success sessionKey holds
// the replacement key and the old key has been wiped; on any error the
// session is unusable and the caller must abort.
func Initiate(stream *record.Stream, chain *keychain.KeyChain, sessionKey *[crypto.KeySize]byte) error {
	if err := stream.WriteUint32(record.MarkerRekeyBegin); err != nil {
		return fmt.Errorf("send rekey begin: %w", err)
	}

	ack, err := stream.ReadUint32()
	if err != nil {
		return fmt.Errorf("await rekey ack: %w", err)
	}
	if ack != record.MarkerRekeyAck {
		return fmt.Errorf("%w: got 0x%08x, want REKEY_ACK", ErrUnexpectedMarker, ack)
	}

	clientNonce := make([]byte, NonceSize)
	if err := crypto.RandFill(clientNonce); err != nil {
		return err
	}
	if err := stream.WriteFull(clientNonce); err != nil {
		return fmt.Errorf("send rekey client nonce: %w", err)
	}

	serverNonce := make([]byte, NonceSize)
	if err := stream.ReadFull(serverNonce); err != nil {
		return fmt.Errorf("receive rekey server nonce: %w", err)
	}

	newKey := chain.SessionKey(clientNonce, serverNonce)

	if err := stream.WriteUint32(record.MarkerRekeyValidate); err != nil {
		crypto.WipeKey(&newKey)
		return fmt.Errorf("send rekey validate: %w", err)
	}
	code := keychain.ValidationCode(&newKey)
	if err := stream.WriteFull(code[:]); err != nil {
		crypto.WipeKey(&newKey)
		return fmt.Errorf("send validation code: %w", err)
	}

	ready, err := stream.ReadUint32()
	if err != nil {
		crypto.WipeKey(&newKey)
		return fmt.Errorf("await rekey ready: %w", err)
	}
	if ready != record.MarkerRekeyReady {
		crypto.WipeKey(&newKey)
		return fmt.Errorf("%w: got 0x%08x, want REKEY_READY", ErrUnexpectedMarker, ready)
	}

	crypto.WipeKey(sessionKey)
	*sessionKey = newKey
	crypto.WipeKey(&newKey)
	return nil
}

// Respond runs the receiver side of a rotation, entered after the REKEY_BEGIN
// marker has been read from the stream. The received validation code is
// compared in constant time; a mismatch aborts the session.
func Respond(stream *record.Stream, chain *keychain.KeyChain, sessionKey *[crypto.KeySize]byte) error {
	if err := stream.WriteUint32(record.MarkerRekeyAck); err != nil {
		return fmt.Errorf("send rekey ack: %w", err)
	}

	clientNonce := make([]byte, NonceSize)
	if err := stream.ReadFull(clientNonce); err != nil {
		return fmt.Errorf("receive rekey client nonce: %w", err)
	}

	serverNonce := make([]byte, NonceSize)
	if err := crypto.RandFill(serverNonce); err != nil {
		return err
	}
	if err := stream.WriteFull(serverNonce); err != nil {
		return fmt.Errorf("send rekey server nonce: %w", err)
	}

	newKey := chain.SessionKey(clientNonce, serverNonce)

	marker, err := stream.ReadUint32()
	if err != nil {
		crypto.WipeKey(&newKey)
		return fmt.Errorf("await rekey validate: %w", err)
	}
	if marker != record.MarkerRekeyValidate {
		crypto.WipeKey(&newKey)
		return fmt.Errorf("%w: got 0x%08x, want REKEY_VALIDATE", ErrUnexpectedMarker, marker)
	}

	received := make([]byte, crypto.ValidationSize)
	if err := stream.ReadFull(received); err != nil {
		crypto.WipeKey(&newKey)
		return fmt.Errorf("receive validation code: %w", err)
	}

	expected := keychain.ValidationCode(&newKey)
	if !crypto.ConstantTimeEqual(expected[:], received) {
		crypto.Wipe(expected[:])
		crypto.WipeKey(&newKey)
		return ErrValidationFailed
	}
	crypto.Wipe(expected[:])

	if err := stream.WriteUint32(record.MarkerRekeyReady); err != nil {
		crypto.WipeKey(&newKey)
		return fmt.Errorf("send rekey ready: %w", err)
	}

	crypto.WipeKey(sessionKey)
	*sessionKey = newKey
	crypto.WipeKey(&newKey)
	return nil
}
