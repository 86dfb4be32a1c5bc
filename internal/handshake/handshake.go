// Package handshake implements the SAKE authenticated exchange that turns a
// raw connection and a shared password into a session key. The wire order is
// fixed: READY, salt, KEYOK, client nonce, server nonce, challenge, response,
// verdict. Both parties advance the key chain one epoch before the first
// record is sent.
package handshake

import (
	"errors"
	"fmt"

	"github.com/jozefkovalcin/sakewire/internal/crypto"
	"github.com/jozefkovalcin/sakewire/internal/keychain"
	"github.com/jozefkovalcin/sakewire/internal/record"
)

const (
	// NonceSize is the size of the client and server handshake nonces.
	NonceSize = 16

	// ChallengeSize is the size of the challenge and response hashes.
	ChallengeSize = 32

	verdictAccept byte = 0x01
	verdictReject byte = 0x00
)

// Magic literals exchanged during the handshake, ASCII without terminator.
var (
	magicReady = []byte("READY")
	magicKeyOK = []byte("KEYOK")
)

var (
	// ErrAuthFailed means the peer could not prove knowledge of the
	// password. A wrong password and an active man-in-the-middle are
	// indistinguishable by design.
	ErrAuthFailed = errors.New("authentication failed: wrong password or active MITM")

	// ErrBadMagic is returned when a protocol literal does not match.
	ErrBadMagic = errors.New("unexpected protocol literal")
)

// Result is the outcome of a successful handshake. The caller owns the
// chain and the session key and must wipe both at session end.
type Result struct {
	Chain      *keychain.KeyChain
	SessionKey [crypto.KeySize]byte
}

// Initiate runs the initiator side of the handshake. It samples the salt,
// derives the master key from password (wiping it), authenticates against
// the responder's challenge and, on acceptance, derives the session key and
// advances the chain. The password buffer is wiped in all cases.
func Initiate(stream *record.Stream, password []byte) (*Result, error) {
	if err := expectMagic(stream, magicReady); err != nil {
		crypto.Wipe(password)
		return nil, fmt.Errorf("await ready: %w", err)
	}

	salt := make([]byte, crypto.SaltSize)
	if err := crypto.RandFill(salt); err != nil {
		crypto.Wipe(password)
		return nil, err
	}

	master := keychain.DeriveMaster(password, salt)
	chain := keychain.New(master, keychain.Initiator)
	crypto.WipeKey(&master)

	if err := stream.WriteFull(salt); err != nil {
		chain.Wipe()
		return nil, fmt.Errorf("send salt: %w", err)
	}
	if err := expectMagic(stream, magicKeyOK); err != nil {
		chain.Wipe()
		return nil, fmt.Errorf("await key acknowledgment: %w", err)
	}

	clientNonce := make([]byte, NonceSize)
	if err := crypto.RandFill(clientNonce); err != nil {
		chain.Wipe()
		return nil, err
	}
	if err := stream.WriteFull(clientNonce); err != nil {
		chain.Wipe()
		return nil, fmt.Errorf("send client nonce: %w", err)
	}

	serverNonce := make([]byte, NonceSize)
	challenge := make([]byte, ChallengeSize)
	if err := stream.ReadFull(serverNonce); err != nil {
		chain.Wipe()
		return nil, fmt.Errorf("receive server nonce: %w", err)
	}
	if err := stream.ReadFull(challenge); err != nil {
		chain.Wipe()
		return nil, fmt.Errorf("receive challenge: %w", err)
	}

	auth := chain.AuthCurr()
	response := crypto.Hash(ChallengeSize, auth[:], challenge, serverNonce)
	crypto.WipeKey(&auth)
	if err := stream.WriteFull(response); err != nil {
		chain.Wipe()
		return nil, fmt.Errorf("send response: %w", err)
	}

	var verdict [1]byte
	if err := stream.ReadFull(verdict[:]); err != nil {
		chain.Wipe()
		return nil, fmt.Errorf("receive verdict: %w", err)
	}
	if verdict[0] != verdictAccept {
		chain.Wipe()
		return nil, ErrAuthFailed
	}

	return establish(chain, clientNonce, serverNonce)
}

// Respond runs the responder side of the handshake. It derives the master
// key from password and the initiator's salt (wiping the password),
// challenges the initiator and verifies the response in constant time. The
// verdict byte is sent in both directions of the outcome so the initiator
// can distinguish rejection from a dropped connection.
func Respond(stream *record.Stream, password []byte) (*Result, error) {
	if err := stream.WriteFull(magicReady); err != nil {
		crypto.Wipe(password)
		return nil, fmt.Errorf("send ready: %w", err)
	}

	salt := make([]byte, crypto.SaltSize)
	if err := stream.ReadFull(salt); err != nil {
		crypto.Wipe(password)
		return nil, fmt.Errorf("receive salt: %w", err)
	}

	master := keychain.DeriveMaster(password, salt)
	chain := keychain.New(master, keychain.Responder)
	crypto.WipeKey(&master)

	if err := stream.WriteFull(magicKeyOK); err != nil {
		chain.Wipe()
		return nil, fmt.Errorf("send key acknowledgment: %w", err)
	}

	clientNonce := make([]byte, NonceSize)
	if err := stream.ReadFull(clientNonce); err != nil {
		chain.Wipe()
		return nil, fmt.Errorf("receive client nonce: %w", err)
	}

	serverNonce := make([]byte, NonceSize)
	if err := crypto.RandFill(serverNonce); err != nil {
		chain.Wipe()
		return nil, err
	}

	auth := chain.AuthCurr()
	challenge := crypto.Hash(ChallengeSize, auth[:], clientNonce, serverNonce)

	if err := stream.WriteFull(serverNonce); err != nil {
		crypto.WipeKey(&auth)
		chain.Wipe()
		return nil, fmt.Errorf("send server nonce: %w", err)
	}
	if err := stream.WriteFull(challenge); err != nil {
		crypto.WipeKey(&auth)
		chain.Wipe()
		return nil, fmt.Errorf("send challenge: %w", err)
	}

	response := make([]byte, ChallengeSize)
	if err := stream.ReadFull(response); err != nil {
		crypto.WipeKey(&auth)
		chain.Wipe()
		return nil, fmt.Errorf("receive response: %w", err)
	}

	expected := crypto.Hash(ChallengeSize, auth[:], challenge, serverNonce)
	crypto.WipeKey(&auth)

	if !crypto.ConstantTimeEqual(expected, response) {
		crypto.Wipe(expected)
		stream.WriteFull([]byte{verdictReject})
		chain.Wipe()
		return nil, ErrAuthFailed
	}
	crypto.Wipe(expected)

	if err := stream.WriteFull([]byte{verdictAccept}); err != nil {
		chain.Wipe()
		return nil, fmt.Errorf("send verdict: %w", err)
	}

	return establish(chain, clientNonce, serverNonce)
}

// establish derives the session key at the current epoch and advances the
// chain, completing the transition to the record layer.
func establish(chain *keychain.KeyChain, clientNonce, serverNonce []byte) (*Result, error) {
	res := &Result{Chain: chain}
	res.SessionKey = chain.SessionKey(clientNonce, serverNonce)
	chain.Advance()
	return res, nil
}

// expectMagic reads and checks a protocol literal.
func expectMagic(stream *record.Stream, magic []byte) error {
	buf := make([]byte, len(magic))
	if err := stream.ReadFull(buf); err != nil {
		return err
	}
	if string(buf) != string(magic) {
		return fmt.Errorf("%w: got %q", ErrBadMagic, buf)
	}
	return nil
}
