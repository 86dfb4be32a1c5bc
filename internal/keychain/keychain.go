// Package keychain implements the SAKE key schedule: the password-derived
// master key, the evolving authentication-key chain, and per-session key
// derivation.
//
// The master key evolves by one-way BLAKE2b transitions indexed by an epoch
// counter, so compromise of the current keys reveals nothing about earlier
// epochs. The initiator keeps a one-epoch lookahead authentication key so it
// can be accepted by a responder that has already advanced.
package keychain

import (
	"encoding/binary"

	"github.com/jozefkovalcin/sakewire/internal/crypto"
)

// Domain-separation tags for the tagged BLAKE2b derivations.
const (
	tagKey     = "SAKE_K"
	tagAuth    = "SAKE_K_AUTH"
	tagSession = "SAKE_SESSION"
)

// Role selects which side of the chain a party maintains.
type Role int

const (
	// Initiator opens the connection and sends the file.
	Initiator Role = iota
	// Responder accepts the connection and receives the file.
	Responder
)

// String returns the role name for logging.
func (r Role) String() string {
	if r == Initiator {
		return "initiator"
	}
	return "responder"
}

// KeyChain holds one party's view of the SAKE key chain. Only the methods
// below mutate it; the zero value is not usable, construct with New.
type KeyChain struct {
	master   [crypto.KeySize]byte
	authPrev [crypto.KeySize]byte
	authCurr [crypto.KeySize]byte
	authNext [crypto.KeySize]byte
	epoch    uint64
	role     Role
}

// DeriveMaster runs the password KDF over password and salt and wipes the
// password buffer before returning.
func DeriveMaster(password, salt []byte) [crypto.KeySize]byte {
	key := crypto.DeriveKey(password, salt)
	crypto.Wipe(password)
	return key
}

// New builds a chain at epoch 0 from a freshly derived master key.
// The initiator precomputes the next epoch's authentication key so a
// responder one step ahead can still be matched.
func New(master [crypto.KeySize]byte, role Role) *KeyChain {
	c := &KeyChain{master: master, role: role}
	c.authCurr = authKey(&c.master)
	if role == Initiator {
		next := transition(&c.master, 1)
		c.authNext = authKey(&next)
		crypto.WipeKey(&next)
		c.authPrev = c.authCurr
	} else {
		c.authPrev = c.authCurr
		c.authNext = c.authCurr
	}
	return c
}

// Advance evolves the chain by one epoch. The old master key is wiped.
// After both parties advance from the same state, their AuthCurr values are
// equal: both hold the authentication key of the new master at the new epoch.
func (c *KeyChain) Advance() {
	e := c.epoch
	next := transition(&c.master, e+1)

	if c.role == Initiator {
		c.authPrev = c.authCurr
		c.authCurr = c.authNext
		lookahead := transition(&next, e+2)
		c.authNext = authKey(&lookahead)
		crypto.WipeKey(&lookahead)
	} else {
		c.authCurr = authKey(&next)
		c.authPrev = c.authCurr
		c.authNext = c.authCurr
	}

	crypto.WipeKey(&c.master)
	c.master = next
	crypto.WipeKey(&next)
	c.epoch = e + 1
}

// SessionKey derives the per-session AEAD key from the current master key
// and the two handshake nonces.
func (c *KeyChain) SessionKey(clientNonce, serverNonce []byte) [crypto.KeySize]byte {
	var key [crypto.KeySize]byte
	digest := crypto.Hash(crypto.KeySize, c.master[:], clientNonce, serverNonce, []byte(tagSession))
	copy(key[:], digest)
	crypto.Wipe(digest)
	return key
}

// AuthCurr returns the current epoch's authentication key.
func (c *KeyChain) AuthCurr() [crypto.KeySize]byte { return c.authCurr }

// AuthPrev returns the previous epoch's authentication key. For the
// responder it mirrors AuthCurr.
func (c *KeyChain) AuthPrev() [crypto.KeySize]byte { return c.authPrev }

// Epoch returns the current epoch counter.
func (c *KeyChain) Epoch() uint64 { return c.epoch }

// Role returns which side of the chain this party maintains.
func (c *KeyChain) Role() Role { return c.role }

// Wipe zeroes all key material in the chain. The chain must not be used
// afterwards.
func (c *KeyChain) Wipe() {
	crypto.WipeKey(&c.master)
	crypto.WipeKey(&c.authPrev)
	crypto.WipeKey(&c.authCurr)
	crypto.WipeKey(&c.authNext)
}

// ValidationCode computes the short confirmation hash of a session key,
// exchanged during rekeying before the new key is enabled.
func ValidationCode(sessionKey *[crypto.KeySize]byte) [crypto.ValidationSize]byte {
	var code [crypto.ValidationSize]byte
	digest := crypto.Hash(crypto.ValidationSize, sessionKey[:])
	copy(code[:], digest)
	return code
}

// transition computes the next master key: H(master ‖ LE64(epoch) ‖ "SAKE_K").
// The epoch counter is serialized little-endian so the derivation is
// byte-order portable.
func transition(master *[crypto.KeySize]byte, epoch uint64) [crypto.KeySize]byte {
	var counter [8]byte
	binary.LittleEndian.PutUint64(counter[:], epoch)

	var next [crypto.KeySize]byte
	digest := crypto.Hash(crypto.KeySize, master[:], counter[:], []byte(tagKey))
	copy(next[:], digest)
	crypto.Wipe(digest)
	return next
}

// authKey derives the authentication key K' from a master key:
// H(master ‖ "SAKE_K_AUTH").
func authKey(master *[crypto.KeySize]byte) [crypto.KeySize]byte {
	var auth [crypto.KeySize]byte
	digest := crypto.Hash(crypto.KeySize, master[:], []byte(tagAuth))
	copy(auth[:], digest)
	crypto.Wipe(digest)
	return auth
}
