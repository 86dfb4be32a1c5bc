package keychain

import (
	"testing"

	"github.com/jozefkovalcin/sakewire/internal/crypto"
)

func testMaster(t *testing.T) [crypto.KeySize]byte {
	t.Helper()
	var master [crypto.KeySize]byte
	if err := crypto.RandFill(master[:]); err != nil {
		t.Fatalf("RandFill() error = %v", err)
	}
	return master
}

func TestChainDeterminism(t *testing.T) {
	master := testMaster(t)

	init := New(master, Initiator)
	resp := New(master, Responder)

	if init.AuthCurr() != resp.AuthCurr() {
		t.Fatal("authentication keys differ at epoch 0")
	}

	for n := 1; n <= 8; n++ {
		init.Advance()
		resp.Advance()

		if init.Epoch() != uint64(n) || resp.Epoch() != uint64(n) {
			t.Fatalf("epoch mismatch after %d advances: init=%d resp=%d", n, init.Epoch(), resp.Epoch())
		}
		if init.AuthCurr() != resp.AuthCurr() {
			t.Fatalf("authentication keys diverged at epoch %d", n)
		}
	}
}

func TestInitiatorLookahead(t *testing.T) {
	master := testMaster(t)

	// A responder one epoch ahead must match the initiator's precomputed
	// next authentication key, which becomes AuthCurr on the initiator's
	// own advance.
	init := New(master, Initiator)
	resp := New(master, Responder)
	resp.Advance()

	init.Advance()
	if init.AuthCurr() != resp.AuthCurr() {
		t.Fatal("initiator lookahead does not track an advanced responder")
	}
}

func TestAuthPrevTracksPreviousEpoch(t *testing.T) {
	master := testMaster(t)

	init := New(master, Initiator)
	epoch0 := init.AuthCurr()

	init.Advance()
	if init.AuthPrev() != epoch0 {
		t.Error("AuthPrev does not hold the previous epoch's key after Advance")
	}
	if init.AuthCurr() == epoch0 {
		t.Error("AuthCurr unchanged after Advance")
	}
}

func TestMasterEvolutionIsOneWay(t *testing.T) {
	master := testMaster(t)

	c := New(master, Responder)
	before := c.master
	c.Advance()

	if c.master == before {
		t.Error("master key unchanged after Advance")
	}
	// The pre-advance master must not survive anywhere in the chain.
	if c.authPrev == before || c.authCurr == before || c.authNext == before {
		t.Error("old master key still present in chain state")
	}
}

func TestSessionKeyDerivation(t *testing.T) {
	master := testMaster(t)

	init := New(master, Initiator)
	resp := New(master, Responder)

	clientNonce := make([]byte, 16)
	serverNonce := make([]byte, 16)
	if err := crypto.RandFill(clientNonce); err != nil {
		t.Fatalf("RandFill() error = %v", err)
	}
	if err := crypto.RandFill(serverNonce); err != nil {
		t.Fatalf("RandFill() error = %v", err)
	}

	k1 := init.SessionKey(clientNonce, serverNonce)
	k2 := resp.SessionKey(clientNonce, serverNonce)
	if k1 != k2 {
		t.Fatal("session keys differ for identical master and nonces")
	}

	// A different nonce pair must yield a different session key.
	otherNonce := make([]byte, 16)
	if err := crypto.RandFill(otherNonce); err != nil {
		t.Fatalf("RandFill() error = %v", err)
	}
	k3 := init.SessionKey(otherNonce, serverNonce)
	if k1 == k3 {
		t.Error("session key unchanged for different client nonce")
	}

	// After an epoch advance the same nonces derive a different key.
	init.Advance()
	k4 := init.SessionKey(clientNonce, serverNonce)
	if k1 == k4 {
		t.Error("session key unchanged across epoch advance")
	}
}

func TestDeriveMasterWipesPassword(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping Argon2 derivation in short mode")
	}

	password := []byte("correct horse battery staple")
	salt := make([]byte, crypto.SaltSize)
	if err := crypto.RandFill(salt); err != nil {
		t.Fatalf("RandFill() error = %v", err)
	}

	DeriveMaster(password, salt)
	for i, b := range password {
		if b != 0 {
			t.Fatalf("password[%d] = %d, not wiped after derivation", i, b)
		}
	}
}

func TestValidationCode(t *testing.T) {
	var key [crypto.KeySize]byte
	if err := crypto.RandFill(key[:]); err != nil {
		t.Fatalf("RandFill() error = %v", err)
	}

	c1 := ValidationCode(&key)
	c2 := ValidationCode(&key)
	if c1 != c2 {
		t.Error("validation code not deterministic")
	}

	var other [crypto.KeySize]byte
	if err := crypto.RandFill(other[:]); err != nil {
		t.Fatalf("RandFill() error = %v", err)
	}
	if ValidationCode(&other) == c1 {
		t.Error("distinct keys produced the same validation code")
	}
}

func TestWipeClearsAllKeys(t *testing.T) {
	master := testMaster(t)

	c := New(master, Initiator)
	c.Advance()
	c.Wipe()

	var zero [crypto.KeySize]byte
	if c.master != zero || c.authPrev != zero || c.authCurr != zero || c.authNext != zero {
		t.Error("key material survives Wipe")
	}
}

func TestRoleString(t *testing.T) {
	if Initiator.String() != "initiator" || Responder.String() != "responder" {
		t.Error("unexpected role names")
	}
}
