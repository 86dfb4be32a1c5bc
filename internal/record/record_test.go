package record

import (
	"bytes"
	"encoding/binary"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/jozefkovalcin/sakewire/internal/crypto"
)

func testKey(t *testing.T) *[crypto.KeySize]byte {
	t.Helper()
	var key [crypto.KeySize]byte
	if err := crypto.RandFill(key[:]); err != nil {
		t.Fatalf("RandFill() error = %v", err)
	}
	return &key
}

func pipePair(t *testing.T) (*Stream, *Stream) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return NewStream(a), NewStream(b)
}

func TestRecordRoundTrip(t *testing.T) {
	key := testKey(t)
	sender, receiver := pipePair(t)

	sizes := []int{1, 100, PayloadSize}
	for _, size := range sizes {
		payload := make([]byte, size)
		if err := crypto.RandFill(payload); err != nil {
			t.Fatalf("RandFill() error = %v", err)
		}

		errCh := make(chan error, 1)
		go func() {
			errCh <- sender.WriteRecord(key, payload)
		}()

		gotSize, err := receiver.ReadUint32()
		if err != nil {
			t.Fatalf("ReadUint32() error = %v", err)
		}
		if gotSize != uint32(size) {
			t.Fatalf("size prefix = %d, want %d", gotSize, size)
		}
		plain, err := receiver.ReadRecord(key, gotSize)
		if err != nil {
			t.Fatalf("ReadRecord() error = %v", err)
		}
		if !bytes.Equal(plain, payload) {
			t.Fatalf("payload mismatch at size %d", size)
		}
		if err := <-errCh; err != nil {
			t.Fatalf("WriteRecord() error = %v", err)
		}
	}
}

func TestRecordTamperDetected(t *testing.T) {
	key := testKey(t)
	sender, receiver := pipePair(t)

	payload := make([]byte, 256)
	if err := crypto.RandFill(payload); err != nil {
		t.Fatalf("RandFill() error = %v", err)
	}

	// Build the record by hand so a ciphertext bit can be flipped in flight.
	nonce := make([]byte, crypto.NonceSize)
	if err := crypto.RandFill(nonce); err != nil {
		t.Fatalf("RandFill() error = %v", err)
	}
	ciphertext, tag, err := crypto.Seal(key, nonce, payload)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	ciphertext[42] ^= 0x01

	go func() {
		var size [4]byte
		binary.BigEndian.PutUint32(size[:], uint32(len(payload)))
		sender.WriteFull(size[:])
		sender.WriteFull(nonce)
		sender.WriteFull(tag)
		sender.WriteFull(ciphertext)
	}()

	gotSize, err := receiver.ReadUint32()
	if err != nil {
		t.Fatalf("ReadUint32() error = %v", err)
	}
	if _, err := receiver.ReadRecord(key, gotSize); !errors.Is(err, crypto.ErrAuthFailed) {
		t.Fatalf("ReadRecord() error = %v, want ErrAuthFailed", err)
	}
}

func TestWriteRecordRejectsBadSizes(t *testing.T) {
	key := testKey(t)
	sender, _ := pipePair(t)

	if err := sender.WriteRecord(key, nil); !errors.Is(err, ErrEmptyPayload) {
		t.Errorf("WriteRecord(nil) error = %v, want ErrEmptyPayload", err)
	}
}

func TestIsMarker(t *testing.T) {
	markers := []uint32{MarkerEOF, MarkerRekeyBegin, MarkerRekeyAck, MarkerRekeyReady, MarkerRekeyValidate, 0xFFFFFFF0}
	for _, m := range markers {
		if !IsMarker(m) {
			t.Errorf("IsMarker(0x%08x) = false", m)
		}
	}
	payloads := []uint32{1, PayloadSize, 0xFFFFFFEF}
	for _, p := range payloads {
		if IsMarker(p) {
			t.Errorf("IsMarker(0x%08x) = true", p)
		}
	}
}

func TestMarkerRoundTrip(t *testing.T) {
	sender, receiver := pipePair(t)

	go func() {
		sender.WriteUint32(MarkerRekeyBegin)
		sender.WriteEOF()
	}()

	v, err := receiver.ReadUint32()
	if err != nil {
		t.Fatalf("ReadUint32() error = %v", err)
	}
	if v != MarkerRekeyBegin {
		t.Fatalf("marker = 0x%08x, want REKEY_BEGIN", v)
	}

	v, err = receiver.ReadUint32()
	if err != nil {
		t.Fatalf("ReadUint32() error = %v", err)
	}
	if v != MarkerEOF {
		t.Fatalf("marker = 0x%08x, want EOF", v)
	}
}

func TestFileNameRoundTrip(t *testing.T) {
	sender, receiver := pipePair(t)

	go func() {
		sender.SendFileName("testdata.bin")
	}()

	name, err := receiver.ReceiveFileName()
	if err != nil {
		t.Fatalf("ReceiveFileName() error = %v", err)
	}
	if name != "testdata.bin" {
		t.Fatalf("name = %q", name)
	}
}

func TestFileNameBounds(t *testing.T) {
	sender, receiver := pipePair(t)

	long := make([]byte, MaxFileNameLen+1)
	for i := range long {
		long[i] = 'a'
	}
	if err := sender.SendFileName(string(long)); !errors.Is(err, ErrFileNameTooLong) {
		t.Errorf("SendFileName(long) error = %v, want ErrFileNameTooLong", err)
	}

	// A peer that never sends the terminator must be rejected at the bound.
	go func() {
		sender.WriteFull(long)
	}()
	receiver.SetTimeout(time.Second)
	if _, err := receiver.ReceiveFileName(); err == nil {
		t.Error("ReceiveFileName() accepted an unterminated name past the bound")
	}
}

func TestAckRoundTrip(t *testing.T) {
	sender, receiver := pipePair(t)

	go func() {
		receiver.SendAck()
	}()

	if err := sender.WaitAck(); err != nil {
		t.Fatalf("WaitAck() error = %v", err)
	}
}

// dropConn fails the first n writes, simulating lost acknowledgements.
type dropConn struct {
	net.Conn
	drop int
}

func (d *dropConn) Write(b []byte) (int, error) {
	if d.drop > 0 {
		d.drop--
		return 0, errors.New("simulated send failure")
	}
	return d.Conn.Write(b)
}

func TestAckSucceedsAfterLostAttempts(t *testing.T) {
	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})

	responder := NewStream(&dropConn{Conn: b, drop: 2})
	initiator := NewStream(a)
	initiator.SetTimeout(200 * time.Millisecond)

	go func() {
		responder.SendAck()
	}()

	if err := initiator.WaitAck(); err != nil {
		t.Fatalf("WaitAck() error = %v after two lost acknowledgements", err)
	}
}

func TestWaitAckGivesUp(t *testing.T) {
	initiator, _ := pipePair(t)
	initiator.SetTimeout(50 * time.Millisecond)

	if err := initiator.WaitAck(); !errors.Is(err, ErrNoAck) {
		t.Fatalf("WaitAck() error = %v, want ErrNoAck", err)
	}
}

func TestNonceUniqueness(t *testing.T) {
	seen := make(map[[crypto.NonceSize]byte]struct{}, 10000)
	var nonce [crypto.NonceSize]byte
	for i := 0; i < 10000; i++ {
		if err := crypto.RandFill(nonce[:]); err != nil {
			t.Fatalf("RandFill() error = %v", err)
		}
		if _, ok := seen[nonce]; ok {
			t.Fatalf("record nonce repeated after %d draws", i)
		}
		seen[nonce] = struct{}{}
	}
}
