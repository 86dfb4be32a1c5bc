// Package integration exercises complete transfers over real loopback TCP
// connections: handshake, record stream and acknowledgement. The payload
// stays below the rekey interval, so no rotation occurs here.
package integration

import (
	"bytes"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jozefkovalcin/sakewire/internal/crypto"
	"github.com/jozefkovalcin/sakewire/internal/handshake"
	"github.com/jozefkovalcin/sakewire/internal/metrics"
	"github.com/jozefkovalcin/sakewire/internal/session"
	"github.com/jozefkovalcin/sakewire/internal/transfer"
)

func testConfig() session.Config {
	return session.Config{
		Metrics: metrics.NewMetricsWithRegistry(prometheus.NewRegistry()),
	}
}

// startResponder listens on an ephemeral loopback port and runs one
// receiving session, writing the output under dir.
func startResponder(t *testing.T, password string, dir string) (addr string, done chan error) {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}

	done = make(chan error, 1)
	go func() {
		conn, err := listener.Accept()
		listener.Close()
		if err != nil {
			done <- err
			return
		}
		sess, err := session.Respond(conn, []byte(password), testConfig())
		if err != nil {
			conn.Close()
			done <- err
			return
		}
		defer sess.Close()
		_, _, err = sess.ReceiveFile(func(name string) (io.WriteCloser, error) {
			return transfer.CreateOutput(dir, name)
		}, nil)
		done <- err
	}()

	return listener.Addr().String(), done
}

func TestLoopbackTransfer(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping loopback transfer in short mode")
	}

	content := make([]byte, 2<<20)
	if err := crypto.RandFill(content); err != nil {
		t.Fatalf("RandFill() error = %v", err)
	}

	dir := t.TempDir()
	inPath := filepath.Join(dir, "input.bin")
	if err := os.WriteFile(inPath, content, 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	addr, done := startResponder(t, "correct horse battery staple", dir)

	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	sess, err := session.Initiate(conn, []byte("correct horse battery staple"), testConfig())
	if err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}
	defer sess.Close()

	file, _, err := transfer.OpenInput(inPath)
	if err != nil {
		t.Fatalf("OpenInput() error = %v", err)
	}
	defer file.Close()

	sent, err := sess.SendFile("input.bin", file, session.SendOptions{})
	if err != nil {
		t.Fatalf("SendFile() error = %v", err)
	}
	if sent != uint64(len(content)) {
		t.Errorf("sent = %d, want %d", sent, len(content))
	}

	if err := <-done; err != nil {
		t.Fatalf("responder error = %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dir, "received_input.bin"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Error("received file differs from input")
	}
}

func TestLoopbackWrongPassword(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping loopback transfer in short mode")
	}

	dir := t.TempDir()
	addr, done := startResponder(t, "other", dir)

	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	_, err = session.Initiate(conn, []byte("correct horse battery staple"), testConfig())
	if !errors.Is(err, handshake.ErrAuthFailed) {
		t.Fatalf("Initiate() error = %v, want ErrAuthFailed", err)
	}

	if err := <-done; !errors.Is(err, handshake.ErrAuthFailed) {
		t.Fatalf("responder error = %v, want ErrAuthFailed", err)
	}

	// No output file may exist after a rejected handshake.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("output directory not empty after failed handshake: %v", entries)
	}
}
