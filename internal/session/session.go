// Package session owns one end of an established transfer: the connection,
// the key chain and the active session key. It runs the handshake, streams
// the file through the record layer, coordinates mid-transfer rekeying and
// guarantees that all key material is wiped on teardown.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"golang.org/x/time/rate"

	"github.com/jozefkovalcin/sakewire/internal/crypto"
	"github.com/jozefkovalcin/sakewire/internal/handshake"
	"github.com/jozefkovalcin/sakewire/internal/keychain"
	"github.com/jozefkovalcin/sakewire/internal/logging"
	"github.com/jozefkovalcin/sakewire/internal/metrics"
	"github.com/jozefkovalcin/sakewire/internal/record"
	"github.com/jozefkovalcin/sakewire/internal/rekey"
)

const (
	// RekeyInterval is the number of payload records encrypted under one
	// session key before the sender triggers a rotation.
	RekeyInterval = 1024

	// ProgressInterval is how many payload bytes accumulate between
	// progress callbacks.
	ProgressInterval = 1024 * 1024

	// drainTimeout bounds the shutdown drain before the socket closes.
	drainTimeout = time.Second
)

// ErrProtocol is returned for out-of-order markers and malformed framing.
var ErrProtocol = errors.New("protocol violation")

// Config carries the ambient collaborators for a session.
type Config struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func (c *Config) fill() {
	if c.Logger == nil {
		c.Logger = logging.NopLogger()
	}
	if c.Metrics == nil {
		c.Metrics = metrics.Default()
	}
}

// Session is one party's established transfer state. It is owned by a
// single goroutine; Close must be called exactly once.
type Session struct {
	conn    net.Conn
	stream  *record.Stream
	chain   *keychain.KeyChain
	key     [crypto.KeySize]byte
	log     *slog.Logger
	metrics *metrics.Metrics
}

// Initiate dials no sockets itself: it takes an established connection,
// runs the initiator handshake and returns a ready session. The password
// buffer is wiped before returning, on success and on failure.
func Initiate(conn net.Conn, password []byte, cfg Config) (*Session, error) {
	return start(conn, password, cfg, keychain.Initiator)
}

// Respond runs the responder handshake on an accepted connection.
func Respond(conn net.Conn, password []byte, cfg Config) (*Session, error) {
	return start(conn, password, cfg, keychain.Responder)
}

func start(conn net.Conn, password []byte, cfg Config, role keychain.Role) (*Session, error) {
	cfg.fill()
	tuneConn(conn)

	stream := record.NewStream(conn)
	began := time.Now()

	var res *handshake.Result
	var err error
	if role == keychain.Initiator {
		res, err = handshake.Initiate(stream, password)
	} else {
		res, err = handshake.Respond(stream, password)
	}
	if err != nil {
		result := "error"
		if errors.Is(err, handshake.ErrAuthFailed) {
			result = "auth_failed"
		}
		cfg.Metrics.RecordHandshake(result, time.Since(began))
		return nil, err
	}
	cfg.Metrics.RecordHandshake("ok", time.Since(began))

	cfg.Logger.Info("secure session established",
		logging.KeyRole, role.String(),
		logging.KeyRemoteAddr, conn.RemoteAddr().String(),
		logging.KeyEpoch, res.Chain.Epoch(),
		logging.KeyDuration, time.Since(began))

	s := &Session{
		conn:    conn,
		stream:  stream,
		chain:   res.Chain,
		key:     res.SessionKey,
		log:     cfg.Logger,
		metrics: cfg.Metrics,
	}
	crypto.WipeKey(&res.SessionKey)
	return s, nil
}

// SendOptions tunes the sending loop.
type SendOptions struct {
	// Progress, if set, is called with the byte total roughly once per
	// ProgressInterval and once at the end of the stream.
	Progress func(total uint64)

	// Limiter, if set, bounds the payload throughput.
	Limiter *rate.Limiter
}

// SendFile transmits the file name and the full content of r in encrypted
// records, rotating the session key every RekeyInterval records, and waits
// for the transfer acknowledgement. It returns the number of payload bytes
// sent.
func (s *Session) SendFile(name string, r io.Reader, opts SendOptions) (uint64, error) {
	began := time.Now()
	if err := s.stream.SendFileName(name); err != nil {
		s.metrics.RecordTransfer("error", time.Since(began))
		return 0, fmt.Errorf("send file name: %w", err)
	}

	var (
		total        uint64
		records      uint64
		lastProgress uint64
	)
	buf := make([]byte, record.PayloadSize)
	defer crypto.Wipe(buf)

	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			// Rotate before encrypting the record that would exceed the
			// per-key budget.
			if records > 0 && records%RekeyInterval == 0 {
				s.log.Info("rotating session key", logging.KeyRecords, records)
				if rkErr := rekey.Initiate(s.stream, s.chain, &s.key); rkErr != nil {
					s.metrics.RekeyFailures.Inc()
					s.metrics.RecordTransfer("error", time.Since(began))
					return total, fmt.Errorf("rekey: %w", rkErr)
				}
				s.metrics.RekeysTotal.Inc()
			}

			if opts.Limiter != nil {
				if limErr := opts.Limiter.WaitN(context.Background(), n); limErr != nil {
					s.metrics.RecordTransfer("error", time.Since(began))
					return total, fmt.Errorf("rate limit: %w", limErr)
				}
			}

			if wErr := s.stream.WriteRecord(&s.key, buf[:n]); wErr != nil {
				s.metrics.RecordTransfer("error", time.Since(began))
				return total, fmt.Errorf("send record: %w", wErr)
			}
			records++
			total += uint64(n)
			s.metrics.RecordSent(n)

			if opts.Progress != nil && total-lastProgress >= ProgressInterval {
				opts.Progress(total)
				lastProgress = total
			}
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			s.metrics.RecordTransfer("error", time.Since(began))
			return total, fmt.Errorf("read input: %w", err)
		}
	}

	if err := s.stream.WriteEOF(); err != nil {
		s.metrics.RecordTransfer("error", time.Since(began))
		return total, fmt.Errorf("send eof: %w", err)
	}
	if err := s.stream.WaitAck(); err != nil {
		s.metrics.RecordTransfer("error", time.Since(began))
		return total, err
	}

	if opts.Progress != nil {
		opts.Progress(total)
	}
	s.metrics.RecordTransfer("ok", time.Since(began))
	s.log.Info("transfer complete",
		logging.KeyBytes, total,
		logging.KeyRecords, records,
		logging.KeyDuration, time.Since(began))
	return total, nil
}

// ReceiveFile reads the file name, obtains the output writer from open and
// streams decrypted records into it until EOF, following the sender through
// any rekeys, then acknowledges the transfer. It returns the received file
// name and byte count. Any tag failure, unexpected marker or short read
// aborts with no acknowledgement.
func (s *Session) ReceiveFile(open func(name string) (io.WriteCloser, error), progress func(total uint64)) (string, uint64, error) {
	began := time.Now()

	name, err := s.stream.ReceiveFileName()
	if err != nil {
		s.metrics.RecordTransfer("error", time.Since(began))
		return "", 0, fmt.Errorf("receive file name: %w", err)
	}
	if name == "" {
		s.metrics.RecordTransfer("error", time.Since(began))
		return "", 0, fmt.Errorf("%w: empty file name", ErrProtocol)
	}

	w, err := open(name)
	if err != nil {
		s.metrics.RecordTransfer("error", time.Since(began))
		return name, 0, err
	}
	defer w.Close()

	var (
		total        uint64
		lastProgress uint64
	)
	for {
		size, err := s.stream.ReadUint32()
		if err != nil {
			s.metrics.RecordTransfer("error", time.Since(began))
			return name, total, fmt.Errorf("read record size: %w", err)
		}

		switch {
		case size == record.MarkerEOF:
			if err := s.stream.SendAck(); err != nil {
				s.metrics.RecordTransfer("error", time.Since(began))
				return name, total, err
			}
			if progress != nil {
				progress(total)
			}
			s.metrics.RecordTransfer("ok", time.Since(began))
			s.log.Info("transfer complete",
				logging.KeyFile, name,
				logging.KeyBytes, total,
				logging.KeyDuration, time.Since(began))
			return name, total, nil

		case size == record.MarkerRekeyBegin:
			s.log.Info("peer requested key rotation", logging.KeyBytes, total)
			if err := rekey.Respond(s.stream, s.chain, &s.key); err != nil {
				s.metrics.RekeyFailures.Inc()
				s.metrics.RecordTransfer("error", time.Since(began))
				return name, total, fmt.Errorf("rekey: %w", err)
			}
			s.metrics.RekeysTotal.Inc()

		case record.IsMarker(size):
			s.metrics.RecordTransfer("error", time.Since(began))
			return name, total, fmt.Errorf("%w: unexpected marker 0x%08x", ErrProtocol, size)

		default:
			plain, err := s.stream.ReadRecord(&s.key, size)
			if err != nil {
				if errors.Is(err, crypto.ErrAuthFailed) {
					s.metrics.AEADFailures.Inc()
				}
				s.metrics.RecordTransfer("error", time.Since(began))
				return name, total, fmt.Errorf("read record: %w", err)
			}
			_, wErr := w.Write(plain)
			crypto.Wipe(plain)
			if wErr != nil {
				s.metrics.RecordTransfer("error", time.Since(began))
				return name, total, fmt.Errorf("write output: %w", wErr)
			}
			total += uint64(size)
			s.metrics.RecordReceived(int(size))

			if progress != nil && total-lastProgress >= ProgressInterval {
				progress(total)
				lastProgress = total
			}
		}
	}
}

// Drain gives in-flight bytes a bounded window to flush before Close, the
// way the shutdown path of the wire protocol expects.
func (s *Session) Drain() {
	if tc, ok := s.conn.(*net.TCPConn); ok {
		tc.CloseWrite()
	}
	s.conn.SetReadDeadline(time.Now().Add(drainTimeout))
	io.Copy(io.Discard, s.conn)
}

// Close wipes all key material and closes the connection. It is safe to
// call after a failed transfer; wiping is unconditional.
func (s *Session) Close() error {
	s.chain.Wipe()
	crypto.WipeKey(&s.key)
	return s.conn.Close()
}

// Epoch exposes the chain epoch for logging.
func (s *Session) Epoch() uint64 {
	return s.chain.Epoch()
}

// tuneConn applies the TCP options the protocol expects: immediate sends
// and keepalive for dead-peer detection. Non-TCP connections (tests) pass
// through unchanged.
func tuneConn(conn net.Conn) {
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
		tc.SetKeepAlive(true)
	}
}
