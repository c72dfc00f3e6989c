// Package ota implements the firmware transfer protocol: a single-client
// TCP listener and the strictly sequential session state machine that
// authenticates the peer, streams the image into the update sink and
// verifies it before commit.
package ota

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"otacore/internal/debuglog"
	"otacore/internal/metrics"
	"otacore/internal/sink"
	"otacore/internal/status"
	"otacore/internal/wire"
)

const (
	// DefaultReadTimeout is the stall budget: no data for this long on an
	// awaited read aborts the session.
	DefaultReadTimeout = 10 * time.Second

	// pollInterval bounds each blocking socket wait so the tick callback
	// keeps firing while the peer is quiet.
	pollInterval = 100 * time.Millisecond

	chunkSize          = 1024
	progressInterval   = time.Second
	momentaryErrorHold = 5 * time.Second
)

type step int

const (
	stepAwaitMagic step = iota
	stepHandshake
	stepFeatures
	stepAuth
	stepSize
	stepExpectedDigest
	stepStreaming
	stepFinalize
	stepFinalAck
	stepDone
)

var stepNames = [...]string{
	"await-magic", "handshake", "features", "auth", "size",
	"expected-digest", "streaming", "finalize", "final-ack", "done",
}

func (s step) String() string {
	if int(s) < len(stepNames) {
		return stepNames[s]
	}
	return "unknown"
}

// SessionConfig carries the collaborators one transfer needs. Status,
// Metrics, OnProgress and Tick may be nil.
type SessionConfig struct {
	Password   string
	Sink       sink.Sink
	Status     *status.Tracker
	Metrics    *metrics.Metrics
	OnProgress func(received, total uint32)
	// Tick fires on every socket poll so liveness-critical background
	// work is not starved by a slow or silent peer.
	Tick        func()
	ReadTimeout time.Duration
}

// session is the per-connection state. One exists at a time; the listener
// runs it to completion before accepting again.
type session struct {
	conn     net.Conn
	cfg      SessionConfig
	step     step
	features byte
	size     uint32
	received uint32
	sinkOpen bool
	lastProg time.Time
}

// runSession executes the whole protocol on conn. On any failure the
// shared abort path rolls back the sink, emits the wire error byte and
// raises a self-clearing error status; the caller just sees the error.
func runSession(conn net.Conn, cfg SessionConfig) error {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	s := &session{conn: conn, cfg: cfg}
	if cfg.Metrics != nil {
		cfg.Metrics.IncSessionStarted()
	}
	if err := s.run(); err != nil {
		s.abort(err)
		return err
	}
	return nil
}

func (s *session) run() error {
	if tcp, ok := s.conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	debuglog.Debugf("ota: starting update from %s", s.conn.RemoteAddr())
	if s.cfg.Status != nil {
		s.cfg.Status.SetWarning()
	}

	var buf [chunkSize]byte

	if err := s.readFull(buf[:5]); err != nil {
		return fmt.Errorf("reading magic bytes: %w", err)
	}
	if !bytes.Equal(buf[:5], wire.Magic[:]) {
		return fmt.Errorf("%w: % X", wire.ErrMagic, buf[:5])
	}

	s.step = stepHandshake
	if err := s.write(wire.RespOK, wire.Version1); err != nil {
		return err
	}

	s.step = stepFeatures
	if err := s.readFull(buf[:1]); err != nil {
		return fmt.Errorf("reading features: %w", err)
	}
	s.features = buf[0]
	debuglog.Debugf("ota: features 0x%02X", s.features)
	if err := s.write(wire.RespHeaderOK); err != nil {
		return err
	}

	if s.cfg.Password != "" {
		s.step = stepAuth
		if err := s.authenticate(buf[:]); err != nil {
			return err
		}
	}
	if err := s.write(wire.RespAuthOK); err != nil {
		return err
	}

	s.step = stepSize
	if err := s.readFull(buf[:4]); err != nil {
		return fmt.Errorf("reading size: %w", err)
	}
	s.size = binary.BigEndian.Uint32(buf[:4])
	debuglog.Debugf("ota: image size is %d bytes", s.size)
	if err := s.cfg.Sink.Begin(s.size); err != nil {
		if errors.Is(err, sink.ErrNoPartition) {
			return fmt.Errorf("%w: %v", wire.ErrInvalidBootstrapping, err)
		}
		return fmt.Errorf("%w: %v", wire.ErrUpdatePrepare, err)
	}
	s.sinkOpen = true
	if err := s.write(wire.RespUpdatePrepareOK); err != nil {
		return err
	}

	s.step = stepExpectedDigest
	if err := s.readFull(buf[:wire.DigestLen]); err != nil {
		return fmt.Errorf("reading image digest: %w", err)
	}
	if err := s.cfg.Sink.SetExpectedMD5(string(buf[:wire.DigestLen])); err != nil {
		return fmt.Errorf("registering image digest: %w", err)
	}
	if err := s.write(wire.RespBinMD5OK); err != nil {
		return err
	}

	s.step = stepStreaming
	s.lastProg = time.Now()
	for !s.cfg.Sink.Done() {
		n, err := s.readChunk(buf[:])
		if err != nil {
			return fmt.Errorf("reading binary data: %w", err)
		}
		if _, err := s.cfg.Sink.Write(buf[:n]); err != nil {
			return fmt.Errorf("%w: %v", wire.ErrWritingFlash, err)
		}
		s.received += uint32(n)
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.AddBytesReceived(uint64(n))
		}
		s.progress()
	}
	if err := s.write(wire.RespReceiveOK); err != nil {
		return err
	}

	s.step = stepFinalize
	if err := s.cfg.Sink.End(); err != nil {
		s.sinkOpen = false
		return fmt.Errorf("%w: %v", wire.ErrUpdateEnd, err)
	}
	s.sinkOpen = false
	if err := s.write(wire.RespUpdateEndOK); err != nil {
		return err
	}

	// The image is committed; a missing echo cannot roll it back, so this
	// read is logged but never fatal.
	s.step = stepFinalAck
	if err := s.readFull(buf[:1]); err != nil || buf[0] != wire.RespOK {
		debuglog.Logf("ota: reading back acknowledgement failed")
	}

	s.step = stepDone
	_ = s.conn.Close()
	if s.cfg.Status != nil {
		s.cfg.Status.ClearWarning()
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.IncSessionSucceeded()
	}
	debuglog.Logf("ota: update finished, received %d bytes", s.received)
	return nil
}

// authenticate runs the challenge-response exchange. buf must hold at
// least two digests.
func (s *session) authenticate(buf []byte) error {
	if err := s.write(wire.RespRequestAuth); err != nil {
		return err
	}
	nonce, err := wire.GenerateNonce()
	if err != nil {
		return fmt.Errorf("generating nonce: %w", err)
	}
	debuglog.Debugf("ota: auth nonce is %s", nonce)
	if err := s.writeString(nonce); err != nil {
		return err
	}
	cnonce := buf[:wire.DigestLen]
	if err := s.readFull(cnonce); err != nil {
		return fmt.Errorf("reading cnonce: %w", err)
	}
	response := buf[wire.DigestLen : 2*wire.DigestLen]
	if err := s.readFull(response); err != nil {
		return fmt.Errorf("reading auth response: %w", err)
	}
	expected := wire.AuthDigest(s.cfg.Password, nonce, string(cnonce))
	if !wire.DigestsEqual([]byte(expected), response) {
		return wire.ErrAuthInvalid
	}
	return nil
}

// abort is the single cleanup path reachable from every step.
func (s *session) abort(err error) {
	debuglog.Logf("ota: update failed at step %s: %v", s.step, err)
	if s.sinkOpen {
		s.cfg.Sink.Abort()
		s.sinkOpen = false
	}
	code := wire.ErrorCode(err)
	_ = s.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_, _ = s.conn.Write([]byte{code})
	_ = s.conn.Close()
	if s.cfg.Status != nil {
		s.cfg.Status.ClearWarning()
		s.cfg.Status.MomentaryError("onerror", momentaryErrorHold)
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.IncSessionFailed(err.Error())
	}
}

// readFull fills buf, polling the socket so Tick keeps firing. The stall
// budget restarts whenever bytes arrive.
func (s *session) readFull(buf []byte) error {
	deadline := time.Now().Add(s.cfg.ReadTimeout)
	got := 0
	for got < len(buf) {
		s.tick()
		if time.Now().After(deadline) {
			return wire.ErrTimeout
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(pollInterval))
		n, err := s.conn.Read(buf[got:])
		if n > 0 {
			got += n
			deadline = time.Now().Add(s.cfg.ReadTimeout)
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if errors.Is(err, io.EOF) {
				if got == len(buf) {
					break
				}
				return wire.ErrDisconnected
			}
			return err
		}
	}
	return nil
}

// readChunk returns as soon as at least one byte is available, reading at
// most len(buf).
func (s *session) readChunk(buf []byte) (int, error) {
	deadline := time.Now().Add(s.cfg.ReadTimeout)
	for {
		s.tick()
		if time.Now().After(deadline) {
			return 0, wire.ErrTimeout
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(pollInterval))
		n, err := s.conn.Read(buf)
		if n > 0 {
			return n, nil
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if errors.Is(err, io.EOF) {
				return 0, wire.ErrDisconnected
			}
			return 0, err
		}
	}
}

func (s *session) write(bs ...byte) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.ReadTimeout))
	if _, err := s.conn.Write(bs); err != nil {
		return fmt.Errorf("writing response: %w", err)
	}
	return nil
}

func (s *session) writeString(str string) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.ReadTimeout))
	if _, err := io.WriteString(s.conn, str); err != nil {
		return fmt.Errorf("writing response: %w", err)
	}
	return nil
}

func (s *session) tick() {
	if s.cfg.Tick != nil {
		s.cfg.Tick()
	}
}

// progress emits at most one observation per second.
func (s *session) progress() {
	now := time.Now()
	if now.Sub(s.lastProg) < progressInterval {
		return
	}
	s.lastProg = now
	if s.cfg.OnProgress != nil {
		s.cfg.OnProgress(s.received, s.size)
	}
	if s.size > 0 {
		debuglog.Debugf("ota: update in progress: %.1f%%", float64(s.received)*100/float64(s.size))
	}
}
