package ota

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"otacore/internal/wire"
)

// DeviceError is an error byte the device wrote before closing.
type DeviceError struct {
	Code byte
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device error 0x%02X (%s)", e.Code, describeCode(e.Code))
}

func describeCode(code byte) string {
	switch code {
	case wire.CodeErrorMagic:
		return "magic bytes do not match"
	case wire.CodeErrorAuthInvalid:
		return "authentication invalid"
	case wire.CodeErrorUpdatePrepare:
		return "preparing update failed"
	case wire.CodeErrorWritingFlash:
		return "writing flash failed"
	case wire.CodeErrorUpdateEnd:
		return "finalizing update failed"
	case wire.CodeErrorInvalidBootstrapping:
		return "update partition unavailable"
	default:
		return "unknown"
	}
}

// PushOptions configures a client-side upload.
type PushOptions struct {
	Password   string
	Timeout    time.Duration // per awaited response, default 10s
	OnProgress func(sent, total uint32)
}

// Push uploads image to the device at addr, speaking the client side of
// the transfer protocol end to end.
func Push(addr string, image []byte, opts PushOptions) error {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultReadTimeout
	}
	conn, err := net.DialTimeout("tcp", addr, opts.Timeout)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", addr, err)
	}
	defer conn.Close()
	c := &pusher{conn: conn, timeout: opts.Timeout}

	if err := c.send(wire.Magic[:]); err != nil {
		return err
	}
	var hello [2]byte
	if err := c.recv(hello[:]); err != nil {
		return fmt.Errorf("reading hello: %w", err)
	}
	if hello[0] != wire.RespOK {
		return c.asDeviceError(hello[0])
	}
	if hello[1] != wire.Version1 {
		return fmt.Errorf("unsupported protocol version %d", hello[1])
	}

	if err := c.send([]byte{0x00}); err != nil { // no features
		return err
	}
	if err := c.expect(wire.RespHeaderOK); err != nil {
		return err
	}

	b, err := c.recvByte()
	if err != nil {
		return fmt.Errorf("reading auth request: %w", err)
	}
	switch b {
	case wire.RespRequestAuth:
		if opts.Password == "" {
			return fmt.Errorf("device requires a password")
		}
		if err := c.authenticate(opts.Password); err != nil {
			return err
		}
	case wire.RespAuthOK:
	default:
		return c.asDeviceError(b)
	}

	var size [4]byte
	binary.BigEndian.PutUint32(size[:], uint32(len(image)))
	if err := c.send(size[:]); err != nil {
		return err
	}
	if err := c.expect(wire.RespUpdatePrepareOK); err != nil {
		return err
	}

	if err := c.send([]byte(wire.ImageDigest(image))); err != nil {
		return err
	}
	if err := c.expect(wire.RespBinMD5OK); err != nil {
		return err
	}

	for off := 0; off < len(image); off += chunkSize {
		end := off + chunkSize
		if end > len(image) {
			end = len(image)
		}
		if err := c.send(image[off:end]); err != nil {
			return fmt.Errorf("sending image data at %d: %w", off, err)
		}
		if opts.OnProgress != nil {
			opts.OnProgress(uint32(end), uint32(len(image)))
		}
	}

	if err := c.expect(wire.RespReceiveOK); err != nil {
		return err
	}
	if err := c.expect(wire.RespUpdateEndOK); err != nil {
		return err
	}
	// Best-effort final echo; the device commits regardless.
	_ = c.send([]byte{wire.RespOK})
	return nil
}

type pusher struct {
	conn    net.Conn
	timeout time.Duration
}

func (c *pusher) authenticate(password string) error {
	nonce := make([]byte, wire.DigestLen)
	if err := c.recv(nonce); err != nil {
		return fmt.Errorf("reading auth nonce: %w", err)
	}
	cnonce, err := wire.GenerateNonce()
	if err != nil {
		return fmt.Errorf("generating cnonce: %w", err)
	}
	digest := wire.AuthDigest(password, string(nonce), cnonce)
	if err := c.send([]byte(cnonce + digest)); err != nil {
		return err
	}
	return c.expect(wire.RespAuthOK)
}

func (c *pusher) send(b []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	if _, err := c.conn.Write(b); err != nil {
		return fmt.Errorf("writing to device: %w", err)
	}
	return nil
}

func (c *pusher) recv(buf []byte) error {
	_ = c.conn.SetReadDeadline(time.Now().Add(c.timeout))
	_, err := io.ReadFull(c.conn, buf)
	return err
}

func (c *pusher) recvByte() (byte, error) {
	var b [1]byte
	if err := c.recv(b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

func (c *pusher) expect(code byte) error {
	b, err := c.recvByte()
	if err != nil {
		return fmt.Errorf("waiting for response 0x%02X: %w", code, err)
	}
	if b != code {
		return c.asDeviceError(b)
	}
	return nil
}

func (c *pusher) asDeviceError(b byte) error {
	if b >= 0x80 {
		return &DeviceError{Code: b}
	}
	return fmt.Errorf("unexpected response 0x%02X", b)
}
