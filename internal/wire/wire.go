// Package wire defines the OTA transfer protocol vocabulary: the magic
// preamble, single-byte response and error codes, and the MD5
// challenge-response primitives. All multi-byte hex values on the wire are
// 32 lowercase hex characters (16 raw MD5 bytes); the image size alone is
// raw 4-byte big-endian.
package wire

import (
	"crypto/md5"
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

// Magic is the 5-byte preamble every client opens with.
var Magic = [5]byte{0x6C, 0x26, 0xF7, 0x5C, 0x45}

// Version1 is the only protocol version spoken.
const Version1 byte = 0x01

// DigestLen is the length of every hex-encoded MD5 field on the wire.
const DigestLen = 32

// Response bytes, server to client.
const (
	RespOK              byte = 0x00
	RespRequestAuth     byte = 0x01
	RespHeaderOK        byte = 0x40
	RespAuthOK          byte = 0x41
	RespUpdatePrepareOK byte = 0x42
	RespBinMD5OK        byte = 0x43
	RespReceiveOK       byte = 0x44
	RespUpdateEndOK     byte = 0x45
)

// Error bytes, written once before the server closes an aborted session.
const (
	CodeErrorMagic                byte = 0x80
	CodeErrorUpdatePrepare        byte = 0x81
	CodeErrorAuthInvalid          byte = 0x82
	CodeErrorWritingFlash         byte = 0x83
	CodeErrorUpdateEnd            byte = 0x84
	CodeErrorInvalidBootstrapping byte = 0x85
	CodeErrorUnknown              byte = 0xFF
)

// Sentinel abort causes. Session code wraps these so ErrorCode can pick the
// wire byte for the failure; anything unrecognized maps to unknown.
var (
	ErrMagic                = errors.New("magic bytes do not match")
	ErrAuthInvalid          = errors.New("auth digest mismatch")
	ErrUpdatePrepare        = errors.New("preparing update partition failed")
	ErrWritingFlash         = errors.New("writing binary data to flash failed")
	ErrUpdateEnd            = errors.New("finalizing update failed")
	ErrInvalidBootstrapping = errors.New("update partition unavailable")
	ErrTimeout              = errors.New("timeout waiting for data")
	ErrDisconnected         = errors.New("client disconnected")
)

// ErrorCode maps an abort cause to its wire byte.
func ErrorCode(err error) byte {
	switch {
	case errors.Is(err, ErrMagic):
		return CodeErrorMagic
	case errors.Is(err, ErrAuthInvalid):
		return CodeErrorAuthInvalid
	case errors.Is(err, ErrInvalidBootstrapping):
		return CodeErrorInvalidBootstrapping
	case errors.Is(err, ErrUpdatePrepare):
		return CodeErrorUpdatePrepare
	case errors.Is(err, ErrWritingFlash):
		return CodeErrorWritingFlash
	case errors.Is(err, ErrUpdateEnd):
		return CodeErrorUpdateEnd
	default:
		return CodeErrorUnknown
	}
}

// GenerateNonce produces a server or client nonce: the hex MD5 of a random
// 8-digit uppercase hex string.
func GenerateNonce() (string, error) {
	var b [4]byte
	if _, err := io.ReadFull(rand.Reader, b[:]); err != nil {
		return "", err
	}
	seed := fmt.Sprintf("%08X", binary.BigEndian.Uint32(b[:]))
	sum := md5.Sum([]byte(seed))
	return hex.EncodeToString(sum[:]), nil
}

// AuthDigest computes the challenge response hex MD5(password + nonce + cnonce).
func AuthDigest(password, nonce, cnonce string) string {
	h := md5.New()
	io.WriteString(h, password)
	io.WriteString(h, nonce)
	io.WriteString(h, cnonce)
	return hex.EncodeToString(h.Sum(nil))
}

// DigestsEqual compares two 32-char hex digests covering every byte; a
// mismatch anywhere fails and no prefix can short-circuit a pass.
func DigestsEqual(a, b []byte) bool {
	if len(a) != DigestLen || len(b) != DigestLen {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

// ImageDigest is the hex MD5 of a full image, as carried on the wire.
func ImageDigest(image []byte) string {
	sum := md5.Sum(image)
	return hex.EncodeToString(sum[:])
}
