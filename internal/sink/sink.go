// Package sink abstracts the update partition: a declared-size byte stream
// that can be finalized (digest check plus commit) or aborted. The transfer
// session must not write a byte before Begin has succeeded, and exactly one
// sink may be open between Begin and End/Abort.
package sink

import "errors"

var (
	ErrNoPartition    = errors.New("update partition unavailable")
	ErrTooLarge       = errors.New("image exceeds partition capacity")
	ErrBusy           = errors.New("sink already open")
	ErrNotPrepared    = errors.New("sink not prepared")
	ErrOverflow       = errors.New("write past declared image size")
	ErrIncomplete     = errors.New("declared image size not satisfied")
	ErrDigestMismatch = errors.New("image digest mismatch")
	ErrDigestSet      = errors.New("expected digest already registered")
	ErrBadDigest      = errors.New("malformed expected digest")
)

// Sink accepts one declared-size image per Begin/End cycle.
type Sink interface {
	// Begin opens the sink for exactly size bytes.
	Begin(size uint32) error
	// Write appends image bytes. Only valid between Begin and End/Abort.
	Write(p []byte) (int, error)
	// SetExpectedMD5 registers the 32-char hex digest verified by End.
	SetExpectedMD5(digest string) error
	// Done reports whether the declared size has been satisfied. This is
	// the streaming termination condition, not any on-media byte count, so
	// backends that pad writes up to a block boundary still terminate.
	Done() bool
	// End verifies the digest and commits the image.
	End() error
	// Abort discards everything written since Begin.
	Abort()
}
