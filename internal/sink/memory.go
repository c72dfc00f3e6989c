package sink

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"
)

// Memory is an in-memory sink for tests. It records every lifecycle event
// so tests can assert that a failed session aborted rather than finalized.
type Memory struct {
	Capacity uint32

	Buf      bytes.Buffer
	Size     uint32
	Expected string
	Begun    bool
	Ended    bool
	Aborted  bool

	open bool
}

func NewMemory(capacity uint32) *Memory {
	return &Memory{Capacity: capacity}
}

func (m *Memory) Begin(size uint32) error {
	if m.open {
		return ErrBusy
	}
	if size == 0 || size > m.Capacity {
		return fmt.Errorf("%w: %d > %d", ErrTooLarge, size, m.Capacity)
	}
	m.Buf.Reset()
	m.Size = size
	m.Expected = ""
	m.Begun = true
	m.Ended = false
	m.Aborted = false
	m.open = true
	return nil
}

func (m *Memory) Write(b []byte) (int, error) {
	if !m.open {
		return 0, ErrNotPrepared
	}
	if uint32(m.Buf.Len()+len(b)) > m.Size {
		return 0, ErrOverflow
	}
	return m.Buf.Write(b)
}

func (m *Memory) SetExpectedMD5(digest string) error {
	if !m.open {
		return ErrNotPrepared
	}
	if m.Expected != "" {
		return ErrDigestSet
	}
	digest = strings.ToLower(digest)
	if raw, err := hex.DecodeString(digest); err != nil || len(raw) != md5.Size {
		return ErrBadDigest
	}
	m.Expected = digest
	return nil
}

func (m *Memory) Done() bool {
	return m.open && uint32(m.Buf.Len()) >= m.Size
}

func (m *Memory) End() error {
	if !m.open {
		return ErrNotPrepared
	}
	if uint32(m.Buf.Len()) < m.Size {
		m.Abort()
		return ErrIncomplete
	}
	sum := md5.Sum(m.Buf.Bytes())
	if got := hex.EncodeToString(sum[:]); m.Expected != "" && got != m.Expected {
		m.Abort()
		return fmt.Errorf("%w: got %s want %s", ErrDigestMismatch, got, m.Expected)
	}
	m.Ended = true
	m.open = false
	return nil
}

func (m *Memory) Abort() {
	if !m.open {
		return
	}
	m.Aborted = true
	m.open = false
}
