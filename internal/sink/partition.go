package sink

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"hash"
	"os"
	"path/filepath"
	"strings"
)

const (
	stagingName = "update.bin.partial"
	imageName   = "firmware.bin"

	// Flash writes land in whole erase blocks; the staging file is padded
	// up to this boundary before commit.
	blockSize = 4096
)

// Partition is a file-backed update slot of fixed capacity. Bytes stream
// into a staging file; End verifies the MD5 over the declared size, pads to
// the block boundary, fsyncs and renames the staging file over the active
// image so a torn update never replaces a good one.
type Partition struct {
	dir      string
	capacity uint32

	f        *os.File
	size     uint32
	written  uint32
	expected string
	sum      hash.Hash
	open     bool
}

func NewPartition(dir string, capacity uint32) *Partition {
	return &Partition{dir: dir, capacity: capacity}
}

// ImagePath is where the committed image lives.
func (p *Partition) ImagePath() string {
	return filepath.Join(p.dir, imageName)
}

func (p *Partition) Begin(size uint32) error {
	if p.open {
		return ErrBusy
	}
	if fi, err := os.Stat(p.dir); err != nil || !fi.IsDir() {
		return fmt.Errorf("%w: %s", ErrNoPartition, p.dir)
	}
	if size == 0 || size > p.capacity {
		return fmt.Errorf("%w: %d > %d", ErrTooLarge, size, p.capacity)
	}
	f, err := os.OpenFile(filepath.Join(p.dir, stagingName), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoPartition, err)
	}
	p.f = f
	p.size = size
	p.written = 0
	p.expected = ""
	p.sum = md5.New()
	p.open = true
	return nil
}

func (p *Partition) Write(b []byte) (int, error) {
	if !p.open {
		return 0, ErrNotPrepared
	}
	if p.written+uint32(len(b)) > p.size {
		return 0, ErrOverflow
	}
	n, err := p.f.Write(b)
	p.written += uint32(n)
	p.sum.Write(b[:n])
	if err != nil {
		return n, err
	}
	return n, nil
}

func (p *Partition) SetExpectedMD5(digest string) error {
	if !p.open {
		return ErrNotPrepared
	}
	if p.expected != "" {
		return ErrDigestSet
	}
	digest = strings.ToLower(digest)
	if raw, err := hex.DecodeString(digest); err != nil || len(raw) != md5.Size {
		return ErrBadDigest
	}
	p.expected = digest
	return nil
}

func (p *Partition) Done() bool {
	return p.open && p.written >= p.size
}

func (p *Partition) End() error {
	if !p.open {
		return ErrNotPrepared
	}
	if p.written < p.size {
		p.Abort()
		return ErrIncomplete
	}
	got := hex.EncodeToString(p.sum.Sum(nil))
	if p.expected != "" && got != p.expected {
		p.Abort()
		return fmt.Errorf("%w: got %s want %s", ErrDigestMismatch, got, p.expected)
	}
	if pad := int(p.written) % blockSize; pad != 0 {
		if _, err := p.f.Write(make([]byte, blockSize-pad)); err != nil {
			p.Abort()
			return err
		}
	}
	if err := p.f.Sync(); err != nil {
		p.Abort()
		return err
	}
	if err := p.f.Close(); err != nil {
		p.reset()
		return err
	}
	if err := os.Rename(filepath.Join(p.dir, stagingName), p.ImagePath()); err != nil {
		p.reset()
		return err
	}
	syncDir(p.dir)
	p.reset()
	return nil
}

func (p *Partition) Abort() {
	if !p.open {
		return
	}
	_ = p.f.Close()
	_ = os.Remove(filepath.Join(p.dir, stagingName))
	p.reset()
}

func (p *Partition) reset() {
	p.f = nil
	p.open = false
	p.written = 0
	p.size = 0
	p.expected = ""
	p.sum = nil
}

func syncDir(path string) {
	dir, err := os.Open(path)
	if err != nil {
		return
	}
	defer dir.Close()
	_ = dir.Sync()
}
