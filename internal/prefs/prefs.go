// Package prefs is the small-record persistence capability: fixed-size
// records keyed by a tag, surviving a device reset. Each record lives in
// its own file under the data directory, named by a digest of the tag so
// tags never leak into filenames.
package prefs

import (
	"encoding/hex"
	"os"
	"path/filepath"

	"golang.org/x/crypto/sha3"
)

type Store struct {
	dir string
}

func New(dir string) *Store {
	_ = os.MkdirAll(dir, 0700)
	return &Store{dir: dir}
}

func (s *Store) recordPath(tag string) string {
	sum := sha3.Sum256([]byte(tag))
	return filepath.Join(s.dir, hex.EncodeToString(sum[:8])+".pref")
}

// Load fills buf from the record for tag. It reports false when the record
// is missing or its size does not match buf exactly.
func (s *Store) Load(tag string, buf []byte) bool {
	data, err := os.ReadFile(s.recordPath(tag))
	if err != nil || len(data) != len(buf) {
		return false
	}
	copy(buf, data)
	return true
}

// Save durably replaces the record for tag.
func (s *Store) Save(tag string, buf []byte) error {
	path := s.recordPath(tag)
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	if _, err := f.Write(buf); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	syncDir(path)
	return nil
}

func syncDir(path string) {
	dir, err := os.Open(filepath.Dir(path))
	if err != nil {
		return
	}
	defer dir.Close()
	_ = dir.Sync()
}
