package prefs

import (
	"bytes"
	"testing"
)

func TestSaveLoadRoundtrip(t *testing.T) {
	s := New(t.TempDir())
	if err := s.Save("boot-loop", []byte{7}); err != nil {
		t.Fatalf("save: %v", err)
	}
	buf := make([]byte, 1)
	if !s.Load("boot-loop", buf) {
		t.Fatalf("load missed saved record")
	}
	if buf[0] != 7 {
		t.Fatalf("loaded %d, want 7", buf[0])
	}
}

func TestLoadMissingRecord(t *testing.T) {
	s := New(t.TempDir())
	buf := make([]byte, 1)
	if s.Load("never-saved", buf) {
		t.Fatalf("load reported success for missing record")
	}
}

func TestLoadSizeMismatch(t *testing.T) {
	s := New(t.TempDir())
	if err := s.Save("wide", []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if s.Load("wide", make([]byte, 1)) {
		t.Fatalf("load accepted wrong-size buffer")
	}
}

func TestRecordsSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	if err := New(dir).Save("boot-loop", []byte{3}); err != nil {
		t.Fatalf("save: %v", err)
	}
	buf := make([]byte, 1)
	if !New(dir).Load("boot-loop", buf) || buf[0] != 3 {
		t.Fatalf("record lost across reopen: ok=%v val=%d", buf[0] == 3, buf[0])
	}
}

func TestTagsDoNotCollide(t *testing.T) {
	s := New(t.TempDir())
	if err := s.Save("a", []byte{1}); err != nil {
		t.Fatalf("save a: %v", err)
	}
	if err := s.Save("b", []byte{2}); err != nil {
		t.Fatalf("save b: %v", err)
	}
	a, b := make([]byte, 1), make([]byte, 1)
	if !s.Load("a", a) || !s.Load("b", b) {
		t.Fatalf("load failed")
	}
	if !bytes.Equal(a, []byte{1}) || !bytes.Equal(b, []byte{2}) {
		t.Fatalf("records collided: a=%v b=%v", a, b)
	}
}
