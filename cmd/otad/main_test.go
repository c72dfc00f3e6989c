package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestHelp(t *testing.T) {
	var out bytes.Buffer
	code := run([]string{"--help"}, &out, &out)
	if code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}
	if !strings.Contains(out.String(), "otad") {
		t.Fatalf("expected help output to mention otad")
	}
}

func TestUnknownFlagFails(t *testing.T) {
	var out bytes.Buffer
	code := run([]string{"--bogus"}, &out, &out)
	if code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
}
