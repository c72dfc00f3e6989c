package wire

import (
	"errors"
	"fmt"
	"regexp"
	"testing"
)

func TestAuthDigestDeterministic(t *testing.T) {
	a := AuthDigest("hunter2", "0123456789abcdef0123456789abcdef", "fedcba9876543210fedcba9876543210")
	b := AuthDigest("hunter2", "0123456789abcdef0123456789abcdef", "fedcba9876543210fedcba9876543210")
	if a != b {
		t.Fatalf("digest not deterministic: %s vs %s", a, b)
	}
	if len(a) != DigestLen {
		t.Fatalf("digest length %d, want %d", len(a), DigestLen)
	}
}

func TestAuthDigestDependsOnAllInputs(t *testing.T) {
	base := AuthDigest("pw", "nonce-a", "cnonce-a")
	if AuthDigest("pw2", "nonce-a", "cnonce-a") == base {
		t.Fatalf("digest ignored password")
	}
	if AuthDigest("pw", "nonce-b", "cnonce-a") == base {
		t.Fatalf("digest ignored nonce")
	}
	if AuthDigest("pw", "nonce-a", "cnonce-b") == base {
		t.Fatalf("digest ignored cnonce")
	}
}

func TestDigestsEqualEveryBytePosition(t *testing.T) {
	a := []byte(AuthDigest("pw", "n", "c"))
	for i := 0; i < DigestLen; i++ {
		b := make([]byte, DigestLen)
		copy(b, a)
		if b[i] == 'f' {
			b[i] = '0'
		} else {
			b[i] = 'f'
		}
		if DigestsEqual(a, b) {
			t.Fatalf("single-byte mismatch at %d passed", i)
		}
	}
	if !DigestsEqual(a, append([]byte(nil), a...)) {
		t.Fatalf("identical digests rejected")
	}
}

func TestDigestsEqualRejectsShortInput(t *testing.T) {
	a := []byte(AuthDigest("pw", "n", "c"))
	if DigestsEqual(a, a[:16]) {
		t.Fatalf("short digest passed")
	}
	if DigestsEqual(nil, nil) {
		t.Fatalf("empty digests passed")
	}
}

func TestGenerateNonceFormat(t *testing.T) {
	hexRe := regexp.MustCompile(`^[0-9a-f]{32}$`)
	seen := make(map[string]bool)
	for i := 0; i < 8; i++ {
		n, err := GenerateNonce()
		if err != nil {
			t.Fatalf("generate nonce: %v", err)
		}
		if !hexRe.MatchString(n) {
			t.Fatalf("nonce %q is not 32 lowercase hex chars", n)
		}
		seen[n] = true
	}
	if len(seen) < 2 {
		t.Fatalf("nonces never vary")
	}
}

func TestErrorCodeMapping(t *testing.T) {
	cases := []struct {
		err  error
		code byte
	}{
		{ErrMagic, CodeErrorMagic},
		{ErrAuthInvalid, CodeErrorAuthInvalid},
		{ErrUpdatePrepare, CodeErrorUpdatePrepare},
		{ErrWritingFlash, CodeErrorWritingFlash},
		{ErrUpdateEnd, CodeErrorUpdateEnd},
		{ErrInvalidBootstrapping, CodeErrorInvalidBootstrapping},
		{ErrTimeout, CodeErrorUnknown},
		{ErrDisconnected, CodeErrorUnknown},
		{errors.New("socket broke"), CodeErrorUnknown},
		{fmt.Errorf("step 4: %w", ErrAuthInvalid), CodeErrorAuthInvalid},
	}
	for _, c := range cases {
		if got := ErrorCode(c.err); got != c.code {
			t.Fatalf("ErrorCode(%v) = 0x%02X, want 0x%02X", c.err, got, c.code)
		}
	}
}
