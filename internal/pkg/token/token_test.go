package token

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestIssueVerify_RoundTrip(t *testing.T) {
	issuer := NewIssuer("test-secret", time.Hour)

	tok := issuer.Issue(42, "hash:unverified")
	if err := issuer.Verify(42, tok, "hash:unverified"); err != nil {
		t.Fatalf("verify fresh token: %v", err)
	}
}

func TestVerify_StateChangeInvalidates(t *testing.T) {
	issuer := NewIssuer("test-secret", time.Hour)

	tok := issuer.Issue(42, "old-hash:unverified")
	err := issuer.Verify(42, tok, "new-hash:unverified")
	if !errors.Is(err, ErrSignature) {
		t.Fatalf("expected ErrSignature after state change, got %v", err)
	}
}

func TestVerify_Tampered(t *testing.T) {
	issuer := NewIssuer("test-secret", time.Hour)

	tok := issuer.Issue(42, "hash:unverified")
	parts := strings.Split(tok, ".")
	tampered := parts[0] + "." + strings.Repeat("0", len(parts[1]))

	if err := issuer.Verify(42, tampered, "hash:unverified"); !errors.Is(err, ErrSignature) {
		t.Fatalf("expected ErrSignature for tampered token, got %v", err)
	}
}

func TestVerify_WrongUser(t *testing.T) {
	issuer := NewIssuer("test-secret", time.Hour)

	tok := issuer.Issue(42, "hash:unverified")
	if err := issuer.Verify(43, tok, "hash:unverified"); !errors.Is(err, ErrSignature) {
		t.Fatalf("expected ErrSignature for wrong user, got %v", err)
	}
}

func TestVerify_Expired(t *testing.T) {
	issuer := NewIssuer("test-secret", time.Hour)
	issued := time.Now()
	issuer.now = func() time.Time { return issued }

	tok := issuer.Issue(42, "hash:unverified")

	issuer.now = func() time.Time { return issued.Add(2 * time.Hour) }
	if err := issuer.Verify(42, tok, "hash:unverified"); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestVerify_Malformed(t *testing.T) {
	issuer := NewIssuer("test-secret", time.Hour)

	for _, tok := range []string{"", "abc", "!!.deadbeef", "abc.def.ghi"} {
		if err := issuer.Verify(42, tok, "hash:unverified"); !errors.Is(err, ErrMalformed) {
			t.Fatalf("token %q: expected ErrMalformed, got %v", tok, err)
		}
	}
}

func TestEncodeDecodeUID(t *testing.T) {
	enc := EncodeUID(123)
	uid, err := DecodeUID(enc)
	if err != nil {
		t.Fatalf("decode uid: %v", err)
	}
	if uid != 123 {
		t.Fatalf("expected uid 123, got %d", uid)
	}

	if _, err := DecodeUID("***"); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed for bad encoding, got %v", err)
	}
	if _, err := DecodeUID(EncodeUID(0)); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed for zero uid, got %v", err)
	}
}
