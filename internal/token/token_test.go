package token

import (
	"testing"
	"time"
)

func TestGenerateVerify(t *testing.T) {
	secret := []byte("secret")
	tok, err := Generate("s1", "news.example.com", "v1", secret)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	c, err := Verify(tok, secret, time.Minute)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if c.SessionID != "s1" || c.Domain != "news.example.com" || c.VisitorID != "v1" {
		t.Fatalf("unexpected claims: %+v", c)
	}
}

func TestVerifyExpired(t *testing.T) {
	secret := []byte("s")
	tok, err := generateAt("s1", "d", "", time.Now().Add(-time.Hour), secret)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := Verify(tok, secret, time.Minute); err != ErrExpired {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
	if _, err := Verify(tok, secret, 0); err != nil {
		t.Fatalf("zero ttl should skip expiry, got %v", err)
	}
}

func TestVerifyInvalid(t *testing.T) {
	secret := []byte("s")
	tok, _ := Generate("s1", "d", "", secret)
	cases := map[string]string{
		"tampered":     tok + "x",
		"no separator": "abc",
		"bad encoding": "!!!.???",
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Verify(in, secret, time.Minute); err != ErrInvalid {
				t.Fatalf("expected invalid, got %v", err)
			}
		})
	}
	if _, err := Verify(tok, []byte("other"), time.Minute); err != ErrInvalid {
		t.Fatalf("expected invalid for wrong secret, got %v", err)
	}
}

func TestGenerateRequiresSession(t *testing.T) {
	if _, err := Generate("", "d", "", []byte("s")); err == nil {
		t.Fatal("expected error for empty session id")
	}
}
