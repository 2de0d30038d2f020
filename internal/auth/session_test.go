package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"strings"
	"testing"
	"time"
)

func setTestKey(t *testing.T) {
	t.Helper()
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		t.Fatalf("failed to generate seed: %v", err)
	}
	t.Setenv("SESSION_PRIVATE_KEY", base64.StdEncoding.EncodeToString(seed))
}

func TestNewSessions(t *testing.T) {
	t.Run("missing key", func(t *testing.T) {
		t.Setenv("SESSION_PRIVATE_KEY", "")
		if _, err := NewSessions(time.Hour); err == nil {
			t.Error("expected error when SESSION_PRIVATE_KEY is unset")
		}
	})

	t.Run("bad base64", func(t *testing.T) {
		t.Setenv("SESSION_PRIVATE_KEY", "!!!not-base64!!!")
		if _, err := NewSessions(time.Hour); err == nil {
			t.Error("expected error for invalid base64")
		}
	})

	t.Run("wrong size", func(t *testing.T) {
		t.Setenv("SESSION_PRIVATE_KEY", base64.StdEncoding.EncodeToString([]byte("short")))
		if _, err := NewSessions(time.Hour); err == nil {
			t.Error("expected error for wrong key size")
		}
	})

	t.Run("seed key", func(t *testing.T) {
		setTestKey(t)
		if _, err := NewSessions(time.Hour); err != nil {
			t.Errorf("NewSessions() error = %v", err)
		}
	})
}

func TestIssueVerifyRoundTrip(t *testing.T) {
	setTestKey(t)
	s, err := NewSessions(time.Hour)
	if err != nil {
		t.Fatalf("NewSessions() error = %v", err)
	}

	tok, err := s.Issue("user-42", "ada@example.com")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	claims, err := s.Verify(tok)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if claims.Subject != "user-42" {
		t.Errorf("Subject = %q, want user-42", claims.Subject)
	}
	if claims.Email != "ada@example.com" {
		t.Errorf("Email = %q", claims.Email)
	}
}

func TestVerifyRejects(t *testing.T) {
	setTestKey(t)
	s, err := NewSessions(time.Hour)
	if err != nil {
		t.Fatalf("NewSessions() error = %v", err)
	}

	t.Run("tampered token", func(t *testing.T) {
		tok, _ := s.Issue("user-1", "")
		parts := strings.Split(tok, ".")
		tampered := parts[0] + "." + parts[1] + "." + strings.Repeat("A", len(parts[2]))
		if _, err := s.Verify(tampered); err == nil {
			t.Error("Verify() accepted a tampered signature")
		}
	})

	t.Run("token from another key", func(t *testing.T) {
		tok, _ := s.Issue("user-1", "")

		setTestKey(t) // rotate to a fresh key
		other, err := NewSessions(time.Hour)
		if err != nil {
			t.Fatalf("NewSessions() error = %v", err)
		}
		if _, err := other.Verify(tok); err == nil {
			t.Error("Verify() accepted a token signed by a different key")
		}
	})

	t.Run("expired token", func(t *testing.T) {
		expired := &Sessions{privateKey: s.privateKey, publicKey: s.publicKey, ttl: -time.Hour}
		tok, _ := expired.Issue("user-1", "")
		if _, err := s.Verify(tok); err == nil {
			t.Error("Verify() accepted an expired token")
		}
	})

	t.Run("garbage", func(t *testing.T) {
		if _, err := s.Verify("not-a-token"); err == nil {
			t.Error("Verify() accepted garbage")
		}
	})
}
