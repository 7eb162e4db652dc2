package network

import (
	"testing"
	"time"

	"github.com/tolelom/latticenode/crypto"
)

func TestCookieStoreIssueAndVerify(t *testing.T) {
	s := NewCookieStore()
	priv, _, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	cookie, err := s.Issue("1.2.3.4")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	resp := SignCookie(priv, cookie)
	if !s.Verify("1.2.3.4", resp) {
		t.Fatal("Verify should succeed for a freshly issued cookie")
	}
}

func TestCookieStoreSingleUse(t *testing.T) {
	s := NewCookieStore()
	priv, _, _ := crypto.GenerateKeyPair()
	cookie, _ := s.Issue("5.6.7.8")
	resp := SignCookie(priv, cookie)
	if !s.Verify("5.6.7.8", resp) {
		t.Fatal("first verify should succeed")
	}
	if s.Verify("5.6.7.8", resp) {
		t.Fatal("a cookie must not verify twice")
	}
}

func TestCookieStoreRejectsTamperedSignature(t *testing.T) {
	s := NewCookieStore()
	priv, _, _ := crypto.GenerateKeyPair()
	other, _, _ := crypto.GenerateKeyPair()
	cookie, _ := s.Issue("9.9.9.9")
	resp := SignCookie(priv, cookie)
	_ = other
	if !s.Verify("9.9.9.9", resp) {
		t.Fatal("sanity: correct signer should verify")
	}
	cookie2, _ := s.Issue("9.9.9.9")
	badResp := SignCookie(other, cookie2)
	badResp.Signature[0] ^= 0xff
	if s.Verify("9.9.9.9", badResp) {
		t.Fatal("a tampered signature must not verify")
	}
}

func TestCookieStoreExpiry(t *testing.T) {
	s := NewCookieStore()
	priv, _, _ := crypto.GenerateKeyPair()
	cookie, _ := s.Issue("10.0.0.1")
	s.mu.Lock()
	issued := s.byIP["10.0.0.1"]
	issued.expires = time.Now().Add(-time.Second)
	s.byIP["10.0.0.1"] = issued
	s.mu.Unlock()
	resp := SignCookie(priv, cookie)
	if s.Verify("10.0.0.1", resp) {
		t.Fatal("an expired cookie must not verify")
	}
}

func TestCookieStoreRateLimitsPerIP(t *testing.T) {
	s := NewCookieStore()
	hit := 0
	for i := 0; i < 10; i++ {
		if _, err := s.Issue("7.7.7.7"); err == nil {
			hit++
		}
	}
	if hit >= 10 {
		t.Fatalf("expected the burst-2 limiter to reject some of 10 rapid issues, got %d successes", hit)
	}
}
