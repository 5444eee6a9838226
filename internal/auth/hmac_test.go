package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestHMACTokenVerifierValidToken(t *testing.T) {
	verifier, err := NewHMACTokenVerifier("secret", time.Second)
	if err != nil {
		t.Fatalf("NewHMACTokenVerifier: %v", err)
	}
	fixedNow := time.Unix(1700000000, 0)
	verifier.WithClock(func() time.Time { return fixedNow })
	token := makeToken(t, "secret", "observer-7", fixedNow.Add(30*time.Second))

	claims, err := verifier.Verify(token)
	if err != nil {
		t.Fatalf("Verify returned error: %v", err)
	}
	if claims.Subject != "observer-7" {
		t.Fatalf("unexpected subject: %q", claims.Subject)
	}
	if claims.ExpiresAt.Before(fixedNow) {
		t.Fatal("expected expiry in the future")
	}
}

func TestHMACTokenVerifierRejectsExpiredToken(t *testing.T) {
	verifier, err := NewHMACTokenVerifier("secret", 0)
	if err != nil {
		t.Fatalf("NewHMACTokenVerifier: %v", err)
	}
	now := time.Unix(1700000000, 0)
	verifier.WithClock(func() time.Time { return now })
	token := makeToken(t, "secret", "observer-7", now.Add(-time.Second))

	if _, err := verifier.Verify(token); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestHMACTokenVerifierRejectsInvalidSignature(t *testing.T) {
	verifier, err := NewHMACTokenVerifier("secret", time.Second)
	if err != nil {
		t.Fatalf("NewHMACTokenVerifier: %v", err)
	}
	now := time.Unix(1700000000, 0)
	verifier.WithClock(func() time.Time { return now })
	token := makeToken(t, "other-secret", "observer-7", now.Add(time.Minute))

	if _, err := verifier.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestHMACTokenIssuerRoundTrip(t *testing.T) {
	now := time.Unix(1700000000, 0)
	issuer, err := NewHMACTokenIssuer("secret")
	if err != nil {
		t.Fatalf("NewHMACTokenIssuer: %v", err)
	}
	issuer.WithClock(func() time.Time { return now })
	token, err := issuer.Issue("observer-3", "wandersync", time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	verifier, err := NewHMACTokenVerifier("secret", 0)
	if err != nil {
		t.Fatalf("NewHMACTokenVerifier: %v", err)
	}
	verifier.WithClock(func() time.Time { return now.Add(30 * time.Second) })
	claims, err := verifier.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Subject != "observer-3" || claims.Audience != "wandersync" {
		t.Fatalf("unexpected claims %+v", claims)
	}

	verifier.WithClock(func() time.Time { return now.Add(2 * time.Minute) })
	if _, err := verifier.Verify(token); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken after ttl, got %v", err)
	}
}

func TestHMACTokenIssuerRejectsBadInput(t *testing.T) {
	if _, err := NewHMACTokenIssuer("  "); err == nil {
		t.Fatal("expected empty secret to be rejected")
	}
	issuer, err := NewHMACTokenIssuer("secret")
	if err != nil {
		t.Fatalf("NewHMACTokenIssuer: %v", err)
	}
	if _, err := issuer.Issue("", "", time.Minute); err == nil {
		t.Fatal("expected empty subject to be rejected")
	}
	if _, err := issuer.Issue("observer", "", 0); err == nil {
		t.Fatal("expected zero ttl to be rejected")
	}
}

func makeToken(t *testing.T, secret, subject string, expires time.Time) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	payload := fmt.Sprintf(`{"sub":"%s","exp":%d,"iat":%d}`, subject, expires.Unix(), expires.Add(-time.Minute).Unix())
	encodedPayload := base64.RawURLEncoding.EncodeToString([]byte(payload))
	signingInput := header + "." + encodedPayload
	mac := hmac.New(sha256.New, []byte(secret))
	if _, err := mac.Write([]byte(signingInput)); err != nil {
		t.Fatalf("mac write: %v", err)
	}
	signature := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	return signingInput + "." + signature
}

func TestHMACTokenVerifierChecksAudienceAndIssueTime(t *testing.T) {
	now := time.Unix(1700000000, 0)
	issuer, err := NewHMACTokenIssuer("secret")
	if err != nil {
		t.Fatalf("NewHMACTokenIssuer: %v", err)
	}
	issuer.WithClock(func() time.Time { return now })
	verifier, err := NewHMACTokenVerifier("secret", time.Second)
	if err != nil {
		t.Fatalf("NewHMACTokenVerifier: %v", err)
	}
	verifier.RequireAudience("wandersync-observer").WithClock(func() time.Time { return now })

	foreign, err := issuer.Issue("observer-1", "ops-dashboard", time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := verifier.Verify(foreign); !errors.Is(err, ErrWrongAudience) {
		t.Fatalf("expected ErrWrongAudience, got %v", err)
	}
	unscoped, err := issuer.Issue("observer-1", "", time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := verifier.Verify(unscoped); err != nil {
		t.Fatalf("expected token without audience to pass, got %v", err)
	}

	//1.- A token stamped beyond the leeway in the future is refused.
	issuer.WithClock(func() time.Time { return now.Add(time.Minute) })
	early, err := issuer.Issue("observer-1", "wandersync-observer", time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := verifier.Verify(early); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for a future token, got %v", err)
	}
}

func TestHMACTokenVerifierRejectsMalformedTokens(t *testing.T) {
	verifier, err := NewHMACTokenVerifier("secret", 0)
	if err != nil {
		t.Fatalf("NewHMACTokenVerifier: %v", err)
	}
	for _, token := range []string{"", "a.b", "a..c", "!!!.###.$$$"} {
		if _, err := verifier.Verify(token); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("Verify(%q): expected ErrInvalidToken, got %v", token, err)
		}
	}
}
