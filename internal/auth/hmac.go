// Package auth signs and verifies the compact HS256 tokens observers present
// when they subscribe to snapshots.
package auth

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrInvalidToken covers malformed tokens and signature mismatches.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken signals that the token's expiry is in the past.
	ErrExpiredToken = errors.New("token expired")
	// ErrWrongAudience signals a valid token minted for another consumer.
	ErrWrongAudience = errors.New("token issued for another audience")
)

// hs256Header is the only header this package issues or accepts.
var hs256Header = mustSegment(map[string]string{"alg": "HS256", "typ": "JWT"})

var encoding = base64.RawURLEncoding

// TokenClaims is the verified content of an observer token.
type TokenClaims struct {
	Subject   string
	Audience  string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// wireClaims is the JSON payload segment.
type wireClaims struct {
	Subject  string `json:"sub"`
	Expires  int64  `json:"exp"`
	Issued   int64  `json:"iat,omitempty"`
	Audience string `json:"aud,omitempty"`
}

// HMACTokenVerifier validates tokens signed with a shared secret.
type HMACTokenVerifier struct {
	secret   []byte
	leeway   time.Duration
	audience string
	now      func() time.Time
}

// NewHMACTokenVerifier constructs a verifier tolerating leeway of clock skew
// on both the expiry and issue time.
func NewHMACTokenVerifier(secret string, leeway time.Duration) (*HMACTokenVerifier, error) {
	key, err := secretBytes(secret)
	if err != nil {
		return nil, err
	}
	return &HMACTokenVerifier{secret: key, leeway: max(leeway, 0), now: time.Now}, nil
}

// RequireAudience makes Verify reject tokens carrying a different audience.
// Tokens without an audience are still accepted.
func (v *HMACTokenVerifier) RequireAudience(audience string) *HMACTokenVerifier {
	v.audience = strings.TrimSpace(audience)
	return v
}

// WithClock overrides the verifier clock.
func (v *HMACTokenVerifier) WithClock(clock func() time.Time) {
	if clock != nil {
		v.now = clock
	}
}

// Verify checks structure, signature, timing and audience, in that order.
func (v *HMACTokenVerifier) Verify(token string) (*TokenClaims, error) {
	if v == nil || len(v.secret) == 0 {
		return nil, errors.New("verifier not initialised")
	}
	header, payload, signature, ok := splitToken(strings.TrimSpace(token))
	if !ok {
		return nil, ErrInvalidToken
	}

	//1.- Only our own header is acceptable, which pins the algorithm.
	var head struct {
		Algorithm string `json:"alg"`
	}
	if err := decodeJSON(header, &head); err != nil {
		return nil, ErrInvalidToken
	}
	if head.Algorithm != "HS256" {
		return nil, fmt.Errorf("%w: unexpected algorithm %q", ErrInvalidToken, head.Algorithm)
	}
	given, err := encoding.DecodeString(signature)
	if err != nil || !hmac.Equal(given, sign(v.secret, header+"."+payload)) {
		return nil, ErrInvalidToken
	}

	//2.- The payload is trusted from here on.
	var claims wireClaims
	if err := decodeJSON(payload, &claims); err != nil {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" || claims.Expires <= 0 {
		return nil, ErrInvalidToken
	}
	now := v.now()
	expires := time.Unix(claims.Expires, 0)
	if expires.Add(v.leeway).Before(now) {
		return nil, ErrExpiredToken
	}
	issued := time.Unix(claims.Issued, 0)
	if claims.Issued > 0 && issued.After(now.Add(v.leeway)) {
		return nil, fmt.Errorf("%w: issued in the future", ErrInvalidToken)
	}
	if v.audience != "" && claims.Audience != "" && claims.Audience != v.audience {
		return nil, ErrWrongAudience
	}
	return &TokenClaims{
		Subject:   claims.Subject,
		Audience:  claims.Audience,
		IssuedAt:  issued,
		ExpiresAt: expires,
	}, nil
}

// HMACTokenIssuer mints tokens HMACTokenVerifier accepts.
type HMACTokenIssuer struct {
	secret []byte
	now    func() time.Time
}

// NewHMACTokenIssuer constructs an issuer for the supplied shared secret.
func NewHMACTokenIssuer(secret string) (*HMACTokenIssuer, error) {
	key, err := secretBytes(secret)
	if err != nil {
		return nil, err
	}
	return &HMACTokenIssuer{secret: key, now: time.Now}, nil
}

// WithClock overrides the issuer clock.
func (i *HMACTokenIssuer) WithClock(clock func() time.Time) {
	if clock != nil {
		i.now = clock
	}
}

// Issue signs a token for subject that expires after ttl.
func (i *HMACTokenIssuer) Issue(subject, audience string, ttl time.Duration) (string, error) {
	if i == nil || len(i.secret) == 0 {
		return "", errors.New("issuer not initialised")
	}
	subject = strings.TrimSpace(subject)
	switch {
	case subject == "":
		return "", errors.New("token subject must not be empty")
	case ttl <= 0:
		return "", errors.New("token ttl must be positive")
	}
	now := i.now()
	payload, err := segment(wireClaims{
		Subject:  subject,
		Expires:  now.Add(ttl).Unix(),
		Issued:   now.Unix(),
		Audience: strings.TrimSpace(audience),
	})
	if err != nil {
		return "", err
	}
	signingInput := hs256Header + "." + payload
	return signingInput + "." + encoding.EncodeToString(sign(i.secret, signingInput)), nil
}

func secretBytes(secret string) ([]byte, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("hmac secret must not be empty")
	}
	return []byte(secret), nil
}

func sign(secret []byte, signingInput string) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(signingInput))
	return mac.Sum(nil)
}

func splitToken(token string) (header, payload, signature string, ok bool) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}

func segment(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return encoding.EncodeToString(raw), nil
}

func mustSegment(v any) string {
	s, err := segment(v)
	if err != nil {
		panic(err)
	}
	return s
}

func decodeJSON(seg string, v any) error {
	raw, err := encoding.DecodeString(seg)
	if err != nil {
		return err
	}
	decoder := json.NewDecoder(bytes.NewReader(raw))
	return decoder.Decode(v)
}
