package main

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"wandersync/internal/auth"
	"wandersync/internal/transport"
)

// observerTokenAudience scopes tokens to the snapshot stream.
const observerTokenAudience = "wandersync-observer"

// newObserverAuthenticator returns the hub hook validating observer tokens.
// An empty secret disables authentication and yields a nil hook.
func newObserverAuthenticator(secret string) (func(*http.Request) (string, error), error) {
	if strings.TrimSpace(secret) == "" {
		return nil, nil
	}
	verifier, err := auth.NewHMACTokenVerifier(secret, 2*time.Second)
	if err != nil {
		return nil, err
	}
	verifier.RequireAudience(observerTokenAudience)
	return func(r *http.Request) (string, error) {
		token := observerToken(r)
		if token == "" {
			return "", errors.New("missing auth token")
		}
		claims, err := verifier.Verify(token)
		if err != nil {
			return "", err
		}
		return claims.Subject, nil
	}, nil
}

func observerToken(r *http.Request) string {
	if token := strings.TrimSpace(r.URL.Query().Get("auth_token")); token != "" {
		return token
	}
	if token := strings.TrimSpace(r.Header.Get(transport.AuthTokenHeader)); token != "" {
		return token
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}
