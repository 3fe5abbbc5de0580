package main

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"net/url"
)

// OAuth endpoints and client identity for the single upstream provider.
// Grounded on the teacher's claude_auth.go constants.
const (
	oauthClientID     = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"
	oauthRedirectURI  = "https://console.anthropic.com/oauth/code/callback"
	oauthTokenURL     = "https://console.anthropic.com/v1/oauth/token"
	oauthAuthorizeURL = "https://claude.ai/oauth/authorize"
	oauthScope        = "org:create_api_key user:profile user:inference"
)

// generateVerifier returns a 128-byte cryptographically random value,
// base64url-encoded without padding (171 characters).
func generateVerifier() (string, error) {
	buf := make([]byte, 128)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// computeChallenge returns the base64url (no padding) SHA-256 digest of verifier.
func computeChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// buildAuthorizationURL composes the provider's authorization URL with the
// fixed client id, redirect URI, scope, and the given state/challenge.
func buildAuthorizationURL(state, challenge string) string {
	u, _ := url.Parse(oauthAuthorizeURL)
	q := u.Query()
	q.Set("code", "true")
	q.Set("client_id", oauthClientID)
	q.Set("response_type", "code")
	q.Set("redirect_uri", oauthRedirectURI)
	q.Set("scope", oauthScope)
	q.Set("code_challenge", challenge)
	q.Set("code_challenge_method", "S256")
	q.Set("state", state)
	u.RawQuery = q.Encode()
	return u.String()
}
