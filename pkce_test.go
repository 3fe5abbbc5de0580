package main

import (
	"net/url"
	"testing"
)

func TestGenerateVerifierLength(t *testing.T) {
	v, err := generateVerifier()
	if err != nil {
		t.Fatalf("generateVerifier: %v", err)
	}
	// 128 raw bytes, base64url without padding: ceil(128*4/3) = 171 chars.
	if len(v) != 171 {
		t.Fatalf("got verifier length %d, want 171", len(v))
	}
}

func TestGenerateVerifierIsRandom(t *testing.T) {
	a, err := generateVerifier()
	if err != nil {
		t.Fatalf("generateVerifier: %v", err)
	}
	b, err := generateVerifier()
	if err != nil {
		t.Fatalf("generateVerifier: %v", err)
	}
	if a == b {
		t.Fatalf("expected distinct verifiers")
	}
}

func TestComputeChallengeIsDeterministic(t *testing.T) {
	if computeChallenge("fixed-verifier") != computeChallenge("fixed-verifier") {
		t.Fatalf("expected challenge to be deterministic given the same verifier")
	}
	if computeChallenge("a") == computeChallenge("b") {
		t.Fatalf("expected distinct verifiers to produce distinct challenges")
	}
}

func TestBuildAuthorizationURLIncludesRequiredParams(t *testing.T) {
	raw := buildAuthorizationURL("claude-max-123", "challenge-value")
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	q := u.Query()
	if q.Get("client_id") != oauthClientID {
		t.Fatalf("got client_id %q", q.Get("client_id"))
	}
	if q.Get("code_challenge") != "challenge-value" {
		t.Fatalf("got code_challenge %q", q.Get("code_challenge"))
	}
	if q.Get("code_challenge_method") != "S256" {
		t.Fatalf("got code_challenge_method %q", q.Get("code_challenge_method"))
	}
	if q.Get("state") != "claude-max-123" {
		t.Fatalf("got state %q", q.Get("state"))
	}
	if q.Get("redirect_uri") != oauthRedirectURI {
		t.Fatalf("got redirect_uri %q", q.Get("redirect_uri"))
	}
}
