package main

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"
)

func TestBackgroundRefresherRefreshesWithinThreshold(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"refreshed-access","refresh_token":"refreshed-refresh","expires_in":3600}`))
	}))
	defer tokenSrv.Close()

	path := filepath.Join(t.TempDir(), "credentials.json")
	store, err := loadCredentialStore(path)
	if err != nil {
		t.Fatalf("loadCredentialStore: %v", err)
	}
	soonToExpire := Credential{Kind: "oauth", RefreshToken: "old-refresh", AccessToken: "old-access", ExpiresAt: time.Now().Add(time.Minute).UnixMilli()}
	if err := store.add("acct-1", soonToExpire); err != nil {
		t.Fatalf("add: %v", err)
	}

	m := newMetrics()
	p := newPool(store, newTokenClient(tokenSrv.URL, http.DefaultTransport), time.Hour, m)
	p.addAccount("acct-1")

	audit, err := newAuditLog(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("newAuditLog: %v", err)
	}
	defer audit.Close()

	r := newBackgroundRefresher(p, store, newTokenClient(tokenSrv.URL, http.DefaultTransport), audit, m, time.Hour, 15*time.Minute)
	r.cycle()

	got, err := store.get("acct-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.AccessToken != "refreshed-access" {
		t.Fatalf("got access token %q", got.AccessToken)
	}
	if m.tokenRefreshes["success"] != 1 {
		t.Fatalf("expected one success metric, got %d", m.tokenRefreshes["success"])
	}
}

func TestBackgroundRefresherSkipsFarFromExpiry(t *testing.T) {
	var called bool
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"x","refresh_token":"y","expires_in":3600}`))
	}))
	defer tokenSrv.Close()

	path := filepath.Join(t.TempDir(), "credentials.json")
	store, err := loadCredentialStore(path)
	if err != nil {
		t.Fatalf("loadCredentialStore: %v", err)
	}
	farFromExpiry := Credential{Kind: "oauth", RefreshToken: "r", AccessToken: "a", ExpiresAt: time.Now().Add(2 * time.Hour).UnixMilli()}
	if err := store.add("acct-1", farFromExpiry); err != nil {
		t.Fatalf("add: %v", err)
	}

	m := newMetrics()
	p := newPool(store, newTokenClient(tokenSrv.URL, http.DefaultTransport), time.Hour, m)
	p.addAccount("acct-1")
	audit, err := newAuditLog(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("newAuditLog: %v", err)
	}
	defer audit.Close()

	r := newBackgroundRefresher(p, store, newTokenClient(tokenSrv.URL, http.DefaultTransport), audit, m, time.Hour, 15*time.Minute)
	r.cycle()

	if called {
		t.Fatalf("expected refresher to skip an account far from expiry")
	}
}

func TestBackgroundRefresherDisablesOnInvalidCredentials(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer tokenSrv.Close()

	path := filepath.Join(t.TempDir(), "credentials.json")
	store, err := loadCredentialStore(path)
	if err != nil {
		t.Fatalf("loadCredentialStore: %v", err)
	}
	soonToExpire := Credential{Kind: "oauth", RefreshToken: "r", AccessToken: "a", ExpiresAt: time.Now().Add(time.Minute).UnixMilli()}
	if err := store.add("acct-1", soonToExpire); err != nil {
		t.Fatalf("add: %v", err)
	}

	m := newMetrics()
	p := newPool(store, newTokenClient(tokenSrv.URL, http.DefaultTransport), time.Hour, m)
	p.addAccount("acct-1")
	audit, err := newAuditLog(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("newAuditLog: %v", err)
	}
	defer audit.Close()

	r := newBackgroundRefresher(p, store, newTokenClient(tokenSrv.URL, http.DefaultTransport), audit, m, time.Hour, 15*time.Minute)
	r.cycle()

	health := p.health()
	for _, row := range health.Accounts {
		if row.ID == "acct-1" && row.Status != StatusDisabled {
			t.Fatalf("expected acct-1 disabled after invalid_grant, got %s", row.Status)
		}
	}
	entries, err := audit.recent("acct-1", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(entries) != 1 || entries[0].Outcome != "disabled" {
		t.Fatalf("expected one disabled audit entry, got %+v", entries)
	}
}
