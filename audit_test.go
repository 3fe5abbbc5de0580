package main

import (
	"path/filepath"
	"testing"
)

func TestAuditLogRecentReturnsNewestFirst(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	a, err := newAuditLog(path)
	if err != nil {
		t.Fatalf("newAuditLog: %v", err)
	}
	defer a.Close()

	a.record("acct-1", "enrolled", "")
	a.record("acct-1", "refreshed", "")
	a.record("acct-1", "disabled", "refresh rejected")
	a.record("acct-2", "enrolled", "")

	entries, err := a.recent("acct-1", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	if entries[0].Outcome != "disabled" {
		t.Fatalf("expected newest-first ordering, got %s", entries[0].Outcome)
	}
	if entries[2].Outcome != "enrolled" {
		t.Fatalf("expected oldest last, got %s", entries[2].Outcome)
	}
}

func TestAuditLogRecentRespectsLimit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	a, err := newAuditLog(path)
	if err != nil {
		t.Fatalf("newAuditLog: %v", err)
	}
	defer a.Close()

	for i := 0; i < 5; i++ {
		a.record("acct-1", "refreshed", "")
	}

	entries, err := a.recent("acct-1", 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
}

func TestAuditLogRecentIsolatesByAccountPrefix(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	a, err := newAuditLog(path)
	if err != nil {
		t.Fatalf("newAuditLog: %v", err)
	}
	defer a.Close()

	a.record("acct-1", "enrolled", "")
	a.record("acct-10", "enrolled", "")

	entries, err := a.recent("acct-1", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected prefix scan to not bleed into acct-10, got %d entries", len(entries))
	}
}
