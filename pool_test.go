package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestPool(t *testing.T, ids ...string) (*pool, *credentialStore) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "credentials.json")
	store, err := loadCredentialStore(path)
	if err != nil {
		t.Fatalf("loadCredentialStore: %v", err)
	}
	now := time.Now()
	for _, id := range ids {
		cred := Credential{
			Kind:         "oauth",
			RefreshToken: "refresh-" + id,
			AccessToken:  "access-" + id,
			ExpiresAt:    now.Add(time.Hour).UnixMilli(),
		}
		if err := store.add(id, cred); err != nil {
			t.Fatalf("add %s: %v", id, err)
		}
	}
	p := newPool(store, newTokenClient("http://unused.invalid", nil), time.Hour, newMetrics())
	for _, id := range ids {
		p.addAccount(id)
	}
	return p, store
}

func TestSelectAccountRoundRobin(t *testing.T) {
	p, _ := newTestPool(t, "a1", "a2", "a3")
	now := time.Now()

	seen := map[string]int{}
	for i := 0; i < 6; i++ {
		sel, err := p.selectAccount(now)
		if err != nil {
			t.Fatalf("selectAccount: %v", err)
		}
		seen[sel.ID]++
	}
	for _, id := range []string{"a1", "a2", "a3"} {
		if seen[id] != 2 {
			t.Fatalf("expected each account selected twice over 6 calls, got %v", seen)
		}
	}
}

func TestSelectAccountSkipsCoolingDown(t *testing.T) {
	p, _ := newTestPool(t, "a1", "a2")
	now := time.Now()
	p.reportError("a1", ClassificationQuotaExceeded)

	for i := 0; i < 3; i++ {
		sel, err := p.selectAccount(now)
		if err != nil {
			t.Fatalf("selectAccount: %v", err)
		}
		if sel.ID != "a2" {
			t.Fatalf("expected only a2 to be selectable while a1 cools down, got %s", sel.ID)
		}
	}
}

func TestSelectAccountRecoversAfterCooldownExpiry(t *testing.T) {
	p, _ := newTestPool(t, "a1")
	now := time.Now()
	p.reportError("a1", ClassificationQuotaExceeded)

	if _, err := p.selectAccount(now); err == nil {
		t.Fatalf("expected pool exhausted while cooling down")
	}

	later := now.Add(p.cooldown + time.Second)
	sel, err := p.selectAccount(later)
	if err != nil {
		t.Fatalf("expected account recovered after cooldown expiry: %v", err)
	}
	if sel.ID != "a1" {
		t.Fatalf("expected a1, got %s", sel.ID)
	}
}

func TestSelectAccountPermanentDisableIsSticky(t *testing.T) {
	p, _ := newTestPool(t, "a1", "a2")
	p.reportError("a1", ClassificationPermanent)
	now := time.Now()

	for i := 0; i < 4; i++ {
		sel, err := p.selectAccount(now)
		if err != nil {
			t.Fatalf("selectAccount: %v", err)
		}
		if sel.ID != "a2" {
			t.Fatalf("expected disabled a1 never selected, got %s", sel.ID)
		}
	}
}

func TestSelectAccountExhaustedReturnsTotals(t *testing.T) {
	p, _ := newTestPool(t, "a1", "a2")
	p.reportError("a1", ClassificationPermanent)
	p.reportError("a2", ClassificationPermanent)

	_, err := p.selectAccount(time.Now())
	exhausted, ok := err.(*PoolExhaustedError)
	if !ok {
		t.Fatalf("expected *PoolExhaustedError, got %T (%v)", err, err)
	}
	if exhausted.Totals.AccountsTotal != 2 || exhausted.Totals.Disabled != 2 {
		t.Fatalf("unexpected totals: %+v", exhausted.Totals)
	}
}

func TestSelectAccountEmptyPool(t *testing.T) {
	p, _ := newTestPool(t)
	if _, err := p.selectAccount(time.Now()); err == nil {
		t.Fatalf("expected error selecting from empty pool")
	}
}

func TestSelectAccountDisablesEntryRemovedFromStore(t *testing.T) {
	p, store := newTestPool(t, "a1", "a2")
	if err := store.remove("a1"); err != nil {
		t.Fatalf("remove: %v", err)
	}

	sel, err := p.selectAccount(time.Now())
	if err != nil {
		t.Fatalf("selectAccount: %v", err)
	}
	if sel.ID != "a2" {
		t.Fatalf("expected a2 after a1 dropped from store, got %s", sel.ID)
	}

	health := p.health()
	for _, row := range health.Accounts {
		if row.ID == "a1" && row.Status != StatusDisabled {
			t.Fatalf("expected a1 marked disabled after store removal, got %s", row.Status)
		}
	}
}

func TestAddAccountIsIdempotent(t *testing.T) {
	p, _ := newTestPool(t, "a1")
	p.addAccount("a1")
	if p.size() != 1 {
		t.Fatalf("expected size 1 after duplicate add, got %d", p.size())
	}
}

func TestRemoveAccountDropsFromRotation(t *testing.T) {
	p, _ := newTestPool(t, "a1", "a2")
	p.removeAccount("a1")
	if p.size() != 1 {
		t.Fatalf("expected size 1 after remove, got %d", p.size())
	}
	sel, err := p.selectAccount(time.Now())
	if err != nil {
		t.Fatalf("selectAccount: %v", err)
	}
	if sel.ID != "a2" {
		t.Fatalf("expected a2, got %s", sel.ID)
	}
}

func TestHealthRollupTotals(t *testing.T) {
	p, _ := newTestPool(t, "a1", "a2", "a3")
	p.reportError("a1", ClassificationQuotaExceeded)
	p.reportError("a2", ClassificationPermanent)

	totals := p.health().Totals
	if totals.AccountsTotal != 3 || totals.Available != 1 || totals.CoolingDown != 1 || totals.Disabled != 1 {
		t.Fatalf("unexpected totals: %+v", totals)
	}
}

func TestCredentialStorePersistsAcrossReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	store, err := loadCredentialStore(path)
	if err != nil {
		t.Fatalf("loadCredentialStore: %v", err)
	}
	cred := Credential{Kind: "oauth", RefreshToken: "r1", AccessToken: "a1", ExpiresAt: time.Now().Add(time.Hour).UnixMilli()}
	if err := store.add("acct-1", cred); err != nil {
		t.Fatalf("add: %v", err)
	}

	reloaded, err := loadCredentialStore(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	got, err := reloaded.get("acct-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.AccessToken != "a1" || got.RefreshToken != "r1" {
		t.Fatalf("unexpected reloaded credential: %+v", got)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600 permissions, got %v", info.Mode().Perm())
	}
}

func TestCredentialStoreRejectsMalformedEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	if err := os.WriteFile(path, []byte(`{"acct-1":{"type":"oauth","refresh":"","access":"a","expires":1}}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := loadCredentialStore(path); err == nil {
		t.Fatalf("expected error loading credential with empty refresh token")
	}
}
