package main

import (
	"sync"
	"sync/atomic"
	"time"
)

// AccountStatusKind is the pool's per-account state: Available,
// CoolingDown, or Disabled (spec.md §3, AccountStatus).
type AccountStatusKind string

const (
	StatusAvailable   AccountStatusKind = "available"
	StatusCoolingDown AccountStatusKind = "cooling_down"
	StatusDisabled    AccountStatusKind = "disabled"
)

// AccountStatus tags an account's current state; Until is only meaningful
// when Kind is StatusCoolingDown.
type AccountStatus struct {
	Kind  AccountStatusKind
	Until time.Time
}

// Selected is the result of a successful pool selection.
type Selected struct {
	ID          string
	AccessToken string
}

// PoolTotals is an aggregate count of accounts by status.
type PoolTotals struct {
	AccountsTotal int `json:"accounts_total"`
	Available     int `json:"available"`
	CoolingDown   int `json:"cooling_down"`
	Disabled      int `json:"disabled"`
}

// PoolExhaustedError indicates no account was selectable on a select() call.
type PoolExhaustedError struct {
	Totals PoolTotals
}

func (e *PoolExhaustedError) Error() string { return "pool exhausted" }

// Classification is the outcome of classifying an upstream (or token
// endpoint) response, fed back into the pool by report_error.
type Classification string

const (
	ClassificationTransient     Classification = "transient"
	ClassificationQuotaExceeded Classification = "quota_exceeded"
	ClassificationPermanent     Classification = "permanent"
)

// AccountHealth is one row of the pool's health snapshot (§4.4.4).
type AccountHealth struct {
	ID                   string            `json:"id"`
	Status               AccountStatusKind `json:"status"`
	CooldownRemainingSec int64             `json:"cooldown_remaining_secs,omitempty"`
}

// PoolHealth is the aggregated health view returned by health().
type PoolHealth struct {
	Totals   PoolTotals      `json:"totals"`
	Accounts []AccountHealth `json:"accounts"`
}

// pool is the in-memory state machine over account identifiers: insertion
// order, per-account status, and a round-robin cursor. Grounded on the
// teacher's poolState (pool.go); the teacher's usage-weighted scoring is
// dropped in favor of spec.md's strict round robin (see DESIGN.md).
type pool struct {
	mu       sync.RWMutex
	ids      []string
	status   map[string]AccountStatus
	cursor   uint64
	store    *credentialStore
	tokens   *tokenClient
	cooldown time.Duration
	metrics  *metrics
}

func newPool(store *credentialStore, tokens *tokenClient, cooldown time.Duration, m *metrics) *pool {
	return &pool{
		ids:      nil,
		status:   map[string]AccountStatus{},
		store:    store,
		tokens:   tokens,
		cooldown: cooldown,
		metrics:  m,
	}
}

// addAccount is idempotent: if id is already present, it does nothing;
// otherwise it is appended and initialized to Available.
func (p *pool) addAccount(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.status[id]; ok {
		return
	}
	p.ids = append(p.ids, id)
	p.status[id] = AccountStatus{Kind: StatusAvailable}
}

// removeAccount drops id from the vector and status map; idempotent.
func (p *pool) removeAccount(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.status[id]; !ok {
		return
	}
	delete(p.status, id)
	for i, existing := range p.ids {
		if existing == id {
			p.ids = append(p.ids[:i], p.ids[i+1:]...)
			break
		}
	}
}

// size returns the number of accounts currently tracked by the pool
// (available, cooling down, or disabled).
func (p *pool) size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.ids)
}

// snapshotIDs returns a copy of the tracked account ids, insertion order.
func (p *pool) snapshotIDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, len(p.ids))
	copy(out, p.ids)
	return out
}

// selectAccount runs the round-robin selection algorithm of spec.md
// §4.4.1. It is the only pool operation that may itself suspend, via
// inline refresh.
func (p *pool) selectAccount(now time.Time) (Selected, error) {
	p.mu.Lock()
	n := len(p.ids)
	if n == 0 {
		p.mu.Unlock()
		return Selected{}, &PoolExhaustedError{}
	}
	ids := make([]string, n)
	copy(ids, p.ids)
	start := int(atomic.AddUint64(&p.cursor, 1)-1) % n

	for i := 0; i < n; i++ {
		id := ids[(start+i)%n]
		st := p.status[id]

		if st.Kind == StatusCoolingDown && !st.Until.After(now) {
			st = AccountStatus{Kind: StatusAvailable}
			p.status[id] = st
		}
		if !p.store.has(id) {
			st = AccountStatus{Kind: StatusDisabled}
			p.status[id] = st
		}
		if st.Kind != StatusAvailable {
			continue
		}

		cred, getErr := p.store.get(id)
		if getErr != nil {
			p.status[id] = AccountStatus{Kind: StatusDisabled}
			continue
		}
		if cred.expiresAt().Sub(now) < 60*time.Second {
			p.mu.Unlock()
			newCred, refreshed := p.inlineRefresh(id, cred)
			p.mu.Lock()
			if !refreshed {
				p.status[id] = AccountStatus{Kind: StatusDisabled}
				continue
			}
			cred = newCred
		}

		p.mu.Unlock()
		return Selected{ID: id, AccessToken: cred.AccessToken}, nil
	}

	totals := p.totalsLocked()
	p.mu.Unlock()
	return Selected{}, &PoolExhaustedError{Totals: totals}
}

// inlineRefresh performs the request-time refresh described in §4.4.2. On
// failure of any kind the account is disabled for this selection attempt
// only and the caller continues the scan (the spec's "do not return
// failure to the caller of select"); the open design question in spec.md
// §9 about non-401/403 refresh failures is resolved conservatively here,
// matching the teacher's fail-closed posture in main.go's refreshAccount.
func (p *pool) inlineRefresh(id string, cred Credential) (Credential, bool) {
	result, err := p.tokens.refresh(cred.RefreshToken)
	if err != nil {
		if p.metrics != nil {
			p.metrics.recordTokenRefresh("inline_error")
		}
		return Credential{}, false
	}
	now := time.Now()
	newCred := Credential{
		Kind:         "oauth",
		RefreshToken: cred.RefreshToken,
		AccessToken:  result.AccessToken,
		ExpiresAt:    result.expiresAt(now).UnixMilli(),
	}
	if result.RefreshToken != "" {
		newCred.RefreshToken = result.RefreshToken
	}
	if err := p.store.update(id, newCred); err != nil {
		if p.metrics != nil {
			p.metrics.recordTokenRefresh("inline_error")
		}
		return Credential{}, false
	}
	if p.metrics != nil {
		p.metrics.recordTokenRefresh("inline_success")
	}
	return newCred, true
}

// reportError applies the state transition for a classified outcome (§4.4.3).
func (p *pool) reportError(id string, c Classification) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch c {
	case ClassificationTransient:
		// no change
	case ClassificationQuotaExceeded:
		p.status[id] = AccountStatus{Kind: StatusCoolingDown, Until: time.Now().Add(p.cooldown)}
	case ClassificationPermanent:
		p.status[id] = AccountStatus{Kind: StatusDisabled}
	}
}

// health produces the aggregated view of §4.4.4.
func (p *pool) health() PoolHealth {
	p.mu.RLock()
	defer p.mu.RUnlock()
	now := time.Now()
	out := PoolHealth{Totals: p.totalsLocked()}
	for _, id := range p.ids {
		st := p.status[id]
		row := AccountHealth{ID: id, Status: st.Kind}
		if st.Kind == StatusCoolingDown {
			remaining := st.Until.Sub(now)
			if remaining < 0 {
				remaining = 0
			}
			row.CooldownRemainingSec = int64(remaining / time.Second)
		}
		out.Accounts = append(out.Accounts, row)
	}
	return out
}

// totalsLocked computes per-status counts. Caller must hold p.mu (read or write).
func (p *pool) totalsLocked() PoolTotals {
	t := PoolTotals{AccountsTotal: len(p.ids)}
	for _, id := range p.ids {
		switch p.status[id].Kind {
		case StatusAvailable:
			t.Available++
		case StatusCoolingDown:
			t.CoolingDown++
		case StatusDisabled:
			t.Disabled++
		}
	}
	return t
}
