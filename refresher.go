package main

import (
	"context"
	"log"
	"time"
)

// backgroundRefresher proactively refreshes credentials whose expiry falls
// within refreshThreshold, on a refreshInterval cadence. Grounded on the
// teacher's usage poller (usage_tracking.go, startUsagePoller): a
// time.Ticker loop that iterates every pool account each cycle and exits
// promptly on context cancellation.
type backgroundRefresher struct {
	pool      *pool
	store     *credentialStore
	tokens    *tokenClient
	audit     *auditLog
	metrics   *metrics
	interval  time.Duration
	threshold time.Duration
}

func newBackgroundRefresher(p *pool, store *credentialStore, tokens *tokenClient, audit *auditLog, m *metrics, interval, threshold time.Duration) *backgroundRefresher {
	return &backgroundRefresher{
		pool:      p,
		store:     store,
		tokens:    tokens,
		audit:     audit,
		metrics:   m,
		interval:  interval,
		threshold: threshold,
	}
}

// run blocks until ctx is cancelled, firing a refresh cycle every interval.
func (r *backgroundRefresher) run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.cycle()
			r.syncAccountStatus()
		}
	}
}

// cycle visits every account the pool currently tracks, in whatever order
// the pool hands back (ordering is unspecified but complete — no account is
// skipped within a cycle, satisfying the no-starvation requirement).
func (r *backgroundRefresher) cycle() {
	for _, id := range r.pool.snapshotIDs() {
		r.refreshOne(id)
	}
}

func (r *backgroundRefresher) refreshOne(id string) {
	cred, err := r.store.get(id)
	if err != nil {
		return
	}
	now := time.Now()
	if cred.expiresAt().Sub(now) > r.threshold {
		return
	}

	result, err := r.tokens.refresh(cred.RefreshToken)
	if err != nil {
		if tokErr, ok := err.(*TokenError); ok && tokErr.Kind == TokenErrorInvalidCredentials {
			r.pool.reportError(id, ClassificationPermanent)
			r.audit.record(id, "disabled", "refresh rejected: invalid credentials")
			r.metrics.recordTokenRefresh("invalid_credentials")
			return
		}
		log.Printf("background refresh failed for %s: %v", id, err)
		r.audit.record(id, "retry", err.Error())
		r.metrics.recordTokenRefresh("error")
		return
	}

	newCred := Credential{
		Kind:         "oauth",
		RefreshToken: cred.RefreshToken,
		AccessToken:  result.AccessToken,
		ExpiresAt:    result.expiresAt(now).UnixMilli(),
	}
	if result.RefreshToken != "" {
		newCred.RefreshToken = result.RefreshToken
	}
	if err := r.store.update(id, newCred); err != nil {
		log.Printf("background refresh: failed to persist %s: %v", id, err)
		return
	}
	log.Printf("background refresh succeeded for %s", id)
	r.audit.record(id, "refreshed", "")
	r.metrics.recordTokenRefresh("success")
}

// syncAccountStatus publishes the pool's current per-account status to the
// metrics gauge; called on the same cadence as refresh cycles.
func (r *backgroundRefresher) syncAccountStatus() {
	for _, row := range r.pool.health().Accounts {
		r.metrics.setAccountStatus(row.ID, row.Status)
	}
}
