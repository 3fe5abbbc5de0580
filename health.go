package main

import (
	"net/http"
	"time"
)

// healthRollup is the overall status derived from pool state (§6).
type healthRollup string

const (
	healthHealthy   healthRollup = "healthy"
	healthDegraded  healthRollup = "degraded"
	healthUnhealthy healthRollup = "unhealthy"
)

// healthService backs /healthz. Grounded on the teacher's serveHealth
// (handlers.go), extended with the healthy/degraded/unhealthy rollup §6
// requires.
type healthService struct {
	pool      *pool
	startTime time.Time
}

func newHealthService(p *pool) *healthService {
	return &healthService{pool: p, startTime: time.Now()}
}

func (h *healthService) serve(w http.ResponseWriter, r *http.Request) {
	snapshot := h.pool.health()
	status := rollup(snapshot.Totals)
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         status,
		"uptime_seconds": int(time.Since(h.startTime).Seconds()),
		"totals":         snapshot.Totals,
		"accounts":       snapshot.Accounts,
	})
}

func rollup(t PoolTotals) healthRollup {
	switch {
	case t.AccountsTotal == 0 || t.Available == 0:
		return healthUnhealthy
	case t.Available < t.AccountsTotal:
		return healthDegraded
	default:
		return healthHealthy
	}
}
