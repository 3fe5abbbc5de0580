package main

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// pkceSession is the admin surface's transient enrollment state (§3
// PkceState): a verifier plus the instant it was created, keyed by the
// account id reserved for it. Never persisted (§9 Global state).
type pkceSession struct {
	verifier  string
	createdAt time.Time
}

const pkceSessionTTL = 10 * time.Minute

// adminServer implements the five operations of spec.md §4.9. Grounded on
// the teacher's admin_claude.go handlers, generalized from the teacher's
// package-level claudeOAuthSessions global to an owned, mutex-guarded field.
type adminServer struct {
	pool   *pool
	store  *credentialStore
	tokens *tokenClient
	audit  *auditLog

	mu       sync.Mutex
	sessions map[string]*pkceSession
}

func newAdminServer(p *pool, store *credentialStore, tokens *tokenClient, audit *auditLog) *adminServer {
	return &adminServer{
		pool:     p,
		store:    store,
		tokens:   tokens,
		audit:    audit,
		sessions: map[string]*pkceSession{},
	}
}

// ServeHTTP routes the five admin operations. Grounded on the teacher's
// serveClaudeAdmin path-switch (admin_claude.go).
func (a *adminServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/admin/accounts" && r.Method == http.MethodGet:
		a.listAccounts(w, r)
	case r.URL.Path == "/admin/enroll/begin" && r.Method == http.MethodPost:
		a.beginEnrollment(w, r)
	case r.URL.Path == "/admin/enroll/complete" && r.Method == http.MethodPost:
		a.completeEnrollment(w, r)
	case strings.HasPrefix(r.URL.Path, "/admin/accounts/") && r.Method == http.MethodDelete:
		id := strings.TrimPrefix(r.URL.Path, "/admin/accounts/")
		a.removeAccount(w, r, id)
	case r.URL.Path == "/admin/health" && r.Method == http.MethodGet:
		a.poolHealth(w, r)
	default:
		http.NotFound(w, r)
	}
}

// listAccounts returns identifiers with status; never tokens.
func (a *adminServer) listAccounts(w http.ResponseWriter, r *http.Request) {
	health := a.pool.health()
	respondJSON(w, http.StatusOK, map[string]any{
		"accounts": health.Accounts,
		"totals":   health.Totals,
	})
}

// beginEnrollment generates a verifier, computes its challenge, reserves a
// new account id, and returns the authorization URL (§4.9).
func (a *adminServer) beginEnrollment(w http.ResponseWriter, r *http.Request) {
	verifier, err := generateVerifier()
	if err != nil {
		respondJSON(w, http.StatusInternalServerError, errorBody{Error: errorDetail{
			Type: "proxy_error", Message: "failed to generate PKCE verifier",
		}})
		return
	}
	challenge := computeChallenge(verifier)
	accountID := "claude-max-" + strconv.FormatInt(time.Now().Unix(), 10)

	a.mu.Lock()
	a.evictExpiredLocked()
	a.sessions[accountID] = &pkceSession{verifier: verifier, createdAt: time.Now()}
	a.mu.Unlock()

	authURL := buildAuthorizationURL(accountID, challenge)
	respondJSON(w, http.StatusOK, map[string]any{
		"account_id":        accountID,
		"authorization_url": authURL,
	})
}

// evictExpiredLocked drops sessions older than pkceSessionTTL. Caller must
// hold a.mu.
func (a *adminServer) evictExpiredLocked() {
	now := time.Now()
	for id, sess := range a.sessions {
		if now.Sub(sess.createdAt) > pkceSessionTTL {
			delete(a.sessions, id)
		}
	}
}

type completeEnrollmentRequest struct {
	AccountID string `json:"account_id"`
	Code      string `json:"code"`
}

// completeEnrollment consumes a pending PkceState and exchanges the
// provider-returned "authcode#state" value for a durable credential (§4.9).
func (a *adminServer) completeEnrollment(w http.ResponseWriter, r *http.Request) {
	var req completeEnrollmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, errorBody{Error: errorDetail{
			Type: "invalid_request", Message: "invalid JSON body",
		}})
		return
	}

	a.mu.Lock()
	a.evictExpiredLocked()
	sess, ok := a.sessions[req.AccountID]
	if ok {
		delete(a.sessions, req.AccountID)
	}
	a.mu.Unlock()

	if !ok {
		respondJSON(w, http.StatusBadRequest, errorBody{Error: errorDetail{
			Type: "invalid_request", Message: "no pending enrollment for account_id",
		}})
		return
	}

	authCode, _, found := strings.Cut(req.Code, "#")
	if !found {
		respondJSON(w, http.StatusBadRequest, errorBody{Error: errorDetail{
			Type: "invalid_request", Message: "code must be of the form authcode#state",
		}})
		return
	}

	result, err := a.tokens.exchangeCode(authCode, sess.verifier)
	if err != nil {
		log.Printf("enrollment exchange failed for %s: %v", req.AccountID, err)
		a.audit.record(req.AccountID, "enrolled", "exchange failed: "+err.Error())
		respondJSON(w, http.StatusBadGateway, errorBody{Error: errorDetail{
			Type: "proxy_error", Message: "token exchange failed",
		}})
		return
	}

	now := time.Now()
	cred := Credential{
		Kind:         "oauth",
		RefreshToken: result.RefreshToken,
		AccessToken:  result.AccessToken,
		ExpiresAt:    result.expiresAt(now).UnixMilli(),
	}
	if err := a.store.add(req.AccountID, cred); err != nil {
		respondJSON(w, http.StatusInternalServerError, errorBody{Error: errorDetail{
			Type: "proxy_error", Message: "failed to persist credential",
		}})
		return
	}
	a.pool.addAccount(req.AccountID)
	a.audit.record(req.AccountID, "enrolled", "")

	respondJSON(w, http.StatusOK, map[string]any{"account_id": req.AccountID})
}

// removeAccount is idempotent; it removes from both pool and store.
func (a *adminServer) removeAccount(w http.ResponseWriter, r *http.Request, id string) {
	a.pool.removeAccount(id)
	if err := a.store.remove(id); err != nil {
		respondJSON(w, http.StatusInternalServerError, errorBody{Error: errorDetail{
			Type: "proxy_error", Message: err.Error(),
		}})
		return
	}
	a.audit.record(id, "removed", "")
	respondJSON(w, http.StatusOK, map[string]any{"account_id": id, "removed": true})
}

// poolHealth returns the pool's aggregated health snapshot.
func (a *adminServer) poolHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, a.pool.health())
}
