package main

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

// requiredBetaFeatures is the fixed set of anthropic-beta tokens the
// upstream requires for OAuth-authenticated traffic (spec.md §4.6).
var requiredBetaFeatures = []string{
	"oauth-2025-04-20",
	"interleaved-thinking-2025-05-14",
	"context-management-2025-06-27",
}

const systemPromptPrefix = "You are Claude Code, Anthropic's official CLI for Claude."

// quotaPhrases are case-insensitive substrings of a 429 body that indicate
// plan-level exhaustion rather than ordinary rate limiting (spec.md §4.6).
var quotaPhrases = []string{
	"5-hour",
	"rolling window",
	"usage limit for your plan",
	"subscription usage limit",
}

// providerPipeline is the per-request transformation contract of spec.md
// §4.6 and §9's "Polymorphism for provider" note: a tagged variant over two
// concrete providers (OAuth and static-header) is kept instead of open
// dynamic dispatch, since only one provider is ever really implemented.
// Grounded on the teacher's Provider interface (provider.go), narrowed from
// its eleven multi-backend operations to the five this spec calls for.
type providerPipeline interface {
	needsBody() bool
	prepareRequest(now time.Time, headers http.Header, body []byte) (newBody []byte, accountID string, err error)
	classifyError(status int, body []byte) Classification
	reportError(id string, c Classification)
	health() PoolHealth
}

// oauthPipeline is the real, implemented provider: it selects an account
// from the pool, injects Bearer auth, merges the anthropic-beta header
// set, and rewrites the system prompt for credential compliance.
type oauthPipeline struct {
	pool *pool
}

func newOAuthPipeline(p *pool) *oauthPipeline {
	return &oauthPipeline{pool: p}
}

func (o *oauthPipeline) needsBody() bool { return true }

func (o *oauthPipeline) prepareRequest(now time.Time, headers http.Header, body []byte) ([]byte, string, error) {
	sel, err := o.pool.selectAccount(now)
	if err != nil {
		return nil, "", err
	}

	headers.Del("Authorization")
	headers.Del("authorization")
	headers.Set("Authorization", "Bearer "+sel.AccessToken)

	merged := mergeBetaHeader(headers.Get("anthropic-beta"), requiredBetaFeatures)
	headers.Set("anthropic-beta", merged)

	headers.Set("User-Agent", "claude-cli/oauth-gateway")
	headers.Set("anthropic-version", "2023-06-01")
	headers.Set("anthropic-dangerous-direct-browser-access", "true")
	headers.Del("X-Api-Key")
	headers.Del("x-api-key")

	newBody, err := rewriteBody(body)
	if err != nil {
		return nil, "", err
	}
	return newBody, sel.ID, nil
}

// mergeBetaHeader computes the union of the client-supplied comma-separated
// values and the required set, deduplicated while preserving first-seen
// order (spec.md §4.6, invariant §8.7).
func mergeBetaHeader(clientValue string, required []string) string {
	seen := map[string]bool{}
	var out []string
	add := func(tok string) {
		tok = strings.TrimSpace(tok)
		if tok == "" || seen[tok] {
			return
		}
		seen[tok] = true
		out = append(out, tok)
	}
	if clientValue != "" {
		for _, tok := range strings.Split(clientValue, ",") {
			add(tok)
		}
	}
	for _, tok := range required {
		add(tok)
	}
	return strings.Join(out, ",")
}

// rewriteBody implements the body contract of spec.md §4.6: extract model
// (skip entirely if absent), then inject the fixed system prompt prefix.
func rewriteBody(body []byte) ([]byte, error) {
	if len(body) == 0 {
		return body, nil
	}
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, ErrInvalidRequest
	}

	if _, hasModel := obj["model"].(string); !hasModel {
		return body, nil
	}

	switch sys := obj["system"].(type) {
	case nil:
		obj["system"] = systemPromptPrefix
	case string:
		if !strings.HasPrefix(sys, systemPromptPrefix) {
			obj["system"] = systemPromptPrefix + " " + sys
		}
	default:
		// Any other JSON shape (e.g. a structured content-block array) is
		// left untouched; see spec.md §9 open question on non-string system.
	}

	return json.Marshal(obj)
}

// classifyError implements spec.md §4.6's classify_error.
func (o *oauthPipeline) classifyError(status int, body []byte) Classification {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ClassificationPermanent
	case status == http.StatusTooManyRequests:
		if containsQuotaPhrase(body) {
			return ClassificationQuotaExceeded
		}
		return ClassificationTransient
	case status == http.StatusRequestTimeout, status >= 500 && status <= 599:
		return ClassificationTransient
	default:
		return ClassificationTransient
	}
}

func containsQuotaPhrase(body []byte) bool {
	lower := strings.ToLower(string(body))
	for _, phrase := range quotaPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

func (o *oauthPipeline) reportError(id string, c Classification) {
	o.pool.reportError(id, c)
}

func (o *oauthPipeline) health() PoolHealth {
	return o.pool.health()
}

// staticPipeline is the simpler, non-pooled provider kept for backward
// compatibility (spec.md §4.6): it needs no body rewriting and never fails
// over, since it has exactly one (statically configured) credential.
type staticPipeline struct {
	accountID   string
	accessToken string
}

func newStaticPipeline(accountID, accessToken string) *staticPipeline {
	return &staticPipeline{accountID: accountID, accessToken: accessToken}
}

func (s *staticPipeline) needsBody() bool { return false }

func (s *staticPipeline) prepareRequest(now time.Time, headers http.Header, body []byte) ([]byte, string, error) {
	headers.Set("Authorization", "Bearer "+s.accessToken)
	return body, s.accountID, nil
}

func (s *staticPipeline) classifyError(status int, body []byte) Classification {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ClassificationPermanent
	default:
		return ClassificationTransient
	}
}

func (s *staticPipeline) reportError(id string, c Classification) {}

func (s *staticPipeline) health() PoolHealth {
	return PoolHealth{Totals: PoolTotals{AccountsTotal: 1, Available: 1}}
}
