package main

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// tokenResult is the (access_token, refresh_token, expires_in_seconds)
// triple both grant types return.
type tokenResult struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64
}

func (t tokenResult) expiresAt(now time.Time) time.Time {
	return now.Add(time.Duration(t.ExpiresIn) * time.Second)
}

// tokenClient performs authorization_code and refresh_token grants against
// the provider's token endpoint. Grounded on the teacher's
// ClaudeExchange/ClaudeRefresh (claude_auth.go), generalized into the typed
// TokenError taxonomy the spec requires and switched to form-encoded bodies
// per the wire contract in spec.md §4.3.
type tokenClient struct {
	endpoint string
	client   *http.Client
}

func newTokenClient(endpoint string, transport http.RoundTripper) *tokenClient {
	return &tokenClient{
		endpoint: endpoint,
		client:   &http.Client{Transport: transport},
	}
}

func (c *tokenClient) exchangeCode(code, verifier string) (tokenResult, error) {
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {oauthClientID},
		"code":          {code},
		"redirect_uri":  {oauthRedirectURI},
		"code_verifier": {verifier},
	}
	return c.post(form)
}

func (c *tokenClient) refresh(refreshToken string) (tokenResult, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {oauthClientID},
		"refresh_token": {refreshToken},
	}
	return c.post(form)
}

func (c *tokenClient) post(form url.Values) (tokenResult, error) {
	req, err := http.NewRequest(http.MethodPost, c.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return tokenResult{}, newHTTPError(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return tokenResult{}, newHTTPError(err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	switch resp.StatusCode {
	case http.StatusOK:
		return parseTokenResponse(body)
	case http.StatusUnauthorized, http.StatusForbidden:
		return tokenResult{}, newInvalidCredentialsError(string(body))
	default:
		return tokenResult{}, newTokenExchangeError(resp.Status, string(body))
	}
}

func parseTokenResponse(body []byte) (tokenResult, error) {
	var raw struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    any    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return tokenResult{}, newTokenExchangeError("200 OK", "malformed token response: "+err.Error())
	}
	var expiresIn int64
	switch v := raw.ExpiresIn.(type) {
	case float64:
		expiresIn = int64(v)
	case string:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			expiresIn = n
		}
	}
	return tokenResult{
		AccessToken:  raw.AccessToken,
		RefreshToken: raw.RefreshToken,
		ExpiresIn:    expiresIn,
	}, nil
}
