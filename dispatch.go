package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// errorBody is the shape of every client-facing error response (§6).
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Type      string      `json:"type"`
	Message   string      `json:"message"`
	RequestID string      `json:"request_id"`
	Pool      *PoolTotals `json:"pool,omitempty"`
}

// dispatcher drives the provider pipeline against the upstream with
// failover, the shape of the teacher's proxyHandler.proxyRequest / tryOnce
// (main.go), narrowed to this spec's single-provider, classification-driven
// retry decision (§4.7).
type dispatcher struct {
	provider    providerPipeline
	targetBase  *url.URL
	parseErr    error
	transport   http.RoundTripper
	sendTimeout time.Duration
	idleTimeout time.Duration
	sampleLimit int64
	metrics     *metrics
}

func newDispatcher(provider providerPipeline, upstreamURL string, transport http.RoundTripper, sendTimeout, idleTimeout time.Duration, m *metrics) *dispatcher {
	targetBase, err := url.Parse(upstreamURL)
	return &dispatcher{
		provider:    provider,
		targetBase:  targetBase,
		parseErr:    err,
		transport:   transport,
		sendTimeout: sendTimeout,
		idleTimeout: idleTimeout,
		sampleLimit: 65536,
		metrics:     m,
	}
}

// ServeHTTP implements the dispatch loop of spec.md §4.7.
func (d *dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID := randomID()
	start := time.Now()

	bodyBytes, err := readBodyForReplay(r.Body)
	if err != nil {
		d.writeError(w, http.StatusBadRequest, "invalid_request", err.Error(), reqID, nil)
		return
	}

	maxAttempts := d.provider.health().Totals.AccountsTotal
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		headers := cloneHeader(r.Header)
		body := append([]byte(nil), bodyBytes...)

		newBody, accountID, prepErr := d.provider.prepareRequest(time.Now(), headers, body)
		if prepErr != nil {
			if errors.Is(prepErr, ErrInvalidRequest) {
				d.writeError(w, http.StatusBadRequest, "invalid_request", prepErr.Error(), reqID, nil)
				return
			}
			var exhausted *PoolExhaustedError
			if errors.As(prepErr, &exhausted) {
				d.writeExhausted(w, reqID, exhausted.Totals)
				return
			}
			log.Printf("[%s] prepare_request failed: %v", reqID, prepErr)
			d.writeError(w, http.StatusBadGateway, "proxy_error", prepErr.Error(), reqID, nil)
			return
		}

		// The send timer bounds only the connect+send-and-first-byte phase
		// (§5, §9); it is disarmed as soon as send() returns so a live SSE
		// stream is never killed by a wall-clock deadline over the whole
		// request lifecycle.
		ctx, cancel := context.WithCancel(r.Context())
		timer := time.AfterFunc(d.sendTimeout, cancel)
		resp, rtErr := d.send(ctx, r.Method, r.URL.Path, r.URL.RawQuery, headers, newBody)
		timer.Stop()
		if rtErr != nil {
			cancel()
			log.Printf("[%s] attempt %d/%d account=%s transport error: %v", reqID, attempt, maxAttempts, accountID, rtErr)
			d.writeError(w, http.StatusBadGateway, "proxy_error", "upstream request failed", reqID, nil)
			return
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			d.stream(w, resp, cancel)
			d.metrics.recordRequest(resp.StatusCode, r.Method, time.Since(start))
			log.Printf("[%s] done status=%d account=%s duration_ms=%d", reqID, resp.StatusCode, accountID, time.Since(start).Milliseconds())
			return
		}

		sample, bufErr := d.bufferBody(resp)
		cancel()
		if bufErr != nil {
			log.Printf("[%s] attempt %d/%d account=%s: error reading body: %v", reqID, attempt, maxAttempts, accountID, bufErr)
		}
		log.Printf("[%s] attempt %d/%d account=%s got %d from upstream, body: %s", reqID, attempt, maxAttempts, accountID, resp.StatusCode, safeText(sample))
		classification := d.provider.classifyError(resp.StatusCode, sample)

		switch classification {
		case ClassificationQuotaExceeded:
			d.provider.reportError(accountID, classification)
			d.metrics.incFailover()
			d.metrics.incQuotaExhaustion()
			log.Printf("[%s] attempt %d/%d account=%s quota exceeded, failing over", reqID, attempt, maxAttempts, accountID)
			continue
		case ClassificationPermanent:
			d.provider.reportError(accountID, classification)
			d.metrics.recordUpstreamError("permanent")
			d.metrics.recordRequest(resp.StatusCode, r.Method, time.Since(start))
			d.copyUnchanged(w, resp, sample)
			return
		default:
			d.metrics.recordUpstreamError("transient")
			d.metrics.recordRequest(resp.StatusCode, r.Method, time.Since(start))
			d.copyUnchanged(w, resp, sample)
			return
		}
	}

	health := d.provider.health()
	d.writeExhausted(w, reqID, health.Totals)
}

// send performs the upstream HTTP round trip for one attempt, joining the
// configured upstream base with the inbound request's path and query so the
// upstream sees the original route (e.g. /v1/messages) rather than its bare
// base URL.
func (d *dispatcher) send(ctx context.Context, method, path, rawQuery string, headers http.Header, body []byte) (*http.Response, error) {
	if d.parseErr != nil {
		return nil, fmt.Errorf("invalid upstream url: %w", d.parseErr)
	}

	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}

	outURL := *d.targetBase
	outURL.Path = singleJoin(d.targetBase.Path, path)
	outURL.RawQuery = rawQuery

	req, err := http.NewRequestWithContext(ctx, method, outURL.String(), reader)
	if err != nil {
		return nil, err
	}
	req.Header = headers
	req.Host = d.targetBase.Host
	removeHopByHopHeaders(req.Header)
	client := &http.Client{Transport: d.transport}
	return client.Do(req)
}

// bufferBody reads and closes a non-success response body, capped at
// sampleLimit, so classify_error sees reproducible bytes (§4.7).
func (d *dispatcher) bufferBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	var buf bytes.Buffer
	lw := &limitedWriter{w: &buf, n: d.sampleLimit}
	_, err := io.Copy(lw, resp.Body)
	return buf.Bytes(), err
}

// copyUnchanged relays a non-2xx, non-retried upstream response to the
// client verbatim; body was already buffered by bufferBody.
func (d *dispatcher) copyUnchanged(w http.ResponseWriter, resp *http.Response, body []byte) {
	copyHeader(w.Header(), resp.Header)
	removeHopByHopHeaders(w.Header())
	w.Header().Del("Content-Length")
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(body)
}

// stream relays a successful (2xx) response body to the client, wrapping it
// in the idle-timeout reader (§4.8) when the response looks like SSE.
func (d *dispatcher) stream(w http.ResponseWriter, resp *http.Response, cancel context.CancelFunc) {
	defer cancel()
	copyHeader(w.Header(), resp.Header)
	removeHopByHopHeaders(w.Header())
	w.WriteHeader(resp.StatusCode)

	body := io.ReadCloser(resp.Body)
	if isSSE(resp.Header.Get("Content-Type")) {
		body = newIdleTimeoutReader(resp.Body, d.idleTimeout)
	}
	defer body.Close()

	var writer io.Writer = w
	if flusher, ok := w.(http.Flusher); ok {
		writer = &flushWriter{w: w, f: flusher}
	}
	_, _ = io.Copy(writer, body)
}

func isSSE(contentType string) bool {
	return strings.HasPrefix(contentType, "text/event-stream")
}

func (d *dispatcher) writeError(w http.ResponseWriter, status int, kind, message, reqID string, pool *PoolTotals) {
	respondJSON(w, status, errorBody{Error: errorDetail{Type: kind, Message: message, RequestID: reqID, Pool: pool}})
}

func (d *dispatcher) writeExhausted(w http.ResponseWriter, reqID string, totals PoolTotals) {
	d.writeError(w, http.StatusTooManyRequests, "pool_exhausted", "All accounts exhausted", reqID, &totals)
}
