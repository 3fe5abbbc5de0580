package main

import (
	"net/http"
)

// proxyRouter is the main listener's handler: health and metrics bypass the
// concurrency limiter (§6, "health/metrics are not subject to it"), every
// other path goes through the dispatch loop.
type proxyRouter struct {
	dispatcher *dispatcher
	metrics    *metrics
	health     *healthService
	limiter    chan struct{}
}

func newProxyRouter(d *dispatcher, m *metrics, h *healthService, concurrency int) *proxyRouter {
	var limiter chan struct{}
	if concurrency > 0 {
		limiter = make(chan struct{}, concurrency)
	}
	return &proxyRouter{dispatcher: d, metrics: m, health: h, limiter: limiter}
}

func (p *proxyRouter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/healthz":
		p.health.serve(w, r)
		return
	case "/metrics":
		p.metrics.serve(w, r)
		return
	}

	if p.limiter != nil {
		select {
		case p.limiter <- struct{}{}:
			defer func() { <-p.limiter }()
		default:
			respondJSON(w, http.StatusServiceUnavailable, errorBody{Error: errorDetail{
				Type: "proxy_error", Message: "concurrency limit reached",
			}})
			return
		}
	}

	p.dispatcher.ServeHTTP(w, r)
}
