package main

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"
)

// histogramBuckets are the fixed boundaries spec.md §6 requires for the
// request duration histogram, in seconds.
var histogramBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// histogram is a minimal cumulative-bucket Prometheus histogram, hand
// rolled like the rest of this exposition (no client_golang in the pack).
type histogram struct {
	counts []int64 // counts[i] = observations <= histogramBuckets[i]
	inf    int64
	sum    float64
	n      int64
}

func newHistogram() *histogram {
	return &histogram{counts: make([]int64, len(histogramBuckets))}
}

func (h *histogram) observe(seconds float64) {
	h.sum += seconds
	h.n++
	for i, b := range histogramBuckets {
		if seconds <= b {
			h.counts[i]++
		}
	}
	h.inf++
}

// metrics is the hand-rolled Prometheus text-exposition collector.
// Grounded on the teacher's metrics (metrics.go), extended with the
// histogram, upstream-error, and pool-specific series spec.md §6 requires.
type metrics struct {
	mu sync.Mutex

	requestTotal     map[[2]string]int64   // {status, method} -> count
	durationByStatus map[string]*histogram // status -> histogram

	upstreamErrors map[string]int64 // kind -> count

	failovers        int64
	tokenRefreshes   map[string]int64 // result -> count
	quotaExhaustions int64
	accountStatus    map[string]AccountStatusKind
}

func newMetrics() *metrics {
	return &metrics{
		requestTotal:     make(map[[2]string]int64),
		durationByStatus: make(map[string]*histogram),
		upstreamErrors:   make(map[string]int64),
		tokenRefreshes:   make(map[string]int64),
		accountStatus:    make(map[string]AccountStatusKind),
	}
}

func (m *metrics) recordRequest(status int, method string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	statusStr := strconv.Itoa(status)
	m.requestTotal[[2]string{statusStr, method}]++
	h, ok := m.durationByStatus[statusStr]
	if !ok {
		h = newHistogram()
		m.durationByStatus[statusStr] = h
	}
	h.observe(d.Seconds())
}

func (m *metrics) recordUpstreamError(kind string) {
	m.mu.Lock()
	m.upstreamErrors[kind]++
	m.mu.Unlock()
}

func (m *metrics) incFailover() {
	m.mu.Lock()
	m.failovers++
	m.mu.Unlock()
}

func (m *metrics) recordTokenRefresh(result string) {
	m.mu.Lock()
	m.tokenRefreshes[result]++
	m.mu.Unlock()
}

func (m *metrics) incQuotaExhaustion() {
	m.mu.Lock()
	m.quotaExhaustions++
	m.mu.Unlock()
}

func (m *metrics) setAccountStatus(id string, status AccountStatusKind) {
	m.mu.Lock()
	m.accountStatus[id] = status
	m.mu.Unlock()
}

// serve renders the Prometheus text exposition format.
func (m *metrics) serve(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	m.mu.Lock()
	defer m.mu.Unlock()

	fmt.Fprintln(w, "# TYPE oauth_gateway_requests_total counter")
	for _, key := range sortedPairKeys(m.requestTotal) {
		fmt.Fprintf(w, "oauth_gateway_requests_total{status=\"%s\",method=\"%s\"} %d\n", key[0], key[1], m.requestTotal[key])
	}

	fmt.Fprintln(w, "# TYPE oauth_gateway_request_duration_seconds histogram")
	for _, status := range sortedKeys(m.durationByStatus) {
		h := m.durationByStatus[status]
		for i, b := range histogramBuckets {
			fmt.Fprintf(w, "oauth_gateway_request_duration_seconds_bucket{status=\"%s\",le=\"%s\"} %d\n", status, formatBucket(b), h.counts[i])
		}
		fmt.Fprintf(w, "oauth_gateway_request_duration_seconds_bucket{status=\"%s\",le=\"+Inf\"} %d\n", status, h.inf)
		fmt.Fprintf(w, "oauth_gateway_request_duration_seconds_sum{status=\"%s\"} %g\n", status, h.sum)
		fmt.Fprintf(w, "oauth_gateway_request_duration_seconds_count{status=\"%s\"} %d\n", status, h.n)
	}

	fmt.Fprintln(w, "# TYPE oauth_gateway_upstream_errors_total counter")
	for _, kind := range sortedStringKeys(m.upstreamErrors) {
		fmt.Fprintf(w, "oauth_gateway_upstream_errors_total{kind=\"%s\"} %d\n", kind, m.upstreamErrors[kind])
	}

	fmt.Fprintln(w, "# TYPE oauth_gateway_pool_failovers_total counter")
	fmt.Fprintf(w, "oauth_gateway_pool_failovers_total %d\n", m.failovers)

	fmt.Fprintln(w, "# TYPE oauth_gateway_token_refreshes_total counter")
	for _, result := range sortedStringKeys(m.tokenRefreshes) {
		fmt.Fprintf(w, "oauth_gateway_token_refreshes_total{result=\"%s\"} %d\n", result, m.tokenRefreshes[result])
	}

	fmt.Fprintln(w, "# TYPE oauth_gateway_quota_exhaustions_total counter")
	fmt.Fprintf(w, "oauth_gateway_quota_exhaustions_total %d\n", m.quotaExhaustions)

	fmt.Fprintln(w, "# TYPE oauth_gateway_account_status gauge")
	for _, id := range sortedAccountKeys(m.accountStatus) {
		fmt.Fprintf(w, "oauth_gateway_account_status{account=\"%s\",status=\"%s\"} 1\n", id, m.accountStatus[id])
	}
}

func formatBucket(b float64) string {
	return strconv.FormatFloat(b, 'g', -1, 64)
}

func sortedPairKeys(m map[[2]string]int64) [][2]string {
	keys := make([][2]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i][0] != keys[j][0] {
			return keys[i][0] < keys[j][0]
		}
		return keys[i][1] < keys[j][1]
	})
	return keys
}

func sortedKeys(m map[string]*histogram) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedStringKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedAccountKeys(m map[string]AccountStatusKind) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
