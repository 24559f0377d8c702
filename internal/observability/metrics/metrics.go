// Package metrics collects orchestrator counters and exposes them in the
// Prometheus text exposition format on a standalone /metrics endpoint.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type requestKey struct {
	handler string
	method  string
	code    string
}

type latencyKey struct {
	handler string
	method  string
}

type executionKey struct {
	state string
}

type policyKey struct {
	layer string
	rule  string
}

type transactionKey struct {
	chain  string
	result string
}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

type collector struct {
	mu           sync.Mutex
	requests     map[requestKey]uint64
	latency      map[latencyKey]*histogram
	executions   map[executionKey]uint64
	policyBlocks map[policyKey]uint64
	transactions map[transactionKey]uint64
	nonceResyncs map[string]uint64
	rpcRetries   map[string]uint64
}

var defaultCollector = &collector{
	requests:     make(map[requestKey]uint64),
	latency:      make(map[latencyKey]*histogram),
	executions:   make(map[executionKey]uint64),
	policyBlocks: make(map[policyKey]uint64),
	transactions: make(map[transactionKey]uint64),
	nonceResyncs: make(map[string]uint64),
	rpcRetries:   make(map[string]uint64),
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	defaultCollector.observeHTTP(handler, method, status, duration)
}

// IncExecutionState counts an execution entering the given state.
func IncExecutionState(state string) {
	defaultCollector.inc(func(c *collector) {
		c.executions[executionKey{state: state}]++
	})
}

// IncPolicyBlock counts a blocking policy violation by layer and rule.
func IncPolicyBlock(layer, rule string) {
	defaultCollector.inc(func(c *collector) {
		c.policyBlocks[policyKey{layer: layer, rule: rule}]++
	})
}

// IncTransaction counts a broadcast transaction outcome. The result label is
// one of confirmed, reverted, ambiguous, or failed.
func IncTransaction(chain, result string) {
	defaultCollector.inc(func(c *collector) {
		c.transactions[transactionKey{chain: chain, result: result}]++
	})
}

// IncNonceResync counts a nonce pool resynchronisation against the chain head.
func IncNonceResync(chain string) {
	defaultCollector.inc(func(c *collector) {
		c.nonceResyncs[chain]++
	})
}

// IncRPCRetry counts a retried call against a named RPC dependency.
func IncRPCRetry(dependency string) {
	defaultCollector.inc(func(c *collector) {
		c.rpcRetries[dependency]++
	})
}

func (c *collector) inc(apply func(*collector)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	apply(c)
}

func (c *collector) observeHTTP(handler, method string, status int, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	reqKey := requestKey{handler: handler, method: method, code: strconv.Itoa(status)}
	c.requests[reqKey]++

	latKey := latencyKey{handler: handler, method: method}
	hist := c.latency[latKey]
	if hist == nil {
		hist = newHistogram()
		c.latency[latKey] = hist
	}
	hist.observe(duration.Seconds())
}

func newHistogram() *histogram {
	buckets := []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for idx, bound := range h.buckets {
		if value <= bound {
			for i := idx; i < len(h.counts); i++ {
				h.counts[i]++
			}
			break
		}
	}
	// Values above the last bucket only count towards +Inf via h.count.
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, defaultCollector.render())
	})
}

func (c *collector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var builder strings.Builder
	builder.Grow(2048)

	builder.WriteString("# HELP chainpilot_http_requests_total Total number of HTTP requests processed.\n")
	builder.WriteString("# TYPE chainpilot_http_requests_total counter\n")
	reqKeys := make([]requestKey, 0, len(c.requests))
	for key := range c.requests {
		reqKeys = append(reqKeys, key)
	}
	sort.Slice(reqKeys, func(i, j int) bool {
		if reqKeys[i].handler != reqKeys[j].handler {
			return reqKeys[i].handler < reqKeys[j].handler
		}
		if reqKeys[i].method != reqKeys[j].method {
			return reqKeys[i].method < reqKeys[j].method
		}
		return reqKeys[i].code < reqKeys[j].code
	})
	for _, key := range reqKeys {
		builder.WriteString(fmt.Sprintf("chainpilot_http_requests_total{handler=\"%s\",method=\"%s\",code=\"%s\"} %d\n",
			escape(key.handler), escape(key.method), escape(key.code), c.requests[key]))
	}

	builder.WriteString("# HELP chainpilot_http_request_duration_seconds HTTP request duration in seconds.\n")
	builder.WriteString("# TYPE chainpilot_http_request_duration_seconds histogram\n")
	latKeys := make([]latencyKey, 0, len(c.latency))
	for key := range c.latency {
		latKeys = append(latKeys, key)
	}
	sort.Slice(latKeys, func(i, j int) bool {
		if latKeys[i].handler != latKeys[j].handler {
			return latKeys[i].handler < latKeys[j].handler
		}
		return latKeys[i].method < latKeys[j].method
	})
	for _, key := range latKeys {
		hist := c.latency[key]
		for idx, bound := range hist.buckets {
			builder.WriteString(fmt.Sprintf("chainpilot_http_request_duration_seconds_bucket{handler=\"%s\",method=\"%s\",le=\"%s\"} %d\n",
				escape(key.handler), escape(key.method), formatFloat(bound), hist.counts[idx]))
		}
		builder.WriteString(fmt.Sprintf("chainpilot_http_request_duration_seconds_bucket{handler=\"%s\",method=\"%s\",le=\"+Inf\"} %d\n",
			escape(key.handler), escape(key.method), hist.count))
		builder.WriteString(fmt.Sprintf("chainpilot_http_request_duration_seconds_sum{handler=\"%s\",method=\"%s\"} %s\n",
			escape(key.handler), escape(key.method), formatFloat(hist.sum)))
		builder.WriteString(fmt.Sprintf("chainpilot_http_request_duration_seconds_count{handler=\"%s\",method=\"%s\"} %d\n",
			escape(key.handler), escape(key.method), hist.count))
	}

	builder.WriteString("# HELP chainpilot_executions_total Executions entering each state.\n")
	builder.WriteString("# TYPE chainpilot_executions_total counter\n")
	execKeys := make([]executionKey, 0, len(c.executions))
	for key := range c.executions {
		execKeys = append(execKeys, key)
	}
	sort.Slice(execKeys, func(i, j int) bool { return execKeys[i].state < execKeys[j].state })
	for _, key := range execKeys {
		builder.WriteString(fmt.Sprintf("chainpilot_executions_total{state=\"%s\"} %d\n",
			escape(key.state), c.executions[key]))
	}

	builder.WriteString("# HELP chainpilot_policy_blocks_total Blocking policy violations by layer and rule.\n")
	builder.WriteString("# TYPE chainpilot_policy_blocks_total counter\n")
	polKeys := make([]policyKey, 0, len(c.policyBlocks))
	for key := range c.policyBlocks {
		polKeys = append(polKeys, key)
	}
	sort.Slice(polKeys, func(i, j int) bool {
		if polKeys[i].layer != polKeys[j].layer {
			return polKeys[i].layer < polKeys[j].layer
		}
		return polKeys[i].rule < polKeys[j].rule
	})
	for _, key := range polKeys {
		builder.WriteString(fmt.Sprintf("chainpilot_policy_blocks_total{layer=\"%s\",rule=\"%s\"} %d\n",
			escape(key.layer), escape(key.rule), c.policyBlocks[key]))
	}

	builder.WriteString("# HELP chainpilot_transactions_total Broadcast transactions by chain and outcome.\n")
	builder.WriteString("# TYPE chainpilot_transactions_total counter\n")
	txKeys := make([]transactionKey, 0, len(c.transactions))
	for key := range c.transactions {
		txKeys = append(txKeys, key)
	}
	sort.Slice(txKeys, func(i, j int) bool {
		if txKeys[i].chain != txKeys[j].chain {
			return txKeys[i].chain < txKeys[j].chain
		}
		return txKeys[i].result < txKeys[j].result
	})
	for _, key := range txKeys {
		builder.WriteString(fmt.Sprintf("chainpilot_transactions_total{chain=\"%s\",result=\"%s\"} %d\n",
			escape(key.chain), escape(key.result), c.transactions[key]))
	}

	builder.WriteString("# HELP chainpilot_nonce_resyncs_total Nonce pool resynchronisations per chain.\n")
	builder.WriteString("# TYPE chainpilot_nonce_resyncs_total counter\n")
	chains := make([]string, 0, len(c.nonceResyncs))
	for chain := range c.nonceResyncs {
		chains = append(chains, chain)
	}
	sort.Strings(chains)
	for _, chain := range chains {
		builder.WriteString(fmt.Sprintf("chainpilot_nonce_resyncs_total{chain=\"%s\"} %d\n",
			escape(chain), c.nonceResyncs[chain]))
	}

	builder.WriteString("# HELP chainpilot_rpc_retries_total Retried calls against RPC dependencies.\n")
	builder.WriteString("# TYPE chainpilot_rpc_retries_total counter\n")
	deps := make([]string, 0, len(c.rpcRetries))
	for dep := range c.rpcRetries {
		deps = append(deps, dep)
	}
	sort.Strings(deps)
	for _, dep := range deps {
		builder.WriteString(fmt.Sprintf("chainpilot_rpc_retries_total{dependency=\"%s\"} %d\n",
			escape(dep), c.rpcRetries[dep]))
	}

	return builder.String()
}

func escape(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	value = strings.ReplaceAll(value, "\n", "")
	return value
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
