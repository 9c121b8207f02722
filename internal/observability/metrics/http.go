// Package metrics 以 Prometheus 文本格式导出 HTTP 请求与兑换会话指标。
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type routeKey struct {
	route  string
	method string
}

type requestKey struct {
	routeKey
	code string
}

// latencyBuckets 覆盖从普通查询到同步执行（等待链上确认）的耗时。
var latencyBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 180}

type histogram struct {
	counts []uint64
	sum    float64
	count  uint64
}

func (h *histogram) observe(seconds float64) {
	h.count++
	h.sum += seconds
	for i, bound := range latencyBuckets {
		if seconds <= bound {
			h.counts[i]++
		}
	}
}

type httpCollector struct {
	mu       sync.Mutex
	requests map[requestKey]uint64
	failures map[routeKey]uint64
	latency  map[routeKey]*histogram
}

var httpMetrics = newHTTPCollector()

func newHTTPCollector() *httpCollector {
	return &httpCollector{
		requests: make(map[requestKey]uint64),
		failures: make(map[routeKey]uint64),
		latency:  make(map[routeKey]*histogram),
	}
}

// ObserveHTTPRequest 记录一次请求。route 应为路由模式而非原始路径，避免会话 ID 撑爆标签基数。
func ObserveHTTPRequest(route, method string, status int, duration time.Duration) {
	httpMetrics.observe(route, method, status, duration)
}

func (c *httpCollector) observe(route, method string, status int, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rk := routeKey{route: route, method: method}
	c.requests[requestKey{routeKey: rk, code: strconv.Itoa(status)}]++
	if status >= http.StatusInternalServerError {
		c.failures[rk]++
	}
	hist := c.latency[rk]
	if hist == nil {
		hist = &histogram{counts: make([]uint64, len(latencyBuckets))}
		c.latency[rk] = hist
	}
	hist.observe(duration.Seconds())
}

func (c *httpCollector) writeTo(b *strings.Builder) {
	c.mu.Lock()
	defer c.mu.Unlock()

	reqKeys := make([]requestKey, 0, len(c.requests))
	for k := range c.requests {
		reqKeys = append(reqKeys, k)
	}
	sort.Slice(reqKeys, func(i, j int) bool {
		if reqKeys[i].routeKey != reqKeys[j].routeKey {
			return reqKeys[i].routeKey.less(reqKeys[j].routeKey)
		}
		return reqKeys[i].code < reqKeys[j].code
	})

	writeHeader(b, "openswap_http_requests_total", "counter", "Total number of HTTP requests processed.")
	for _, k := range reqKeys {
		fmt.Fprintf(b, "openswap_http_requests_total{route=\"%s\",method=\"%s\",code=\"%s\"} %d\n",
			escape(k.route), escape(k.method), k.code, c.requests[k])
	}

	writeHeader(b, "openswap_http_request_errors_total", "counter", "HTTP requests that ended with a server error.")
	for _, k := range sortedRoutes(c.failures) {
		fmt.Fprintf(b, "openswap_http_request_errors_total{route=\"%s\",method=\"%s\"} %d\n",
			escape(k.route), escape(k.method), c.failures[k])
	}

	writeHeader(b, "openswap_http_request_duration_seconds", "histogram", "HTTP request duration in seconds.")
	for _, k := range sortedRoutes(c.latency) {
		hist := c.latency[k]
		labels := fmt.Sprintf("route=\"%s\",method=\"%s\"", escape(k.route), escape(k.method))
		for i, bound := range latencyBuckets {
			fmt.Fprintf(b, "openswap_http_request_duration_seconds_bucket{%s,le=\"%s\"} %d\n", labels, formatFloat(bound), hist.counts[i])
		}
		fmt.Fprintf(b, "openswap_http_request_duration_seconds_bucket{%s,le=\"+Inf\"} %d\n", labels, hist.count)
		fmt.Fprintf(b, "openswap_http_request_duration_seconds_sum{%s} %s\n", labels, formatFloat(hist.sum))
		fmt.Fprintf(b, "openswap_http_request_duration_seconds_count{%s} %d\n", labels, hist.count)
	}
}

func (k routeKey) less(o routeKey) bool {
	if k.route == o.route {
		return k.method < o.method
	}
	return k.route < o.route
}

func sortedRoutes[V any](m map[routeKey]V) []routeKey {
	keys := make([]routeKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].less(keys[j]) })
	return keys
}

// Middleware 包装处理器并记录请求指标，route 通常取 ServeMux 的匹配模式。
func Middleware(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		ObserveHTTPRequest(route, r.Method, sw.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func writeHeader(b *strings.Builder, name, kind, help string) {
	fmt.Fprintf(b, "# HELP %s %s\n# TYPE %s %s\n", name, help, name, kind)
}

func escape(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	return strings.ReplaceAll(value, "\n", "")
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}
