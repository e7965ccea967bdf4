// Package telemetry records request and turn metrics, exposed in the
// Prometheus text format, and sets up OpenTelemetry tracing.
package telemetry

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
)

// DurationBuckets suit both HTTP requests and model calls, which take seconds.
var DurationBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120}

// histogram keeps non-cumulative bucket counts; cumulative counts are
// computed at export time.
type histogram struct {
	boundaries   []float64
	bucketCounts []int64
	count        int64
	sum          uint64 // math.Float64bits for atomic add
	mu           sync.Mutex
}

func newHistogram(boundaries []float64) *histogram {
	return &histogram{boundaries: boundaries, bucketCounts: make([]int64, len(boundaries))}
}

func (h *histogram) observe(v float64) {
	atomic.AddInt64(&h.count, 1)
	atomicAddFloat64(&h.sum, v)

	h.mu.Lock()
	defer h.mu.Unlock()
	for i, b := range h.boundaries {
		if v <= b {
			h.bucketCounts[i]++
			return
		}
	}
}

func (h *histogram) cumulativeBuckets() []int64 {
	h.mu.Lock()
	raw := append([]int64(nil), h.bucketCounts...)
	h.mu.Unlock()

	var running int64
	for i, c := range raw {
		running += c
		raw[i] = running
	}
	return raw
}

func atomicAddFloat64(addr *uint64, delta float64) {
	for {
		old := atomic.LoadUint64(addr)
		next := math.Float64bits(math.Float64frombits(old) + delta)
		if atomic.CompareAndSwapUint64(addr, old, next) {
			return
		}
	}
}

type family struct {
	help       string
	histograms map[string]*histogram
	counters   map[string]*int64
}

// Registry holds labeled counters and histograms. A nil *Registry discards
// everything, so callers never need to check whether metrics are on.
type Registry struct {
	mu       sync.RWMutex
	families map[string]*family
}

func NewRegistry() *Registry {
	return &Registry{families: make(map[string]*family)}
}

// Describe sets the HELP text for a metric.
func (r *Registry) Describe(name, help string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.familyLocked(name).help = help
}

func (r *Registry) familyLocked(name string) *family {
	f, ok := r.families[name]
	if !ok {
		f = &family{histograms: map[string]*histogram{}, counters: map[string]*int64{}}
		r.families[name] = f
	}
	return f
}

// Inc adds one to the counter name. labels alternate keys and values.
func (r *Registry) Inc(name string, labels ...string) {
	if r == nil {
		return
	}
	key := labelString(labels)

	r.mu.RLock()
	var p *int64
	if f, ok := r.families[name]; ok {
		p = f.counters[key]
	}
	r.mu.RUnlock()
	if p == nil {
		r.mu.Lock()
		f := r.familyLocked(name)
		if p = f.counters[key]; p == nil {
			p = new(int64)
			f.counters[key] = p
		}
		r.mu.Unlock()
	}
	atomic.AddInt64(p, 1)
}

// Observe records v in the histogram name using DurationBuckets.
func (r *Registry) Observe(name string, v float64, labels ...string) {
	if r == nil {
		return
	}
	key := labelString(labels)

	r.mu.RLock()
	var h *histogram
	if f, ok := r.families[name]; ok {
		h = f.histograms[key]
	}
	r.mu.RUnlock()
	if h == nil {
		r.mu.Lock()
		f := r.familyLocked(name)
		if h = f.histograms[key]; h == nil {
			h = newHistogram(DurationBuckets)
			f.histograms[key] = h
		}
		r.mu.Unlock()
	}
	h.observe(v)
}

// Counter returns the current value of a counter.
func (r *Registry) Counter(name string, labels ...string) int64 {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if f, ok := r.families[name]; ok {
		if p := f.counters[labelString(labels)]; p != nil {
			return atomic.LoadInt64(p)
		}
	}
	return 0
}

// ObservationCount returns how many values a histogram has recorded.
func (r *Registry) ObservationCount(name string, labels ...string) int64 {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if f, ok := r.families[name]; ok {
		if h := f.histograms[labelString(labels)]; h != nil {
			return atomic.LoadInt64(&h.count)
		}
	}
	return 0
}

// labelString renders k1,v1,k2,v2 as k1="v1",k2="v2". A trailing key without
// a value is dropped.
func labelString(labels []string) string {
	var b strings.Builder
	for i := 0; i+1 < len(labels); i += 2 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(labels[i])
		b.WriteString("=")
		b.WriteString(strconv.Quote(labels[i+1]))
	}
	return b.String()
}

// Middleware records http_requests_total and http_request_duration_seconds by
// method, route pattern and status.
func (r *Registry) Middleware() echo.MiddlewareFunc {
	r.Describe("http_requests_total", "HTTP requests by method, route and status.")
	r.Describe("http_request_duration_seconds", "HTTP request latency in seconds.")
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if err != nil {
				// The error handler has not written the response yet.
				status = http.StatusInternalServerError
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				}
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			method := c.Request().Method
			r.Inc("http_requests_total", "method", method, "route", route, "status", strconv.Itoa(status))
			r.Observe("http_request_duration_seconds", time.Since(start).Seconds(), "method", method, "route", route)
			return err
		}
	}
}

// Handler serves every metric in the Prometheus text exposition format.
func (r *Registry) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.Blob(http.StatusOK, "text/plain; version=0.0.4; charset=utf-8", []byte(r.Expose()))
	}
}

// Expose renders the registry with metric names and label sets sorted.
func (r *Registry) Expose() string {
	if r == nil {
		return ""
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.families))
	for name := range r.families {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		f := r.families[name]
		switch {
		case len(f.counters) > 0:
			writeHeader(&b, name, f.help, "counter")
			for _, key := range sortedKeys(f.counters) {
				fmt.Fprintf(&b, "%s%s %d\n", name, braces(key), atomic.LoadInt64(f.counters[key]))
			}
		case len(f.histograms) > 0:
			writeHeader(&b, name, f.help, "histogram")
			for _, key := range sortedKeys(f.histograms) {
				writeHistogram(&b, name, key, f.histograms[key])
			}
		}
	}
	return b.String()
}

func writeHeader(b *strings.Builder, name, help, typ string) {
	if help != "" {
		fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	}
	fmt.Fprintf(b, "# TYPE %s %s\n", name, typ)
}

func writeHistogram(b *strings.Builder, name, labels string, h *histogram) {
	prefix := ""
	if labels != "" {
		prefix = labels + ","
	}
	cum := h.cumulativeBuckets()
	total := atomic.LoadInt64(&h.count)
	for i, boundary := range h.boundaries {
		fmt.Fprintf(b, "%s_bucket{%sle=\"%g\"} %d\n", name, prefix, boundary, cum[i])
	}
	fmt.Fprintf(b, "%s_bucket{%sle=\"+Inf\"} %d\n", name, prefix, total)
	fmt.Fprintf(b, "%s_sum%s %g\n", name, braces(labels), math.Float64frombits(atomic.LoadUint64(&h.sum)))
	fmt.Fprintf(b, "%s_count%s %d\n", name, braces(labels), total)
}

func braces(labels string) string {
	if labels == "" {
		return ""
	}
	return "{" + labels + "}"
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
