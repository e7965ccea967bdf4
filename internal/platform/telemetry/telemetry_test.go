package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestRegistry_CountersAndHistograms(t *testing.T) {
	r := NewRegistry()
	r.Describe("turns_total", "Turns.")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Inc("turns_total", "intent", "greeting")
		}()
	}
	wg.Wait()
	r.Inc("turns_total", "intent", "emergency")
	r.Observe("latency_seconds", 0.2)
	r.Observe("latency_seconds", 200)

	if got := r.Counter("turns_total", "intent", "greeting"); got != 50 {
		t.Errorf("greeting = %d", got)
	}
	if got := r.ObservationCount("latency_seconds"); got != 2 {
		t.Errorf("observations = %d", got)
	}

	out := r.Expose()
	for _, want := range []string{
		"# HELP turns_total Turns.\n# TYPE turns_total counter\n",
		`turns_total{intent="emergency"} 1` + "\n" + `turns_total{intent="greeting"} 50`,
		`latency_seconds_bucket{le="0.25"} 1`,
		`latency_seconds_bucket{le="120"} 1`,
		`latency_seconds_bucket{le="+Inf"} 2`,
		"latency_seconds_count 2",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("exposition missing %q:\n%s", want, out)
		}
	}
}

func TestRegistry_NilIsNoop(t *testing.T) {
	var r *Registry
	r.Describe("x", "y")
	r.Inc("x")
	r.Observe("y", 1)
	if r.Counter("x") != 0 || r.Expose() != "" {
		t.Error("nil registry recorded something")
	}
}

func TestLabelString(t *testing.T) {
	tests := []struct {
		in   []string
		want string
	}{
		{nil, ""},
		{[]string{"a", "1"}, `a="1"`},
		{[]string{"a", "1", "b", `q"x`}, `a="1",b="q\"x"`},
		{[]string{"a", "1", "dangling"}, `a="1"`},
	}
	for _, tt := range tests {
		if got := labelString(tt.in); got != tt.want {
			t.Errorf("labelString(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestMiddlewareAndHandler(t *testing.T) {
	r := NewRegistry()
	e := echo.New()
	e.Use(r.Middleware())
	e.GET("/metrics", r.Handler())
	e.POST("/api/v1/chat/message", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusTooManyRequests, "slow down")
	})

	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/v1/chat/message", nil))
	if got := r.Counter("http_requests_total", "method", "POST", "route", "/api/v1/chat/message", "status", "429"); got != 1 {
		t.Errorf("429 counter = %d", got)
	}

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.HasPrefix(rec.Header().Get(echo.HeaderContentType), "text/plain") {
		t.Fatalf("metrics endpoint: %d %s", rec.Code, rec.Header().Get(echo.HeaderContentType))
	}
	if !strings.Contains(rec.Body.String(), `http_requests_total{method="POST",route="/api/v1/chat/message",status="429"} 1`) {
		t.Errorf("body:\n%s", rec.Body.String())
	}
}

func TestInitTracing_Disabled(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), TracingConfig{Enabled: false})
	if err != nil {
		t.Fatal(err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("noop shutdown: %v", err)
	}
}

func TestTracingMiddleware(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prevTP, prevProp := otel.GetTracerProvider(), otel.GetTextMapPropagator()
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() {
		otel.SetTracerProvider(prevTP)
		otel.SetTextMapPropagator(prevProp)
		_ = tp.Shutdown(context.Background())
	})

	e := echo.New()
	e.Use(TracingMiddleware())
	e.GET("/api/v1/chat/history", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusInternalServerError, "boom")
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/chat/history", nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	e.ServeHTTP(httptest.NewRecorder(), req)

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	s := spans[0]
	if s.Name() != "GET /api/v1/chat/history" {
		t.Errorf("span name %q", s.Name())
	}
	if s.SpanContext().TraceID().String() != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("incoming trace not continued: %s", s.SpanContext().TraceID())
	}
	if s.Status().Code.String() != "Error" {
		t.Errorf("status %v", s.Status())
	}
}
