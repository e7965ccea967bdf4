package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/triage/triage/internal/platform/auth"
)

func ok(c echo.Context) error { return c.String(http.StatusOK, "ok") }

func TestRequestID_GeneratesNew(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)

	var seen string
	h := RequestID()(func(c echo.Context) error {
		seen, _ = c.Get("request_id").(string)
		return ok(c)
	})
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seen == "" {
		t.Error("expected request_id to be generated")
	}
	if rec.Header().Get(RequestIDHeader) != seen {
		t.Errorf("response header %q differs from context %q", rec.Header().Get(RequestIDHeader), seen)
	}
}

func TestRequestID_PreservesExisting(t *testing.T) {
	tests := []struct {
		name   string
		header string
		keep   bool
	}{
		{"short id kept", "my-custom-id", true},
		{"oversized id replaced", strings.Repeat("x", maxRequestIDLen+1), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set(RequestIDHeader, tt.header)
			rec := httptest.NewRecorder()
			if err := RequestID()(ok)(e.NewContext(req, rec)); err != nil {
				t.Fatal(err)
			}
			got := rec.Header().Get(RequestIDHeader)
			if (got == tt.header) != tt.keep {
				t.Errorf("got %q", got)
			}
		})
	}
}

func TestLogger_LogsStatusAndNoBody(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat/message", strings.NewReader(`{"message":"ho la febbre"}`))
	c := e.NewContext(req, httptest.NewRecorder())
	c.Set("request_id", "req-1")

	h := Logger(logger)(func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusBadRequest, "bad")
	})
	if err := h(c); err != nil {
		t.Fatalf("logger must hand the error to echo, got %v", err)
	}

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not JSON: %q", buf.String())
	}
	if line["status"] != float64(http.StatusBadRequest) || line["request_id"] != "req-1" || line["level"] != "warn" {
		t.Errorf("unexpected log line: %v", line)
	}
	if strings.Contains(buf.String(), "febbre") {
		t.Error("request body leaked into the log")
	}
}

func TestRecovery_CatchesPanic(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/panic", nil), httptest.NewRecorder())

	err := Recovery(zerolog.Nop())(func(c echo.Context) error { panic("test panic") })(c)
	httpErr, isHTTP := err.(*echo.HTTPError)
	if !isHTTP {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", httpErr.Code)
	}
}

func TestRecovery_PassesThrough(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/ok", nil), httptest.NewRecorder())
	if err := Recovery(zerolog.Nop())(ok)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRequestTimeout(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodPost, "/api/v1/chat/message", nil), httptest.NewRecorder())

	slow := func(c echo.Context) error {
		<-c.Request().Context().Done()
		return nil
	}
	err := RequestTimeout(10 * time.Millisecond)(slow)(c)
	httpErr, isHTTP := err.(*echo.HTTPError)
	if !isHTTP || httpErr.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %v", err)
	}

	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	if err := RequestTimeout(time.Second)(ok)(c); err != nil {
		t.Errorf("fast handler: %v", err)
	}
}

func TestRateLimit_PerClient(t *testing.T) {
	l := newRateLimiter(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 2})
	now := time.Unix(1000, 0)
	l.now = func() time.Time { return now }
	mw := rateLimit(l)
	e := echo.New()

	call := func(ip, user string) (int, *httptest.ResponseRecorder) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/chat/message", nil)
		req.Header.Set(echo.HeaderXRealIP, ip)
		if user != "" {
			req = req.WithContext(auth.WithUserID(req.Context(), user))
		}
		rec := httptest.NewRecorder()
		err := mw(ok)(e.NewContext(req, rec))
		if httpErr, isHTTP := err.(*echo.HTTPError); isHTTP {
			return httpErr.Code, rec
		}
		return http.StatusOK, rec
	}

	for i := 0; i < 2; i++ {
		if code, _ := call("10.0.0.1", ""); code != http.StatusOK {
			t.Fatalf("request %d within burst rejected", i)
		}
	}
	code, rec := call("10.0.0.1", "")
	if code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", code)
	}
	if rec.Header().Get("Retry-After") != "1" {
		t.Errorf("Retry-After = %q", rec.Header().Get("Retry-After"))
	}

	if code, _ := call("10.0.0.1", "u1"); code != http.StatusOK {
		t.Error("authenticated user must have its own bucket")
	}
	if code, _ := call("10.0.0.2", ""); code != http.StatusOK {
		t.Error("other IP must have its own bucket")
	}

	now = now.Add(time.Second)
	if code, _ := call("10.0.0.1", ""); code != http.StatusOK {
		t.Error("bucket did not refill")
	}
}

func TestTokenBucket_RetryAfter(t *testing.T) {
	now := time.Unix(1000, 0)
	tests := []struct {
		name   string
		tokens float64
		rate   float64
		want   int
	}{
		{"one second exactly", 0, 1, 1},
		{"part of a second", 0.5, 1, 1},
		{"two seconds exactly", 0, 0.5, 2},
		{"rounded up", 0.2, 0.5, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &tokenBucket{tokens: tt.tokens, maxTokens: 10, refillRate: tt.rate, lastRefill: now}
			ok, wait := b.take(now)
			if ok || wait != tt.want {
				t.Errorf("take() = %v, %d; want false, %d", ok, wait, tt.want)
			}
		})
	}
}

func TestRateLimit_EvictsIdleClients(t *testing.T) {
	l := newRateLimiter(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1, IdleTTL: time.Minute})
	now := time.Unix(1000, 0)
	l.now = func() time.Time { return now }
	l.lastSweep = now

	l.allow("a")
	l.allow("b")
	now = now.Add(2 * time.Minute)
	l.allow("c")
	if l.size() != 1 {
		t.Errorf("expected idle buckets to be dropped, %d left", l.size())
	}
}

func TestSecurityHeaders(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	if err := SecurityHeaders()(ok)(e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)); err != nil {
		t.Fatal(err)
	}
	for h, want := range map[string]string{
		"X-Content-Type-Options": "nosniff",
		"Cache-Control":          "no-store",
		"X-Frame-Options":        "DENY",
	} {
		if got := rec.Header().Get(h); got != want {
			t.Errorf("%s = %q, want %q", h, got, want)
		}
	}
}
