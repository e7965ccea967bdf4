package triage

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/triage/triage/internal/platform/auth"
)

func newTestHandler(store ThreadStore) *Handler {
	c := &stubClassifier{labels: map[string]Intent{"ciao": IntentGreeting}}
	e := newTestEngine(store, c, insufficient("Da quando?"), neurology(), 3)
	return NewHandler(e, zerolog.Nop())
}

func jsonContext(method, target, body, userID string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if userID != "" {
		req = req.WithContext(auth.WithUserID(req.Context(), userID))
	}
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestHandler_SendMessage(t *testing.T) {
	h := newTestHandler(nil)
	c, rec := jsonContext(http.MethodPost, "/api/v1/chat/message", `{"message":"ciao","session_id":"s1"}`, "")

	if err := h.SendMessage(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp MessageResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Response != OnboardingMessage {
		t.Errorf("response = %q", resp.Response)
	}
	if resp.SessionID != "s1" || resp.ThreadID != "anonymous_session_s1" {
		t.Errorf("got session %q thread %q", resp.SessionID, resp.ThreadID)
	}
}

func TestHandler_SendMessageIssuesSession(t *testing.T) {
	h := newTestHandler(nil)
	c, rec := jsonContext(http.MethodPost, "/api/v1/chat/message", `{"message":"mal di gola"}`, "u42")

	if err := h.SendMessage(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var resp MessageResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.SessionID == "" {
		t.Fatal("expected a generated session id")
	}
	if resp.ThreadID != "user_u42_session_"+resp.SessionID {
		t.Errorf("thread id = %q", resp.ThreadID)
	}
	if !strings.Contains(resp.Response, "Da quando?") {
		t.Errorf("response = %q", resp.Response)
	}
}

func TestHandler_SendMessageValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"message":`},
		{"too long", `{"message":"` + strings.Repeat("à", maxMessageRunes+1) + `"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := jsonContext(http.MethodPost, "/api/v1/chat/message", tt.body, "")
			err := newTestHandler(nil).SendMessage(c)
			httpErr, ok := err.(*echo.HTTPError)
			if !ok {
				t.Fatalf("expected echo.HTTPError, got %T", err)
			}
			if httpErr.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", httpErr.Code)
			}
		})
	}
}

func TestHandler_SendMessageExactlyAtLimit(t *testing.T) {
	c, rec := jsonContext(http.MethodPost, "/api/v1/chat/message", `{"message":"`+strings.Repeat("à", maxMessageRunes)+`","session_id":"s"}`, "")
	if err := newTestHandler(nil).SendMessage(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestHandler_SendMessageStoreFailure(t *testing.T) {
	store := &brokenStore{MemoryStore: NewMemoryStore(), putErr: errors.New("disk full")}
	c, _ := jsonContext(http.MethodPost, "/api/v1/chat/message", `{"message":"ciao","session_id":"s"}`, "")

	err := newTestHandler(store).SendMessage(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusInternalServerError || httpErr.Message != TechnicalErrorMessage {
		t.Errorf("got %d %v", httpErr.Code, httpErr.Message)
	}
}

func TestHandler_ResetAndHistory(t *testing.T) {
	store := NewMemoryStore()
	h := newTestHandler(store)

	c, _ := jsonContext(http.MethodPost, "/api/v1/chat/message", `{"message":"tosse","session_id":"s"}`, "")
	if err := h.SendMessage(c); err != nil {
		t.Fatal(err)
	}

	c, rec := jsonContext(http.MethodGet, "/api/v1/chat/history?session_id=s", "", "")
	if err := h.History(c); err != nil {
		t.Fatal(err)
	}
	var hist HistoryResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &hist); err != nil {
		t.Fatal(err)
	}
	if len(hist.Messages) != 2 || hist.Attempts != 1 || hist.ThreadID != "anonymous_session_s" {
		t.Errorf("history = %+v", hist)
	}

	c, rec = jsonContext(http.MethodPost, "/api/v1/chat/reset", `{"session_id":"s"}`, "")
	if err := h.ResetSession(c); err != nil {
		t.Fatal(err)
	}
	var reset ResetResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &reset); err != nil {
		t.Fatal(err)
	}
	if reset.Message != ResetMessage || reset.ThreadID != "anonymous_session_s" {
		t.Errorf("reset = %+v", reset)
	}

	th, err := store.Get(context.Background(), "anonymous_session_s")
	if err != nil {
		t.Fatal(err)
	}
	if len(th.Messages) != 0 || th.Attempts != 0 {
		t.Errorf("thread not cleared: %+v", th)
	}
}

func TestHandler_DeleteSession(t *testing.T) {
	store := NewMemoryStore()
	h := newTestHandler(store)
	c, _ := jsonContext(http.MethodPost, "/api/v1/chat/message", `{"message":"ciao","session_id":"s"}`, "u1")
	if err := h.SendMessage(c); err != nil {
		t.Fatal(err)
	}

	c, rec := jsonContext(http.MethodDelete, "/api/v1/chat/session?session_id=s", "", "u1")
	if err := h.DeleteSession(c); err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}
	if store.Len() != 0 {
		t.Errorf("thread still stored")
	}
}

func TestHandler_SessionRequired(t *testing.T) {
	h := newTestHandler(nil)
	calls := []struct {
		name string
		run  func() error
	}{
		{"reset", func() error {
			c, _ := jsonContext(http.MethodPost, "/api/v1/chat/reset", `{}`, "")
			return h.ResetSession(c)
		}},
		{"history", func() error {
			c, _ := jsonContext(http.MethodGet, "/api/v1/chat/history", "", "")
			return h.History(c)
		}},
		{"delete", func() error {
			c, _ := jsonContext(http.MethodDelete, "/api/v1/chat/session", "", "")
			return h.DeleteSession(c)
		}},
	}
	for _, tt := range calls {
		t.Run(tt.name, func(t *testing.T) {
			httpErr, ok := tt.run().(*echo.HTTPError)
			if !ok || httpErr.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %v", httpErr)
			}
		})
	}
}

func TestHandler_RegisterRoutes(t *testing.T) {
	e := echo.New()
	newTestHandler(nil).RegisterRoutes(e.Group("/api/v1"))

	want := map[string]bool{
		"POST /api/v1/chat/message":   false,
		"POST /api/v1/chat/reset":     false,
		"GET /api/v1/chat/history":    false,
		"DELETE /api/v1/chat/session": false,
		"GET /api/v1/chat/stream":     false,
	}
	for _, r := range e.Routes() {
		key := r.Method + " " + r.Path
		if _, ok := want[key]; ok {
			want[key] = true
		}
	}
	for k, seen := range want {
		if !seen {
			t.Errorf("route %s not registered", k)
		}
	}
}

func TestHandler_Stream(t *testing.T) {
	store := NewMemoryStore()
	h := newTestHandler(store)
	e := echo.New()
	h.RegisterRoutes(e.Group("/api/v1"))
	srv := httptest.NewServer(e)
	defer srv.Close()
	defer h.Shutdown()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/chat/stream?session_id=s9"
	ws, _, err := gorillawebsocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	exchange := func(frame string) map[string]string {
		t.Helper()
		if err := ws.WriteMessage(gorillawebsocket.TextMessage, []byte(frame)); err != nil {
			t.Fatal(err)
		}
		_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
		var got map[string]string
		if err := ws.ReadJSON(&got); err != nil {
			t.Fatal(err)
		}
		return got
	}

	got := exchange(`{"message":"ciao"}`)
	if got["thread_id"] != "anonymous_session_s9" || got["response"] != OnboardingMessage {
		t.Errorf("greeting reply: %v", got)
	}
	if got := exchange(`not json`); got["error"] == "" {
		t.Errorf("expected an error frame, got %v", got)
	}
	got = exchange(`{"message":"` + strings.Repeat("a", maxMessageRunes+1) + `"}`)
	if got["error"] != messageTooLong {
		t.Errorf("expected length error, got %v", got)
	}

	th, err := store.Get(context.Background(), "anonymous_session_s9")
	if err != nil {
		t.Fatal(err)
	}
	if len(th.Messages) != 2 {
		t.Errorf("rejected frames must not reach the thread, got %d messages", len(th.Messages))
	}
}
