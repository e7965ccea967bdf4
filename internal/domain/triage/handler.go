package triage

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/triage/triage/internal/platform/auth"
	"github.com/triage/triage/internal/platform/websocket"
)

const maxMessageRunes = 4000

type Handler struct {
	engine *Engine
	hub    *websocket.Hub
	log    zerolog.Logger
}

func NewHandler(engine *Engine, log zerolog.Logger) *Handler {
	return NewHandlerWithHub(engine, websocket.NewHub(websocket.DefaultConfig(), log), log)
}

func NewHandlerWithHub(engine *Engine, hub *websocket.Hub, log zerolog.Logger) *Handler {
	return &Handler{engine: engine, hub: hub, log: log.With().Str("component", "chat_handler").Logger()}
}

// Shutdown closes open chat streams.
func (h *Handler) Shutdown() {
	h.hub.CloseAll()
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	chat := api.Group("/chat")
	chat.POST("/message", h.SendMessage)
	chat.POST("/reset", h.ResetSession)
	chat.GET("/history", h.History)
	chat.DELETE("/session", h.DeleteSession)
	chat.GET("/stream", h.Stream)
}

type MessageRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
}

type MessageResponse struct {
	Response  string `json:"response"`
	SessionID string `json:"session_id"`
	ThreadID  string `json:"thread_id"`
}

// StreamError is sent on a chat stream in place of a reply when a frame is rejected.
type StreamError struct {
	Error string `json:"error"`
}

type ResetRequest struct {
	SessionID string `json:"session_id"`
}

type ResetResponse struct {
	Message   string `json:"message"`
	ThreadID  string `json:"thread_id"`
	SessionID string `json:"session_id"`
}

type HistoryResponse struct {
	ThreadID string    `json:"thread_id"`
	Messages []Message `json:"messages"`
	Attempts int       `json:"attempts"`
}

// ThreadKey scopes a session to the authenticated user when there is one.
func ThreadKey(userID, sessionID string) string {
	if userID == "" {
		return "anonymous_session_" + sessionID
	}
	return "user_" + userID + "_session_" + sessionID
}

const messageTooLong = "message exceeds 4000 characters"

func (h *Handler) SendMessage(c echo.Context) error {
	var req MessageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if utf8.RuneCountInString(req.Message) > maxMessageRunes {
		return echo.NewHTTPError(http.StatusBadRequest, messageTooLong)
	}
	sid := strings.TrimSpace(req.SessionID)
	if sid == "" {
		sid = uuid.NewString()
	}
	threadID := ThreadKey(auth.UserIDFromContext(c.Request().Context()), sid)

	reply, err := h.engine.Process(c.Request().Context(), threadID, req.Message)
	if err != nil {
		h.log.Error().Err(err).Str("thread_id", threadID).Msg("process message")
		return echo.NewHTTPError(http.StatusInternalServerError, reply)
	}
	return c.JSON(http.StatusOK, MessageResponse{Response: reply, SessionID: sid, ThreadID: threadID})
}

func (h *Handler) ResetSession(c echo.Context) error {
	var req ResetRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	sid := strings.TrimSpace(req.SessionID)
	if sid == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session_id is required")
	}
	threadID := ThreadKey(auth.UserIDFromContext(c.Request().Context()), sid)
	if err := h.engine.Reset(c.Request().Context(), threadID); err != nil {
		h.log.Error().Err(err).Str("thread_id", threadID).Msg("reset thread")
		return echo.NewHTTPError(http.StatusInternalServerError, TechnicalErrorMessage)
	}
	return c.JSON(http.StatusOK, ResetResponse{Message: ResetMessage, ThreadID: threadID, SessionID: sid})
}

func (h *Handler) History(c echo.Context) error {
	sid := strings.TrimSpace(c.QueryParam("session_id"))
	if sid == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session_id is required")
	}
	threadID := ThreadKey(auth.UserIDFromContext(c.Request().Context()), sid)
	t, err := h.engine.Thread(c.Request().Context(), threadID)
	if err != nil {
		h.log.Error().Err(err).Str("thread_id", threadID).Msg("load history")
		return echo.NewHTTPError(http.StatusInternalServerError, TechnicalErrorMessage)
	}
	return c.JSON(http.StatusOK, HistoryResponse{ThreadID: threadID, Messages: t.Messages, Attempts: t.Attempts})
}

func (h *Handler) DeleteSession(c echo.Context) error {
	sid := strings.TrimSpace(c.QueryParam("session_id"))
	if sid == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session_id is required")
	}
	threadID := ThreadKey(auth.UserIDFromContext(c.Request().Context()), sid)
	if err := h.engine.Forget(c.Request().Context(), threadID); err != nil {
		h.log.Error().Err(err).Str("thread_id", threadID).Msg("delete thread")
		return echo.NewHTTPError(http.StatusInternalServerError, TechnicalErrorMessage)
	}
	return c.NoContent(http.StatusNoContent)
}

// Stream upgrades to a WebSocket on which each {"message": ...} frame is one
// turn of the session named by the session_id query parameter. Replies are
// MessageResponse frames; a failed turn still carries its apology text.
func (h *Handler) Stream(c echo.Context) error {
	sid := strings.TrimSpace(c.QueryParam("session_id"))
	if sid == "" {
		sid = uuid.NewString()
	}
	threadID := ThreadKey(auth.UserIDFromContext(c.Request().Context()), sid)
	log := h.log.With().Str("thread_id", threadID).Logger()

	return h.hub.Serve(c, func(ctx context.Context, frame []byte) ([]byte, error) {
		var req MessageRequest
		if err := json.Unmarshal(frame, &req); err != nil {
			return json.Marshal(StreamError{Error: "invalid message frame"})
		}
		if utf8.RuneCountInString(req.Message) > maxMessageRunes {
			return json.Marshal(StreamError{Error: messageTooLong})
		}
		reply, err := h.engine.Process(ctx, threadID, req.Message)
		if err != nil {
			log.Error().Err(err).Msg("process streamed message")
		}
		return json.Marshal(MessageResponse{Response: reply, SessionID: sid, ThreadID: threadID})
	})
}
