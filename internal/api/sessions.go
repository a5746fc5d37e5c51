package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"golang.org/x/net/websocket"

	"github.com/example/app-orchestrator/internal/models"
	"github.com/example/app-orchestrator/internal/orchestrator"
)

// SessionRequest is the first and only client message on /ws, and the
// body of POST /sessions. Prompt is accepted as an alias of Task.
type SessionRequest struct {
	Task      string `json:"task"`
	Prompt    string `json:"prompt,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

func (r SessionRequest) toRequest() orchestrator.Request {
	task := r.Task
	if task == "" {
		task = r.Prompt
	}
	return orchestrator.Request{Task: task, UserID: r.UserID, SessionID: r.SessionID}
}

// handleSessionSocket runs one session per connection. The pipeline keeps
// going when the client disconnects so the outcome is still recorded.
func (s *Server) handleSessionSocket(c echo.Context) error {
	ctx := context.WithoutCancel(c.Request().Context())
	srv := websocket.Server{
		Handshake: func(*websocket.Config, *http.Request) error { return nil },
		Handler: func(ws *websocket.Conn) {
			defer ws.Close()
			s.serveSession(ctx, ws)
		},
	}
	srv.ServeHTTP(c.Response(), c.Request())
	return nil
}

func (s *Server) serveSession(ctx context.Context, ws *websocket.Conn) {
	send := func(ev models.Event) error {
		if err := ws.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout)); err != nil {
			return err
		}
		return websocket.JSON.Send(ws, ev)
	}

	var msg SessionRequest
	if err := websocket.JSON.Receive(ws, &msg); err != nil {
		s.logger.Warn("invalid session message", zap.Error(err))
		_ = send(models.Event{Type: models.EventError, Message: "invalid session message"})
		return
	}

	out := orchestrator.EmitterFunc(func(_ context.Context, ev models.Event) error { return send(ev) })
	_, err := s.pipeline.Run(ctx, msg.toRequest(), out)
	if errors.Is(err, orchestrator.ErrEmptyTask) || errors.Is(err, orchestrator.ErrSessionActive) {
		// rejected before the session started, so nothing was emitted yet
		_ = send(models.Event{Type: models.EventError, SessionID: msg.SessionID, Message: err.Error()})
	}
}

type StartSessionResponse struct {
	SessionID string `json:"session_id"`
}

func (s *Server) handleStartSession(c echo.Context) error {
	var req SessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	id, _, err := s.pipeline.Start(context.WithoutCancel(c.Request().Context()), req.toRequest(), nil)
	switch {
	case errors.Is(err, orchestrator.ErrEmptyTask):
		return echo.NewHTTPError(http.StatusBadRequest, "task is required")
	case errors.Is(err, orchestrator.ErrSessionActive):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case err != nil:
		return err
	}
	return c.JSON(http.StatusAccepted, StartSessionResponse{SessionID: id})
}

func (s *Server) handleListSessions(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"sessions": s.pipeline.Sessions()})
}

func (s *Server) handleGetSession(c echo.Context) error {
	info, ok := s.pipeline.Session(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	return c.JSON(http.StatusOK, info)
}

// handleSessionEvents streams a running session's events as server-sent
// events. A finished session yields one synthesized terminal event.
func (s *Server) handleSessionEvents(c echo.Context) error {
	id := c.Param("id")
	hub := s.pipeline.Hub()
	if hub == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "event streaming is disabled")
	}
	sub := hub.Subscribe(id)
	defer sub.Close()

	info, ok := s.pipeline.Session(id)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set(echo.HeaderCacheControl, "no-cache")
	w.Header().Set(echo.HeaderConnection, "keep-alive")
	w.WriteHeader(http.StatusOK)

	if info.State.Terminal() {
		return writeSSE(w, finalEvent(info))
	}
	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, open := <-sub.C:
			if !open {
				return nil
			}
			if err := writeSSE(w, ev); err != nil {
				return nil
			}
		}
	}
}

func finalEvent(info orchestrator.SessionInfo) models.Event {
	if info.State == orchestrator.StateErrored {
		return models.Event{Type: models.EventError, SessionID: info.ID, Message: info.Error}
	}
	return models.Event{
		Type:      models.EventComplete,
		SessionID: info.ID,
		Payload:   orchestrator.CompletePayload{URL: info.URL, ProjectID: info.ProjectID, Passed: info.Passed},
	}
}

func writeSSE(w *echo.Response, ev models.Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, b); err != nil {
		return err
	}
	w.Flush()
	return nil
}
