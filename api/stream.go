package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/PipeOpsHQ/agentcrew/observe"
	"github.com/PipeOpsHQ/agentcrew/pipeline"
	"github.com/PipeOpsHQ/agentcrew/types"
)

const (
	liveBuffer   = 256
	writeTimeout = 10 * time.Second
)

// eventFilter builds the per-request filter. visibility=expert adds expert
// events, visibility=internal adds everything and types replaces the
// forwarded event types.
func (s *Server) eventFilter(c echo.Context) *observe.Adapter {
	opts := append([]observe.AdapterOption(nil), s.stream...)
	switch strings.ToLower(strings.TrimSpace(c.QueryParam("visibility"))) {
	case string(types.VisibilityExpert):
		opts = append(opts, observe.WithVisibilities(types.VisibilityUser, types.VisibilityExpert))
	case string(types.VisibilityInternal):
		opts = append(opts, observe.WithVisibilities(types.VisibilityUser, types.VisibilityExpert, types.VisibilityInternal))
	}
	if raw := strings.TrimSpace(c.QueryParam("types")); raw != "" {
		var eventTypes []types.EventType
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				eventTypes = append(eventTypes, types.EventType(t))
			}
		}
		opts = append(opts, observe.WithEventTypes(eventTypes...))
	}
	return observe.NewAdapter(nil, opts...)
}

func terminal(e types.EventLogEntry) bool {
	switch e.Type {
	case types.EventRunCompleted, types.EventRunFailed:
		return true
	case types.EventError:
		return e.Details["terminal"] == true
	}
	return false
}

func (s *Server) active(runID string) bool {
	info, ok := s.svc.Info(runID)
	return ok && info.Status == pipeline.RunRunning
}

type relay struct {
	send func(types.EventLogEntry) error
	ping func() error
}

// follow replays the events already checkpointed for the thread's latest run,
// then relays live ones until the run ends or ctx is done.
func (s *Server) follow(ctx context.Context, threadID string, runID string, filter *observe.Adapter, out relay) error {
	live, cancel := s.svc.Hub().Subscribe(runID, liveBuffer)
	defer cancel()

	st, _, err := s.svc.Latest(ctx, threadID)
	if err != nil {
		return err
	}
	seen := make(map[string]bool, len(st.Events))
	finished := false
	for _, e := range st.Events {
		seen[e.EventID] = true
		if terminal(e) {
			finished = true
		}
		if !filter.Allows(e) {
			continue
		}
		if err := out.send(e); err != nil {
			return err
		}
	}
	if finished || !s.active(runID) {
		return nil
	}

	ticker := time.NewTicker(s.keepalive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !s.active(runID) {
				return nil
			}
			if err := out.ping(); err != nil {
				return err
			}
		case e, ok := <-live:
			if !ok {
				return nil
			}
			if seen[e.EventID] {
				continue
			}
			seen[e.EventID] = true
			if filter.Allows(e) {
				if err := out.send(e); err != nil {
					return err
				}
			}
			if terminal(e) {
				return nil
			}
		}
	}
}

// StreamEvents relays a thread's events as server-sent events.
// GET /api/v1/runs/:threadId/events
func (s *Server) StreamEvents(c echo.Context) error {
	ctx := c.Request().Context()
	threadID := c.Param("threadId")
	st, _, err := s.svc.Latest(ctx, threadID)
	if err != nil {
		return errorJSON(c, statusFor(err), err)
	}
	filter := s.eventFilter(c)

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set(echo.HeaderCacheControl, "no-cache")
	w.Header().Set(echo.HeaderConnection, "keep-alive")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	err = s.follow(ctx, threadID, st.RunID, filter, relay{
		send: func(e types.EventLogEntry) error {
			payload, err := json.Marshal(e)
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", e.EventID, e.Type, payload); err != nil {
				return err
			}
			w.Flush()
			return nil
		},
		ping: func() error {
			if _, err := w.Write([]byte(": keepalive\n\n")); err != nil {
				return err
			}
			w.Flush()
			return nil
		},
	})
	if err != nil {
		s.logger.V(1).Info("event stream ended", "thread", threadID, "error", err.Error())
	}
	return nil
}

// StreamWebSocket relays a thread's events as JSON websocket messages.
// GET /api/v1/runs/:threadId/ws
func (s *Server) StreamWebSocket(c echo.Context) error {
	threadID := c.Param("threadId")
	st, _, err := s.svc.Latest(c.Request().Context(), threadID)
	if err != nil {
		return errorJSON(c, statusFor(err), err)
	}
	filter := s.eventFilter(c)

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Error(err, "websocket upgrade failed", "thread", threadID)
		return nil
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	err = s.follow(ctx, threadID, st.RunID, filter, relay{
		send: func(e types.EventLogEntry) error {
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			return conn.WriteJSON(e)
		},
		ping: func() error {
			return conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
		},
	})
	if err != nil {
		s.logger.V(1).Info("websocket stream ended", "thread", threadID, "error", err.Error())
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream finished"))
	return nil
}
