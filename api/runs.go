package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/PipeOpsHQ/agentcrew/pipeline"
	"github.com/PipeOpsHQ/agentcrew/state"
	"github.com/PipeOpsHQ/agentcrew/types"
)

const defaultCheckpointLimit = 20

type createRunResponse struct {
	RunID          string `json:"runId"`
	ConversationID string `json:"conversationId"`
}

type runResponse struct {
	ThreadID     string            `json:"threadId"`
	CheckpointID string            `json:"checkpointId"`
	Metadata     state.Metadata    `json:"metadata,omitempty"`
	Run          *pipeline.RunInfo `json:"run,omitempty"`
	State        types.RunState    `json:"state"`
}

// statusFor maps service errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, state.ErrNotFound), errors.Is(err, pipeline.ErrRunNotFound):
		return http.StatusNotFound
	case errors.Is(err, pipeline.ErrThreadBusy), errors.Is(err, pipeline.ErrRunFinished):
		return http.StatusConflict
	case errors.Is(err, pipeline.ErrServiceClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// CreateRun submits a build request.
// POST /api/v1/runs
func (s *Server) CreateRun(c echo.Context) error {
	var req pipeline.Request
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, errors.New("invalid request body"))
	}
	st, err := s.svc.Submit(c.Request().Context(), req)
	if err != nil {
		return errorJSON(c, statusFor(err), err)
	}
	return c.JSON(http.StatusAccepted, createRunResponse{RunID: st.RunID, ConversationID: st.ConversationID})
}

// GetRun returns the latest checkpointed state of a thread.
// GET /api/v1/runs/:threadId
func (s *Server) GetRun(c echo.Context) error {
	threadID := c.Param("threadId")
	st, tuple, err := s.svc.Latest(c.Request().Context(), threadID)
	if err != nil {
		return errorJSON(c, statusFor(err), err)
	}
	resp := runResponse{
		ThreadID:     threadID,
		CheckpointID: tuple.Config.CheckpointID,
		Metadata:     tuple.Metadata,
		State:        st,
	}
	if info, ok := s.svc.Info(st.RunID); ok {
		resp.Run = &info
	}
	return c.JSON(http.StatusOK, resp)
}

// ListCheckpoints returns a thread's checkpoint history, newest first.
// GET /api/v1/runs/:threadId/checkpoints?limit=&before=
func (s *Server) ListCheckpoints(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit <= 0 {
		limit = defaultCheckpointLimit
	}
	opts := state.ListOptions{Limit: limit, Before: strings.TrimSpace(c.QueryParam("before"))}
	threadID := c.Param("threadId")
	history, err := s.svc.History(c.Request().Context(), threadID, opts)
	if err != nil {
		return errorJSON(c, statusFor(err), err)
	}
	if len(history) == 0 {
		return errorJSON(c, http.StatusNotFound, state.ErrNotFound)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"threadId":    threadID,
		"checkpoints": history,
	})
}

// ResumeRun continues a thread from its latest checkpoint.
// POST /api/v1/runs/:threadId/resume
func (s *Server) ResumeRun(c echo.Context) error {
	threadID := c.Param("threadId")
	runID, err := s.svc.Resume(c.Request().Context(), threadID)
	if err != nil {
		return errorJSON(c, statusFor(err), err)
	}
	return c.JSON(http.StatusAccepted, createRunResponse{RunID: runID, ConversationID: threadID})
}

// CancelRun stops the active run of a thread.
// POST /api/v1/runs/:threadId/cancel
func (s *Server) CancelRun(c echo.Context) error {
	st, _, err := s.svc.Latest(c.Request().Context(), c.Param("threadId"))
	if err != nil {
		return errorJSON(c, statusFor(err), err)
	}
	if err := s.svc.Cancel(st.RunID); err != nil {
		return errorJSON(c, statusFor(err), err)
	}
	return c.NoContent(http.StatusAccepted)
}

// DeleteRun removes every checkpoint of a thread.
// DELETE /api/v1/runs/:threadId
func (s *Server) DeleteRun(c echo.Context) error {
	if err := s.svc.Delete(c.Request().Context(), c.Param("threadId")); err != nil {
		return errorJSON(c, statusFor(err), err)
	}
	return c.NoContent(http.StatusNoContent)
}
