package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/brainless/nocodo-agent/pkg/agent"
	"github.com/brainless/nocodo-agent/pkg/commandqueue"
	"github.com/brainless/nocodo-agent/pkg/session"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps runtime errors onto HTTP status codes. Anything not
// recognized is a 500 with the detail kept out of the response.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.Is(err, session.ErrInvalidState), errors.Is(err, agent.ErrBusy):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	default:
		s.logger.Error().Err(err).Msg("Request failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}
	if strings.TrimSpace(req.Kind) == "" || strings.TrimSpace(req.Objective) == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "kind and objective are required"})
		return
	}

	var (
		sess *session.Session
		err  error
	)
	if req.RequestID != "" && s.queue != nil {
		// Route through the queue so retries with the same request_id
		// get the original session back instead of a duplicate.
		var result interface{}
		result, err = s.queue.EnqueueWithContext(r.Context(), "api",
			func(taskCtx context.Context) (interface{}, error) {
				return s.runner.StartSession(taskCtx, req.Kind, req.Objective, req.Prompt)
			},
			&commandqueue.TaskOptions{RequestID: req.RequestID},
		)
		if err == nil {
			sess = result.(*session.Session)
		}
	} else {
		sess, err = s.runner.StartSession(r.Context(), req.Kind, req.Objective, req.Prompt)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, CreateSessionResponse{
		SessionID: sess.ID,
		Status:    string(sess.Status),
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := session.Filter{
		Status: session.Status(q.Get("status")),
		Kind:   q.Get("kind"),
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid limit"})
			return
		}
		filter.Limit = limit
	}

	sessions, err := s.store.ListSessions(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if sessions == nil {
		sessions = []session.Session{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sess, messages, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	calls, err := s.store.GetToolCalls(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if messages == nil {
		messages = []session.Message{}
	}
	if calls == nil {
		calls = []session.ToolCall{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session":    sess,
		"messages":   messages,
		"tool_calls": calls,
	})
}

// handleGetOutputs is the polling fallback for clients without a
// websocket: output chunks strictly after since_seq, in order.
func (s *Server) handleGetOutputs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sinceSeq := -1
	if raw := r.URL.Query().Get("since_seq"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid since_seq"})
			return
		}
		sinceSeq = parsed
	}

	chunks, err := s.store.GetOutputs(r.Context(), id, sinceSeq)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if chunks == nil {
		chunks = []session.OutputChunk{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"chunks": chunks})
}

func (s *Server) handleSendInput(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req InputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "content is required"})
		return
	}

	if err := s.runner.SendInput(r.Context(), id, req.Content); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.runner.CancelSession(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	// Cancellation is cooperative; the run lands on cancelled at its
	// next boundary.
	writeJSON(w, http.StatusAccepted, map[string]bool{"success": true})
}
