package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nevindra/cursord/internal/convo"
	"github.com/nevindra/cursord/internal/runner"
)

// handleExecute runs the request synchronously on the caller's connection.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req runner.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	res, err := s.runner.Execute(r.Context(), req)
	if err != nil {
		s.writeRunnerError(w, err)
		return
	}
	status := http.StatusOK
	if !res.Success {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, res)
}

// handleExecuteAsync acknowledges immediately and runs in the background.
// iterate selects the review-loop path.
func (s *Server) handleExecuteAsync(iterate bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req runner.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		req.Iterate = iterate

		ack, err := s.runner.ExecuteAsync(req)
		if err != nil {
			s.writeRunnerError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, ack)
	}
}

func (s *Server) writeRunnerError(w http.ResponseWriter, err error) {
	var verr *runner.ValidationError
	if errors.As(err, &verr) {
		writeError(w, http.StatusBadRequest, verr.Reason)
		return
	}
	var nferr *runner.NotFoundError
	if errors.As(err, &nferr) {
		writeError(w, http.StatusNotFound, nferr.Error())
		return
	}
	s.logger.Error("execution failed", "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

// --- Conversation endpoints ---

func (s *Server) handleAgentNew(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AgentID  string            `json:"agentId"`
		Metadata map[string]string `json:"metadata"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	rec, err := s.store.Create(r.Context(), body.AgentID, body.Metadata)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"conversationId": rec.ID,
		"message":        "conversation created",
	})
}

func (s *Server) handleAgentMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var body struct {
		Role    string `json:"role"`
		Content string `json:"content"`
		Source  string `json:"source"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.Role == "" {
		writeError(w, http.StatusBadRequest, "role is required")
		return
	}
	if body.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}

	msg, err := s.store.Append(r.Context(), id, convo.Message{
		Role:    body.Role,
		Content: body.Content,
		Source:  body.Source,
	})
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"conversationId": id,
		"message":        msg,
	})
}

func (s *Server) handleAgentGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rec, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleAgentList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := convo.ListFilter{
		Limit:     20,
		Offset:    0,
		SortBy:    convo.SortByCreatedAt,
		SortOrder: "desc",
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
			return
		}
		filter.Offset = n
	}
	if v := q.Get("sortBy"); v != "" {
		filter.SortBy = v
	}
	if v := q.Get("sortOrder"); v != "" {
		filter.SortOrder = v
	}

	res, err := s.store.List(r.Context(), filter)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversations": res.Items,
		"pagination": map[string]int{
			"total":  res.Total,
			"limit":  filter.Limit,
			"offset": filter.Offset,
		},
	})
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	var verr *convo.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Reason)
	case errors.Is(err, convo.ErrNotFound):
		writeError(w, http.StatusNotFound, "conversation not found")
	case errors.Is(err, convo.ErrStoreUnavailable):
		writeError(w, http.StatusServiceUnavailable, "conversation store unavailable")
	default:
		s.logger.Error("conversation store error", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// --- Health endpoints ---

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": serviceName,
	})
}

func (s *Server) handleHealthQueue(w http.ResponseWriter, r *http.Request) {
	st := s.runner.Semaphore().Status()

	body := map[string]any{
		"status":  "ok",
		"service": serviceName,
		"queue":   st,
	}
	if st.Available == 0 {
		body["warning"] = "all execution slots are busy; new requests will queue"
	}
	if s.journal != nil {
		if js, err := s.journal.Stats(r.Context()); err == nil {
			body["journal"] = js
		}
	}
	writeJSON(w, http.StatusOK, body)
}
