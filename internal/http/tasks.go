package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nextlevelbuilder/taskrunner/internal/store"
	"github.com/nextlevelbuilder/taskrunner/pkg/protocol"
)

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, protocol.RootResponse{
		Message: "Task Runner API",
		Version: s.version,
		Status:  "running",
	})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	resp := protocol.StatsResponse{Lanes: []protocol.LaneStats{}}
	if s.lanes != nil {
		for _, l := range s.lanes.AllStats() {
			resp.Lanes = append(resp.Lanes, protocol.LaneStats(l))
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, protocol.HealthResponse{Status: "healthy", Message: "API is running"})
}

// handleProcessTask handles POST /process-task. The response is written when
// the execution has finished.
func (s *Server) handleProcessTask(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, defaultMaxBodyBytes)

	var req protocol.ProcessTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return
	}
	for _, check := range []struct{ field, value string }{
		{"task_id", req.TaskID},
		{"agent_id", req.AgentID},
	} {
		if err := store.ValidateID(check.field, check.value); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if req.UserMessage == "" {
		writeError(w, http.StatusBadRequest, "user_message is required")
		return
	}

	resp, err := s.svc.ProcessTaskMessage(r.Context(), req.TaskID, req.AgentID, req.UserMessage)
	if err != nil {
		if r.Context().Err() != nil {
			return // client went away
		}
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("task_id")
	if err := store.ValidateID("task_id", taskID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	resp, err := s.svc.TaskStatus(r.Context(), taskID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTaskHistory(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("task_id")
	if err := store.ValidateID("task_id", taskID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	resp, err := s.svc.TaskHistory(r.Context(), taskID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
