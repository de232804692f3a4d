package http

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/nextlevelbuilder/taskrunner/internal/orchestrator"
	"github.com/nextlevelbuilder/taskrunner/pkg/protocol"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("http: write response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, protocol.ErrorResponse{Detail: detail, Code: errorCode(status)})
}

func writeErrorCode(w http.ResponseWriter, status int, code, detail string) {
	writeJSON(w, status, protocol.ErrorResponse{Detail: detail, Code: code})
}

// writeServiceError maps an orchestrator error to its status code.
func writeServiceError(w http.ResponseWriter, err error) {
	switch orchestrator.KindOf(err) {
	case orchestrator.KindNotFound:
		writeError(w, http.StatusNotFound, orchestrator.DetailOf(err))
	case orchestrator.KindConflict:
		writeErrorCode(w, http.StatusBadRequest, protocol.ErrConflict, orchestrator.DetailOf(err))
	default:
		slog.Warn("http: internal error", "error", err)
		writeError(w, http.StatusInternalServerError, orchestrator.DetailOf(err))
	}
}

func errorCode(status int) string {
	switch status {
	case http.StatusBadRequest:
		return protocol.ErrInvalidRequest
	case http.StatusUnauthorized:
		return protocol.ErrUnauthorized
	case http.StatusNotFound:
		return protocol.ErrNotFound
	case http.StatusTooManyRequests:
		return protocol.ErrResourceExhausted
	default:
		return protocol.ErrInternal
	}
}
