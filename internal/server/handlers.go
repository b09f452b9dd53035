package server

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/mycolab/labdb/internal/batch"
	"github.com/mycolab/labdb/internal/connection"
	"github.com/mycolab/labdb/internal/loader"
	"go.uber.org/zap"
)

const maxPlanBytes = 1 << 20

// ErrorResponse represents the standard error response format.
type ErrorResponse struct {
	Status    string `json:"status"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// InvalidateResponse reports how many cache entries were removed
type InvalidateResponse struct {
	Removed int `json:"removed"`
}

// FlushResponse carries the results of an explicit flush
type FlushResponse struct {
	Flushed int            `json:"flushed"`
	Results []batch.Result `json:"results"`
}

// PendingResponse reports the number of queued writes
type PendingResponse struct {
	Pending int `json:"pending"`
}

func (s *Server) getConnection(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.Health())
}

func (s *Server) checkConnection(w http.ResponseWriter, r *http.Request) {
	state := s.backend.CheckConnection(r.Context())
	code := http.StatusOK
	if state != connection.StateConnected {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, s.backend.Health())
}

func (s *Server) cacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.CacheStats())
}

// invalidateCache drops cached selects of ?table=, entries matching ?pattern=, or
// everything when neither is given.
func (s *Server) invalidateCache(w http.ResponseWriter, r *http.Request) {
	var removed int
	if table := r.URL.Query().Get("table"); table != "" {
		removed = s.backend.InvalidateTable(table)
	} else {
		removed = s.backend.InvalidateCache(r.URL.Query().Get("pattern"))
	}

	s.logger.Info("Cache invalidated",
		zap.String("request_id", r.Header.Get("X-Request-ID")),
		zap.Int("removed", removed))
	writeJSON(w, http.StatusOK, InvalidateResponse{Removed: removed})
}

// load runs the plan in the request body. YAML and JSON bodies are both accepted.
func (s *Server) load(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPlanBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "failed to read request body", requestID)
		return
	}
	plan, err := loader.ParsePlan(data)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), requestID)
		return
	}

	result := s.backend.LoadAll(r.Context(), *plan)
	code := http.StatusOK
	if !result.Success {
		code = http.StatusBadGateway
	}
	writeJSON(w, code, result)
}

func (s *Server) pendingWrites(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, PendingResponse{Pending: s.backend.PendingWrites()})
}

func (s *Server) flush(w http.ResponseWriter, r *http.Request) {
	results := s.backend.Flush(r.Context())
	if results == nil {
		results = []batch.Result{}
	}
	writeJSON(w, http.StatusOK, FlushResponse{Flushed: len(results), Results: results})
}

func (s *Server) subscriptions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.Subscriptions())
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, errorCode, message, requestID string) {
	writeJSON(w, code, ErrorResponse{
		Status:    "error",
		ErrorCode: errorCode,
		Message:   message,
		RequestID: requestID,
	})
}
