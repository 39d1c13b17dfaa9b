package proxy

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/keyamuha-ux/collede/pkg/logstore"
)

// handleListLogs serves recent gateway log lines, newest first. Query
// parameters: level (minimum), q (substring), limit, after (entry id).
func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := logstore.Filter{
		MinLevel: q.Get("level"),
		Query:    q.Get("q"),
	}
	if v := strings.TrimSpace(q.Get("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid_limit", "limit must be a non-negative integer")
			return
		}
		f.Limit = n
	}
	if v := strings.TrimSpace(q.Get("after")); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid_cursor", "after must be an entry id")
			return
		}
		f.After = n
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": s.logs.List(f)})
}

func (s *Server) handleClearLogs(w http.ResponseWriter, _ *http.Request) {
	if err := s.logs.Clear(); err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", "clear_failed", "Failed to clear logs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "Logs cleared"})
}
