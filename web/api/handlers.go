package api

import (
	"net/http"
	"strconv"
	"strings"
)

func (s *Server) statusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		writeJSON(w, s.status.Status())
	}
}

func (s *Server) listRunsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if s.history == nil {
			writeError(w, http.StatusNotFound, "run history not enabled")
			return
		}

		limit := 20
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				writeError(w, http.StatusBadRequest, "bad limit %q", v)
				return
			}
			limit = n
		}

		runs, err := s.history.ListRuns(limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "listing runs: %v", err)
			return
		}
		writeJSON(w, runs)
	}
}

// getRunHandler serves /api/runs/{id}: the run record plus its per-issue
// outcomes.
func (s *Server) getRunHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if s.history == nil {
			writeError(w, http.StatusNotFound, "run history not enabled")
			return
		}

		id := strings.TrimPrefix(r.URL.Path, "/api/runs/")
		if id == "" || strings.Contains(id, "/") {
			writeError(w, http.StatusBadRequest, "bad run id")
			return
		}

		run, err := s.history.GetRun(id)
		if err != nil {
			writeError(w, http.StatusNotFound, "run %s not found", id)
			return
		}
		issues, err := s.history.ListIssues(id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "listing issues: %v", err)
			return
		}
		writeJSON(w, map[string]any{
			"run":    run,
			"issues": issues,
		})
	}
}

// issueHistoryHandler serves /api/issues/{id}/history.
func (s *Server) issueHistoryHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if s.history == nil {
			writeError(w, http.StatusNotFound, "run history not enabled")
			return
		}

		rest := strings.TrimPrefix(r.URL.Path, "/api/issues/")
		id, ok := strings.CutSuffix(rest, "/history")
		if !ok || id == "" || strings.Contains(id, "/") {
			writeError(w, http.StatusBadRequest, "bad issue path")
			return
		}

		hist, err := s.history.IssueHistory(id, 20)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "issue history: %v", err)
			return
		}
		writeJSON(w, hist)
	}
}
