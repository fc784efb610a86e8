package api

import (
	"net/http"
)

// handleAuditLogs returns recent audit records across all users. Admin only.
func (s *Server) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	if _, err := requireAdmin(r); err != nil {
		writeError(w, http.StatusForbidden, err)
		return
	}
	records, err := s.auditlog.Recent(r.Context(), queryInt(r, "limit", 100))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"logs": records})
}

// handleAuditSummary returns aggregate audit statistics. Admin only.
func (s *Server) handleAuditSummary(w http.ResponseWriter, r *http.Request) {
	if _, err := requireAdmin(r); err != nil {
		writeError(w, http.StatusForbidden, err)
		return
	}
	summary, err := s.auditlog.Summarize(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
