package api

import (
	"errors"
	"fmt"
	"net/http"

	chi "github.com/go-chi/chi/v5"
)

// handleSchema returns the current snapshot for the explorer view.
func (s *Server) handleSchema(w http.ResponseWriter, r *http.Request) {
	if _, err := identityFromRequest(r); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	snap := s.schema.Current()
	if snap == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("schema snapshot unavailable"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"version":    snap.Version,
		"created_at": snap.CreatedAt,
		"tables":     snap.Tables,
	})
}

// handleSchemaTable pages through one table's rows. The table name is
// validated against the snapshot before it reaches SQL, so only known tables
// are ever interpolated.
func (s *Server) handleSchemaTable(w http.ResponseWriter, r *http.Request) {
	id, err := identityFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	snap := s.schema.Current()
	if snap == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("schema snapshot unavailable"))
		return
	}
	name := chi.URLParam(r, "name")
	table, ok := snap.Table(name)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown table %q", name))
		return
	}
	if !defaultPolicy.CanAccessTable(id.Role, table.Name) {
		writeError(w, http.StatusForbidden, fmt.Errorf("role %q may not read table %q", id.Role, table.Name))
		return
	}

	limit := queryInt(r, "limit", 50)
	if limit > 500 {
		limit = 500
	}
	offset := queryInt(r, "offset", 0)
	if r.URL.Query().Get("offset") == "" {
		offset = 0
	}

	stmt := fmt.Sprintf("SELECT * FROM %q LIMIT ? OFFSET ?", table.Name)
	rows, err := s.db.QueryxContext(r.Context(), stmt, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("read table: %w", err))
		return
	}
	defer rows.Close()

	var out []map[string]interface{}
	for rows.Next() {
		row := map[string]interface{}{}
		if err := rows.MapScan(row); err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Errorf("scan row: %w", err))
			return
		}
		for key, value := range row {
			if b, ok := value.([]byte); ok {
				row[key] = string(b)
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("read table: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"table":  table.Name,
		"limit":  limit,
		"offset": offset,
		"rows":   out,
	})
}

// handleSchemaRefresh re-introspects the warehouse on demand. Admin only.
func (s *Server) handleSchemaRefresh(w http.ResponseWriter, r *http.Request) {
	if _, err := requireAdmin(r); err != nil {
		writeError(w, http.StatusForbidden, err)
		return
	}
	if err := s.schema.Refresh(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	snap := s.schema.Current()
	writeJSON(w, http.StatusOK, map[string]interface{}{"version": snap.Version})
}
