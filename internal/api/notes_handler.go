package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	chi "github.com/go-chi/chi/v5"

	"github.com/careloop/medquery/internal/notes"
	"github.com/careloop/medquery/internal/policy"
)

type noteCreateRequest struct {
	SubjectID int64  `json:"subject_id"`
	HadmID    *int64 `json:"hadm_id,omitempty"`
	NoteType  string `json:"note_type"`
	Content   string `json:"content"`
}

// handleNoteCreate stores a clinical note and indexes it for retrieval.
// Researchers cannot write notes; they cannot read them either.
func (s *Server) handleNoteCreate(w http.ResponseWriter, r *http.Request) {
	id, err := identityFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if id.Role == policy.RoleResearcher {
		writeError(w, http.StatusForbidden, fmt.Errorf("role %q may not write clinical notes", id.Role))
		return
	}
	var req noteCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	author := id.User
	note, indexed, err := s.notes.Ingest(r.Context(), notes.Note{
		SubjectID: req.SubjectID,
		HadmID:    req.HadmID,
		NoteType:  req.NoteType,
		Content:   req.Content,
		Author:    &author,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"note":    note,
		"indexed": indexed,
	})
}

// handleNotesReindex re-embeds every stored note and drops cached retrieval
// results. Admin only; used after a collection rebuild or an embedding model
// change.
func (s *Server) handleNotesReindex(w http.ResponseWriter, r *http.Request) {
	if _, err := requireAdmin(r); err != nil {
		writeError(w, http.StatusForbidden, err)
		return
	}
	count, err := s.notes.ReindexAll(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, fmt.Errorf("reindex notes: %w", err))
		return
	}
	if s.retrieval != nil {
		s.retrieval.Purge()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"indexed": count})
}

// handleNotesForPatient lists a patient's stored notes.
func (s *Server) handleNotesForPatient(w http.ResponseWriter, r *http.Request) {
	id, err := identityFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if id.Role == policy.RoleResearcher {
		writeError(w, http.StatusForbidden, fmt.Errorf("role %q may not read clinical notes", id.Role))
		return
	}
	subjectID, err := strconv.ParseInt(chi.URLParam(r, "subjectID"), 10, 64)
	if err != nil || subjectID <= 0 {
		writeError(w, http.StatusBadRequest, errors.New("invalid subject id"))
		return
	}
	list, err := s.notes.ForPatient(r.Context(), subjectID, queryInt(r, "limit", 50))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"notes": list})
}
