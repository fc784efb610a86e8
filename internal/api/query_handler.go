package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/careloop/medquery/internal/pipeline"
)

type queryRequest struct {
	Question string `json:"question"`
}

// handleQuery runs one natural-language query through the pipeline. The
// response body always carries the pipeline's view of the request, including
// partial results on a degraded run; only the status code reflects failure.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	id, err := identityFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		writeError(w, http.StatusBadRequest, errors.New("question is required"))
		return
	}

	resp, runErr := s.runner.Run(r.Context(), pipeline.Request{
		User:     id.User,
		Role:     id.Role,
		Question: req.Question,
	})
	if runErr != nil {
		writeJSON(w, statusForError(runErr), resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// statusForError maps the pipeline taxonomy onto HTTP status codes.
func statusForError(err error) int {
	var perr *pipeline.Error
	if !errors.As(err, &perr) {
		return http.StatusInternalServerError
	}
	switch perr.Kind {
	case pipeline.KindTranslationError:
		return http.StatusUnprocessableEntity
	case pipeline.KindUnsafeStatement,
		pipeline.KindUnknownIdentifier,
		pipeline.KindInjectionSuspected,
		pipeline.KindUnboundedQuery:
		return http.StatusBadRequest
	case pipeline.KindAccessDenied:
		return http.StatusForbidden
	case pipeline.KindExecutionTimeout:
		return http.StatusGatewayTimeout
	case pipeline.KindRetrievalError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// handleHistory returns the requester's own recent queries.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id, err := identityFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	limit := queryInt(r, "limit", 50)
	records, err := s.auditlog.ForUser(r.Context(), id.User, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"history": records})
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}
