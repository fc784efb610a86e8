// Package api exposes the MedQuery HTTP surface: query submission, note
// management, the schema explorer, and the audit and operations endpoints.
package api

import (
	"context"
	"encoding/json"
	"expvar"
	"fmt"
	"net/http"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/jmoiron/sqlx"

	"github.com/careloop/medquery/internal/audit"
	"github.com/careloop/medquery/internal/common"
	"github.com/careloop/medquery/internal/data/orchestrator"
	"github.com/careloop/medquery/internal/llm"
	"github.com/careloop/medquery/internal/notes"
	"github.com/careloop/medquery/internal/pipeline"
	"github.com/careloop/medquery/internal/schema"
)

// Runner is the query pipeline boundary, satisfied by pipeline.Pipeline and
// by test fakes.
type Runner interface {
	Run(ctx context.Context, req pipeline.Request) (*pipeline.Response, error)
}

// NoteService covers the note endpoints' needs.
type NoteService interface {
	Ingest(ctx context.Context, note notes.Note) (notes.Note, bool, error)
	ForPatient(ctx context.Context, subjectID int64, limit int) ([]notes.Note, error)
	ReindexAll(ctx context.Context) (int, error)
}

// RetrievalCache is purged after a reindex so stale matches are not served.
type RetrievalCache interface {
	Purge()
}

// AuditReader serves the audit and history endpoints.
type AuditReader interface {
	Recent(ctx context.Context, limit int) ([]audit.Record, error)
	ForUser(ctx context.Context, user string, limit int) ([]audit.Record, error)
	Summarize(ctx context.Context) (*audit.Summary, error)
}

type Server struct {
	router chi.Router

	runner    Runner
	notes     NoteService
	auditlog  AuditReader
	schema    *schema.Provider
	db        *sqlx.DB
	retrieval RetrievalCache
}

func NewServer(orch *orchestrator.Orchestrator, provider llm.Provider) (*Server, error) {
	if orch == nil {
		return nil, fmt.Errorf("orchestrator required")
	}
	if orch.Audit() == nil {
		return nil, fmt.Errorf("audit store unavailable")
	}
	providerName := "unknown"
	if provider != nil {
		providerName = provider.Name()
	}
	common.Logger().Info(
		"api: building server",
		"provider", providerName,
		"vector_available", orch.Vector() != nil && orch.Vector().Available(),
	)
	return newServer(orch.Pipeline(), orch.Notes(), orch.Audit(), orch.Schema(), orch.Warehouse().DB(), orch.Retriever()), nil
}

// newServer wires the routes onto explicit dependencies; tests construct
// servers through this path with fakes.
func newServer(runner Runner, noteSvc NoteService, auditlog AuditReader, schemaProvider *schema.Provider, db *sqlx.DB, retrieval RetrievalCache) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		runner:    runner,
		notes:     noteSvc,
		auditlog:  auditlog,
		schema:    schemaProvider,
		db:        db,
		retrieval: retrieval,
	}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	logger := common.Logger()
	logger.Info("api: configuring routes")
	s.router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			logger.Debug("request", "method", r.Method, "path", r.URL.Path, "dur", time.Since(start), "remote", r.RemoteAddr)
		})
	})

	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	s.router.Handle("/debug/vars", expvar.Handler())

	s.router.Post("/v1/query", s.handleQuery)
	s.router.Get("/v1/history", s.handleHistory)

	s.router.Post("/v1/notes", s.handleNoteCreate)
	s.router.Post("/v1/notes/reindex", s.handleNotesReindex)
	s.router.Get("/v1/notes/{subjectID}", s.handleNotesForPatient)

	s.router.Get("/v1/schema", s.handleSchema)
	s.router.Get("/v1/schema/tables/{name}", s.handleSchemaTable)
	s.router.Post("/v1/schema/refresh", s.handleSchemaRefresh)

	s.router.Get("/v1/audit/logs", s.handleAuditLogs)
	s.router.Get("/v1/audit/summary", s.handleAuditSummary)

	s.router.Get("/v1/analytics/stats", s.handleAnalyticsStats)
	s.router.Get("/v1/logs", s.handleLogs)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	logger := common.Logger()
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "status", status, "error", err)
	} else {
		logger.Warn("request failed", "status", status, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// handleLogs exposes the in-memory log ring for the operations view.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": common.LogEntries()})
}
