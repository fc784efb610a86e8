// Package pipeline coordinates one query request end to end: translation,
// validation, and execution on one path, note retrieval on the other, with
// an audit record written whatever happens.
package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/careloop/medquery/internal/audit"
	"github.com/careloop/medquery/internal/common"
	"github.com/careloop/medquery/internal/common/telemetry"
	"github.com/careloop/medquery/internal/executor"
	"github.com/careloop/medquery/internal/policy"
	"github.com/careloop/medquery/internal/retriever"
	"github.com/careloop/medquery/internal/schema"
	"github.com/careloop/medquery/internal/translator"
	"github.com/careloop/medquery/internal/validator"
)

// Translator, Executor, and Retriever are the pipeline's collaborator
// boundaries, satisfied by the concrete implementations and by test fakes.
type Translator interface {
	Translate(ctx context.Context, question string, snap *schema.Snapshot) (*translator.TranslatedQuery, error)
}

type Executor interface {
	Run(ctx context.Context, sql string, rowLimit int) (*executor.Result, error)
}

type Retriever interface {
	Retrieve(ctx context.Context, question string) (*retriever.Result, error)
}

// Recorder receives the audit record for every request.
type Recorder interface {
	Record(rec audit.Record)
}

// Request is one natural-language query with its caller identity. The
// identity is pre-authenticated upstream; the pipeline only enforces role
// policy on the generated statement.
type Request struct {
	RequestID string
	User      string
	Role      policy.Role
	Question  string
}

// ErrorInfo is the client-safe projection of a pipeline error.
type ErrorInfo struct {
	Kind    Kind   `json:"kind"`
	Summary string `json:"summary"`
}

// Response is the merged outcome of both paths. Degraded is set when note
// retrieval failed but the statement path succeeded.
type Response struct {
	RequestID      string            `json:"request_id"`
	Question       string            `json:"question"`
	SQL            string            `json:"sql,omitempty"`
	Confidence     float64           `json:"confidence,omitempty"`
	SchemaVersion  string            `json:"schema_version,omitempty"`
	Result         *executor.Result  `json:"result,omitempty"`
	Retrieval      *retriever.Result `json:"retrieval,omitempty"`
	Degraded       bool              `json:"degraded,omitempty"`
	DegradedReason string            `json:"degraded_reason,omitempty"`
	Error          *ErrorInfo        `json:"error,omitempty"`
}

// Config bounds the two concurrent paths. Executor timeouts are configured
// on the executor itself.
type Config struct {
	TranslateTimeout time.Duration
	RetrieveTimeout  time.Duration
}

func (c *Config) applyDefaults() {
	if c.TranslateTimeout <= 0 {
		c.TranslateTimeout = 30 * time.Second
	}
	if c.RetrieveTimeout <= 0 {
		c.RetrieveTimeout = 15 * time.Second
	}
}

// Pipeline wires the collaborators for query handling.
type Pipeline struct {
	schema     *schema.Provider
	translator Translator
	validator  *validator.Validator
	executor   Executor
	retriever  Retriever
	recorder   Recorder
	cfg        Config
}

func New(
	schemaProvider *schema.Provider,
	trans Translator,
	valid *validator.Validator,
	exec Executor,
	retr Retriever,
	recorder Recorder,
	cfg Config,
) *Pipeline {
	cfg.applyDefaults()
	return &Pipeline{
		schema:     schemaProvider,
		translator: trans,
		validator:  valid,
		executor:   exec,
		retriever:  retr,
		recorder:   recorder,
		cfg:        cfg,
	}
}

// Run processes one request. The statement path and the retrieval path run
// concurrently; their outcomes merge into a single response. The audit
// record is always written, carrying the furthest stage the request reached.
// A request fails only when both paths fail; a single-path failure degrades
// the response instead, with the failing path described in the response
// error or the degraded reason.
func (p *Pipeline) Run(ctx context.Context, req Request) (*Response, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	req.Question = strings.TrimSpace(req.Question)

	resp := &Response{RequestID: req.RequestID, Question: req.Question}
	rec := audit.Record{
		RequestID: req.RequestID,
		Timestamp: time.Now().UTC(),
		User:      req.User,
		Role:      string(req.Role),
		Question:  req.Question,
		Stage:     audit.StageReceived,
	}

	var (
		stmtErr   *Error
		retrErr   error
		retrieval *retriever.Result
	)

	var g errgroup.Group

	g.Go(func() error {
		stmtErr = p.runStatementPath(ctx, req, resp, &rec)
		return nil
	})

	g.Go(func() error {
		rctx, cancel := context.WithTimeout(ctx, p.cfg.RetrieveTimeout)
		defer cancel()
		retrieval, retrErr = p.retriever.Retrieve(rctx, req.Question)
		return nil
	})

	_ = g.Wait()

	// Merge the two outcomes. One failed path degrades the response; only
	// both failing fails the request. A statement-path failure keeps its own
	// terminal stage in the audit record.
	if retrErr == nil {
		resp.Retrieval = retrieval
		if retrieval != nil {
			rec.RetrievalCount = len(retrieval.Matches)
		}
	}

	var runErr error
	switch {
	case stmtErr != nil && retrErr != nil:
		combined := newError(stmtErr.Kind,
			stmtErr.Summary+"; note retrieval also failed", stmtErr.Err)
		resp.Error = &ErrorInfo{Kind: combined.Kind, Summary: combined.Summary}
		rec.ErrorKind = string(combined.Kind)
		rec.ErrorDetail = combined.Error()
		runErr = combined
	case stmtErr != nil:
		// Retrieval succeeded, so the request answers from the note matches.
		// The statement failure stays visible in the response error and the
		// audit record.
		resp.Degraded = true
		resp.DegradedReason = "structured query unavailable"
		resp.Error = &ErrorInfo{Kind: stmtErr.Kind, Summary: stmtErr.Summary}
		rec.ErrorKind = string(stmtErr.Kind)
		rec.ErrorDetail = stmtErr.Error()
		rec.Degraded = true
		common.Logger().Warn("pipeline: statement path degraded",
			"request_id", req.RequestID, "error", stmtErr)
	case retrErr != nil:
		resp.Degraded = true
		resp.DegradedReason = "note retrieval unavailable"
		rec.Stage = audit.StageRetrievalFailed
		rec.Degraded = true
		common.Logger().Warn("pipeline: retrieval degraded",
			"request_id", req.RequestID, "error", retrErr)
	default:
		rec.Stage = audit.StageResponded
	}

	p.record(rec)
	telemetry.RecordQuery(rec.Stage, runErr != nil)
	return resp, runErr
}

// runStatementPath carries the request through translate, validate, and
// execute, updating the response and audit record as stages complete.
func (p *Pipeline) runStatementPath(ctx context.Context, req Request, resp *Response, rec *audit.Record) *Error {
	snap := p.schema.Current()
	if snap == nil {
		return newError(KindTranslationError, "schema snapshot unavailable", nil)
	}

	rec.Stage = audit.StageTranslating
	tctx, cancel := context.WithTimeout(ctx, p.cfg.TranslateTimeout)
	translated, err := p.translator.Translate(tctx, req.Question, snap)
	cancel()
	if err != nil {
		return classifyTranslation(err)
	}
	rec.Stage = audit.StageTranslated
	rec.GeneratedSQL = translated.SQL
	rec.SchemaVersion = translated.SchemaVersion
	rec.Confidence = translated.Confidence
	resp.SQL = translated.SQL
	resp.Confidence = translated.Confidence
	resp.SchemaVersion = translated.SchemaVersion

	rec.Stage = audit.StageValidating
	verdict := p.validator.Validate(translated.SQL, snap, req.Role)
	if !verdict.Accepted {
		rec.Stage = audit.StageRejected
		return newError(kindForRule(verdict.Rule), verdict.Reason, nil)
	}
	rec.Stage = audit.StageValidated
	resp.SQL = verdict.Normalized
	rec.GeneratedSQL = verdict.Normalized

	rec.Stage = audit.StageExecuting
	result, err := p.executor.Run(ctx, verdict.Normalized, verdict.RowLimit)
	if err != nil {
		rec.Stage = audit.StageExecutionFailed
		return classifyExecution(err)
	}
	rec.Stage = audit.StageExecuted
	rec.RowCount = result.RowCount
	rec.Truncated = result.Truncated
	rec.ExecutionMS = result.Duration.Milliseconds()
	resp.Result = result
	return nil
}

func (p *Pipeline) record(rec audit.Record) {
	if p.recorder == nil {
		common.Logger().Error("pipeline: no audit recorder configured, record lost",
			"request_id", rec.RequestID, "error_kind", KindAuditWriteFailure)
		return
	}
	p.recorder.Record(rec)
}
