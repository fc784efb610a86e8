package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/careloop/medquery/internal/audit"
	"github.com/careloop/medquery/internal/executor"
	"github.com/careloop/medquery/internal/policy"
	"github.com/careloop/medquery/internal/retriever"
	"github.com/careloop/medquery/internal/schema"
	"github.com/careloop/medquery/internal/translator"
	"github.com/careloop/medquery/internal/validator"
)

type staticIntrospector struct{ snap *schema.Snapshot }

func (s staticIntrospector) IntrospectSchema(ctx context.Context) (*schema.Snapshot, error) {
	return s.snap, nil
}

func testSchemaProvider(t *testing.T) *schema.Provider {
	t.Helper()
	snap := schema.NewSnapshot([]schema.Table{
		{Name: "patients", Columns: []schema.Column{
			{Name: "subject_id", Type: "INTEGER"},
			{Name: "gender", Type: "TEXT"},
			{Name: "anchor_age", Type: "INTEGER"},
		}},
		{Name: "admissions", Columns: []schema.Column{
			{Name: "hadm_id", Type: "INTEGER"},
			{Name: "subject_id", Type: "INTEGER"},
			{Name: "admission_type", Type: "TEXT"},
		}},
	})
	provider, err := schema.NewProvider(context.Background(), staticIntrospector{snap: snap})
	if err != nil {
		t.Fatalf("schema provider: %v", err)
	}
	return provider
}

type fakeTranslator struct {
	sql   string
	err   error
	calls int
}

func (f *fakeTranslator) Translate(ctx context.Context, question string, snap *schema.Snapshot) (*translator.TranslatedQuery, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &translator.TranslatedQuery{
		SQL:           f.sql,
		Confidence:    0.9,
		SchemaVersion: snap.Version,
	}, nil
}

type fakeExecutor struct {
	result *executor.Result
	err    error
	calls  int
	gotSQL string
}

func (f *fakeExecutor) Run(ctx context.Context, sql string, rowLimit int) (*executor.Result, error) {
	f.calls++
	f.gotSQL = sql
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fakeRetriever struct {
	result *retriever.Result
	err    error
}

func (f *fakeRetriever) Retrieve(ctx context.Context, question string) (*retriever.Result, error) {
	return f.result, f.err
}

type captureRecorder struct {
	mu   sync.Mutex
	recs []audit.Record
}

func (c *captureRecorder) Record(rec audit.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recs = append(c.recs, rec)
}

func (c *captureRecorder) last(t *testing.T) audit.Record {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.recs) != 1 {
		t.Fatalf("expected exactly one audit record, got %d", len(c.recs))
	}
	return c.recs[0]
}

func newTestPipeline(t *testing.T, trans Translator, exec Executor, retr Retriever, rec Recorder) *Pipeline {
	t.Helper()
	valid := validator.New(validator.Config{MaxRows: 100, InjectLimit: true}, nil)
	return New(testSchemaProvider(t), trans, valid, exec, retr, rec, Config{})
}

func TestRunSuccessMergesBothPaths(t *testing.T) {
	trans := &fakeTranslator{sql: "SELECT gender FROM patients WHERE anchor_age > 60 LIMIT 10"}
	exec := &fakeExecutor{result: &executor.Result{
		Columns:  []string{"gender"},
		Rows:     []map[string]interface{}{{"gender": "F"}},
		RowCount: 1,
		Duration: 12 * time.Millisecond,
	}}
	retr := &fakeRetriever{result: &retriever.Result{Matches: []retriever.Match{{ChunkID: "note-1:0", Score: 0.8}}}}
	recorder := &captureRecorder{}
	p := newTestPipeline(t, trans, exec, retr, recorder)

	resp, err := p.Run(context.Background(), Request{
		User: "dr.patel", Role: policy.RoleDoctor, Question: "gender of elderly patients",
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if resp.RequestID == "" {
		t.Fatal("request id must be assigned")
	}
	if resp.Result == nil || resp.Result.RowCount != 1 {
		t.Fatalf("statement result missing: %+v", resp.Result)
	}
	if resp.Retrieval == nil || len(resp.Retrieval.Matches) != 1 {
		t.Fatalf("retrieval result missing: %+v", resp.Retrieval)
	}
	if resp.Degraded {
		t.Fatal("both paths succeeded, response must not be degraded")
	}

	rec := recorder.last(t)
	if rec.Stage != audit.StageResponded {
		t.Fatalf("stage = %q", rec.Stage)
	}
	if rec.RowCount != 1 || rec.RetrievalCount != 1 || rec.ErrorKind != "" {
		t.Fatalf("audit record incomplete: %+v", rec)
	}
	if rec.GeneratedSQL != resp.SQL || rec.SchemaVersion == "" {
		t.Fatalf("audit record lost statement fields: %+v", rec)
	}
}

func TestRunRejectionSkipsExecutor(t *testing.T) {
	trans := &fakeTranslator{sql: "DELETE FROM patients"}
	exec := &fakeExecutor{}
	recorder := &captureRecorder{}
	p := newTestPipeline(t, trans, exec, &fakeRetriever{result: &retriever.Result{}}, recorder)

	resp, err := p.Run(context.Background(), Request{
		User: "dr.patel", Role: policy.RoleDoctor, Question: "delete everything",
	})
	if err != nil {
		t.Fatalf("retrieval succeeded, so the request must not fail: %v", err)
	}
	if exec.calls != 0 {
		t.Fatal("rejected statement must never reach the executor")
	}
	if resp.Error == nil || resp.Error.Kind != KindUnsafeStatement {
		t.Fatalf("response error missing: %+v", resp.Error)
	}
	if !resp.Degraded {
		t.Fatal("response must be marked degraded")
	}

	rec := recorder.last(t)
	if rec.Stage != audit.StageRejected {
		t.Fatalf("stage = %q", rec.Stage)
	}
	if rec.ErrorKind != string(KindUnsafeStatement) || !rec.Degraded {
		t.Fatalf("audit record: %+v", rec)
	}
}

func TestRunAccessDeniedForRole(t *testing.T) {
	trans := &fakeTranslator{sql: "SELECT subject_id FROM patients LIMIT 5"}
	recorder := &captureRecorder{}
	p := newTestPipeline(t, trans, &fakeExecutor{}, &fakeRetriever{result: &retriever.Result{}}, recorder)

	resp, err := p.Run(context.Background(), Request{
		User: "guest", Role: policy.Role("auditor"), Question: "list patients",
	})
	if err != nil {
		t.Fatalf("retrieval succeeded, so the request must not fail: %v", err)
	}
	if resp.Error == nil || resp.Error.Kind != KindAccessDenied {
		t.Fatalf("unknown role must be denied, got %+v", resp.Error)
	}
}

func TestRunStatementFailureDegradesToRetrieval(t *testing.T) {
	trans := &fakeTranslator{err: &translator.Error{Reason: "model unreachable"}}
	exec := &fakeExecutor{}
	retr := &fakeRetriever{result: &retriever.Result{Matches: []retriever.Match{{ChunkID: "note-1:0", Score: 0.7}}}}
	recorder := &captureRecorder{}
	p := newTestPipeline(t, trans, exec, retr, recorder)

	resp, err := p.Run(context.Background(), Request{
		User: "dr.patel", Role: policy.RoleDoctor, Question: "recent sepsis notes",
	})
	if err != nil {
		t.Fatalf("one successful path must not yield a request error: %v", err)
	}
	if !resp.Degraded || resp.DegradedReason == "" {
		t.Fatalf("response must be marked degraded: %+v", resp)
	}
	if resp.Retrieval == nil || len(resp.Retrieval.Matches) != 1 {
		t.Fatalf("note matches must still answer the request: %+v", resp.Retrieval)
	}
	if resp.Error == nil || resp.Error.Kind != KindTranslationError {
		t.Fatalf("statement failure must stay visible: %+v", resp.Error)
	}

	rec := recorder.last(t)
	if rec.ErrorKind != string(KindTranslationError) || !rec.Degraded {
		t.Fatalf("audit record: %+v", rec)
	}
	if rec.RetrievalCount != 1 {
		t.Fatalf("retrieval count = %d", rec.RetrievalCount)
	}
}

func TestRunRetrievalFailureDegrades(t *testing.T) {
	trans := &fakeTranslator{sql: "SELECT gender FROM patients LIMIT 10"}
	exec := &fakeExecutor{result: &executor.Result{RowCount: 2}}
	recorder := &captureRecorder{}
	p := newTestPipeline(t, trans, exec, &fakeRetriever{err: retriever.ErrIndexUnavailable}, recorder)

	resp, err := p.Run(context.Background(), Request{
		User: "dr.patel", Role: policy.RoleDoctor, Question: "patient genders",
	})
	if err != nil {
		t.Fatalf("retrieval failure alone must not fail the request: %v", err)
	}
	if !resp.Degraded || resp.DegradedReason == "" {
		t.Fatalf("response must be marked degraded: %+v", resp)
	}
	if resp.Result == nil || resp.Result.RowCount != 2 {
		t.Fatalf("statement result missing: %+v", resp.Result)
	}
	if resp.Retrieval != nil {
		t.Fatal("no retrieval payload expected")
	}

	rec := recorder.last(t)
	if rec.Stage != audit.StageRetrievalFailed || !rec.Degraded {
		t.Fatalf("audit record: %+v", rec)
	}
	if rec.ErrorKind != "" {
		t.Fatalf("degraded success must not record an error kind: %q", rec.ErrorKind)
	}
}

func TestRunBothPathsFail(t *testing.T) {
	trans := &fakeTranslator{err: &translator.Error{Reason: "model request failed"}}
	recorder := &captureRecorder{}
	p := newTestPipeline(t, trans, &fakeExecutor{}, &fakeRetriever{err: errors.New("index down")}, recorder)

	resp, err := p.Run(context.Background(), Request{
		User: "dr.patel", Role: policy.RoleDoctor, Question: "anything",
	})
	var perr *Error
	if !errors.As(err, &perr) || perr.Kind != KindTranslationError {
		t.Fatalf("combined error must keep the statement kind, got %v", err)
	}
	if !strings.Contains(perr.Summary, "note retrieval also failed") {
		t.Fatalf("summary = %q", perr.Summary)
	}
	if resp.Error == nil || resp.Error.Kind != KindTranslationError {
		t.Fatalf("response error: %+v", resp.Error)
	}

	rec := recorder.last(t)
	if rec.ErrorKind != string(KindTranslationError) {
		t.Fatalf("error kind = %q", rec.ErrorKind)
	}
}

func TestRunExecutionTimeout(t *testing.T) {
	trans := &fakeTranslator{sql: "SELECT gender FROM patients LIMIT 10"}
	exec := &fakeExecutor{err: executor.ErrTimeout}
	recorder := &captureRecorder{}
	p := newTestPipeline(t, trans, exec, &fakeRetriever{result: &retriever.Result{}}, recorder)

	resp, err := p.Run(context.Background(), Request{
		User: "dr.patel", Role: policy.RoleDoctor, Question: "slow question",
	})
	if err != nil {
		t.Fatalf("retrieval succeeded, so the request must not fail: %v", err)
	}
	if resp.Error == nil || resp.Error.Kind != KindExecutionTimeout {
		t.Fatalf("kind = %+v, want %v", resp.Error, KindExecutionTimeout)
	}
	if recorder.last(t).Stage != audit.StageExecutionFailed {
		t.Fatalf("stage = %q", recorder.last(t).Stage)
	}
}

func TestRunKeepsCallerRequestID(t *testing.T) {
	trans := &fakeTranslator{sql: "SELECT gender FROM patients LIMIT 1"}
	exec := &fakeExecutor{result: &executor.Result{}}
	recorder := &captureRecorder{}
	p := newTestPipeline(t, trans, exec, &fakeRetriever{result: &retriever.Result{}}, recorder)

	resp, err := p.Run(context.Background(), Request{
		RequestID: "req-fixed", User: "dr.patel", Role: policy.RoleDoctor, Question: "q",
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if resp.RequestID != "req-fixed" || recorder.last(t).RequestID != "req-fixed" {
		t.Fatalf("request id not preserved: %q / %q", resp.RequestID, recorder.last(t).RequestID)
	}
}
