package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/careloop/medquery/internal/audit"
	"github.com/careloop/medquery/internal/notes"
	"github.com/careloop/medquery/internal/pipeline"
	"github.com/careloop/medquery/internal/schema"
	"github.com/careloop/medquery/internal/warehouse"
)

type fakeRunner struct {
	resp    *pipeline.Response
	err     error
	lastReq pipeline.Request
}

func (f *fakeRunner) Run(ctx context.Context, req pipeline.Request) (*pipeline.Response, error) {
	f.lastReq = req
	return f.resp, f.err
}

type fakeNotes struct {
	ingested   []notes.Note
	indexed    bool
	list       []notes.Note
	reindexed  int
	reindexErr error
}

func (f *fakeNotes) Ingest(ctx context.Context, note notes.Note) (notes.Note, bool, error) {
	if strings.TrimSpace(note.Content) == "" {
		return notes.Note{}, false, errors.New("note content is empty")
	}
	note.ID = int64(len(f.ingested) + 1)
	f.ingested = append(f.ingested, note)
	return note, f.indexed, nil
}

func (f *fakeNotes) ForPatient(ctx context.Context, subjectID int64, limit int) ([]notes.Note, error) {
	return f.list, nil
}

func (f *fakeNotes) ReindexAll(ctx context.Context) (int, error) {
	if f.reindexErr != nil {
		return 0, f.reindexErr
	}
	f.reindexed++
	return len(f.list), nil
}

type fakeCache struct {
	purges int
}

func (f *fakeCache) Purge() { f.purges++ }

type fakeAudit struct {
	records []audit.Record
	summary *audit.Summary
}

func (f *fakeAudit) Recent(ctx context.Context, limit int) ([]audit.Record, error) {
	return f.records, nil
}

func (f *fakeAudit) ForUser(ctx context.Context, user string, limit int) ([]audit.Record, error) {
	var out []audit.Record
	for _, rec := range f.records {
		if rec.User == user {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (f *fakeAudit) Summarize(ctx context.Context) (*audit.Summary, error) {
	if f.summary == nil {
		return &audit.Summary{}, nil
	}
	return f.summary, nil
}

type serverFixture struct {
	server *Server
	runner *fakeRunner
	notes  *fakeNotes
	audit  *fakeAudit
	cache  *fakeCache
}

func newFixture(t *testing.T) *serverFixture {
	t.Helper()
	wh, err := warehouse.Open(filepath.Join(t.TempDir(), "warehouse.db"))
	if err != nil {
		t.Fatalf("open warehouse: %v", err)
	}
	t.Cleanup(func() { wh.Close() })
	provider, err := schema.NewProvider(context.Background(), wh)
	if err != nil {
		t.Fatalf("schema provider: %v", err)
	}
	fx := &serverFixture{
		runner: &fakeRunner{resp: &pipeline.Response{RequestID: "req-1"}},
		notes:  &fakeNotes{indexed: true},
		audit:  &fakeAudit{},
		cache:  &fakeCache{},
	}
	fx.server = newServer(fx.runner, fx.notes, fx.audit, provider, wh.DB(), fx.cache)
	return fx
}

func doRequest(t *testing.T, s *Server, method, path, user, role, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if user != "" {
		req.Header.Set(headerUser, user)
	}
	if role != "" {
		req.Header.Set(headerRole, role)
	}
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return out
}

func TestHealthz(t *testing.T) {
	fx := newFixture(t)
	w := doRequest(t, fx.server, http.MethodGet, "/healthz", "", "", "")
	if w.Code != http.StatusOK || w.Body.String() != "ok" {
		t.Fatalf("healthz: %d %q", w.Code, w.Body.String())
	}
}

func TestQueryHappyPath(t *testing.T) {
	fx := newFixture(t)
	fx.runner.resp = &pipeline.Response{RequestID: "req-1", SQL: "SELECT 1"}

	w := doRequest(t, fx.server, http.MethodPost, "/v1/query", "dr.patel", "doctor",
		`{"question": "how many patients"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if fx.runner.lastReq.User != "dr.patel" || string(fx.runner.lastReq.Role) != "doctor" {
		t.Fatalf("identity not forwarded: %+v", fx.runner.lastReq)
	}
	body := decodeBody(t, w)
	if body["request_id"] != "req-1" {
		t.Fatalf("body: %v", body)
	}
}

func TestQueryIdentityRequired(t *testing.T) {
	fx := newFixture(t)

	w := doRequest(t, fx.server, http.MethodPost, "/v1/query", "", "doctor", `{"question":"q"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing user: status = %d", w.Code)
	}
	w = doRequest(t, fx.server, http.MethodPost, "/v1/query", "dr.patel", "superuser", `{"question":"q"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("unknown role: status = %d", w.Code)
	}
	w = doRequest(t, fx.server, http.MethodPost, "/v1/query", "dr.patel", "doctor", `{"question":"  "}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("blank question: status = %d", w.Code)
	}
}

func TestQueryStatusMapping(t *testing.T) {
	cases := []struct {
		kind pipeline.Kind
		want int
	}{
		{pipeline.KindTranslationError, http.StatusUnprocessableEntity},
		{pipeline.KindUnsafeStatement, http.StatusBadRequest},
		{pipeline.KindUnknownIdentifier, http.StatusBadRequest},
		{pipeline.KindInjectionSuspected, http.StatusBadRequest},
		{pipeline.KindUnboundedQuery, http.StatusBadRequest},
		{pipeline.KindAccessDenied, http.StatusForbidden},
		{pipeline.KindExecutionTimeout, http.StatusGatewayTimeout},
		{pipeline.KindRetrievalError, http.StatusBadGateway},
		{pipeline.KindExecutionError, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(string(tc.kind), func(t *testing.T) {
			fx := newFixture(t)
			fx.runner.err = &pipeline.Error{Kind: tc.kind, Summary: "nope"}
			fx.runner.resp = &pipeline.Response{
				RequestID: "req-err",
				Error:     &pipeline.ErrorInfo{Kind: tc.kind, Summary: "nope"},
			}
			w := doRequest(t, fx.server, http.MethodPost, "/v1/query", "dr.patel", "doctor",
				`{"question":"q"}`)
			if w.Code != tc.want {
				t.Fatalf("status = %d, want %d", w.Code, tc.want)
			}
			// The body still carries the pipeline view of the failed request.
			body := decodeBody(t, w)
			if body["request_id"] != "req-err" {
				t.Fatalf("error body lost the pipeline response: %v", body)
			}
		})
	}
}

func TestHistoryReturnsOwnRecords(t *testing.T) {
	fx := newFixture(t)
	fx.audit.records = []audit.Record{
		{RequestID: "req-a", User: "dr.patel"},
		{RequestID: "req-b", User: "dr.nunez"},
	}
	w := doRequest(t, fx.server, http.MethodGet, "/v1/history", "dr.patel", "doctor", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := decodeBody(t, w)
	history, ok := body["history"].([]interface{})
	if !ok || len(history) != 1 {
		t.Fatalf("history: %v", body)
	}
}

func TestNoteCreate(t *testing.T) {
	fx := newFixture(t)
	w := doRequest(t, fx.server, http.MethodPost, "/v1/notes", "dr.patel", "doctor",
		`{"subject_id": 7, "note_type": "Progress note", "content": "stable overnight"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["indexed"] != true {
		t.Fatalf("indexed flag: %v", body)
	}
	if len(fx.notes.ingested) != 1 {
		t.Fatalf("note not ingested")
	}
	if got := fx.notes.ingested[0].Author; got == nil || *got != "dr.patel" {
		t.Fatalf("author not stamped from identity: %v", got)
	}
}

func TestNotesForbiddenForResearchers(t *testing.T) {
	fx := newFixture(t)
	w := doRequest(t, fx.server, http.MethodPost, "/v1/notes", "researcher.kim", "researcher",
		`{"subject_id": 7, "content": "x"}`)
	if w.Code != http.StatusForbidden {
		t.Fatalf("create: status = %d", w.Code)
	}
	w = doRequest(t, fx.server, http.MethodGet, "/v1/notes/7", "researcher.kim", "researcher", "")
	if w.Code != http.StatusForbidden {
		t.Fatalf("read: status = %d", w.Code)
	}
}

func TestNotesReindexAdminOnly(t *testing.T) {
	fx := newFixture(t)
	fx.notes.list = []notes.Note{{ID: 1, SubjectID: 7, Content: "x"}}

	w := doRequest(t, fx.server, http.MethodPost, "/v1/notes/reindex", "dr.patel", "doctor", "")
	if w.Code != http.StatusForbidden {
		t.Fatalf("doctor reindex: status = %d", w.Code)
	}
	if fx.notes.reindexed != 0 || fx.cache.purges != 0 {
		t.Fatal("forbidden request must not reindex or purge")
	}

	w = doRequest(t, fx.server, http.MethodPost, "/v1/notes/reindex", "ops", "admin", "")
	if w.Code != http.StatusOK {
		t.Fatalf("admin reindex: status = %d, body %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["indexed"] != float64(1) {
		t.Fatalf("indexed count: %v", body)
	}
	if fx.notes.reindexed != 1 {
		t.Fatalf("reindex calls = %d", fx.notes.reindexed)
	}
	if fx.cache.purges != 1 {
		t.Fatalf("cache purges = %d", fx.cache.purges)
	}
}

func TestNotesReindexFailureKeepsCache(t *testing.T) {
	fx := newFixture(t)
	fx.notes.reindexErr = errors.New("vector store unavailable")

	w := doRequest(t, fx.server, http.MethodPost, "/v1/notes/reindex", "ops", "admin", "")
	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d", w.Code)
	}
	if fx.cache.purges != 0 {
		t.Fatal("a failed reindex must not purge the cache")
	}
}

func TestNotesForPatientValidatesSubjectID(t *testing.T) {
	fx := newFixture(t)
	w := doRequest(t, fx.server, http.MethodGet, "/v1/notes/abc", "dr.patel", "doctor", "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestSchemaEndpoint(t *testing.T) {
	fx := newFixture(t)
	w := doRequest(t, fx.server, http.MethodGet, "/v1/schema", "dr.patel", "doctor", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["version"] == "" || body["tables"] == nil {
		t.Fatalf("schema body: %v", body)
	}
}

func TestSchemaTableBrowse(t *testing.T) {
	fx := newFixture(t)
	if _, err := fx.server.db.Exec(
		`INSERT INTO patients (subject_id, gender, anchor_age, anchor_year) VALUES (1, 'F', 44, 2020)`); err != nil {
		t.Fatalf("seed: %v", err)
	}

	w := doRequest(t, fx.server, http.MethodGet, "/v1/schema/tables/patients", "dr.patel", "doctor", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	rows, ok := body["rows"].([]interface{})
	if !ok || len(rows) != 1 {
		t.Fatalf("rows: %v", body)
	}

	w = doRequest(t, fx.server, http.MethodGet, "/v1/schema/tables/nonexistent", "dr.patel", "doctor", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown table: status = %d", w.Code)
	}

	w = doRequest(t, fx.server, http.MethodGet, "/v1/schema/tables/clinical_notes", "researcher.kim", "researcher", "")
	if w.Code != http.StatusForbidden {
		t.Fatalf("researcher notes browse: status = %d", w.Code)
	}
}

func TestSchemaRefreshAdminOnly(t *testing.T) {
	fx := newFixture(t)
	w := doRequest(t, fx.server, http.MethodPost, "/v1/schema/refresh", "dr.patel", "doctor", "")
	if w.Code != http.StatusForbidden {
		t.Fatalf("doctor refresh: status = %d", w.Code)
	}
	w = doRequest(t, fx.server, http.MethodPost, "/v1/schema/refresh", "ops", "admin", "")
	if w.Code != http.StatusOK {
		t.Fatalf("admin refresh: status = %d, body %s", w.Code, w.Body.String())
	}
}

func TestAuditEndpointsAdminOnly(t *testing.T) {
	fx := newFixture(t)
	for _, path := range []string{"/v1/audit/logs", "/v1/audit/summary"} {
		w := doRequest(t, fx.server, http.MethodGet, path, "dr.patel", "doctor", "")
		if w.Code != http.StatusForbidden {
			t.Fatalf("%s as doctor: status = %d", path, w.Code)
		}
		w = doRequest(t, fx.server, http.MethodGet, path, "ops", "admin", "")
		if w.Code != http.StatusOK {
			t.Fatalf("%s as admin: status = %d", path, w.Code)
		}
	}
}

func TestAnalyticsStats(t *testing.T) {
	fx := newFixture(t)
	for i := 1; i <= 3; i++ {
		if _, err := fx.server.db.Exec(
			`INSERT INTO patients (subject_id, gender, anchor_age, anchor_year) VALUES (?, 'M', ?, 2020)`,
			i, 40+i); err != nil {
			t.Fatalf("seed patient %d: %v", i, err)
		}
	}
	w := doRequest(t, fx.server, http.MethodGet, "/v1/analytics/stats", "dr.patel", "doctor", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	counts, ok := body["row_counts"].(map[string]interface{})
	if !ok {
		t.Fatalf("row_counts: %v", body)
	}
	if counts["patients"] != float64(3) {
		t.Fatalf("patients count = %v", counts["patients"])
	}
}

func TestLogsEndpoint(t *testing.T) {
	fx := newFixture(t)
	w := doRequest(t, fx.server, http.MethodGet, "/v1/logs", "", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := decodeBody(t, w)
	if _, ok := body["entries"]; !ok {
		t.Fatalf("entries missing: %v", body)
	}
}
