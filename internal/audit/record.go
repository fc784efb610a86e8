// Package audit persists one tamper-evident record per query request. The
// record is written whatever the request outcome; the recorder keeps audit
// writes off the response path.
package audit

import (
	"context"
	"time"
)

// Stage names the furthest point a request reached in the pipeline.
const (
	StageReceived        = "RECEIVED"
	StageTranslating     = "TRANSLATING"
	StageTranslated      = "TRANSLATED"
	StageValidating      = "VALIDATING"
	StageValidated       = "VALIDATED"
	StageRejected        = "REJECTED"
	StageExecuting       = "EXECUTING"
	StageExecuted        = "EXECUTED"
	StageExecutionFailed = "EXECUTION_FAILED"
	StageRetrieving      = "RETRIEVING"
	StageRetrieved       = "RETRIEVED"
	StageRetrievalFailed = "RETRIEVAL_FAILED"
	StageAudited         = "AUDITED"
	StageResponded       = "RESPONDED"
)

// Record is the durable trace of one request. RequestID is the idempotency
// key: appending the same id twice replaces rather than duplicates.
type Record struct {
	RequestID      string    `db:"request_id" json:"request_id"`
	Timestamp      time.Time `db:"created_at" json:"timestamp"`
	User           string    `db:"user_name" json:"user"`
	Role           string    `db:"role" json:"role"`
	Question       string    `db:"question" json:"question"`
	GeneratedSQL   string    `db:"generated_sql" json:"generated_sql,omitempty"`
	SchemaVersion  string    `db:"schema_version" json:"schema_version,omitempty"`
	Confidence     float64   `db:"confidence" json:"confidence"`
	Stage          string    `db:"stage" json:"stage"`
	ErrorKind      string    `db:"error_kind" json:"error_kind,omitempty"`
	ErrorDetail    string    `db:"error_detail" json:"error_detail,omitempty"`
	RowCount       int       `db:"row_count" json:"row_count"`
	Truncated      bool      `db:"truncated" json:"truncated"`
	ExecutionMS    int64     `db:"execution_ms" json:"execution_ms"`
	RetrievalCount int       `db:"retrieval_count" json:"retrieval_count"`
	Degraded       bool      `db:"degraded" json:"degraded"`
}

// Sink is where records land. Append must be idempotent on RequestID.
type Sink interface {
	Append(ctx context.Context, rec Record) error
}
