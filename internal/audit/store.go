package audit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/careloop/medquery/internal/common"
)

// Store is a SQLite-backed Sink. It lives in its own database file so audit
// durability is independent of warehouse load.
type Store struct {
	db *sqlx.DB
}

// Open opens (creating if needed) the audit database at path.
func Open(path string) (*Store, error) {
	if path == "" {
		path = filepath.Join("data", "audit.db")
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create audit directory: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	common.Logger().Info("audit: store ready", "path", path)
	return &Store{db: db}, nil
}

func migrate(db *sqlx.DB) error {
	const schema = `CREATE TABLE IF NOT EXISTS query_audit (
                request_id TEXT PRIMARY KEY,
                created_at DATETIME NOT NULL,
                user_name TEXT NOT NULL,
                role TEXT NOT NULL,
                question TEXT NOT NULL,
                generated_sql TEXT NOT NULL DEFAULT '',
                schema_version TEXT NOT NULL DEFAULT '',
                confidence REAL NOT NULL DEFAULT 0,
                stage TEXT NOT NULL,
                error_kind TEXT NOT NULL DEFAULT '',
                error_detail TEXT NOT NULL DEFAULT '',
                row_count INTEGER NOT NULL DEFAULT 0,
                truncated INTEGER NOT NULL DEFAULT 0,
                execution_ms INTEGER NOT NULL DEFAULT 0,
                retrieval_count INTEGER NOT NULL DEFAULT 0,
                degraded INTEGER NOT NULL DEFAULT 0
        );
        CREATE INDEX IF NOT EXISTS idx_audit_user ON query_audit(user_name, created_at);
        CREATE INDEX IF NOT EXISTS idx_audit_created ON query_audit(created_at);`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("migrate audit schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Append upserts the record keyed by request id, so a retried write or a
// later-stage rewrite of the same request converges on one row.
func (s *Store) Append(ctx context.Context, rec Record) error {
	const stmt = `INSERT INTO query_audit (
                request_id, created_at, user_name, role, question, generated_sql,
                schema_version, confidence, stage, error_kind, error_detail,
                row_count, truncated, execution_ms, retrieval_count, degraded
        ) VALUES (
                :request_id, :created_at, :user_name, :role, :question, :generated_sql,
                :schema_version, :confidence, :stage, :error_kind, :error_detail,
                :row_count, :truncated, :execution_ms, :retrieval_count, :degraded
        )
        ON CONFLICT(request_id) DO UPDATE SET
                stage = excluded.stage,
                generated_sql = excluded.generated_sql,
                schema_version = excluded.schema_version,
                confidence = excluded.confidence,
                error_kind = excluded.error_kind,
                error_detail = excluded.error_detail,
                row_count = excluded.row_count,
                truncated = excluded.truncated,
                execution_ms = excluded.execution_ms,
                retrieval_count = excluded.retrieval_count,
                degraded = excluded.degraded`
	if _, err := s.db.NamedExecContext(ctx, stmt, rec); err != nil {
		return fmt.Errorf("append audit record: %w", err)
	}
	return nil
}

// Recent returns the newest records, most recent first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var out []Record
	err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM query_audit ORDER BY created_at DESC, request_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("load audit records: %w", err)
	}
	return out, nil
}

// ForUser returns one user's records, most recent first.
func (s *Store) ForUser(ctx context.Context, user string, limit int) ([]Record, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var out []Record
	err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM query_audit WHERE user_name = ? ORDER BY created_at DESC, request_id DESC LIMIT ?`,
		user, limit)
	if err != nil {
		return nil, fmt.Errorf("load audit records: %w", err)
	}
	return out, nil
}

// Summary aggregates recorded activity for the operator dashboard.
type Summary struct {
	TotalQueries    int64            `json:"total_queries"`
	FailedQueries   int64            `json:"failed_queries"`
	AvgExecutionMS  float64          `json:"avg_execution_ms"`
	StageCounts     map[string]int64 `json:"stage_counts"`
	TopQuestions    []QuestionCount  `json:"top_questions"`
	DistinctUsers   int64            `json:"distinct_users"`
	DegradedQueries int64            `json:"degraded_queries"`
}

type QuestionCount struct {
	Question string `db:"question" json:"question"`
	Count    int64  `db:"n" json:"count"`
}

func (s *Store) Summarize(ctx context.Context) (*Summary, error) {
	out := &Summary{StageCounts: make(map[string]int64)}

	var totals struct {
		Total    int64   `db:"total"`
		Failed   int64   `db:"failed"`
		Degraded int64   `db:"degraded"`
		Users    int64   `db:"users"`
		AvgMS    float64 `db:"avg_ms"`
	}
	err := s.db.GetContext(ctx, &totals, `SELECT
                COUNT(*) AS total,
                COALESCE(SUM(CASE WHEN error_kind != '' THEN 1 ELSE 0 END), 0) AS failed,
                COALESCE(SUM(degraded), 0) AS degraded,
                COUNT(DISTINCT user_name) AS users,
                COALESCE(AVG(CASE WHEN execution_ms > 0 THEN execution_ms END), 0) AS avg_ms
                FROM query_audit`)
	if err != nil {
		return nil, fmt.Errorf("summarize audit records: %w", err)
	}
	out.TotalQueries = totals.Total
	out.FailedQueries = totals.Failed
	out.DegradedQueries = totals.Degraded
	out.DistinctUsers = totals.Users
	out.AvgExecutionMS = totals.AvgMS

	rows, err := s.db.QueryxContext(ctx, `SELECT stage, COUNT(*) AS n FROM query_audit GROUP BY stage`)
	if err != nil {
		return nil, fmt.Errorf("summarize stages: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var stage string
		var n int64
		if err := rows.Scan(&stage, &n); err != nil {
			return nil, fmt.Errorf("scan stage count: %w", err)
		}
		out.StageCounts[stage] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("summarize stages: %w", err)
	}

	if err := s.db.SelectContext(ctx, &out.TopQuestions,
		`SELECT question, COUNT(*) AS n FROM query_audit GROUP BY question ORDER BY n DESC, question LIMIT 5`); err != nil {
		return nil, fmt.Errorf("summarize questions: %w", err)
	}
	return out, nil
}
