// Package executor runs validated statements against the warehouse under a
// read-only pragma, a deadline, and a hard row cap.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/careloop/medquery/internal/common"
	"github.com/careloop/medquery/internal/common/telemetry"
)

// ErrTimeout reports that the statement exceeded its execution deadline.
var ErrTimeout = errors.New("execution deadline exceeded")

// Config bounds statement execution. Zero values fall back to defaults.
type Config struct {
	Timeout time.Duration
	MaxRows int
}

func (c *Config) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.MaxRows <= 0 {
		c.MaxRows = 1000
	}
}

// Result carries the rows produced by a statement. Truncated is set when the
// row cap cut the result short.
type Result struct {
	Columns   []string         `json:"columns"`
	Rows      []map[string]any `json:"rows"`
	RowCount  int              `json:"row_count"`
	Duration  time.Duration    `json:"-"`
	Truncated bool             `json:"truncated"`
}

// Executor runs read-only statements on a shared connection pool.
type Executor struct {
	db  *sqlx.DB
	cfg Config
}

func New(db *sqlx.DB, cfg Config) *Executor {
	cfg.applyDefaults()
	return &Executor{db: db, cfg: cfg}
}

// Run executes one validated statement. It pins a single pooled connection,
// switches it to query_only for the duration, and restores it before the
// connection returns to the pool, whatever the outcome. rowLimit may tighten
// but never loosen the configured cap.
func (e *Executor) Run(ctx context.Context, sql string, rowLimit int) (*Result, error) {
	limit := e.cfg.MaxRows
	if rowLimit > 0 && rowLimit < limit {
		limit = rowLimit
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	conn, err := e.db.Connx(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "PRAGMA query_only = ON"); err != nil {
		return nil, fmt.Errorf("enable read-only mode: %w", err)
	}
	defer func() {
		// Restore with a fresh context so a deadline-expired query cannot
		// leave the pooled connection stuck in query_only mode.
		restoreCtx, restoreCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer restoreCancel()
		if _, err := conn.ExecContext(restoreCtx, "PRAGMA query_only = OFF"); err != nil {
			common.Logger().Warn("executor: failed to restore connection mode", "error", err)
		}
	}()

	start := time.Now()
	rows, err := conn.QueryxContext(ctx, sql)
	if err != nil {
		return nil, classify(ctx, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read result columns: %w", err)
	}

	result := &Result{Columns: columns, Rows: make([]map[string]any, 0, 16)}
	for rows.Next() {
		if result.RowCount >= limit {
			result.Truncated = true
			break
		}
		row := make(map[string]any, len(columns))
		if err := rows.MapScan(row); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		for key, value := range row {
			if b, ok := value.([]byte); ok {
				row[key] = string(b)
			}
		}
		result.Rows = append(result.Rows, row)
		result.RowCount++
	}
	if err := rows.Err(); err != nil {
		return nil, classify(ctx, err)
	}

	result.Duration = time.Since(start)
	telemetry.RecordExecution(result.Duration)
	return result, nil
}

// classify folds driver errors caused by deadline expiry into ErrTimeout so
// callers can distinguish slow statements from broken ones.
func classify(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	return fmt.Errorf("execute statement: %w", err)
}
