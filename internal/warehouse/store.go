// Package warehouse wraps the relational store holding structured clinical
// records. It owns the connection pool, schema bootstrap, and introspection;
// statement execution lives in the executor package.
package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// Store wraps a pooled sqlx.DB connection to the clinical warehouse.
type Store struct {
	db *sqlx.DB
}

// Open constructs a Store backed by the SQLite database at the provided path.
// The clinical schema is created on first use.
func Open(path string) (*Store, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}
	if trimmed := strings.TrimSpace(path); trimmed != "" {
		cfg.Path = trimmed
	}
	return OpenWithConfig(cfg)
}

// OpenWithConfig constructs a Store using the provided configuration.
func OpenWithConfig(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("warehouse path required")
	}
	abs, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("resolve warehouse path: %w", err)
	}
	busy := int(cfg.BusyTimeout / time.Millisecond)
	if busy <= 0 {
		busy = 5000
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)", abs, busy)
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open warehouse: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingTimeout := cfg.BusyTimeout
	if pingTimeout <= 0 {
		pingTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping warehouse: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// Close releases the underlying database resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the underlying sqlx.DB for the executor and handlers.
func (s *Store) DB() *sqlx.DB {
	if s == nil {
		return nil
	}
	return s.db
}

func (s *Store) migrate(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("warehouse not initialised")
	}
	// Journal mode cannot change inside a transaction.
	for _, pragma := range []string{"PRAGMA journal_mode = WAL", "PRAGMA foreign_keys = ON"} {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("apply %s: %w", pragma, err)
		}
	}
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	for i, stmt := range schemaStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			tx.Rollback()
			return fmt.Errorf("execute schema statement %d: %w", i+1, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration: %w", err)
	}
	return nil
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS patients (
                subject_id INTEGER PRIMARY KEY,
                gender TEXT,
                anchor_age INTEGER,
                anchor_year INTEGER,
                dod DATETIME
        );`,
	`CREATE TABLE IF NOT EXISTS admissions (
                hadm_id INTEGER PRIMARY KEY,
                subject_id INTEGER NOT NULL,
                admittime DATETIME,
                dischtime DATETIME,
                admission_type TEXT,
                admission_location TEXT,
                discharge_location TEXT,
                insurance TEXT,
                ethnicity TEXT,
                hospital_expire_flag INTEGER NOT NULL DEFAULT 0,
                FOREIGN KEY(subject_id) REFERENCES patients(subject_id)
        );`,
	`CREATE TABLE IF NOT EXISTS diagnoses_icd (
                subject_id INTEGER NOT NULL,
                hadm_id INTEGER NOT NULL,
                seq_num INTEGER NOT NULL,
                icd_code TEXT,
                icd_version INTEGER,
                PRIMARY KEY (subject_id, hadm_id, seq_num),
                FOREIGN KEY(subject_id) REFERENCES patients(subject_id),
                FOREIGN KEY(hadm_id) REFERENCES admissions(hadm_id)
        );`,
	`CREATE TABLE IF NOT EXISTS labevents (
                labevent_id INTEGER PRIMARY KEY AUTOINCREMENT,
                subject_id INTEGER NOT NULL,
                hadm_id INTEGER,
                itemid INTEGER,
                charttime DATETIME,
                valuenum REAL,
                valueuom TEXT,
                flag TEXT,
                FOREIGN KEY(subject_id) REFERENCES patients(subject_id),
                FOREIGN KEY(hadm_id) REFERENCES admissions(hadm_id)
        );`,
	`CREATE TABLE IF NOT EXISTS prescriptions (
                prescription_id INTEGER PRIMARY KEY AUTOINCREMENT,
                subject_id INTEGER NOT NULL,
                hadm_id INTEGER,
                drug TEXT,
                starttime DATETIME,
                stoptime DATETIME,
                dose_val TEXT,
                dose_unit TEXT,
                route TEXT,
                FOREIGN KEY(subject_id) REFERENCES patients(subject_id),
                FOREIGN KEY(hadm_id) REFERENCES admissions(hadm_id)
        );`,
	`CREATE TABLE IF NOT EXISTS clinical_notes (
                note_id INTEGER PRIMARY KEY AUTOINCREMENT,
                subject_id INTEGER NOT NULL,
                hadm_id INTEGER,
                note_type TEXT NOT NULL DEFAULT 'General',
                content TEXT NOT NULL,
                author TEXT,
                created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
                FOREIGN KEY(subject_id) REFERENCES patients(subject_id)
        );`,
	`CREATE INDEX IF NOT EXISTS idx_admissions_subject ON admissions(subject_id);`,
	`CREATE INDEX IF NOT EXISTS idx_diagnoses_icd_code ON diagnoses_icd(icd_code);`,
	`CREATE INDEX IF NOT EXISTS idx_labevents_subject ON labevents(subject_id);`,
	`CREATE INDEX IF NOT EXISTS idx_labevents_item ON labevents(itemid);`,
	`CREATE INDEX IF NOT EXISTS idx_prescriptions_subject ON prescriptions(subject_id);`,
	`CREATE INDEX IF NOT EXISTS idx_notes_subject ON clinical_notes(subject_id);`,
}
