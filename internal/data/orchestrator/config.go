package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config controls orchestrator construction and the background schema
// refresh loop.
type Config struct {
	WarehousePath   string
	AuditPath       string
	RefreshInterval time.Duration

	ExecTimeout time.Duration
	MaxRows     int
	InjectLimit bool

	RetrieveTopK      int
	RetrieveMinScore  float64
	RetrieveCacheSize int
	RetrieveNarrate   bool
	AuditQueueSize    int
	AuditMaxAttempts  int
	AuditRetryBackoff time.Duration
}

// DefaultConfig returns the baseline configuration used when no overrides
// are supplied.
func DefaultConfig() Config {
	return Config{
		WarehousePath:   filepath.Join("data", "warehouse.db"),
		AuditPath:       filepath.Join("data", "audit.db"),
		RefreshInterval: 5 * time.Minute,
		ExecTimeout:     10 * time.Second,
		MaxRows:         1000,
		InjectLimit:     true,
		RetrieveTopK:    5,
	}
}

// LoadConfig builds a Config from defaults and environment variables.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()
	if value := strings.TrimSpace(os.Getenv("MEDQUERY_WAREHOUSE_PATH")); value != "" {
		cfg.WarehousePath = value
	}
	if value := strings.TrimSpace(os.Getenv("MEDQUERY_AUDIT_PATH")); value != "" {
		cfg.AuditPath = value
	}
	if value := strings.TrimSpace(os.Getenv("MEDQUERY_SCHEMA_REFRESH")); value != "" {
		dur, err := time.ParseDuration(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse MEDQUERY_SCHEMA_REFRESH: %w", err)
		}
		cfg.RefreshInterval = dur
	}
	if value := strings.TrimSpace(os.Getenv("MEDQUERY_EXEC_TIMEOUT")); value != "" {
		dur, err := time.ParseDuration(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse MEDQUERY_EXEC_TIMEOUT: %w", err)
		}
		cfg.ExecTimeout = dur
	}
	if value := strings.TrimSpace(os.Getenv("MEDQUERY_MAX_ROWS")); value != "" {
		n, err := strconv.Atoi(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse MEDQUERY_MAX_ROWS: %w", err)
		}
		cfg.MaxRows = n
	}
	if value := strings.TrimSpace(os.Getenv("MEDQUERY_INJECT_LIMIT")); value != "" {
		enabled, err := strconv.ParseBool(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse MEDQUERY_INJECT_LIMIT: %w", err)
		}
		cfg.InjectLimit = enabled
	}
	if value := strings.TrimSpace(os.Getenv("MEDQUERY_RETRIEVE_TOP_K")); value != "" {
		n, err := strconv.Atoi(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse MEDQUERY_RETRIEVE_TOP_K: %w", err)
		}
		cfg.RetrieveTopK = n
	}
	if value := strings.TrimSpace(os.Getenv("MEDQUERY_RETRIEVE_MIN_SCORE")); value != "" {
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return Config{}, fmt.Errorf("parse MEDQUERY_RETRIEVE_MIN_SCORE: %w", err)
		}
		cfg.RetrieveMinScore = f
	}
	if value := strings.TrimSpace(os.Getenv("MEDQUERY_RETRIEVE_NARRATE")); value != "" {
		enabled, err := strconv.ParseBool(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse MEDQUERY_RETRIEVE_NARRATE: %w", err)
		}
		cfg.RetrieveNarrate = enabled
	}
	return applyDefaults(cfg), nil
}

func applyDefaults(cfg Config) Config {
	def := DefaultConfig()
	if strings.TrimSpace(cfg.WarehousePath) == "" {
		cfg.WarehousePath = def.WarehousePath
	}
	if strings.TrimSpace(cfg.AuditPath) == "" {
		cfg.AuditPath = def.AuditPath
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = def.RefreshInterval
	}
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = def.ExecTimeout
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = def.MaxRows
	}
	if cfg.RetrieveTopK <= 0 {
		cfg.RetrieveTopK = def.RetrieveTopK
	}
	return cfg
}

func (c Config) validate() error {
	if c.WarehousePath == c.AuditPath {
		return fmt.Errorf("warehouse and audit databases must not share a file: %s", c.WarehousePath)
	}
	return nil
}
