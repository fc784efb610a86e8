// Package validator applies the safety rules that stand between model
// output and the warehouse. Every decision is a pure function of the
// statement, the schema snapshot, and the caller's role, so the same input
// always yields the same verdict.
package validator

import (
	"fmt"
	"strings"

	"github.com/careloop/medquery/internal/common/telemetry"
	"github.com/careloop/medquery/internal/policy"
	"github.com/careloop/medquery/internal/schema"
	"github.com/careloop/medquery/internal/sqlscan"
)

// Rule identifies which safety rule rejected a statement.
type Rule string

const (
	RuleUnsafeStatement    Rule = "unsafe_statement"
	RuleUnknownIdentifier  Rule = "unknown_identifier"
	RuleAccessDenied       Rule = "access_denied"
	RuleInjectionSuspected Rule = "injection_suspected"
	RuleUnboundedQuery     Rule = "unbounded_query"
)

// Verdict is the outcome of validating one statement. When Accepted is true
// Normalized carries the statement to execute, which may differ from the
// input if a row limit was injected.
type Verdict struct {
	Accepted   bool
	Rule       Rule
	Reason     string
	Normalized string
	RowLimit   int
}

// Config controls row bounding. MaxRows caps result size; when InjectLimit
// is set an otherwise-unbounded statement is rewritten with a LIMIT clause
// instead of rejected.
type Config struct {
	MaxRows     int
	InjectLimit bool
}

func (c *Config) applyDefaults() {
	if c.MaxRows <= 0 {
		c.MaxRows = 1000
	}
}

// Validator checks candidate statements against the schema and role policy.
type Validator struct {
	cfg    Config
	policy *policy.Policy
}

func New(cfg Config, pol *policy.Policy) *Validator {
	cfg.applyDefaults()
	if pol == nil {
		pol = policy.Default()
	}
	return &Validator{cfg: cfg, policy: pol}
}

// Validate runs the safety rules in a fixed order and stops at the first
// violation. The rules never consult the warehouse; only the snapshot.
func (v *Validator) Validate(sql string, snap *schema.Snapshot, role policy.Role) Verdict {
	// Strip trailing terminators before anything else; the normalized
	// statement must execute as-is even when a LIMIT is appended. Interior
	// semicolons still split into multiple statements below.
	sql = strings.TrimSpace(strings.TrimRight(strings.TrimSpace(sql), ";"))
	if sql == "" {
		return v.reject(RuleUnsafeStatement, "empty statement")
	}

	tokens := sqlscan.Scan(sql)

	// Rule 1: read-only statements only.
	first := sqlscan.FirstKeyword(sql)
	if first != "SELECT" && first != "WITH" {
		return v.reject(RuleUnsafeStatement, fmt.Sprintf("statement verb %s is not permitted", first))
	}
	if sqlscan.HasWriteKeyword(tokens) {
		return v.reject(RuleUnsafeStatement, "statement contains a data-modification or administrative keyword")
	}

	// Rule 2: every referenced identifier must exist in the snapshot.
	refs := sqlscan.ExtractRefs(sql)
	ctes := cteNames(tokens)
	for _, table := range refs.Tables {
		if !snap.HasTable(table) {
			return v.reject(RuleUnknownIdentifier, fmt.Sprintf("unknown table %q", table))
		}
	}
	for _, column := range refs.Columns {
		if qualifier, ok := refs.Qualified[column]; ok {
			if _, isCTE := ctes[qualifier]; isCTE {
				continue // CTE output columns are not schema columns
			}
			if !snap.HasTable(qualifier) {
				return v.reject(RuleUnknownIdentifier, fmt.Sprintf("unknown table %q", qualifier))
			}
			if !snap.HasColumn(qualifier, column) {
				return v.reject(RuleUnknownIdentifier, fmt.Sprintf("unknown column %q on table %q", column, qualifier))
			}
			continue
		}
		if owners := snap.ColumnOwner(column, refs.Tables); len(owners) == 0 {
			return v.reject(RuleUnknownIdentifier, fmt.Sprintf("unknown column %q", column))
		}
	}

	// Rule 3: the role must be allowed every table and column it touches.
	for _, table := range refs.Tables {
		if !v.policy.CanAccessTable(role, table) {
			return v.reject(RuleAccessDenied, fmt.Sprintf("role %q may not read table %q", role, table))
		}
	}
	for _, column := range refs.Columns {
		var owners []string
		if qualifier, ok := refs.Qualified[column]; ok {
			if _, isCTE := ctes[qualifier]; isCTE {
				continue
			}
			owners = []string{qualifier}
		} else {
			owners = snap.ColumnOwner(column, refs.Tables)
		}
		for _, owner := range owners {
			if !v.policy.CanAccessColumn(role, owner, column) {
				return v.reject(RuleAccessDenied, fmt.Sprintf("role %q may not read column %s.%s", role, owner, column))
			}
		}
	}

	// Rule 4: injection signals.
	if stmts := sqlscan.Statements(sql); len(stmts) > 1 {
		return v.reject(RuleInjectionSuspected, "multiple statements in a single request")
	}
	if sqlscan.HasComment(sql) {
		return v.reject(RuleInjectionSuspected, "comment markers are not permitted")
	}

	// Rule 5: result cardinality must be bounded.
	normalized := sql
	bounded := sqlscan.HasKeyword(tokens, "WHERE") ||
		sqlscan.HasKeyword(tokens, "LIMIT") ||
		sqlscan.HasAggregate(tokens)
	if !bounded {
		if !v.cfg.InjectLimit {
			return v.reject(RuleUnboundedQuery, "statement has no WHERE clause, aggregate, or LIMIT")
		}
		normalized = fmt.Sprintf("%s LIMIT %d", sql, v.cfg.MaxRows)
	}

	return Verdict{Accepted: true, Normalized: normalized, RowLimit: v.cfg.MaxRows}
}

func (v *Validator) reject(rule Rule, reason string) Verdict {
	telemetry.RecordRejection(string(rule))
	return Verdict{Accepted: false, Rule: rule, Reason: reason}
}

func cteNames(tokens []sqlscan.Token) map[string]struct{} {
	names := make(map[string]struct{})
	for i := 0; i+2 < len(tokens); i++ {
		if tokens[i].Kind == sqlscan.KindIdent &&
			tokens[i+1].Kind == sqlscan.KindKeyword && tokens[i+1].Upper == "AS" &&
			tokens[i+2].Text == "(" {
			names[strings.ToLower(tokens[i].Text)] = struct{}{}
		}
	}
	return names
}
