// Package schema models an immutable point-in-time description of the
// clinical warehouse structure. Snapshots are built once by introspection and
// shared read-only between the translator and the validator.
package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Column describes a single warehouse column.
type Column struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
}

// ForeignKey describes an outgoing reference edge.
type ForeignKey struct {
	Column    string `json:"column"`
	RefTable  string `json:"ref_table"`
	RefColumn string `json:"ref_column"`
}

// Table describes one warehouse table with ordered columns.
type Table struct {
	Name        string       `json:"name"`
	Columns     []Column     `json:"columns"`
	ForeignKeys []ForeignKey `json:"foreign_keys,omitempty"`
}

// Snapshot is a versioned, immutable view of the warehouse schema. The
// version is a fingerprint of the rendered structure, so two identical
// schemas share a version regardless of when they were introspected.
type Snapshot struct {
	Version   string    `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	Tables    []Table   `json:"tables"`

	tables  map[string]*Table
	columns map[string]map[string]Column
}

// NewSnapshot builds a snapshot from the provided tables and stamps it with a
// content fingerprint. Table order is preserved; lookups are case-insensitive.
func NewSnapshot(tables []Table) *Snapshot {
	snap := &Snapshot{
		CreatedAt: time.Now().UTC(),
		Tables:    tables,
		tables:    make(map[string]*Table, len(tables)),
		columns:   make(map[string]map[string]Column, len(tables)),
	}
	for i := range tables {
		table := &snap.Tables[i]
		key := strings.ToLower(table.Name)
		snap.tables[key] = table
		cols := make(map[string]Column, len(table.Columns))
		for _, col := range table.Columns {
			cols[strings.ToLower(col.Name)] = col
		}
		snap.columns[key] = cols
	}
	sum := sha256.Sum256([]byte(snap.Render()))
	snap.Version = hex.EncodeToString(sum[:])[:12]
	return snap
}

// Table returns the named table, case-insensitively.
func (s *Snapshot) Table(name string) (*Table, bool) {
	if s == nil {
		return nil, false
	}
	table, ok := s.tables[strings.ToLower(strings.TrimSpace(name))]
	return table, ok
}

// HasTable reports whether the named table exists.
func (s *Snapshot) HasTable(name string) bool {
	_, ok := s.Table(name)
	return ok
}

// HasColumn reports whether the named column exists on the named table.
func (s *Snapshot) HasColumn(table, column string) bool {
	if s == nil {
		return false
	}
	cols, ok := s.columns[strings.ToLower(strings.TrimSpace(table))]
	if !ok {
		return false
	}
	_, ok = cols[strings.ToLower(strings.TrimSpace(column))]
	return ok
}

// ColumnOwner returns the names of referenced tables that carry the column.
func (s *Snapshot) ColumnOwner(column string, tables []string) []string {
	var owners []string
	for _, table := range tables {
		if s.HasColumn(table, column) {
			owners = append(owners, strings.ToLower(table))
		}
	}
	return owners
}

// Render produces the textual schema description embedded into translation
// prompts: one CREATE TABLE-like block per table with foreign keys spelled
// out, in snapshot order.
func (s *Snapshot) Render() string {
	if s == nil {
		return ""
	}
	var b strings.Builder
	for _, table := range s.Tables {
		renderTable(&b, table)
	}
	return strings.TrimSpace(b.String())
}

// RenderRelevant renders the snapshot pruned to a character budget. Tables
// are ranked by token overlap between the question and their table/column
// names; highest ranked tables are emitted until the budget is exhausted.
// A non-positive budget or a fit within budget returns the full rendering.
func (s *Snapshot) RenderRelevant(question string, budget int) string {
	full := s.Render()
	if budget <= 0 || len(full) <= budget {
		return full
	}

	terms := tokenize(question)
	type ranked struct {
		index int
		score int
	}
	order := make([]ranked, 0, len(s.Tables))
	for i, table := range s.Tables {
		score := overlap(terms, table)
		order = append(order, ranked{index: i, score: score})
	}
	sort.SliceStable(order, func(i, j int) bool { return order[i].score > order[j].score })

	var b strings.Builder
	for _, entry := range order {
		var block strings.Builder
		renderTable(&block, s.Tables[entry.index])
		if b.Len()+block.Len() > budget && b.Len() > 0 {
			continue
		}
		b.WriteString(block.String())
	}
	return strings.TrimSpace(b.String())
}

func renderTable(b *strings.Builder, table Table) {
	fmt.Fprintf(b, "TABLE %s (\n", table.Name)
	for _, col := range table.Columns {
		null := "NOT NULL"
		if col.Nullable {
			null = "NULL"
		}
		fmt.Fprintf(b, "  %s %s %s\n", col.Name, col.Type, null)
	}
	for _, fk := range table.ForeignKeys {
		fmt.Fprintf(b, "  FOREIGN KEY (%s) REFERENCES %s(%s)\n", fk.Column, fk.RefTable, fk.RefColumn)
	}
	b.WriteString(")\n\n")
}

func tokenize(text string) map[string]struct{} {
	terms := make(map[string]struct{})
	for _, field := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9' || r == '_')
	}) {
		if len(field) < 3 {
			continue
		}
		terms[field] = struct{}{}
		// Crude singularization so "patients" matches "patient".
		if strings.HasSuffix(field, "s") {
			terms[strings.TrimSuffix(field, "s")] = struct{}{}
		}
	}
	return terms
}

func overlap(terms map[string]struct{}, table Table) int {
	score := 0
	score += matchTerm(terms, table.Name) * 3
	for _, col := range table.Columns {
		score += matchTerm(terms, col.Name)
	}
	return score
}

func matchTerm(terms map[string]struct{}, name string) int {
	lower := strings.ToLower(name)
	for term := range terms {
		if strings.Contains(lower, term) || strings.Contains(term, lower) {
			return 1
		}
	}
	return 0
}
