// Package policy holds the role-to-table access rules enforced by the
// validator. Authorization decisions (who holds which role) happen upstream;
// this package only answers whether an already-validated role may read a
// given table or column.
package policy

import "strings"

// Role is a pre-validated requester role.
type Role string

const (
	RoleAdmin      Role = "admin"
	RoleDoctor     Role = "doctor"
	RoleResearcher Role = "researcher"
)

// ParseRole normalizes a role string. Unknown roles map to the empty Role,
// which is denied everything.
func ParseRole(value string) Role {
	switch Role(strings.ToLower(strings.TrimSpace(value))) {
	case RoleAdmin:
		return RoleAdmin
	case RoleDoctor:
		return RoleDoctor
	case RoleResearcher:
		return RoleResearcher
	default:
		return ""
	}
}

// Policy maps roles to the tables and columns they may read. A nil table set
// means every table is allowed (admin). Denied columns apply on top of table
// grants.
type Policy struct {
	tables        map[Role]map[string]struct{}
	deniedColumns map[Role]map[string]map[string]struct{}
}

// Default returns the clinical access policy: admins read everything, doctors
// read all clinical tables including notes, researchers read de-identified
// clinical tables only (no notes, no dates of death).
func Default() *Policy {
	p := &Policy{
		tables:        make(map[Role]map[string]struct{}),
		deniedColumns: make(map[Role]map[string]map[string]struct{}),
	}
	p.tables[RoleAdmin] = nil // wildcard
	p.Allow(RoleDoctor,
		"patients", "admissions", "diagnoses_icd", "labevents", "prescriptions", "clinical_notes")
	p.Allow(RoleResearcher,
		"patients", "admissions", "diagnoses_icd", "labevents", "prescriptions")
	p.DenyColumn(RoleResearcher, "patients", "dod")
	return p
}

// Allow grants the role read access to the listed tables.
func (p *Policy) Allow(role Role, tables ...string) {
	set, ok := p.tables[role]
	if ok && set == nil {
		return // wildcard grant already in place
	}
	if set == nil {
		set = make(map[string]struct{})
		p.tables[role] = set
	}
	for _, table := range tables {
		set[strings.ToLower(table)] = struct{}{}
	}
}

// DenyColumn blocks a single column for a role even when its table is granted.
func (p *Policy) DenyColumn(role Role, table, column string) {
	byTable, ok := p.deniedColumns[role]
	if !ok {
		byTable = make(map[string]map[string]struct{})
		p.deniedColumns[role] = byTable
	}
	cols, ok := byTable[strings.ToLower(table)]
	if !ok {
		cols = make(map[string]struct{})
		byTable[strings.ToLower(table)] = cols
	}
	cols[strings.ToLower(column)] = struct{}{}
}

// CanAccessTable reports whether the role may read the table.
func (p *Policy) CanAccessTable(role Role, table string) bool {
	if p == nil {
		return false
	}
	set, ok := p.tables[role]
	if !ok {
		return false
	}
	if set == nil {
		return true
	}
	_, allowed := set[strings.ToLower(strings.TrimSpace(table))]
	return allowed
}

// CanAccessColumn reports whether the role may read the column. The table
// must already be granted.
func (p *Policy) CanAccessColumn(role Role, table, column string) bool {
	if !p.CanAccessTable(role, table) {
		return false
	}
	byTable, ok := p.deniedColumns[role]
	if !ok {
		return true
	}
	cols, ok := byTable[strings.ToLower(strings.TrimSpace(table))]
	if !ok {
		return true
	}
	_, denied := cols[strings.ToLower(strings.TrimSpace(column))]
	return !denied
}
