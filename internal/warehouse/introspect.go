package warehouse

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/careloop/medquery/internal/schema"
)

// IntrospectSchema builds an immutable schema snapshot from the live
// database, satisfying schema.Introspector. SQLite internals and the
// autoincrement bookkeeping table are skipped.
func (s *Store) IntrospectSchema(ctx context.Context) (*schema.Snapshot, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("warehouse not initialised")
	}
	names := []string{}
	err := s.db.SelectContext(ctx, &names,
		`SELECT name FROM sqlite_master
                 WHERE type = 'table' AND name NOT LIKE 'sqlite_%'
                 ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}

	tables := make([]schema.Table, 0, len(names))
	for _, name := range names {
		table, err := s.introspectTable(ctx, name)
		if err != nil {
			return nil, err
		}
		tables = append(tables, table)
	}
	return schema.NewSnapshot(tables), nil
}

func (s *Store) introspectTable(ctx context.Context, name string) (schema.Table, error) {
	table := schema.Table{Name: name}

	cols := []struct {
		CID          int     `db:"cid"`
		Name         string  `db:"name"`
		Type         string  `db:"type"`
		NotNull      int     `db:"notnull"`
		DefaultValue *string `db:"dflt_value"`
		PK           int     `db:"pk"`
	}{}
	// PRAGMA arguments cannot be bound; the name comes from sqlite_master,
	// not from caller input.
	if err := s.db.SelectContext(ctx, &cols, fmt.Sprintf(`PRAGMA table_info(%q)`, name)); err != nil {
		return table, fmt.Errorf("table_info %s: %w", name, err)
	}
	for _, col := range cols {
		declared := strings.ToUpper(strings.TrimSpace(col.Type))
		if declared == "" {
			declared = "TEXT"
		}
		table.Columns = append(table.Columns, schema.Column{
			Name:     col.Name,
			Type:     declared,
			Nullable: col.NotNull == 0 && col.PK == 0,
		})
	}

	fks := []struct {
		ID       int    `db:"id"`
		Seq      int    `db:"seq"`
		Table    string `db:"table"`
		From     string `db:"from"`
		To       string `db:"to"`
		OnUpdate string `db:"on_update"`
		OnDelete string `db:"on_delete"`
		Match    string `db:"match"`
	}{}
	if err := s.db.SelectContext(ctx, &fks, fmt.Sprintf(`PRAGMA foreign_key_list(%q)`, name)); err != nil {
		return table, fmt.Errorf("foreign_key_list %s: %w", name, err)
	}
	for _, fk := range fks {
		table.ForeignKeys = append(table.ForeignKeys, schema.ForeignKey{
			Column:    fk.From,
			RefTable:  fk.Table,
			RefColumn: fk.To,
		})
	}
	return table, nil
}
