package store

import (
	"context"
	"fmt"
	"strings"
)

// column is one column of a table as reported by SQLite.
type column struct {
	name     string
	declType string
}

func (c column) boolean() bool {
	return strings.EqualFold(c.declType, "BOOLEAN")
}

type table struct {
	name    string
	columns map[string]column
	order   []string
}

func (t *table) has(col string) bool {
	_, ok := t.columns[col]
	return ok
}

// loadSchema reads the live schema. Queries are checked against it so table
// and column names never reach SQL unless SQLite itself reported them.
func (db *DB) loadSchema(ctx context.Context) (map[string]*table, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT name FROM sqlite_master
		WHERE type = 'table' AND name NOT LIKE 'sqlite_%' AND name != 'schema_migrations'`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			_ = rows.Close()
			return nil, err
		}
		names = append(names, n)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	tables := make(map[string]*table, len(names))
	for _, n := range names {
		t := &table{name: n, columns: make(map[string]column)}
		// Table names come from sqlite_master, so quoting is enough here.
		cols, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%q)", n))
		if err != nil {
			return nil, fmt.Errorf("table info %s: %w", n, err)
		}
		for cols.Next() {
			var (
				cid     int
				name    string
				ctype   string
				notnull int
				dflt    any
				pk      int
			)
			if err := cols.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
				_ = cols.Close()
				return nil, err
			}
			t.columns[name] = column{name: name, declType: ctype}
			t.order = append(t.order, name)
		}
		_ = cols.Close()
		tables[n] = t
	}
	return tables, nil
}
