package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/campus/internal/apperr"
	"github.com/matheus3301/campus/internal/gateway"
	"go.uber.org/zap"
)

// Backend serves the campus tables from the local database. It implements
// gateway.Store and publishes every committed write as a change event so
// that feeds shared with other processes see it.
type Backend struct {
	db     *DB
	pub    gateway.Publisher
	logger *zap.Logger

	mu     sync.Mutex
	tables map[string]*table
}

// NewBackend wraps a migrated database. pub may be nil.
func NewBackend(db *DB, pub gateway.Publisher, logger *zap.Logger) *Backend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Backend{db: db, pub: pub, logger: logger}
}

var _ gateway.Store = (*Backend)(nil)

func (b *Backend) table(ctx context.Context, name string) (*table, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tables == nil {
		tables, err := b.db.loadSchema(ctx)
		if err != nil {
			return nil, classify("load schema", err)
		}
		b.tables = tables
	}
	t, ok := b.tables[name]
	if !ok {
		return nil, &apperr.Error{Kind: apperr.Query, Op: "resolve table", Code: "42P01", Message: fmt.Sprintf("unknown table %q", name)}
	}
	return t, nil
}

// where compiles filters into a WHERE clause.
func where(t *table, filters []gateway.Filter) (string, []any, error) {
	if len(filters) == 0 {
		return "", nil, nil
	}
	var (
		parts []string
		args  []any
	)
	for _, f := range filters {
		if !t.has(f.Column) {
			return "", nil, unknownColumn(t, f.Column)
		}
		col := quote(f.Column)
		switch f.Op {
		case gateway.Eq, gateway.Neq, gateway.Gt, gateway.Gte, gateway.Lt, gateway.Lte:
			parts = append(parts, fmt.Sprintf("%s %s ?", col, sqlOps[f.Op]))
			args = append(args, bindValue(t.columns[f.Column], f.Value))
		case gateway.In:
			vals := gateway.InValues(f.Value)
			if len(vals) == 0 {
				parts = append(parts, "0")
				continue
			}
			parts = append(parts, fmt.Sprintf("%s IN (%s)", col, strings.TrimSuffix(strings.Repeat("?,", len(vals)), ",")))
			for _, v := range vals {
				args = append(args, v)
			}
		default:
			return "", nil, apperr.Queryf("compile filter", "unsupported operator %q", f.Op)
		}
	}
	return " WHERE " + strings.Join(parts, " AND "), args, nil
}

var sqlOps = map[gateway.Op]string{
	gateway.Eq:  "=",
	gateway.Neq: "<>",
	gateway.Gt:  ">",
	gateway.Gte: ">=",
	gateway.Lt:  "<",
	gateway.Lte: "<=",
}

func bindValue(c column, v any) any {
	if c.boolean() {
		switch b := v.(type) {
		case bool:
			return b
		case string:
			return b == "true"
		}
	}
	if t, ok := v.(time.Time); ok {
		return gateway.FormatTime(t)
	}
	return v
}

func quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func unknownColumn(t *table, col string) error {
	return &apperr.Error{Kind: apperr.Query, Op: "resolve column", Code: "42703", Message: fmt.Sprintf("column %s.%s does not exist", t.name, col)}
}

// Fetch implements gateway.Store.
func (b *Backend) Fetch(ctx context.Context, q gateway.Query) ([]gateway.Row, error) {
	op := "fetch " + q.Table
	t, err := b.table(ctx, q.Table)
	if err != nil {
		return nil, err
	}
	clause, args, err := where(t, q.Filters)
	if err != nil {
		return nil, err
	}
	stmt := fmt.Sprintf("SELECT * FROM %s%s", quote(t.name), clause)
	if len(q.Order) > 0 {
		var parts []string
		for _, o := range q.Order {
			if !t.has(o.Column) {
				return nil, unknownColumn(t, o.Column)
			}
			dir := "ASC"
			if o.Desc {
				dir = "DESC"
			}
			parts = append(parts, quote(o.Column)+" "+dir)
		}
		stmt += " ORDER BY " + strings.Join(parts, ", ")
	}
	if q.Limit > 0 {
		stmt += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := b.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, classify(op, err)
	}
	out, err := scanRows(t, rows)
	if err != nil {
		return nil, classify(op, err)
	}
	return out, nil
}

func scanRows(t *table, rows *sql.Rows) ([]gateway.Row, error) {
	defer func() { _ = rows.Close() }()
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	out := []gateway.Row{}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		r := make(gateway.Row, len(cols))
		for i, name := range cols {
			v := vals[i]
			if bs, ok := v.([]byte); ok {
				v = string(bs)
			}
			if c, ok := t.columns[name]; ok && c.boolean() {
				if n, ok := v.(int64); ok {
					v = n != 0
				}
			}
			r[name] = v
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Insert implements gateway.Store. id and created_at are assigned when the
// table has them and the row does not.
func (b *Backend) Insert(ctx context.Context, tableName string, row gateway.Row) (gateway.Row, error) {
	op := "insert " + tableName
	t, err := b.table(ctx, tableName)
	if err != nil {
		return nil, err
	}
	row = row.Clone()
	if t.has("id") && !row.Has("id") {
		row["id"] = uuid.NewString()
	}
	if t.has("created_at") && !row.Has("created_at") {
		row["created_at"] = gateway.FormatTime(time.Now())
	}

	var (
		cols  []string
		marks []string
		args  []any
	)
	for _, name := range t.order {
		v, ok := row[name]
		if !ok {
			continue
		}
		cols = append(cols, quote(name))
		marks = append(marks, "?")
		args = append(args, bindValue(t.columns[name], v))
	}
	for name := range row {
		if !t.has(name) {
			return nil, unknownColumn(t, name)
		}
	}

	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING *",
		quote(t.name), strings.Join(cols, ", "), strings.Join(marks, ", "))
	rows, err := b.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, classify(op, err)
	}
	inserted, err := scanRows(t, rows)
	if err != nil {
		return nil, classify(op, err)
	}
	if len(inserted) != 1 {
		return nil, apperr.Queryf(op, "insert returned %d rows", len(inserted))
	}
	b.publish(ctx, gateway.ChangeEvent{Table: t.name, Type: gateway.Insert, New: inserted[0]})
	return inserted[0], nil
}

// Update implements gateway.Store. At least one filter is required.
func (b *Backend) Update(ctx context.Context, tableName string, filters []gateway.Filter, patch gateway.Row) ([]gateway.Row, error) {
	op := "update " + tableName
	t, err := b.table(ctx, tableName)
	if err != nil {
		return nil, err
	}
	if len(filters) == 0 {
		return nil, apperr.Validationf(op, "update without filters")
	}
	if len(patch) == 0 {
		return nil, apperr.Validationf(op, "empty patch")
	}
	clause, whereArgs, err := where(t, filters)
	if err != nil {
		return nil, err
	}
	if t.has("updated_at") && !patch.Has("updated_at") {
		patch = patch.Clone()
		patch["updated_at"] = gateway.FormatTime(time.Now())
	}

	var (
		sets []string
		args []any
	)
	for _, name := range t.order {
		v, ok := patch[name]
		if !ok {
			continue
		}
		sets = append(sets, quote(name)+" = ?")
		args = append(args, bindValue(t.columns[name], v))
	}
	for name := range patch {
		if !t.has(name) {
			return nil, unknownColumn(t, name)
		}
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify(op, err)
	}
	defer func() { _ = tx.Rollback() }()

	oldRows, err := tx.QueryContext(ctx, fmt.Sprintf("SELECT * FROM %s%s", quote(t.name), clause), whereArgs...)
	if err != nil {
		return nil, classify(op, err)
	}
	before, err := scanRows(t, oldRows)
	if err != nil {
		return nil, classify(op, err)
	}

	stmt := fmt.Sprintf("UPDATE %s SET %s%s RETURNING *", quote(t.name), strings.Join(sets, ", "), clause)
	newRows, err := tx.QueryContext(ctx, stmt, append(args, whereArgs...)...)
	if err != nil {
		return nil, classify(op, err)
	}
	after, err := scanRows(t, newRows)
	if err != nil {
		return nil, classify(op, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, classify(op, err)
	}

	old := indexByID(before)
	for _, r := range after {
		id, _ := r.String("id")
		b.publish(ctx, gateway.ChangeEvent{Table: t.name, Type: gateway.Update, New: r, Old: old[id]})
	}
	return after, nil
}

// Delete implements gateway.Store. At least one filter is required.
func (b *Backend) Delete(ctx context.Context, tableName string, filters []gateway.Filter) error {
	op := "delete " + tableName
	t, err := b.table(ctx, tableName)
	if err != nil {
		return err
	}
	if len(filters) == 0 {
		return apperr.Validationf(op, "delete without filters")
	}
	clause, args, err := where(t, filters)
	if err != nil {
		return err
	}
	rows, err := b.db.QueryContext(ctx, fmt.Sprintf("DELETE FROM %s%s RETURNING *", quote(t.name), clause), args...)
	if err != nil {
		return classify(op, err)
	}
	deleted, err := scanRows(t, rows)
	if err != nil {
		return classify(op, err)
	}
	for _, r := range deleted {
		b.publish(ctx, gateway.ChangeEvent{Table: t.name, Type: gateway.Delete, Old: r})
	}
	return nil
}

func indexByID(rows []gateway.Row) map[string]gateway.Row {
	out := make(map[string]gateway.Row, len(rows))
	for _, r := range rows {
		if id, ok := r.String("id"); ok {
			out[id] = r
		}
	}
	return out
}

func (b *Backend) publish(ctx context.Context, evt gateway.ChangeEvent) {
	if b.pub == nil {
		return
	}
	evt.CommitAt = time.Now().UTC()
	// The write is committed; a lost event only delays other clients until
	// their next refetch.
	if err := b.pub.Publish(context.WithoutCancel(ctx), evt); err != nil {
		b.logger.Warn("publish change event failed",
			zap.String("table", evt.Table),
			zap.String("type", string(evt.Type)),
			zap.Error(err))
	}
}
