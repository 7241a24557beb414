package estate

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/nugget/atrium/internal/database"
)

type scanner interface {
	Scan(dest ...any) error
}

// table describes how one entity maps onto its SQL table. Column names
// are constants from this package, never caller input.
type table[T any] struct {
	name    string
	columns []string
	// filters maps public filter names to columns.
	filters map[string]string
	search  []string
	// timeColumn is bounded by Filter.Since/Until when set.
	timeColumn string
	order      string
	scan       func(scanner) (T, error)
	args       func(T) []any
}

const defaultLimit = 25

func list[T any](ctx context.Context, db *sql.DB, t table[T], orgID string, f Filter) (*Page[T], error) {
	where := []string{"org_id = ?"}
	args := []any{orgID}

	keys := make([]string, 0, len(f.Equals))
	for k := range f.Equals {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		col, ok := t.filters[k]
		if !ok {
			return nil, fmt.Errorf("%w %q for %s", ErrUnknownFilter, k, t.name)
		}
		where = append(where, col+" = ?")
		args = append(args, f.Equals[k])
	}

	if f.Search != "" && len(t.search) > 0 {
		like := make([]string, len(t.search))
		for i, col := range t.search {
			like[i] = col + " LIKE ?"
			args = append(args, "%"+f.Search+"%")
		}
		where = append(where, "("+strings.Join(like, " OR ")+")")
	}
	if t.timeColumn != "" {
		if !f.Since.IsZero() {
			where = append(where, t.timeColumn+" >= ?")
			args = append(args, database.FormatTime(f.Since))
		}
		if !f.Until.IsZero() {
			where = append(where, t.timeColumn+" < ?")
			args = append(args, database.FormatTime(f.Until))
		}
	}
	clause := strings.Join(where, " AND ")

	var total int
	if err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM "+t.name+" WHERE "+clause, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count %s: %w", t.name, err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	offset := max(f.Offset, 0)
	rows, err := db.QueryContext(ctx,
		"SELECT "+strings.Join(t.columns, ", ")+" FROM "+t.name+
			" WHERE "+clause+" ORDER BY "+t.order+" LIMIT ? OFFSET ?",
		append(args, limit, offset)...)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", t.name, err)
	}
	defer rows.Close()

	page := &Page[T]{Items: []T{}, Total: total}
	for rows.Next() {
		item, err := t.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", t.name, err)
		}
		page.Items = append(page.Items, item)
	}
	return page, rows.Err()
}

func get[T any](ctx context.Context, db *sql.DB, t table[T], orgID, id string) (*T, error) {
	row := db.QueryRowContext(ctx,
		"SELECT "+strings.Join(t.columns, ", ")+" FROM "+t.name+" WHERE org_id = ? AND id = ?",
		orgID, id)
	item, err := t.scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", t.name, err)
	}
	return &item, nil
}

func insert[T any](ctx context.Context, db *sql.DB, t table[T], item T) error {
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(t.columns)), ", ")
	_, err := db.ExecContext(ctx,
		"INSERT INTO "+t.name+" ("+strings.Join(t.columns, ", ")+") VALUES ("+marks+")",
		t.args(item)...)
	if err != nil {
		return fmt.Errorf("insert %s: %w", t.name, err)
	}
	return nil
}

func encodeCustom(m map[string]string) string {
	if len(m) == 0 {
		return "{}"
	}
	b, _ := json.Marshal(m)
	return string(b)
}

func decodeCustom(s string) map[string]string {
	if s == "" || s == "{}" {
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil
	}
	return m
}
