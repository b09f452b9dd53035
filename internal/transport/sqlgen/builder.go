// Package sqlgen renders transport queries into parameterised SQL for the
// Postgres and SQLite transports.
package sqlgen

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/mycolab/labdb/internal/transport"
)

// Dialect captures the differences between the supported SQL engines
type Dialect struct {
	Name string
	// Placeholder renders the n-th (1-based) bind parameter
	Placeholder func(n int) string
	// ILike is the case-insensitive LIKE operator
	ILike string
}

var (
	// Postgres uses $n placeholders and native ILIKE
	Postgres = Dialect{
		Name:        "postgres",
		Placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
		ILike:       "ILIKE",
	}

	// SQLite uses ? placeholders; its LIKE is case-insensitive for ASCII
	SQLite = Dialect{
		Name:        "sqlite",
		Placeholder: func(int) string { return "?" },
		ILike:       "LIKE",
	}
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// Statement is rendered SQL plus its bind arguments
type Statement struct {
	SQL  string
	Args []interface{}
}

type builder struct {
	d    Dialect
	sb   strings.Builder
	args []interface{}
}

func (b *builder) bind(v interface{}) string {
	b.args = append(b.args, v)
	return b.d.Placeholder(len(b.args))
}

func (b *builder) statement() Statement {
	return Statement{SQL: b.sb.String(), Args: b.args}
}

// Ident validates and quotes an identifier, optionally schema qualified
func Ident(name string) (string, error) {
	name = strings.TrimSpace(name)
	if !identRe.MatchString(name) {
		return "", fmt.Errorf("invalid identifier %q", name)
	}
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = `"` + p + `"`
	}
	return strings.Join(parts, "."), nil
}

func projection(columns string) (string, error) {
	columns = strings.TrimSpace(columns)
	if columns == "" || columns == "*" {
		return "*", nil
	}
	cols := strings.Split(columns, ",")
	quoted := make([]string, 0, len(cols))
	for _, c := range cols {
		q, err := Ident(c)
		if err != nil {
			return "", err
		}
		quoted = append(quoted, q)
	}
	return strings.Join(quoted, ", "), nil
}

// Select renders a SELECT statement
func (d Dialect) Select(q transport.SelectQuery) (Statement, error) {
	table, err := Ident(q.Table)
	if err != nil {
		return Statement{}, err
	}
	cols, err := projection(q.Columns)
	if err != nil {
		return Statement{}, err
	}

	b := &builder{d: d}
	fmt.Fprintf(&b.sb, "SELECT %s FROM %s", cols, table)
	if err := b.where(q.Filters); err != nil {
		return Statement{}, err
	}

	if len(q.Order) > 0 {
		terms := make([]string, 0, len(q.Order))
		for _, o := range q.Order {
			col, err := Ident(o.Column)
			if err != nil {
				return Statement{}, err
			}
			dir := "DESC"
			if o.Ascending {
				dir = "ASC"
			}
			terms = append(terms, col+" "+dir)
		}
		b.sb.WriteString(" ORDER BY " + strings.Join(terms, ", "))
	}
	if q.Limit > 0 {
		b.sb.WriteString(" LIMIT " + b.bind(q.Limit))
	}
	return b.statement(), nil
}

// Insert renders a multi-row INSERT ... RETURNING *. When upsert is set an
// ON CONFLICT clause is added using opts.
func (d Dialect) Insert(table string, rows []transport.Row, opts transport.WriteOptions, upsert bool) (Statement, error) {
	if len(rows) == 0 {
		return Statement{}, fmt.Errorf("insert into %s: no rows", table)
	}
	qtable, err := Ident(table)
	if err != nil {
		return Statement{}, err
	}

	columns := unionColumns(rows)
	quoted := make([]string, len(columns))
	for i, c := range columns {
		if quoted[i], err = Ident(c); err != nil {
			return Statement{}, err
		}
	}

	b := &builder{d: d}
	fmt.Fprintf(&b.sb, "INSERT INTO %s (%s) VALUES ", qtable, strings.Join(quoted, ", "))
	for i, r := range rows {
		if i > 0 {
			b.sb.WriteString(", ")
		}
		ph := make([]string, len(columns))
		for j, c := range columns {
			ph[j] = b.bind(r[c])
		}
		b.sb.WriteString("(" + strings.Join(ph, ", ") + ")")
	}

	if upsert {
		conflict := opts.OnConflict
		if len(conflict) == 0 {
			conflict = []string{"id"}
		}
		target := make([]string, len(conflict))
		skip := make(map[string]bool, len(conflict))
		for i, c := range conflict {
			if target[i], err = Ident(c); err != nil {
				return Statement{}, err
			}
			skip[c] = true
		}

		var sets []string
		for i, c := range columns {
			if !skip[c] {
				sets = append(sets, fmt.Sprintf("%s = excluded.%s", quoted[i], quoted[i]))
			}
		}
		fmt.Fprintf(&b.sb, " ON CONFLICT (%s)", strings.Join(target, ", "))
		if opts.IgnoreDuplicates || len(sets) == 0 {
			b.sb.WriteString(" DO NOTHING")
		} else {
			b.sb.WriteString(" DO UPDATE SET " + strings.Join(sets, ", "))
		}
	}

	b.sb.WriteString(" RETURNING *")
	return b.statement(), nil
}

// Update renders UPDATE ... SET ... WHERE ... RETURNING *
func (d Dialect) Update(table string, values transport.Row, filters []transport.Filter) (Statement, error) {
	if len(values) == 0 {
		return Statement{}, fmt.Errorf("update %s: no values", table)
	}
	if len(filters) == 0 {
		return Statement{}, fmt.Errorf("update %s: refusing to update without filters", table)
	}
	qtable, err := Ident(table)
	if err != nil {
		return Statement{}, err
	}

	b := &builder{d: d}
	cols := sortedKeys(values)
	sets := make([]string, len(cols))
	for i, c := range cols {
		q, err := Ident(c)
		if err != nil {
			return Statement{}, err
		}
		sets[i] = q + " = " + b.bind(values[c])
	}
	fmt.Fprintf(&b.sb, "UPDATE %s SET %s", qtable, strings.Join(sets, ", "))
	if err := b.where(filters); err != nil {
		return Statement{}, err
	}
	b.sb.WriteString(" RETURNING *")
	return b.statement(), nil
}

// Delete renders DELETE ... WHERE ... RETURNING *
func (d Dialect) Delete(table string, filters []transport.Filter) (Statement, error) {
	if len(filters) == 0 {
		return Statement{}, fmt.Errorf("delete from %s: refusing to delete without filters", table)
	}
	qtable, err := Ident(table)
	if err != nil {
		return Statement{}, err
	}
	b := &builder{d: d}
	b.sb.WriteString("DELETE FROM " + qtable)
	if err := b.where(filters); err != nil {
		return Statement{}, err
	}
	b.sb.WriteString(" RETURNING *")
	return b.statement(), nil
}

func (b *builder) where(filters []transport.Filter) error {
	if len(filters) == 0 {
		return nil
	}
	conds := make([]string, 0, len(filters))
	for _, f := range filters {
		c, err := b.condition(f)
		if err != nil {
			return err
		}
		conds = append(conds, c)
	}
	b.sb.WriteString(" WHERE " + strings.Join(conds, " AND "))
	return nil
}

func (b *builder) condition(f transport.Filter) (string, error) {
	col, err := Ident(f.Column)
	if err != nil {
		return "", err
	}

	switch f.Op {
	case transport.OpEq:
		return col + " = " + b.bind(f.Value), nil
	case transport.OpNeq:
		return col + " <> " + b.bind(f.Value), nil
	case transport.OpGt:
		return col + " > " + b.bind(f.Value), nil
	case transport.OpGte:
		return col + " >= " + b.bind(f.Value), nil
	case transport.OpLt:
		return col + " < " + b.bind(f.Value), nil
	case transport.OpLte:
		return col + " <= " + b.bind(f.Value), nil
	case transport.OpLike:
		return col + " LIKE " + b.bind(f.Value), nil
	case transport.OpILike:
		return col + " " + b.d.ILike + " " + b.bind(f.Value), nil
	case transport.OpIs:
		// IS only takes keywords, never a bound parameter
		switch v := f.Value.(type) {
		case nil:
			return col + " IS NULL", nil
		case bool:
			if v {
				return col + " IS TRUE", nil
			}
			return col + " IS FALSE", nil
		case string:
			switch strings.ToLower(v) {
			case "null":
				return col + " IS NULL", nil
			case "true":
				return col + " IS TRUE", nil
			case "false":
				return col + " IS FALSE", nil
			}
		}
		return "", fmt.Errorf("filter %s: is expects null, true or false", f.Column)
	case transport.OpIn:
		vals, ok := f.Value.([]interface{})
		if !ok {
			return "", fmt.Errorf("filter %s: in expects a list", f.Column)
		}
		if len(vals) == 0 {
			return "1 = 0", nil
		}
		ph := make([]string, len(vals))
		for i, v := range vals {
			ph[i] = b.bind(v)
		}
		return col + " IN (" + strings.Join(ph, ", ") + ")", nil
	}
	return "", fmt.Errorf("filter %s: unsupported operator %q", f.Column, f.Op)
}

func unionColumns(rows []transport.Row) []string {
	seen := make(map[string]struct{})
	for _, r := range rows {
		for k := range r {
			seen[k] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedKeys(r transport.Row) []string {
	out := make([]string, 0, len(r))
	for k := range r {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
