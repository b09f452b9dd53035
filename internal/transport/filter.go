package transport

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// FilterOp is a comparison operator
type FilterOp string

const (
	OpEq    FilterOp = "eq"
	OpNeq   FilterOp = "neq"
	OpGt    FilterOp = "gt"
	OpGte   FilterOp = "gte"
	OpLt    FilterOp = "lt"
	OpLte   FilterOp = "lte"
	OpLike  FilterOp = "like"
	OpILike FilterOp = "ilike"
	OpIn    FilterOp = "in"
	OpIs    FilterOp = "is"
)

// Filter is a single column predicate
type Filter struct {
	Column string
	Op     FilterOp
	Value  interface{}
}

// Eq is shorthand for an equality filter
func Eq(column string, value interface{}) Filter {
	return Filter{Column: column, Op: OpEq, Value: value}
}

// String renders the filter in column=op.value form
func (f Filter) String() string {
	if f.Op == OpIn {
		if vals, ok := f.Value.([]interface{}); ok {
			parts := make([]string, len(vals))
			for i, v := range vals {
				parts[i] = fmt.Sprint(v)
			}
			return fmt.Sprintf("%s=in.(%s)", f.Column, strings.Join(parts, ","))
		}
	}
	if f.Value == nil {
		return fmt.Sprintf("%s=%s.null", f.Column, f.Op)
	}
	return fmt.Sprintf("%s=%s.%v", f.Column, f.Op, f.Value)
}

// ParseRowFilter parses a row filter of the form column=op.value, e.g. "status=eq.active"
// or "id=in.(1,2,3)". An empty string yields ok=false.
func ParseRowFilter(s string) (f Filter, ok bool, err error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Filter{}, false, nil
	}

	column, rest, found := strings.Cut(s, "=")
	if !found || column == "" {
		return Filter{}, false, fmt.Errorf("invalid row filter %q: expected column=op.value", s)
	}
	op, value, found := strings.Cut(rest, ".")
	if !found {
		return Filter{}, false, fmt.Errorf("invalid row filter %q: expected op.value", s)
	}

	f = Filter{Column: column, Op: FilterOp(op)}
	switch f.Op {
	case OpEq, OpNeq, OpGt, OpGte, OpLt, OpLte, OpLike, OpILike:
		f.Value = value
	case OpIs:
		if strings.EqualFold(value, "null") {
			f.Value = nil
		} else {
			f.Value = value
		}
	case OpIn:
		value = strings.TrimSuffix(strings.TrimPrefix(value, "("), ")")
		parts := strings.Split(value, ",")
		vals := make([]interface{}, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				vals = append(vals, p)
			}
		}
		f.Value = vals
	default:
		return Filter{}, false, fmt.Errorf("invalid row filter %q: unknown operator %q", s, op)
	}
	return f, true, nil
}

// Matches evaluates the filter against a row. Values parsed from filter strings are
// compared against the row's values loosely (numeric or textual).
func (f Filter) Matches(row Row) bool {
	actual, present := row[f.Column]

	switch f.Op {
	case OpIs:
		if f.Value == nil {
			return !present || actual == nil
		}
		return present && looseEqual(actual, f.Value)
	case OpEq:
		return present && looseEqual(actual, f.Value)
	case OpNeq:
		return !present || !looseEqual(actual, f.Value)
	case OpIn:
		vals, ok := f.Value.([]interface{})
		if !ok || !present {
			return false
		}
		for _, v := range vals {
			if looseEqual(actual, v) {
				return true
			}
		}
		return false
	case OpGt, OpGte, OpLt, OpLte:
		if !present {
			return false
		}
		c, ok := compare(actual, f.Value)
		if !ok {
			return false
		}
		switch f.Op {
		case OpGt:
			return c > 0
		case OpGte:
			return c >= 0
		case OpLt:
			return c < 0
		default:
			return c <= 0
		}
	case OpLike, OpILike:
		if !present || actual == nil {
			return false
		}
		return likeMatch(fmt.Sprint(actual), fmt.Sprint(f.Value), f.Op == OpILike)
	}
	return false
}

// MatchesAll reports whether every filter matches the row
func MatchesAll(filters []Filter, row Row) bool {
	for _, f := range filters {
		if !f.Matches(row) {
			return false
		}
	}
	return true
}

// Compare orders two column values; nil sorts first, numbers numerically, the rest textually.
func Compare(a, b interface{}) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	c, _ := compare(a, b)
	return c
}

func looseEqual(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if reflect.DeepEqual(a, b) {
		return true
	}
	if c, ok := compare(a, b); ok {
		return c == 0
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func compare(a, b interface{}) (int, bool) {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		default:
			return 0, true
		}
	}
	as, bs := fmt.Sprint(a), fmt.Sprint(b)
	return strings.Compare(as, bs), true
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

// likeMatch implements SQL LIKE with % and _ wildcards
func likeMatch(s, pattern string, fold bool) bool {
	if fold {
		s, pattern = strings.ToLower(s), strings.ToLower(pattern)
	}
	return likeAt([]rune(s), []rune(pattern))
}

func likeAt(s, p []rune) bool {
	for len(p) > 0 {
		switch p[0] {
		case '%':
			for i := 0; i <= len(s); i++ {
				if likeAt(s[i:], p[1:]) {
					return true
				}
			}
			return false
		case '_':
			if len(s) == 0 {
				return false
			}
		default:
			if len(s) == 0 || s[0] != p[0] {
				return false
			}
		}
		s, p = s[1:], p[1:]
	}
	return len(s) == 0
}

// SpecMatcher builds the predicate selecting the events a channel spec subscribes to.
// Row filters are checked against the new row, or the old row for deletes.
func SpecMatcher(spec ChannelSpec) (func(ChangeEvent) bool, error) {
	rowFilter, hasFilter, err := ParseRowFilter(spec.Filter)
	if err != nil {
		return nil, err
	}
	return func(ev ChangeEvent) bool {
		if ev.Table != spec.Table {
			return false
		}
		if spec.Schema != "" && ev.Schema != "" && ev.Schema != spec.Schema {
			return false
		}
		if !hasFilter {
			return true
		}
		row := ev.New
		if row == nil {
			row = ev.Old
		}
		return rowFilter.Matches(row)
	}, nil
}
