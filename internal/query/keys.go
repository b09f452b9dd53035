package query

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/mycolab/labdb/internal/transport"
)

// GenerateSelectKey builds a deterministic cache key for a select on table.
// Map keys are serialized in sorted order, so option maps that differ only in
// key order produce the same key.
func GenerateSelectKey(table string, opts map[string]interface{}) string {
	if len(opts) == 0 {
		return "select:" + table
	}
	b, err := json.Marshal(opts)
	if err != nil {
		return fmt.Sprintf("select:%s:%v", table, opts)
	}
	return "select:" + table + ":" + string(b)
}

// SelectKey derives the cache key of q
func SelectKey(q transport.SelectQuery) string {
	opts := map[string]interface{}{}
	if q.Columns != "" && q.Columns != "*" {
		opts["select"] = q.Columns
	}
	if len(q.Order) > 0 {
		order := make([]string, len(q.Order))
		for i, o := range q.Order {
			dir := "desc"
			if o.Ascending {
				dir = "asc"
			}
			order[i] = o.Column + "." + dir
		}
		opts["order"] = order
	}
	if len(q.Filters) > 0 {
		filters := make([]string, len(q.Filters))
		for i, f := range q.Filters {
			filters[i] = f.String()
		}
		opts["filters"] = filters
	}
	if q.Limit > 0 {
		opts["limit"] = q.Limit
	}
	return GenerateSelectKey(q.Table, opts)
}

// Select returns an Operation running q
func Select(q transport.SelectQuery) Operation {
	return func(ctx context.Context, t transport.Transport) (interface{}, error) {
		return t.Select(ctx, q)
	}
}

// TablePattern matches every cache key of selects on table
func TablePattern(table string) string {
	return `^select:` + regexp.QuoteMeta(table) + `(:|$)`
}
