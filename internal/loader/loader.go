// Package loader loads many declared tables through the query executor in
// priority-ordered parallel waves.
package loader

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mycolab/labdb/internal/errors"
	"github.com/mycolab/labdb/internal/metrics"
	"github.com/mycolab/labdb/internal/query"
	"github.com/mycolab/labdb/internal/transport"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultPriorities orders lab tables so reference data loads before the records
// that point at it. Unlisted tables get priority 0.
var DefaultPriorities = map[string]int{
	"species":      100,
	"strains":      95,
	"locations":    90,
	"substrates":   85,
	"equipment":    80,
	"suppliers":    75,
	"recipes":      70,
	"cultures":     60,
	"grows":        50,
	"harvests":     40,
	"observations": 30,
	"tasks":        20,
}

// RowTransform reshapes the rows loaded for one table. The input rows may be shared
// with the query cache and must not be modified in place.
type RowTransform interface {
	Transform(rows []transport.Row) ([]transport.Row, error)
}

// RowTransformFunc adapts a function to RowTransform
type RowTransformFunc func(rows []transport.Row) ([]transport.Row, error)

// Transform implements RowTransform
func (f RowTransformFunc) Transform(rows []transport.Row) ([]transport.Row, error) {
	return f(rows)
}

// TableConfig declares one table to load
type TableConfig struct {
	Name    string `yaml:"name"`
	Columns string `yaml:"select"`
	OrderBy string `yaml:"order_by"`
	// Descending reverses OrderBy
	Descending bool `yaml:"descending"`
	// Filter is a row filter such as "status=eq.active"
	Filter   string        `yaml:"filter"`
	Required bool          `yaml:"required"`
	CacheTTL time.Duration `yaml:"cache_ttl"`

	Filters   []transport.Filter `yaml:"-"`
	Transform RowTransform       `yaml:"-"`
}

// Query builds the select statement for the table
func (tc TableConfig) Query() (transport.SelectQuery, error) {
	q := transport.SelectQuery{
		Table:   tc.Name,
		Columns: tc.Columns,
		Filters: append([]transport.Filter(nil), tc.Filters...),
	}
	if q.Columns == "" {
		q.Columns = "*"
	}
	if tc.OrderBy != "" {
		q.Order = []transport.Order{{Column: tc.OrderBy, Ascending: !tc.Descending}}
	}
	f, ok, err := transport.ParseRowFilter(tc.Filter)
	if err != nil {
		return q, err
	}
	if ok {
		q.Filters = append(q.Filters, f)
	}
	return q, nil
}

// Plan is one loader run
type Plan struct {
	Tables []TableConfig `yaml:"tables"`
	// Sequential loads one table at a time instead of in waves
	Sequential    bool `yaml:"sequential"`
	MaxConcurrent int  `yaml:"max_concurrent"`
	// Priorities override the loader's priority table for this run
	Priorities map[string]int `yaml:"priorities"`
}

// Config holds loader configuration
type Config struct {
	MaxConcurrent int            `mapstructure:"max_concurrent"`
	Priorities    map[string]int `mapstructure:"priorities"`
}

// DefaultConfig returns the default loader configuration
func DefaultConfig() Config {
	return Config{MaxConcurrent: 10}
}

// TableResult is the outcome of loading one table
type TableResult struct {
	Table    string             `json:"table"`
	Data     []transport.Row    `json:"data"`
	Err      *errors.QueryError `json:"error,omitempty"`
	Cached   bool               `json:"cached"`
	Required bool               `json:"required"`
	Duration time.Duration      `json:"duration"`
}

// TableError pairs a failed table with its error
type TableError struct {
	Table string             `json:"table"`
	Err   *errors.QueryError `json:"error"`
}

// LoadResult is the consolidated outcome of a loader run
type LoadResult struct {
	// Success is false only when a required table failed
	Success  bool                    `json:"success"`
	Tables   map[string]*TableResult `json:"tables"`
	Order    []string                `json:"order"`
	Errors   []TableError            `json:"errors,omitempty"`
	Duration time.Duration           `json:"duration"`
}

// Data returns the rows loaded for table
func (r *LoadResult) Data(table string) []transport.Row {
	if tr, ok := r.Tables[table]; ok {
		return tr.Data
	}
	return nil
}

// Loader runs load plans
type Loader struct {
	cfg        Config
	executor   *query.Executor
	priorities map[string]int
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

// NewLoader creates a new loader. cfg.Priorities override DefaultPriorities per table.
func NewLoader(cfg Config, executor *query.Executor, logger *zap.Logger, m *metrics.Metrics) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultConfig().MaxConcurrent
	}

	priorities := make(map[string]int, len(DefaultPriorities)+len(cfg.Priorities))
	for k, v := range DefaultPriorities {
		priorities[k] = v
	}
	for k, v := range cfg.Priorities {
		priorities[k] = v
	}

	return &Loader{
		cfg:        cfg,
		executor:   executor,
		priorities: priorities,
		logger:     logger,
		metrics:    m,
	}
}

// Priority returns the load priority of table
func (l *Loader) Priority(table string) int {
	return l.priorities[table]
}

// Sort orders tables by priority, highest first. Equal priorities keep their declared order.
func (l *Loader) Sort(tables []TableConfig) []TableConfig {
	return l.sortWith(tables, nil)
}

func (l *Loader) sortWith(tables []TableConfig, overrides map[string]int) []TableConfig {
	priority := func(table string) int {
		if p, ok := overrides[table]; ok {
			return p
		}
		return l.Priority(table)
	}
	sorted := append([]TableConfig(nil), tables...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return priority(sorted[i].Name) > priority(sorted[j].Name)
	})
	return sorted
}

// LoadAll loads every table of plan. Waves of MaxConcurrent tables run concurrently and
// each wave settles before the next starts.
func (l *Loader) LoadAll(ctx context.Context, plan Plan) *LoadResult {
	start := time.Now()

	// Results are keyed by table name, so a table may appear only once
	seen := make(map[string]bool, len(plan.Tables))
	for _, tc := range plan.Tables {
		if !seen[tc.Name] {
			seen[tc.Name] = true
			continue
		}
		qe := errors.InvalidArgument(fmt.Sprintf("table %s declared twice", tc.Name), nil)
		l.logger.Error("Rejected load plan", zap.String("table", tc.Name), zap.Error(qe))
		result := &LoadResult{
			Tables:   map[string]*TableResult{},
			Order:    []string{},
			Errors:   []TableError{{Table: tc.Name, Err: qe}},
			Duration: time.Since(start),
		}
		l.metrics.RecordLoad(false, result.Duration)
		return result
	}

	tables := l.sortWith(plan.Tables, plan.Priorities)

	width := plan.MaxConcurrent
	if width <= 0 {
		width = l.cfg.MaxConcurrent
	}
	if plan.Sequential {
		width = 1
	}

	result := &LoadResult{
		Tables: make(map[string]*TableResult, len(tables)),
		Order:  make([]string, 0, len(tables)),
	}
	var mu sync.Mutex

	for i := 0; i < len(tables); i += width {
		end := i + width
		if end > len(tables) {
			end = len(tables)
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, tc := range tables[i:end] {
			tc := tc
			g.Go(func() error {
				tr := l.loadTable(gctx, tc)
				mu.Lock()
				result.Tables[tc.Name] = tr
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()
	}

	result.Success = true
	for _, tc := range tables {
		result.Order = append(result.Order, tc.Name)
		tr := result.Tables[tc.Name]
		if tr.Err == nil {
			continue
		}
		result.Errors = append(result.Errors, TableError{Table: tc.Name, Err: tr.Err})
		if tc.Required {
			result.Success = false
		}
	}
	result.Duration = time.Since(start)
	l.metrics.RecordLoad(result.Success, result.Duration)

	l.logger.Info("Load completed",
		zap.Int("tables", len(tables)),
		zap.Int("errors", len(result.Errors)),
		zap.Bool("success", result.Success),
		zap.Duration("duration", result.Duration))
	return result
}

func (l *Loader) loadTable(ctx context.Context, tc TableConfig) *TableResult {
	tr := &TableResult{Table: tc.Name, Required: tc.Required}

	q, err := tc.Query()
	if err != nil {
		tr.Err = errors.InvalidArgument(fmt.Sprintf("invalid filter for %s", tc.Name), err)
		return tr
	}

	var opts []query.Option
	if tc.CacheTTL > 0 {
		opts = append(opts, query.WithCacheTTL(tc.CacheTTL))
	}

	res := l.executor.Execute(ctx, query.Select(q), query.SelectKey(q), opts...)
	tr.Cached = res.Cached
	tr.Duration = res.Timing.Duration
	if res.Err != nil {
		tr.Err = res.Err
		l.logger.Warn("Table load failed",
			zap.String("table", tc.Name),
			zap.Bool("required", tc.Required),
			zap.String("code", string(res.Err.Code)),
			zap.Error(res.Err))
		return tr
	}

	rows, _ := res.Data.([]transport.Row)
	tr.Data = rows

	if tc.Transform != nil {
		transformed, err := l.transform(tc, rows)
		if err != nil {
			l.logger.Warn("Row transform failed, keeping untransformed rows",
				zap.String("table", tc.Name),
				zap.Error(errors.TransformFailed(tc.Name, err)))
		} else {
			tr.Data = transformed
		}
	}
	return tr
}

func (l *Loader) transform(tc TableConfig, rows []transport.Row) (out []transport.Row, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transform panicked: %v", r)
		}
	}()
	return tc.Transform.Transform(rows)
}

// LookupMap indexes rows by the value of key. Rows missing key are skipped and later
// rows win on duplicate keys.
func LookupMap(rows []transport.Row, key string) map[string]transport.Row {
	out := make(map[string]transport.Row, len(rows))
	for _, r := range rows {
		v, ok := r[key]
		if !ok || v == nil {
			continue
		}
		out[fmt.Sprint(v)] = r
	}
	return out
}
