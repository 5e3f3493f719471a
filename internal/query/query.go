// Package query compiles fetch requests into plans that filter, sort and
// limit records. Predicates are expr-lang expressions evaluated against the
// record's attributes; the record identity is available as "id".
package query

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	exprlang "github.com/expr-lang/expr"
	exprvm "github.com/expr-lang/expr/vm"

	"github.com/bcnelson/persistence-stack/internal/domain"
)

// ProgramCache stores compiled predicate programs keyed by expression.
type ProgramCache interface {
	Get(key string) (*exprvm.Program, bool)
	Set(key string, program *exprvm.Program)
}

// MapCache is a ProgramCache backed by a map. It is safe for concurrent use.
type MapCache struct {
	mu       sync.RWMutex
	programs map[string]*exprvm.Program
}

// NewMapCache creates an empty MapCache.
func NewMapCache() *MapCache {
	return &MapCache{programs: make(map[string]*exprvm.Program)}
}

func (c *MapCache) Get(key string) (*exprvm.Program, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.programs[key]
	return p, ok
}

func (c *MapCache) Set(key string, program *exprvm.Program) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.programs[key] = program
}

// Plan is a compiled fetch request.
type Plan struct {
	Request domain.FetchRequest
	program *exprvm.Program
}

// Compile validates req and compiles its predicate. cache may be nil.
func Compile(req domain.FetchRequest, cache ProgramCache) (*Plan, error) {
	if req.Entity == "" {
		return nil, fmt.Errorf("%w: fetch request has no entity", domain.ErrInvalidInput)
	}
	for _, s := range req.SortBy {
		if s.Attribute == "" {
			return nil, fmt.Errorf("%w: sort key has no attribute", domain.ErrInvalidInput)
		}
	}

	plan := &Plan{Request: req}
	predicate := strings.TrimSpace(req.Predicate)
	if predicate == "" {
		return plan, nil
	}

	if cache != nil {
		if program, ok := cache.Get(predicate); ok {
			plan.program = program
			return plan, nil
		}
	}
	program, err := exprlang.Compile(predicate,
		exprlang.Env(map[string]any{}),
		exprlang.AllowUndefinedVariables(),
		exprlang.AsBool(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: compiling predicate %q: %v", domain.ErrInvalidInput, predicate, err)
	}
	if cache != nil {
		cache.Set(predicate, program)
	}
	plan.program = program
	return plan, nil
}

// Matches evaluates the predicate against rec. An evaluation error is
// returned alongside false; Apply treats it as a non-match.
func (p *Plan) Matches(rec domain.Record) (bool, error) {
	if rec.ID.Entity != p.Request.Entity {
		return false, nil
	}
	if p.program == nil {
		return true, nil
	}
	env := make(map[string]any, len(rec.Attributes)+1)
	for k, v := range rec.Attributes {
		env[k] = v
	}
	env["id"] = rec.ID.String()

	out, err := exprlang.Run(p.program, env)
	if err != nil {
		return false, fmt.Errorf("evaluating predicate %q on %s: %w", p.Request.Predicate, rec.ID, err)
	}
	ok, isBool := out.(bool)
	if !isBool {
		return false, fmt.Errorf("predicate %q returned %T, want bool", p.Request.Predicate, out)
	}
	return ok, nil
}

// Apply filters, sorts and limits records. The input slice is not modified.
// Without sort keys the input order is kept. A record the predicate cannot
// be evaluated on, such as nil > 1 for a missing attribute, does not match.
func (p *Plan) Apply(records []domain.Record) ([]domain.Record, error) {
	out := make([]domain.Record, 0, len(records))
	for _, rec := range records {
		if ok, _ := p.Matches(rec); ok {
			out = append(out, rec)
		}
	}

	if len(p.Request.SortBy) > 0 {
		sort.SliceStable(out, func(i, j int) bool {
			for _, key := range p.Request.SortBy {
				c := Compare(out[i].Attributes[key.Attribute], out[j].Attributes[key.Attribute])
				if c == 0 {
					continue
				}
				if key.Descending {
					return c > 0
				}
				return c < 0
			}
			return false
		})
	}

	if p.Request.Limit > 0 && len(out) > p.Request.Limit {
		out = out[:p.Request.Limit]
	}
	return out, nil
}

// Compare orders attribute values: nil first, then booleans, numbers,
// times and strings; values of other types compare by their printed form.
func Compare(a, b any) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		return ra - rb
	}
	switch ra {
	case 0:
		return 0
	case 1:
		ab, bb := a.(bool), b.(bool)
		switch {
		case ab == bb:
			return 0
		case !ab:
			return -1
		default:
			return 1
		}
	case 2:
		fa, fb := toFloat(a), toFloat(b)
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		default:
			return 0
		}
	case 3:
		return a.(time.Time).Compare(b.(time.Time))
	case 4:
		return strings.Compare(a.(string), b.(string))
	default:
		return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
	}
}

func rank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return 2
	case time.Time:
		return 3
	case string:
		return 4
	default:
		return 5
	}
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int8:
		return float64(n)
	case int16:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case uint:
		return float64(n)
	case uint8:
		return float64(n)
	case uint16:
		return float64(n)
	case uint32:
		return float64(n)
	case uint64:
		return float64(n)
	case float32:
		return float64(n)
	case float64:
		return n
	}
	return 0
}
