package memstore

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/INLOpen/discover/core"
)

// maxAliasDepth bounds alias chains such as a histogram alias referenced by
// a condition.
const maxAliasDepth = 8

// nested columns that can be array joined.
const (
	nestedTags         = "tags"
	nestedMeasurements = "measurements"
)

// row is one candidate row of a query: an event, bound to one element of a
// nested column when the query array joins it.
type row struct {
	ev     *Event
	nested string
	elem   pair
}

// lookupFunc resolves a column name to its value for one row.
type lookupFunc func(name string) (any, error)

// evaluator evaluates expressions and clauses for a single query.
type evaluator struct {
	rollup  int
	aliases map[string]core.Expr
	likes   map[string]*regexp.Regexp
}

func newEvaluator(q *core.RawQuery) *evaluator {
	e := &evaluator{
		rollup:  q.Rollup,
		aliases: make(map[string]core.Expr),
		likes:   make(map[string]*regexp.Regexp),
	}
	for _, expr := range q.SelectedColumns {
		if call, ok := expr.(core.Call); ok && call.Alias != "" {
			e.aliases[call.Alias] = call
		}
	}
	return e
}

// rowLookup resolves names against an event row. Aliases of selected calls
// take precedence over columns.
func (e *evaluator) rowLookup(r row) lookupFunc {
	var lookup lookupFunc
	depth := 0
	lookup = func(name string) (any, error) {
		if expr, ok := e.aliases[name]; ok {
			depth++
			defer func() { depth-- }()
			if depth > maxAliasDepth {
				return nil, fmt.Errorf("alias %q references itself", name)
			}
			return e.eval(expr, lookup, r)
		}
		return e.column(r, name)
	}
	return lookup
}

// column returns the value of a physical column of r.
func (e *evaluator) column(r row, name string) (any, error) {
	ev := r.ev
	switch name {
	case "event_id":
		return ev.ID, nil
	case "project_id":
		return int64(ev.ProjectID), nil
	case "group_id":
		return int64(ev.GroupID), nil
	case "timestamp":
		return ev.Timestamp.Format(time.RFC3339), nil
	case "time":
		ts := ev.Timestamp.Unix()
		if e.rollup > 0 {
			step := int64(e.rollup)
			ts = floorDiv(ts, step) * step
		}
		return ts, nil
	case "tags_key", "tags_value":
		return nestedValue(r, nestedTags, name == "tags_key", ev.tagPairs), nil
	case "measurements_key", "measurements_value":
		return nestedValue(r, nestedMeasurements, name == "measurements_key", ev.measurementPairs), nil
	}
	if key, ok := bracketKey(name, "tags"); ok {
		if v, ok := ev.Tags[key]; ok {
			return v, nil
		}
		return nil, nil
	}
	if key, ok := bracketKey(name, "measurements"); ok {
		if v, ok := ev.Measurements[key]; ok {
			return v, nil
		}
		return nil, nil
	}
	return ev.Fields[name], nil
}

// nestedValue returns the joined element of a nested column, or the whole
// key or value list when the row is not joined over it.
func nestedValue(r row, nested string, key bool, pairs func() []pair) any {
	if r.nested == nested {
		if key {
			return r.elem.key
		}
		return r.elem.value
	}
	all := pairs()
	out := make([]any, len(all))
	for i, p := range all {
		if key {
			out[i] = p.key
		} else {
			out[i] = p.value
		}
	}
	return out
}

func bracketKey(name, prefix string) (string, bool) {
	if !strings.HasPrefix(name, prefix+"[") || !strings.HasSuffix(name, "]") {
		return "", false
	}
	return name[len(prefix)+1 : len(name)-1], true
}

// eval computes the value of expr. r is the event row the expression is
// evaluated for; arrayJoin needs it.
func (e *evaluator) eval(expr core.Expr, lookup lookupFunc, r row) (any, error) {
	switch x := expr.(type) {
	case core.Column:
		return lookup(x.Name)
	case core.Literal:
		return x.Value, nil
	case core.Call:
		return e.call(x, lookup, r)
	}
	return nil, fmt.Errorf("unsupported expression %T", expr)
}

func (e *evaluator) call(c core.Call, lookup lookupFunc, r row) (any, error) {
	if c.Function == "arrayJoin" {
		if len(c.Args) != 1 {
			return nil, fmt.Errorf("arrayJoin expects one argument")
		}
		col, ok := c.Args[0].(core.Column)
		if !ok {
			return nil, fmt.Errorf("arrayJoin expects a column")
		}
		nested := nestedOf(col.Name)
		if nested == "" || r.nested != nested {
			return nil, fmt.Errorf("cannot array join %s", col.Name)
		}
		return lookup(col.Name)
	}

	args := make([]any, len(c.Args))
	for i, a := range c.Args {
		v, err := e.eval(a, lookup, r)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}

	switch c.Function {
	case "isNull":
		if len(args) != 1 {
			return nil, fmt.Errorf("isNull expects one argument")
		}
		return boolInt(args[0] == nil), nil
	case "isNotNull":
		if len(args) != 1 {
			return nil, fmt.Errorf("isNotNull expects one argument")
		}
		return boolInt(args[0] != nil), nil
	case "coalesce":
		for _, a := range args {
			if a != nil {
				return a, nil
			}
		}
		return nil, nil
	case "plus", "minus", "multiply", "divide":
		if len(args) != 2 {
			return nil, fmt.Errorf("%s expects two arguments", c.Function)
		}
		return arithmetic(c.Function, args[0], args[1])
	case "floor":
		if len(args) != 1 {
			return nil, fmt.Errorf("floor expects one argument")
		}
		if args[0] == nil {
			return nil, nil
		}
		f, ok := core.Float64Value(args[0])
		if !ok {
			return nil, fmt.Errorf("floor of non numeric value %v", args[0])
		}
		return math.Floor(f), nil
	}
	return nil, fmt.Errorf("unknown function %q", c.Function)
}

func nestedOf(column string) string {
	switch column {
	case "tags_key", "tags_value":
		return nestedTags
	case "measurements_key", "measurements_value":
		return nestedMeasurements
	}
	return ""
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// arithmetic applies op with integer results for integer operands, except
// for divide which is always a float division.
func arithmetic(op string, a, b any) (any, error) {
	if a == nil || b == nil {
		return nil, nil
	}
	ai, aInt := a.(int64)
	bi, bInt := b.(int64)
	if aInt && bInt && op != "divide" {
		switch op {
		case "plus":
			return ai + bi, nil
		case "minus":
			return ai - bi, nil
		case "multiply":
			return ai * bi, nil
		}
	}

	af, ok1 := core.Float64Value(a)
	bf, ok2 := core.Float64Value(b)
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("%s of non numeric values %v and %v", op, a, b)
	}
	switch op {
	case "plus":
		return af + bf, nil
	case "minus":
		return af - bf, nil
	case "multiply":
		return af * bf, nil
	}
	if bf == 0 {
		return math.Inf(1), nil
	}
	return af / bf, nil
}

// match evaluates a clause. Comparisons with null are false, except for
// equality with a null right hand side which tests for null.
func (e *evaluator) match(c core.Clause, lookup lookupFunc, r row) (bool, error) {
	switch x := c.(type) {
	case core.And:
		for _, child := range x.Clauses {
			ok, err := e.match(child, lookup, r)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case core.Or:
		for _, child := range x.Clauses {
			ok, err := e.match(child, lookup, r)
			if err != nil || ok {
				return ok, err
			}
		}
		return false, nil
	case core.Condition:
		return e.condition(x, lookup, r)
	}
	return false, fmt.Errorf("unsupported clause %T", c)
}

func (e *evaluator) condition(c core.Condition, lookup lookupFunc, r row) (bool, error) {
	lhs, err := e.eval(c.LHS, lookup, r)
	if err != nil {
		return false, err
	}
	rhs := c.RHS
	if expr, ok := rhs.(core.Expr); ok {
		if rhs, err = e.eval(expr, lookup, r); err != nil {
			return false, err
		}
	}

	switch c.Op {
	case core.OpEq:
		if rhs == nil {
			return lhs == nil, nil
		}
		return lhs != nil && looseEqual(lhs, rhs), nil
	case core.OpNeq:
		if rhs == nil {
			return lhs != nil, nil
		}
		return lhs != nil && !looseEqual(lhs, rhs), nil
	case core.OpGt, core.OpGte, core.OpLt, core.OpLte:
		if lhs == nil || rhs == nil {
			return false, nil
		}
		cmp, ok := compareValues(lhs, rhs)
		if !ok {
			return false, nil
		}
		switch c.Op {
		case core.OpGt:
			return cmp > 0, nil
		case core.OpGte:
			return cmp >= 0, nil
		case core.OpLt:
			return cmp < 0, nil
		}
		return cmp <= 0, nil
	case core.OpIn, core.OpNotIn:
		if lhs == nil {
			return false, nil
		}
		list, ok := rhs.([]any)
		if !ok {
			return false, fmt.Errorf("%s expects a list, got %T", c.Op, rhs)
		}
		found := false
		for _, v := range list {
			if v != nil && looseEqual(lhs, v) {
				found = true
				break
			}
		}
		return found == (c.Op == core.OpIn), nil
	case core.OpLike, core.OpNotLike:
		if lhs == nil {
			return false, nil
		}
		pattern, ok := rhs.(string)
		if !ok {
			return false, fmt.Errorf("%s expects a string pattern, got %T", c.Op, rhs)
		}
		re, err := e.like(pattern)
		if err != nil {
			return false, err
		}
		return re.MatchString(fmt.Sprint(lhs)) == (c.Op == core.OpLike), nil
	}
	return false, fmt.Errorf("unsupported operator %q", c.Op)
}

// like compiles a SQL LIKE pattern: % matches any run, _ any single character.
func (e *evaluator) like(pattern string) (*regexp.Regexp, error) {
	if re, ok := e.likes[pattern]; ok {
		return re, nil
	}
	var b strings.Builder
	b.WriteString("(?s)^")
	for _, ch := range pattern {
		switch ch {
		case '%':
			b.WriteString(".*")
		case '_':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(ch)))
		}
	}
	b.WriteString("$")
	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, fmt.Errorf("invalid LIKE pattern %q: %w", pattern, err)
	}
	e.likes[pattern] = re
	return re, nil
}

// looseEqual compares numbers by value and everything else by its string form.
func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if fa, ok := core.Float64Value(a); ok {
		if fb, ok := core.Float64Value(b); ok {
			return fa == fb
		}
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

// compareValues orders two numbers or two strings. ok is false for values
// that cannot be ordered against each other.
func compareValues(a, b any) (int, bool) {
	if fa, ok := core.Float64Value(a); ok {
		fb, ok := core.Float64Value(b)
		if !ok {
			return 0, false
		}
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		}
		return 0, true
	}
	sa, ok1 := a.(string)
	sb, ok2 := b.(string)
	if !ok1 || !ok2 {
		return 0, false
	}
	return strings.Compare(sa, sb), true
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}
