package search

import (
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/INLOpen/discover/core"
)

var (
	functionPattern = regexp.MustCompile(`^([^\(]+)\(([^\)]*)\)$`)
	nonWordPattern  = regexp.MustCompile(`[^\w]`)
)

// ParseFunction splits "fn(a, b)" into its name and trimmed arguments.
func ParseFunction(field string) (string, []string, bool) {
	m := functionPattern.FindStringSubmatch(field)
	if m == nil {
		return "", nil, false
	}
	var args []string
	for _, a := range strings.Split(m[2], ",") {
		if a = strings.TrimSpace(a); a != "" {
			args = append(args, a)
		}
	}
	return strings.TrimSpace(m[1]), args, true
}

// IsFunction reports whether field has the shape of a function call.
func IsFunction(field string) bool {
	return functionPattern.MatchString(field)
}

// FunctionAlias returns the result column name of a function field, e.g.
// percentile(transaction.duration, 0.25) becomes percentile_transaction_duration_0_25.
// Fields that are not functions are returned as is.
func FunctionAlias(field string) string {
	fn, args, ok := ParseFunction(field)
	if !ok {
		return field
	}
	parts := append([]string{fn}, args...)
	alias := nonWordPattern.ReplaceAllString(strings.Join(parts, "_"), "_")
	return strings.TrimRight(alias, "_")
}

// OrderByAlias resolves an order-by entry into function alias form, keeping a leading "-".
func OrderByAlias(entry string) string {
	if strings.HasPrefix(entry, "-") {
		return "-" + FunctionAlias(entry[1:])
	}
	return FunctionAlias(entry)
}

// argKind restricts what a function argument may be.
type argKind int

const (
	argColumn argKind = iota
	argNumber
	argInteger
	argPercentile
)

type argument struct {
	name     string
	kind     argKind
	fallback string // Used when the argument is omitted; empty means required.
}

// function describes one public function. Exactly one of aggregate or column is set.
type function struct {
	name      string
	args      []argument
	private   bool
	aggregate func(args []string, alias string) core.Aggregation
	column    func(args []string, alias string) core.Expr
	// resultType is nil when the backend type is good enough.
	resultType func(args []string) string
}

func fixedType(t string) func([]string) string {
	return func([]string) string { return t }
}

// columnType reports "duration" for arguments carrying milliseconds.
func columnType(args []string) string {
	if len(args) == 0 {
		return ""
	}
	if args[0] == "transaction.duration" || IsDurationMeasurement(args[0]) {
		return "duration"
	}
	if IsMeasurement(args[0]) {
		return "number"
	}
	return ""
}

func simpleAggregate(backendFunction string) func([]string, string) core.Aggregation {
	return func(args []string, alias string) core.Aggregation {
		agg := core.Aggregation{Function: backendFunction, Alias: alias}
		if len(args) > 0 {
			agg.Column = args[0]
		}
		return agg
	}
}

func quantileAggregate(q string) func([]string, string) core.Aggregation {
	return func(args []string, alias string) core.Aggregation {
		return core.Aggregation{Function: fmt.Sprintf("quantile(%s)", q), Column: args[0], Alias: alias}
	}
}

func percentileFunction(name, q string) function {
	return function{
		name:       name,
		args:       []argument{{name: "column", kind: argColumn, fallback: "transaction.duration"}},
		aggregate:  quantileAggregate(q),
		resultType: fixedType("duration"),
	}
}

var functions = map[string]function{
	"count": {
		name:       "count",
		args:       []argument{{name: "column", kind: argColumn, fallback: "-"}},
		aggregate:  func(_ []string, alias string) core.Aggregation { return core.Aggregation{Function: "count", Alias: alias} },
		resultType: fixedType("integer"),
	},
	"count_unique": {
		name:       "count_unique",
		args:       []argument{{name: "column", kind: argColumn}},
		aggregate:  simpleAggregate("uniq"),
		resultType: fixedType("integer"),
	},
	"min": {
		name:       "min",
		args:       []argument{{name: "column", kind: argColumn}},
		aggregate:  simpleAggregate("min"),
		resultType: columnType,
	},
	"max": {
		name:       "max",
		args:       []argument{{name: "column", kind: argColumn}},
		aggregate:  simpleAggregate("max"),
		resultType: columnType,
	},
	"avg": {
		name:       "avg",
		args:       []argument{{name: "column", kind: argColumn}},
		aggregate:  simpleAggregate("avg"),
		resultType: columnType,
	},
	"sum": {
		name:       "sum",
		args:       []argument{{name: "column", kind: argColumn}},
		aggregate:  simpleAggregate("sum"),
		resultType: columnType,
	},
	"last_seen": {
		name: "last_seen",
		aggregate: func(_ []string, alias string) core.Aggregation {
			return core.Aggregation{Function: "max", Column: "timestamp", Alias: alias}
		},
		resultType: fixedType("date"),
	},
	"p50":  percentileFunction("p50", "0.5"),
	"p75":  percentileFunction("p75", "0.75"),
	"p95":  percentileFunction("p95", "0.95"),
	"p99":  percentileFunction("p99", "0.99"),
	"p100": percentileFunction("p100", "1"),
	"percentile": {
		name: "percentile",
		args: []argument{
			{name: "column", kind: argColumn},
			{name: "percentile", kind: argPercentile},
		},
		aggregate: func(args []string, alias string) core.Aggregation {
			return quantileAggregate(args[1])(args, alias)
		},
		resultType: columnType,
	},
	"array_join": {
		name:    "array_join",
		args:    []argument{{name: "column", kind: argColumn}},
		private: true,
		column: func(args []string, alias string) core.Expr {
			return core.Call{Function: "arrayJoin", Args: []core.Expr{core.Col(args[0])}, Alias: alias}
		},
		resultType: fixedType("string"),
	},
	"histogram": {
		name: "histogram",
		args: []argument{
			{name: "column", kind: argColumn},
			{name: "bucket_size", kind: argInteger},
			{name: "start_offset", kind: argInteger},
			{name: "multiplier", kind: argInteger},
		},
		private: true,
		column: func(args []string, alias string) core.Expr {
			size, _ := strconv.ParseInt(args[1], 10, 64)
			offset, _ := strconv.ParseInt(args[2], 10, 64)
			multiplier, _ := strconv.ParseInt(args[3], 10, 64)
			return HistogramExpr(args[0], size, offset, multiplier, alias)
		},
		resultType: fixedType("number"),
	},
}

// HistogramExpr buckets column into bins of size starting at offset after
// scaling it by multiplier:
// plus(multiply(floor(divide(minus(multiply(col, m), offset), size)), size), offset).
func HistogramExpr(column string, size, offset, multiplier int64, alias string) core.Call {
	scaled := core.Fn("multiply", core.Col(column), core.Lit(multiplier))
	shifted := core.Fn("minus", scaled, core.Lit(offset))
	bin := core.Fn("floor", core.Fn("divide", shifted, core.Lit(size)))
	return core.Call{
		Function: "plus",
		Args:     []core.Expr{core.Fn("multiply", bin, core.Lit(size)), core.Lit(offset)},
		Alias:    alias,
	}
}

// FunctionDetails records how a selected function was resolved; it drives
// the public type reported for the function's result column.
type FunctionDetails struct {
	Name string
	Args []string
	fn   function
}

// ResultType returns the public type of the function's result, or "" when
// the backend type should be used.
func (d *FunctionDetails) ResultType() string {
	if d == nil || d.fn.resultType == nil {
		return ""
	}
	return d.fn.resultType(d.Args)
}

// IsAggregate reports whether field is a call to an aggregate function.
func IsAggregate(field string) bool {
	name, _, ok := ParseFunction(field)
	if !ok {
		return false
	}
	fn, ok := functions[name]
	return ok && fn.aggregate != nil
}

// resolvedFunction is the outcome of resolving a single function field.
type resolvedFunction struct {
	aggregate *core.Aggregation
	column    core.Expr
	details   *FunctionDetails
}

func resolveFunction(field string, acl []string) (*resolvedFunction, error) {
	name, args, ok := ParseFunction(field)
	if !ok {
		return nil, core.NewInvalidQuery("%s is not a valid function", field)
	}
	fn, ok := functions[name]
	if !ok || (fn.private && !slices.Contains(acl, name)) {
		return nil, core.NewInvalidQuery("%s is not a valid function", name)
	}
	resolvedArgs, err := validateArguments(fn, args)
	if err != nil {
		return nil, err
	}

	alias := FunctionAlias(field)
	out := &resolvedFunction{details: &FunctionDetails{Name: name, Args: resolvedArgs, fn: fn}}
	if fn.aggregate != nil {
		agg := fn.aggregate(resolvedArgs, alias)
		out.aggregate = &agg
	} else {
		out.column = fn.column(resolvedArgs, alias)
	}
	return out, nil
}

func validateArguments(fn function, args []string) ([]string, error) {
	if len(args) > len(fn.args) {
		return nil, core.NewInvalidQuery("%s: expected at most %d argument(s)", fn.name, len(fn.args))
	}
	out := make([]string, 0, len(fn.args))
	for i, spec := range fn.args {
		if i >= len(args) {
			if spec.fallback == "" {
				return nil, core.NewInvalidQuery("%s: expected %d argument(s)", fn.name, len(fn.args))
			}
			if spec.fallback != "-" {
				out = append(out, spec.fallback)
			}
			continue
		}
		value := args[i]
		switch spec.kind {
		case argInteger:
			if _, err := strconv.ParseInt(value, 10, 64); err != nil {
				return nil, core.NewInvalidQuery("%s: %s argument invalid: %s is not an integer", fn.name, spec.name, value)
			}
		case argNumber:
			if _, err := strconv.ParseFloat(value, 64); err != nil {
				return nil, core.NewInvalidQuery("%s: %s argument invalid: %s is not a number", fn.name, spec.name, value)
			}
		case argPercentile:
			q, err := strconv.ParseFloat(value, 64)
			if err != nil || q < 0 || q > 1 {
				return nil, core.NewInvalidQuery("%s: %s argument invalid: %s must be a number between 0 and 1", fn.name, spec.name, value)
			}
		case argColumn:
			if IsFunction(value) {
				return nil, core.NewInvalidQuery("%s: %s argument invalid: %s is not a column", fn.name, spec.name, value)
			}
		}
		out = append(out, value)
	}
	return out, nil
}
