package search

import (
	"slices"
	"strings"

	"github.com/INLOpen/discover/core"
)

// ResolveOptions tune field list resolution.
type ResolveOptions struct {
	// AutoFields adds id and project.id to non aggregate queries.
	AutoFields bool
	// AutoAggregations appends aggregates referenced by having-clauses when
	// at least one aggregate is already selected.
	AutoAggregations bool
	// FunctionsACL lists the private functions the caller may use.
	FunctionsACL []string
}

// ResolvedFields is the physical projection of a public column list. Names
// are still public; alias resolution maps them to physical columns later.
type ResolvedFields struct {
	SelectedColumns []core.Expr
	Aggregations    []core.Aggregation
	GroupBy         []string
	// Functions maps result aliases to the function that produced them.
	Functions map[string]*FunctionDetails
}

// Apply merges the resolved projection into f.
func (r *ResolvedFields) Apply(f *core.Filter) {
	f.SelectedColumns = r.SelectedColumns
	f.Aggregations = r.Aggregations
	f.GroupBy = r.GroupBy
}

// FieldResolver turns a list of public columns into selected columns,
// aggregations and group-by entries.
type FieldResolver interface {
	ResolveFieldList(columns []string, filter *core.Filter, opts ResolveOptions) (*ResolvedFields, error)
}

// Resolver is the FieldResolver of the discover schema.
type Resolver struct{}

var _ FieldResolver = Resolver{}

// NewResolver returns the discover field resolver.
func NewResolver() Resolver { return Resolver{} }

// ResolveFieldList implements FieldResolver.
func (Resolver) ResolveFieldList(columns []string, filter *core.Filter, opts ResolveOptions) (*ResolvedFields, error) {
	fields := make([]string, 0, len(columns))
	hasAggregate := false
	for _, c := range columns {
		if c = strings.TrimSpace(c); c == "" {
			continue
		}
		fields = append(fields, c)
		hasAggregate = hasAggregate || IsAggregate(c)
	}
	if opts.AutoAggregations && hasAggregate && filter != nil {
		for _, agg := range filter.ConditionAggregates {
			if !slices.Contains(fields, agg) {
				fields = append(fields, agg)
			}
		}
	}

	out := &ResolvedFields{Functions: make(map[string]*FunctionDetails)}
	var plain []string
	for _, field := range fields {
		if IsFunction(field) {
			fn, err := resolveFunction(field, opts.FunctionsACL)
			if err != nil {
				return nil, err
			}
			if fn.aggregate != nil {
				if core.HasAggregation(out.Aggregations, fn.aggregate.Alias) {
					continue
				}
				out.Aggregations = append(out.Aggregations, *fn.aggregate)
				out.Functions[fn.aggregate.Alias] = fn.details
				continue
			}
			if !containsOutput(out.SelectedColumns, core.OutputName(fn.column)) {
				out.SelectedColumns = append(out.SelectedColumns, fn.column)
				out.Functions[core.OutputName(fn.column)] = fn.details
			}
			continue
		}

		column := field
		var expr core.Expr = core.Col(field)
		if alias, ok := FieldAliases[field]; ok {
			column = alias.Alias
			expr = core.Col(alias.Alias)
			if alias.Expression != nil {
				expr = alias.Expression()
			}
		}
		if containsOutput(out.SelectedColumns, column) {
			continue
		}
		out.SelectedColumns = append(out.SelectedColumns, expr)
		plain = append(plain, column)
	}

	rollup := filter != nil && filter.Rollup > 0
	if opts.AutoFields && !rollup && len(out.Aggregations) == 0 {
		for _, auto := range []string{"id", "project.id"} {
			if !containsOutput(out.SelectedColumns, auto) {
				out.SelectedColumns = append(out.SelectedColumns, core.Col(auto))
			}
		}
	}
	if rollup && len(plain) > 0 && len(out.Aggregations) == 0 {
		return nil, core.NewInvalidQuery("You cannot use rollup without an aggregate field.")
	}

	// Every selected column has to be grouped on once aggregates are present.
	if len(out.Aggregations) > 0 {
		for _, expr := range out.SelectedColumns {
			out.GroupBy = append(out.GroupBy, core.OutputName(expr))
		}
	}
	return out, nil
}

func containsOutput(exprs []core.Expr, name string) bool {
	for _, e := range exprs {
		if core.OutputName(e) == name {
			return true
		}
	}
	return false
}
