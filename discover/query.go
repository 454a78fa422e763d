package discover

import (
	"context"
	"strings"
	"time"

	"github.com/INLOpen/discover/core"
	"github.com/INLOpen/discover/search"

	"go.opentelemetry.io/otel/attribute"
)

// DefaultQueryLimit is the row limit of a query without an explicit limit.
const DefaultQueryLimit = 50

// timeseriesRowLimit caps the rows of rollup queries.
const timeseriesRowLimit = 10000

// ErrAutoAggregationsWithoutConditions rejects a query that asks for
// aggregates to be added from having-clauses while having-clauses are disabled.
var ErrAutoAggregationsWithoutConditions error = &core.InvalidQueryError{
	Message: "Auto aggregations require aggregate conditions to be enabled.",
}

// QueryRequest is a plain event query over public columns.
type QueryRequest struct {
	SelectedColumns []string
	Query           string
	Params          core.Params
	OrderBy         []string
	Offset          int
	Limit           int // DefaultQueryLimit when zero.
	Referrer        string

	// AutoFields adds id and project.id to non aggregate queries.
	AutoFields bool
	// AutoAggregations selects aggregates that only appear in the query's
	// having-clauses. Requires UseAggregateConditions.
	AutoAggregations bool
	// UseAggregateConditions keeps the having-clauses of the query; they are
	// dropped otherwise.
	UseAggregateConditions bool

	// Conditions are appended verbatim after alias resolution.
	Conditions   []core.Clause
	FunctionsACL []string
}

// Query runs a single event query and returns its public result.
func (e *Engine) Query(ctx context.Context, req QueryRequest) (*EventsResult, error) {
	e.countOperation("query")
	result, err := e.query(ctx, "query", req)
	return result, e.observeError(err)
}

func (e *Engine) query(ctx context.Context, op string, req QueryRequest) (*EventsResult, error) {
	if len(req.SelectedColumns) == 0 {
		return nil, core.NewInvalidQuery("No columns selected")
	}
	if req.AutoAggregations && !req.UseAggregateConditions {
		return nil, ErrAutoAggregationsWithoutConditions
	}

	_, span := e.startPhase(ctx, op, "filter_transform")
	filter, err := e.parser.Parse(req.Query, req.Params)
	if err == nil && !req.UseAggregateConditions {
		filter.Having = nil
	}
	endPhase(span, err)
	if err != nil {
		return nil, err
	}

	_, span = e.startPhase(ctx, op, "field_translations")
	if req.OrderBy != nil {
		filter.OrderBy = make([]string, len(req.OrderBy))
		for i, entry := range req.OrderBy {
			filter.OrderBy[i] = search.OrderByAlias(entry)
		}
	}
	fields, err := e.resolver.ResolveFieldList(req.SelectedColumns, filter, search.ResolveOptions{
		AutoFields:       req.AutoFields,
		AutoAggregations: req.AutoAggregations,
		FunctionsACL:     req.FunctionsACL,
	})
	if err != nil {
		endPhase(span, err)
		return nil, err
	}
	fields.Apply(filter)
	resolved, translated := ResolveDiscoverAliases(filter, nil)
	if err := validateHaving(resolved, req.AutoAggregations); err != nil {
		endPhase(span, err)
		return nil, err
	}
	resolved.Conditions = append(resolved.Conditions, core.CloneClauses(req.Conditions)...)
	endPhase(span, nil)

	limit := req.Limit
	if limit == 0 {
		limit = DefaultQueryLimit
	}
	snubaCtx, span := e.startPhase(ctx, op, "snuba_query")
	span.SetAttributes(attribute.String("referrer", req.Referrer), attribute.Int("limit", limit))
	raw, err := e.rawQuery(snubaCtx, &core.RawQuery{
		Start:           resolved.Start,
		End:             resolved.End,
		GroupBy:         resolved.GroupBy,
		Conditions:      resolved.Conditions,
		Aggregations:    resolved.Aggregations,
		SelectedColumns: resolved.SelectedColumns,
		FilterKeys:      resolved.FilterKeys,
		Having:          resolved.Having,
		OrderBy:         resolved.OrderBy,
		Limit:           limit,
		Offset:          req.Offset,
		Referrer:        req.Referrer,
	})
	endPhase(span, err)
	if err != nil {
		return nil, err
	}

	_, span = e.startPhase(ctx, op, "transform_results")
	result := TransformResults(raw, fields.Functions, translated, resolved)
	span.SetAttributes(attribute.Int("result_count", len(result.Data)))
	endPhase(span, nil)
	return result, nil
}

// validateHaving checks that every alias referenced by a having-clause is
// the alias of a selected aggregation. Function conditions and nested
// and/or clauses are walked with a worklist and report all missing aliases
// at once.
func validateHaving(filter *core.Filter, autoAggregations bool) error {
	suffix := ""
	if autoAggregations {
		suffix = ", and could not be automatically added"
	}
	for _, clause := range filter.Having {
		if cond, ok := clause.(core.Condition); ok && !isCall(cond.LHS) {
			alias := havingAlias(cond)
			if !core.HasAggregation(filter.Aggregations, alias) {
				return core.NewInvalidQuery("Aggregate %s used in a condition but is not a selected column%s.", alias, suffix)
			}
			continue
		}

		var missing []string
		work := []core.Clause{clause}
		for len(work) > 0 {
			next := work[len(work)-1]
			work = work[:len(work)-1]
			var children []core.Clause
			switch c := next.(type) {
			case core.Condition:
				if alias := havingAlias(c); !core.HasAggregation(filter.Aggregations, alias) {
					missing = append(missing, alias)
				}
				continue
			case core.And:
				children = c.Clauses
			case core.Or:
				children = c.Clauses
			}
			// Pushed in reverse so clauses are reported left to right.
			for i := len(children) - 1; i >= 0; i-- {
				work = append(work, children[i])
			}
		}
		if len(missing) > 0 {
			return core.NewInvalidQuery("Aggregate(s) %s used in a condition but are not in the selected columns%s.", strings.Join(missing, ", "), suffix)
		}
	}
	return nil
}

func isCall(e core.Expr) bool {
	_, ok := e.(core.Call)
	return ok
}

func havingAlias(c core.Condition) string {
	if call, ok := c.LHS.(core.Call); ok && len(call.Args) > 0 {
		return core.OutputName(call.Args[0])
	}
	return core.OutputName(c.LHS)
}

// TimeseriesRequest is an aggregate query bucketed by Rollup seconds.
type TimeseriesRequest struct {
	SelectedColumns []string
	Query           string
	Params          core.Params
	Rollup          int
	Referrer        string
}

// TimeSeriesResult is a zerofilled, time ordered series. Order is the rank
// of the top event a series belongs to, or -1.
type TimeSeriesResult struct {
	Data   []core.Row `json:"data"`
	Start  time.Time  `json:"start"`
	End    time.Time  `json:"end"`
	Rollup int        `json:"rollup"`
	Order  int        `json:"order"`
}

// TimeseriesQuery runs an aggregate query bucketed by rollup and zerofills it.
func (e *Engine) TimeseriesQuery(ctx context.Context, req TimeseriesRequest) (*TimeSeriesResult, error) {
	e.countOperation("timeseries")
	result, err := e.timeseriesQuery(ctx, req)
	return result, e.observeError(err)
}

func (e *Engine) timeseriesQuery(ctx context.Context, req TimeseriesRequest) (*TimeSeriesResult, error) {
	const op = "timeseries"
	_, span := e.startPhase(ctx, op, "filter_transform")
	filter, _, err := e.timeseriesFilter(req.SelectedColumns, req.Query, req.Params, req.Rollup, true)
	endPhase(span, err)
	if err != nil {
		return nil, err
	}

	snubaCtx, span := e.startPhase(ctx, op, "snuba_query")
	raw, err := e.rawQuery(snubaCtx, &core.RawQuery{
		Aggregations: filter.Aggregations,
		Conditions:   filter.Conditions,
		FilterKeys:   filter.FilterKeys,
		Start:        filter.Start,
		End:          filter.End,
		Rollup:       req.Rollup,
		OrderBy:      []string{timeColumn},
		GroupBy:      []string{timeColumn},
		Limit:        timeseriesRowLimit,
		Referrer:     req.Referrer,
	})
	endPhase(span, err)
	if err != nil {
		return nil, err
	}

	_, span = e.startPhase(ctx, op, "transform_results")
	data := transformData(raw.Data, nil, nil)
	result := &TimeSeriesResult{
		Data:   Zerofill(data, filter.Start, filter.End, req.Rollup, []string{timeColumn}),
		Start:  filter.Start,
		End:    filter.End,
		Rollup: req.Rollup,
		Order:  -1,
	}
	span.SetAttributes(attribute.Int("result_count", len(result.Data)))
	endPhase(span, nil)
	return result, nil
}

// timeseriesFilter parses and resolves a rollup query. With defaultCount a
// single aggregation is relabelled "count".
func (e *Engine) timeseriesFilter(columns []string, query string, params core.Params, rollup int, defaultCount bool) (*core.Filter, map[string]string, error) {
	if rollup <= 0 {
		return nil, nil, core.NewInvalidQuery("Cannot get timeseries result without a positive rollup.")
	}
	filter, err := e.parser.Parse(query, params)
	if err != nil {
		return nil, nil, err
	}
	if filter.Start.IsZero() || filter.End.IsZero() {
		return nil, nil, core.NewInvalidQuery("Cannot get timeseries result without a start and end.")
	}
	filter.Rollup = rollup

	fields, err := e.resolver.ResolveFieldList(columns, filter, search.ResolveOptions{})
	if err != nil {
		return nil, nil, err
	}
	fields.Apply(filter)
	resolved, translated := ResolveDiscoverAliases(filter, nil)
	if len(resolved.Aggregations) == 0 {
		return nil, nil, core.NewInvalidQuery("Cannot get timeseries result with no aggregation.")
	}
	if defaultCount && len(resolved.Aggregations) == 1 {
		resolved.Aggregations[0].Alias = "count"
	}
	return resolved, translated, nil
}
