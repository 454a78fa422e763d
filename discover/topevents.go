package discover

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/INLOpen/discover/core"
	"github.com/INLOpen/discover/hooks"
	"github.com/INLOpen/discover/search"

	"github.com/RoaringBitmap/roaring/roaring64"
	"go.opentelemetry.io/otel/attribute"
)

const (
	keyMismatchMessage = "discover.top-events.timeseries.key-mismatch"
	unknownIssue       = "unknown"
)

// TopEventsRequest asks for one timeseries per top event. The top events are
// fetched with SelectedColumns, OrderBy and Limit unless TopEvents is given.
type TopEventsRequest struct {
	TimeseriesColumns []string
	SelectedColumns   []string
	Query             string
	Params            core.Params
	OrderBy           []string
	Rollup            int
	Limit             int
	Organization      core.Organization
	Referrer          string
	TopEvents         *EventsResult
	// AllowEmpty keeps empty results keyed by group. When false, a query
	// without any data returns a single zerofilled series in Empty.
	AllowEmpty bool
}

// TopEventsResult holds a series per top event, keyed by the event's result
// key. Empty is only set when there was no data and AllowEmpty was false.
type TopEventsResult struct {
	Groups map[string]*TimeSeriesResult `json:"groups,omitempty"`
	Empty  *TimeSeriesResult            `json:"empty,omitempty"`
}

// TopEventsTimeseries runs a timeseries query restricted to the top events
// and splits the result into one series per event.
func (e *Engine) TopEventsTimeseries(ctx context.Context, req TopEventsRequest) (*TopEventsResult, error) {
	e.countOperation("top_events")
	result, err := e.topEventsTimeseries(ctx, req)
	return result, e.observeError(err)
}

func (e *Engine) topEventsTimeseries(ctx context.Context, req TopEventsRequest) (*TopEventsResult, error) {
	const op = "top_events"
	topEvents := req.TopEvents
	if topEvents == nil {
		fetchCtx, span := e.startPhase(ctx, op, "fetch_events")
		var err error
		topEvents, err = e.query(fetchCtx, "query", QueryRequest{
			SelectedColumns:        req.SelectedColumns,
			Query:                  req.Query,
			Params:                 req.Params,
			OrderBy:                req.OrderBy,
			Limit:                  req.Limit,
			Referrer:               req.Referrer,
			AutoAggregations:       true,
			UseAggregateConditions: true,
		})
		endPhase(span, err)
		if err != nil {
			return nil, err
		}
	}

	_, span := e.startPhase(ctx, op, "filter_transform")
	columns := unionColumns(req.TimeseriesColumns, req.SelectedColumns)
	filter, translated, err := e.timeseriesFilter(columns, req.Query, req.Params, req.Rollup, false)
	if err != nil {
		endPhase(span, err)
		return nil, err
	}
	for _, field := range req.SelectedColumns {
		if field == "project" || field == "project.id" {
			continue
		}
		if alias, ok := search.FieldAliases[field]; ok {
			field = alias.Alias
		}
		if clause := topEventCondition(field, topEvents.Data); clause != nil {
			filter.Conditions = append(filter.Conditions, clause)
		}
	}
	endPhase(span, nil)

	snubaCtx, span := e.startPhase(ctx, op, "snuba_query")
	raw, err := e.rawQuery(snubaCtx, &core.RawQuery{
		Aggregations:    filter.Aggregations,
		Conditions:      filter.Conditions,
		FilterKeys:      filter.FilterKeys,
		SelectedColumns: filter.SelectedColumns,
		Start:           filter.Start,
		End:             filter.End,
		Rollup:          req.Rollup,
		OrderBy:         []string{timeColumn},
		GroupBy:         append([]string{timeColumn}, filter.GroupBy...),
		Limit:           timeseriesRowLimit,
		Referrer:        req.Referrer,
	})
	endPhase(span, err)
	if err != nil {
		return nil, err
	}

	if !req.AllowEmpty && len(raw.Data) == 0 {
		return &TopEventsResult{Empty: &TimeSeriesResult{
			Data:   Zerofill(nil, filter.Start, filter.End, req.Rollup, []string{timeColumn}),
			Start:  filter.Start,
			End:    filter.End,
			Rollup: req.Rollup,
			Order:  -1,
		}}, nil
	}

	transformCtx, span := e.startPhase(ctx, op, "transform_results")
	groups, err := e.groupTopEvents(transformCtx, req, filter, translated, topEvents, raw.Data)
	if err == nil {
		span.SetAttributes(attribute.Int("result_count", len(groups)))
	}
	endPhase(span, err)
	if err != nil {
		return nil, err
	}
	return &TopEventsResult{Groups: groups}, nil
}

// groupTopEvents routes every result row into the series of the top event
// sharing its key. Rows matching no top event are dropped and reported.
func (e *Engine) groupTopEvents(ctx context.Context, req TopEventsRequest, filter *core.Filter, translated map[string]string, topEvents *EventsResult, rows []core.Row) (map[string]*TimeSeriesResult, error) {
	if slices.Contains(req.SelectedColumns, "project") {
		translated["project_id"] = "project"
	}
	data := transformData(rows, translated, nil)

	groupBy := make([]string, len(filter.GroupBy))
	for i, name := range filter.GroupBy {
		groupBy[i] = translatedName(translated, name)
	}
	sort.Strings(groupBy)

	var issueShortIDs map[uint64]string
	if slices.Contains(req.SelectedColumns, "issue") {
		ids := roaring64.New()
		for _, event := range topEvents.Data {
			if id, ok := core.Int64Value(event.Value("issue.id")); ok && id >= 0 {
				ids.Add(uint64(id))
			}
		}
		var err error
		issueShortIDs, err = e.issues.IssuesMapping(ctx, ids.ToArray(), req.Params.ProjectIDs, req.Organization)
		if err != nil {
			return nil, fmt.Errorf("resolve issue short ids: %w", err)
		}
	}

	type bucket struct {
		order int
		rows  []core.Row
	}
	buckets := make(map[string]*bucket, len(topEvents.Data))
	keys := make([]string, 0, len(topEvents.Data))
	for i, event := range topEvents.Data {
		key := resultKey(event, groupBy, issueShortIDs)
		if b, ok := buckets[key]; ok {
			b.order = i
			continue
		}
		buckets[key] = &bucket{order: i}
		keys = append(keys, key)
	}

	for _, row := range data {
		key := resultKey(row, groupBy, issueShortIDs)
		if b, ok := buckets[key]; ok {
			b.rows = append(b.rows, row)
			continue
		}
		e.metrics.KeyMismatchesTotal.Add(1)
		e.logger.Warn(keyMismatchMessage, "result_key", key, "top_event_keys", keys, "referrer", req.Referrer)
		_ = e.hooks.Trigger(ctx, hooks.NewOnKeyMismatchEvent(hooks.KeyMismatchPayload{
			ResultKey:    key,
			TopEventKeys: keys,
			Referrer:     req.Referrer,
		}))
	}

	out := make(map[string]*TimeSeriesResult, len(buckets))
	for key, b := range buckets {
		out[key] = &TimeSeriesResult{
			Data:   Zerofill(b.rows, filter.Start, filter.End, req.Rollup, []string{timeColumn}),
			Start:  filter.Start,
			End:    filter.End,
			Rollup: req.Rollup,
			Order:  b.order,
		}
	}
	return out, nil
}

// topEventCondition restricts field to the values it takes in the top
// events. List values are ignored. It returns nil when there is nothing to
// restrict on.
func topEventCondition(field string, events []core.Row) core.Clause {
	var values []any
	seen := make(map[string]struct{})
	hasNull := false
	for _, event := range events {
		v, ok := event.Get(field)
		if !ok {
			continue
		}
		if _, isList := v.([]any); isList {
			continue
		}
		if v == nil {
			hasNull = true
			continue
		}
		id := fmt.Sprintf("%T:%v", v, v)
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		values = append(values, v)
	}
	if len(values) == 0 && !hasNull {
		return nil
	}

	switch {
	case field == "timestamp":
		or := core.Or{}
		for _, v := range values {
			or.Clauses = append(or.Clauses, core.Cond("timestamp", core.OpEq, v))
		}
		if len(or.Clauses) == 0 {
			return nil
		}
		return or
	case hasNull:
		column := search.ResolveColumn(field)
		or := core.Or{Clauses: []core.Clause{
			core.Condition{LHS: core.Fn("isNull", core.Col(column)), Op: core.OpEq, RHS: 1},
		}}
		if len(values) > 0 {
			or.Clauses = append(or.Clauses, core.Cond(column, core.OpIn, values))
		}
		return or
	case search.IsFieldAlias(field):
		return core.Cond(field, core.OpIn, values)
	}
	return core.Cond(search.ResolveColumn(field), core.OpIn, values)
}

// resultKey identifies the group a row belongs to: the values of groupBy
// joined by commas. Issue ids are replaced by their short id and list values
// by their last element.
func resultKey(row core.Row, groupBy []string, issueShortIDs map[uint64]string) string {
	parts := make([]string, len(groupBy))
	for i, field := range groupBy {
		value := row.Value(field)
		if field == "issue.id" {
			parts[i] = unknownIssue
			if id, ok := core.Int64Value(value); ok && id >= 0 {
				if short, found := issueShortIDs[uint64(id)]; found {
					parts[i] = short
				}
			}
			continue
		}
		if list, ok := value.([]any); ok {
			if len(list) == 0 {
				parts[i] = ""
				continue
			}
			value = list[len(list)-1]
		}
		if value == nil {
			parts[i] = "null"
			continue
		}
		parts[i] = fmt.Sprint(value)
	}
	return strings.Join(parts, ",")
}

// unionColumns returns a followed by the columns of b not in a.
func unionColumns(a, b []string) []string {
	out := slices.Clone(a)
	for _, c := range b {
		if !slices.Contains(out, c) {
			out = append(out, c)
		}
	}
	return out
}
