package discover

import (
	"context"
	"fmt"
	"math"

	"github.com/INLOpen/discover/core"
	"github.com/INLOpen/discover/hooks"

	"go.opentelemetry.io/otel/attribute"
)

const (
	// TopValuesDefaultLimit is the number of values returned per facet tag.
	TopValuesDefaultLimit = 9
	// DefaultFacetLimit is the number of tags of a facet request without a limit.
	DefaultFacetLimit = 10

	facetSampleRate      = 0.1
	facetSampleThreshold = 10000
	// Key discovery runs in turbo mode above this many projects.
	facetTurboProjects = 2
)

// excludedFacetTags never show up as facets.
var excludedFacetTags = []any{"trace", "trace.ctx", "trace.span", "project"}

// FacetsRequest asks for the most frequent tags and their top values.
type FacetsRequest struct {
	Query    string
	Params   core.Params
	Limit    int // DefaultFacetLimit when zero.
	Referrer string
}

// FacetResult is the count of one tag value.
type FacetResult struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
	Count int64  `json:"count"`
}

// GetFacets returns the top values of the most frequent tags matching the
// query. Large result sets are sampled and their counts scaled back up.
func (e *Engine) GetFacets(ctx context.Context, req FacetsRequest) ([]FacetResult, error) {
	e.countOperation("facets")
	results, err := e.getFacets(ctx, req)
	return results, e.observeError(err)
}

func (e *Engine) getFacets(ctx context.Context, req FacetsRequest) ([]FacetResult, error) {
	const op = "facets"
	limit := req.Limit
	if limit <= 0 {
		limit = DefaultFacetLimit
	}

	_, span := e.startPhase(ctx, op, "filter_transform")
	parsed, err := e.parser.Parse(req.Query, req.Params)
	var filter *core.Filter
	if err == nil {
		filter, _ = ResolveDiscoverAliases(parsed, nil)
	}
	endPhase(span, err)
	if err != nil {
		return nil, err
	}

	countAgg := []core.Aggregation{{Function: "count", Alias: "count"}}
	base := func() *core.RawQuery {
		return &core.RawQuery{
			Aggregations: countAgg,
			Conditions:   core.CloneClauses(filter.Conditions),
			FilterKeys:   filter.FilterKeys,
			Start:        filter.Start,
			End:          filter.End,
			Referrer:     req.Referrer,
		}
	}

	tagsCtx, span := e.startPhase(ctx, op, "frequent_tags")
	keyQuery := base()
	keyQuery.OrderBy = []string{"-count", "tags_key"}
	keyQuery.GroupBy = []string{"tags_key"}
	keyQuery.Having = []core.Clause{core.Cond("tags_key", core.OpNotIn, excludedFacetTags)}
	keyQuery.Limit = limit
	keyQuery.Turbo = len(filter.FilterKeys["project_id"]) > facetTurboProjects
	keyResult, err := e.rawQuery(tagsCtx, keyQuery)
	endPhase(span, err)
	if err != nil {
		return nil, err
	}

	topTags := make([]string, 0, len(keyResult.Data))
	for _, row := range keyResult.Data {
		topTags = append(topTags, facetString(row.Value("tags_key")))
	}
	if len(topTags) == 0 {
		return []FacetResult{}, nil
	}

	var sampleRate float64
	multiplier := 1.0
	topCount, _ := core.Int64Value(keyResult.Data[0].Value("count"))
	if e.options.SamplingEnabled() && topCount > facetSampleThreshold {
		sampleRate = facetSampleRate
		multiplier = 1 / sampleRate
		e.metrics.SampledFacetsTotal.Add(1)
		_ = e.hooks.Trigger(ctx, hooks.NewOnFacetSampledEvent(hooks.FacetSampledPayload{
			SampleRate: sampleRate,
			TopCount:   topCount,
			Referrer:   req.Referrer,
		}))
	}
	sampled := sampleRate > 0

	results := make([]FacetResult, 0)
	if len(req.Params.ProjectIDs) > 1 {
		if len(topTags) == limit {
			topTags = topTags[:len(topTags)-1]
		}
		projectCtx, span := e.startPhase(ctx, op, "projects")
		q := base()
		q.GroupBy = []string{"project_id"}
		q.OrderBy = []string{"-count"}
		q.Sample = sampleRate
		q.Turbo = sampled
		projects, err := e.rawQuery(projectCtx, q)
		endPhase(span, err)
		if err != nil {
			return nil, err
		}
		for _, row := range projects.Data {
			results = append(results, FacetResult{
				Key:   "project",
				Value: row.Value("project_id"),
				Count: scaleCount(row.Value("count"), multiplier),
			})
		}
	}

	maxAggregateTags := e.options.MaxTagsToCombine()
	var individual, aggregate []string
	for i, tag := range topTags {
		if tag == "environment" || i < len(topTags)-maxAggregateTags {
			individual = append(individual, tag)
		} else {
			aggregate = append(aggregate, tag)
		}
	}

	for _, tag := range individual {
		tagCtx, span := e.startPhase(ctx, op, "individual_tags")
		span.SetAttributes(attribute.String("tag", tag))
		column := fmt.Sprintf("tags[%s]", tag)
		q := base()
		q.GroupBy = []string{column}
		q.OrderBy = []string{"-count"}
		q.Limit = TopValuesDefaultLimit
		q.Sample = sampleRate
		q.Turbo = sampled
		values, err := e.rawQuery(tagCtx, q)
		endPhase(span, err)
		if err != nil {
			return nil, err
		}
		for _, row := range values.Data {
			results = append(results, FacetResult{
				Key:   tag,
				Value: row.Value(column),
				Count: scaleCount(row.Value("count"), multiplier),
			})
		}
	}

	if len(aggregate) > 0 {
		aggCtx, span := e.startPhase(ctx, op, "aggregate_tags")
		tags := make([]any, len(aggregate))
		for i, tag := range aggregate {
			tags[i] = tag
		}
		q := base()
		q.Conditions = append(q.Conditions, core.Cond("tags_key", core.OpIn, tags))
		q.OrderBy = []string{"tags_key", "-count"}
		q.GroupBy = []string{"tags_key", "tags_value"}
		q.LimitBy = &core.LimitBy{Count: TopValuesDefaultLimit, Column: "tags_key"}
		q.Sample = sampleRate
		q.Turbo = sampled
		values, err := e.rawQuery(aggCtx, q)
		endPhase(span, err)
		if err != nil {
			return nil, err
		}
		for _, row := range values.Data {
			results = append(results, FacetResult{
				Key:   facetString(row.Value("tags_key")),
				Value: row.Value("tags_value"),
				Count: scaleCount(row.Value("count"), multiplier),
			})
		}
	}
	return results, nil
}

// scaleCount undoes sampling: the raw count times multiplier, floored.
func scaleCount(v any, multiplier float64) int64 {
	count, _ := core.Int64Value(v)
	return int64(math.Floor(float64(count) * multiplier))
}

func facetString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
