package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/INLOpen/discover/core"
	"github.com/INLOpen/discover/discover"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

// Operations a request can run.
const (
	opQuery      = "query"
	opTimeseries = "timeseries"
	opTopEvents  = "top-events"
	opFacets     = "facets"
	opHistogram  = "histogram"
)

// defaultStatsPeriod is the window of a request without start and end.
const defaultStatsPeriod = 24 * time.Hour

// Request is one engine operation, as read from a batch file or built from
// command line flags.
type Request struct {
	Name      string   `yaml:"name"`
	Operation string   `yaml:"operation"`
	Fields    []string `yaml:"fields"`
	// TimeseriesFields are the aggregates of each top-events series.
	TimeseriesFields []string `yaml:"timeseries_fields"`
	Query            string   `yaml:"query"`

	Start          string   `yaml:"start"` // RFC3339
	End            string   `yaml:"end"`   // RFC3339
	StatsPeriod    string   `yaml:"stats_period"`
	ProjectIDs     []uint64 `yaml:"project_ids"`
	Environments   []string `yaml:"environments"`
	OrganizationID uint64   `yaml:"organization_id"`

	OrderBy []string `yaml:"orderby"`
	Limit   int      `yaml:"limit"`
	Offset  int      `yaml:"offset"`
	Rollup  int      `yaml:"rollup"`

	NumBuckets      int      `yaml:"num_buckets"`
	Precision       int      `yaml:"precision"`
	Min             *float64 `yaml:"min"`
	Max             *float64 `yaml:"max"`
	ExcludeOutliers bool     `yaml:"exclude_outliers"`

	Referrer string `yaml:"referrer"`
}

// BatchFile is the YAML document of the batch mode.
type BatchFile struct {
	Requests []Request `yaml:"requests"`
}

// Outcome is the JSON line written for each request.
type Outcome struct {
	Name      string `json:"name,omitempty"`
	Operation string `json:"operation"`
	Result    any    `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
}

// params resolves the request's time window; now anchors stats_period.
func (r *Request) params(now time.Time) (core.Params, error) {
	p := core.Params{
		ProjectIDs:     r.ProjectIDs,
		Environments:   r.Environments,
		OrganizationID: r.OrganizationID,
	}
	if r.Start != "" || r.End != "" {
		if r.Start == "" || r.End == "" {
			return p, fmt.Errorf("start and end must be given together")
		}
		var err error
		if p.Start, err = time.Parse(time.RFC3339, r.Start); err != nil {
			return p, fmt.Errorf("invalid start: %w", err)
		}
		if p.End, err = time.Parse(time.RFC3339, r.End); err != nil {
			return p, fmt.Errorf("invalid end: %w", err)
		}
		return p, nil
	}

	period := defaultStatsPeriod
	if r.StatsPeriod != "" {
		d, err := time.ParseDuration(r.StatsPeriod)
		if err != nil || d <= 0 {
			return p, fmt.Errorf("invalid stats_period %q", r.StatsPeriod)
		}
		period = d
	}
	p.End = now.UTC().Truncate(time.Second)
	p.Start = p.End.Add(-period)
	return p, nil
}

func (r *Request) referrer() string {
	if r.Referrer != "" {
		return r.Referrer
	}
	return "cli." + r.Operation
}

// Run executes the request on engine and returns its result.
func (r *Request) Run(ctx context.Context, engine *discover.Engine, now time.Time) (any, error) {
	params, err := r.params(now)
	if err != nil {
		return nil, err
	}
	switch r.Operation {
	case opQuery:
		return engine.Query(ctx, discover.QueryRequest{
			SelectedColumns: r.Fields,
			Query:           r.Query,
			Params:          params,
			OrderBy:         r.OrderBy,
			Offset:          r.Offset,
			Limit:           r.Limit,
			Referrer:        r.referrer(),
			AutoFields:      true,
		})
	case opTimeseries:
		return engine.TimeseriesQuery(ctx, discover.TimeseriesRequest{
			SelectedColumns: r.Fields,
			Query:           r.Query,
			Params:          params,
			Rollup:          r.Rollup,
			Referrer:        r.referrer(),
		})
	case opTopEvents:
		return engine.TopEventsTimeseries(ctx, discover.TopEventsRequest{
			TimeseriesColumns: r.TimeseriesFields,
			SelectedColumns:   r.Fields,
			Query:             r.Query,
			Params:            params,
			OrderBy:           r.OrderBy,
			Rollup:            r.Rollup,
			Limit:             r.Limit,
			Organization:      core.Organization{ID: r.OrganizationID},
			Referrer:          r.referrer(),
		})
	case opFacets:
		return engine.GetFacets(ctx, discover.FacetsRequest{
			Query:    r.Query,
			Params:   params,
			Limit:    r.Limit,
			Referrer: r.referrer(),
		})
	case opHistogram:
		return engine.HistogramQuery(ctx, discover.HistogramRequest{
			Fields:          r.Fields,
			Query:           r.Query,
			Params:          params,
			NumBuckets:      r.NumBuckets,
			Precision:       r.Precision,
			MinValue:        r.Min,
			MaxValue:        r.Max,
			ExcludeOutliers: r.ExcludeOutliers,
			Referrer:        r.referrer(),
		})
	}
	return nil, fmt.Errorf("unknown operation %q, expected one of %s", r.Operation,
		strings.Join([]string{opQuery, opTimeseries, opTopEvents, opFacets, opHistogram}, ", "))
}

// LoadBatch decodes a batch file.
func LoadBatch(r io.Reader) ([]Request, error) {
	var batch BatchFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&batch); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to decode batch file: %w", err)
	}
	return batch.Requests, nil
}

// RunBatch runs requests on engine with at most concurrency in flight and
// writes one JSON outcome per request to w, in request order. A failing
// request is reported in its outcome and does not stop the others; only
// context cancellation does.
func RunBatch(ctx context.Context, engine *discover.Engine, requests []Request, concurrency int, now time.Time, w io.Writer) (failed int, err error) {
	outcomes := make([]Outcome, len(requests))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i := range requests {
		req := &requests[i]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			outcomes[i] = Outcome{Name: req.Name, Operation: req.Operation}
			result, err := req.Run(gctx, engine, now)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				outcomes[i].Error = err.Error()
				return nil
			}
			outcomes[i].Result = result
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	enc := json.NewEncoder(w)
	for _, o := range outcomes {
		if o.Error != "" {
			failed++
		}
		if err := enc.Encode(o); err != nil {
			return failed, fmt.Errorf("failed to write outcome of %q: %w", o.Name, err)
		}
	}
	return failed, nil
}
