// Package discover translates public event-search requests into backend
// queries and shapes the backend's rows into API results: plain event
// queries, zero-filled timeseries, top-events series, tag facets and
// histograms.
package discover

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/INLOpen/discover/backend"
	"github.com/INLOpen/discover/core"
	"github.com/INLOpen/discover/hooks"
	"github.com/INLOpen/discover/issues"
	"github.com/INLOpen/discover/search"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// DefaultDataset is the backend dataset discover queries run against.
const DefaultDataset = "discover"

var ErrNoBackend = errors.New("discover: a backend querier is required")

// OptionsProvider exposes runtime options read on every call.
type OptionsProvider interface {
	SamplingEnabled() bool
	MaxTagsToCombine() int
}

// StaticOptions is an OptionsProvider with fixed values.
type StaticOptions struct {
	Sampling bool
	MaxTags  int
}

func (o StaticOptions) SamplingEnabled() bool { return o.Sampling }
func (o StaticOptions) MaxTagsToCombine() int { return o.MaxTags }

// DefaultMaxTagsToCombine is the number of least frequent facet tags whose
// values are fetched with a single combined query.
const DefaultMaxTagsToCombine = 3

// Options configure an Engine. Only Backend is required.
type Options struct {
	Backend       backend.Querier
	Dataset       string
	Parser        search.Parser
	FieldResolver search.FieldResolver
	Issues        issues.Resolver
	Config        OptionsProvider

	Logger         *slog.Logger
	TracerProvider trace.TracerProvider
	HookManager    hooks.HookManager
	Metrics        *Metrics
}

// Engine runs discover operations. It holds no per-request state and is safe
// for concurrent use.
type Engine struct {
	backend  backend.Querier
	dataset  string
	parser   search.Parser
	resolver search.FieldResolver
	issues   issues.Resolver
	options  OptionsProvider

	logger  *slog.Logger
	tracer  trace.Tracer
	hooks   hooks.HookManager
	metrics *Metrics
}

// NewEngine creates an Engine, filling unset options with defaults.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Backend == nil {
		return nil, ErrNoBackend
	}
	e := &Engine{
		backend:  opts.Backend,
		dataset:  opts.Dataset,
		parser:   opts.Parser,
		resolver: opts.FieldResolver,
		issues:   opts.Issues,
		options:  opts.Config,
		hooks:    opts.HookManager,
		metrics:  opts.Metrics,
	}
	if e.dataset == "" {
		e.dataset = DefaultDataset
	}
	if e.parser == nil {
		e.parser = search.SimpleParser{}
	}
	if e.resolver == nil {
		e.resolver = search.NewResolver()
	}
	if e.issues == nil {
		e.issues = issues.StaticResolver{}
	}
	if e.options == nil {
		e.options = StaticOptions{MaxTags: DefaultMaxTagsToCombine}
	}
	if e.metrics == nil {
		e.metrics = NewMetrics(false, "")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	e.logger = logger.With("component", "DiscoverEngine")

	if opts.TracerProvider != nil {
		e.tracer = opts.TracerProvider.Tracer("github.com/INLOpen/discover/discover")
	} else {
		e.tracer = noop.NewTracerProvider().Tracer("")
	}
	if e.hooks == nil {
		e.hooks = hooks.NewHookManager(e.logger)
	}
	return e, nil
}

// Metrics returns the engine's metrics.
func (e *Engine) Metrics() *Metrics { return e.metrics }

// startPhase opens the span of one phase of an operation, named
// discover.<operation>.<phase>.
func (e *Engine) startPhase(ctx context.Context, operation, phase string) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, "discover."+operation+"."+phase)
}

// endPhase records err on span and ends it.
func endPhase(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// countOperation bumps the per-operation counter.
func (e *Engine) countOperation(name string) {
	e.metrics.OperationsTotal.Add(name, 1)
}

// observeError counts invalid queries; other errors are counted where they occur.
func (e *Engine) observeError(err error) error {
	if err != nil && core.IsInvalidQuery(err) {
		e.metrics.InvalidQueriesTotal.Add(1)
	}
	return err
}

// rawQuery sends q to the backend, wrapped in the PreQuery/PostQuery hooks.
// Backend errors are returned unchanged.
func (e *Engine) rawQuery(ctx context.Context, q *core.RawQuery) (*core.RawResult, error) {
	if q.Dataset == "" {
		q.Dataset = e.dataset
	}
	if err := e.hooks.Trigger(ctx, hooks.NewPreQueryEvent(hooks.PreQueryPayload{Query: q})); err != nil {
		e.metrics.BackendQueriesVetoedTotal.Add(1)
		return nil, fmt.Errorf("backend query cancelled by hook: %w", err)
	}

	e.metrics.BackendQueriesTotal.Add(1)
	e.metrics.ActiveQueries.Add(1)
	start := time.Now()
	result, err := e.backend.RawQuery(ctx, q)
	duration := time.Since(start)
	e.metrics.ActiveQueries.Add(-1)
	observeLatency(e.metrics.BackendQueryLatencyHist, duration.Seconds())

	rows := 0
	if result != nil {
		rows = len(result.Data)
	}
	e.metrics.BackendRowsReturnedTotal.Add(int64(rows))
	if err != nil {
		e.metrics.BackendQueryErrorsTotal.Add(1)
	}
	_ = e.hooks.Trigger(ctx, hooks.NewPostQueryEvent(hooks.PostQueryPayload{
		Query:    q,
		Duration: duration,
		RowCount: rows,
		Error:    err,
	}))
	if err != nil {
		e.logger.Error("Backend query failed.", "referrer", q.Referrer, "duration", duration, "error", err)
		return nil, err
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.Int("result_count", rows))
	e.logger.Debug("Backend query finished.", "referrer", q.Referrer, "rows", rows, "duration", duration)
	if result == nil {
		result = &core.RawResult{}
	}
	return result, nil
}
