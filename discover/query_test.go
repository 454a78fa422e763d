package discover

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/INLOpen/discover/core"
	"github.com/INLOpen/discover/hooks"
	"github.com/INLOpen/discover/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

var (
	testStart  = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	testEnd    = testStart.Add(3 * time.Hour)
	testParams = core.Params{Start: testStart, End: testEnd, ProjectIDs: []uint64{1}}
)

func newTestEngine(t *testing.T, be *testutil.RecordingBackend, mutate ...func(*Options)) *Engine {
	t.Helper()
	opts := Options{Backend: be}
	for _, m := range mutate {
		m(&opts)
	}
	e, err := NewEngine(opts)
	require.NoError(t, err)
	return e
}

type parserFunc func(query string, params core.Params) (*core.Filter, error)

func (f parserFunc) Parse(query string, params core.Params) (*core.Filter, error) { return f(query, params) }

type hookFunc func(ctx context.Context, event hooks.HookEvent) error

func (f hookFunc) OnEvent(ctx context.Context, event hooks.HookEvent) error { return f(ctx, event) }
func (f hookFunc) Priority() int                                            { return 0 }
func (f hookFunc) IsAsync() bool                                            { return false }

func TestNewEngine(t *testing.T) {
	_, err := NewEngine(Options{})
	require.ErrorIs(t, err, ErrNoBackend)

	e := newTestEngine(t, testutil.NewRecordingBackend())
	assert.Equal(t, DefaultDataset, e.dataset)
	assert.Equal(t, DefaultMaxTagsToCombine, e.options.MaxTagsToCombine())
	assert.False(t, e.options.SamplingEnabled())
	assert.NotNil(t, e.Metrics())
}

func TestQuery_Preconditions(t *testing.T) {
	t.Run("empty columns fail before any backend call", func(t *testing.T) {
		be := testutil.NewRecordingBackend()
		e := newTestEngine(t, be)
		_, err := e.Query(context.Background(), QueryRequest{Query: "transaction:/api", Params: testParams})
		require.Error(t, err)
		assert.True(t, core.IsInvalidQuery(err))
		assert.EqualError(t, err, "No columns selected")
		assert.Equal(t, 0, be.Calls())
		assert.Equal(t, int64(1), e.Metrics().InvalidQueriesTotal.Value())
	})

	t.Run("auto aggregations need aggregate conditions", func(t *testing.T) {
		be := testutil.NewRecordingBackend()
		e := newTestEngine(t, be)
		_, err := e.Query(context.Background(), QueryRequest{
			SelectedColumns:  []string{"count()"},
			Params:           testParams,
			AutoAggregations: true,
		})
		require.ErrorIs(t, err, ErrAutoAggregationsWithoutConditions)
		assert.True(t, core.IsInvalidQuery(err))
		assert.Equal(t, 0, be.Calls())
	})

	t.Run("parse errors are returned", func(t *testing.T) {
		be := testutil.NewRecordingBackend()
		e := newTestEngine(t, be)
		_, err := e.Query(context.Background(), QueryRequest{SelectedColumns: []string{"id"}, Query: `"unterminated`})
		assert.True(t, core.IsInvalidQuery(err))
		assert.Equal(t, 0, be.Calls())
	})
}

func TestQuery(t *testing.T) {
	be := testutil.NewRecordingBackend(testutil.Result(
		testutil.Meta("event_id", "String", "transaction_name", "String", "duration", "UInt32"),
		core.NewRow("event_id", "abc", "transaction_name", "/api", "duration", int64(120)),
	))
	e := newTestEngine(t, be)

	got, err := e.Query(context.Background(), QueryRequest{
		SelectedColumns: []string{"id", "transaction", "transaction.duration"},
		Query:           "transaction:/api",
		Params:          testParams,
		OrderBy:         []string{"-transaction.duration"},
		Referrer:        "api.discover.query",
	})
	require.NoError(t, err)

	assert.Equal(t, []core.Row{core.NewRow("id", "abc", "transaction", "/api", "transaction.duration", int64(120))}, got.Data)
	assert.Equal(t, []core.ColumnMeta{
		{Name: "id", Type: "string"},
		{Name: "transaction", Type: "string"},
		{Name: "transaction.duration", Type: "integer"},
	}, got.Meta)

	require.Equal(t, 1, be.Calls())
	q := be.Query(0)
	assert.Equal(t, DefaultDataset, q.Dataset)
	assert.Equal(t, []core.Expr{core.Col("event_id"), core.Col("transaction_name"), core.Col("duration")}, q.SelectedColumns)
	assert.Equal(t, []core.Clause{core.Cond("transaction_name", core.OpEq, "/api")}, q.Conditions)
	assert.Equal(t, map[string][]uint64{"project_id": {1}}, q.FilterKeys)
	assert.Equal(t, []string{"-duration"}, q.OrderBy)
	assert.Equal(t, DefaultQueryLimit, q.Limit)
	assert.Equal(t, testStart, q.Start)
	assert.Equal(t, testEnd, q.End)
	assert.Equal(t, "api.discover.query", q.Referrer)
	assert.Empty(t, q.GroupBy)
	assert.Empty(t, q.Aggregations)
}

func TestQuery_AggregatesAndExtraConditions(t *testing.T) {
	be := testutil.NewRecordingBackend()
	e := newTestEngine(t, be)

	extra := core.Cond("histogram_alias", core.OpGte, int64(0))
	_, err := e.Query(context.Background(), QueryRequest{
		SelectedColumns: []string{"transaction", "count()", "p95()"},
		Params:          testParams,
		OrderBy:         []string{"-p95()"},
		Limit:           5,
		Offset:          10,
		Conditions:      []core.Clause{extra},
	})
	require.NoError(t, err)

	q := be.Query(0)
	assert.Equal(t, []core.Aggregation{
		{Function: "count", Alias: "count"},
		{Function: "quantile(0.95)", Column: "duration", Alias: "p95"},
	}, q.Aggregations)
	assert.Equal(t, []string{"transaction_name"}, q.GroupBy)
	assert.Equal(t, []string{"-p95"}, q.OrderBy)
	assert.Equal(t, 5, q.Limit)
	assert.Equal(t, 10, q.Offset)
	assert.Equal(t, extra, q.Conditions[len(q.Conditions)-1])
}

func TestQuery_HavingValidation(t *testing.T) {
	ctx := context.Background()

	t.Run("missing aggregate", func(t *testing.T) {
		be := testutil.NewRecordingBackend()
		e := newTestEngine(t, be)
		_, err := e.Query(ctx, QueryRequest{
			SelectedColumns:        []string{"transaction", "count_unique(user)"},
			Query:                  "count():>5",
			Params:                 testParams,
			UseAggregateConditions: true,
		})
		assert.True(t, core.IsInvalidQuery(err))
		assert.EqualError(t, err, "Aggregate count used in a condition but is not a selected column.")
		assert.Equal(t, 0, be.Calls())
	})

	t.Run("auto aggregations add the aggregate", func(t *testing.T) {
		be := testutil.NewRecordingBackend()
		e := newTestEngine(t, be)
		_, err := e.Query(ctx, QueryRequest{
			SelectedColumns:        []string{"transaction", "count_unique(user)"},
			Query:                  "count():>5",
			Params:                 testParams,
			UseAggregateConditions: true,
			AutoAggregations:       true,
		})
		require.NoError(t, err)
		q := be.Query(0)
		assert.True(t, core.HasAggregation(q.Aggregations, "count"))
		assert.Equal(t, []core.Clause{core.Cond("count", core.OpGt, int64(5))}, q.Having)
	})

	t.Run("auto aggregations need a selected aggregate", func(t *testing.T) {
		be := testutil.NewRecordingBackend()
		e := newTestEngine(t, be)
		_, err := e.Query(ctx, QueryRequest{
			SelectedColumns:        []string{"transaction"},
			Query:                  "count():>5",
			Params:                 testParams,
			UseAggregateConditions: true,
			AutoAggregations:       true,
		})
		assert.EqualError(t, err, "Aggregate count used in a condition but is not a selected column, and could not be automatically added.")
	})

	t.Run("nested clauses report every missing alias", func(t *testing.T) {
		be := testutil.NewRecordingBackend()
		e := newTestEngine(t, be)
		_, err := e.Query(ctx, QueryRequest{
			SelectedColumns:        []string{"transaction", "avg(transaction.duration)"},
			Query:                  "count():>5 OR p95():>100",
			Params:                 testParams,
			UseAggregateConditions: true,
		})
		assert.True(t, core.IsInvalidQuery(err))
		assert.EqualError(t, err, "Aggregate(s) count, p95 used in a condition but are not in the selected columns.")
	})

	t.Run("function conditions report the aggregate list", func(t *testing.T) {
		parser := parserFunc(func(string, core.Params) (*core.Filter, error) {
			return &core.Filter{Having: []core.Clause{core.Condition{
				LHS: core.Call{Function: "isNull", Args: []core.Expr{core.Col("count_x")}},
				Op:  core.OpEq,
				RHS: 1,
			}}}, nil
		})
		be := testutil.NewRecordingBackend()
		e := newTestEngine(t, be, func(o *Options) { o.Parser = parser })

		_, err := e.Query(ctx, QueryRequest{SelectedColumns: []string{"count()"}, UseAggregateConditions: true})
		assert.True(t, core.IsInvalidQuery(err))
		assert.EqualError(t, err, "Aggregate(s) count_x used in a condition but are not in the selected columns.")
		assert.Equal(t, 0, be.Calls())
	})

	t.Run("having is dropped without aggregate conditions", func(t *testing.T) {
		be := testutil.NewRecordingBackend()
		e := newTestEngine(t, be)
		_, err := e.Query(ctx, QueryRequest{
			SelectedColumns: []string{"transaction", "avg(transaction.duration)"},
			Query:           "count():>5",
			Params:          testParams,
		})
		require.NoError(t, err)
		assert.Empty(t, be.Query(0).Having)
	})

	t.Run("selecting the aggregate fixes the query", func(t *testing.T) {
		parser := parserFunc(func(string, core.Params) (*core.Filter, error) {
			return &core.Filter{Having: []core.Clause{core.Cond("count_x", core.OpGt, 1)}}, nil
		})
		be := testutil.NewRecordingBackend()
		e := newTestEngine(t, be, func(o *Options) { o.Parser = parser })

		req := QueryRequest{SelectedColumns: []string{"count()"}, UseAggregateConditions: true}
		_, err := e.Query(ctx, req)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "count_x")

		req.SelectedColumns = []string{"count()", "count(x)"}
		_, err = e.Query(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, 1, be.Calls())
	})
}

func TestQuery_BackendErrorsPropagate(t *testing.T) {
	boom := errors.New("backend unavailable")
	be := testutil.NewRecordingBackend()
	be.Err = boom
	e := newTestEngine(t, be)

	_, err := e.Query(context.Background(), QueryRequest{SelectedColumns: []string{"id"}, Params: testParams})
	assert.Same(t, boom, err)
	assert.Equal(t, int64(1), e.Metrics().BackendQueryErrorsTotal.Value())
	assert.Equal(t, int64(0), e.Metrics().InvalidQueriesTotal.Value())
}

func TestQuery_Hooks(t *testing.T) {
	t.Run("pre query hook can veto", func(t *testing.T) {
		be := testutil.NewRecordingBackend()
		manager := hooks.NewHookManager(nil)
		veto := errors.New("referrer not allowed")
		manager.Register(hooks.EventPreQuery, hookFunc(func(context.Context, hooks.HookEvent) error { return veto }))
		e := newTestEngine(t, be, func(o *Options) { o.HookManager = manager })

		_, err := e.Query(context.Background(), QueryRequest{SelectedColumns: []string{"id"}, Params: testParams})
		require.ErrorIs(t, err, veto)
		assert.Equal(t, 0, be.Calls())
		assert.Equal(t, int64(1), e.Metrics().BackendQueriesVetoedTotal.Value())
	})

	t.Run("post query hook sees the row count", func(t *testing.T) {
		be := testutil.NewRecordingBackend(testutil.Result(nil, core.NewRow("event_id", "a"), core.NewRow("event_id", "b")))
		manager := hooks.NewHookManager(nil)
		var seen hooks.PostQueryPayload
		manager.Register(hooks.EventPostQuery, hookFunc(func(_ context.Context, ev hooks.HookEvent) error {
			seen = ev.Payload().(hooks.PostQueryPayload)
			return nil
		}))
		e := newTestEngine(t, be, func(o *Options) { o.HookManager = manager })

		_, err := e.Query(context.Background(), QueryRequest{SelectedColumns: []string{"id"}, Params: testParams, Referrer: "r"})
		require.NoError(t, err)
		assert.Equal(t, 2, seen.RowCount)
		assert.Equal(t, "r", seen.Query.Referrer)
		assert.NoError(t, seen.Error)
	})
}

func TestQuery_Spans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	e := newTestEngine(t, testutil.NewRecordingBackend(), func(o *Options) { o.TracerProvider = tp })

	_, err := e.Query(context.Background(), QueryRequest{SelectedColumns: []string{"id"}, Params: testParams})
	require.NoError(t, err)

	var names []string
	for _, s := range sr.Ended() {
		names = append(names, s.Name())
	}
	assert.Equal(t, []string{
		"discover.query.filter_transform",
		"discover.query.field_translations",
		"discover.query.snuba_query",
		"discover.query.transform_results",
	}, names)
}

func TestTimeseriesQuery(t *testing.T) {
	ctx := context.Background()
	rollup := 3600

	t.Run("requires start and end", func(t *testing.T) {
		be := testutil.NewRecordingBackend()
		e := newTestEngine(t, be)
		_, err := e.TimeseriesQuery(ctx, TimeseriesRequest{SelectedColumns: []string{"count()"}, Rollup: rollup})
		assert.EqualError(t, err, "Cannot get timeseries result without a start and end.")
		assert.Equal(t, 0, be.Calls())
	})

	t.Run("requires an aggregation", func(t *testing.T) {
		e := newTestEngine(t, testutil.NewRecordingBackend())
		_, err := e.TimeseriesQuery(ctx, TimeseriesRequest{Params: testParams, Rollup: rollup})
		assert.True(t, core.IsInvalidQuery(err))
		assert.EqualError(t, err, "Cannot get timeseries result with no aggregation.")
	})

	t.Run("requires a rollup", func(t *testing.T) {
		e := newTestEngine(t, testutil.NewRecordingBackend())
		_, err := e.TimeseriesQuery(ctx, TimeseriesRequest{SelectedColumns: []string{"count()"}, Params: testParams})
		assert.True(t, core.IsInvalidQuery(err))
	})

	t.Run("zerofilled series", func(t *testing.T) {
		second := testStart.Add(time.Hour).Unix()
		be := testutil.NewRecordingBackend(testutil.Result(
			testutil.Meta("time", "DateTime", "count", "Float64"),
			core.NewRow("time", second, "count", 12.0),
		))
		e := newTestEngine(t, be)

		got, err := e.TimeseriesQuery(ctx, TimeseriesRequest{
			SelectedColumns: []string{"p95()"},
			Query:           "transaction:/api",
			Params:          testParams,
			Rollup:          rollup,
		})
		require.NoError(t, err)

		assert.Equal(t, -1, got.Order)
		assert.Equal(t, rollup, got.Rollup)
		assert.Equal(t, []core.Row{
			core.NewRow("time", testStart.Unix()),
			core.NewRow("time", second, "count", 12.0),
			core.NewRow("time", testStart.Add(2*time.Hour).Unix()),
			core.NewRow("time", testEnd.Unix()),
		}, got.Data)

		q := be.Query(0)
		assert.Equal(t, []core.Aggregation{{Function: "quantile(0.95)", Column: "duration", Alias: "count"}}, q.Aggregations)
		assert.Equal(t, []string{"time"}, q.GroupBy)
		assert.Equal(t, []string{"time"}, q.OrderBy)
		assert.Equal(t, 10000, q.Limit)
		assert.Equal(t, rollup, q.Rollup)
		assert.Empty(t, q.SelectedColumns)
	})

	t.Run("several aggregations keep their aliases", func(t *testing.T) {
		be := testutil.NewRecordingBackend()
		e := newTestEngine(t, be)
		_, err := e.TimeseriesQuery(ctx, TimeseriesRequest{SelectedColumns: []string{"count()", "p50()"}, Params: testParams, Rollup: rollup})
		require.NoError(t, err)
		q := be.Query(0)
		assert.Equal(t, "count", q.Aggregations[0].Alias)
		assert.Equal(t, "p50", q.Aggregations[1].Alias)
	})
}
