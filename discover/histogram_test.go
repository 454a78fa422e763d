package discover

import (
	"context"
	"testing"

	"github.com/INLOpen/discover/core"
	"github.com/INLOpen/discover/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr(f float64) *float64 { return &f }

func TestNiceInt(t *testing.T) {
	cases := []struct {
		in, want float64
	}{
		{0, 0},
		{-3, 0},
		{1, 1},
		{1.5, 2},
		{3, 5},
		{6, 10},
		{10, 10},
		{11, 20},
		{21, 25},
		{26, 50},
		{51, 100},
		{101, 120},
		{121, 200},
		{201, 250},
		{251, 500},
		{501, 750},
		{751, 1000},
		{1001, 1200},
		{12345, 20000},
	}
	for _, tc := range cases {
		assert.InDelta(t, tc.want, niceInt(tc.in), 1e-9, "niceInt(%v)", tc.in)
	}
}

func TestFindHistogramParams(t *testing.T) {
	t.Run("max on a bin edge widens the bins", func(t *testing.T) {
		assert.Equal(t, HistogramParams{NumBuckets: 6, BucketSize: 20, StartOffset: 0, Multiplier: 1},
			FindHistogramParams(10, ptr(0), ptr(100), 1))
	})

	t.Run("precision scales the bounds", func(t *testing.T) {
		assert.Equal(t, HistogramParams{NumBuckets: 10, BucketSize: 100, StartOffset: 0, Multiplier: 10},
			FindHistogramParams(10, ptr(0), ptr(99.99), 10))
	})

	t.Run("offset snaps to a bin boundary", func(t *testing.T) {
		got := FindHistogramParams(5, ptr(13), ptr(47), 1)
		assert.Equal(t, int64(10), got.BucketSize)
		assert.Equal(t, int64(10), got.StartOffset)
		assert.Equal(t, int64(4), got.NumBuckets)
	})

	t.Run("unknown bound", func(t *testing.T) {
		assert.Equal(t, HistogramParams{NumBuckets: 10, BucketSize: 1, StartOffset: 0, Multiplier: 1},
			FindHistogramParams(10, nil, nil, 1))
		assert.Equal(t, HistogramParams{NumBuckets: 4, BucketSize: 1, StartOffset: 50, Multiplier: 10},
			FindHistogramParams(4, ptr(5), nil, 10))
	})

	t.Run("max below min has no bins", func(t *testing.T) {
		got := FindHistogramParams(10, ptr(100), ptr(10), 1)
		assert.Equal(t, int64(0), got.NumBuckets)
		assert.Equal(t, int64(100), got.StartOffset)
	})

	t.Run("equal bounds", func(t *testing.T) {
		got := FindHistogramParams(10, ptr(7), ptr(7), 1)
		assert.Equal(t, int64(1), got.BucketSize)
		assert.GreaterOrEqual(t, got.NumBuckets, int64(1))
	})
}

func TestHistogramColumn(t *testing.T) {
	params := HistogramParams{NumBuckets: 6, BucketSize: 20, StartOffset: 0, Multiplier: 1}
	assert.Equal(t, "histogram(transaction.duration, 20, 0, 1)", HistogramColumn([]string{"transaction.duration"}, "", params))
	assert.Equal(t, "histogram(measurements_value, 20, 0, 1)",
		HistogramColumn([]string{"measurements.lcp", "measurements.fcp"}, multiHistogramKeyColumn, params))
}

func TestNormalizeHistogramResults(t *testing.T) {
	t.Run("missing bins are zero", func(t *testing.T) {
		params := HistogramParams{NumBuckets: 3, BucketSize: 10, StartOffset: 0, Multiplier: 1}
		got := NormalizeHistogramResults([]string{"transaction.duration"}, "", params, []core.Row{
			core.NewRow("histogram_transaction_duration_10_0_1", int64(10), "count", int64(4)),
		})
		assert.Equal(t, map[string][]HistogramBin{
			"transaction.duration": {{Bin: 0, Count: 0}, {Bin: 10, Count: 4}, {Bin: 20, Count: 0}},
		}, got)
	})

	t.Run("multiplier unscales the bins", func(t *testing.T) {
		params := HistogramParams{NumBuckets: 2, BucketSize: 5, StartOffset: 10, Multiplier: 100}
		got := NormalizeHistogramResults([]string{"transaction.duration"}, "", params, []core.Row{
			core.NewRow("histogram_transaction_duration_5_10_100", 15.0, "count", uint64(2)),
		})
		assert.Equal(t, []HistogramBin{{Bin: 0.1, Count: 0}, {Bin: 0.15, Count: 2}}, got["transaction.duration"])
	})

	t.Run("measurements are keyed by field", func(t *testing.T) {
		fields := []string{"measurements.lcp", "measurements.fcp"}
		params := HistogramParams{NumBuckets: 2, BucketSize: 1, StartOffset: 0, Multiplier: 1}
		got := NormalizeHistogramResults(fields, multiHistogramKeyColumn, params, []core.Row{
			core.NewRow("array_join_measurements_key", "lcp", "histogram_measurements_value_1_0_1", int64(1), "count", int64(3)),
			core.NewRow("array_join_measurements_key", "fcp", "histogram_measurements_value_1_0_1", int64(0), "count", int64(5)),
			core.NewRow("array_join_measurements_key", "fid", "histogram_measurements_value_1_0_1", int64(0), "count", int64(9)),
		})
		assert.Equal(t, map[string][]HistogramBin{
			"measurements.lcp": {{Bin: 0, Count: 0}, {Bin: 1, Count: 3}},
			"measurements.fcp": {{Bin: 0, Count: 5}, {Bin: 1, Count: 0}},
		}, got)
	})
}

func TestHistogramQuery(t *testing.T) {
	be := testutil.NewRecordingBackend(
		testutil.Result(nil, core.NewRow("min_transaction_duration", 0.0, "max_transaction_duration", 100.0)),
		testutil.Result(nil,
			core.NewRow("histogram_transaction_duration_20_0_1", int64(0), "count", int64(3)),
			core.NewRow("histogram_transaction_duration_20_0_1", int64(100), "count", int64(1)),
		),
	)
	e := newTestEngine(t, be)

	got, err := e.HistogramQuery(context.Background(), HistogramRequest{
		Fields:     []string{"transaction.duration"},
		Params:     testParams,
		NumBuckets: 10,
		Referrer:   "api.histogram",
	})
	require.NoError(t, err)
	assert.Equal(t, []HistogramBin{
		{Bin: 0, Count: 3}, {Bin: 20}, {Bin: 40}, {Bin: 60}, {Bin: 80}, {Bin: 100, Count: 1},
	}, got["transaction.duration"])

	require.Equal(t, 2, be.Calls())
	minMax := be.Query(0)
	assert.Equal(t, histogramMinMaxReferrer, minMax.Referrer)
	assert.Equal(t, 1, minMax.Limit)
	assert.Equal(t, []core.Aggregation{
		{Function: "min", Column: "duration", Alias: "min_transaction_duration"},
		{Function: "max", Column: "duration", Alias: "max_transaction_duration"},
	}, minMax.Aggregations)

	data := be.Query(1)
	alias := "histogram_transaction_duration_20_0_1"
	assert.Equal(t, "api.histogram", data.Referrer)
	assert.Equal(t, 10, data.Limit)
	assert.Equal(t, []string{alias}, data.OrderBy)
	assert.Equal(t, []string{alias}, data.GroupBy)
	require.Len(t, data.SelectedColumns, 1)
	assert.Equal(t, alias, core.OutputName(data.SelectedColumns[0]))
	assert.Equal(t, []core.Clause{
		core.Cond(alias, core.OpGte, int64(0)),
		core.Cond(alias, core.OpLte, int64(200)),
	}, data.Conditions)
}

func TestHistogramQuery_GivenBounds(t *testing.T) {
	be := testutil.NewRecordingBackend()
	e := newTestEngine(t, be)

	got, err := e.HistogramQuery(context.Background(), HistogramRequest{
		Fields:     []string{"transaction.duration"},
		Params:     testParams,
		NumBuckets: 10,
		Precision:  1,
		MinValue:   ptr(0),
		MaxValue:   ptr(100),
	})
	require.NoError(t, err)
	require.Equal(t, 1, be.Calls(), "no min/max query when both bounds are given")
	bins := got["transaction.duration"]
	require.Len(t, bins, 10)
	assert.Equal(t, 0.0, bins[0].Bin)
	assert.InDelta(t, 90.0, bins[9].Bin, 1e-9)
	assert.Equal(t, "histogram_transaction_duration_100_0_10", core.OutputName(be.Query(0).SelectedColumns[0]))
}

func TestHistogramQuery_ExcludeOutliers(t *testing.T) {
	be := testutil.NewRecordingBackend(
		testutil.Result(nil, core.NewRow(
			"max_transaction_duration", 1000.0,
			"percentile_transaction_duration_0_25", 10.0,
			"percentile_transaction_duration_0_75", 20.0,
		)),
	)
	e := newTestEngine(t, be)

	_, err := e.HistogramQuery(context.Background(), HistogramRequest{
		Fields:          []string{"transaction.duration"},
		Params:          testParams,
		NumBuckets:      10,
		MinValue:        ptr(0),
		ExcludeOutliers: true,
	})
	require.NoError(t, err)
	require.Equal(t, 2, be.Calls())

	aliases := make([]string, 0, 3)
	for _, agg := range be.Query(0).Aggregations {
		aliases = append(aliases, agg.Alias)
	}
	assert.Equal(t, []string{
		"max_transaction_duration",
		"percentile_transaction_duration_0_25",
		"percentile_transaction_duration_0_75",
	}, aliases)
	// The fence 20 + 3*10 caps max at 50.
	assert.Equal(t, "histogram_transaction_duration_10_0_1", core.OutputName(be.Query(1).SelectedColumns[0]))
}

func TestHistogramQuery_OutlierFences(t *testing.T) {
	fields := []string{"measurements.lcp", "measurements.fcp"}
	cases := []struct {
		name string
		row  core.Row
		want string
	}{
		{
			name: "smallest fence wins",
			row: core.NewRow(
				"max_measurements_lcp", 1000.0,
				"max_measurements_fcp", 2000.0,
				"percentile_measurements_lcp_0_25", 10.0,
				"percentile_measurements_lcp_0_75", 20.0,
				"percentile_measurements_fcp_0_25", 100.0,
				"percentile_measurements_fcp_0_75", 200.0,
			),
			// min(50, 500) caps max at 50.
			want: "histogram_measurements_value_10_0_1",
		},
		{
			name: "field without quartiles is skipped",
			row: core.NewRow(
				"max_measurements_lcp", 1000.0,
				"max_measurements_fcp", 2000.0,
				"percentile_measurements_lcp_0_25", 10.0,
				"percentile_measurements_lcp_0_75", nil,
				"percentile_measurements_fcp_0_25", 100.0,
				"percentile_measurements_fcp_0_75", 200.0,
			),
			// Only fcp has a fence, 500.
			want: "histogram_measurements_value_100_0_1",
		},
		{
			name: "no quartiles keeps the raw max",
			row: core.NewRow(
				"max_measurements_lcp", 1000.0,
				"max_measurements_fcp", 2000.0,
			),
			want: "histogram_measurements_value_250_0_1",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			be := testutil.NewRecordingBackend(testutil.Result(nil, tc.row))
			e := newTestEngine(t, be)

			_, err := e.HistogramQuery(context.Background(), HistogramRequest{
				Fields:          fields,
				Params:          testParams,
				NumBuckets:      10,
				MinValue:        ptr(0),
				ExcludeOutliers: true,
			})
			require.NoError(t, err)
			require.Equal(t, 2, be.Calls())
			q := be.Query(1)
			require.Len(t, q.SelectedColumns, 2)
			assert.Equal(t, tc.want, core.OutputName(q.SelectedColumns[1]))
		})
	}
}

func TestHistogramQuery_MaxBelowDataMin(t *testing.T) {
	be := testutil.NewRecordingBackend(
		testutil.Result(nil, core.NewRow("min_transaction_duration", 75.0)),
	)
	e := newTestEngine(t, be)

	got, err := e.HistogramQuery(context.Background(), HistogramRequest{
		Fields:     []string{"transaction.duration"},
		Params:     testParams,
		NumBuckets: 10,
		MaxValue:   ptr(10),
	})
	require.NoError(t, err)
	assert.Empty(t, got["transaction.duration"])
	assert.Equal(t, 1, be.Calls(), "no histogram query without bins")
	assert.Equal(t, int64(1), e.Metrics().EmptyHistogramsTotal.Value())
}

func TestHistogramQuery_Empty(t *testing.T) {
	be := testutil.NewRecordingBackend()
	e := newTestEngine(t, be)

	got, err := e.HistogramQuery(context.Background(), HistogramRequest{
		Fields:     []string{"transaction.duration"},
		Params:     testParams,
		NumBuckets: 4,
	})
	require.NoError(t, err)
	assert.Equal(t, []HistogramBin{{Bin: 0}, {Bin: 1}, {Bin: 2}, {Bin: 3}}, got["transaction.duration"])
	assert.Equal(t, 1, be.Calls())
	assert.Equal(t, int64(1), e.Metrics().EmptyHistogramsTotal.Value())
}

func TestHistogramQuery_Measurements(t *testing.T) {
	be := testutil.NewRecordingBackend(testutil.Result(nil,
		core.NewRow("array_join_measurements_key", "lcp", "histogram_measurements_value_2_0_1", int64(2), "count", int64(3)),
	))
	e := newTestEngine(t, be)

	got, err := e.HistogramQuery(context.Background(), HistogramRequest{
		Fields:     []string{"measurements.lcp", "measurements.fcp"},
		Params:     testParams,
		NumBuckets: 5,
		MinValue:   ptr(0),
		MaxValue:   ptr(10),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), got["measurements.lcp"][1].Count)
	assert.Len(t, got["measurements.fcp"], 5)

	q := be.Query(0)
	assert.Equal(t, 10, q.Limit)
	require.Len(t, q.SelectedColumns, 2)
	assert.Equal(t, "array_join_measurements_key", core.OutputName(q.SelectedColumns[0]))
	assert.Equal(t, core.Cond("array_join_measurements_key", core.OpIn, []any{"lcp", "fcp"}), q.Conditions[0])
}

func TestHistogramQuery_Invalid(t *testing.T) {
	cases := map[string]HistogramRequest{
		"no fields":        {NumBuckets: 10},
		"no buckets":       {Fields: []string{"transaction.duration"}},
		"negative precise": {Fields: []string{"transaction.duration"}, NumBuckets: 10, Precision: -1},
		"not measurements": {Fields: []string{"measurements.lcp", "transaction.duration"}, NumBuckets: 10},
		"min above max":    {Fields: []string{"transaction.duration"}, NumBuckets: 10, MinValue: ptr(100), MaxValue: ptr(10)},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			be := testutil.NewRecordingBackend()
			e := newTestEngine(t, be)
			req.Params = testParams
			_, err := e.HistogramQuery(context.Background(), req)
			require.Error(t, err)
			assert.True(t, core.IsInvalidQuery(err))
			assert.Equal(t, 0, be.Calls())
		})
	}

	e := newTestEngine(t, testutil.NewRecordingBackend())
	_, err := e.HistogramQuery(context.Background(), HistogramRequest{
		Fields:     []string{"measurements.lcp", "transaction.duration"},
		Params:     testParams,
		NumBuckets: 10,
	})
	assert.EqualError(t, err, "multihistogram expected all measurements, received: transaction.duration")
}
