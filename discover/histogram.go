package discover

import (
	"context"
	"fmt"
	"math"

	"github.com/INLOpen/discover/core"
	"github.com/INLOpen/discover/search"
)

const (
	histogramMinMaxReferrer = "api.organization-events-histogram-min-max"
	multiHistogramKeyColumn = "array_join(measurements_key)"
	measurementsValueColumn = "measurements_value"
	measurementPrefix       = "measurements."
)

// HistogramRequest asks for a histogram of one field, or of several
// measurements sharing the same bins.
type HistogramRequest struct {
	Fields     []string
	Query      string
	Params     core.Params
	NumBuckets int
	// Precision is the number of decimal places bins are computed at.
	Precision int
	// MinValue and MaxValue bound the histogram. Unset bounds are read from the data.
	MinValue *float64
	MaxValue *float64
	// ExcludeOutliers caps a data derived max at the upper outer fence,
	// Q3 + 3 * IQR.
	ExcludeOutliers bool
	Referrer        string
}

// HistogramParams describe the bin geometry. Values are scaled by
// Multiplier; bin i starts at StartOffset + i*BucketSize.
type HistogramParams struct {
	NumBuckets  int64
	BucketSize  int64
	StartOffset int64
	Multiplier  int64
}

// HistogramBin is the count of one bin. Bin is the lower bound, unscaled.
type HistogramBin struct {
	Bin   float64 `json:"bin"`
	Count int64   `json:"count"`
}

// HistogramQuery computes histograms for req.Fields keyed by field name.
func (e *Engine) HistogramQuery(ctx context.Context, req HistogramRequest) (map[string][]HistogramBin, error) {
	e.countOperation("histogram")
	result, err := e.histogramQuery(ctx, req)
	return result, e.observeError(err)
}

func (e *Engine) histogramQuery(ctx context.Context, req HistogramRequest) (map[string][]HistogramBin, error) {
	if len(req.Fields) == 0 {
		return nil, core.NewInvalidQuery("No fields selected for the histogram.")
	}
	if req.NumBuckets <= 0 {
		return nil, core.NewInvalidQuery("Number of buckets must be positive.")
	}
	if req.Precision < 0 {
		return nil, core.NewInvalidQuery("Precision must not be negative.")
	}
	if req.MinValue != nil && req.MaxValue != nil && *req.MinValue > *req.MaxValue {
		return nil, core.NewInvalidQuery("min must not be greater than max.")
	}

	keyColumn := ""
	var conditions []core.Clause
	if len(req.Fields) > 1 {
		keyColumn = multiHistogramKeyColumn
		measurements := make([]any, 0, len(req.Fields))
		for _, field := range req.Fields {
			name, ok := search.MeasurementName(field)
			if !ok {
				return nil, core.NewInvalidQuery("multihistogram expected all measurements, received: %s", field)
			}
			measurements = append(measurements, name)
		}
		conditions = append(conditions, core.Cond(search.FunctionAlias(keyColumn), core.OpIn, measurements))
	}

	multiplier := int64(math.Pow10(req.Precision))
	maxValue := req.MaxValue
	if maxValue != nil {
		// Exclusive upper bound at the requested precision.
		adjusted := *maxValue - 0.1/float64(multiplier)
		maxValue = &adjusted
	}

	minValue, maxValue, err := e.FindHistogramMinMax(ctx, req.Fields, req.MinValue, maxValue, req.Query, req.Params, req.ExcludeOutliers)
	if err != nil {
		return nil, err
	}

	params := FindHistogramParams(req.NumBuckets, minValue, maxValue, multiplier)
	if minValue == nil || maxValue == nil || params.NumBuckets == 0 {
		e.metrics.EmptyHistogramsTotal.Add(1)
		return NormalizeHistogramResults(req.Fields, keyColumn, params, nil), nil
	}

	column := HistogramColumn(req.Fields, keyColumn, params)
	alias := search.FunctionAlias(column)
	conditions = append(conditions,
		core.Cond(alias, core.OpGte, params.StartOffset),
		core.Cond(alias, core.OpLte, params.StartOffset+params.BucketSize*int64(req.NumBuckets)),
	)

	selected := []string{column, "count()"}
	if keyColumn != "" {
		selected = append([]string{keyColumn}, selected...)
	}
	result, err := e.query(ctx, "histogram", QueryRequest{
		SelectedColumns: selected,
		Conditions:      conditions,
		Query:           req.Query,
		Params:          req.Params,
		OrderBy:         []string{alias},
		Limit:           len(req.Fields) * req.NumBuckets,
		Referrer:        req.Referrer,
		FunctionsACL:    []string{"array_join", "histogram"},
	})
	if err != nil {
		return nil, err
	}
	return NormalizeHistogramResults(req.Fields, keyColumn, params, result.Data), nil
}

// FindHistogramMinMax returns the bounds of a histogram over fields. Bounds
// that are given are returned as they are; the others come from the data,
// nil when there is none. With excludeOutliers a data derived max is capped
// at the smallest upper outer fence of the fields; fields without quartiles
// do not contribute a fence.
func (e *Engine) FindHistogramMinMax(ctx context.Context, fields []string, minValue, maxValue *float64, query string, params core.Params, excludeOutliers bool) (*float64, *float64, error) {
	if minValue != nil && maxValue != nil {
		return minValue, maxValue, nil
	}

	var minColumns, maxColumns, quartileColumns []string
	for _, field := range fields {
		if minValue == nil {
			minColumns = append(minColumns, fmt.Sprintf("min(%s)", field))
		}
		if maxValue == nil {
			maxColumns = append(maxColumns, fmt.Sprintf("max(%s)", field))
			if excludeOutliers {
				quartileColumns = append(quartileColumns,
					fmt.Sprintf("percentile(%s, 0.25)", field),
					fmt.Sprintf("percentile(%s, 0.75)", field))
			}
		}
	}
	columns := append(append(append([]string{}, minColumns...), maxColumns...), quartileColumns...)

	result, err := e.query(ctx, "histogram_min_max", QueryRequest{
		SelectedColumns: columns,
		Query:           query,
		Params:          params,
		Limit:           1,
		Referrer:        histogramMinMaxReferrer,
	})
	if err != nil {
		return nil, nil, err
	}
	if len(result.Data) != 1 {
		return nil, nil, nil
	}
	row := result.Data[0]

	if minValue == nil {
		minValue = extreme(row, minColumns, math.Min)
	}
	if maxValue == nil {
		maxValue = extreme(row, maxColumns, math.Max)
		if fence := upperFence(row, quartileColumns); fence != nil {
			if maxValue == nil || *fence < *maxValue {
				maxValue = fence
			}
		}
	}
	return minValue, maxValue, nil
}

// extreme folds the numeric values of the function columns in row with
// pick, or returns nil when none are set.
func extreme(row core.Row, columns []string, pick func(a, b float64) float64) *float64 {
	var out *float64
	for _, col := range columns {
		v, ok := core.Float64Value(row.Value(search.FunctionAlias(col)))
		if !ok || math.IsNaN(v) {
			continue
		}
		if out != nil {
			v = pick(*out, v)
		}
		out = &v
	}
	return out
}

// upperFence returns the smallest Q3 + 3*|Q3 - Q1| over the (Q1, Q3) column
// pairs in quartiles. Pairs with a missing quartile are skipped.
func upperFence(row core.Row, quartiles []string) *float64 {
	var fence *float64
	for i := 0; i+1 < len(quartiles); i += 2 {
		q1, ok1 := core.Float64Value(row.Value(search.FunctionAlias(quartiles[i])))
		q3, ok3 := core.Float64Value(row.Value(search.FunctionAlias(quartiles[i+1])))
		if !ok1 || !ok3 || math.IsNaN(q1) || math.IsNaN(q3) {
			continue
		}
		f := q3 + 3*math.Abs(q3-q1)
		if fence == nil || f < *fence {
			fence = &f
		}
	}
	return fence
}

// FindHistogramParams computes bins of a nice size covering [minValue,
// maxValue] after scaling both by multiplier. With an unknown bound the
// result is numBuckets bins of size 1; with max below min it has no bins.
func FindHistogramParams(numBuckets int, minValue, maxValue *float64, multiplier int64) HistogramParams {
	var scaledMin, scaledMax float64
	if minValue != nil {
		scaledMin = float64(multiplier) * *minValue
	}
	if maxValue != nil {
		scaledMax = float64(multiplier) * *maxValue
	}

	startOffset := int64(scaledMin)
	if minValue == nil || maxValue == nil {
		return HistogramParams{NumBuckets: int64(numBuckets), BucketSize: 1, StartOffset: startOffset, Multiplier: multiplier}
	}

	n := int64(numBuckets)
	bucketSize := int64(niceInt((scaledMax - scaledMin) / float64(n)))
	if bucketSize < 1 {
		bucketSize = 1
	}
	startOffset = int64(scaledMin/float64(bucketSize)) * bucketSize

	// The last bin has to include max.
	if float64(startOffset+n*bucketSize) <= scaledMax {
		bucketSize = int64(niceInt(float64(bucketSize + 1)))
	}

	lastBin := int64((scaledMax-float64(startOffset))/float64(bucketSize))*bucketSize + startOffset
	n = floorDiv(lastBin-startOffset, bucketSize) + 1
	if n < 0 {
		n = 0
	}
	return HistogramParams{NumBuckets: n, BucketSize: bucketSize, StartOffset: startOffset, Multiplier: multiplier}
}

// niceInt rounds x up to 1, 2 or 5 times a power of ten below 10, to one of
// 10, 20, 25, 50, 100 below 100 and to 100, 120, 200, 250, 500, 750, 1000
// times a power of ten above.
func niceInt(x float64) float64 {
	if x <= 0 {
		return 0
	}
	exp := int(math.Log10(x))
	var rounded float64
	var steps []float64
	switch {
	case x < 10:
		rounded = math.Pow10(exp)
		steps = []float64{1, 2, 5, 10}
	case x < 100:
		rounded = math.Pow10(exp - 1)
		steps = []float64{10, 20, 25, 50, 100}
	default:
		rounded = math.Pow10(exp - 2)
		steps = []float64{100, 120, 200, 250, 500, 750, 1000}
	}

	frac := x / rounded
	nice := steps[len(steps)-1]
	for _, step := range steps {
		if frac <= step {
			nice = step
			break
		}
	}
	return nice * rounded
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// HistogramColumn returns the histogram function call selecting the bins of
// fields. Several fields share the measurements_value column.
func HistogramColumn(fields []string, keyColumn string, params HistogramParams) string {
	field := fields[0]
	if keyColumn != "" {
		field = measurementsValueColumn
	}
	return fmt.Sprintf("histogram(%s, %d, %d, %d)", field, params.BucketSize, params.StartOffset, params.Multiplier)
}

// NormalizeHistogramResults turns the rows of a histogram query into a full
// list of bins per field, with zero counts for bins without rows.
func NormalizeHistogramResults(fields []string, keyColumn string, params HistogramParams, rows []core.Row) map[string][]HistogramBin {
	keyName := ""
	if keyColumn != "" {
		keyName = search.FunctionAlias(keyColumn)
	}
	binName := search.FunctionAlias(HistogramColumn(fields, keyColumn, params))

	counts := make(map[string]map[int64]int64, len(fields))
	for _, field := range fields {
		counts[field] = make(map[int64]int64, params.NumBuckets)
	}
	for _, row := range rows {
		key := fields[0]
		if keyName != "" {
			key = measurementPrefix + fmt.Sprint(row.Value(keyName))
		}
		bucket, ok := core.Int64Value(row.Value(binName))
		if !ok {
			continue
		}
		if byBin, ok := counts[key]; ok {
			count, _ := core.Int64Value(row.Value("count"))
			byBin[bucket] = count
		}
	}

	out := make(map[string][]HistogramBin, len(fields))
	for _, field := range fields {
		bins := make([]HistogramBin, 0, params.NumBuckets)
		for i := int64(0); i < params.NumBuckets; i++ {
			bucket := params.StartOffset + i*params.BucketSize
			bin := float64(bucket)
			if params.Multiplier > 1 {
				bin /= float64(params.Multiplier)
			}
			bins = append(bins, HistogramBin{Bin: bin, Count: counts[field][bucket]})
		}
		out[field] = bins
	}
	return out
}
