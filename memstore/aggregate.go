package memstore

import (
	"fmt"
	"math"

	"github.com/INLOpen/discover/core"
	"github.com/caio/go-tdigest/v4"
)

// accumulator folds the values of one aggregation within one group.
type accumulator interface {
	add(v any) error
	result() any
}

// newAccumulator returns the accumulator of a backend aggregate function.
func newAccumulator(agg core.Aggregation) (accumulator, error) {
	if q, ok := agg.ParseQuantile(); ok {
		if q < 0 || q > 1 {
			return nil, fmt.Errorf("quantile level %v out of range", q)
		}
		td, err := tdigest.New()
		if err != nil {
			return nil, fmt.Errorf("tdigest.New failed: %w", err)
		}
		return &quantileAcc{q: q, td: td}, nil
	}
	switch agg.Function {
	case "count":
		return &countAcc{rows: agg.Column == ""}, nil
	case "uniq":
		return &uniqAcc{seen: make(map[string]struct{})}, nil
	case "min":
		return &extremeAcc{sign: -1}, nil
	case "max":
		return &extremeAcc{sign: 1}, nil
	case "sum":
		return &sumAcc{}, nil
	case "avg":
		return &avgAcc{}, nil
	}
	return nil, fmt.Errorf("unknown aggregate function %q", agg.Function)
}

// countAcc counts rows, or non-null values when the aggregation has a column.
type countAcc struct {
	rows bool
	n    int64
}

func (a *countAcc) add(v any) error {
	if a.rows || v != nil {
		a.n++
	}
	return nil
}

func (a *countAcc) result() any { return a.n }

type uniqAcc struct {
	seen map[string]struct{}
}

func (a *uniqAcc) add(v any) error {
	if v != nil {
		a.seen[fmt.Sprintf("%T:%v", v, v)] = struct{}{}
	}
	return nil
}

func (a *uniqAcc) result() any { return int64(len(a.seen)) }

// extremeAcc keeps the smallest (sign -1) or largest (sign 1) value. It is
// null for a group without values.
type extremeAcc struct {
	sign int
	best any
}

func (a *extremeAcc) add(v any) error {
	if v == nil {
		return nil
	}
	if f, ok := v.(float64); ok && math.IsNaN(f) {
		return nil
	}
	if a.best == nil {
		a.best = v
		return nil
	}
	cmp, ok := compareValues(v, a.best)
	if !ok {
		return fmt.Errorf("cannot compare %v with %v", v, a.best)
	}
	if cmp*a.sign > 0 {
		a.best = v
	}
	return nil
}

func (a *extremeAcc) result() any { return a.best }

type sumAcc struct {
	sum float64
}

func (a *sumAcc) add(v any) error {
	if v == nil {
		return nil
	}
	f, ok := core.Float64Value(v)
	if !ok {
		return fmt.Errorf("sum of non numeric value %v", v)
	}
	a.sum += f
	return nil
}

func (a *sumAcc) result() any { return a.sum }

// avgAcc is NaN for a group without values, as the analytical backend returns.
type avgAcc struct {
	sum float64
	n   int64
}

func (a *avgAcc) add(v any) error {
	if v == nil {
		return nil
	}
	f, ok := core.Float64Value(v)
	if !ok {
		return fmt.Errorf("avg of non numeric value %v", v)
	}
	a.sum += f
	a.n++
	return nil
}

func (a *avgAcc) result() any {
	if a.n == 0 {
		return math.NaN()
	}
	return a.sum / float64(a.n)
}

// quantileAcc estimates a quantile with a t-digest. It is NaN for a group
// without values.
type quantileAcc struct {
	q  float64
	td *tdigest.TDigest
}

func (a *quantileAcc) add(v any) error {
	if v == nil {
		return nil
	}
	f, ok := core.Float64Value(v)
	if !ok {
		return fmt.Errorf("quantile of non numeric value %v", v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	if err := a.td.AddWeighted(f, 1); err != nil {
		return fmt.Errorf("tdigest AddWeighted failed: %w", err)
	}
	return nil
}

func (a *quantileAcc) result() any {
	if a.td.Count() == 0 {
		return math.NaN()
	}
	return a.td.Quantile(a.q)
}
