package discover

import (
	"expvar"
	"fmt"
)

// latencyBuckets defines the buckets for latency histograms (in seconds).
var latencyBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0}

// Metrics holds all expvar variables for an Engine instance.
type Metrics struct {
	PublishedGlobally bool // Indicates if the metrics are published to the global expvar namespace.

	// Backend queries, counted once per RawQuery call.
	BackendQueriesTotal       *expvar.Int
	BackendQueryErrorsTotal   *expvar.Int
	BackendRowsReturnedTotal  *expvar.Int
	BackendQueryLatencyHist   *expvar.Map
	BackendQueriesVetoedTotal *expvar.Int

	// OperationsTotal counts calls per public operation: query, timeseries,
	// top_events, facets, histogram.
	OperationsTotal      *expvar.Map
	InvalidQueriesTotal  *expvar.Int
	KeyMismatchesTotal   *expvar.Int
	SampledFacetsTotal   *expvar.Int
	EmptyHistogramsTotal *expvar.Int

	ActiveQueries *expvar.Int
}

// NewMetrics creates the engine metrics. When publishGlobally is set the
// variables are registered in the expvar namespace under prefix.
func NewMetrics(publishGlobally bool, prefix string) *Metrics {
	var newIntFunc func(string) *expvar.Int
	var newMapFunc func(string) *expvar.Map

	if publishGlobally {
		newIntFunc = publishExpvarInt
		newMapFunc = publishExpvarMap
	} else {
		newIntFunc = func(_ string) *expvar.Int { return new(expvar.Int) }
		newMapFunc = func(_ string) *expvar.Map {
			m := new(expvar.Map)
			m.Init()
			return m
		}
	}

	m := &Metrics{
		PublishedGlobally: publishGlobally,

		BackendQueriesTotal:       newIntFunc(prefix + "backend_queries_total"),
		BackendQueryErrorsTotal:   newIntFunc(prefix + "backend_query_errors_total"),
		BackendRowsReturnedTotal:  newIntFunc(prefix + "backend_rows_returned_total"),
		BackendQueryLatencyHist:   newMapFunc(prefix + "backend_query_latency_seconds"),
		BackendQueriesVetoedTotal: newIntFunc(prefix + "backend_queries_vetoed_total"),

		OperationsTotal:      newMapFunc(prefix + "operations_total"),
		InvalidQueriesTotal:  newIntFunc(prefix + "invalid_queries_total"),
		KeyMismatchesTotal:   newIntFunc(prefix + "top_events_key_mismatches_total"),
		SampledFacetsTotal:   newIntFunc(prefix + "facets_sampled_total"),
		EmptyHistogramsTotal: newIntFunc(prefix + "histograms_empty_total"),

		ActiveQueries: newIntFunc(prefix + "active_queries"),
	}

	hist := m.BackendQueryLatencyHist
	hist.Set("count", new(expvar.Int))
	hist.Set("sum", new(expvar.Float))
	for _, b := range latencyBuckets {
		hist.Set(fmt.Sprintf("le_%.3f", b), new(expvar.Int))
	}
	hist.Set("le_inf", new(expvar.Int))
	return m
}

// observeLatency records the duration in the provided histogram map.
func observeLatency(histMap *expvar.Map, durationSeconds float64) {
	if histMap == nil {
		return
	}
	if countInt, ok := histMap.Get("count").(*expvar.Int); ok {
		countInt.Add(1)
	}
	if sumFloat, ok := histMap.Get("sum").(*expvar.Float); ok {
		sumFloat.Add(durationSeconds)
	}

	// Cumulative: an observation counts in every bucket it fits.
	for _, b := range latencyBuckets {
		if durationSeconds > b {
			continue
		}
		if bucketInt, ok := histMap.Get(fmt.Sprintf("le_%.3f", b)).(*expvar.Int); ok {
			bucketInt.Add(1)
		}
	}
	if infInt, ok := histMap.Get("le_inf").(*expvar.Int); ok {
		infInt.Add(1)
	}
}

// publishExpvarInt publishes an expvar.Int, resetting an existing one of the
// same name. It panics when the name is taken by a different type.
func publishExpvarInt(name string) *expvar.Int {
	v := expvar.Get(name)
	if v == nil {
		return expvar.NewInt(name)
	}
	if iv, ok := v.(*expvar.Int); ok {
		iv.Set(0)
		return iv
	}
	panic(fmt.Sprintf("expvar: trying to publish Int %s but variable already exists with different type %T", name, v))
}

// publishExpvarMap publishes an expvar.Map or returns the existing one.
// NewMetrics resets the histogram keys itself.
func publishExpvarMap(name string) *expvar.Map {
	v := expvar.Get(name)
	if v == nil {
		return expvar.NewMap(name)
	}
	if mv, ok := v.(*expvar.Map); ok {
		return mv
	}
	panic(fmt.Sprintf("expvar: trying to publish Map %s but variable already exists with different type %T", name, v))
}
