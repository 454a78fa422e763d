package discover

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/INLOpen/discover/core"
	"github.com/INLOpen/discover/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const storeEvents = `
{"event_id":"a1","project_id":1,"group_id":10,"timestamp":"2024-03-01T00:10:00Z","transaction_name":"/api","duration":120,"tags":{"browser":"chrome","os":"linux"}}
{"event_id":"a2","project_id":1,"group_id":10,"timestamp":"2024-03-01T00:20:00Z","transaction_name":"/api","duration":80,"tags":{"browser":"firefox"}}
{"event_id":"a3","project_id":2,"group_id":11,"timestamp":"2024-03-01T01:05:00Z","transaction_name":"/home","duration":300,"tags":{"browser":"chrome"}}
`

func newStoreEngine(t *testing.T) *Engine {
	t.Helper()
	store := memstore.New(memstore.Options{Dataset: DefaultDataset})
	_, err := store.Load(strings.NewReader(storeEvents))
	require.NoError(t, err)
	engine, err := NewEngine(Options{Backend: store})
	require.NoError(t, err)
	return engine
}

var storeParams = core.Params{
	Start:      time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	End:        time.Date(2024, 3, 1, 3, 0, 0, 0, time.UTC),
	ProjectIDs: []uint64{1, 2},
}

func TestMemstore_Timeseries(t *testing.T) {
	engine := newStoreEngine(t)
	result, err := engine.TimeseriesQuery(context.Background(), TimeseriesRequest{
		SelectedColumns: []string{"count()"},
		Params:          storeParams,
		Rollup:          3600,
	})
	require.NoError(t, err)

	start := storeParams.Start.Unix()
	require.Len(t, result.Data, 4)
	assert.Equal(t, core.NewRow("time", start, "count", int64(2)), result.Data[0])
	assert.Equal(t, core.NewRow("time", start+3600, "count", int64(1)), result.Data[1])
	assert.Equal(t, core.NewRow("time", start+7200), result.Data[2])
	assert.Equal(t, core.NewRow("time", start+10800), result.Data[3])
}

func TestMemstore_Histogram(t *testing.T) {
	engine := newStoreEngine(t)
	result, err := engine.HistogramQuery(context.Background(), HistogramRequest{
		Fields:     []string{"transaction.duration"},
		Params:     storeParams,
		NumBuckets: 10,
	})
	require.NoError(t, err)

	bins := result["transaction.duration"]
	require.Len(t, bins, 10)
	assert.Equal(t, HistogramBin{Bin: 75, Count: 1}, bins[0])
	assert.Equal(t, HistogramBin{Bin: 100, Count: 1}, bins[1])
	assert.Equal(t, HistogramBin{Bin: 125, Count: 0}, bins[2])
	assert.Equal(t, HistogramBin{Bin: 300, Count: 1}, bins[9])
}

func TestMemstore_Facets(t *testing.T) {
	engine := newStoreEngine(t)
	result, err := engine.GetFacets(context.Background(), FacetsRequest{Params: storeParams})
	require.NoError(t, err)

	counts := make(map[string]int64)
	for _, r := range result {
		counts[r.Key+"="+facetString(r.Value)] = r.Count
	}
	assert.Equal(t, int64(2), counts["browser=chrome"])
	assert.Equal(t, int64(1), counts["browser=firefox"])
	assert.Equal(t, int64(1), counts["os=linux"])
	assert.Equal(t, int64(2), counts["project=1"])
	assert.Equal(t, int64(1), counts["project=2"])
}

func TestMemstore_TopEvents(t *testing.T) {
	engine := newStoreEngine(t)
	result, err := engine.TopEventsTimeseries(context.Background(), TopEventsRequest{
		TimeseriesColumns: []string{"count()"},
		SelectedColumns:   []string{"transaction", "count()"},
		OrderBy:           []string{"-count"},
		Params:            storeParams,
		Rollup:            3600,
		Limit:             5,
	})
	require.NoError(t, err)
	require.Nil(t, result.Empty)
	require.Len(t, result.Groups, 2)

	api := result.Groups["/api"]
	require.NotNil(t, api)
	assert.Equal(t, 0, api.Order)
	assert.Equal(t, int64(2), api.Data[0].Value("count"))

	home := result.Groups["/home"]
	require.NotNil(t, home)
	assert.Equal(t, 1, home.Order)
	assert.Equal(t, int64(1), home.Data[1].Value("count"))
}
