package listeners

import (
	"context"
	"expvar"
	"io"
	"log/slog"
	"sync"

	"github.com/INLOpen/discover/hooks"
)

var (
	// expvar names are global; the vars are created once so that
	// NewQueryStatsListener can be called any number of times.
	queryStatsOnce      sync.Once
	rowsReturnedTotal   *expvar.Int
	queriesObserved     *expvar.Int
	queriesByReferrer   *expvar.Map
	queryErrorsReferrer *expvar.Map
)

func initQueryStats() {
	queryStatsOnce.Do(func() {
		rowsReturnedTotal = expvar.NewInt("discover_backend_rows_total")
		queriesObserved = expvar.NewInt("discover_backend_queries_observed_total")
		queriesByReferrer = expvar.NewMap("discover_backend_queries_by_referrer")
		queryErrorsReferrer = expvar.NewMap("discover_backend_query_errors_by_referrer")
		// Average rows per backend query, computed on scrape.
		expvar.Publish("discover_backend_rows_per_query", expvar.Func(func() interface{} {
			queries := queriesObserved.Value()
			if queries == 0 {
				return 0.0
			}
			return float64(rowsReturnedTotal.Value()) / float64(queries)
		}))
	})
}

// QueryStatsListener exposes per referrer backend query statistics.
type QueryStatsListener struct {
	logger *slog.Logger

	rowsReturned *expvar.Int
	queries      *expvar.Int
	byReferrer   *expvar.Map
	errors       *expvar.Map
}

// NewQueryStatsListener creates a new listener.
func NewQueryStatsListener(logger *slog.Logger) *QueryStatsListener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	initQueryStats()
	return &QueryStatsListener{
		logger:       logger.With("component", "QueryStatsListener"),
		rowsReturned: rowsReturnedTotal,
		queries:      queriesObserved,
		byReferrer:   queriesByReferrer,
		errors:       queryErrorsReferrer,
	}
}

// OnEvent is called when a PostQuery event is triggered.
func (l *QueryStatsListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	payload, ok := event.Payload().(hooks.PostQueryPayload)
	if !ok {
		return nil
	}

	referrer := "unknown"
	if payload.Query != nil && payload.Query.Referrer != "" {
		referrer = payload.Query.Referrer
	}

	l.queries.Add(1)
	l.rowsReturned.Add(int64(payload.RowCount))
	l.byReferrer.Add(referrer, 1)
	if payload.Error != nil {
		l.errors.Add(referrer, 1)
	}

	l.logger.Debug("Backend query observed",
		"referrer", referrer,
		"rows", payload.RowCount,
		"duration_ms", payload.Duration.Milliseconds(),
		"failed", payload.Error != nil,
	)
	return nil
}

// Priority defines the execution order. Lower numbers run first.
func (l *QueryStatsListener) Priority() int {
	return 200
}

// IsAsync indicates this listener can run in the background.
func (l *QueryStatsListener) IsAsync() bool {
	return true
}
