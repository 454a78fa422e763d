// Package memstore is an in-memory event store that executes RawQuery
// requests the way the analytical backend does. It backs the CLI when no
// backend URL is configured and is used by end to end tests.
package memstore

import (
	"context"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/INLOpen/discover/backend"
	"github.com/INLOpen/discover/core"
	"github.com/INLOpen/skiplist"
	"github.com/RoaringBitmap/roaring/roaring64"
)

// ctxCheckInterval is how many events are scanned between context checks.
const ctxCheckInterval = 1024

// Options configure a Store.
type Options struct {
	// Dataset is the only dataset the store answers for. Empty accepts any.
	Dataset string
	Logger  *slog.Logger
}

// eventKey orders events by timestamp, then by insertion.
type eventKey struct {
	ts  int64
	seq uint64
}

func compareEventKeys(a, b *eventKey) int {
	switch {
	case a.ts < b.ts:
		return -1
	case a.ts > b.ts:
		return 1
	case a.seq < b.seq:
		return -1
	case a.seq > b.seq:
		return 1
	}
	return 0
}

// Store keeps events in a skiplist ordered by timestamp.
type Store struct {
	mu      sync.RWMutex
	index   *skiplist.SkipList[*eventKey, *Event]
	seq     uint64
	dataset string
	logger  *slog.Logger
}

var _ backend.Querier = (*Store)(nil)

// New creates an empty store.
func New(opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Store{
		index:   skiplist.NewWithComparator[*eventKey, *Event](compareEventKeys),
		dataset: opts.Dataset,
		logger:  logger.With("component", "MemStore"),
	}
}

// Insert adds events to the store.
func (s *Store) Insert(events ...*Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range events {
		s.seq++
		s.index.Insert(&eventKey{ts: ev.Timestamp.UnixNano(), seq: s.seq}, ev)
	}
}

// Load decodes events from r (see DecodeEvents) and inserts them.
func (s *Store) Load(r io.Reader) (int, error) {
	events, err := DecodeEvents(r)
	if err != nil {
		return 0, err
	}
	s.Insert(events...)
	s.logger.Info("Events loaded", "count", len(events), "total", s.Len())
	return len(events), nil
}

// Len returns the number of stored events.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index.Len()
}

// RawQuery implements backend.Querier. Turbo is accepted and ignored;
// sampling keeps a deterministic subset of events chosen by event id.
func (s *Store) RawQuery(ctx context.Context, q *core.RawQuery) (*core.RawResult, error) {
	if s.dataset != "" && q.Dataset != "" && q.Dataset != s.dataset {
		return nil, fmt.Errorf("unknown dataset %q", q.Dataset)
	}
	nested, err := nestedJoin(q)
	if err != nil {
		return nil, err
	}
	eval := newEvaluator(q)
	filterKeys := newFilterKeys(q.FilterKeys)

	var rows []row
	err = s.scan(ctx, q.Start, q.End, func(ev *Event) error {
		if !sampled(ev, q.Sample) {
			return nil
		}
		for _, r := range expand(ev, nested) {
			lookup := eval.rowLookup(r)
			ok, err := filterKeys.match(lookup)
			if err != nil || !ok {
				return err
			}
			ok, err = matchAll(eval, q.Conditions, lookup, r)
			if err != nil {
				return err
			}
			if ok {
				rows = append(rows, r)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var results []resultRow
	if len(q.Aggregations) > 0 || len(q.GroupBy) > 0 {
		results, err = aggregate(eval, q, rows)
	} else {
		results, err = project(eval, q, rows)
	}
	if err != nil {
		return nil, err
	}

	if len(q.Having) > 0 {
		kept := results[:0]
		for _, res := range results {
			ok, err := matchAll(eval, q.Having, res.lookup, row{})
			if err != nil {
				return nil, err
			}
			if ok {
				kept = append(kept, res)
			}
		}
		results = kept
	}

	if err := order(results, q.OrderBy); err != nil {
		return nil, err
	}
	if q.LimitBy != nil {
		results, err = limitBy(results, q.LimitBy)
		if err != nil {
			return nil, err
		}
	}
	results = page(results, q.Offset, q.Limit)

	out := &core.RawResult{Data: make([]core.Row, len(results))}
	for i, res := range results {
		out.Data[i] = res.row
	}
	out.Meta = inferMeta(q, out.Data)
	return out, nil
}

// scan calls fn for every event with start <= timestamp < end. Zero bounds
// are open.
func (s *Store) scan(ctx context.Context, start, end time.Time, fn func(*Event) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	iter := s.index.NewIterator()
	var ok bool
	if start.IsZero() {
		ok = iter.First()
	} else {
		ok = iter.Seek(&eventKey{ts: start.UnixNano()})
	}
	for n := 0; ok; ok = iter.Next() {
		if !end.IsZero() && iter.Key().ts >= end.UnixNano() {
			break
		}
		if n++; n%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if err := fn(iter.Value()); err != nil {
			return err
		}
	}
	return ctx.Err()
}

// nestedJoin returns the nested column a query array joins, if any. A query
// joins a nested column when it references its key or value column.
func nestedJoin(q *core.RawQuery) (string, error) {
	seen := make(map[string]struct{})
	note := func(name string) {
		if n := nestedOf(name); n != "" {
			seen[n] = struct{}{}
		}
	}
	var walkExpr func(core.Expr)
	walkExpr = func(e core.Expr) {
		switch x := e.(type) {
		case core.Column:
			note(x.Name)
		case core.Call:
			for _, a := range x.Args {
				walkExpr(a)
			}
		}
	}
	var walkClause func(core.Clause)
	walkClause = func(c core.Clause) {
		switch x := c.(type) {
		case core.Condition:
			walkExpr(x.LHS)
		case core.And:
			for _, child := range x.Clauses {
				walkClause(child)
			}
		case core.Or:
			for _, child := range x.Clauses {
				walkClause(child)
			}
		}
	}

	for _, e := range q.SelectedColumns {
		walkExpr(e)
	}
	for _, c := range q.Conditions {
		walkClause(c)
	}
	for _, a := range q.Aggregations {
		note(a.Column)
	}
	for _, g := range q.GroupBy {
		note(g)
	}
	for _, o := range q.OrderBy {
		note(strings.TrimPrefix(o, "-"))
	}

	switch len(seen) {
	case 0:
		return "", nil
	case 1:
		for n := range seen {
			return n, nil
		}
	}
	return "", fmt.Errorf("cannot array join tags and measurements in one query")
}

// expand returns the rows of ev: one per element of the joined nested
// column, or ev itself without a join.
func expand(ev *Event, nested string) []row {
	var pairs []pair
	switch nested {
	case "":
		return []row{{ev: ev}}
	case nestedTags:
		pairs = ev.tagPairs()
	case nestedMeasurements:
		pairs = ev.measurementPairs()
	}
	out := make([]row, len(pairs))
	for i, p := range pairs {
		out[i] = row{ev: ev, nested: nested, elem: p}
	}
	return out
}

// sampled keeps roughly rate of all events, always the same ones.
func sampled(ev *Event, rate float64) bool {
	if rate <= 0 || rate >= 1 {
		return true
	}
	h := fnv.New64a()
	if ev.ID != "" {
		h.Write([]byte(ev.ID))
	} else {
		fmt.Fprintf(h, "%d", ev.Timestamp.UnixNano())
	}
	return float64(h.Sum64()%10000) < rate*10000
}

// filterKeys restrict id columns to sets of ids.
type filterKeys map[string]*roaring64.Bitmap

func newFilterKeys(keys map[string][]uint64) filterKeys {
	out := make(filterKeys, len(keys))
	for column, ids := range keys {
		out[column] = roaring64.BitmapOf(ids...)
	}
	return out
}

func (f filterKeys) match(lookup lookupFunc) (bool, error) {
	for column, ids := range f {
		v, err := lookup(column)
		if err != nil {
			return false, err
		}
		id, ok := core.Int64Value(v)
		if !ok || id < 0 || !ids.Contains(uint64(id)) {
			return false, nil
		}
	}
	return true, nil
}

func matchAll(eval *evaluator, clauses []core.Clause, lookup lookupFunc, r row) (bool, error) {
	for _, c := range clauses {
		ok, err := eval.match(c, lookup, r)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// resultRow is an output row with a lookup used by having, order by and
// limit by. The lookup also sees columns that were not selected.
type resultRow struct {
	row    core.Row
	lookup lookupFunc
}

func outputLookup(r core.Row, fallback lookupFunc) lookupFunc {
	return func(name string) (any, error) {
		if v, ok := r.Get(name); ok {
			return v, nil
		}
		if fallback != nil {
			return fallback(name)
		}
		return nil, fmt.Errorf("unknown column %q", name)
	}
}

// project returns the selected columns of every row.
func project(eval *evaluator, q *core.RawQuery, rows []row) ([]resultRow, error) {
	selected := q.SelectedColumns
	if len(selected) == 0 {
		selected = []core.Expr{core.Col("event_id"), core.Col("project_id"), core.Col("timestamp")}
	}
	out := make([]resultRow, 0, len(rows))
	for _, r := range rows {
		lookup := eval.rowLookup(r)
		res := core.Row{}
		for _, expr := range selected {
			v, err := eval.eval(expr, lookup, r)
			if err != nil {
				return nil, err
			}
			res.Set(core.OutputName(expr), v)
		}
		out = append(out, resultRow{row: res, lookup: outputLookup(res, lookup)})
	}
	return out, nil
}

type group struct {
	keys []any
	accs []accumulator
	// Selected columns that are not grouped on take the first row's value.
	extra []any
}

// aggregate groups rows by the group-by columns and folds the aggregations.
// Output columns are the group-by columns, then the aggregations, then any
// selected column not already present. Without group-by an empty input
// still yields one row.
func aggregate(eval *evaluator, q *core.RawQuery, rows []row) ([]resultRow, error) {
	var extras []core.Expr
	for _, expr := range q.SelectedColumns {
		name := core.OutputName(expr)
		if !containsString(q.GroupBy, name) && !core.HasAggregation(q.Aggregations, name) {
			extras = append(extras, expr)
		}
	}

	newGroup := func(keys []any) (*group, error) {
		g := &group{keys: keys, accs: make([]accumulator, len(q.Aggregations))}
		for i, agg := range q.Aggregations {
			acc, err := newAccumulator(agg)
			if err != nil {
				return nil, err
			}
			g.accs[i] = acc
		}
		return g, nil
	}

	groups := make(map[string]*group)
	var ordered []*group
	for _, r := range rows {
		lookup := eval.rowLookup(r)
		keys := make([]any, len(q.GroupBy))
		var sig strings.Builder
		for i, name := range q.GroupBy {
			v, err := lookup(name)
			if err != nil {
				return nil, err
			}
			keys[i] = v
			fmt.Fprintf(&sig, "%T:%v\x00", v, v)
		}
		g, ok := groups[sig.String()]
		if !ok {
			var err error
			if g, err = newGroup(keys); err != nil {
				return nil, err
			}
			for _, expr := range extras {
				v, err := eval.eval(expr, lookup, r)
				if err != nil {
					return nil, err
				}
				g.extra = append(g.extra, v)
			}
			groups[sig.String()] = g
			ordered = append(ordered, g)
		}
		for i, agg := range q.Aggregations {
			var v any
			if agg.Column != "" {
				var err error
				if v, err = lookup(agg.Column); err != nil {
					return nil, err
				}
			}
			if err := g.accs[i].add(v); err != nil {
				return nil, fmt.Errorf("aggregate %s: %w", agg.Key(), err)
			}
		}
	}

	if len(ordered) == 0 && len(q.GroupBy) == 0 {
		g, err := newGroup(nil)
		if err != nil {
			return nil, err
		}
		g.extra = make([]any, len(extras))
		ordered = append(ordered, g)
	}

	out := make([]resultRow, 0, len(ordered))
	for _, g := range ordered {
		res := core.Row{}
		for i, name := range q.GroupBy {
			res.Set(name, g.keys[i])
		}
		for i, agg := range q.Aggregations {
			res.Set(agg.Key(), g.accs[i].result())
		}
		for i, expr := range extras {
			res.Set(core.OutputName(expr), g.extra[i])
		}
		out = append(out, resultRow{row: res, lookup: outputLookup(res, nil)})
	}
	return out, nil
}

// order sorts results by the order-by entries; a leading "-" sorts
// descending. Nulls sort last either way.
func order(results []resultRow, orderBy []string) error {
	if len(orderBy) == 0 || len(results) < 2 {
		return nil
	}
	type sortKey struct {
		values []any
	}
	keys := make([]sortKey, len(results))
	for i, res := range results {
		keys[i].values = make([]any, len(orderBy))
		for j, entry := range orderBy {
			v, err := res.lookup(strings.TrimPrefix(entry, "-"))
			if err != nil {
				return err
			}
			keys[i].values[j] = v
		}
	}

	idx := make([]int, len(results))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		ka, kb := keys[idx[a]].values, keys[idx[b]].values
		for j, entry := range orderBy {
			va, vb := ka[j], kb[j]
			switch {
			case va == nil && vb == nil:
				continue
			case va == nil:
				return false
			case vb == nil:
				return true
			}
			cmp, ok := compareValues(va, vb)
			if !ok {
				cmp = strings.Compare(fmt.Sprint(va), fmt.Sprint(vb))
			}
			if cmp == 0 {
				continue
			}
			if strings.HasPrefix(entry, "-") {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})

	sorted := make([]resultRow, len(results))
	for i, j := range idx {
		sorted[i] = results[j]
	}
	copy(results, sorted)
	return nil
}

// limitBy keeps the first by.Count rows per distinct value of by.Column.
func limitBy(results []resultRow, by *core.LimitBy) ([]resultRow, error) {
	counts := make(map[string]int)
	kept := results[:0]
	for _, res := range results {
		v, err := res.lookup(by.Column)
		if err != nil {
			return nil, err
		}
		key := fmt.Sprintf("%T:%v", v, v)
		if counts[key] >= by.Count {
			continue
		}
		counts[key]++
		kept = append(kept, res)
	}
	return kept, nil
}

func page(results []resultRow, offset, limit int) []resultRow {
	if offset > 0 {
		if offset >= len(results) {
			return nil
		}
		results = results[offset:]
	}
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}

// inferMeta reports a backend type per output column from the first
// non-null value.
func inferMeta(q *core.RawQuery, data []core.Row) []core.ColumnMeta {
	if len(data) == 0 {
		return nil
	}
	counters := make(map[string]bool)
	for _, agg := range q.Aggregations {
		if agg.Function == "count" || agg.Function == "uniq" {
			counters[agg.Key()] = true
		}
	}

	meta := make([]core.ColumnMeta, 0, len(data[0].Columns))
	for i, name := range data[0].Columns {
		var sample any
		for _, r := range data {
			if i < len(r.Values) && r.Values[i] != nil {
				sample = r.Values[i]
				break
			}
		}
		meta = append(meta, core.ColumnMeta{Name: name, Type: backendType(name, sample, counters[name])})
	}
	return meta
}

func backendType(name string, v any, counter bool) string {
	if counter {
		return "UInt64"
	}
	if name == "timestamp" {
		return "DateTime"
	}
	switch v.(type) {
	case nil:
		return "Nullable(String)"
	case int64:
		return "Int64"
	case float64:
		return "Float64"
	case []any:
		return "Array(String)"
	}
	return "String"
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
