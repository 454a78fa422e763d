package core

import (
	"time"
)

// Params are the request scoped filtering parameters every query is bound to.
type Params struct {
	Start          time.Time
	End            time.Time
	ProjectIDs     []uint64
	Environments   []string
	OrganizationID uint64
}

// Organization identifies the tenant on whose behalf issue ids are resolved.
type Organization struct {
	ID   uint64
	Slug string
}

// Filter is the structured, mutable representation of a single logical query.
// It is built by a parser, enriched by field resolution and rewritten into
// physical names by alias resolution before being executed once.
type Filter struct {
	Start           time.Time
	End             time.Time
	Rollup          int // Bucket width in seconds; zero disables zerofilling.
	Conditions      []Clause
	Having          []Clause
	Aggregations    []Aggregation
	SelectedColumns []Expr
	GroupBy         []string
	OrderBy         []string
	FilterKeys      map[string][]uint64

	// ConditionAggregates lists the public aggregate expressions referenced by
	// the query's having-clauses, e.g. "count_unique(user)".
	ConditionAggregates []string
}

// Clone returns a deep copy of the filter.
func (f *Filter) Clone() *Filter {
	out := &Filter{
		Start:               f.Start,
		End:                 f.End,
		Rollup:              f.Rollup,
		Conditions:          CloneClauses(f.Conditions),
		Having:              CloneClauses(f.Having),
		Aggregations:        append([]Aggregation(nil), f.Aggregations...),
		GroupBy:             append([]string(nil), f.GroupBy...),
		OrderBy:             append([]string(nil), f.OrderBy...),
		ConditionAggregates: append([]string(nil), f.ConditionAggregates...),
	}
	if f.SelectedColumns != nil {
		out.SelectedColumns = make([]Expr, len(f.SelectedColumns))
		for i, e := range f.SelectedColumns {
			out.SelectedColumns[i] = CloneExpr(e)
		}
	}
	if f.FilterKeys != nil {
		out.FilterKeys = make(map[string][]uint64, len(f.FilterKeys))
		for k, v := range f.FilterKeys {
			out.FilterKeys[k] = append([]uint64(nil), v...)
		}
	}
	return out
}

// LimitBy caps the number of rows returned per distinct value of Column.
type LimitBy struct {
	Count  int
	Column string
}

// RawQuery is a structured analytical query in physical schema terms.
type RawQuery struct {
	Dataset         string
	Start           time.Time
	End             time.Time
	GroupBy         []string
	Conditions      []Clause
	Aggregations    []Aggregation
	SelectedColumns []Expr
	FilterKeys      map[string][]uint64
	Having          []Clause
	OrderBy         []string
	Limit           int
	Offset          int
	LimitBy         *LimitBy
	Rollup          int     // Seconds; when set the backend fills the "time" column.
	Sample          float64 // Sampling rate in (0, 1]; zero means unsampled.
	Turbo           bool
	Referrer        string
}

// ColumnMeta describes one column of a result set.
type ColumnMeta struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// RawResult is the tabular response of the backend.
type RawResult struct {
	Data []Row        `json:"data"`
	Meta []ColumnMeta `json:"meta"`
}
