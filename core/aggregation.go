package core

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Aggregation defines a single aggregate in the backend's terms, like
// quantile(0.75) over duration aliased as p75.
type Aggregation struct {
	Function string
	Column   string // Empty for argument-less functions such as count.
	Alias    string
}

// Key returns the output column name of the aggregation.
func (a Aggregation) Key() string {
	if a.Alias != "" {
		return a.Alias
	}
	if a.Column == "" {
		return a.Function
	}
	return fmt.Sprintf("%s_%s", a.Function, a.Column)
}

// ParseQuantile extracts q from a function named "quantile(q)".
func (a Aggregation) ParseQuantile() (float64, bool) {
	if !strings.HasPrefix(a.Function, "quantile(") || !strings.HasSuffix(a.Function, ")") {
		return 0, false
	}
	var q float64
	if _, err := fmt.Sscanf(a.Function[len("quantile("):len(a.Function)-1], "%g", &q); err != nil {
		return 0, false
	}
	return q, true
}

// MarshalJSON encodes the aggregation as [function, column|null, alias].
func (a Aggregation) MarshalJSON() ([]byte, error) {
	var column any
	if a.Column != "" {
		column = a.Column
	}
	return json.Marshal([]any{a.Function, column, a.Alias})
}

// HasAggregation reports whether alias is the output of one of aggs.
func HasAggregation(aggs []Aggregation, alias string) bool {
	for _, a := range aggs {
		if a.Alias == alias {
			return true
		}
	}
	return false
}
