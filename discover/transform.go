package discover

import (
	"math"

	"github.com/INLOpen/discover/core"
	"github.com/INLOpen/discover/search"
)

// EventsResult is the public, renamed and typed form of a backend result.
type EventsResult struct {
	Data []core.Row        `json:"data"`
	Meta []core.ColumnMeta `json:"meta"`
}

// TransformResults renames physical columns back to the public names in
// translated, replaces NaN values with 0, zerofills when filter has a rollup
// and derives each column's public type. functions maps result aliases to
// the functions that produced them and may be nil.
func TransformResults(result *core.RawResult, functions map[string]*search.FunctionDetails, translated map[string]string, filter *core.Filter) *EventsResult {
	meta := make([]core.ColumnMeta, len(result.Meta))
	for i, m := range result.Meta {
		meta[i] = core.ColumnMeta{Name: translatedName(translated, m.Name), Type: m.Type}
	}
	data := transformData(result.Data, translated, filter)
	return &EventsResult{Data: data, Meta: transformMeta(meta, data, functions)}
}

func translatedName(translated map[string]string, name string) string {
	if public, ok := translated[name]; ok {
		return public
	}
	return name
}

// transformData renames the columns of every row, coerces NaN to zero and
// zerofills rollup results.
func transformData(rows []core.Row, translated map[string]string, filter *core.Filter) []core.Row {
	out := make([]core.Row, len(rows))
	for i, row := range rows {
		renamed := core.Row{
			Columns: make([]string, row.Len()),
			Values:  make([]any, row.Len()),
		}
		for j, col := range row.Columns {
			renamed.Columns[j] = translatedName(translated, col)
			renamed.Values[j] = zeroNaN(row.Values[j])
		}
		out[i] = renamed
	}
	if filter != nil && filter.Rollup > 0 {
		out = Zerofill(out, filter.Start, filter.End, filter.Rollup, filter.OrderBy)
	}
	return out
}

func zeroNaN(v any) any {
	switch f := v.(type) {
	case float64:
		if math.IsNaN(f) {
			return int64(0)
		}
	case float32:
		if math.IsNaN(float64(f)) {
			return int64(0)
		}
	}
	return v
}

// transformMeta assigns public types. Columns present in the data but not
// in the backend's meta are reported as strings.
func transformMeta(meta []core.ColumnMeta, data []core.Row, functions map[string]*search.FunctionDetails) []core.ColumnMeta {
	out := make([]core.ColumnMeta, 0, len(meta))
	seen := make(map[string]struct{}, len(meta))
	for _, m := range meta {
		out = append(out, core.ColumnMeta{Name: m.Name, Type: search.JSONMetaType(m.Name, m.Type, functions[m.Name])})
		seen[m.Name] = struct{}{}
	}
	if len(data) == 0 {
		return out
	}
	for _, col := range data[0].Columns {
		if _, ok := seen[col]; !ok {
			out = append(out, core.ColumnMeta{Name: col, Type: "string"})
			seen[col] = struct{}{}
		}
	}
	return out
}
