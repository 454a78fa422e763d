package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
)

// Row is a single result record. Columns and Values are parallel and keep the
// order the backend produced them in.
type Row struct {
	Columns []string
	Values  []any
}

// NewRow builds a row from alternating column names and values.
func NewRow(kv ...any) Row {
	if len(kv)%2 != 0 {
		panic("core.NewRow: odd number of arguments")
	}
	r := Row{
		Columns: make([]string, 0, len(kv)/2),
		Values:  make([]any, 0, len(kv)/2),
	}
	for i := 0; i < len(kv); i += 2 {
		r.Set(kv[i].(string), kv[i+1])
	}
	return r
}

// Len returns the number of columns in the row.
func (r Row) Len() int { return len(r.Columns) }

// Get returns the value of column name.
func (r Row) Get(name string) (any, bool) {
	for i, c := range r.Columns {
		if c == name {
			return r.Values[i], true
		}
	}
	return nil, false
}

// Value returns the value of column name, or nil when the column is absent.
func (r Row) Value(name string) any {
	v, _ := r.Get(name)
	return v
}

// Has reports whether the row carries column name.
func (r Row) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Set replaces the value of an existing column or appends a new one.
func (r *Row) Set(name string, value any) {
	for i, c := range r.Columns {
		if c == name {
			r.Values[i] = value
			return
		}
	}
	r.Columns = append(r.Columns, name)
	r.Values = append(r.Values, value)
}

// Clone returns a copy of the row that shares no slices with r.
func (r Row) Clone() Row {
	return Row{
		Columns: append([]string(nil), r.Columns...),
		Values:  append([]any(nil), r.Values...),
	}
}

// MarshalJSON encodes the row as a JSON object preserving column order.
func (r Row) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, c := range r.Columns {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(c)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		v := r.Values[i]
		if f, ok := v.(float64); ok && (math.IsNaN(f) || math.IsInf(f, 0)) {
			v = nil
		}
		val, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to encode column %q: %w", c, err)
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object keeping key order. Numbers become int64
// when integral and float64 otherwise.
func (r *Row) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("row must be a JSON object, got %v", tok)
	}
	r.Columns = r.Columns[:0]
	r.Values = r.Values[:0]
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("unexpected row key %v", tok)
		}
		var raw any
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("failed to decode column %q: %w", key, err)
		}
		r.Columns = append(r.Columns, key)
		r.Values = append(r.Values, NormalizeValue(raw))
	}
	_, err = dec.Token()
	return err
}

// NormalizeValue converts decoded JSON numbers into int64 or float64, recursing into lists.
func NormalizeValue(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = NormalizeValue(e)
		}
		return out
	}
	return v
}

// Int64Value converts numeric values to int64, truncating floats.
func Int64Value(v any) (int64, bool) {
	switch x := v.(type) {
	case int:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case uint32:
		return int64(x), true
	case uint64:
		return int64(x), true
	case float32:
		return int64(x), true
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return 0, false
		}
		return int64(x), true
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i, true
		}
		if f, err := x.Float64(); err == nil {
			return int64(f), true
		}
	}
	return 0, false
}

// Float64Value converts numeric values to float64.
func Float64Value(v any) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	case float32:
		return float64(x), true
	case float64:
		return x, true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	}
	return 0, false
}
