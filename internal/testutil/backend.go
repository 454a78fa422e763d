// Package testutil holds test doubles shared across packages.
package testutil

import (
	"context"
	"sync"

	"github.com/INLOpen/discover/core"
)

// RecordingBackend is a fake backend that records every query it receives.
// It answers with Handler when set, otherwise with Responses in order, and
// with an empty result once they run out.
type RecordingBackend struct {
	mu        sync.Mutex
	queries   []core.RawQuery
	Responses []*core.RawResult
	Handler   func(q *core.RawQuery) (*core.RawResult, error)
	Err       error
}

// NewRecordingBackend returns a backend answering with responses in order.
func NewRecordingBackend(responses ...*core.RawResult) *RecordingBackend {
	return &RecordingBackend{Responses: responses}
}

// RawQuery records q and returns the next canned response.
func (b *RecordingBackend) RawQuery(ctx context.Context, q *core.RawQuery) (*core.RawResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	n := len(b.queries)
	b.queries = append(b.queries, *q)
	handler := b.Handler
	b.mu.Unlock()

	if handler != nil {
		return handler(q)
	}
	if b.Err != nil {
		return nil, b.Err
	}
	if n < len(b.Responses) {
		return b.Responses[n], nil
	}
	return &core.RawResult{}, nil
}

// Calls returns the number of queries received.
func (b *RecordingBackend) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queries)
}

// Query returns a copy of the i-th query received.
func (b *RecordingBackend) Query(i int) core.RawQuery {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queries[i]
}

// Result builds a backend result from rows; meta lists name/type pairs.
func Result(meta []core.ColumnMeta, rows ...core.Row) *core.RawResult {
	return &core.RawResult{Data: rows, Meta: meta}
}

// Meta builds column metadata from name/type pairs.
func Meta(nameTypes ...string) []core.ColumnMeta {
	out := make([]core.ColumnMeta, 0, len(nameTypes)/2)
	for i := 0; i+1 < len(nameTypes); i += 2 {
		out = append(out, core.ColumnMeta{Name: nameTypes[i], Type: nameTypes[i+1]})
	}
	return out
}
