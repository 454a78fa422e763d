// Package backend executes structured analytical queries against the event
// store. The HTTP client speaks the legacy JSON query body; any other
// implementation of Querier can be plugged into the discover engine.
package backend

import (
	"context"

	"github.com/INLOpen/discover/core"
)

// Querier executes a single RawQuery. Errors are returned to the caller as
// they are; the engine never retries.
type Querier interface {
	RawQuery(ctx context.Context, q *core.RawQuery) (*core.RawResult, error)
}

// QuerierFunc adapts a function to the Querier interface.
type QuerierFunc func(ctx context.Context, q *core.RawQuery) (*core.RawResult, error)

// RawQuery implements Querier.
func (f QuerierFunc) RawQuery(ctx context.Context, q *core.RawQuery) (*core.RawResult, error) {
	return f(ctx, q)
}
