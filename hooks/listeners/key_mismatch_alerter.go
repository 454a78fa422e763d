package listeners

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/INLOpen/discover/hooks"
)

// KeyMismatchAlerterListener logs a warning when a top-events timeseries
// row matches none of the top events, and counts mismatches per referrer.
// A steady stream of mismatches usually means the top-events query and the
// timeseries query disagree on how a group-by column is rendered.
type KeyMismatchAlerterListener struct {
	logger *slog.Logger

	mu     sync.Mutex
	counts map[string]int64
}

// NewKeyMismatchAlerterListener creates a new listener for key mismatches.
func NewKeyMismatchAlerterListener(logger *slog.Logger) *KeyMismatchAlerterListener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &KeyMismatchAlerterListener{
		logger: logger.With("component", "KeyMismatchAlerterListener"),
		counts: make(map[string]int64),
	}
}

// OnEvent handles the OnKeyMismatch event.
func (l *KeyMismatchAlerterListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	if event.Type() != hooks.EventOnKeyMismatch {
		return nil
	}

	payload, ok := event.Payload().(hooks.KeyMismatchPayload)
	if !ok {
		l.logger.Error("Received OnKeyMismatch event with incorrect payload type", "payload_type", fmt.Sprintf("%T", event.Payload()))
		return nil
	}

	l.mu.Lock()
	l.counts[payload.Referrer]++
	total := l.counts[payload.Referrer]
	l.mu.Unlock()

	l.logger.Warn("Top events key mismatch",
		"referrer", payload.Referrer,
		"result_key", payload.ResultKey,
		"top_event_keys", payload.TopEventKeys,
		"mismatches", total,
	)
	return nil
}

// Mismatches returns the number of mismatches seen for referrer.
func (l *KeyMismatchAlerterListener) Mismatches(referrer string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[referrer]
}

// Priority defines the execution order.
func (l *KeyMismatchAlerterListener) Priority() int { return 100 }

// IsAsync indicates this listener can run in the background.
func (l *KeyMismatchAlerterListener) IsAsync() bool { return true }
