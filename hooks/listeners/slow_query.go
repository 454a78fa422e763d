package listeners

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/INLOpen/discover/hooks"
)

// SlowQueryRule sets the latency above which backend queries of a referrer
// are reported. An empty Referrer matches every referrer without a rule of
// its own.
type SlowQueryRule struct {
	Referrer  string
	Threshold time.Duration
}

// SlowQueryListener logs backend queries that took longer than the
// threshold configured for their referrer.
type SlowQueryListener struct {
	logger     *slog.Logger
	thresholds map[string]time.Duration // map[referrer]threshold
}

// NewSlowQueryListener creates a new listener for detecting slow backend queries.
func NewSlowQueryListener(logger *slog.Logger, rules []SlowQueryRule) *SlowQueryListener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	thresholds := make(map[string]time.Duration, len(rules))
	for _, rule := range rules {
		thresholds[rule.Referrer] = rule.Threshold
	}

	return &SlowQueryListener{
		logger:     logger.With("component", "SlowQueryListener"),
		thresholds: thresholds,
	}
}

func (l *SlowQueryListener) threshold(referrer string) (time.Duration, bool) {
	if t, ok := l.thresholds[referrer]; ok {
		return t, true
	}
	t, ok := l.thresholds[""]
	return t, ok
}

// OnEvent handles PostQuery events.
func (l *SlowQueryListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	if event.Type() != hooks.EventPostQuery {
		return nil
	}

	payload, ok := event.Payload().(hooks.PostQueryPayload)
	if !ok {
		l.logger.Error("Received PostQuery event with incorrect payload type", "payload_type", fmt.Sprintf("%T", event.Payload()))
		return nil
	}

	referrer := ""
	dataset := ""
	if payload.Query != nil {
		referrer = payload.Query.Referrer
		dataset = payload.Query.Dataset
	}
	threshold, ok := l.threshold(referrer)
	if !ok || payload.Duration <= threshold {
		return nil
	}

	l.logger.Warn("Slow backend query",
		"referrer", referrer,
		"dataset", dataset,
		"duration_ms", payload.Duration.Milliseconds(),
		"threshold_ms", threshold.Milliseconds(),
		"rows", payload.RowCount,
	)
	return nil
}

// Priority defines the execution order.
func (l *SlowQueryListener) Priority() int { return 100 }

// IsAsync reports false; the check is a map lookup.
func (l *SlowQueryListener) IsAsync() bool { return false }
