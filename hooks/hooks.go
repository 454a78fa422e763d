package hooks

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/INLOpen/discover/core"
)

// EventType defines the type of a hook event.
type EventType string

const (
	// Backend query lifecycle
	EventPreQuery  EventType = "PreQuery"
	EventPostQuery EventType = "PostQuery"

	// Result shaping diagnostics
	EventOnKeyMismatch  EventType = "OnKeyMismatch"
	EventOnFacetSampled EventType = "OnFacetSampled"

	// Issue id cache
	EventOnCacheHit      EventType = "OnCacheHit"
	EventOnCacheMiss     EventType = "OnCacheMiss"
	EventOnCacheEviction EventType = "OnCacheEviction"
)

// HookManager defines the interface for managing and triggering hooks.
type HookManager interface {
	// Register adds a listener for a specific event type.
	Register(eventType EventType, listener HookListener)
	// Trigger fires all registered listeners for a given event.
	// Pre-hooks run synchronously and their first error cancels the operation.
	Trigger(ctx context.Context, event HookEvent) error
	// Stop waits for all asynchronous listeners to complete.
	Stop()
}

// HookEvent is the interface that all event objects must implement.
type HookEvent interface {
	Type() EventType
	Payload() interface{}
}

// BaseEvent provides a base implementation for HookEvent.
type BaseEvent struct {
	eventType EventType
	payload   interface{}
}

func (e *BaseEvent) Type() EventType      { return e.eventType }
func (e *BaseEvent) Payload() interface{} { return e.payload }

// HookListener defines the interface for components that want to listen to events.
type HookListener interface {
	// OnEvent is called by the HookManager when a registered event is triggered.
	// Returning an error from a "Pre" hook cancels the backend query.
	// Errors from other hooks are logged without affecting the operation.
	OnEvent(ctx context.Context, event HookEvent) error

	// Priority returns the listener's priority. Lower numbers are executed first.
	Priority() int

	// IsAsync indicates if the listener should be called asynchronously for non Pre events.
	IsAsync() bool
}

// PreQueryPayload carries the backend query about to be issued. Listeners
// may rewrite it in place.
type PreQueryPayload struct {
	Query *core.RawQuery
}

// NewPreQueryEvent creates an event for before a backend query is executed.
func NewPreQueryEvent(payload PreQueryPayload) HookEvent {
	return &BaseEvent{eventType: EventPreQuery, payload: payload}
}

// PostQueryPayload describes a finished backend query.
type PostQueryPayload struct {
	Query    *core.RawQuery
	Duration time.Duration
	RowCount int
	Error    error
}

// NewPostQueryEvent creates an event for after a backend query has executed.
func NewPostQueryEvent(payload PostQueryPayload) HookEvent {
	return &BaseEvent{eventType: EventPostQuery, payload: payload}
}

// KeyMismatchPayload reports a top-events row whose group key matched none of the top events.
type KeyMismatchPayload struct {
	ResultKey    string
	TopEventKeys []string
	Referrer     string
}

// NewOnKeyMismatchEvent creates a key mismatch diagnostic event.
func NewOnKeyMismatchEvent(payload KeyMismatchPayload) HookEvent {
	return &BaseEvent{eventType: EventOnKeyMismatch, payload: payload}
}

// FacetSampledPayload reports that a facet request switched to sampling.
type FacetSampledPayload struct {
	SampleRate float64
	TopCount   int64
	Referrer   string
}

// NewOnFacetSampledEvent creates a facet sampling event.
func NewOnFacetSampledEvent(payload FacetSampledPayload) HookEvent {
	return &BaseEvent{eventType: EventOnFacetSampled, payload: payload}
}

// CachePayload identifies the cache entry involved in a cache event.
type CachePayload struct {
	Key string
}

func NewOnCacheHitEvent(payload CachePayload) HookEvent {
	return &BaseEvent{eventType: EventOnCacheHit, payload: payload}
}

func NewOnCacheMissEvent(payload CachePayload) HookEvent {
	return &BaseEvent{eventType: EventOnCacheMiss, payload: payload}
}

func NewOnCacheEvictionEvent(payload CachePayload) HookEvent {
	return &BaseEvent{eventType: EventOnCacheEviction, payload: payload}
}

type listenerWithPriority struct {
	listener HookListener
	priority int
}

// DefaultHookManager is a concrete implementation of HookManager.
type DefaultHookManager struct {
	// Listener slices are kept sorted by priority.
	listeners map[EventType][]*listenerWithPriority
	mu        sync.RWMutex
	wg        sync.WaitGroup
	logger    *slog.Logger
}

// NewHookManager creates a new DefaultHookManager.
func NewHookManager(logger *slog.Logger) HookManager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &DefaultHookManager{
		listeners: make(map[EventType][]*listenerWithPriority),
		logger:    logger,
	}
}

// Register adds a listener for a specific event type, maintaining priority order.
// Listeners with equal priority run in registration order.
func (m *DefaultHookManager) Register(eventType EventType, listener HookListener) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item := &listenerWithPriority{listener: listener, priority: listener.Priority()}
	l := m.listeners[eventType]
	idx := sort.Search(len(l), func(i int) bool {
		return l[i].priority > item.priority
	})
	l = append(l, nil)
	copy(l[idx+1:], l[idx:])
	l[idx] = item
	m.listeners[eventType] = l
}

// Trigger fires all registered listeners for a given event in priority order.
func (m *DefaultHookManager) Trigger(ctx context.Context, event HookEvent) error {
	m.mu.RLock()
	listeners := m.listeners[event.Type()]
	m.mu.RUnlock()

	if len(listeners) == 0 {
		return nil
	}

	isPreHook := strings.HasPrefix(string(event.Type()), "Pre")
	for _, item := range listeners {
		if isPreHook || !item.listener.IsAsync() {
			if isPreHook && item.listener.IsAsync() {
				m.logger.Warn("Listener for Pre-hook requested async execution, but Pre-hooks are always synchronous.", "event", event.Type(), "priority", item.priority)
			}
			if err := item.listener.OnEvent(ctx, event); err != nil {
				if isPreHook {
					return fmt.Errorf("pre-hook for event %s (priority %d) failed: %w", event.Type(), item.priority, err)
				}
				m.logger.Error("Error from synchronous hook listener", "event", event.Type(), "priority", item.priority, "error", err)
			}
			continue
		}

		m.wg.Add(1)
		go func(current *listenerWithPriority) {
			defer m.wg.Done()
			// The caller's context may be cancelled as soon as it returns.
			if err := current.listener.OnEvent(context.WithoutCancel(ctx), event); err != nil {
				m.logger.Error("Error from asynchronous hook listener", "event", event.Type(), "priority", current.priority, "error", err)
			}
		}(item)
	}
	return nil
}

// Stop waits for all asynchronous listeners to complete.
func (m *DefaultHookManager) Stop() {
	m.wg.Wait()
}
