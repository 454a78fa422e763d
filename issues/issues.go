// Package issues maps numeric issue ids to their public short ids.
package issues

import (
	"context"
	"expvar"
	"fmt"
	"io"
	"log/slog"

	"github.com/INLOpen/discover/cache"
	"github.com/INLOpen/discover/core"
	"github.com/INLOpen/discover/hooks"
)

// Resolver looks up short ids for issue ids. Ids it does not know are
// absent from the returned map.
type Resolver interface {
	IssuesMapping(ctx context.Context, issueIDs, projectIDs []uint64, org core.Organization) (map[uint64]string, error)
}

// StaticResolver serves a fixed id to short id table.
type StaticResolver map[uint64]string

var _ Resolver = StaticResolver(nil)

// IssuesMapping implements Resolver.
func (s StaticResolver) IssuesMapping(_ context.Context, issueIDs, _ []uint64, _ core.Organization) (map[uint64]string, error) {
	out := make(map[uint64]string, len(issueIDs))
	for _, id := range issueIDs {
		if short, ok := s[id]; ok {
			out[id] = short
		}
	}
	return out, nil
}

// CachedResolverOptions configure a CachedResolver.
type CachedResolverOptions struct {
	Size        int
	HookManager hooks.HookManager
	Logger      *slog.Logger
	// Hits and Misses are optional expvar counters for the cache.
	Hits   *expvar.Int
	Misses *expvar.Int
}

// CachedResolver memoizes the short ids returned by another Resolver. Entries
// are scoped by organization; ids the wrapped resolver does not know are
// looked up again on the next call.
type CachedResolver struct {
	next   Resolver
	cache  *cache.LRUCache[string, string]
	hooks  hooks.HookManager
	logger *slog.Logger
}

var _ Resolver = (*CachedResolver)(nil)

// NewCachedResolver wraps next with an LRU cache of opts.Size entries.
func NewCachedResolver(next Resolver, opts CachedResolverOptions) *CachedResolver {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	r := &CachedResolver{
		next:   next,
		hooks:  opts.HookManager,
		logger: logger.With("component", "IssueResolver"),
	}
	var evicted func(key, _ string)
	if r.hooks != nil {
		evicted = func(key, _ string) {
			// The cache lock is held here; listeners must not call back into the resolver.
			_ = r.hooks.Trigger(context.Background(), hooks.NewOnCacheEvictionEvent(hooks.CachePayload{Key: key}))
		}
	}
	r.cache = cache.NewLRUCache(opts.Size, cache.Options[string, string]{OnEvicted: evicted})
	if opts.Hits != nil || opts.Misses != nil {
		r.cache.SetMetrics(opts.Hits, opts.Misses)
	}
	return r
}

// IssuesMapping implements Resolver.
func (r *CachedResolver) IssuesMapping(ctx context.Context, issueIDs, projectIDs []uint64, org core.Organization) (map[uint64]string, error) {
	out := make(map[uint64]string, len(issueIDs))
	var missing []uint64
	for _, id := range issueIDs {
		key := cacheKey(org, id)
		if short, ok := r.cache.Get(key); ok {
			out[id] = short
			r.trigger(ctx, hooks.NewOnCacheHitEvent(hooks.CachePayload{Key: key}))
			continue
		}
		missing = append(missing, id)
		r.trigger(ctx, hooks.NewOnCacheMissEvent(hooks.CachePayload{Key: key}))
	}
	if len(missing) == 0 {
		return out, nil
	}

	fetched, err := r.next.IssuesMapping(ctx, missing, projectIDs, org)
	if err != nil {
		return nil, fmt.Errorf("resolve %d issue ids: %w", len(missing), err)
	}
	for id, short := range fetched {
		r.cache.Put(cacheKey(org, id), short)
		out[id] = short
	}
	r.logger.Debug("Resolved issue ids", "requested", len(issueIDs), "fetched", len(fetched), "org", org.ID)
	return out, nil
}

func (r *CachedResolver) trigger(ctx context.Context, event hooks.HookEvent) {
	if r.hooks == nil {
		return
	}
	if err := r.hooks.Trigger(ctx, event); err != nil {
		r.logger.Warn("Cache hook failed", "event", event.Type(), "error", err)
	}
}

func cacheKey(org core.Organization, id uint64) string {
	return fmt.Sprintf("%d:%d", org.ID, id)
}
