package cache

import "expvar"

// Interface defines the public API for a keyed cache.
type Interface[K comparable, V any] interface {
	Put(key K, value V)
	Get(key K) (value V, ok bool)
	Remove(key K) bool
	Clear()
	GetHitRate() float64
	SetMetrics(hits, misses *expvar.Int)
	Len() int
}
