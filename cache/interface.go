package cache

import "expvar"

// Interface defines the public API of a reference-counted cache.
type Interface[K comparable, V any] interface {
	Get(key K) (*Handle[K, V], bool)
	Insert(key K, value V) *Handle[K, V]
	Remove(key K) bool
	RemoveFunc(pred func(key K) bool) int
	Clear()
	GetHitRate() float64
	SetMetrics(hits, misses *expvar.Int)
	Len() int
}

var _ Interface[string, int] = (*Cache[string, int])(nil)
