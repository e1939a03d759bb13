// Package cache - advisory TTL caches in front of the persistence layer
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// Cache key-value store with TTL
//
// A cache is advisory. The persistence layer remains the source of truth.
type Cache[V any] interface {
	/*
		Get fetch an entry

			@param ctx context.Context - execution context
			@param key string - entry key
			@returns the entry, and whether it was found
	*/
	Get(ctx context.Context, key string) (V, bool)

	/*
		Put store an entry, replacing any existing entry

			@param ctx context.Context - execution context
			@param key string - entry key
			@param value V - entry value
	*/
	Put(ctx context.Context, key string, value V)

	/*
		Forget evict an entry

			@param ctx context.Context - execution context
			@param key string - entry key
	*/
	Forget(ctx context.Context, key string)

	// Len number of live entries
	Len() int
}

// LRUCache Cache backed by an expirable LRU
type LRUCache[V any] struct {
	goutils.Component
	core *lru.LRU[string, V]
}

/*
NewLRUCache define a new expirable LRU cache

	@param name string - cache name, used for logging
	@param size int - max number of entries
	@param ttl time.Duration - entry time-to-live
	@returns new cache
*/
func NewLRUCache[V any](name string, size int, ttl time.Duration) (*LRUCache[V], error) {
	if size <= 0 {
		return nil, fmt.Errorf("cache '%s' size must be positive: %d", name, size)
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("cache '%s' TTL must be positive: %s", name, ttl)
	}

	logTags := log.Fields{"module": "cache", "component": "lru-cache", "instance": name}

	instance := &LRUCache[V]{
		Component: goutils.Component{
			LogTags: logTags,
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
	}
	instance.core = lru.NewLRU[string, V](size, instance.onEvict, ttl)

	return instance, nil
}

func (c *LRUCache[V]) onEvict(key string, _ V) {
	log.WithFields(c.LogTags).WithField("key", key).Debug("Cache entry evicted")
}

// Get fetch an entry
func (c *LRUCache[V]) Get(_ context.Context, key string) (V, bool) {
	return c.core.Get(key)
}

// Put store an entry, replacing any existing entry
func (c *LRUCache[V]) Put(_ context.Context, key string, value V) {
	c.core.Add(key, value)
}

// Forget evict an entry
func (c *LRUCache[V]) Forget(_ context.Context, key string) {
	c.core.Remove(key)
}

// Len number of live entries
func (c *LRUCache[V]) Len() int {
	return c.core.Len()
}
