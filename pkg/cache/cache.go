package cache

import (
	"time"

	"golang.org/x/exp/maps"
)

type Element[T any] struct {
	validUntil time.Time
	data       T
	onExpire   func(d T)
}

// NewElement creates element that can be stored in the cache.
//
// A zero validUntil means the element never expires.
func NewElement[T any](data T, validUntil time.Time, onExpire func(d T)) *Element[T] {
	if onExpire == nil {
		onExpire = func(d T) {
			// NO-OP as default
		}
	}
	return &Element[T]{data: data, validUntil: validUntil, onExpire: onExpire}
}

func (e *Element[T]) IsExpired(now time.Time) bool {
	if e.validUntil.IsZero() {
		return false
	}
	return now.After(e.validUntil)
}

func (e *Element[T]) Data() T {
	return e.data
}

func (e *Element[T]) ValidUntil() time.Time {
	return e.validUntil
}

// Cache is an expiring map owned by a single flow of control.
//
// The time is always supplied by the caller so the owner decides which clock drives expirations.
type Cache[K comparable, V any] struct {
	data map[K]*Element[V]
}

func NewCache[K comparable, V any]() *Cache[K, V] {
	return &Cache[K, V]{
		data: make(map[K]*Element[V]),
	}
}

// LoadOrStore loads or creates a new element for key.
//
// If an unexpired element for the key exists then this element (oldE) is returned
// and the loaded value is set to true. Thus a pair of (oldE, true) is returned.
// Otherwise e is stored in the cache and the returned pair is (e, false).
func (c *Cache[K, V]) LoadOrStore(key K, e *Element[V], now time.Time) (actual *Element[V], loaded bool) {
	if old, ok := c.data[key]; ok && !old.IsExpired(now) {
		return old, true
	}
	c.data[key] = e
	return e, false
}

// Store sets the element for key, an existing element is replaced without invoking its onExpire.
func (c *Cache[K, V]) Store(key K, e *Element[V]) {
	c.data[key] = e
}

// Load loads unexpired element with given key from cache.
//
// Returns nil if the element is not found or it is expired.
func (c *Cache[K, V]) Load(key K, now time.Time) *Element[V] {
	e, ok := c.data[key]
	if !ok || e.IsExpired(now) {
		return nil
	}
	return e
}

// Delete removes the element for given key from the cache.
func (c *Cache[K, V]) Delete(key K) (deleted bool) {
	_, deleted = c.data[key]
	delete(c.data, key)
	return deleted
}

func (c *Cache[K, V]) Len() int {
	return len(c.data)
}

// CheckExpirations iterates over all elements in the cache, checks each for expiration,
// deletes expired elements from cache and invokes onExpire function on the element.
func (c *Cache[K, V]) CheckExpirations(now time.Time) {
	for k, e := range maps.Clone(c.data) {
		if e.IsExpired(now) {
			delete(c.data, k)
			e.onExpire(e.data)
		}
	}
}

// PullOutAll removes all elements from the cache and returns them in a map.
func (c *Cache[K, V]) PullOutAll() map[K]V {
	res := make(map[K]V, len(c.data))
	for key, value := range c.data {
		res[key] = value.Data()
	}
	maps.Clear(c.data)
	return res
}
