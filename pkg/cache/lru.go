// Package cache provides a generic, thread-safe LRU cache with hit/miss
// statistics and optional Prometheus metrics. The grammar parser memoizes
// parsed definitions in it and the filter compiler caches compiled
// regular expressions.
package cache

import (
	"container/list"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/attrstream/errors"
	"github.com/c360/attrstream/metric"
)

// EvictCallback is called outside the cache lock when an entry is evicted
type EvictCallback[V any] func(key string, value V)

// Option configures an LRU
type Option[V any] func(*LRU[V])

// WithMetrics exports hit, miss and eviction counters under the given
// component label. A nil registry disables metrics.
func WithMetrics[V any](registry *metric.MetricsRegistry, component string) Option[V] {
	return func(c *LRU[V]) {
		c.metricsReg = registry
		c.component = component
	}
}

// WithEvictionCallback sets a callback invoked for each evicted entry
func WithEvictionCallback[V any](fn EvictCallback[V]) Option[V] {
	return func(c *LRU[V]) {
		c.evictFn = fn
	}
}

type entry[V any] struct {
	key   string
	value V
}

// LRU evicts the least recently used entry once maxSize is exceeded
type LRU[V any] struct {
	mu      sync.Mutex
	maxSize int
	items   map[string]*list.Element
	order   *list.List
	evictFn EvictCallback[V]

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64

	metricsReg *metric.MetricsRegistry
	component  string
	metrics    *cacheMetrics
}

// NewLRU creates an LRU holding at most maxSize entries
func NewLRU[V any](maxSize int, opts ...Option[V]) (*LRU[V], error) {
	if maxSize <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "NewLRU", "validate max size")
	}

	c := &LRU[V]{
		maxSize: maxSize,
		items:   make(map[string]*list.Element),
		order:   list.New(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.metricsReg != nil && c.component != "" {
		m, err := newCacheMetrics(c.metricsReg, c.component)
		if err != nil {
			return nil, errors.WrapTransient(err, "cache", "NewLRU", "metrics registration")
		}
		c.metrics = m
	}
	return c, nil
}

// Get returns the cached value and marks it most recently used
func (c *LRU[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	element, ok := c.items[key]
	var value V
	if ok {
		c.order.MoveToFront(element)
		value = element.Value.(*entry[V]).value
	}
	c.mu.Unlock()

	if !ok {
		c.misses.Add(1)
		c.metrics.miss()
		var zero V
		return zero, false
	}

	c.hits.Add(1)
	c.metrics.hit()
	return value, true
}

// Set stores value under key. It returns true when a new entry was created.
func (c *LRU[V]) Set(key string, value V) (bool, error) {
	if key == "" {
		return false, errors.WrapInvalid(errors.ErrInvalidData, "cache", "Set", "validate key")
	}

	c.mu.Lock()
	if element, ok := c.items[key]; ok {
		element.Value.(*entry[V]).value = value
		c.order.MoveToFront(element)
		c.mu.Unlock()
		return false, nil
	}

	c.items[key] = c.order.PushFront(&entry[V]{key: key, value: value})

	var evicted []*entry[V]
	for len(c.items) > c.maxSize {
		oldest := c.order.Back()
		e := oldest.Value.(*entry[V])
		c.order.Remove(oldest)
		delete(c.items, e.key)
		evicted = append(evicted, e)
	}
	size := len(c.items)
	c.mu.Unlock()

	c.metrics.size(size)
	for _, e := range evicted {
		c.evictions.Add(1)
		c.metrics.evict()
		if c.evictFn != nil {
			c.evictFn(e.key, e.value)
		}
	}
	return true, nil
}

// Delete removes key and reports whether it was present
func (c *LRU[V]) Delete(key string) bool {
	c.mu.Lock()
	element, ok := c.items[key]
	if ok {
		c.order.Remove(element)
		delete(c.items, key)
	}
	size := len(c.items)
	c.mu.Unlock()

	if ok {
		c.metrics.size(size)
	}
	return ok
}

// Len returns the number of entries
func (c *LRU[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Keys returns keys from most to least recently used
func (c *LRU[V]) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, len(c.items))
	for element := c.order.Front(); element != nil; element = element.Next() {
		keys = append(keys, element.Value.(*entry[V]).key)
	}
	return keys
}

// Stats is a point-in-time view of cache counters
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Size      int   `json:"size"`
}

// HitRatio returns hits over lookups, 0 before the first lookup
func (s Stats) HitRatio() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Stats returns the current counters
func (c *LRU[V]) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Size:      c.Len(),
	}
}

type cacheMetrics struct {
	hits      prometheus.Counter
	misses    prometheus.Counter
	evictions prometheus.Counter
	entries   prometheus.Gauge
}

func newCacheMetrics(registry *metric.MetricsRegistry, component string) (*cacheMetrics, error) {
	labels := prometheus.Labels{"component": component}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "attrstream", Subsystem: "cache", Name: name, Help: help, ConstLabels: labels,
		})
	}

	m := &cacheMetrics{
		hits:      counter("hits_total", "Total number of cache hits"),
		misses:    counter("misses_total", "Total number of cache misses"),
		evictions: counter("evictions_total", "Total number of cache evictions"),
		entries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "attrstream", Subsystem: "cache", Name: "size",
			Help: "Current number of entries in cache", ConstLabels: labels,
		}),
	}

	if err := registry.RegisterCounter(component, "cache_hits", m.hits); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(component, "cache_misses", m.misses); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(component, "cache_evictions", m.evictions); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge(component, "cache_size", m.entries); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *cacheMetrics) hit() {
	if m != nil {
		m.hits.Inc()
	}
}

func (m *cacheMetrics) miss() {
	if m != nil {
		m.misses.Inc()
	}
}

func (m *cacheMetrics) evict() {
	if m != nil {
		m.evictions.Inc()
	}
}

func (m *cacheMetrics) size(n int) {
	if m != nil {
		m.entries.Set(float64(n))
	}
}
