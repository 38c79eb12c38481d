// Package cache 提供固定容量、按最早写入时间淘汰的内存缓存。
package cache

import (
	"container/list"
	"sync"
	"time"
)

type entry[K comparable, V any] struct {
	key       K
	value     V
	updatedAt time.Time
}

// Bounded 是并发安全的定容缓存：写入已存在的键会刷新其时间戳，
// 容量满时淘汰时间戳最早的条目；ttl>0 时过期条目在读取时视为不存在。
type Bounded[K comparable, V any] struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	order    *list.List
	items    map[K]*list.Element
	now      func() time.Time
}

// Option 调整缓存行为。
type Option func(*options)

type options struct {
	ttl time.Duration
	now func() time.Time
}

// WithTTL 设置条目有效期。
func WithTTL(ttl time.Duration) Option {
	return func(o *options) { o.ttl = ttl }
}

// WithClock 注入时钟，测试使用。
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// NewBounded 创建容量为 capacity 的缓存，capacity<=0 时按 1 处理。
func NewBounded[K comparable, V any](capacity int, opts ...Option) *Bounded[K, V] {
	if capacity <= 0 {
		capacity = 1
	}
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &Bounded[K, V]{
		capacity: capacity,
		ttl:      o.ttl,
		order:    list.New(),
		items:    make(map[K]*list.Element, capacity),
		now:      o.now,
	}
}

// Get 返回键对应的值；不存在或已过期时返回 false。
func (c *Bounded[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(key)
}

func (c *Bounded[K, V]) getLocked(key K) (V, bool) {
	var zero V
	el, ok := c.items[key]
	if !ok {
		return zero, false
	}
	e := el.Value.(*entry[K, V])
	if c.ttl > 0 && c.now().Sub(e.updatedAt) > c.ttl {
		c.order.Remove(el)
		delete(c.items, key)
		return zero, false
	}
	return e.value, true
}

// Set 写入或刷新条目。
func (c *Bounded[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(key, value)
}

func (c *Bounded[K, V]) setLocked(key K, value V) {
	now := c.now()
	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry[K, V])
		e.value = value
		e.updatedAt = now
		c.order.MoveToBack(el)
		return
	}

	for c.order.Len() >= c.capacity {
		oldest := c.order.Front()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*entry[K, V]).key)
	}

	c.items[key] = c.order.PushBack(&entry[K, V]{key: key, value: value, updatedAt: now})
}

// Update 在锁内基于旧值计算新值并写入，旧值不存在时 ok=false。
func (c *Bounded[K, V]) Update(key K, fn func(old V, ok bool) V) V {
	c.mu.Lock()
	defer c.mu.Unlock()

	old, ok := c.getLocked(key)
	next := fn(old, ok)
	c.setLocked(key, next)
	return next
}

// Delete 删除条目。
func (c *Bounded[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.order.Remove(el)
		delete(c.items, key)
	}
}

// Values 按写入时间从旧到新返回未过期的值。
func (c *Bounded[K, V]) Values() []V {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]V, 0, c.order.Len())
	now := c.now()
	for el := c.order.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry[K, V])
		if c.ttl > 0 && now.Sub(e.updatedAt) > c.ttl {
			continue
		}
		out = append(out, e.value)
	}
	return out
}

// Len 返回当前条目数（含尚未清理的过期条目）。
func (c *Bounded[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
