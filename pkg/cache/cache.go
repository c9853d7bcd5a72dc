package cache

import (
	"sync"
	"time"
)

// TTLCache 带过期时间的内存缓存（并发安全）。
// 过期项在读取时惰性清除，不起后台清理 goroutine：
// 本项目的键空间很小（按方向/周期缓存），惰性清除足够。
type TTLCache[K comparable, V any] struct {
	mu         sync.RWMutex
	items      map[K]item[V]
	defaultTTL time.Duration
}

type item[V any] struct {
	value     V
	expiresAt time.Time
}

// New 创建缓存；defaultTTL <= 0 表示默认永不过期
func New[K comparable, V any](defaultTTL time.Duration) *TTLCache[K, V] {
	return &TTLCache[K, V]{
		items:      make(map[K]item[V]),
		defaultTTL: defaultTTL,
	}
}

// Get 读取缓存值（过期视为不存在）
func (c *TTLCache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	it, ok := c.items[key]
	c.mu.RUnlock()

	if !ok {
		var zero V
		return zero, false
	}
	if !it.expiresAt.IsZero() && time.Now().After(it.expiresAt) {
		c.mu.Lock()
		delete(c.items, key)
		c.mu.Unlock()
		var zero V
		return zero, false
	}
	return it.value, true
}

// Set 写入缓存值（使用默认 TTL）
func (c *TTLCache[K, V]) Set(key K, value V) {
	c.SetWithTTL(key, value, c.defaultTTL)
}

// SetWithTTL 写入缓存值并指定 TTL；ttl <= 0 表示永不过期
func (c *TTLCache[K, V]) SetWithTTL(key K, value V, ttl time.Duration) {
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}
	c.mu.Lock()
	c.items[key] = item[V]{value: value, expiresAt: expiresAt}
	c.mu.Unlock()
}

// Delete 删除缓存项
func (c *TTLCache[K, V]) Delete(key K) {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
}

// Len 当前缓存项数量（含未被惰性清除的过期项）
func (c *TTLCache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}
