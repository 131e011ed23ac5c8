// Package cache 按请求指纹缓存上游响应，带过期时间
package cache

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/xiaopang/keypulse/internal/timewindow"
)

const defaultTTL = 20 * time.Minute

// Options 缓存配置
type Options struct {
	TTL           time.Duration // Put 的 ttl <= 0 时使用的默认有效期
	MaxEntries    int           // 0 表示不限
	ConsumeOnRead bool          // 命中后删除条目
	Clock         timewindow.Clock
}

type item[V any] struct {
	value     V
	model     string
	expiresAt time.Time
	seq       uint64
}

// Entry 缓存条目的只读副本
type Entry[V any] struct {
	Fingerprint string
	Value       V
	Model       string
	ExpiresAt   time.Time
}

// Stats 某一时刻的缓存占用
type Stats struct {
	Total   int            `json:"total"`
	Valid   int            `json:"valid"`
	Expired int            `json:"expired"`
	ByModel map[string]int `json:"by_model"`
}

// Counters 创建以来累计的命中、未命中与淘汰次数
type Counters struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
}

// Cache TTL 响应缓存。
// 容量检查+淘汰+插入、过期检查+消费等多步操作都在同一把锁内完成
type Cache[V any] struct {
	mu    sync.RWMutex
	items map[string]*item[V]
	seq   uint64

	ttl           time.Duration
	maxEntries    int
	consumeOnRead bool
	clock         timewindow.Clock

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

// New 创建空缓存
func New[V any](opts Options) *Cache[V] {
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	if opts.Clock == nil {
		opts.Clock = timewindow.SystemClock{}
	}
	return &Cache[V]{
		items:         make(map[string]*item[V]),
		ttl:           opts.TTL,
		maxEntries:    opts.MaxEntries,
		consumeOnRead: opts.ConsumeOnRead,
		clock:         opts.Clock,
	}
}

// TTL 默认有效期
func (c *Cache[V]) TTL() time.Duration { return c.ttl }

// MaxEntries 容量上限（0 表示不限）
func (c *Cache[V]) MaxEntries() int { return c.maxEntries }

// ConsumeOnRead 命中是否删除条目
func (c *Cache[V]) ConsumeOnRead() bool { return c.consumeOnRead }

// Put 以 now+ttl 为过期时间写入，覆盖同指纹的旧条目。
// 新指纹会超出容量时，先删除过期条目，再删除最接近过期的条目。
func (c *Cache[V]) Put(fingerprint string, value V, model string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	if existing, ok := c.items[fingerprint]; ok {
		existing.value = value
		existing.model = model
		existing.expiresAt = now.Add(ttl)
		existing.seq = c.seq
		return
	}

	if c.maxEntries > 0 && len(c.items) >= c.maxEntries {
		c.removeExpiredLocked(now)
		for len(c.items) >= c.maxEntries {
			c.evictSoonestLocked()
		}
	}

	c.items[fingerprint] = &item[V]{
		value:     value,
		model:     model,
		expiresAt: now.Add(ttl),
		seq:       c.seq,
	}
}

// evictSoonestLocked 删除最早过期的条目，同时过期时删除最先插入的
func (c *Cache[V]) evictSoonestLocked() {
	var (
		victim string
		best   *item[V]
	)
	for fp, it := range c.items {
		if best == nil ||
			it.expiresAt.Before(best.expiresAt) ||
			(it.expiresAt.Equal(best.expiresAt) && it.seq < best.seq) {
			victim, best = fp, it
		}
	}
	if best == nil {
		return
	}
	delete(c.items, victim)
	c.evictions.Add(1)
}

func (c *Cache[V]) removeExpiredLocked(now time.Time) int {
	removed := 0
	for fp, it := range c.items {
		if !now.Before(it.expiresAt) {
			delete(c.items, fp)
			removed++
		}
	}
	return removed
}

// Get 返回未过期的条目。
// 过期条目按未命中处理，留给 CleanExpired 清理。
func (c *Cache[V]) Get(fingerprint string) (Entry[V], bool) {
	if c.consumeOnRead {
		return c.take(fingerprint)
	}
	now := c.clock.Now()

	c.mu.RLock()
	it, ok := c.items[fingerprint]
	var out Entry[V]
	if ok && now.Before(it.expiresAt) {
		out = Entry[V]{Fingerprint: fingerprint, Value: it.value, Model: it.model, ExpiresAt: it.expiresAt}
	} else {
		ok = false
	}
	c.mu.RUnlock()

	c.count(ok)
	return out, ok
}

// take 读后删除：检查与删除在同一写锁内，一次命中只会被一个调用方拿到
func (c *Cache[V]) take(fingerprint string) (Entry[V], bool) {
	now := c.clock.Now()

	c.mu.Lock()
	it, ok := c.items[fingerprint]
	var out Entry[V]
	if ok && now.Before(it.expiresAt) {
		out = Entry[V]{Fingerprint: fingerprint, Value: it.value, Model: it.model, ExpiresAt: it.expiresAt}
		delete(c.items, fingerprint)
	} else {
		ok = false
	}
	c.mu.Unlock()

	c.count(ok)
	return out, ok
}

func (c *Cache[V]) count(hit bool) {
	if hit {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
}

// CleanExpired 删除 expiry <= now 的条目，返回删除数量
func (c *Cache[V]) CleanExpired(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removeExpiredLocked(now)
}

// Stats 统计总数、有效数及各模型有效数，不修改缓存
func (c *Cache[V]) Stats(now time.Time) Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st := Stats{Total: len(c.items), ByModel: make(map[string]int)}
	for _, it := range c.items {
		if !now.Before(it.expiresAt) {
			continue
		}
		st.Valid++
		if it.model != "" {
			st.ByModel[it.model]++
		}
	}
	st.Expired = st.Total - st.Valid
	return st
}

// Len 条目数（含已过期）
func (c *Cache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Counters 累计命中、未命中、淘汰次数
func (c *Cache[V]) Counters() Counters {
	return Counters{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}
}
