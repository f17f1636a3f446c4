package cache

import (
	"container/list"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultMaxSize 是未配置预算时的缓存上限（100MB）。
	DefaultMaxSize int64 = 100 * 1024 * 1024
	// DefaultBuckets 是哈希桶数量。
	DefaultBuckets = 1024
	// DefaultReadTimeout 是读者等待新数据的最长时间。
	DefaultReadTimeout = 5 * time.Second
	// DefaultMaxKeyLength 是缓存键的最大长度。
	DefaultMaxKeyLength = 2048
)

// Options 控制缓存容量与等待行为，零值字段使用默认值。
type Options struct {
	MaxSize      int64
	Buckets      int
	ReadTimeout  time.Duration
	MaxKeyLength int
}

func (o Options) withDefaults() Options {
	if o.MaxSize <= 0 {
		o.MaxSize = DefaultMaxSize
	}
	if o.Buckets <= 0 {
		o.Buckets = DefaultBuckets
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = DefaultReadTimeout
	}
	if o.MaxKeyLength <= 0 {
		o.MaxKeyLength = DefaultMaxKeyLength
	}
	return o
}

type bucket struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// Cache 是分桶 + 全局 LRU 的内存缓存。
//
// 锁顺序：bucket → LRU，bucket → entry；持有 entry 锁时不会再获取 bucket 或 LRU 锁。
// 条目要么同时挂在 bucket 与 LRU 上，要么两者都不在。
type Cache struct {
	opts    Options
	buckets []bucket

	lruMu sync.Mutex
	lru   *list.List // Front 为最近使用

	size    atomic.Int64
	entries atomic.Int64
	closed  atomic.Bool

	keys  keyLocks
	stats counters
}

type counters struct {
	hits      atomic.Uint64
	misses    atomic.Uint64
	inserts   atomic.Uint64
	evictions atomic.Uint64
	rejected  atomic.Uint64
	cancelled atomic.Uint64
}

// New 构建缓存实例，进程内创建一次并在所有 worker 间共享。
func New(opts Options) *Cache {
	opts = opts.withDefaults()
	c := &Cache{
		opts:    opts,
		buckets: make([]bucket, opts.Buckets),
		lru:     list.New(),
	}
	for i := range c.buckets {
		c.buckets[i].entries = make(map[string]*entry)
	}
	return c
}

// MaxKeyLength 返回允许的最大键长度。
func (c *Cache) MaxKeyLength() int {
	return c.opts.MaxKeyLength
}

func hashKey(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32()
}

func (c *Cache) bucketFor(key string) *bucket {
	return &c.buckets[hashKey(key)%uint32(len(c.buckets))]
}

// LockKey 进入 key 的 find-or-create 临界区，返回解锁函数。
// 同一 URL 的 Lookup → Insert 必须在该临界区内完成，不同 URL 互不阻塞。
func (c *Cache) LockKey(key string) func() {
	return c.keys.lock(key)
}

// Lookup 查找未取消的条目，命中时 refcount 加一并移动到 LRU 头部。
func (c *Cache) Lookup(key string) (*Handle, bool) {
	if c.closed.Load() {
		return nil, false
	}

	b := c.bucketFor(key)
	b.mu.Lock()
	e, ok := b.entries[key]
	if !ok || e.currentState() == StateCancelled {
		b.mu.Unlock()
		c.stats.misses.Add(1)
		return nil, false
	}
	e.refs.Add(1)
	e.touch()
	b.mu.Unlock()

	c.lruMu.Lock()
	if e.elem != nil {
		c.lru.MoveToFront(e.elem)
	}
	c.lruMu.Unlock()

	c.stats.hits.Add(1)
	return &Handle{e: e}, true
}

// Insert 创建 Incomplete 条目（refcount=1）并预留 expected 字节。
// 调用方必须持有 LockKey(key)。预算无法满足时返回 ErrNoSpace，调用方应走不缓存的透传。
func (c *Cache) Insert(key string, expected int64) (*Handle, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if key == "" || len(key) > c.opts.MaxKeyLength {
		return nil, ErrKeyTooLong
	}
	if expected < 0 {
		expected = 0
	}
	if expected > c.opts.MaxSize || !c.reserve(expected) {
		c.stats.rejected.Add(1)
		return nil, ErrNoSpace
	}

	e := newEntry(c, key)
	e.refs.Store(1)
	e.charged.Store(expected)

	b := c.bucketFor(key)
	b.mu.Lock()
	if old, ok := b.entries[key]; ok {
		if old.currentState() != StateCancelled {
			b.mu.Unlock()
			c.size.Add(-expected)
			return nil, ErrExists
		}
		// 已取消的旧条目让位给新条目，仍持有它的读者只会读到 ErrCancelled。
		c.unlinkLocked(b, old)
	}
	b.entries[key] = e
	c.lruMu.Lock()
	e.elem = c.lru.PushFront(e)
	c.lruMu.Unlock()
	b.mu.Unlock()

	c.entries.Add(1)
	c.stats.inserts.Add(1)
	return &Handle{e: e}, nil
}

// reserve 确保预算可容纳 n 字节并记账，必要时从 LRU 尾部淘汰。
// 每次淘汰后重新检查预算，因为并发插入可能已改变占用。
func (c *Cache) reserve(n int64) bool {
	if n <= 0 {
		return true
	}
	for {
		cur := c.size.Load()
		if cur+n <= c.opts.MaxSize {
			if c.size.CompareAndSwap(cur, cur+n) {
				return true
			}
			continue
		}
		if !c.evictOne() {
			return false
		}
	}
}

// evictOne 从 LRU 尾部向前寻找 refcount 为 0 的条目并移除。
// 没有可淘汰条目时返回 false。
func (c *Cache) evictOne() bool {
	c.lruMu.Lock()
	var victim *entry
	for el := c.lru.Back(); el != nil; el = el.Prev() {
		e := el.Value.(*entry)
		if e.refs.Load() > 0 {
			continue
		}
		victim = e
		break
	}
	c.lruMu.Unlock()
	if victim == nil {
		return false
	}

	b := c.bucketFor(victim.key)
	b.mu.Lock()
	defer b.mu.Unlock()
	// 选中之后可能已被 Lookup 钉住或被其他淘汰者移除，需在 bucket 锁内复核。
	if cur, ok := b.entries[victim.key]; !ok || cur != victim || victim.refs.Load() > 0 {
		return true
	}
	c.unlinkLocked(b, victim)
	c.stats.evictions.Add(1)
	return true
}

// unlinkLocked 同时从 bucket 与 LRU 摘除条目并归还其预算，调用方持有 b.mu。
func (c *Cache) unlinkLocked(b *bucket, e *entry) {
	delete(b.entries, e.key)
	c.lruMu.Lock()
	if e.elem != nil {
		c.lru.Remove(e.elem)
		e.elem = nil
	}
	c.lruMu.Unlock()
	c.size.Add(-e.charged.Load())
	c.entries.Add(-1)
}

// Close 取消所有未完成条目并清空缓存，之后 Lookup 恒为未命中。
func (c *Cache) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	for i := range c.buckets {
		b := &c.buckets[i]
		b.mu.Lock()
		for _, e := range b.entries {
			if e.finish(StateCancelled) {
				c.stats.cancelled.Add(1)
			}
			c.unlinkLocked(b, e)
		}
		b.mu.Unlock()
	}
}

// Stats 是缓存运行指标快照。
type Stats struct {
	Hits        uint64 `json:"hits"`
	Misses      uint64 `json:"misses"`
	Inserts     uint64 `json:"inserts"`
	Evictions   uint64 `json:"evictions"`
	Rejected    uint64 `json:"rejected"`
	Cancelled   uint64 `json:"cancelled"`
	Entries     int64  `json:"entries"`
	CurrentSize int64  `json:"current_size"`
	MaxSize     int64  `json:"max_size"`
}

// Stats 返回当前计数器快照。
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:        c.stats.hits.Load(),
		Misses:      c.stats.misses.Load(),
		Inserts:     c.stats.inserts.Load(),
		Evictions:   c.stats.evictions.Load(),
		Rejected:    c.stats.rejected.Load(),
		Cancelled:   c.stats.cancelled.Load(),
		Entries:     c.entries.Load(),
		CurrentSize: c.size.Load(),
		MaxSize:     c.opts.MaxSize,
	}
}

// EntryInfo 描述单个条目，供诊断接口输出。
type EntryInfo struct {
	Key        string    `json:"key"`
	Size       int64     `json:"size"`
	State      string    `json:"state"`
	Refs       int32     `json:"refs"`
	LastAccess time.Time `json:"last_access"`
}

// Snapshot 按 MRU → LRU 顺序返回最多 limit 个条目（limit<=0 表示全部）。
func (c *Cache) Snapshot(limit int) []EntryInfo {
	c.lruMu.Lock()
	defer c.lruMu.Unlock()

	n := c.lru.Len()
	if limit > 0 && limit < n {
		n = limit
	}
	result := make([]EntryInfo, 0, n)
	for el := c.lru.Front(); el != nil && len(result) < n; el = el.Next() {
		e := el.Value.(*entry)
		result = append(result, EntryInfo{
			Key:        e.key,
			Size:       e.size.Load(),
			State:      e.currentState().String(),
			Refs:       e.refs.Load(),
			LastAccess: time.Unix(0, e.lastAccess.Load()),
		})
	}
	return result
}
