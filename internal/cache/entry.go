package cache

import (
	"container/list"
	"context"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// State 描述缓存条目的生命周期阶段。
type State int32

const (
	// StateIncomplete 表示回源仍在进行，读者可能需要等待新数据。
	StateIncomplete State = iota
	// StateComplete 表示正文已全部写入。
	StateComplete
	// StateCancelled 表示回源失败，已写入的数据不可当作完整响应使用。
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIncomplete:
		return "incomplete"
	case StateComplete:
		return "complete"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// entry 是一个缓存资源。chunks 只追加不修改，由唯一的回源连接写入。
type entry struct {
	key   string
	cache *Cache

	mu     sync.Mutex
	chunks [][]byte
	ends   []int64 // ends[i] 为 chunks[i] 结束位置的累计偏移
	notify chan struct{}

	// 以下字段的写入都在 mu 内完成，读取可无锁。
	size  atomic.Int64
	state atomic.Int32

	refs       atomic.Int32
	lastAccess atomic.Int64
	charged    atomic.Int64 // 已计入 Cache 预算的字节数

	// elem 由 Cache.lruMu 保护。
	elem *list.Element
}

func newEntry(c *Cache, key string) *entry {
	e := &entry{
		key:    key,
		cache:  c,
		notify: make(chan struct{}),
	}
	e.touch()
	return e
}

func (e *entry) touch() {
	e.lastAccess.Store(time.Now().UnixNano())
}

func (e *entry) currentState() State {
	return State(e.state.Load())
}

// broadcastLocked 唤醒所有等待数据的读者，调用方必须持有 e.mu。
func (e *entry) broadcastLocked() {
	close(e.notify)
	e.notify = make(chan struct{})
}

// finish 设置终态；只有第一次终态生效。
func (e *entry) finish(state State) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.currentState() != StateIncomplete {
		return false
	}
	e.state.Store(int32(state))
	e.broadcastLocked()
	return true
}

// copyAtLocked 从 off 开始尽量填满 p，调用方保证 off < size。
func (e *entry) copyAtLocked(p []byte, off int64) int {
	idx := sort.Search(len(e.ends), func(i int) bool { return e.ends[i] > off })
	n := 0
	for idx < len(e.chunks) && n < len(p) {
		chunk := e.chunks[idx]
		start := e.ends[idx] - int64(len(chunk))
		n += copy(p[n:], chunk[off-start:])
		off = e.ends[idx]
		idx++
	}
	return n
}

// Handle 是对缓存条目的一次引用，每个 Handle 恰好贡献一次 refcount。
// 持有 Handle 期间条目不会被淘汰；用完必须调用 Release。
type Handle struct {
	e        *entry
	released atomic.Bool
}

// Key 返回条目的缓存键。
func (h *Handle) Key() string {
	return h.e.key
}

// Size 返回当前已写入的字节数。
func (h *Handle) Size() int64 {
	return h.e.size.Load()
}

// State 返回条目当前状态。
func (h *Handle) State() State {
	return h.e.currentState()
}

// Append 追加一段数据并唤醒等待中的读者。p 会被复制，调用方可复用缓冲区。
// 超出插入时预留的字节会重新向 Cache 申请预算，申请失败返回 ErrNoSpace。
func (h *Handle) Append(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	e := h.e
	if err := terminalError(e.currentState()); err != nil {
		return err
	}

	// 预算申请可能触发淘汰，需要 bucket/LRU 锁，所以不能在 e.mu 内进行。
	grown := e.size.Load() + int64(len(p))
	if need := grown - e.charged.Load(); need > 0 {
		if !e.cache.reserve(need) {
			e.cache.stats.rejected.Add(1)
			return ErrNoSpace
		}
		e.charged.Add(need)
	}

	chunk := make([]byte, len(p))
	copy(chunk, p)

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := terminalError(e.currentState()); err != nil {
		return err
	}
	e.chunks = append(e.chunks, chunk)
	e.ends = append(e.ends, grown)
	e.size.Store(grown)
	e.broadcastLocked()
	return nil
}

// ReadAt 从 off 读取最多 len(p) 字节。数据尚未到达时最多等待 ReadTimeout；
// 条目完成后读到末尾返回 io.EOF，条目被取消后始终返回 ErrCancelled。
func (h *Handle) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	e := h.e
	deadline := time.Now().Add(e.cache.opts.ReadTimeout)
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		e.mu.Lock()
		switch {
		case e.currentState() == StateCancelled:
			e.mu.Unlock()
			return 0, ErrCancelled
		case off < e.size.Load():
			n := e.copyAtLocked(p, off)
			e.mu.Unlock()
			return n, nil
		case e.currentState() == StateComplete:
			e.mu.Unlock()
			return 0, io.EOF
		}
		wait := e.notify
		e.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0, ErrReadTimeout
		}
		if timer == nil {
			timer = time.NewTimer(remaining)
		} else {
			timer.Reset(remaining)
		}

		select {
		case <-wait:
		case <-timer.C:
			return 0, ErrReadTimeout
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// NewReader 返回从头顺序读取条目的 io.Reader。
func (h *Handle) NewReader(ctx context.Context) io.Reader {
	return &entryReader{h: h, ctx: ctx}
}

// Complete 标记正文写入完成。
func (h *Handle) Complete() {
	h.e.finish(StateComplete)
}

// Cancel 标记回源失败，阻塞中的读者会立即收到 ErrCancelled。
func (h *Handle) Cancel() {
	if h.e.finish(StateCancelled) {
		h.e.cache.stats.cancelled.Add(1)
	}
}

// Retain 为同一条目创建新的引用，原 Handle 必须尚未 Release。
func (h *Handle) Retain() *Handle {
	h.e.refs.Add(1)
	return &Handle{e: h.e}
}

// Release 归还引用，重复调用无效果。内存只会在淘汰或关闭时回收。
func (h *Handle) Release() {
	if h.released.CompareAndSwap(false, true) {
		h.e.refs.Add(-1)
	}
}

type entryReader struct {
	h   *Handle
	ctx context.Context
	off int64
}

func (r *entryReader) Read(p []byte) (int, error) {
	n, err := r.h.ReadAt(r.ctx, p, r.off)
	r.off += int64(n)
	return n, err
}

func terminalError(state State) error {
	switch state {
	case StateCancelled:
		return ErrCancelled
	case StateComplete:
		return ErrCompleted
	default:
		return nil
	}
}
