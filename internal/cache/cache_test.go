package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, maxSize int64) *Cache {
	t.Helper()
	c := New(Options{MaxSize: maxSize, Buckets: 16, ReadTimeout: 200 * time.Millisecond})
	t.Cleanup(c.Close)
	return c
}

func insertComplete(t *testing.T, c *Cache, key, body string) {
	t.Helper()
	h, err := c.Insert(key, int64(len(body)))
	require.NoError(t, err)
	require.NoError(t, h.Append([]byte(body)))
	h.Complete()
	h.Release()
}

func TestLookupMissAndHit(t *testing.T) {
	c := newTestCache(t, 1024)

	_, ok := c.Lookup("example.com/a")
	assert.False(t, ok)

	insertComplete(t, c, "example.com/a", "hello")

	h, ok := c.Lookup("example.com/a")
	require.True(t, ok)
	defer h.Release()

	body, err := io.ReadAll(h.NewReader(context.Background()))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))
	assert.Equal(t, StateComplete, h.State())

	stats := c.Stats()
	assert.EqualValues(t, 1, stats.Hits)
	assert.EqualValues(t, 1, stats.Misses)
	assert.EqualValues(t, 5, stats.CurrentSize)
	assert.EqualValues(t, 1, stats.Entries)
}

func TestInsertRejectsLiveDuplicate(t *testing.T) {
	c := newTestCache(t, 1024)
	h, err := c.Insert("k", 0)
	require.NoError(t, err)
	defer h.Release()

	_, err = c.Insert("k", 0)
	assert.ErrorIs(t, err, ErrExists)
}

func TestInsertReplacesCancelledEntry(t *testing.T) {
	c := newTestCache(t, 1024)
	old, err := c.Insert("k", 10)
	require.NoError(t, err)
	require.NoError(t, old.Append([]byte("partial")))
	old.Cancel()

	_, ok := c.Lookup("k")
	assert.False(t, ok, "cancelled entries are never handed to new readers")

	fresh, err := c.Insert("k", 3)
	require.NoError(t, err)
	defer fresh.Release()

	_, err = old.ReadAt(context.Background(), make([]byte, 4), 0)
	assert.ErrorIs(t, err, ErrCancelled)
	old.Release()

	assert.EqualValues(t, 3, c.Stats().CurrentSize)
	assert.EqualValues(t, 1, c.Stats().Entries)
}

func TestInsertKeyLength(t *testing.T) {
	c := New(Options{MaxSize: 1024, MaxKeyLength: 8})
	defer c.Close()

	_, err := c.Insert("", 0)
	assert.ErrorIs(t, err, ErrKeyTooLong)
	_, err = c.Insert(strings.Repeat("k", 9), 0)
	assert.ErrorIs(t, err, ErrKeyTooLong)

	h, err := c.Insert(strings.Repeat("k", 8), 0)
	require.NoError(t, err)
	h.Release()
}

func TestEvictsLeastRecentlyUsed(t *testing.T) {
	c := newTestCache(t, 10)
	insertComplete(t, c, "a", "aaaa")
	insertComplete(t, c, "b", "bbbb")

	// a 被访问后成为最近使用，b 应先被淘汰。
	h, ok := c.Lookup("a")
	require.True(t, ok)
	h.Release()

	insertComplete(t, c, "c", "cccc")

	_, ok = c.Lookup("b")
	assert.False(t, ok)
	for _, key := range []string{"a", "c"} {
		h, ok := c.Lookup(key)
		if assert.True(t, ok, key) {
			h.Release()
		}
	}
	assert.LessOrEqual(t, c.Stats().CurrentSize, int64(10))
	assert.EqualValues(t, 1, c.Stats().Evictions)
}

func TestEvictionSkipsReferencedEntries(t *testing.T) {
	c := newTestCache(t, 8)
	insertComplete(t, c, "old", "1234")
	insertComplete(t, c, "new", "5678")

	pinned, ok := c.Lookup("old")
	require.True(t, ok)
	// Lookup 把 old 移到头部，这里让 new 重新成为最近使用，使 old 处于尾部。
	h, ok := c.Lookup("new")
	require.True(t, ok)
	h.Release()

	insertComplete(t, c, "third", "abcd")

	_, ok = c.Lookup("new")
	assert.False(t, ok, "unreferenced entry is evicted instead of the pinned tail")

	body, err := io.ReadAll(pinned.NewReader(context.Background()))
	require.NoError(t, err)
	assert.Equal(t, "1234", string(body))
	pinned.Release()
}

func TestInsertNoSpaceWhenAllReferenced(t *testing.T) {
	c := newTestCache(t, 8)
	h1, err := c.Insert("a", 4)
	require.NoError(t, err)
	h2, err := c.Insert("b", 4)
	require.NoError(t, err)

	_, err = c.Insert("c", 4)
	assert.ErrorIs(t, err, ErrNoSpace)
	_, err = c.Insert("huge", 9)
	assert.ErrorIs(t, err, ErrNoSpace)

	h1.Release()
	h2.Release()
	assert.EqualValues(t, 2, c.Stats().Rejected)
}

func TestAppendBeyondReservationChargesBudget(t *testing.T) {
	c := newTestCache(t, 8)
	h, err := c.Insert("grow", 2)
	require.NoError(t, err)
	defer h.Release()

	require.NoError(t, h.Append([]byte("12345678")))
	assert.EqualValues(t, 8, c.Stats().CurrentSize)

	err = h.Append([]byte("9"))
	assert.ErrorIs(t, err, ErrNoSpace)
	assert.EqualValues(t, 8, h.Size())
}

func TestAppendAfterTerminalState(t *testing.T) {
	c := newTestCache(t, 64)
	h, err := c.Insert("k", 0)
	require.NoError(t, err)
	defer h.Release()

	h.Complete()
	assert.ErrorIs(t, h.Append([]byte("x")), ErrCompleted)
	h.Cancel()
	assert.Equal(t, StateComplete, h.State(), "first terminal state wins")
}

func TestReadAtWaitsForWriter(t *testing.T) {
	c := newTestCache(t, 1024)
	writer, err := c.Insert("stream", 0)
	require.NoError(t, err)
	defer writer.Release()

	reader, ok := c.Lookup("stream")
	require.True(t, ok)
	defer reader.Release()

	done := make(chan string)
	go func() {
		body, err := io.ReadAll(reader.NewReader(context.Background()))
		if err != nil {
			done <- "error: " + err.Error()
			return
		}
		done <- string(body)
	}()

	for _, part := range []string{"one ", "two ", "three"} {
		time.Sleep(20 * time.Millisecond)
		require.NoError(t, writer.Append([]byte(part)))
	}
	writer.Complete()

	select {
	case got := <-done:
		assert.Equal(t, "one two three", got)
	case <-time.After(2 * time.Second):
		t.Fatal("reader did not finish")
	}
}

func TestReadAtTimeout(t *testing.T) {
	c := New(Options{MaxSize: 64, ReadTimeout: 30 * time.Millisecond})
	defer c.Close()
	h, err := c.Insert("slow", 0)
	require.NoError(t, err)
	defer h.Release()

	start := time.Now()
	_, err = h.ReadAt(context.Background(), make([]byte, 8), 0)
	assert.ErrorIs(t, err, ErrReadTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestReadAtContextCancelled(t *testing.T) {
	c := newTestCache(t, 64)
	h, err := c.Insert("ctx", 0)
	require.NoError(t, err)
	defer h.Release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = h.ReadAt(ctx, make([]byte, 8), 0)
	assert.ErrorIs(t, err, context.Canceled)
}

// 读者在回源失败时收到 ErrCancelled 而不是 io.EOF，不会把半截响应当成完整内容。
func TestCancelWakesBlockedReaders(t *testing.T) {
	c := newTestCache(t, 1024)
	writer, err := c.Insert("broken", 0)
	require.NoError(t, err)
	require.NoError(t, writer.Append([]byte("HTTP/1.1 200 OK\r\n")))

	const readers = 4
	errs := make(chan error, readers)
	for i := 0; i < readers; i++ {
		h, ok := c.Lookup("broken")
		require.True(t, ok)
		go func(h *Handle) {
			defer h.Release()
			_, err := io.ReadAll(h.NewReader(context.Background()))
			errs <- err
		}(h)
	}

	time.Sleep(20 * time.Millisecond)
	writer.Cancel()
	writer.Release()

	for i := 0; i < readers; i++ {
		select {
		case err := <-errs:
			assert.ErrorIs(t, err, ErrCancelled)
		case <-time.After(time.Second):
			t.Fatal("reader not woken by cancel")
		}
	}
	assert.EqualValues(t, 1, c.Stats().Cancelled)
}

func TestReleaseIsIdempotent(t *testing.T) {
	c := newTestCache(t, 64)
	h, err := c.Insert("k", 0)
	require.NoError(t, err)
	extra := h.Retain()

	h.Release()
	h.Release()
	assert.EqualValues(t, 1, c.Snapshot(0)[0].Refs)

	extra.Release()
	assert.EqualValues(t, 0, c.Snapshot(0)[0].Refs)
}

func TestLockKeySerializesFindOrCreate(t *testing.T) {
	c := newTestCache(t, 1<<20)
	const clients = 32

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		creates int
	)
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := c.LockKey("shared")
			h, ok := c.Lookup("shared")
			if !ok {
				var err error
				h, err = c.Insert("shared", 0)
				if err != nil {
					unlock()
					t.Errorf("insert: %v", err)
					return
				}
				mu.Lock()
				creates++
				mu.Unlock()
			}
			unlock()
			h.Release()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, creates)
	assert.EqualValues(t, 1, c.Stats().Entries)
}

func TestConcurrentInsertStaysWithinBudget(t *testing.T) {
	const budget = 4096
	c := newTestCache(t, budget)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				key := fmt.Sprintf("w%d/%d", w, i)
				h, err := c.Insert(key, 64)
				if errors.Is(err, ErrNoSpace) {
					continue
				}
				if err != nil {
					t.Errorf("insert %s: %v", key, err)
					return
				}
				_ = h.Append(make([]byte, 64))
				h.Complete()
				h.Release()
				assert.LessOrEqual(t, c.Stats().CurrentSize, int64(budget))
			}
		}(w)
	}
	wg.Wait()
	assert.LessOrEqual(t, c.Stats().CurrentSize, int64(budget))
}

func TestCloseCancelsIncompleteEntries(t *testing.T) {
	c := New(Options{MaxSize: 64})
	h, err := c.Insert("k", 0)
	require.NoError(t, err)
	defer h.Release()

	c.Close()
	assert.Equal(t, StateCancelled, h.State())
	_, ok := c.Lookup("k")
	assert.False(t, ok)
	_, err = c.Insert("k2", 0)
	assert.ErrorIs(t, err, ErrClosed)
	assert.EqualValues(t, 0, c.Stats().CurrentSize)
}

func TestSnapshotOrder(t *testing.T) {
	c := newTestCache(t, 1024)
	insertComplete(t, c, "first", "1")
	insertComplete(t, c, "second", "2")

	snap := c.Snapshot(0)
	require.Len(t, snap, 2)
	assert.Equal(t, "second", snap[0].Key)
	assert.Equal(t, "complete", snap[0].State)

	assert.Len(t, c.Snapshot(1), 1)
}

func TestReadAtArbitraryWindows(t *testing.T) {
	c := newTestCache(t, 1<<20)
	rng := rand.New(rand.NewSource(42))

	h, err := c.Insert("example.com/windows", 0)
	require.NoError(t, err)
	defer h.Release()

	var want []byte
	for i := 0; i < 40; i++ {
		chunk := make([]byte, 1+rng.Intn(300))
		rng.Read(chunk)
		require.NoError(t, h.Append(chunk))
		want = append(want, chunk...)
	}
	h.Complete()
	require.EqualValues(t, len(want), h.Size())

	ctx := context.Background()
	for i := 0; i < 2000; i++ {
		off := rng.Intn(len(want))
		buf := make([]byte, 1+rng.Intn(1024))
		n, err := h.ReadAt(ctx, buf, int64(off))
		require.NoError(t, err, "offset %d", off)

		expected := want[off:]
		if len(expected) > len(buf) {
			expected = expected[:len(buf)]
		}
		require.Equal(t, len(expected), n, "offset %d len %d", off, len(buf))
		require.True(t, bytes.Equal(expected, buf[:n]), "offset %d len %d", off, len(buf))
	}

	_, err = h.ReadAt(ctx, make([]byte, 8), int64(len(want)))
	assert.ErrorIs(t, err, io.EOF)
}

func TestConcurrentLookupsNeverLosePinnedEntries(t *testing.T) {
	const (
		entrySize = 256
		keyCount  = 64
		workers   = 8
		rounds    = 500
	)
	c := newTestCache(t, 16*entrySize)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < rounds; i++ {
				key := fmt.Sprintf("example.com/%d", rng.Intn(keyCount))

				unlock := c.LockKey(key)
				h, ok := c.Lookup(key)
				if !ok {
					created, err := c.Insert(key, entrySize)
					unlock()
					if err != nil {
						assert.ErrorIs(t, err, ErrNoSpace)
						continue
					}
					assert.NoError(t, created.Append(bytes.Repeat([]byte{'x'}, entrySize)))
					created.Complete()
					created.Release()
					continue
				}
				unlock()

				// 持有引用期间，其他 worker 的插入不得把该条目淘汰。
				for j := 0; j < 3; j++ {
					other := fmt.Sprintf("example.com/%d", rng.Intn(keyCount))
					otherUnlock := c.LockKey(other)
					if peek, found := c.Lookup(other); found {
						peek.Release()
					} else if created, err := c.Insert(other, entrySize); err == nil {
						_ = created.Append(bytes.Repeat([]byte{'y'}, entrySize))
						created.Complete()
						created.Release()
					}
					otherUnlock()
				}
				again, stillThere := c.Lookup(key)
				if assert.True(t, stillThere, "pinned entry %s was evicted", key) {
					assert.Same(t, h.e, again.e)
					again.Release()
				}
				h.Release()
			}
		}(int64(w))
	}
	wg.Wait()

	assert.Greater(t, c.Stats().Evictions, uint64(0))
	assertLinkage(t, c)
}

// assertLinkage 检查每个条目同时挂在 bucket 与 LRU 上，且计数与预算一致。
func assertLinkage(t *testing.T, c *Cache) {
	t.Helper()
	inBuckets := make(map[*entry]struct{})
	var charged int64
	for i := range c.buckets {
		b := &c.buckets[i]
		b.mu.Lock()
		for key, e := range b.entries {
			assert.Equal(t, key, e.key)
			assert.Same(t, b, c.bucketFor(key))
			assert.NotNil(t, e.elem, "entry %s missing from LRU", key)
			assert.EqualValues(t, 0, e.refs.Load(), "entry %s still referenced", key)
			inBuckets[e] = struct{}{}
			charged += e.charged.Load()
		}
		b.mu.Unlock()
	}

	c.lruMu.Lock()
	lruLen := c.lru.Len()
	for el := c.lru.Front(); el != nil; el = el.Next() {
		_, ok := inBuckets[el.Value.(*entry)]
		assert.True(t, ok, "LRU element not linked in any bucket")
	}
	c.lruMu.Unlock()

	assert.Equal(t, len(inBuckets), lruLen)
	assert.EqualValues(t, len(inBuckets), c.Stats().Entries)
	assert.Equal(t, charged, c.Stats().CurrentSize)
	assert.LessOrEqual(t, charged, c.opts.MaxSize)
}
