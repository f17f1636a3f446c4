package cache

import (
	"container/list"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	maxArchiveNameLength = 128

	// 归档文件与临时文件的命名约定，启动清理只匹配这两类文件。
	archiveFileSuffix = ".fwdcache"
	archiveTempPrefix = ".archive-"
)

// ArchiveOptions 控制归档编码与磁盘预算。MaxBytes<=0 表示不限制。
type ArchiveOptions struct {
	Codec    Codec
	MaxBytes int64
}

// NewArchive 以 basePath 为根目录构建磁盘归档。目录不存在时创建；
// 目录中此前留下的归档文件会被删除，其他文件保持不动。
func NewArchive(basePath string, opts ArchiveOptions) (Archive, error) {
	if basePath == "" {
		return nil, errors.New("archive path required")
	}
	if opts.Codec == "" {
		opts.Codec = CodecZstd
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve archive path: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create archive path: %w", err)
	}
	if err := removeArchiveFiles(abs); err != nil {
		return nil, fmt.Errorf("reset archive path: %w", err)
	}

	return &fileArchive{
		basePath: abs,
		codec:    opts.Codec,
		maxBytes: opts.MaxBytes,
		records:  make(map[string]*archiveRecord),
		order:    list.New(),
	}, nil
}

// removeArchiveFiles 删除 dir 下由归档创建的普通文件，不递归、不触碰其他文件。
func removeArchiveFiles(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if !entry.Type().IsRegular() || !isArchiveFileName(entry.Name()) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

func isArchiveFileName(name string) bool {
	return strings.HasPrefix(name, archiveTempPrefix) || strings.HasSuffix(name, archiveFileSuffix)
}

// fileArchive 通过 keyLocks 避免同一 key 并发写入。
// records/order 记录已写入文件的大小与写入顺序，超出 maxBytes 时从最旧的开始删除。
type fileArchive struct {
	basePath string
	codec    Codec
	locks    keyLocks

	maxBytes int64
	mu       sync.Mutex
	records  map[string]*archiveRecord
	order    *list.List // Front 为最新写入
	used     int64
}

type archiveRecord struct {
	key  string
	size int64
	elem *list.Element
}

func (a *fileArchive) Get(ctx context.Context, key string) (*ArchiveResult, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	filePath := a.entryPath(key)
	info, err := os.Stat(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, ErrNotFound
	}

	f, err := os.Open(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	dec, err := a.codec.newReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}

	return &ArchiveResult{
		Entry: ArchiveEntry{
			Key:       key,
			FilePath:  filePath,
			SizeBytes: info.Size(),
			ModTime:   info.ModTime(),
		},
		Reader: &multiReadCloser{Reader: dec, closers: []io.Closer{dec, f}},
	}, nil
}

func (a *fileArchive) Put(ctx context.Context, key string, body io.Reader) (*ArchiveEntry, error) {
	entry, err := a.write(ctx, key, body)
	if err != nil {
		return nil, err
	}
	if a.maxBytes > 0 && entry.SizeBytes > a.maxBytes {
		_ = a.Remove(ctx, key)
		return nil, fmt.Errorf("%w: archived size %d exceeds budget %d", ErrNoSpace, entry.SizeBytes, a.maxBytes)
	}
	a.enforceBudget(key)
	return entry, nil
}

func (a *fileArchive) write(ctx context.Context, key string, body io.Reader) (*ArchiveEntry, error) {
	unlock := a.locks.lock(key)
	defer unlock()

	filePath := a.entryPath(key)
	tempFile, err := os.CreateTemp(a.basePath, archiveTempPrefix+"*")
	if err != nil {
		return nil, err
	}
	tempName := tempFile.Name()

	enc, err := a.codec.newWriter(tempFile)
	if err != nil {
		tempFile.Close()
		os.Remove(tempName)
		return nil, err
	}
	_, err = copyWithContext(ctx, enc, body)
	if encErr := enc.Close(); err == nil {
		err = encErr
	}
	if closeErr := tempFile.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return nil, err
	}

	if err := os.Rename(tempName, filePath); err != nil {
		os.Remove(tempName)
		return nil, err
	}

	info, err := os.Stat(filePath)
	if err != nil {
		return nil, err
	}
	a.track(key, info.Size())
	return &ArchiveEntry{
		Key:       key,
		FilePath:  filePath,
		SizeBytes: info.Size(),
		ModTime:   info.ModTime(),
	}, nil
}

// track 记录 key 最新的文件大小并移到最新位置，调用方持有 key 锁。
func (a *fileArchive) track(key string, size int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.untrackLocked(key)
	rec := &archiveRecord{key: key, size: size}
	rec.elem = a.order.PushFront(rec)
	a.records[key] = rec
	a.used += size
}

func (a *fileArchive) untrackLocked(key string) {
	if rec, ok := a.records[key]; ok {
		a.order.Remove(rec.elem)
		delete(a.records, key)
		a.used -= rec.size
	}
}

// enforceBudget 从最旧的文件开始删除，直到占用回到预算内。keep 是刚写入的 key，不参与淘汰。
// 每次只持有一个 key 锁，避免与并发 Put 互相等待。
func (a *fileArchive) enforceBudget(keep string) {
	if a.maxBytes <= 0 {
		return
	}
	for {
		a.mu.Lock()
		if a.used <= a.maxBytes {
			a.mu.Unlock()
			return
		}
		var victim *archiveRecord
		for el := a.order.Back(); el != nil; el = el.Prev() {
			if rec := el.Value.(*archiveRecord); rec.key != keep {
				victim = rec
				break
			}
		}
		a.mu.Unlock()
		if victim == nil {
			return
		}
		a.evict(victim)
	}
}

func (a *fileArchive) evict(victim *archiveRecord) {
	unlock := a.locks.lock(victim.key)
	defer unlock()

	a.mu.Lock()
	// 选中之后该 key 可能已被重新写入，此时记录已换成新对象。
	if a.records[victim.key] != victim {
		a.mu.Unlock()
		return
	}
	a.untrackLocked(victim.key)
	a.mu.Unlock()
	_ = os.Remove(a.entryPath(victim.key))
}

// Usage 返回当前归档占用的字节数。
func (a *fileArchive) Usage() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used
}

func (a *fileArchive) Remove(ctx context.Context, key string) error {
	unlock := a.locks.lock(key)
	defer unlock()

	if err := os.Remove(a.entryPath(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	a.mu.Lock()
	a.untrackLocked(key)
	a.mu.Unlock()
	return nil
}

// entryPath 将 key 中字母数字、'.'、'_' 以外的字符替换为 '_'，
// 并追加 key 的 fnv64 摘要避免替换后重名，最后加上归档后缀。
func (a *fileArchive) entryPath(key string) string {
	return filepath.Join(a.basePath, archiveFileName(key))
}

func archiveFileName(key string) string {
	var b strings.Builder
	for _, r := range key {
		if b.Len() >= maxArchiveNameLength {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return b.String() + "-" + hex.EncodeToString(h.Sum(nil)) + archiveFileSuffix
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
