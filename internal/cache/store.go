package cache

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	// ErrNoSpace 表示预算内无法腾出空间（其余条目都被引用），调用方应改为不缓存透传。
	ErrNoSpace = errors.New("cache: no space for entry")
	// ErrCancelled 表示条目回源失败，区别于正常结束的 io.EOF。
	ErrCancelled = errors.New("cache: entry cancelled")
	// ErrCompleted 表示条目已完成，不再接受追加。
	ErrCompleted = errors.New("cache: entry already complete")
	// ErrReadTimeout 表示读者在超时时间内没有等到新数据。
	ErrReadTimeout = errors.New("cache: read timed out waiting for data")
	// ErrClosed 表示缓存已关闭。
	ErrClosed = errors.New("cache: closed")
	// ErrKeyTooLong 表示缓存键为空或超过长度上限。
	ErrKeyTooLong = errors.New("cache: key empty or too long")
	// ErrExists 表示同一 key 已有存活条目，通常意味着调用方没有持有 LockKey。
	ErrExists = errors.New("cache: live entry already exists")
	// ErrNotFound 表示归档中不存在该 key。
	ErrNotFound = errors.New("cache: archive entry not found")
)

// Archive 负责把已完成的缓存条目镜像到磁盘。布局遵循：
//
//	<ArchivePath>/<sanitized key>-<fnv64>    # 压缩后的原始响应字节
//
// 目录在启动时清空，仅作为内存淘汰后的二级副本，不跨进程保留。
type Archive interface {
	// Get 返回可流式读取（已解压）的归档条目，不存在时返回 ErrNotFound。
	Get(ctx context.Context, key string) (*ArchiveResult, error)

	// Put 写入一个条目。实现需通过临时文件 + rename 保证原子性，失败时清理临时文件。
	// 超出磁盘预算时淘汰最早写入的其他条目；单个条目大于预算时返回 ErrNoSpace。
	Put(ctx context.Context, key string, body io.Reader) (*ArchiveEntry, error)

	// Remove 删除归档文件，不存在时不报错。
	Remove(ctx context.Context, key string) error

	// Usage 返回已落盘条目占用的字节数。
	Usage() int64
}

// ArchiveEntry 描述一个已落盘的条目。
type ArchiveEntry struct {
	Key       string    `json:"key"`
	FilePath  string    `json:"file_path"`
	SizeBytes int64     `json:"size_bytes"`
	ModTime   time.Time `json:"mod_time"`
}

// ArchiveResult 组合 ArchiveEntry 与解压后的 Reader，调用方负责 Close。
type ArchiveResult struct {
	Entry  ArchiveEntry
	Reader io.ReadCloser
}
