package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/fwdcache/internal/cache"
	"github.com/any-hub/fwdcache/internal/logging"
	"github.com/any-hub/fwdcache/internal/worker"
)

const (
	// ChunkSize 是回源转发与缓存读取使用的块大小。
	ChunkSize = 32 * 1024

	DefaultMaxRequestSize  = 8192
	DefaultMaxHeaderSize   = 8192
	DefaultUpstreamTimeout = 30 * time.Second
)

// 请求日志中的 cache_status 取值。
const (
	statusHit      = "hit"
	statusArchive  = "archive"
	statusMiss     = "fwd=uri-miss"
	statusBypass   = "fwd=bypass"
	statusRejected = "rejected"
)

var chunkPool = sync.Pool{
	New: func() any {
		buf := make([]byte, ChunkSize)
		return &buf
	},
}

// Options 控制请求缓冲上限与回源超时，零值字段使用默认值。
type Options struct {
	MaxRequestSize  int
	MaxHeaderSize   int
	UpstreamTimeout time.Duration
	Dialer          Dialer
	Logger          *logrus.Logger
}

func (o Options) withDefaults() Options {
	if o.MaxRequestSize <= 0 {
		o.MaxRequestSize = DefaultMaxRequestSize
	}
	if o.MaxHeaderSize <= 0 {
		o.MaxHeaderSize = DefaultMaxHeaderSize
	}
	if o.UpstreamTimeout <= 0 {
		o.UpstreamTimeout = DefaultUpstreamTimeout
	}
	if o.Dialer == nil {
		o.Dialer = NewOriginDialer(o.UpstreamTimeout)
	}
	if o.Logger == nil {
		o.Logger = logging.Discard()
	}
	return o
}

// Handler 负责 orchestrate “缓存命中 → 归档命中 → 回源写缓存” 的全流程，
// 作为 worker.Handler 在 worker 内同步执行。
type Handler struct {
	opts    Options
	cache   *cache.Cache
	archive *cache.ArchiveWriter
	logger  *logrus.Logger
}

// NewHandler 构造请求处理器，archive 可以为 nil。
func NewHandler(c *cache.Cache, archive *cache.ArchiveWriter, opts Options) *Handler {
	opts = opts.withDefaults()
	return &Handler{
		opts:    opts,
		cache:   c,
		archive: archive,
		logger:  opts.Logger,
	}
}

// HandleReadable 实现 worker.Handler：每次就绪读一次，请求头完整后处理并关闭连接。
func (h *Handler) HandleReadable(ctx context.Context, c *worker.Conn) {
	room := h.opts.MaxRequestSize - len(c.Request())
	if room <= 0 {
		h.reject(c, errRequestTooLarge)
		return
	}

	buf := make([]byte, room)
	if err := c.NetConn().SetReadDeadline(time.Now().Add(h.opts.UpstreamTimeout)); err != nil {
		// 读超时设置失败时直接关闭连接。
		h.logger.WithError(err).WithFields(logging.ConnFields(c.ID, c.Slot, c.RemoteAddr())).
			WithFields(logrus.Fields{"action": "proxy", "cache_status": statusRejected}).
			Warn("client_deadline_failed")
		c.MarkClosed()
		return
	}
	n, readErr := c.Read(buf)
	if n > 0 {
		c.AppendRequest(buf[:n])
	}

	req, err := parseRequest(c.Request(), h.cache.MaxKeyLength())
	switch {
	case errors.Is(err, errIncompleteRequest):
		if readErr != nil {
			// 请求头未完整前客户端断开或读出错。
			c.MarkClosed()
			return
		}
		if len(c.Request()) >= h.opts.MaxRequestSize {
			h.reject(c, errRequestTooLarge)
		}
		return
	case err != nil:
		h.reject(c, err)
		return
	}

	defer c.MarkClosed()
	h.serve(ctx, c, req)
}

func (h *Handler) reject(c *worker.Conn, err error) {
	h.logger.WithFields(logging.ConnFields(c.ID, c.Slot, c.RemoteAddr())).
		WithFields(logrus.Fields{"action": "proxy", "cache_status": statusRejected}).
		Debug(err.Error())
	c.MarkClosed()
}

// serve 在 key 锁内完成查找或创建，随后按命中情况选择数据来源。
func (h *Handler) serve(ctx context.Context, c *worker.Conn, req *request) {
	started := time.Now()
	unlock := h.cache.LockKey(req.key)
	locked := true
	defer func() {
		if locked {
			unlock()
		}
	}()

	if entry, ok := h.cache.Lookup(req.key); ok {
		unlock()
		locked = false
		written, err := h.serveEntry(ctx, c, entry)
		entry.Release()
		h.logRequest(c, req, 0, statusHit, written, started, err)
		return
	}

	if archive := h.archive.Archive(); archive != nil {
		result, err := archive.Get(ctx, req.key)
		switch {
		case err == nil:
			unlock()
			locked = false
			written, err := h.serveArchive(c, result)
			if errors.Is(err, errArchiveCorrupt) {
				h.dropArchived(ctx, archive, req.key, err)
			}
			h.logRequest(c, req, 0, statusArchive, written, started, err)
			return
		case !errors.Is(err, cache.ErrNotFound):
			// 无法打开的归档副本直接丢弃，本次回源。
			h.dropArchived(ctx, archive, req.key, err)
		}
	}

	// 持有 key 锁的阶段（拨号、转发请求、读响应头）共用一个截止时间。
	deadline := time.Now().Add(h.opts.UpstreamTimeout)
	dialCtx, cancelDial := context.WithDeadline(ctx, deadline)
	origin, err := h.opts.Dialer.DialContext(dialCtx, "tcp", originAddr(req.host))
	cancelDial()
	if err != nil {
		h.logRequest(c, req, 0, statusMiss, 0, started, fmt.Errorf("dial origin: %w", err))
		return
	}
	defer origin.Close()

	if err := forwardRequest(origin, req.raw, deadline); err != nil {
		h.logRequest(c, req, 0, statusMiss, 0, started, fmt.Errorf("forward request: %w", err))
		return
	}

	head, rest, err := readResponseHead(origin, h.opts.MaxHeaderSize, deadline)
	if err != nil {
		h.logRequest(c, req, 0, statusMiss, 0, started, fmt.Errorf("read origin headers: %w", err))
		return
	}

	cacheStatus := statusMiss
	var entry *cache.Handle
	if head.cacheable() {
		expected := head.total()
		if expected < 0 {
			expected = int64(len(head.raw))
		}
		entry, err = h.cache.Insert(req.key, expected)
		if err != nil {
			if !errors.Is(err, cache.ErrNoSpace) {
				h.logger.WithError(err).WithField("key", req.key).Warn("cache_insert_failed")
			}
			cacheStatus = statusBypass
			entry = nil
		}
	} else {
		cacheStatus = statusBypass
	}
	unlock()
	locked = false

	written, err := h.relay(c, origin, head, rest, entry)
	h.logRequest(c, req, head.status, cacheStatus, written, started, err)
}

// relay 把响应头与正文转发给客户端，同时追加到缓存条目（若有）。
// 任一端失败时取消条目，使等待中的读者立即收到错误。
func (h *Handler) relay(c *worker.Conn, origin net.Conn, head *responseHead, rest []byte, entry *cache.Handle) (written int64, err error) {
	defer func() {
		if entry == nil {
			return
		}
		if err != nil {
			entry.Cancel()
		} else {
			entry.Complete()
			h.archive.Save(entry)
		}
		entry.Release()
	}()

	total := head.total()
	forward := func(p []byte) error {
		if entry != nil {
			if appendErr := entry.Append(p); appendErr != nil {
				// 预算不足时放弃缓存，继续为当前客户端透传。
				h.logger.WithError(appendErr).WithField("key", entry.Key()).Debug("cache_append_failed")
				entry.Cancel()
				entry.Release()
				entry = nil
			}
		}
		if err := h.writeAll(c.NetConn(), p); err != nil {
			return err
		}
		written += int64(len(p))
		return nil
	}

	if err := forward(head.raw); err != nil {
		return written, fmt.Errorf("write client: %w", err)
	}
	if total >= 0 && int64(len(head.raw)+len(rest)) > total {
		rest = rest[:total-int64(len(head.raw))]
	}
	if len(rest) > 0 {
		if err := forward(rest); err != nil {
			return written, fmt.Errorf("write client: %w", err)
		}
	}

	bufPtr := chunkPool.Get().(*[]byte)
	defer chunkPool.Put(bufPtr)
	buf := *bufPtr

	for total < 0 || written < total {
		want := len(buf)
		if total >= 0 && total-written < int64(want) {
			want = int(total - written)
		}
		if err := origin.SetReadDeadline(time.Now().Add(h.opts.UpstreamTimeout)); err != nil {
			return written, err
		}
		n, readErr := origin.Read(buf[:want])
		if n > 0 {
			if err := forward(buf[:n]); err != nil {
				return written, fmt.Errorf("write client: %w", err)
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				if total < 0 {
					return written, nil
				}
				return written, fmt.Errorf("read origin: %w", io.ErrUnexpectedEOF)
			}
			return written, fmt.Errorf("read origin: %w", readErr)
		}
	}
	return written, nil
}

// serveEntry 从内存条目流式读取，直到 EOF、取消或读超时。
func (h *Handler) serveEntry(ctx context.Context, c *worker.Conn, entry *cache.Handle) (int64, error) {
	bufPtr := chunkPool.Get().(*[]byte)
	defer chunkPool.Put(bufPtr)
	buf := *bufPtr

	var off int64
	for {
		n, err := entry.ReadAt(ctx, buf, off)
		if n > 0 {
			if werr := h.writeAll(c.NetConn(), buf[:n]); werr != nil {
				return off, fmt.Errorf("write client: %w", werr)
			}
			off += int64(n)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return off, nil
			}
			return off, err
		}
	}
}

// serveArchive 把归档副本写给客户端。解码失败返回 errArchiveCorrupt，与客户端写失败区分。
func (h *Handler) serveArchive(c *worker.Conn, result *cache.ArchiveResult) (int64, error) {
	defer result.Reader.Close()
	bufPtr := chunkPool.Get().(*[]byte)
	defer chunkPool.Put(bufPtr)

	src := &archiveReader{r: result.Reader}
	w := &deadlineWriter{conn: c.NetConn(), timeout: h.opts.UpstreamTimeout}
	n, err := io.CopyBuffer(w, src, *bufPtr)
	if src.err != nil {
		return n, fmt.Errorf("%w: %v", errArchiveCorrupt, src.err)
	}
	if err != nil {
		return n, fmt.Errorf("serve archive: %w", err)
	}
	return n, nil
}

func (h *Handler) dropArchived(ctx context.Context, archive cache.Archive, key string, cause error) {
	fields := logrus.Fields{"action": "archive", "key": key}
	if err := archive.Remove(ctx, key); err != nil {
		h.logger.WithError(err).WithFields(fields).Warn("archive_remove_failed")
		return
	}
	h.logger.WithError(cause).WithFields(fields).Warn("archive_entry_dropped")
}

// archiveReader 记录读取侧的非 EOF 错误。
type archiveReader struct {
	r   io.Reader
	err error
}

func (a *archiveReader) Read(p []byte) (int, error) {
	n, err := a.r.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		a.err = err
	}
	return n, err
}

// writeAll 写满 p，每次写入前刷新超时。
func (h *Handler) writeAll(conn net.Conn, p []byte) error {
	w := &deadlineWriter{conn: conn, timeout: h.opts.UpstreamTimeout}
	_, err := w.Write(p)
	return err
}

type deadlineWriter struct {
	conn    net.Conn
	timeout time.Duration
}

func (w *deadlineWriter) Write(p []byte) (int, error) {
	if err := w.conn.SetWriteDeadline(time.Now().Add(w.timeout)); err != nil {
		return 0, err
	}
	return w.conn.Write(p)
}

func (h *Handler) logRequest(c *worker.Conn, req *request, status int, cacheStatus string, written int64, started time.Time, err error) {
	entry := h.logger.WithFields(logging.ConnFields(c.ID, c.Slot, c.RemoteAddr())).
		WithFields(logging.RequestFields(req.key, req.host, status, cacheStatus)).
		WithFields(logrus.Fields{
			"action":      "proxy",
			"bytes":       written,
			"elapsed_ms":  time.Since(started).Milliseconds(),
			"http_proto":  req.proto,
			"conn_age_ms": time.Since(c.Accepted).Milliseconds(),
			"request_uri": req.target,
		})
	if err != nil {
		entry.WithError(err).Warn("proxy_request_failed")
		return
	}
	entry.Info("proxy_request")
}
