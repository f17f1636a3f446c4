package cache

import (
	"context"
	"sync"
)

// ArchiveWriter 在后台把已完成的条目写入 Archive，不阻塞响应客户端的 worker。
type ArchiveWriter struct {
	archive Archive
	onError func(key string, err error)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewArchiveWriter 构造写入器。archive 为 nil 时 Save 为空操作。
func NewArchiveWriter(archive Archive, onError func(key string, err error)) *ArchiveWriter {
	ctx, cancel := context.WithCancel(context.Background())
	return &ArchiveWriter{
		archive: archive,
		onError: onError,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Enabled 返回当前是否具备归档能力。
func (w *ArchiveWriter) Enabled() bool {
	return w != nil && w.archive != nil
}

// Archive 返回底层归档，未启用时为 nil。
func (w *ArchiveWriter) Archive() Archive {
	if w == nil {
		return nil
	}
	return w.archive
}

// Save 为 h 追加一个引用并异步写盘，写完后释放；调用方仍需 Release 自己的 h。
// 只应在条目 Complete 之后调用。
func (w *ArchiveWriter) Save(h *Handle) {
	if !w.Enabled() || h == nil || h.State() != StateComplete {
		return
	}
	ref := h.Retain()
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer ref.Release()
		if _, err := w.archive.Put(w.ctx, ref.Key(), ref.NewReader(w.ctx)); err != nil {
			if w.onError != nil {
				w.onError(ref.Key(), err)
			}
		}
	}()
}

// Wait 阻塞到所有进行中的写入结束。
func (w *ArchiveWriter) Wait() {
	if w == nil {
		return
	}
	w.wg.Wait()
}

// Close 中止进行中的写入并等待其退出。
func (w *ArchiveWriter) Close() {
	if w == nil {
		return
	}
	w.cancel()
	w.wg.Wait()
}
