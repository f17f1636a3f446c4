package proxy

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

var (
	errHeaderTooLarge = errors.New("origin response headers exceed limit")
	errBadResponse    = errors.New("malformed origin response")
	errArchiveCorrupt = errors.New("archived copy unreadable")
)

// Dialer 打开到源站的 TCP 连接，测试中可替换。
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// NewOriginDialer 返回带连接超时与 keep-alive 的 net.Dialer。
func NewOriginDialer(timeout time.Duration) *net.Dialer {
	if timeout <= 0 {
		timeout = DefaultUpstreamTimeout
	}
	return &net.Dialer{
		Timeout:   timeout,
		KeepAlive: 30 * time.Second,
	}
}

// responseHead 是源站响应头的解析结果。
type responseHead struct {
	raw           []byte
	status        int
	contentLength int64 // -1 表示未声明，读到源站关闭为止
}

// cacheable 仅缓存 200 与 304。
func (r *responseHead) cacheable() bool {
	return r.status == http.StatusOK || r.status == http.StatusNotModified
}

// total 返回按 Content-Length 计算的响应总长度（头+正文），未声明时返回 -1。
func (r *responseHead) total() int64 {
	if r.contentLength < 0 {
		return -1
	}
	return int64(len(r.raw)) + r.contentLength
}

// forwardRequest 把请求头原样写给源站，写入须在 deadline 前完成。
func forwardRequest(conn net.Conn, raw []byte, deadline time.Time) error {
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	_, err := conn.Write(raw)
	return err
}

// readResponseHead 从源站读取直到 "\r\n\r\n"，返回头部以及随头部一起读到的正文字节。
// 整个头部必须在 deadline 前到达，逐字节慢速发送的源站不会延长等待。
func readResponseHead(conn net.Conn, limit int, deadline time.Time) (*responseHead, []byte, error) {
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, nil, err
	}
	buf := make([]byte, limit)
	filled := 0
	for {
		if filled == limit {
			return nil, nil, errHeaderTooLarge
		}
		n, err := conn.Read(buf[filled:])
		start := filled - len(headerTerminator) + 1
		if start < 0 {
			start = 0
		}
		filled += n
		if idx := bytes.Index(buf[start:filled], headerTerminator); idx >= 0 {
			end := start + idx + len(headerTerminator)
			head, perr := parseResponseHead(buf[:end])
			if perr != nil {
				return nil, nil, perr
			}
			rest := append([]byte(nil), buf[end:filled]...)
			return head, rest, nil
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, nil, fmt.Errorf("%w: closed before end of headers", errBadResponse)
			}
			return nil, nil, err
		}
	}
}

func parseResponseHead(raw []byte) (*responseHead, error) {
	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(raw)), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errBadResponse, err)
	}
	if resp.Body != nil {
		resp.Body.Close()
	}
	return &responseHead{
		raw:           append([]byte(nil), raw...),
		status:        resp.StatusCode,
		contentLength: resp.ContentLength,
	}, nil
}
