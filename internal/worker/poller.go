package worker

import (
	"errors"
	"io"
	"net"
	"os"
	"time"
)

type readiness int

const (
	pollIdle readiness = iota
	pollReadable
	pollHangup
)

const minPeekWait = time.Millisecond

// peekReadiness 通过带超时的 Peek 判断无原始描述符连接的就绪状态。
// Peek 读到的数据留在 bufio 缓冲中，之后的 Read 仍能取到。
func peekReadiness(c *Conn, wait time.Duration) readiness {
	if c.buffered() {
		return pollReadable
	}
	if wait < minPeekWait {
		wait = minPeekWait
	}
	if err := c.nc.SetReadDeadline(time.Now().Add(wait)); err != nil {
		return pollHangup
	}
	_, err := c.br.Peek(1)
	_ = c.nc.SetReadDeadline(time.Time{})
	switch {
	case err == nil:
		return pollReadable
	case isTimeout(err):
		return pollIdle
	case errors.Is(err, io.EOF):
		// 让处理器读到 EOF 并按正常断开收尾。
		return pollReadable
	default:
		return pollHangup
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// peekAll 把 timeout 平均分给 idx 指向的连接依次探测。
func peekAll(conns []*Conn, idx []int, states []readiness, timeout time.Duration) {
	if len(idx) == 0 {
		return
	}
	wait := timeout / time.Duration(len(idx))
	for _, i := range idx {
		states[i] = peekReadiness(conns[i], wait)
	}
}
