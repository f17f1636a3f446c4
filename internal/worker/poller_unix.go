//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package worker

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"
)

// pollConns 对快照中的连接做一次就绪轮询，最多阻塞 timeout。
// 已有缓冲数据的连接直接视为可读，此时轮询不再等待。
func pollConns(conns []*Conn, timeout time.Duration) []readiness {
	states := make([]readiness, len(conns))
	fds := make([]unix.PollFd, 0, len(conns))
	idx := make([]int, 0, len(conns))
	var fallback []int
	pending := false

	for i, c := range conns {
		switch {
		case c.buffered():
			states[i] = pollReadable
			pending = true
		case c.fd < 0:
			fallback = append(fallback, i)
		default:
			fds = append(fds, unix.PollFd{Fd: int32(c.fd), Events: unix.POLLIN})
			idx = append(idx, i)
		}
	}

	wait := timeout
	if pending || len(fallback) > 0 {
		wait = 0
	}
	if len(fds) > 0 {
		n, err := unix.Poll(fds, int(wait/time.Millisecond))
		switch {
		case errors.Is(err, unix.EINTR):
			// 被信号打断时本轮视为无事件，下一轮重试。
		case err != nil:
			time.Sleep(timeout)
		case n > 0:
			for j, pfd := range fds {
				states[idx[j]] = classify(pfd.Revents)
			}
		}
	}

	peekWait := timeout
	if pending {
		peekWait = 0
	}
	peekAll(conns, fallback, states, peekWait)
	return states
}

func classify(revents int16) readiness {
	switch {
	case revents&(unix.POLLERR|unix.POLLNVAL) != 0:
		return pollHangup
	case revents&unix.POLLIN != 0:
		return pollReadable
	case revents&unix.POLLHUP != 0:
		return pollHangup
	default:
		return pollIdle
	}
}
