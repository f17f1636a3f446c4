//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package worker

import "time"

// pollConns 在没有 poll(2) 的平台上逐个探测连接。
func pollConns(conns []*Conn, timeout time.Duration) []readiness {
	states := make([]readiness, len(conns))
	idx := make([]int, 0, len(conns))
	for i, c := range conns {
		if c.buffered() {
			states[i] = pollReadable
			continue
		}
		idx = append(idx, i)
	}
	wait := timeout
	if len(idx) < len(conns) {
		wait = 0
	}
	peekAll(conns, idx, states, wait)
	return states
}
