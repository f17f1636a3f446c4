package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/any-hub/fwdcache/internal/worker"
)

const maxAcceptBackoff = time.Second

// Listen 在所有地址上监听 TCP 端口，失败属于启动期致命错误。
func Listen(port int) (net.Listener, error) {
	if port < 0 || port > 65535 {
		return nil, fmt.Errorf("invalid listen port: %d", port)
	}
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("listen on port %d: %w", port, err)
	}
	return ln, nil
}

// ConnPool 是 Acceptor 分配连接的目标，由 worker.Pool 实现。
type ConnPool interface {
	Add(net.Conn) (*worker.Conn, error)
}

// AcceptorOptions 控制接入限速。Rate 为 0 表示不限速。
type AcceptorOptions struct {
	Rate   float64
	Burst  int
	Logger *logrus.Logger
}

// Acceptor 接收客户端连接并交给连接池。
type Acceptor struct {
	ln      net.Listener
	pool    ConnPool
	limiter *rate.Limiter
	logger  *logrus.Logger

	accepted atomic.Uint64
	rejected atomic.Uint64
}

// NewAcceptor 构建 Acceptor，ln 的生命周期由 Serve 接管。
func NewAcceptor(ln net.Listener, pool ConnPool, opts AcceptorOptions) (*Acceptor, error) {
	if ln == nil {
		return nil, errors.New("listener is required")
	}
	if pool == nil {
		return nil, errors.New("connection pool is required")
	}
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	a := &Acceptor{ln: ln, pool: pool, logger: opts.Logger}
	if opts.Rate > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		a.limiter = rate.NewLimiter(rate.Limit(opts.Rate), burst)
	}
	return a, nil
}

// Addr 返回监听地址。
func (a *Acceptor) Addr() net.Addr {
	return a.ln.Addr()
}

// Serve 循环接收连接，直到 ctx 取消或监听器被关闭，此时返回 nil。
// 临时性错误按指数退避重试；连接池满时直接关闭该连接。
func (a *Acceptor) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = a.ln.Close() })
	defer stop()

	var backoff time.Duration
	for {
		if a.limiter != nil {
			if err := a.limiter.Wait(ctx); err != nil {
				return nil
			}
		}

		conn, err := a.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else {
				backoff *= 2
			}
			if backoff > maxAcceptBackoff {
				backoff = maxAcceptBackoff
			}
			a.logger.WithError(err).WithFields(logrus.Fields{
				"action":  "accept",
				"backoff": backoff.String(),
			}).Warn("accept failed, retrying")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		backoff = 0

		if _, err := a.pool.Add(conn); err != nil {
			a.rejected.Add(1)
			a.logger.WithError(err).WithFields(logrus.Fields{
				"action": "accept",
				"remote": conn.RemoteAddr().String(),
			}).Warn("connection rejected")
			_ = conn.Close()
			continue
		}
		a.accepted.Add(1)
	}
}

// AcceptStats 统计已接入与被拒绝的连接数。
type AcceptStats struct {
	Accepted uint64 `json:"accepted"`
	Rejected uint64 `json:"rejected"`
}

// Stats 返回接入计数快照。
func (a *Acceptor) Stats() AcceptStats {
	return AcceptStats{
		Accepted: a.accepted.Load(),
		Rejected: a.rejected.Load(),
	}
}
