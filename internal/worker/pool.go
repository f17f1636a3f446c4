package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/fwdcache/internal/logging"
)

var (
	// ErrPoolFull 表示所有 worker 都已满载，调用方需要自行关闭连接。
	ErrPoolFull = errors.New("worker pool full")
	// ErrPoolClosed 表示连接池已关闭或尚未启动。
	ErrPoolClosed = errors.New("worker pool closed")
)

const (
	DefaultWorkers             = 8
	DefaultMaxClientsPerWorker = 64
	DefaultPollInterval        = 50 * time.Millisecond
)

// Handler 处理一个可读的连接。调用在 worker 内同步执行，
// 期间同一 worker 上的其他连接不会被服务。
type Handler interface {
	HandleReadable(ctx context.Context, c *Conn)
}

// HandlerFunc 让普通函数满足 Handler。
type HandlerFunc func(ctx context.Context, c *Conn)

func (f HandlerFunc) HandleReadable(ctx context.Context, c *Conn) {
	f(ctx, c)
}

// Options 控制连接池规模。
type Options struct {
	Workers             int
	MaxClientsPerWorker int
	PollInterval        time.Duration
	Logger              *logrus.Logger
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers
	}
	if o.MaxClientsPerWorker <= 0 {
		o.MaxClientsPerWorker = DefaultMaxClientsPerWorker
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.Logger == nil {
		o.Logger = logging.Discard()
	}
	return o
}

// slot 是单个 worker 拥有的连接表。conns 与 shutdown 由 mu 保护。
type slot struct {
	index int

	mu       sync.Mutex
	cond     *sync.Cond
	conns    []*Conn
	shutdown bool

	load atomic.Int32
}

func newSlot(index, capacity int) *slot {
	s := &slot{index: index, conns: make([]*Conn, 0, capacity)}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Pool 由固定数量的 worker 组成，每个 worker 通过就绪轮询复用多个连接。
type Pool struct {
	opts    Options
	handler Handler
	logger  *logrus.Logger
	slots   []*slot

	started atomic.Bool
	closed  atomic.Bool
	group   *errgroup.Group
	cancel  context.CancelFunc
}

// New 构建连接池，需调用 Start 后才会接收连接。
func New(opts Options, handler Handler) *Pool {
	opts = opts.withDefaults()
	p := &Pool{
		opts:    opts,
		handler: handler,
		logger:  opts.Logger,
		slots:   make([]*slot, opts.Workers),
	}
	for i := range p.slots {
		p.slots[i] = newSlot(i, opts.MaxClientsPerWorker)
	}
	return p
}

// Start 启动全部 worker。ctx 取消等价于调用 Shutdown。
func (p *Pool) Start(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return errors.New("worker pool already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	g, gctx := errgroup.WithContext(ctx)
	p.group = g
	for _, s := range p.slots {
		s := s
		g.Go(func() error {
			return p.run(gctx, s)
		})
	}
	context.AfterFunc(ctx, p.signalShutdown)

	p.logger.WithFields(logrus.Fields{
		"action":                 "pool_start",
		"workers":                p.opts.Workers,
		"max_clients_per_worker": p.opts.MaxClientsPerWorker,
		"poll_interval":          p.opts.PollInterval.String(),
	}).Info("worker pool started")
	return nil
}

// Add 把连接分配给负载最低且仍有容量的 worker。
// 返回 ErrPoolFull 时连接未被接管，调用方负责关闭。
func (p *Pool) Add(nc net.Conn) (*Conn, error) {
	if !p.started.Load() || p.closed.Load() {
		return nil, ErrPoolClosed
	}

	order := make([]*slot, len(p.slots))
	copy(order, p.slots)
	sort.SliceStable(order, func(i, j int) bool {
		return order[i].load.Load() < order[j].load.Load()
	})

	c := newConn(nc)
	for _, s := range order {
		s.mu.Lock()
		if s.shutdown {
			s.mu.Unlock()
			return nil, ErrPoolClosed
		}
		if len(s.conns) >= p.opts.MaxClientsPerWorker {
			s.mu.Unlock()
			continue
		}
		c.Slot = s.index
		s.conns = append(s.conns, c)
		s.load.Store(int32(len(s.conns)))
		s.cond.Signal()
		s.mu.Unlock()
		return c, nil
	}
	return nil, ErrPoolFull
}

// Loads 返回每个 worker 当前持有的连接数。
func (p *Pool) Loads() []int {
	loads := make([]int, len(p.slots))
	for i, s := range p.slots {
		loads[i] = int(s.load.Load())
	}
	return loads
}

// Capacity 返回连接池最多可同时持有的连接数。
func (p *Pool) Capacity() int {
	return p.opts.Workers * p.opts.MaxClientsPerWorker
}

// Shutdown 通知所有 worker 退出并关闭其持有的连接，等待全部 worker 结束或 ctx 到期。
func (p *Pool) Shutdown(ctx context.Context) error {
	if !p.started.Load() {
		p.closed.Store(true)
		return nil
	}
	p.signalShutdown()
	p.cancel()

	done := make(chan error, 1)
	go func() {
		done <- p.group.Wait()
	}()
	select {
	case err := <-done:
		p.logger.WithField("action", "pool_shutdown").Info("worker pool stopped")
		return err
	case <-ctx.Done():
		return fmt.Errorf("worker pool shutdown: %w", ctx.Err())
	}
}

func (p *Pool) signalShutdown() {
	p.closed.Store(true)
	for _, s := range p.slots {
		s.mu.Lock()
		s.shutdown = true
		s.cond.Broadcast()
		s.mu.Unlock()
	}
}

// run 是单个 worker 的主循环：无连接时等待，有连接时轮询并同步处理可读连接。
func (p *Pool) run(ctx context.Context, s *slot) error {
	for {
		s.mu.Lock()
		for len(s.conns) == 0 && !s.shutdown {
			s.cond.Wait()
		}
		if s.shutdown {
			owned := s.conns
			s.conns = nil
			s.load.Store(0)
			s.mu.Unlock()
			p.closeConns(owned, "shutdown")
			return nil
		}
		snapshot := make([]*Conn, len(s.conns))
		copy(snapshot, s.conns)
		s.mu.Unlock()

		states := pollConns(snapshot, p.opts.PollInterval)
		for i, c := range snapshot {
			switch states[i] {
			case pollHangup:
				c.MarkClosed()
			case pollReadable:
				p.serve(ctx, c)
			}
		}

		s.mu.Lock()
		kept := s.conns[:0]
		var reaped []*Conn
		for _, c := range s.conns {
			if c.Closed() {
				reaped = append(reaped, c)
				continue
			}
			kept = append(kept, c)
		}
		for i := len(kept); i < len(s.conns); i++ {
			s.conns[i] = nil
		}
		s.conns = kept
		s.load.Store(int32(len(kept)))
		s.mu.Unlock()

		p.closeConns(reaped, "reaped")
	}
}

// serve 调用处理器；处理器 panic 只影响当前连接。
func (p *Pool) serve(ctx context.Context, c *Conn) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.WithFields(logging.ConnFields(c.ID, c.Slot, c.RemoteAddr())).
				WithField("action", "handler_panic").
				Errorf("handler panic: %v", r)
			c.MarkClosed()
		}
	}()
	p.handler.HandleReadable(ctx, c)
}

func (p *Pool) closeConns(conns []*Conn, reason string) {
	for _, c := range conns {
		if err := c.close(); err != nil && !errors.Is(err, net.ErrClosed) {
			p.logger.WithFields(logging.ConnFields(c.ID, c.Slot, c.RemoteAddr())).
				WithField("action", "conn_close").
				Debugf("close %s connection: %v", reason, err)
		}
	}
}
