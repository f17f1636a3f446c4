package worker

import (
	"bufio"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// Conn 是被某个 worker 槽位持有的客户端连接。
// 除 closed 外的字段只由所属 worker 访问，不需要加锁。
type Conn struct {
	ID       string
	Slot     int
	Accepted time.Time

	nc  net.Conn
	br  *bufio.Reader
	fd  int // 不支持原始描述符时为 -1，轮询退化为探测读
	req []byte

	closed    atomic.Bool
	closeOnce sync.Once
}

func newConn(nc net.Conn) *Conn {
	return &Conn{
		ID:       uuid.NewString(),
		Accepted: time.Now(),
		nc:       nc,
		br:       bufio.NewReader(nc),
		fd:       rawFD(nc),
	}
}

// rawFD 通过 SyscallConn 取得底层描述符，只用于就绪轮询，读写仍经由 net.Conn。
func rawFD(nc net.Conn) int {
	sc, ok := nc.(syscall.Conn)
	if !ok {
		return -1
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}
	fd := -1
	if err := raw.Control(func(p uintptr) { fd = int(p) }); err != nil {
		return -1
	}
	return fd
}

// Read 从连接读取数据，包含轮询探测时已缓冲的字节。
func (c *Conn) Read(p []byte) (int, error) {
	return c.br.Read(p)
}

// Write 直接写入底层连接。
func (c *Conn) Write(p []byte) (int, error) {
	return c.nc.Write(p)
}

// NetConn 返回底层连接，供设置超时等操作使用。
func (c *Conn) NetConn() net.Conn {
	return c.nc
}

// RemoteAddr 返回客户端地址字符串。
func (c *Conn) RemoteAddr() string {
	if addr := c.nc.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// Request 返回目前累积的请求字节。
func (c *Conn) Request() []byte {
	return c.req
}

// AppendRequest 追加读到的请求字节并返回累积长度。
func (c *Conn) AppendRequest(p []byte) int {
	c.req = append(c.req, p...)
	return len(c.req)
}

// MarkClosed 标记连接可被回收，实际关闭由 worker 在压缩连接表时完成。
func (c *Conn) MarkClosed() {
	c.closed.Store(true)
}

// Closed 表示连接是否已被标记关闭。
func (c *Conn) Closed() bool {
	return c.closed.Load()
}

func (c *Conn) buffered() bool {
	return c.br.Buffered() > 0
}

func (c *Conn) close() error {
	c.closed.Store(true)
	var err error
	c.closeOnce.Do(func() {
		err = c.nc.Close()
	})
	return err
}
