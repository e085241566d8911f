package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrNotConnected 连接已经断开
	ErrNotConnected = errors.New("not connected")
	// ErrAcquireRejected agent 收到的占用口令不对
	ErrAcquireRejected = errors.New("acquire message rejected")
)

// ConnConfig 控制连接的参数
type ConnConfig struct {
	Port           int
	AcquireMessage string
	DialTimeout    time.Duration
	BufferSize     int
	// 取消后完成当前元素的时限，0 表示 DefaultElementGrace
	ElementGrace time.Duration
}

// Conn 与一个 herd agent 的任务连接
type Conn struct {
	conn   net.Conn
	stream *Stream
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
}

// ConnectToHerdAgent 拨号到 agent 的任务端口并发送占用口令
// 任何失败都会关闭 socket 并返回错误
func ConnectToHerdAgent(ctx context.Context, ip string, cfg ConnConfig, logger *zap.Logger) (*Conn, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	addr := net.JoinHostPort(ip, strconv.Itoa(cfg.Port))
	dialer := net.Dialer{Timeout: cfg.DialTimeout}
	nc, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, wrapCtx(ctx, fmt.Errorf("connect to herd agent %s: %w", addr, err))
	}

	c := newConn(nc, cfg, logger)
	if err := c.stream.WriteTextElement(ctx, StartTag(TagAcquire), cfg.AcquireMessage); err != nil {
		c.Disconnect()
		return nil, fmt.Errorf("acquire herd agent %s: %w", addr, err)
	}
	c.logger.Debug("connected to herd agent")
	return c, nil
}

// AcceptShepherd agent 侧：读取并校验占用口令
func AcceptShepherd(ctx context.Context, nc net.Conn, cfg ConnConfig, logger *zap.Logger) (*Conn, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := newConn(nc, cfg, logger)
	if _, err := c.stream.ExpectTag(ctx, TagAcquire); err != nil {
		c.Disconnect()
		return nil, fmt.Errorf("read acquire message: %w", err)
	}
	msg, err := c.stream.ReadText(ctx, TagAcquire)
	if err != nil {
		c.Disconnect()
		return nil, fmt.Errorf("read acquire message: %w", err)
	}
	if msg != cfg.AcquireMessage {
		c.Disconnect()
		return nil, fmt.Errorf("%w: %q", ErrAcquireRejected, msg)
	}
	return c, nil
}

func newConn(nc net.Conn, cfg ConnConfig, logger *zap.Logger) *Conn {
	stream := NewStream(nc, cfg.BufferSize)
	stream.SetElementGrace(cfg.ElementGrace)
	return &Conn{
		conn:   nc,
		stream: stream,
		logger: logger.With(zap.String("component", "herd_conn"), zap.String("remote", nc.RemoteAddr().String())),
	}
}

// Transmitter 在这条连接上创建一个 Transmitter
func (c *Conn) Transmitter(opts Options) (*Transmitter, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrNotConnected
	}
	return NewTransmitter(c.stream, opts, c.logger), nil
}

// RemoteAddr 对端地址
func (c *Conn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// Disconnect 无条件关闭，可重复调用
func (c *Conn) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if err := c.conn.Close(); err != nil {
		c.logger.Debug("close connection", zap.Error(err))
	}
}
