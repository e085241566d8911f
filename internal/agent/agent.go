// Package agent 实现 herd agent：应答发现探测，接收 job，运行任务并回传结果
package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"herd/internal/agent/executor"
	"herd/internal/config"
	"herd/internal/metrics"
	"herd/internal/transport"
	"herd/pkg/model"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Option 配置 Agent
type Option func(*Agent)

// WithMetrics 记录任务和传输字节数
func WithMetrics(c *metrics.Collector) Option {
	return func(a *Agent) { a.metrics = c }
}

// WithSystemProbe 替换资源采样 (测试用)
func WithSystemProbe(p SystemProbe) Option {
	return func(a *Agent) { a.probe = p }
}

// Agent 一个 herd agent 进程
// 同一时间只运行一个 job，运行期间状态为 Busy
type Agent struct {
	cfg       *config.Config
	probe     SystemProbe
	describer *Describer
	executor  executor.Executor
	limiter   *rate.Limiter
	metrics   *metrics.Collector
	logger    *zap.Logger

	busy atomic.Bool

	mu       sync.Mutex
	udp      *net.UDPConn
	listener net.Listener
	wg       sync.WaitGroup
}

// New 构造函数
func New(cfg *config.Config, exec executor.Executor, logger *zap.Logger, opts ...Option) *Agent {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Agent{
		cfg:      cfg,
		probe:    DefaultSystemProbe(),
		executor: exec,
		limiter:  rate.NewLimiter(rate.Limit(cfg.Agent.ReplyRate), cfg.Agent.ReplyBurst),
		logger:   logger.With(zap.String("component", "herd_agent")),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.describer = NewDescriber(cfg.Agent, a.probe, a.logger)
	return a
}

// ProcessorID 本 agent 的处理器 ID
func (a *Agent) ProcessorID() string { return a.describer.ProcessorID() }

// Listen 绑定发现端口 (UDP) 和任务端口 (TCP)
func (a *Agent) Listen() error {
	host := a.cfg.Agent.BindAddr

	udpAddr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(host, strconv.Itoa(a.cfg.Discovery.AgentPort)))
	if err != nil {
		return err
	}
	udp, err := net.ListenUDP("udp4", udpAddr)
	if err != nil {
		return fmt.Errorf("listen discovery: %w", err)
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(a.cfg.Transport.AgentComPort)))
	if err != nil {
		udp.Close()
		return fmt.Errorf("listen jobs: %w", err)
	}

	a.mu.Lock()
	a.udp, a.listener = udp, ln
	a.mu.Unlock()

	a.logger.Info("herd agent listening",
		zap.String("processor_id", a.ProcessorID()),
		zap.Stringer("discovery", udp.LocalAddr()),
		zap.Stringer("jobs", ln.Addr()),
	)
	return nil
}

// DiscoveryAddr Listen 之后的 UDP 地址
func (a *Agent) DiscoveryAddr() netip.AddrPort {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.udp == nil {
		return netip.AddrPort{}
	}
	return a.udp.LocalAddr().(*net.UDPAddr).AddrPort()
}

// JobAddr Listen 之后的 TCP 地址
func (a *Agent) JobAddr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

// Run 绑定端口并服务，直到 ctx 结束
func (a *Agent) Run(ctx context.Context) error {
	if err := a.Listen(); err != nil {
		return err
	}
	return a.Serve(ctx)
}

// Serve 需要先 Listen；ctx 结束时关闭 socket 并等待正在运行的 job 退出
func (a *Agent) Serve(ctx context.Context) error {
	a.mu.Lock()
	udp, ln := a.udp, a.listener
	a.mu.Unlock()
	if udp == nil || ln == nil {
		return errors.New("agent is not listening")
	}

	stop := context.AfterFunc(ctx, func() {
		udp.Close()
		ln.Close()
	})
	defer stop()

	g := new(errgroup.Group)
	// 1. 启动发现应答
	g.Go(func() error { return a.serveDiscovery(ctx, udp) })
	// 2. 启动任务监听
	g.Go(func() error { return a.serveJobs(ctx, ln) })

	err := g.Wait()
	a.wg.Wait()
	a.logger.Info("herd agent stopped")
	return err
}

// serveDiscovery 对每个正确的探测报文回复自描述，回复发往报文的来源地址
func (a *Agent) serveDiscovery(ctx context.Context, conn *net.UDPConn) error {
	buf := make([]byte, 1024)
	for {
		n, from, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			a.logger.Warn("discovery receive error", zap.Error(err))
			continue
		}
		if string(buf[:n]) != a.cfg.Discovery.Message {
			a.metrics.DatagramDropped("not_probe")
			a.logger.Debug("ignoring datagram", zap.Stringer("from", from))
			continue
		}
		if !a.limiter.Allow() {
			a.metrics.DatagramDropped("rate_limited")
			continue
		}

		desc, err := a.describer.Describe().MarshalDescription()
		if err != nil {
			a.logger.Error("failed to build description", zap.Error(err))
			continue
		}
		if _, err := conn.WriteToUDPAddrPort(desc, from); err != nil {
			a.logger.Warn("failed to answer probe", zap.Stringer("to", from), zap.Error(err))
		}
	}
}

func (a *Agent) serveJobs(ctx context.Context, ln net.Listener) error {
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			a.logger.Warn("accept error", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.handleConn(ctx, nc)
		}()
	}
}

// handleConn 一个连接上收一个 job，运行完后回传结果
func (a *Agent) handleConn(ctx context.Context, nc net.Conn) {
	connCfg := transport.ConnConfig{
		AcquireMessage: a.cfg.Transport.AcquireMessage,
		BufferSize:     a.cfg.Transport.BufferSize,
		ElementGrace:   a.cfg.Transport.ElementGrace,
	}
	// 1. 校验占用口令
	conn, err := transport.AcceptShepherd(ctx, nc, connCfg, a.logger)
	if err != nil {
		a.logger.Warn("rejected connection", zap.Stringer("remote", nc.RemoteAddr()), zap.Error(err))
		return
	}
	defer conn.Disconnect()

	if !a.busy.CompareAndSwap(false, true) {
		a.logger.Warn("already running a job, dropping connection", zap.Stringer("remote", conn.RemoteAddr()))
		return
	}
	a.describer.SetState(model.StateBusy)
	defer func() {
		a.describer.SetState(model.StateAvailable)
		a.busy.Store(false)
	}()

	if err := a.runJob(ctx, conn); err != nil {
		if errors.Is(err, context.Canceled) {
			a.logger.Info("job canceled", zap.Error(err))
		} else {
			a.logger.Error("job failed", zap.Error(err))
		}
	}
}

// runJob 接收 job，并发运行任务，回传消息和输出文件
// 输入文件写到 <jobDir>/run，允许 "../x" 这样的名字落在 jobDir 里
func (a *Agent) runJob(ctx context.Context, conn *transport.Conn) error {
	if err := os.MkdirAll(a.cfg.Agent.WorkDir, 0o755); err != nil {
		return err
	}
	jobDir, err := os.MkdirTemp(a.cfg.Agent.WorkDir, "job-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(jobDir)
	runDir := filepath.Join(jobDir, "run")

	tx, err := conn.Transmitter(transport.Options{
		SourceDir:   runDir,
		DestDir:     runDir,
		Confine:     jobDir,
		MaxFileSize: a.cfg.Transport.MaxFileSize,
		Grammar:     transport.GrammarCurrent,
		OnBytes:     a.metrics.AddBytes,
	})
	if err != nil {
		return err
	}

	// 1. 接收任务和输入文件
	job, err := tx.ReceiveJobQuery(ctx)
	if err != nil {
		return err
	}
	logger := a.logger.With(zap.String("job", job.Name))
	logger.Info("job received",
		zap.Int("tasks", len(job.Tasks)),
		zap.Int("inputs", len(job.InputFiles)),
		zap.Bool("token", job.AuthenticationToken != ""),
	)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return err
	}

	// 2. 回复 Job 头
	if err := tx.SendJobHeader(ctx, job); err != nil {
		return err
	}

	// 3. 并发运行任务，只有连接错误会中断其他任务
	g, gctx := errgroup.WithContext(ctx)
	for _, task := range job.Tasks {
		task := task // per-iteration copy (go 1.21 loop semantics)
		g.Go(func() error { return a.runTask(gctx, tx, task, runDir, logger) })
	}
	if err := g.Wait(); err != nil {
		return err
	}

	// 4. 回传输出文件
	for _, name := range job.OutputFiles {
		if !filepath.IsLocal(filepath.Join("run", filepath.FromSlash(name))) {
			logger.Warn("refusing to send file outside the job directory", zap.String("file", name))
			continue
		}
		if err := tx.SendFile(ctx, transport.TagOutput, name); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				logger.Warn("output file missing", zap.String("file", name))
				continue
			}
			return err
		}
	}

	// 5. Job 尾
	if err := tx.SendJobFooter(ctx); err != nil {
		return err
	}
	logger.Info("job done")
	return nil
}

// runTask 运行一个任务，最后发送 End 消息
func (a *Agent) runTask(ctx context.Context, tx *transport.Transmitter, task *model.Task, runDir string, logger *zap.Logger) error {
	emit := func(msg *model.Message) {
		if err := tx.SendMessage(ctx, msg); err != nil {
			logger.Debug("failed to send message", zap.String("task", task.Name), zap.Error(err))
		}
	}

	end := &model.Message{Task: task.Name, Type: model.MessageEnd, Content: model.EndMessageOK}
	result := "ok"
	if err := a.executor.Run(ctx, task, runDir, emit); err != nil {
		end.Content = err.Error()
		result = "failed"
		logger.Warn("task failed", zap.String("task", task.Name), zap.Error(err))
	}
	a.metrics.TaskExecuted(result)

	if err := tx.SendMessage(ctx, end); err != nil {
		return fmt.Errorf("send end message for %s: %w", task.Name, err)
	}
	return nil
}
