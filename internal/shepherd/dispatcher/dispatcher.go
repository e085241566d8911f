// Package dispatcher 驱动 shepherd 的主循环：发现 → 调度 → 传输 → 监控
package dispatcher

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"time"

	"herd/internal/config"
	"herd/internal/metrics"
	"herd/internal/shepherd/discovery"
	"herd/internal/shepherd/scheduler"
	"herd/internal/transport"
	"herd/pkg/model"
	"herd/pkg/store"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// AgentSource 提供存活 agent 列表，discovery.Service 实现了它
type AgentSource interface {
	CallHerd(ctx context.Context) error
	GetLiveAgents() []*model.Agent
}

// DialFunc 建立到 agent 的任务连接
type DialFunc func(ctx context.Context, ip string) (*transport.Conn, error)

// Option 配置 Dispatcher
type Option func(*Dispatcher)

// WithMetrics 记录 job、单元和传输字节数
func WithMetrics(c *metrics.Collector) Option {
	return func(d *Dispatcher) { d.metrics = c }
}

// WithObserver 每次单元状态变化时调用 (在传输协程里同步调用)
func WithObserver(fn func(UnitStatus)) Option {
	return func(d *Dispatcher) { d.onUpdate = fn }
}

// WithDialer 替换任务连接的建立方式
func WithDialer(fn DialFunc) Option {
	return func(d *Dispatcher) { d.dial = fn }
}

// WithLocalAddressCheck 替换本机地址判断 (SkipLocalAgent 使用)
func WithLocalAddressCheck(fn func(netip.Addr) bool) Option {
	return func(d *Dispatcher) { d.isLocal = fn }
}

// Dispatcher 把实验单元派发到 herd 上直到全部结束
type Dispatcher struct {
	cfg         config.DispatcherConfig
	waitReplies time.Duration
	maxFileSize int64

	agents    AgentSource
	scheduler *scheduler.Scheduler
	store     store.Store
	metrics   *metrics.Collector
	logger    *zap.Logger

	dial     DialFunc
	isLocal  func(netip.Addr) bool
	onUpdate func(UnitStatus)
}

// New 构造函数
func New(cfg *config.Config, agents AgentSource, st store.Store, logger *zap.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if st == nil {
		st = store.NewMemoryStore()
	}
	d := &Dispatcher{
		cfg:         cfg.Dispatcher,
		waitReplies: cfg.Discovery.WaitReplies,
		maxFileSize: cfg.Transport.MaxFileSize,
		agents:      agents,
		scheduler:   scheduler.NewScheduler(scheduler.Options{LeaveOneFreeCore: cfg.Dispatcher.LeaveOneFreeCore}, logger),
		store:       st,
		logger:      logger.With(zap.String("component", "dispatcher")),
		isLocal:     discovery.IsLocalAddress,
	}

	connCfg := transport.ConnConfig{
		Port:           cfg.Transport.AgentComPort,
		AcquireMessage: cfg.Transport.AcquireMessage,
		DialTimeout:    cfg.Transport.DialTimeout,
		BufferSize:     cfg.Transport.BufferSize,
		ElementGrace:   cfg.Transport.ElementGrace,
	}
	d.dial = func(ctx context.Context, ip string) (*transport.Conn, error) {
		return transport.ConnectToHerdAgent(ctx, ip, connCfg, logger)
	}

	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run 派发所有单元，直到每个单元结束 (Finished 或 Error) 或 ctx 被取消
// 返回每个单元的最终快照，顺序与 units 一致
func (d *Dispatcher) Run(ctx context.Context, units []*model.ExperimentalUnit) ([]UnitStatus, error) {
	pending := append([]*model.ExperimentalUnit(nil), units...)
	attempts := make(map[string]int, len(units))
	final := make(map[string]UnitStatus, len(units))

	for _, u := range units {
		st := UnitStatus{Unit: u.Name, State: model.UnitPending}
		final[u.Name] = st
		if err := d.store.SaveUnitResult(ctx, st.result()); err != nil {
			d.logger.Warn("failed to save unit result", zap.String("unit", u.Name), zap.Error(err))
		}
	}
	d.logger.Info("dispatch started", zap.Int("units", len(units)))

	for len(pending) > 0 {
		// Step 1: 呼叫 herd，收集可用 agent
		agents, err := d.availableAgents(ctx)
		if err != nil {
			return d.report(units, final), err
		}

		// Step 2: 调度
		var jobs []*model.Job
		if len(agents) > 0 {
			jobs = d.scheduler.AssignExperiments(&pending, &agents)
		}
		if len(jobs) == 0 {
			d.logger.Info("no agent can take pending units, waiting",
				zap.Int("pending", len(pending)),
				zap.Duration("retry", d.cfg.RetryInterval),
			)
			if err := sleepCtx(ctx, d.cfg.RetryInterval); err != nil {
				return d.report(units, final), err
			}
			continue
		}

		// Step 3: 每个 job 一个传输协程
		var mu sync.Mutex
		g, gctx := errgroup.WithContext(ctx)
		for _, job := range jobs {
			job := job // per-iteration copy (go 1.21 loop semantics)
			tries := make(map[string]int, len(job.Units))
			for _, u := range job.Units {
				attempts[u.Name]++
				tries[u.Name] = attempts[u.Name]
			}

			g.Go(func() error {
				statuses, requeue := d.runJob(gctx, job, tries)

				mu.Lock()
				defer mu.Unlock()
				for _, st := range statuses {
					final[st.Unit] = st
				}
				for _, u := range requeue {
					u.SelectedVersion = nil
					pending = append(pending, u)
					d.metrics.UnitRequeued()
				}
				return nil
			})
		}
		_ = g.Wait()

		if err := ctx.Err(); err != nil {
			return d.report(units, final), err
		}
	}

	d.logger.Info("dispatch finished", zap.Int("units", len(units)))
	return d.report(units, final), nil
}

// availableAgents 广播探测，等待应答，过滤掉忙碌的和 (可选) 本机的 agent
func (d *Dispatcher) availableAgents(ctx context.Context) ([]*model.Agent, error) {
	if err := d.agents.CallHerd(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		d.logger.Warn("failed to call herd", zap.Error(err))
	}
	if err := sleepCtx(ctx, d.waitReplies); err != nil {
		return nil, err
	}

	live := d.agents.GetLiveAgents()
	if err := d.store.PublishAgents(ctx, live); err != nil {
		d.logger.Warn("failed to publish agents", zap.Error(err))
	}

	var out []*model.Agent
	for _, a := range live {
		if a.State() == model.StateBusy {
			d.logger.Debug("skipping busy agent", zap.Stringer("agent", a))
			continue
		}
		if d.cfg.SkipLocalAgent && a.Addr.IsValid() && d.isLocal(a.Addr.Addr()) {
			d.logger.Debug("skipping local agent", zap.Stringer("agent", a))
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// runJob 传输一个 job 并根据结果更新单元状态
// 返回单元快照和需要重新排队的单元
func (d *Dispatcher) runJob(ctx context.Context, job *model.Job, attempts map[string]int) ([]UnitStatus, []*model.ExperimentalUnit) {
	logger := d.logger.With(zap.String("job", job.Name), zap.String("agent", job.Agent.IP()))
	mon := newJobMonitor(ctx, job, attempts, d.store, d.metrics, d.onUpdate, d.logger)
	start := time.Now()

	err := d.transfer(ctx, job, mon)

	var requeue []*model.ExperimentalUnit
	switch {
	case err == nil:
		mon.finish()
		d.metrics.RecordJob("ok", time.Since(start))
		logger.Info("job finished", zap.Float64("progress", mon.NormalizedProgress()), zap.Duration("elapsed", time.Since(start)))

	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		mon.cancel()
		d.metrics.RecordJob("canceled", time.Since(start))
		logger.Info("job transfer canceled", zap.Error(err))

	default:
		requeue = mon.fail(err, d.cfg.MaxRequeue)
		d.metrics.RecordJob("failed", time.Since(start))
		logger.Error("job transfer failed", zap.Error(err), zap.Int("requeued", len(requeue)))
	}
	return mon.statuses(), requeue
}

// transfer 连接 agent，发送 job，接收结果直到 </Job>
func (d *Dispatcher) transfer(ctx context.Context, job *model.Job, mon *jobMonitor) error {
	// 1. 连接
	mon.setAll(model.UnitSending)
	conn, err := d.dial(ctx, job.Agent.IP())
	if err != nil {
		return err
	}
	defer conn.Disconnect()

	tx, err := conn.Transmitter(transport.Options{
		SourceDir:   d.cfg.InputDir,
		DestDir:     d.cfg.OutputDir,
		MaxFileSize: d.maxFileSize,
		Grammar:     transport.GrammarCurrent,
		OnBytes:     d.metrics.AddBytes,
	})
	if err != nil {
		return err
	}

	// 2. 发送任务和输入文件
	job.PrepareTasks(d.cfg.AuthenticationToken)
	if err := tx.SendJobQuery(ctx, job); err != nil {
		return err
	}
	mon.setAll(model.UnitRunning)

	// 3. 接收监控消息和输出文件
	return tx.ReceiveJobResult(ctx, job, mon.handle)
}

func (d *Dispatcher) report(units []*model.ExperimentalUnit, final map[string]UnitStatus) []UnitStatus {
	out := make([]UnitStatus, 0, len(units))
	for _, u := range units {
		out = append(out, final[u.Name])
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
