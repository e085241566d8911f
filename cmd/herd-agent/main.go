package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"herd/internal/agent"
	"herd/internal/agent/executor"
	"herd/internal/config"
	"herd/internal/logging"
	"herd/internal/metrics"

	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "Path to the YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "herd-agent:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	// 1. 加载配置
	cfg, err := config.NewLoader().WithConfigPath(configPath).Load()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	// 2. 任务执行器
	exec, err := executor.New(cfg.Agent, logger)
	if err != nil {
		return err
	}
	if c, ok := exec.(io.Closer); ok {
		defer c.Close()
	}

	// 3. 指标
	collector := metrics.NewCollector("herd_agent", logger)
	if cfg.Metrics.Enabled {
		srv := collector.Serve(cfg.Metrics.ListenAddr)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
		}()
	}

	// 4. 启动 agent，直到收到退出信号
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := agent.New(cfg, exec, logger, agent.WithMetrics(collector))
	if err := a.Run(ctx); err != nil {
		return err
	}
	logger.Info("Shutting down herd agent...", zap.String("processor_id", a.ProcessorID()))
	return nil
}
