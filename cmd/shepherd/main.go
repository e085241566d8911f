package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"herd/internal/batch"
	"herd/internal/config"
	"herd/internal/logging"
	"herd/internal/metrics"
	"herd/internal/shepherd/discovery"
	"herd/internal/shepherd/dispatcher"
	"herd/pkg/model"
	"herd/pkg/store"

	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "Path to the YAML config file")
	batchFile := flag.String("batch", "", "Experiment batch file (overrides dispatcher.batch_file)")
	flag.Parse()

	if err := run(*configPath, *batchFile); err != nil {
		fmt.Fprintln(os.Stderr, "shepherd:", err)
		os.Exit(1)
	}
}

func run(configPath, batchFile string) error {
	// 1. 加载配置
	cfg, err := config.NewLoader().WithConfigPath(configPath).Load()
	if err != nil {
		return err
	}
	if batchFile != "" {
		cfg.Dispatcher.BatchFile = batchFile
	}
	if cfg.Dispatcher.BatchFile == "" {
		return errors.New("no experiment batch given (-batch or dispatcher.batch_file)")
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	units, err := batch.Load(cfg.Dispatcher.BatchFile)
	if err != nil {
		return err
	}
	logger.Info("experiment batch loaded", zap.String("file", cfg.Dispatcher.BatchFile), zap.Int("units", len(units)))

	// 2. 初始化存储
	st, err := store.Open(cfg.Store.Backend, cfg.Store.Endpoints, cfg.Store.DialTimeout, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	// 3. 指标
	collector := metrics.NewCollector("herd_shepherd", logger)
	if cfg.Metrics.Enabled {
		srv := collector.Serve(cfg.Metrics.ListenAddr)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
		}()
	}

	// 4. 发现服务
	registry := discovery.NewRegistry(cfg.Discovery.RefreshInterval, func(a *model.Agent) {
		logger.Info("herd agent joined",
			zap.String("ip", a.IP()),
			zap.String("processor_id", a.ProcessorID()),
			zap.String("info", a.FormattedProcessorInfo()),
		)
	}, logger)
	svc := discovery.NewService(cfg.Discovery, registry, logger, discovery.WithMetrics(collector))
	defer svc.Close()

	// 5. 派发，Ctrl+C 时把未完成的单元放回 Pending 后退出
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d := dispatcher.New(cfg, svc, st, logger,
		dispatcher.WithMetrics(collector),
		dispatcher.WithObserver(func(s dispatcher.UnitStatus) {
			if s.State == model.UnitFinished || s.State == model.UnitError {
				logger.Info("unit done",
					zap.String("unit", s.Unit),
					zap.Stringer("state", s.State),
					zap.String("agent", s.Agent),
					zap.String("error", s.Error),
				)
			}
		}),
	)
	statuses, err := d.Run(ctx, units)
	printSummary(statuses)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("Shutting down shepherd...")
			return nil
		}
		return err
	}

	failed := 0
	for _, s := range statuses {
		if s.State != model.UnitFinished {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d units did not finish", failed, len(statuses))
	}
	return nil
}

func printSummary(statuses []dispatcher.UnitStatus) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "UNIT\tSTATE\tAGENT\tPROGRESS\tATTEMPTS\tERROR")
	for _, s := range statuses {
		fmt.Fprintf(w, "%s\t%s\t%s\t%.1f%%\t%d\t%s\n", s.Unit, s.State, s.Agent, s.Progress, s.Attempts, s.Error)
	}
	w.Flush()
}
