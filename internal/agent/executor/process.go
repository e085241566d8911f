package executor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"herd/pkg/model"

	"go.uber.org/zap"
)

// ProcessExecutor 直接在本机以子进程运行任务
type ProcessExecutor struct {
	// 取消后等待输出管道关闭的时间
	WaitDelay time.Duration
	logger    *zap.Logger
}

// NewProcessExecutor 构造函数
func NewProcessExecutor(logger *zap.Logger) *ProcessExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProcessExecutor{
		WaitDelay: 2 * time.Second,
		logger:    logger.With(zap.String("component", "process_executor")),
	}
}

// Run 在 workDir 下运行任务，stdout 和 stderr 的每一行都转成监控消息
func (e *ProcessExecutor) Run(ctx context.Context, task *model.Task, workDir string, emit Emit) error {
	exe, args, err := CommandLine(task)
	if err != nil {
		return fmt.Errorf("task %s: %w", task.Name, err)
	}

	// 1. 收到的文件没有执行权限
	exePath := filepath.FromSlash(exe)
	if !filepath.IsAbs(exePath) {
		exePath = filepath.Join(workDir, exePath)
	}
	if err := ensureExecutable(exePath); err != nil {
		return fmt.Errorf("task %s: %w", task.Name, err)
	}

	// 2. 启动进程
	out := newLineWriter(task.Name, emit)
	cmd := exec.CommandContext(ctx, exePath, args...)
	cmd.Dir = workDir
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = e.WaitDelay

	e.logger.Info("starting task", zap.String("task", task.Name), zap.String("exe", exePath), zap.Strings("args", args))
	start := time.Now()
	err = cmd.Run()
	out.Flush()

	// 3. 结果
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("task %s canceled: %w", task.Name, ctx.Err())
		}
		if tail := out.Tail(); tail != "" {
			return fmt.Errorf("task %s: %w: %s", task.Name, err, tail)
		}
		return fmt.Errorf("task %s: %w", task.Name, err)
	}
	e.logger.Info("task finished", zap.String("task", task.Name), zap.Duration("elapsed", time.Since(start)))
	return nil
}

func ensureExecutable(p string) error {
	info, err := os.Stat(p)
	if err != nil {
		return err
	}
	if info.Mode()&0o111 != 0 {
		return nil
	}
	return os.Chmod(p, info.Mode()|0o755)
}
