package executor

import (
	"context"
	"fmt"
	"io"
	"path"
	"path/filepath"

	"herd/pkg/model"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"
)

// 容器内 job 目录的挂载点
const containerJobDir = "/job"

// DockerExecutor 在容器里运行任务
// job 目录挂载到 /job，工作目录为 /job/<workDir 的最后一级>
type DockerExecutor struct {
	cli    *client.Client
	image  string
	logger *zap.Logger
}

// NewDockerExecutor 初始化 Docker 客户端
func NewDockerExecutor(image string, logger *zap.Logger) (*DockerExecutor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	// 自动从环境变量或默认路径连接本地 Docker
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithVersion("1.44"))
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &DockerExecutor{
		cli:    cli,
		image:  image,
		logger: logger.With(zap.String("component", "docker_executor"), zap.String("image", image)),
	}, nil
}

// Close 关闭 Docker 客户端
func (e *DockerExecutor) Close() error { return e.cli.Close() }

// Run 创建容器运行任务，日志按行转成监控消息
func (e *DockerExecutor) Run(ctx context.Context, task *model.Task, workDir string, emit Emit) error {
	exe, args, err := CommandLine(task)
	if err != nil {
		return fmt.Errorf("task %s: %w", task.Name, err)
	}
	jobDir, err := filepath.Abs(filepath.Dir(workDir))
	if err != nil {
		return err
	}
	containerWorkDir := path.Join(containerJobDir, filepath.Base(workDir))
	if !path.IsAbs(exe) {
		exe = path.Join(containerWorkDir, exe)
	}

	// 1. 本地没有镜像时拉取
	if err := e.ensureImage(ctx); err != nil {
		return err
	}

	// 2. 创建容器
	resp, err := e.cli.ContainerCreate(ctx, &container.Config{
		Image:      e.image,
		Cmd:        append([]string{exe}, args...),
		WorkingDir: containerWorkDir,
		Tty:        false,
	}, &container.HostConfig{
		Binds: []string{jobDir + ":" + containerJobDir},
	}, nil, nil, "")
	if err != nil {
		return fmt.Errorf("create container for %s: %w", task.Name, err)
	}
	containerID := resp.ID
	logger := e.logger.With(zap.String("task", task.Name), zap.String("container", shortID(containerID)))
	logger.Debug("container created")

	// 清理容器，取消后也要执行
	defer func() {
		rmCtx := context.WithoutCancel(ctx)
		if err := e.cli.ContainerRemove(rmCtx, containerID, types.ContainerRemoveOptions{Force: true}); err != nil {
			logger.Warn("failed to remove container", zap.Error(err))
		}
	}()

	// 3. 启动容器
	if err := e.cli.ContainerStart(ctx, containerID, types.ContainerStartOptions{}); err != nil {
		return fmt.Errorf("start container for %s: %w", task.Name, err)
	}
	logger.Info("container started")

	// 4. 跟随日志，stdcopy 把多路复用流拆开，两路都写到同一个 lineWriter
	out := newLineWriter(task.Name, emit)
	logs, err := e.cli.ContainerLogs(ctx, containerID, types.ContainerLogsOptions{ShowStdout: true, ShowStderr: true, Follow: true})
	if err != nil {
		return fmt.Errorf("container logs for %s: %w", task.Name, err)
	}
	logsDone := make(chan error, 1)
	go func() {
		defer logs.Close()
		_, err := stdcopy.StdCopy(out, out, logs)
		logsDone <- err
	}()

	// 5. 等待容器结束
	statusCh, errCh := e.cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	var exitCode int64
	select {
	case err := <-errCh:
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("task %s canceled: %w", task.Name, ctx.Err())
			}
			return fmt.Errorf("wait container for %s: %w", task.Name, err)
		}
	case status := <-statusCh:
		if status.Error != nil {
			return fmt.Errorf("task %s: %s", task.Name, status.Error.Message)
		}
		exitCode = status.StatusCode
	}

	select {
	case err := <-logsDone:
		if err != nil {
			logger.Warn("log stream ended with error", zap.Error(err))
		}
	case <-ctx.Done():
	}
	out.Flush()

	if exitCode != 0 {
		if tail := out.Tail(); tail != "" {
			return fmt.Errorf("task %s: exit code %d: %s", task.Name, exitCode, tail)
		}
		return fmt.Errorf("task %s: exit code %d", task.Name, exitCode)
	}
	logger.Info("container finished")
	return nil
}

func (e *DockerExecutor) ensureImage(ctx context.Context) error {
	_, _, err := e.cli.ImageInspectWithRaw(ctx, e.image)
	if err == nil {
		return nil
	}
	if !client.IsErrNotFound(err) {
		return fmt.Errorf("inspect image %s: %w", e.image, err)
	}
	e.logger.Info("pulling image")
	reader, err := e.cli.ImagePull(ctx, e.image, types.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", e.image, err)
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
