// Package executor 在 herd agent 上运行任务，把可执行文件的输出转换成监控消息
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"

	"herd/internal/config"
	"herd/pkg/model"

	"go.uber.org/zap"
)

// ErrEmptyCommand 任务没有可执行文件
var ErrEmptyCommand = errors.New("empty command line")

// Emit 每产生一条监控消息调用一次
type Emit func(msg *model.Message)

// Executor 运行一个任务直到结束
// 返回 nil 表示成功，End 消息由调用方根据返回值发送
type Executor interface {
	Run(ctx context.Context, task *model.Task, workDir string, emit Emit) error
}

// New 按配置选择执行器
func New(cfg config.AgentConfig, logger *zap.Logger) (Executor, error) {
	switch cfg.Executor {
	case "", "process":
		return NewProcessExecutor(logger), nil
	case "docker":
		e, err := NewDockerExecutor(cfg.DockerImage, logger)
		if err != nil {
			return nil, err
		}
		return e, nil
	default:
		return nil, fmt.Errorf("unknown executor %q", cfg.Executor)
	}
}

// CommandLine 返回可执行文件和参数
// Arguments 以可执行文件开头时去掉它，兼容只带参数的旧任务头
func CommandLine(task *model.Task) (string, []string, error) {
	args, err := SplitArguments(task.Arguments)
	if err != nil {
		return "", nil, err
	}
	exe := task.Exe
	if exe == "" {
		if len(args) == 0 {
			return "", nil, ErrEmptyCommand
		}
		return args[0], args[1:], nil
	}
	if len(args) > 0 && path.Clean(args[0]) == path.Clean(exe) {
		args = args[1:]
	}
	return exe, args, nil
}

// SplitArguments 按空白切分命令行，双引号内的空白保留，引号本身去掉
func SplitArguments(s string) ([]string, error) {
	var (
		args    []string
		cur     strings.Builder
		inQuote bool
		started bool
	)
	for _, r := range s {
		switch {
		case r == '"':
			inQuote = !inQuote
			started = true
		case !inQuote && (r == ' ' || r == '\t' || r == '\n' || r == '\r'):
			if started {
				args = append(args, cur.String())
				cur.Reset()
				started = false
			}
		default:
			cur.WriteRune(r)
			started = true
		}
	}
	if inQuote {
		return nil, fmt.Errorf("unterminated quote in %q", s)
	}
	if started {
		args = append(args, cur.String())
	}
	return args, nil
}

// 输出行里的监控标记
var outputTags = []struct {
	name string
	typ  model.MessageType
}{
	{"Progress", model.MessageProgress},
	{"Evaluation", model.MessageEvaluation},
	{"Message", model.MessageGeneral},
}

// ParseOutputLine 把可执行文件输出的一行转换成监控消息
// <Progress>45.2</Progress>、<Evaluation>0.0,-1.23</Evaluation>、<Message>text</Message>
// 其他内容原样作为 General 消息
func ParseOutputLine(task, line string) *model.Message {
	trimmed := strings.TrimSpace(line)
	for _, t := range outputTags {
		open, end := "<"+t.name+">", "</"+t.name+">"
		if len(trimmed) >= len(open)+len(end) && strings.HasPrefix(trimmed, open) && strings.HasSuffix(trimmed, end) {
			return &model.Message{Task: task, Type: t.typ, Content: trimmed[len(open) : len(trimmed)-len(end)]}
		}
	}
	return &model.Message{Task: task, Type: model.MessageGeneral, Content: line}
}

const maxLineSize = 64 * 1024

// lineWriter 把写入的字节按行切分，每行 emit 一条消息
// 超长的行会被截断成多条
type lineWriter struct {
	task string
	emit Emit

	mu   sync.Mutex
	buf  []byte
	tail []string // 最近几行，用于错误信息
}

func newLineWriter(task string, emit Emit) *lineWriter {
	return &lineWriter{task: task, emit: emit}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			if len(w.buf) >= maxLineSize {
				w.line(w.buf[:maxLineSize])
				w.buf = w.buf[maxLineSize:]
				continue
			}
			break
		}
		w.line(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

// Flush 输出最后一行不完整的内容
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.line(w.buf)
		w.buf = nil
	}
}

// Tail 最近输出的几行
func (w *lineWriter) Tail() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return strings.Join(w.tail, "\n")
}

func (w *lineWriter) line(b []byte) {
	s := strings.TrimRight(string(b), "\r")
	if strings.TrimSpace(s) == "" {
		return
	}
	w.tail = append(w.tail, s)
	if len(w.tail) > 5 {
		w.tail = w.tail[1:]
	}
	if w.emit != nil {
		w.emit(ParseOutputLine(w.task, s))
	}
}
