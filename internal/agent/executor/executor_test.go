package executor

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"herd/internal/config"
	"herd/pkg/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSplitArguments(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"   ", nil},
		{"RLSimion.exe exp.simion.exp -pipe=Exp-1", []string{"RLSimion.exe", "exp.simion.exp", "-pipe=Exp-1"}},
		{"  a\tb  c ", []string{"a", "b", "c"}},
		{`run "my experiment.exp" -pipe=x`, []string{"run", "my experiment.exp", "-pipe=x"}},
		{`a "" b`, []string{"a", "", "b"}},
	}
	for _, tt := range tests {
		got, err := SplitArguments(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := SplitArguments(`a "b`)
	assert.Error(t, err)
}

func TestCommandLine(t *testing.T) {
	exe, args, err := CommandLine(&model.Task{Exe: "bin/sim", Arguments: "bin/sim exp.exp -pipe=u"})
	require.NoError(t, err)
	assert.Equal(t, "bin/sim", exe)
	assert.Equal(t, []string{"exp.exp", "-pipe=u"}, args)

	// 旧任务头的 Arguments 不带可执行文件
	exe, args, err = CommandLine(&model.Task{Exe: "../RLSimion.exe", Arguments: "exp.exp -pipe=u"})
	require.NoError(t, err)
	assert.Equal(t, "../RLSimion.exe", exe)
	assert.Equal(t, []string{"exp.exp", "-pipe=u"}, args)

	exe, args, err = CommandLine(&model.Task{Arguments: "tool --flag"})
	require.NoError(t, err)
	assert.Equal(t, "tool", exe)
	assert.Equal(t, []string{"--flag"}, args)

	_, _, err = CommandLine(&model.Task{})
	assert.ErrorIs(t, err, ErrEmptyCommand)
}

func TestParseOutputLine(t *testing.T) {
	tests := []struct {
		line    string
		typ     model.MessageType
		content string
	}{
		{"<Progress>45.2</Progress>", model.MessageProgress, "45.2"},
		{"  <Evaluation>0.0,-1.23</Evaluation>\r", model.MessageEvaluation, "0.0,-1.23"},
		{"<Message>episode 3 done</Message>", model.MessageGeneral, "episode 3 done"},
		{"plain output", model.MessageGeneral, "plain output"},
		{"<Progress>", model.MessageGeneral, "<Progress>"},
		{"<Progress>1</Evaluation>", model.MessageGeneral, "<Progress>1</Evaluation>"},
	}
	for _, tt := range tests {
		msg := ParseOutputLine("exp-1", tt.line)
		assert.Equal(t, "exp-1", msg.Task)
		assert.Equal(t, tt.typ, msg.Type, tt.line)
		assert.Equal(t, tt.content, msg.Content, tt.line)
	}
}

func TestLineWriter(t *testing.T) {
	var got []string
	w := newLineWriter("u", func(m *model.Message) { got = append(got, m.Content) })

	_, _ = w.Write([]byte("first\r\nsec"))
	_, _ = w.Write([]byte("ond\n\n   \nthi"))
	w.Flush()
	assert.Equal(t, []string{"first", "second", "thi"}, got)
	assert.Equal(t, "first\nsecond\nthi", w.Tail())

	got = nil
	_, _ = w.Write([]byte(strings.Repeat("x", maxLineSize+10)))
	w.Flush()
	require.Len(t, got, 2)
	assert.Len(t, got[0], maxLineSize)
	assert.Len(t, got[1], 10)
}

func TestNew(t *testing.T) {
	e, err := New(config.AgentConfig{Executor: "process"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &ProcessExecutor{}, e)

	_, err = New(config.AgentConfig{Executor: "ssh"}, nil)
	assert.Error(t, err)
}

// collector 线程安全地收集消息
type collector struct {
	mu   sync.Mutex
	msgs []*model.Message
}

func (c *collector) emit(m *model.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, m)
}

func (c *collector) all() []*model.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*model.Message(nil), c.msgs...)
}

func writeScript(t *testing.T, dir, name, body string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts need a unix shell")
	}
	p := filepath.Join(dir, filepath.FromSlash(name))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	// 不带执行权限，和从网络收到的文件一样
	require.NoError(t, os.WriteFile(p, []byte("#!/bin/sh\n"+body), 0o644))
}

func TestProcessExecutor_Run(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "bin/sim", `echo "<Progress>50</Progress>"
echo "<Evaluation>1,2</Evaluation>"
echo "hello $1"
echo "warning" >&2
`)
	var c collector
	e := NewProcessExecutor(zap.NewNop())
	err := e.Run(context.Background(), &model.Task{Name: "exp-1", Exe: "bin/sim", Arguments: "bin/sim world -pipe=exp-1"}, dir, c.emit)
	require.NoError(t, err)

	msgs := c.all()
	require.Len(t, msgs, 4)
	assert.Equal(t, model.MessageProgress, msgs[0].Type)
	assert.Equal(t, "50", msgs[0].Content)
	assert.Equal(t, model.MessageEvaluation, msgs[1].Type)
	assert.Equal(t, "hello world", strings.TrimSpace(msgs[2].Content))
	assert.Equal(t, "warning", msgs[3].Content)
	for _, m := range msgs {
		assert.Equal(t, "exp-1", m.Task)
	}
}

func TestProcessExecutor_Failure(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "fail", "echo \"bad parameter\"\nexit 3\n")

	e := NewProcessExecutor(nil)
	err := e.Run(context.Background(), &model.Task{Name: "f", Exe: "fail"}, dir, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exit status 3")
	assert.Contains(t, err.Error(), "bad parameter")
}

func TestProcessExecutor_MissingExecutable(t *testing.T) {
	e := NewProcessExecutor(nil)
	err := e.Run(context.Background(), &model.Task{Name: "m", Exe: "nope"}, t.TempDir(), nil)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestProcessExecutor_Cancel(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "slow", "exec sleep 30\n")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	e := NewProcessExecutor(nil)
	start := time.Now()
	err := e.Run(ctx, &model.Task{Name: "s", Exe: "slow"}, dir, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestDockerExecutor_Run(t *testing.T) {
	if os.Getenv("HERD_TEST_DOCKER") == "" {
		t.Skip("set HERD_TEST_DOCKER to run against a local docker daemon")
	}
	jobDir := t.TempDir()
	runDir := filepath.Join(jobDir, "run")
	writeScript(t, runDir, "sim", "echo \"<Progress>100</Progress>\"\n")
	require.NoError(t, os.Chmod(filepath.Join(runDir, "sim"), 0o755))

	e, err := NewDockerExecutor("alpine:latest", zap.NewNop())
	require.NoError(t, err)
	defer e.Close()

	var c collector
	require.NoError(t, e.Run(context.Background(), &model.Task{Name: "d", Exe: "sim"}, runDir, c.emit))
	msgs := c.all()
	require.NotEmpty(t, msgs)
	assert.Equal(t, model.MessageProgress, msgs[0].Type)
}
