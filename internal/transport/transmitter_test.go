package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"herd/pkg/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	p := filepath.Join(dir, filepath.FromSlash(name))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

func readFile(t *testing.T, dir, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(name)))
	require.NoError(t, err)
	return string(data)
}

func testJob() *model.Job {
	return &model.Job{
		Name:                "job-1",
		AuthenticationToken: "secret",
		Tasks: []*model.Task{
			{Name: "exp-a", Exe: "bin/app", Arguments: "bin/app exp/a.exp -pipe=exp-a", Pipe: "exp-a", AuthenticationToken: "secret"},
			{Name: "exp-b", Exe: "bin/app", Arguments: "bin/app exp/b.exp -pipe=exp-b", Pipe: "exp-b"},
		},
		InputFiles:  []string{"bin/app", "exp/a.exp", "exp/b.exp"},
		OutputFiles: []string{"out/a.log"},
	}
}

func TestTransmitter_RoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	shepherdIn, shepherdOut := t.TempDir(), t.TempDir()
	agentDir := t.TempDir()
	writeFile(t, shepherdIn, "bin/app", "#!/bin/sh\necho hi\n")
	writeFile(t, shepherdIn, "exp/a.exp", "<Experiment a/>")
	writeFile(t, shepherdIn, "exp/b.exp", "")

	shepherdConn, agentConn := net.Pipe()
	defer shepherdConn.Close()
	defer agentConn.Close()

	shepherd := NewTransmitter(NewStream(shepherdConn, 16), Options{SourceDir: shepherdIn, DestDir: shepherdOut}, zap.NewNop())
	agent := NewTransmitter(NewStream(agentConn, 16), Options{SourceDir: agentDir, DestDir: agentDir}, zap.NewNop())

	job := testJob()
	sendErr := make(chan error, 1)
	go func() { sendErr <- shepherd.SendJobQuery(ctx, job) }()

	received, err := agent.ReceiveJobQuery(ctx)
	require.NoError(t, err)
	require.NoError(t, <-sendErr)

	assert.Equal(t, "job-1", received.Name)
	assert.Equal(t, "secret", received.AuthenticationToken)
	assert.Equal(t, job.Tasks, received.Tasks)
	assert.Equal(t, job.InputFiles, received.InputFiles)
	assert.Equal(t, job.OutputFiles, received.OutputFiles)
	assert.Equal(t, "#!/bin/sh\necho hi\n", readFile(t, agentDir, "bin/app"))
	assert.Equal(t, "<Experiment a/>", readFile(t, agentDir, "exp/a.exp"))
	assert.Equal(t, "", readFile(t, agentDir, "exp/b.exp"))

	// agent 回传：消息和输出文件
	writeFile(t, agentDir, "out/a.log", "episode 1\nepisode 2\n")
	go func() {
		sendErr <- func() error {
			if err := agent.SendJobHeader(ctx, received); err != nil {
				return err
			}
			for _, m := range []*model.Message{
				{Task: "exp-a", Type: model.MessageProgress, Content: "50"},
				{Task: "exp-a", Type: model.MessageEvaluation, Content: "0.5,1.5"},
				{Task: "exp-a", Type: model.MessageGeneral, Content: "<warning> & co"},
				{Task: "exp-a", Type: model.MessageEnd, Content: model.EndMessageOK},
			} {
				if err := agent.SendMessage(ctx, m); err != nil {
					return err
				}
			}
			if err := agent.SendFile(ctx, TagOutput, "out/a.log"); err != nil {
				return err
			}
			return agent.SendJobFooter(ctx)
		}()
	}()

	var msgs []*model.Message
	err = shepherd.ReceiveJobResult(ctx, job, func(m *model.Message) { msgs = append(msgs, m) })
	require.NoError(t, err)
	require.NoError(t, <-sendErr)

	require.Len(t, msgs, 4)
	assert.Equal(t, model.MessageProgress, msgs[0].Type)
	assert.Equal(t, "50", msgs[0].Content)
	assert.Equal(t, "<warning> & co", msgs[2].Content)
	assert.True(t, msgs[3].EndOK())

	assert.Empty(t, job.Tasks)
	assert.Empty(t, job.InputFiles)
	assert.Equal(t, []string{"out/a.log"}, job.OutputFiles)
	assert.Equal(t, "episode 1\nepisode 2\n", readFile(t, shepherdOut, "out/a.log"))
}

func TestTransmitter_SkipsUnknownTags(t *testing.T) {
	ctx := context.Background()
	s := NewStream(&trickle{data: []byte(`<Job Name="j"><Unknown A="1"/><Output Name="x"/></Job>`), Writer: nil}, 8)
	tr := NewTransmitter(s, Options{}, zap.NewNop())

	job := &model.Job{Name: "j"}
	require.NoError(t, tr.ReceiveJobResult(ctx, job, nil))
	assert.Equal(t, []string{"x"}, job.OutputFiles)
}

func TestTransmitter_RejectsEscapingPath(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := NewStream(&trickle{data: []byte(`<Job Name="j"><Output Name="../evil" Size="1">x</Output></Job>`)}, 8)
	tr := NewTransmitter(s, Options{DestDir: dir}, zap.NewNop())

	err := tr.ReceiveJobResult(ctx, &model.Job{}, nil)
	assert.ErrorIs(t, err, ErrUnsafePath)
}

func TestTransmitter_ConfineAllowsParent(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	run := filepath.Join(root, "run")
	s := NewStream(&trickle{data: []byte(`<Job Name="j"><Input Name="../RLSimion.exe" Size="2">ok</Input></Job>`)}, 8)
	tr := NewTransmitter(s, Options{DestDir: run, Confine: root}, zap.NewNop())

	job, err := tr.ReceiveJobQuery(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"../RLSimion.exe"}, job.InputFiles)
	assert.Equal(t, "ok", readFile(t, root, "RLSimion.exe"))
}

func TestTransmitter_MaxFileSize(t *testing.T) {
	s := NewStream(&trickle{data: []byte(`<Job Name="j"><Output Name="big" Size="100">`)}, 8)
	tr := NewTransmitter(s, Options{DestDir: t.TempDir(), MaxFileSize: 10}, zap.NewNop())
	err := tr.ReceiveJobResult(context.Background(), &model.Job{}, nil)
	assert.ErrorIs(t, err, ErrMalformedTag)
}

func TestTransmitter_TruncatedFileIsRemoved(t *testing.T) {
	dir := t.TempDir()
	s := NewStream(&trickle{data: []byte(`<Job Name="j"><Output Name="out.bin" Size="100">only-ten-b`)}, 8)
	tr := NewTransmitter(s, Options{DestDir: dir}, zap.NewNop())

	err := tr.ReceiveJobResult(context.Background(), &model.Job{}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	_, err = os.Stat(filepath.Join(dir, "out.bin"))
	assert.ErrorIs(t, err, os.ErrNotExist)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestTransmitter_MissingEndTagRemovesFile(t *testing.T) {
	dir := t.TempDir()
	s := NewStream(&trickle{data: []byte(`<Job Name="j"><Output Name="out.bin" Size="2">ok<Message/></Job>`)}, 8)
	tr := NewTransmitter(s, Options{DestDir: dir}, zap.NewNop())

	err := tr.ReceiveJobResult(context.Background(), &model.Job{}, nil)
	assert.ErrorIs(t, err, ErrUnexpectedTag)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestTransmitter_CancelDuringFileKeepsWholeFile(t *testing.T) {
	shepherdConn, agentConn := net.Pipe()
	defer shepherdConn.Close()
	defer agentConn.Close()

	dir := t.TempDir()
	tr := NewTransmitter(NewStream(shepherdConn, 64), Options{DestDir: dir}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	job := &model.Job{}
	done := make(chan error, 1)
	go func() { done <- tr.ReceiveJobResult(ctx, job, nil) }()

	_, err := agentConn.Write([]byte(`<Job Name="j"><Output Name="out.bin" Size="10">01234`))
	require.NoError(t, err)
	_, err = agentConn.Write([]byte("567"))
	require.NoError(t, err)
	cancel()
	go agentConn.Write([]byte("89</Output></Job>"))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("receive did not stop after cancel")
	}
	assert.Equal(t, []string{"out.bin"}, job.OutputFiles)
	assert.Equal(t, "0123456789", readFile(t, dir, "out.bin"))
}

func TestTransmitter_ReceiveCancelled(t *testing.T) {
	shepherdConn, agentConn := net.Pipe()
	defer shepherdConn.Close()
	defer agentConn.Close()

	tr := NewTransmitter(NewStream(shepherdConn, 64), Options{DestDir: t.TempDir()}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- tr.ReceiveJobResult(ctx, &model.Job{}, nil) }()

	// agent 只发了头，之后一直不说话
	_, err := agentConn.Write([]byte(`<Job Name="j">`))
	require.NoError(t, err)
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(5 * time.Second):
		t.Fatal("receive did not stop after cancel")
	}
}

func TestTransmitter_OnBytes(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	src := t.TempDir()
	writeFile(t, src, "in.txt", "12345")

	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	var sent, received int64
	sender := NewTransmitter(NewStream(a, 64), Options{SourceDir: src, OnBytes: func(dir string, n int64) {
		if dir == "sent" {
			sent += n
		}
	}}, nil)
	receiver := NewTransmitter(NewStream(b, 64), Options{DestDir: t.TempDir(), OnBytes: func(dir string, n int64) {
		if dir == "received" {
			received += n
		}
	}}, nil)

	errc := make(chan error, 1)
	go func() {
		errc <- sender.SendJobQuery(ctx, &model.Job{Name: "j", InputFiles: []string{"in.txt"}})
	}()
	_, err := receiver.ReceiveJobQuery(ctx)
	require.NoError(t, err)
	require.NoError(t, <-errc)
	assert.Equal(t, int64(5), sent)
	assert.Equal(t, int64(5), received)
}
