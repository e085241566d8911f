package dispatcher

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"herd/internal/config"
	"herd/internal/metrics"
	"herd/internal/transport"
	"herd/pkg/model"
	"herd/pkg/store"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const acquire = "You are mine now!"

// staticHerd 固定返回同一组 agent
type staticHerd struct {
	mu     sync.Mutex
	agents []*model.Agent
	calls  int
}

func (h *staticHerd) CallHerd(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	return ctx.Err()
}

func (h *staticHerd) GetLiveAgents() []*model.Agent {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*model.Agent, len(h.agents))
	for i, a := range h.agents {
		out[i] = a.Clone()
	}
	return out
}

func loopbackAgent(id string, cores int) *model.Agent {
	a := model.NewAgent(id, cores, model.ArchLinux64, model.PropValueNone, "1.0.0")
	a.SetProperty(model.PropState, model.StateAvailable)
	a.Addr = netip.MustParseAddrPort("127.0.0.1:2334")
	return a
}

// jobHandler 假 agent 收到 job 之后的行为
type jobHandler func(ctx context.Context, tx *transport.Transmitter, job *model.Job, runDir string) error

// fakeHerdAgent 在回环地址上接受任务连接，每个连接交给 handle
func fakeHerdAgent(t *testing.T, handle jobHandler) int {
	t.Helper()
	base := t.TempDir()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				conn, err := transport.AcceptShepherd(ctx, nc, transport.ConnConfig{AcquireMessage: acquire}, zap.NewNop())
				if err != nil {
					return
				}
				defer conn.Disconnect()

				jobDir, err := os.MkdirTemp(base, "job-")
				if err != nil {
					return
				}
				runDir := filepath.Join(jobDir, "run")
				tx, err := conn.Transmitter(transport.Options{SourceDir: runDir, DestDir: runDir, Confine: jobDir})
				if err != nil {
					return
				}
				job, err := tx.ReceiveJobQuery(ctx)
				if err != nil {
					return
				}
				_ = handle(ctx, tx, job, runDir)
			}()
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

// succeed 每个任务回报进度、评估、日志，然后写出并回传输出文件
func succeed(ctx context.Context, tx *transport.Transmitter, job *model.Job, runDir string) error {
	if err := tx.SendJobHeader(ctx, job); err != nil {
		return err
	}
	for _, task := range job.Tasks {
		for _, msg := range []*model.Message{
			{Task: task.Name, Type: model.MessageProgress, Content: "100"},
			{Task: task.Name, Type: model.MessageEvaluation, Content: "1.5,-2"},
			{Task: task.Name, Type: model.MessageGeneral, Content: "hello from " + task.Name},
			{Task: task.Name, Type: model.MessageEnd, Content: model.EndMessageOK},
		} {
			if err := tx.SendMessage(ctx, msg); err != nil {
				return err
			}
		}
	}
	for _, name := range job.OutputFiles {
		local := filepath.Join(runDir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(local, []byte("result of "+name), 0o644); err != nil {
			return err
		}
		if err := tx.SendFile(ctx, transport.TagOutput, name); err != nil {
			return err
		}
	}
	return tx.SendJobFooter(ctx)
}

// counterValue 汇总一个计数器在所有标签下的值
func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	sum := 0.0
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			sum += m.GetCounter().GetValue()
		}
	}
	return sum
}

func testConfig(t *testing.T, port int) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Discovery.WaitReplies = time.Millisecond
	cfg.Transport.AgentComPort = port
	cfg.Transport.AcquireMessage = acquire
	cfg.Transport.DialTimeout = time.Second
	cfg.Dispatcher.InputDir = t.TempDir()
	cfg.Dispatcher.OutputDir = t.TempDir()
	cfg.Dispatcher.RetryInterval = 10 * time.Millisecond
	return cfg
}

func testUnits(t *testing.T, inputDir string, names ...string) []*model.ExperimentalUnit {
	t.Helper()
	version := model.NewAppVersion("linux-x64", "bin/sim", model.ArchLinux64)
	require.NoError(t, os.MkdirAll(filepath.Join(inputDir, "bin"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(inputDir, "bin", "sim"), []byte("#!/bin/sh\n"), 0o755))

	var units []*model.ExperimentalUnit
	for _, name := range names {
		u := model.NewExperimentalUnit(name, []*model.AppVersion{version}, model.NewRunTimeRequirements(1))
		u.ExperimentFile = "experiments/" + name + ".exp"
		u.OutputFiles = []string{"experiments/" + name + ".log"}
		require.NoError(t, os.MkdirAll(filepath.Join(inputDir, "experiments"), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(inputDir, u.ExperimentFile), []byte("<Experiment/>"), 0o644))
		units = append(units, u)
	}
	return units
}

func TestDispatcher_Run(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	port := fakeHerdAgent(t, succeed)
	cfg := testConfig(t, port)
	st := store.NewMemoryStore()
	collector := metrics.NewCollector("herd_test", nil)
	herd := &staticHerd{agents: []*model.Agent{loopbackAgent("agent-1", 4)}}

	var mu sync.Mutex
	var seen []model.UnitState
	d := New(cfg, herd, st, zap.NewNop(),
		WithMetrics(collector),
		WithObserver(func(s UnitStatus) {
			mu.Lock()
			defer mu.Unlock()
			if s.Unit == "exp-1" {
				seen = append(seen, s.State)
			}
		}),
	)

	units := testUnits(t, cfg.Dispatcher.InputDir, "exp-1", "exp-2")
	statuses, err := d.Run(ctx, units)
	require.NoError(t, err)
	require.Len(t, statuses, 2)

	for i, s := range statuses {
		assert.Equal(t, units[i].Name, s.Unit)
		assert.Equal(t, model.UnitFinished, s.State, s.Error)
		assert.Equal(t, 100.0, s.Progress)
		assert.Equal(t, []Evaluation{{X: 1.5, Y: -2}}, s.Evaluations)
		assert.Equal(t, 1, s.Attempts)
		assert.Equal(t, "127.0.0.1", s.Agent)

		out, err := os.ReadFile(filepath.Join(cfg.Dispatcher.OutputDir, "experiments", s.Unit+".log"))
		require.NoError(t, err)
		assert.Equal(t, "result of experiments/"+s.Unit+".log", string(out))

		res, err := st.GetUnitResult(ctx, s.Unit)
		require.NoError(t, err)
		assert.Equal(t, "Finished", res.State)

		log, err := st.GetUnitLog(ctx, s.Unit)
		require.NoError(t, err)
		assert.Contains(t, log, "hello from "+s.Unit)
	}

	mu.Lock()
	assert.Equal(t, []model.UnitState{
		model.UnitSending, model.UnitRunning,
		model.UnitRunning, model.UnitRunning, model.UnitRunning, // progress, evaluation, general
		model.UnitWaitingResult, model.UnitFinished,
	}, seen)
	mu.Unlock()

	agents, err := st.ListAgents(ctx)
	require.NoError(t, err)
	assert.Len(t, agents, 1)

	assert.Equal(t, 2.0, counterValue(t, collector.Registry(), "herd_test_units_finished_total"))
}

func TestDispatcher_EndErrorIsNotRequeued(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var mu sync.Mutex
	jobs := 0
	port := fakeHerdAgent(t, func(ctx context.Context, tx *transport.Transmitter, job *model.Job, _ string) error {
		mu.Lock()
		jobs++
		mu.Unlock()
		if err := tx.SendJobHeader(ctx, job); err != nil {
			return err
		}
		for _, task := range job.Tasks {
			if err := tx.SendMessage(ctx, &model.Message{Task: task.Name, Type: model.MessageEnd, Content: "invalid parameter"}); err != nil {
				return err
			}
		}
		return tx.SendJobFooter(ctx)
	})
	cfg := testConfig(t, port)
	st := store.NewMemoryStore()
	d := New(cfg, &staticHerd{agents: []*model.Agent{loopbackAgent("agent-1", 2)}}, st, nil)

	statuses, err := d.Run(ctx, testUnits(t, cfg.Dispatcher.InputDir, "bad"))
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, model.UnitError, statuses[0].State)
	assert.Equal(t, "invalid parameter", statuses[0].Error)

	mu.Lock()
	assert.Equal(t, 1, jobs)
	mu.Unlock()

	log, err := st.GetUnitLog(ctx, "bad")
	require.NoError(t, err)
	assert.Contains(t, log, "error: invalid parameter")
}

func TestDispatcher_RequeueThenGiveUp(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg := testConfig(t, 1)
	cfg.Dispatcher.MaxRequeue = 2
	collector := metrics.NewCollector("herd_test", nil)

	var mu sync.Mutex
	dials := 0
	dialErr := errors.New("connection refused")
	d := New(cfg, &staticHerd{agents: []*model.Agent{loopbackAgent("agent-1", 2)}}, nil, nil,
		WithMetrics(collector),
		WithDialer(func(ctx context.Context, ip string) (*transport.Conn, error) {
			mu.Lock()
			defer mu.Unlock()
			dials++
			return nil, dialErr
		}),
	)

	statuses, err := d.Run(ctx, testUnits(t, cfg.Dispatcher.InputDir, "flaky"))
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, model.UnitError, statuses[0].State)
	assert.Equal(t, 3, statuses[0].Attempts)
	assert.Contains(t, statuses[0].Error, "gave up after 3 attempts")

	mu.Lock()
	assert.Equal(t, 3, dials)
	mu.Unlock()
	assert.Equal(t, 2.0, counterValue(t, collector.Registry(), "herd_test_units_requeued_total"))
}

func TestDispatcher_RequeueSucceedsOnRetry(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	port := fakeHerdAgent(t, succeed)
	cfg := testConfig(t, port)

	var mu sync.Mutex
	dials := 0
	dialAgent := New(cfg, nil, nil, nil).dial
	d := New(cfg, &staticHerd{agents: []*model.Agent{loopbackAgent("agent-1", 2)}}, nil, nil,
		WithDialer(func(ctx context.Context, ip string) (*transport.Conn, error) {
			mu.Lock()
			dials++
			first := dials == 1
			mu.Unlock()
			if first {
				return nil, errors.New("temporary failure")
			}
			return dialAgent(ctx, ip)
		}),
	)

	statuses, err := d.Run(ctx, testUnits(t, cfg.Dispatcher.InputDir, "retry"))
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, model.UnitFinished, statuses[0].State)
	assert.Equal(t, 2, statuses[0].Attempts)
}

func TestDispatcher_SkipsBusyAndLocalAgents(t *testing.T) {
	cfg := testConfig(t, 1)
	cfg.Dispatcher.SkipLocalAgent = true

	busy := loopbackAgent("busy", 4)
	busy.Addr = netip.MustParseAddrPort("10.0.0.2:2334")
	busy.SetProperty(model.PropState, model.StateBusy)
	local := loopbackAgent("local", 4)
	remote := loopbackAgent("remote", 4)
	remote.Addr = netip.MustParseAddrPort("10.0.0.3:2334")

	d := New(cfg, &staticHerd{agents: []*model.Agent{busy, local, remote}}, nil, nil,
		WithLocalAddressCheck(func(ip netip.Addr) bool { return ip.IsLoopback() }),
	)
	agents, err := d.availableAgents(context.Background())
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, "remote", agents[0].ProcessorID())
}

func TestDispatcher_CancelWhileWaitingForAgents(t *testing.T) {
	cfg := testConfig(t, 1)
	herd := &staticHerd{}
	d := New(cfg, herd, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	statuses, err := d.Run(ctx, testUnits(t, cfg.Dispatcher.InputDir, "waiting"))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Len(t, statuses, 1)
	assert.Equal(t, model.UnitPending, statuses[0].State)

	herd.mu.Lock()
	assert.Positive(t, herd.calls)
	herd.mu.Unlock()
}

func TestDispatcher_CancelDuringTransferReturnsUnitsToPending(t *testing.T) {
	started := make(chan struct{})
	port := fakeHerdAgent(t, func(ctx context.Context, tx *transport.Transmitter, job *model.Job, _ string) error {
		if err := tx.SendJobHeader(ctx, job); err != nil {
			return err
		}
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	cfg := testConfig(t, port)
	d := New(cfg, &staticHerd{agents: []*model.Agent{loopbackAgent("agent-1", 2)}}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	statuses, err := d.Run(ctx, testUnits(t, cfg.Dispatcher.InputDir, "long"))
	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, statuses, 1)
	assert.Equal(t, model.UnitPending, statuses[0].State)
}
