package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"herd/pkg/model"
)

// MemoryStore 进程内的 Store 实现，没有配置 etcd 时使用，也用于测试
type MemoryStore struct {
	mu       sync.Mutex
	agents   []*model.Agent
	units    map[string]*UnitResult
	logs     map[string][]string
	watchers map[chan UnitEvent]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		units:    make(map[string]*UnitResult),
		logs:     make(map[string][]string),
		watchers: make(map[chan UnitEvent]struct{}),
	}
}

func (m *MemoryStore) PublishAgents(_ context.Context, agents []*model.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents = make([]*model.Agent, 0, len(agents))
	for _, a := range agents {
		m.agents = append(m.agents, a.Clone())
	}
	return nil
}

func (m *MemoryStore) ListAgents(_ context.Context) ([]*model.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.Agent, 0, len(m.agents))
	for _, a := range m.agents {
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IP() < out[j].IP() })
	return out, nil
}

// SaveUnitResult 订阅者通道满时丢弃事件，写入方不会被阻塞
func (m *MemoryStore) SaveUnitResult(_ context.Context, res *UnitResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *res
	m.units[res.Unit] = &cp
	for ch := range m.watchers {
		evRes := cp
		select {
		case ch <- UnitEvent{Type: UnitUpdate, Unit: res.Unit, Result: &evRes}:
		default:
		}
	}
	return nil
}

func (m *MemoryStore) GetUnitResult(_ context.Context, unit string) (*UnitResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res, ok := m.units[unit]
	if !ok {
		return nil, fmt.Errorf("unit %s: %w", unit, ErrNotFound)
	}
	cp := *res
	return &cp, nil
}

func (m *MemoryStore) ListUnits(_ context.Context) ([]*UnitResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*UnitResult, 0, len(m.units))
	for _, res := range m.units {
		cp := *res
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Unit < out[j].Unit })
	return out, nil
}

// WatchUnits 通道带缓冲；ctx 结束后注销并关闭
func (m *MemoryStore) WatchUnits(ctx context.Context) <-chan UnitEvent {
	ch := make(chan UnitEvent, 64)
	m.mu.Lock()
	m.watchers[ch] = struct{}{}
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.watchers, ch)
		m.mu.Unlock()
		close(ch)
	}()
	return ch
}

func (m *MemoryStore) AppendUnitLog(_ context.Context, unit string, line string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs[unit] = append(m.logs[unit], line)
	return nil
}

func (m *MemoryStore) GetUnitLog(_ context.Context, unit string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lines, ok := m.logs[unit]
	if !ok {
		return "", fmt.Errorf("log for unit %s: %w", unit, ErrNotFound)
	}
	return strings.Join(lines, "\n") + "\n", nil
}

func (m *MemoryStore) Close() error { return nil }
