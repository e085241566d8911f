// Package discovery 负责找到网络上的 herd agent 并跟踪它们是否存活
package discovery

import (
	"sort"
	"sync"
	"time"

	"herd/pkg/model"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Registry agent 能力表
// 按发送方 IP 建索引：部署中的 agent 还不都有稳定的 ProcessorId
type Registry struct {
	mu     sync.Mutex
	agents map[string]*model.Agent

	onChange func(*model.Agent)
	notify   rate.Sometimes

	now    func() time.Time
	logger *zap.Logger
}

// NewRegistry onChange 在新 agent 加入时调用，refreshInterval 内最多调用一次
func NewRegistry(refreshInterval time.Duration, onChange func(*model.Agent), logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		agents:   make(map[string]*model.Agent),
		onChange: onChange,
		now:      time.Now,
		logger:   logger.With(zap.String("component", "agent_registry")),
	}
	if refreshInterval > 0 {
		r.notify.Interval = refreshInterval
	} else {
		// 不合并，每次新增都通知
		r.notify.Every = 1
	}
	return r
}

// Upsert 记录一次应答
// 同一个地址已有记录时原地刷新属性和心跳；新地址才算新增并触发通知
// 同一个 ProcessorId 已登记在别的地址下时不新增
// 返回是否为新增
func (r *Registry) Upsert(agent *model.Agent) bool {
	key := agent.IP()
	if key == "" {
		return false
	}
	if agent.LastHeartbeat.IsZero() {
		agent.LastHeartbeat = r.now()
	}

	r.mu.Lock()
	existing, ok := r.agents[key]
	replaced := ok && existing.ProcessorID() != agent.ProcessorID()
	if (!ok || replaced) && r.registeredElsewhere(key, agent.ProcessorID()) {
		// 先到先得：同一个 ProcessorId 已经登记在别的地址下 (例如一台机器的两块网卡)
		r.mu.Unlock()
		r.logger.Debug("ignoring reply from second address",
			zap.String("ip", key), zap.String("processor_id", agent.ProcessorID()))
		return false
	}
	if ok && !replaced {
		existing.Properties = agent.Clone().Properties
		existing.Addr = agent.Addr
		existing.LastHeartbeat = agent.LastHeartbeat
	} else {
		r.agents[key] = agent.Clone()
	}
	r.mu.Unlock()

	if ok && !replaced {
		return false
	}
	if replaced {
		r.logger.Info("agent replaced at address", zap.String("ip", key),
			zap.String("old", existing.ProcessorID()), zap.String("new", agent.ProcessorID()))
	} else {
		r.logger.Info("agent discovered", zap.String("ip", key), zap.String("agent", agent.String()))
	}
	if r.onChange != nil {
		r.notify.Do(func() { r.onChange(agent.Clone()) })
	}
	return true
}

// registeredElsewhere 调用方持有 mu；没有 ProcessorId 的应答不参与比较
func (r *Registry) registeredElsewhere(key, id string) bool {
	if id == "" || id == model.PropValueNone {
		return false
	}
	for k, a := range r.agents {
		if k != key && a.ProcessorID() == id {
			return true
		}
	}
	return false
}

// GetLiveAgents 返回 timeout 内应答过的 agent 副本，按 IP 排序
func (r *Registry) GetLiveAgents(timeout time.Duration) []*model.Agent {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()

	live := make([]*model.Agent, 0, len(r.agents))
	for _, a := range r.agents {
		if now.Sub(a.LastHeartbeat) < timeout {
			live = append(live, a.Clone())
		}
	}
	sortByIP(live)
	return live
}

// Snapshot 返回全部记录的副本 (包括已失联的)
func (r *Registry) Snapshot() map[string]*model.Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]*model.Agent, len(r.agents))
	for k, a := range r.agents {
		out[k] = a.Clone()
	}
	return out
}

// Len 记录数
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.agents)
}

func sortByIP(agents []*model.Agent) {
	sort.Slice(agents, func(i, j int) bool {
		return agents[i].Addr.Addr().Less(agents[j].Addr.Addr())
	})
}
