package store

import (
	"context"
	"errors"
	"time"

	"herd/pkg/model"
)

// ErrNotFound 查询的 key 不存在
var ErrNotFound = errors.New("not found")

// UnitEventType 定义监听事件类型
type UnitEventType int

const (
	UnitUpdate UnitEventType = iota
	UnitDelete
)

// UnitResult 一个实验单元在某次派发中的状态和结果
// shepherd 每次状态变化都会覆盖写入，herd-cli 读取它
type UnitResult struct {
	Unit      string    `json:"unit"`
	Job       string    `json:"job"`
	Agent     string    `json:"agent"` // agent IP
	State     string    `json:"state"`
	Progress  float64   `json:"progress"`
	Error     string    `json:"error,omitempty"`
	Attempts  int       `json:"attempts"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UnitEvent 包装了存储中发生的单元变化
type UnitEvent struct {
	Type   UnitEventType
	Unit   string
	Result *UnitResult // Delete 事件时为 nil
}

// Store 接口定义了 shepherd 对存储层的所有需求
// EtcdManager 和 MemoryStore 都实现了它，dispatcher 只依赖这个接口
type Store interface {
	// --- Agent 相关 ---

	// PublishAgents 用当前存活列表覆盖已发布的 agent 列表
	PublishAgents(ctx context.Context, agents []*model.Agent) error

	// ListAgents 读取最近一次发布的 agent 列表
	ListAgents(ctx context.Context) ([]*model.Agent, error)

	// --- Unit 相关 ---

	// SaveUnitResult 写入单元状态 (每次状态变化调用)
	SaveUnitResult(ctx context.Context, res *UnitResult) error

	// GetUnitResult 读取单个单元
	GetUnitResult(ctx context.Context, unit string) (*UnitResult, error)

	// ListUnits 读取所有单元，按名字排序
	ListUnits(ctx context.Context) ([]*UnitResult, error)

	// WatchUnits 监听单元变化 (返回一个只读通道，ctx 结束时关闭)
	WatchUnits(ctx context.Context) <-chan UnitEvent

	// --- Log 相关 ---

	AppendUnitLog(ctx context.Context, unit string, line string) error
	GetUnitLog(ctx context.Context, unit string) (string, error)

	Close() error
}
