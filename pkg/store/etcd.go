package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"herd/pkg/model"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// 定义 Key 的前缀 (Schema Design)
const (
	AgentKeyPrefix = "/herd/agents/"
	UnitKeyPrefix  = "/herd/units/"
	LogKeyPrefix   = "/herd/logs/"
)

type EtcdManager struct {
	client *clientv3.Client
	logger *zap.Logger
}

// NewEtcdManager 初始化 Etcd 连接
func NewEtcdManager(endpoints []string, dialTimeout time.Duration, logger *zap.Logger) (*EtcdManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("connect etcd %v: %w", endpoints, err)
	}
	return &EtcdManager{
		client: cli,
		logger: logger.With(zap.String("component", "etcd_store")),
	}, nil
}

// Close 关闭 etcd 客户端
func (e *EtcdManager) Close() error {
	return e.client.Close()
}

// ---------------------------------------------------------
// Agent 相关实现
// ---------------------------------------------------------

// PublishAgents 在一个事务里删掉旧列表再写入新列表，读者不会看到半个列表
func (e *EtcdManager) PublishAgents(ctx context.Context, agents []*model.Agent) error {
	ops := []clientv3.Op{clientv3.OpDelete(AgentKeyPrefix, clientv3.WithPrefix())}
	for _, a := range agents {
		bytes, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("marshal agent %s: %w", a.IP(), err)
		}
		ops = append(ops, clientv3.OpPut(AgentKeyPrefix+a.IP(), string(bytes)))
	}
	if _, err := e.client.Txn(ctx).Then(ops...).Commit(); err != nil {
		return fmt.Errorf("publish agents: %w", err)
	}
	return nil
}

func (e *EtcdManager) ListAgents(ctx context.Context) ([]*model.Agent, error) {
	// 获取 /herd/agents/ 下的所有 Key
	resp, err := e.client.Get(ctx, AgentKeyPrefix, clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, err
	}

	agents := make([]*model.Agent, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var a model.Agent
		if err := json.Unmarshal(kv.Value, &a); err != nil {
			e.logger.Warn("failed to unmarshal agent", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		agents = append(agents, &a)
	}
	return agents, nil
}

// ---------------------------------------------------------
// Unit 相关实现
// ---------------------------------------------------------

func (e *EtcdManager) SaveUnitResult(ctx context.Context, res *UnitResult) error {
	return e.putValue(ctx, UnitKeyPrefix+res.Unit, res)
}

func (e *EtcdManager) GetUnitResult(ctx context.Context, unit string) (*UnitResult, error) {
	resp, err := e.client.Get(ctx, UnitKeyPrefix+unit)
	if err != nil {
		return nil, err
	}
	if len(resp.Kvs) == 0 {
		return nil, fmt.Errorf("unit %s: %w", unit, ErrNotFound)
	}
	var res UnitResult
	if err := json.Unmarshal(resp.Kvs[0].Value, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (e *EtcdManager) ListUnits(ctx context.Context) ([]*UnitResult, error) {
	resp, err := e.client.Get(ctx, UnitKeyPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	results := make([]*UnitResult, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var res UnitResult
		if err := json.Unmarshal(kv.Value, &res); err != nil {
			e.logger.Warn("failed to unmarshal unit", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		results = append(results, &res)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Unit < results[j].Unit })
	return results, nil
}

// WatchUnits 将 Etcd 的 Watch 转换为业务 Channel
func (e *EtcdManager) WatchUnits(ctx context.Context) <-chan UnitEvent {
	eventChan := make(chan UnitEvent)

	// 启动一个协程在后台一直监听
	go func() {
		defer close(eventChan)

		watchChan := e.client.Watch(ctx, UnitKeyPrefix, clientv3.WithPrefix())
		for watchResp := range watchChan {
			for _, ev := range watchResp.Events {
				event := UnitEvent{Unit: strings.TrimPrefix(string(ev.Kv.Key), UnitKeyPrefix)}
				switch ev.Type {
				case clientv3.EventTypePut:
					var res UnitResult
					if err := json.Unmarshal(ev.Kv.Value, &res); err != nil {
						e.logger.Warn("failed to unmarshal unit event", zap.Error(err))
						continue
					}
					event.Type = UnitUpdate
					event.Result = &res
				case clientv3.EventTypeDelete:
					event.Type = UnitDelete
				}

				select {
				case eventChan <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return eventChan
}

// ---------------------------------------------------------
// Log 相关实现
// ---------------------------------------------------------

// AppendUnitLog 每行一个 key，key 里带上纳秒时间戳保证顺序
func (e *EtcdManager) AppendUnitLog(ctx context.Context, unit string, line string) error {
	key := fmt.Sprintf("%s%s/%020d", LogKeyPrefix, unit, time.Now().UnixNano())
	_, err := e.client.Put(ctx, key, line)
	return err
}

func (e *EtcdManager) GetUnitLog(ctx context.Context, unit string) (string, error) {
	resp, err := e.client.Get(ctx, LogKeyPrefix+unit+"/", clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return "", err
	}
	if len(resp.Kvs) == 0 {
		return "", fmt.Errorf("log for unit %s: %w", unit, ErrNotFound)
	}

	var b strings.Builder
	for _, kv := range resp.Kvs {
		b.Write(kv.Value)
		b.WriteByte('\n')
	}
	return b.String(), nil
}

// ---------------------------------------------------------
// 辅助方法 (Helpers)
// ---------------------------------------------------------

// putValue 封装通用的 JSON 序列化 + Put 操作
func (e *EtcdManager) putValue(ctx context.Context, key string, val interface{}) error {
	bytes, err := json.Marshal(val)
	if err != nil {
		return err
	}
	_, err = e.client.Put(ctx, key, string(bytes))
	return err
}
