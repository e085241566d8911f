package store

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Open 按 backend 创建 Store：memory 或 etcd
func Open(backend string, endpoints []string, dialTimeout time.Duration, logger *zap.Logger) (Store, error) {
	switch backend {
	case "", "memory":
		return NewMemoryStore(), nil
	case "etcd":
		m, err := NewEtcdManager(endpoints, dialTimeout, logger)
		if err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}
