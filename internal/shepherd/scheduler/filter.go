package scheduler

import (
	"herd/pkg/model"

	"go.uber.org/zap"
)

// checkUnit 执行具体的 Predicate 检查逻辑
// 返回选中的版本和会消耗的核心数
func (s *Scheduler) checkUnit(agent *model.Agent, unit *model.ExperimentalUnit, remaining, usable int) (*model.AppVersion, int, bool) {
	// 1. 架构检查：平台限制 + 有对应架构的可执行版本
	version := agent.BestMatch(unit)
	if version == nil {
		s.logger.Debug("unit filtered: no matching version",
			zap.String("unit", unit.Name),
			zap.String("agent", agent.ProcessorID()),
			zap.String("arch", string(agent.Architecture())),
		)
		return nil, 0, false
	}

	// 2. 核心检查
	// 全核心单元只能放进还没有分配任何单元的 agent
	consumed, ok := unit.RunTimeReqs.NumCPUCores.Fits(remaining, usable)
	if !ok {
		s.logger.Debug("unit filtered: insufficient cores",
			zap.String("unit", unit.Name),
			zap.String("agent", agent.ProcessorID()),
			zap.Int("free", remaining),
			zap.Int("need", int(unit.RunTimeReqs.NumCPUCores)),
		)
		return nil, 0, false
	}

	return version, consumed, true
}
