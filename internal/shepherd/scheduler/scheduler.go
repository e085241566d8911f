// Package scheduler 把待运行的实验单元分配到存活的 herd agent 上
package scheduler

import (
	"herd/pkg/model"

	"go.uber.org/zap"
)

// Options 调度选项
type Options struct {
	// 给 agent 自己的控制进程留一个核心
	LeaveOneFreeCore bool
}

// Scheduler 贪心的首次适配调度器：不回溯，不重排，纯函数
type Scheduler struct {
	opts   Options
	logger *zap.Logger
}

// NewScheduler 构造函数
func NewScheduler(opts Options, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		opts:   opts,
		logger: logger.With(zap.String("component", "scheduler")),
	}
}

// AssignExperiments 包级别的便捷入口
func AssignExperiments(pending *[]*model.ExperimentalUnit, agents *[]*model.Agent, opts Options) []*model.Job {
	return NewScheduler(opts, nil).AssignExperiments(pending, agents)
}

// AssignExperiments 按 agent 列表顺序逐个填满 agent
// 被分配的单元从 pending 中移除；得到至少一个单元的 agent 从 agents 中移除
// 两个列表为空时返回 nil
func (s *Scheduler) AssignExperiments(pending *[]*model.ExperimentalUnit, agents *[]*model.Agent) []*model.Job {
	var jobs []*model.Job

	ai := 0
	for ai < len(*agents) && len(*pending) > 0 {
		agent := (*agents)[ai]

		// Step 1: 计算 agent 可用容量
		usable := model.UsableCores(agent.NumProcessors(), s.opts.LeaveOneFreeCore)

		// Step 2: Filter - 按原顺序挑出能放进这个 agent 的单元
		job := s.fillAgent(agent, usable, pending)

		// Step 3: Bind - 有单元的 agent 出列，没有的留在原位
		if len(job.Units) == 0 {
			ai++
			continue
		}
		jobs = append(jobs, job)
		*agents = append((*agents)[:ai], (*agents)[ai+1:]...)

		s.logger.Info("job assigned",
			zap.String("job", job.Name),
			zap.String("agent", agent.ProcessorID()),
			zap.Int("units", len(job.Units)),
		)
	}
	return jobs
}

// fillAgent 扫描 pending，放入能匹配的单元直到核心用完
func (s *Scheduler) fillAgent(agent *model.Agent, usable int, pending *[]*model.ExperimentalUnit) *model.Job {
	job := model.NewJob(agent)
	remaining := usable

	ui := 0
	for ui < len(*pending) && remaining > 0 {
		unit := (*pending)[ui]

		version, consumed, ok := s.checkUnit(agent, unit, remaining, usable)
		if !ok {
			ui++
			continue
		}

		unit.SelectedVersion = version
		job.AddUnit(unit)
		remaining -= consumed
		*pending = append((*pending)[:ui], (*pending)[ui+1:]...)
	}
	return job
}
