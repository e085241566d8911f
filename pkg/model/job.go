package model

import (
	"fmt"
	"path"
	"time"

	"github.com/google/uuid"
)

// UnitState 实验单元在一次派发中的状态
type UnitState int

const (
	UnitPending       UnitState = iota // 等待调度
	UnitSending                        // 正在向 agent 发送任务
	UnitRunning                        // agent 正在运行
	UnitWaitingResult                  // 已结束，等待输出文件
	UnitFinished                       // 成功
	UnitError                          // 失败
)

func (s UnitState) String() string {
	switch s {
	case UnitPending:
		return "Pending"
	case UnitSending:
		return "Sending"
	case UnitRunning:
		return "Running"
	case UnitWaitingResult:
		return "WaitingResult"
	case UnitFinished:
		return "Finished"
	case UnitError:
		return "Error"
	default:
		return fmt.Sprintf("UnitState(%d)", int(s))
	}
}

// Task 发给 agent 的一个任务，线协议里原样携带
type Task struct {
	Name                string `json:"name"`
	Exe                 string `json:"exe"`
	Arguments           string `json:"arguments"` // 完整命令行 (包含 exe)
	Pipe                string `json:"pipe"`      // 监控消息通道名
	AuthenticationToken string `json:"authentication_token,omitempty"`
}

// Job 一次调度中分配给同一个 agent 的实验单元集合
type Job struct {
	Name                string              `json:"name"`
	Agent               *Agent              `json:"agent"`
	Units               []*ExperimentalUnit `json:"units"`
	Tasks               []*Task             `json:"tasks"`
	InputFiles          []string            `json:"input_files"`
	OutputFiles         []string            `json:"output_files"`
	AuthenticationToken string              `json:"authentication_token,omitempty"`
	CreatedAt           time.Time           `json:"created_at"`
}

// NewJob 为 agent 创建一个空 Job
func NewJob(agent *Agent) *Job {
	return &Job{
		Name:      "job-" + uuid.NewString()[:8],
		Agent:     agent,
		CreatedAt: time.Now(),
	}
}

// AddUnit 追加一个已选定版本的实验单元
func (j *Job) AddUnit(u *ExperimentalUnit) {
	j.Units = append(j.Units, u)
}

// Unit 按名字查找实验单元
func (j *Job) Unit(name string) *ExperimentalUnit {
	for _, u := range j.Units {
		if u.Name == name {
			return u
		}
	}
	return nil
}

// PrepareTasks 根据分配的实验单元生成任务和文件列表
// 输入文件：可执行文件、版本需求、平台需求、实验配置文件 (去重、保持顺序)
func (j *Job) PrepareTasks(authToken string) {
	j.Tasks = j.Tasks[:0]
	j.InputFiles = j.InputFiles[:0]
	j.OutputFiles = j.OutputFiles[:0]
	j.AuthenticationToken = authToken

	arch := j.Agent.Architecture()
	for _, u := range j.Units {
		v := u.SelectedVersion
		if v == nil {
			continue
		}

		args := v.ExeFile
		if u.ExperimentFile != "" {
			args += " " + u.ExperimentFile
		}
		args += " -pipe=" + u.Name

		j.Tasks = append(j.Tasks, &Task{
			Name:                u.Name,
			Exe:                 v.ExeFile,
			Arguments:           args,
			Pipe:                u.Name,
			AuthenticationToken: authToken,
		})

		j.AddInputFile(v.ExeFile)
		for _, f := range v.Requirements.InputFiles {
			j.AddInputFile(f)
		}
		platform := u.RunTimeReqs.TargetPlatforms[arch]
		for _, f := range platform.InputFiles {
			j.AddInputFile(f)
		}
		if u.ExperimentFile != "" {
			j.AddInputFile(u.ExperimentFile)
		}

		for _, f := range v.Requirements.OutputFiles {
			j.AddOutputFile(f)
		}
		for _, f := range platform.OutputFiles {
			j.AddOutputFile(f)
		}
		for _, f := range u.OutputFiles {
			j.AddOutputFile(f)
		}
	}
}

// SetTask 同名任务替换，否则追加
func (j *Job) SetTask(t *Task) {
	for i, old := range j.Tasks {
		if old.Name == t.Name {
			j.Tasks[i] = t
			return
		}
	}
	j.Tasks = append(j.Tasks, t)
}

func (j *Job) AddInputFile(name string)  { j.InputFiles = appendUnique(j.InputFiles, name) }
func (j *Job) AddOutputFile(name string) { j.OutputFiles = appendUnique(j.OutputFiles, name) }

// ClearTransfer 接收结果前清空任务和文件列表
func (j *Job) ClearTransfer() {
	j.Tasks = j.Tasks[:0]
	j.InputFiles = j.InputFiles[:0]
	j.OutputFiles = j.OutputFiles[:0]
}

func appendUnique(list []string, name string) []string {
	name = path.Clean(name)
	for _, existing := range list {
		if existing == name {
			return list
		}
	}
	return append(list, name)
}
