package agent

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"herd/internal/config"
	"herd/pkg/model"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
)

// SystemProbe 读取本机资源，默认实现基于 gopsutil
type SystemProbe struct {
	Cores  func() (int, error)
	Memory func() (uint64, error) // 字节
	Load   func() (float64, error) // 百分比
	HostID func() (string, error)
}

// DefaultSystemProbe gopsutil 实现
func DefaultSystemProbe() SystemProbe {
	return SystemProbe{
		Cores: func() (int, error) { return cpu.Counts(true) },
		Memory: func() (uint64, error) {
			vm, err := mem.VirtualMemory()
			if err != nil {
				return 0, err
			}
			return vm.Total, nil
		},
		Load: func() (float64, error) {
			percents, err := cpu.Percent(0, false)
			if err != nil {
				return 0, err
			}
			if len(percents) == 0 {
				return 0, fmt.Errorf("no cpu load sample")
			}
			return percents[0], nil
		},
		HostID: host.HostID,
	}
}

// Describer 生成发现应答里的自描述
type Describer struct {
	cfg    config.AgentConfig
	probe  SystemProbe
	id     string
	arch   model.Architecture
	logger *zap.Logger

	mu    sync.Mutex
	state string
}

// NewDescriber 处理器 ID 按 配置 → 主机 ID → uuid 的顺序确定，之后不再改变
func NewDescriber(cfg config.AgentConfig, probe SystemProbe, logger *zap.Logger) *Describer {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Describer{
		cfg:    cfg,
		probe:  probe,
		id:     cfg.ProcessorID,
		arch:   model.Architecture(cfg.Architecture),
		logger: logger,
		state:  model.StateAvailable,
	}
	if d.id == "" && probe.HostID != nil {
		if id, err := probe.HostID(); err == nil && id != "" {
			d.id = id
		} else if err != nil {
			logger.Warn("failed to read host id", zap.Error(err))
		}
	}
	if d.id == "" {
		d.id = uuid.NewString()
	}
	if d.arch == "" {
		d.arch = DetectArchitecture(runtime.GOOS, runtime.GOARCH)
	}
	return d
}

// ProcessorID 本 agent 的处理器 ID
func (d *Describer) ProcessorID() string { return d.id }

// SetState Available 或 Busy
func (d *Describer) SetState(state string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = state
}

// State 当前状态
func (d *Describer) State() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Describe 采样当前资源，读取失败的属性记为 None
func (d *Describer) Describe() *model.Agent {
	cores := runtime.NumCPU()
	if d.probe.Cores != nil {
		if n, err := d.probe.Cores(); err == nil && n > 0 {
			cores = n
		} else if err != nil {
			d.logger.Debug("failed to count cores", zap.Error(err))
		}
	}

	a := model.NewAgent(d.id, cores, d.arch, d.cfg.CUDA, d.cfg.Version)
	a.SetProperty(model.PropState, d.State())

	if d.probe.Memory != nil {
		if total, err := d.probe.Memory(); err == nil {
			a.SetProperty(model.PropTotalMemory, strconv.FormatUint(total, 10))
		} else {
			d.logger.Debug("failed to read memory", zap.Error(err))
		}
	}
	if d.probe.Load != nil {
		if load, err := d.probe.Load(); err == nil {
			a.SetProperty(model.PropProcessorLoad, strconv.FormatFloat(load, 'f', 2, 64))
		} else {
			d.logger.Debug("failed to read cpu load", zap.Error(err))
		}
	}
	return a
}

// DetectArchitecture 把 GOOS/GOARCH 映射成 herd 的架构名
func DetectArchitecture(goos, goarch string) model.Architecture {
	bits := "32"
	if strings.HasSuffix(goarch, "64") || goarch == "s390x" {
		bits = "64"
	}
	switch goos {
	case "windows":
		if bits == "64" {
			return model.ArchWin64
		}
		return model.ArchWin32
	case "linux":
		if bits == "64" {
			return model.ArchLinux64
		}
		return model.Architecture("Linux-32")
	case "":
		return model.Architecture("Unknown-" + bits)
	default:
		return model.Architecture(strings.ToUpper(goos[:1]) + goos[1:] + "-" + bits)
	}
}
