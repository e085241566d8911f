package model

import (
	"encoding/xml"
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Architecture agent 的处理器架构 (也是 AppVersion 的目标平台)
type Architecture string

const (
	ArchWin32   Architecture = "Win-32"
	ArchWin64   Architecture = "Win-64"
	ArchLinux64 Architecture = "Linux-64"
)

// DescriptionTag 发现应答报文的根节点
const DescriptionTag = "HerdAgent"

// 属性名 (agent 自描述里的子节点名)
const (
	PropProcessorID   = "ProcessorId"
	PropNumCPUCores   = "NumberOfProcessors"
	PropArchitecture  = "Architecture"
	PropCUDA          = "CUDA"
	PropVersion       = "HerdAgentVersion"
	PropProcessorLoad = "ProcessorLoad"
	PropTotalMemory   = "Memory"
	PropState         = "State"
)

// 旧版 agent 使用的属性名，读取时作为兼容别名
const (
	DeprecatedNumCPUCores  = "NUMBER_OF_PROCESSORS"
	DeprecatedArchitecture = "PROCESSOR_ARCHITECTURE"
	DeprecatedCUDA         = "CUDA_VERSION"
)

// 属性值
const (
	PropValueNone  = "None"
	StateAvailable = "Available"
	StateBusy      = "Busy"
)

// ErrNotHerdAgent 报文根节点不是 HerdAgent
var ErrNotHerdAgent = errors.New("not a herd agent description")

// Agent 一个 herd agent 的能力描述 (Capability Descriptor)
// 属性原样保存在 Properties 里，类型化的读取方法负责兼容旧属性名和归一化
type Agent struct {
	Addr          netip.AddrPort    `json:"addr"`           // 发现应答的来源地址
	Properties    map[string]string `json:"properties"`     // agent 上报的原始属性
	LastHeartbeat time.Time         `json:"last_heartbeat"` // 最近一次应答时间
}

// NewAgent 直接用属性构造 agent (测试和 agent 自描述使用)
func NewAgent(processorID string, cores int, arch Architecture, cuda, version string) *Agent {
	return &Agent{
		Properties: map[string]string{
			PropProcessorID:  processorID,
			PropNumCPUCores:  strconv.Itoa(cores),
			PropArchitecture: string(arch),
			PropCUDA:         cuda,
			PropVersion:      version,
		},
	}
}

// ParseDescription 解析 agent 发来的 XML 自描述
func ParseDescription(data []byte) (*Agent, error) {
	var doc struct {
		XMLName xml.Name
		Props   []struct {
			XMLName xml.Name
			Value   string `xml:",chardata"`
		} `xml:",any"`
	}
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse agent description: %w", err)
	}
	if doc.XMLName.Local != DescriptionTag {
		return nil, fmt.Errorf("%w: root element %q", ErrNotHerdAgent, doc.XMLName.Local)
	}

	a := &Agent{Properties: make(map[string]string, len(doc.Props))}
	for _, p := range doc.Props {
		a.Properties[p.XMLName.Local] = strings.TrimSpace(p.Value)
	}
	return a, nil
}

// MarshalDescription 生成发现应答报文，属性按名字排序保证输出稳定
func (a *Agent) MarshalDescription() ([]byte, error) {
	names := make([]string, 0, len(a.Properties))
	for name := range a.Properties {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("<" + DescriptionTag + ">")
	for _, name := range names {
		b.WriteString("<" + name + ">")
		if err := xml.EscapeText(&b, []byte(a.Properties[name])); err != nil {
			return nil, err
		}
		b.WriteString("</" + name + ">")
	}
	b.WriteString("</" + DescriptionTag + ">")
	return []byte(b.String()), nil
}

// Property 读取属性，不存在时返回 PropValueNone
func (a *Agent) Property(name string) string {
	if v, ok := a.Properties[name]; ok {
		return v
	}
	return PropValueNone
}

// SetProperty 新增或覆盖属性
func (a *Agent) SetProperty(name, value string) {
	if a.Properties == nil {
		a.Properties = make(map[string]string)
	}
	a.Properties[name] = value
}

// IP agent 的 IP 地址字符串，注册表用它做 key
func (a *Agent) IP() string {
	if !a.Addr.IsValid() {
		return ""
	}
	return a.Addr.Addr().String()
}

func (a *Agent) ProcessorID() string { return a.Property(PropProcessorID) }
func (a *Agent) Version() string     { return a.Property(PropVersion) }
func (a *Agent) State() string       { return a.Property(PropState) }

func (a *Agent) IsAvailable() bool { return a.State() == StateAvailable }

// NumProcessors 核心数，兼容旧属性名；无法解析时为 0
func (a *Agent) NumProcessors() int {
	prop := a.Property(PropNumCPUCores)
	if prop == PropValueNone {
		prop = a.Property(DeprecatedNumCPUCores)
	}
	if prop == PropValueNone {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(prop))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// Architecture 处理器架构
// 旧版 agent 上报的是 Windows 的 PROCESSOR_ARCHITECTURE：AMD64/IA64 视为 64 位，其余视为 32 位
func (a *Agent) Architecture() Architecture {
	prop := a.Property(PropArchitecture)
	if prop != PropValueNone {
		return Architecture(prop)
	}
	switch a.Property(DeprecatedArchitecture) {
	case "AMD64", "IA64":
		return ArchWin64
	default:
		return ArchWin32
	}
}

// CUDA 加速器版本，没有时为 PropValueNone
func (a *Agent) CUDA() string {
	prop := a.Property(PropCUDA)
	if prop == PropValueNone {
		prop = a.Property(DeprecatedCUDA)
	}
	return prop
}

// ProcessorLoad 归一化负载：小数点统一为 '.'，最多保留两位小数，加 '%'
// 例如 "3,723242" -> "3.72%"
func (a *Agent) ProcessorLoad() string {
	load := strings.ReplaceAll(a.Property(PropProcessorLoad), ",", ".")
	if pos := strings.LastIndex(load, "."); pos > 0 {
		end := pos + 3
		if end > len(load) {
			end = len(load)
		}
		load = load[:end]
	}
	return load + "%"
}

// MemoryGB 把上报的内存统一成 Gb，最多一位小数
// 上报值可能是字节数，或者带 Kb/Mb/Gb 后缀
func (a *Agent) MemoryGB() string {
	mem := strings.TrimSpace(a.Property(PropTotalMemory))
	multiplier := 1.0 / (1024 * 1024 * 1024)
	if len(mem) >= 2 {
		switch mem[len(mem)-2:] {
		case "Gb":
			return mem
		case "Mb":
			multiplier = 1.0 / 1024
			mem = mem[:len(mem)-2]
		case "Kb":
			multiplier = 1.0 / (1024 * 1024)
			mem = mem[:len(mem)-2]
		}
	}

	value, err := strconv.ParseFloat(mem, 64)
	if err != nil {
		value = 0
	}
	value = float64(int64(value*multiplier*10+0.5)) / 10
	return strconv.FormatFloat(value, 'f', -1, 64) + "Gb"
}

// FormattedProcessorInfo 形如 "Win-64, 4 Cores"
func (a *Agent) FormattedProcessorInfo() string {
	cores := a.NumProcessors()
	info := fmt.Sprintf("%s, %d Core", a.Architecture(), cores)
	if cores > 1 {
		info += "s"
	}
	return info
}

// BestMatch 返回实验单元中第一个能在该 agent 上运行的版本，没有则返回 nil
func (a *Agent) BestMatch(unit *ExperimentalUnit) *AppVersion {
	arch := a.Architecture()
	if !unit.RunTimeReqs.CanRunOn(arch) {
		return nil
	}
	for _, v := range unit.AppVersions {
		if v.Requirements.Architecture == arch {
			return v
		}
	}
	return nil
}

// Clone 深拷贝，注册表对外只返回副本
func (a *Agent) Clone() *Agent {
	c := &Agent{
		Addr:          a.Addr,
		LastHeartbeat: a.LastHeartbeat,
		Properties:    make(map[string]string, len(a.Properties)),
	}
	for k, v := range a.Properties {
		c.Properties[k] = v
	}
	return c
}

// String 便于日志输出
func (a *Agent) String() string {
	return fmt.Sprintf("%s(%s, %s)", a.ProcessorID(), a.IP(), a.FormattedProcessorInfo())
}
