// Package config 加载 shepherd / herd-agent / herd-cli 共用的配置
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量 (HERD_<SECTION>_<FIELD>)
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config herd 的完整配置结构
type Config struct {
	Discovery  DiscoveryConfig  `yaml:"discovery" env:"DISCOVERY"`
	Transport  TransportConfig  `yaml:"transport" env:"TRANSPORT"`
	Dispatcher DispatcherConfig `yaml:"dispatcher" env:"DISPATCHER"`
	Agent      AgentConfig      `yaml:"agent" env:"AGENT"`
	Store      StoreConfig      `yaml:"store" env:"STORE"`
	Metrics    MetricsConfig    `yaml:"metrics" env:"METRICS"`
	Log        LogConfig        `yaml:"log" env:"LOG"`
}

// DiscoveryConfig UDP 广播发现
type DiscoveryConfig struct {
	// agent 监听探测报文的端口
	AgentPort int `yaml:"agent_port" env:"AGENT_PORT"`
	// shepherd 接收应答的端口
	ShepherdPort int `yaml:"shepherd_port" env:"SHEPHERD_PORT"`
	// 探测报文内容
	Message string `yaml:"message" env:"MESSAGE"`
	// 广播后等待应答的时间
	WaitReplies time.Duration `yaml:"wait_replies" env:"WAIT_REPLIES"`
	// 超过这个时间没有应答的 agent 视为失联
	LivenessTimeout time.Duration `yaml:"liveness_timeout" env:"LIVENESS_TIMEOUT"`
	// 新 agent 通知的合并间隔
	RefreshInterval time.Duration `yaml:"refresh_interval" env:"REFRESH_INTERVAL"`
}

// TransportConfig 任务传输
type TransportConfig struct {
	// agent 的任务端口
	AgentComPort int `yaml:"agent_com_port" env:"AGENT_COM_PORT"`
	// 连接后发送的占用口令
	AcquireMessage string `yaml:"acquire_message" env:"ACQUIRE_MESSAGE"`
	DialTimeout    time.Duration `yaml:"dial_timeout" env:"DIAL_TIMEOUT"`
	// 读缓冲初始大小
	BufferSize int `yaml:"buffer_size" env:"BUFFER_SIZE"`
	// 单个文件的大小上限 (字节)
	MaxFileSize int64 `yaml:"max_file_size" env:"MAX_FILE_SIZE"`
	// 取消后把正在传输的元素传完的时限
	ElementGrace time.Duration `yaml:"element_grace" env:"ELEMENT_GRACE"`
}

// DispatcherConfig shepherd 的派发循环
type DispatcherConfig struct {
	// 实验批次文件 (YAML)
	BatchFile string `yaml:"batch_file" env:"BATCH_FILE"`
	// 输入文件的根目录
	InputDir string `yaml:"input_dir" env:"INPUT_DIR"`
	// 输出文件的根目录
	OutputDir string `yaml:"output_dir" env:"OUTPUT_DIR"`
	// 给 agent 自己留一个核心
	LeaveOneFreeCore bool `yaml:"leave_one_free_core" env:"LEAVE_ONE_FREE_CORE"`
	// 不往本机 agent 派发
	SkipLocalAgent bool `yaml:"skip_local_agent" env:"SKIP_LOCAL_AGENT"`
	// 传输失败后单元最多重新排队的次数
	MaxRequeue int `yaml:"max_requeue" env:"MAX_REQUEUE"`
	// 没有可用 agent 时两轮之间的间隔
	RetryInterval time.Duration `yaml:"retry_interval" env:"RETRY_INTERVAL"`
	// 随任务发送的口令 (不做校验)
	AuthenticationToken string `yaml:"authentication_token" env:"AUTHENTICATION_TOKEN"`
}

// AgentConfig herd-agent 进程
type AgentConfig struct {
	// 为空时取主机 ID，再失败则生成 uuid
	ProcessorID string `yaml:"processor_id" env:"PROCESSOR_ID"`
	// 为空时自动检测
	Architecture string `yaml:"architecture" env:"ARCHITECTURE"`
	CUDA         string `yaml:"cuda" env:"CUDA"`
	Version      string `yaml:"version" env:"VERSION"`
	// 监听地址，为空时监听所有网卡
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR"`
	// 每个任务的工作目录根
	WorkDir string `yaml:"work_dir" env:"WORK_DIR"`
	// process 或 docker
	Executor    string `yaml:"executor" env:"EXECUTOR"`
	DockerImage string `yaml:"docker_image" env:"DOCKER_IMAGE"`
	// 每秒最多回复的探测报文数
	ReplyRate  float64 `yaml:"reply_rate" env:"REPLY_RATE"`
	ReplyBurst int     `yaml:"reply_burst" env:"REPLY_BURST"`
}

// StoreConfig 结果存储
type StoreConfig struct {
	// memory 或 etcd
	Backend        string        `yaml:"backend" env:"BACKEND"`
	Endpoints      []string      `yaml:"endpoints" env:"ENDPOINTS"`
	DialTimeout    time.Duration `yaml:"dial_timeout" env:"DIAL_TIMEOUT"`
	RequestTimeout time.Duration `yaml:"request_timeout" env:"REQUEST_TIMEOUT"`
}

// MetricsConfig Prometheus 指标
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled" env:"ENABLED"`
	ListenAddr string `yaml:"listen_addr" env:"LISTEN_ADDR"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	for name, port := range map[string]int{
		"discovery.agent_port":     c.Discovery.AgentPort,
		"discovery.shepherd_port":  c.Discovery.ShepherdPort,
		"transport.agent_com_port": c.Transport.AgentComPort,
	} {
		if port <= 0 || port > 65535 {
			errs = append(errs, fmt.Sprintf("invalid %s %d", name, port))
		}
	}
	if c.Discovery.Message == "" {
		errs = append(errs, "discovery.message must not be empty")
	}
	if c.Discovery.WaitReplies <= 0 {
		errs = append(errs, "discovery.wait_replies must be positive")
	}
	if c.Discovery.LivenessTimeout <= 0 {
		errs = append(errs, "discovery.liveness_timeout must be positive")
	}
	if c.Transport.AcquireMessage == "" {
		errs = append(errs, "transport.acquire_message must not be empty")
	}
	if c.Transport.BufferSize <= 0 {
		errs = append(errs, "transport.buffer_size must be positive")
	}
	if c.Transport.ElementGrace < 0 {
		errs = append(errs, "transport.element_grace must not be negative")
	}
	if c.Dispatcher.MaxRequeue < 0 {
		errs = append(errs, "dispatcher.max_requeue must not be negative")
	}
	switch c.Agent.Executor {
	case "process", "docker":
	default:
		errs = append(errs, fmt.Sprintf("unknown agent.executor %q", c.Agent.Executor))
	}
	if c.Agent.Executor == "docker" && c.Agent.DockerImage == "" {
		errs = append(errs, "agent.docker_image is required for the docker executor")
	}
	switch c.Store.Backend {
	case "memory":
	case "etcd":
		if len(c.Store.Endpoints) == 0 {
			errs = append(errs, "store.endpoints is required for the etcd backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown store.backend %q", c.Store.Backend))
	}

	if len(errs) > 0 {
		return errors.New("config validation failed: " + strings.Join(errs, "; "))
	}
	return nil
}
