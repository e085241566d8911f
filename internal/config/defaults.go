package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Discovery:  DefaultDiscoveryConfig(),
		Transport:  DefaultTransportConfig(),
		Dispatcher: DefaultDispatcherConfig(),
		Agent:      DefaultAgentConfig(),
		Store:      DefaultStoreConfig(),
		Metrics:    DefaultMetricsConfig(),
		Log:        DefaultLogConfig(),
	}
}

// DefaultDiscoveryConfig 端口和探测报文与已部署的 agent 保持一致
func DefaultDiscoveryConfig() DiscoveryConfig {
	return DiscoveryConfig{
		AgentPort:       2333,
		ShepherdPort:    2334,
		Message:         "Slaves, show yourselves!",
		WaitReplies:     2 * time.Second,
		LivenessTimeout: 10 * time.Second,
		RefreshInterval: time.Second,
	}
}

func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		AgentComPort:   4444,
		AcquireMessage: "You are mine now!",
		DialTimeout:    5 * time.Second,
		BufferSize:     64 * 1024,
		MaxFileSize:    1 << 30,
		ElementGrace:   10 * time.Second,
	}
}

func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		InputDir:      ".",
		OutputDir:     "./results",
		MaxRequeue:    2,
		RetryInterval: 5 * time.Second,
	}
}

func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		CUDA:       "None",
		Version:    "1.0.0",
		WorkDir:    "./herd-jobs",
		Executor:   "process",
		ReplyRate:  10,
		ReplyBurst: 20,
	}
}

func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Backend:        "memory",
		Endpoints:      []string{"localhost:2379"},
		DialTimeout:    5 * time.Second,
		RequestTimeout: 3 * time.Second,
	}
}

func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:    true,
		ListenAddr: ":9105",
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "console",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: true,
	}
}
