package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 描述了 OpenPA 在启动阶段需要加载的核心配置。
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
	Oracle   OracleConfig   `yaml:"oracle"`
	Agent    AgentConfig    `yaml:"agent"`
	Memory   MemoryConfig   `yaml:"memory"`
	Sessions SessionConfig  `yaml:"sessions"`
	Turns    TurnConfig     `yaml:"turns"`
	Runtime  RuntimeConfig  `yaml:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `yaml:"address"`
}

// LoggingConfig 控制日志输出行为。
type LoggingConfig struct {
	Level       string   `yaml:"level"`
	Format      string   `yaml:"format"`
	OutputPaths []string `yaml:"output_paths"`
	Audit       struct {
		Enabled    bool   `yaml:"enabled"`
		Path       string `yaml:"path"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAgeDays int    `yaml:"max_age_days"`
	} `yaml:"audit"`
}

// OracleConfig 用于配置推理服务的调用方式。
type OracleConfig struct {
	Provider string       `yaml:"provider"`
	OpenAI   OpenAIConfig `yaml:"openai"`
}

// OpenAIConfig 描述通过 OpenAI 兼容接口完成推理时所需的信息。
type OpenAIConfig struct {
	APIKey         string `yaml:"api_key"`
	APIKeyEnv      string `yaml:"api_key_env"`
	BaseURL        string `yaml:"base_url"`
	Model          string `yaml:"model"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout 返回推理调用的超时时间。
func (c OpenAIConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// AgentConfig 包含编排循环的策略参数。这些都是策略旋钮而非结构性常量，
// 因此统一放在配置中，便于按工作负载重新校准。
type AgentConfig struct {
	ConversationWindow    int `yaml:"conversation_window"`
	WorkspacePreviewChars int `yaml:"workspace_preview_chars"`
	MinContentChars       int `yaml:"min_content_chars"`
	SimpleStepCeiling     int `yaml:"simple_step_ceiling"`
	FocusedStepCeiling    int `yaml:"focused_step_ceiling"`
	ComplexStepCeiling    int `yaml:"complex_step_ceiling"`
	HardStepCeiling       int `yaml:"hard_step_ceiling"`
	RepetitionThreshold   int `yaml:"repetition_threshold"`
	RunTimeoutSeconds     int `yaml:"run_timeout_seconds"`
}

// RunTimeout 返回单次编排运行的墙钟超时。
func (c AgentConfig) RunTimeout() time.Duration {
	if c.RunTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.RunTimeoutSeconds) * time.Second
}

// MemoryConfig 控制会话记忆的容量与持久化方式。
type MemoryConfig struct {
	MaxEntities      int         `yaml:"max_entities"`
	EntityTTLMinutes int         `yaml:"entity_ttl_minutes"`
	SnapshotDriver   string      `yaml:"snapshot_driver"`
	Redis            RedisConfig `yaml:"redis"`
}

// EntityTTL 返回实体的空闲过期时间。
func (c MemoryConfig) EntityTTL() time.Duration {
	if c.EntityTTLMinutes <= 0 {
		return 0
	}
	return time.Duration(c.EntityTTLMinutes) * time.Minute
}

// RedisConfig 统一描述 Redis 连接信息。
type RedisConfig struct {
	Address   string `yaml:"address"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
	Queue     string `yaml:"queue"`
	BlockWait int    `yaml:"block_wait_seconds"`
}

// SessionConfig 控制会话注册表的生命周期参数。
type SessionConfig struct {
	IdleTimeoutMinutes     int `yaml:"idle_timeout_minutes"`
	CleanupIntervalMinutes int `yaml:"cleanup_interval_minutes"`
}

// TurnConfig 描述异步对话轮次的存储与队列。
type TurnConfig struct {
	Store struct {
		Driver                 string `yaml:"driver"`
		DSN                    string `yaml:"dsn"`
		MaxOpenConns           int    `yaml:"max_open_conns"`
		MaxIdleConns           int    `yaml:"max_idle_conns"`
		ConnMaxLifetimeSeconds int    `yaml:"conn_max_lifetime_seconds"`
		ConnMaxIdleTimeSeconds int    `yaml:"conn_max_idle_time_seconds"`
		Retries                int    `yaml:"retries"`
	} `yaml:"store"`
	Queue struct {
		Driver   string      `yaml:"driver"`
		Worker   int         `yaml:"worker"`
		Redis    RedisConfig `yaml:"redis"`
		RabbitMQ struct {
			URL        string `yaml:"url"`
			Queue      string `yaml:"queue"`
			Prefetch   int    `yaml:"prefetch"`
			Durable    bool   `yaml:"durable"`
			AutoDelete bool   `yaml:"auto_delete"`
		} `yaml:"rabbitmq"`
	} `yaml:"queue"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `yaml:"data_dir"`
}

// Load 负责解析指定路径的 YAML 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Oracle.Provider == "" {
		c.Oracle.Provider = "openai"
	}
	if c.Oracle.OpenAI.TimeoutSeconds <= 0 {
		c.Oracle.OpenAI.TimeoutSeconds = 60
	}

	if c.Agent.ConversationWindow <= 0 {
		c.Agent.ConversationWindow = 10
	}
	if c.Agent.WorkspacePreviewChars <= 0 {
		c.Agent.WorkspacePreviewChars = 500
	}
	if c.Agent.MinContentChars <= 0 {
		c.Agent.MinContentChars = 80
	}
	if c.Agent.SimpleStepCeiling <= 0 {
		c.Agent.SimpleStepCeiling = 2
	}
	if c.Agent.FocusedStepCeiling <= 0 {
		c.Agent.FocusedStepCeiling = 5
	}
	if c.Agent.ComplexStepCeiling <= 0 {
		c.Agent.ComplexStepCeiling = 8
	}
	if c.Agent.HardStepCeiling <= 0 {
		c.Agent.HardStepCeiling = 20
	}
	if c.Agent.RepetitionThreshold <= 0 {
		c.Agent.RepetitionThreshold = 3
	}
	if c.Agent.RunTimeoutSeconds <= 0 {
		c.Agent.RunTimeoutSeconds = 300
	}

	if c.Memory.MaxEntities <= 0 {
		c.Memory.MaxEntities = 50
	}
	if c.Memory.EntityTTLMinutes <= 0 {
		c.Memory.EntityTTLMinutes = 60
	}
	if c.Memory.SnapshotDriver == "" {
		c.Memory.SnapshotDriver = "file"
	}

	if c.Sessions.IdleTimeoutMinutes <= 0 {
		c.Sessions.IdleTimeoutMinutes = 60
	}
	if c.Sessions.CleanupIntervalMinutes <= 0 {
		c.Sessions.CleanupIntervalMinutes = 15
	}

	if c.Turns.Store.Driver == "" {
		c.Turns.Store.Driver = "memory"
	}
	if c.Turns.Store.Retries <= 0 {
		c.Turns.Store.Retries = 3
	}
	if c.Turns.Queue.Driver == "" {
		c.Turns.Queue.Driver = "memory"
	}
	if c.Turns.Queue.Worker <= 0 {
		c.Turns.Queue.Worker = 2
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
}
