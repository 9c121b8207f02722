package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config 描述了 OpenSwap 在启动阶段需要加载的核心配置。
type Config struct {
	Server    ServerConfig    `json:"server"`
	Auth      AuthConfig      `json:"auth"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Queue     QueueConfig     `json:"queue"`
	Execution ExecutionConfig `json:"execution"`
	Swap      SwapConfig      `json:"swap"`
	Web3      Web3Config      `json:"web3"`
	Assets    AssetsConfig    `json:"assets"`
	Intake    IntakeConfig    `json:"intake"`
	Notify    NotifyConfig    `json:"notify"`
	Metrics   MetricsConfig   `json:"metrics"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address             string `json:"address"`
	ReadTimeoutSeconds  int    `json:"read_timeout_seconds"`
	WriteTimeoutSeconds int    `json:"write_timeout_seconds"`
}

// AuthConfig 配置静态 Bearer Token。
type AuthConfig struct {
	Enabled bool          `json:"enabled"`
	Tokens  []TokenConfig `json:"tokens"`
}

// TokenConfig 描述单个访问令牌；Token 与 TokenEnv 二选一。
type TokenConfig struct {
	Name     string `json:"name"`
	Token    string `json:"token"`
	TokenEnv string `json:"token_env"`
	Operator bool   `json:"operator"`
}

// Resolve 返回令牌的实际取值。
func (t TokenConfig) Resolve() string {
	if v := strings.TrimSpace(t.Token); v != "" {
		return v
	}
	if t.TokenEnv != "" {
		return strings.TrimSpace(os.Getenv(t.TokenEnv))
	}
	return ""
}

// LoggingConfig 对应 pkg/logger 的配置。
type LoggingConfig struct {
	Level       string      `json:"level"`
	Format      string      `json:"format"`
	OutputPaths []string    `json:"output_paths"`
	AddSource   bool        `json:"add_source"`
	Audit       AuditConfig `json:"audit"`
}

// AuditConfig 控制审计日志文件。
type AuditConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
	Compress   bool   `json:"compress"`
}

// StorageConfig 统一描述 MySQL、Redis 等后端的连接信息。
type StorageConfig struct {
	SessionStore SessionStoreConfig `json:"session_store"`
}

// SessionStoreConfig 选择会话持久化后端：memory、mysql 或 redis。
type SessionStoreConfig struct {
	Driver                 string      `json:"driver"`
	DSN                    string      `json:"dsn"`
	MaxOpenConns           int         `json:"max_open_conns"`
	MaxIdleConns           int         `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int         `json:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int         `json:"conn_max_idle_time_seconds"`
	Redis                  RedisConfig `json:"redis"`
	TombstoneLimit         int         `json:"tombstone_limit"`
}

// RedisConfig 为 Redis 连接参数。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Prefix   string `json:"prefix"`
}

// QueueConfig 定义执行队列的驱动与参数。
type QueueConfig struct {
	Driver   string              `json:"driver"`
	Buffer   int                 `json:"buffer"`
	Redis    RedisQueueConfig    `json:"redis"`
	RabbitMQ RabbitMQQueueConfig `json:"rabbitmq"`
}

// RedisQueueConfig 描述基于 Redis List 的队列。
type RedisQueueConfig struct {
	Address   string `json:"address"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	Queue     string `json:"queue"`
	BlockWait int    `json:"block_wait_seconds"`
}

// RabbitMQQueueConfig 描述 RabbitMQ 队列。
type RabbitMQQueueConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// ExecutionConfig 控制执行引擎。
type ExecutionConfig struct {
	AutoExecute           bool  `json:"auto_execute"`
	Workers               int   `json:"workers"`
	ConfirmTimeoutSeconds int   `json:"confirm_timeout_seconds"`
	RecoverOnStart        *bool `json:"recover_on_start"`
	RetryAttempts         int   `json:"retry_attempts"`
	RetryBackoffMillis    int   `json:"retry_backoff_ms"`
}

// RetryBackoff 返回首次重试前的等待时长。
func (e ExecutionConfig) RetryBackoff() time.Duration {
	return time.Duration(e.RetryBackoffMillis) * time.Millisecond
}

// ConfirmTimeout 返回单笔转账确认的等待上限。
func (e ExecutionConfig) ConfirmTimeout() time.Duration {
	return time.Duration(e.ConfirmTimeoutSeconds) * time.Second
}

// Recover 表示启动时是否重新排队执行中的会话。
func (e ExecutionConfig) Recover() bool {
	return e.RecoverOnStart == nil || *e.RecoverOnStart
}

// SwapConfig 控制撮合规则。
type SwapConfig struct {
	CustodyAddress  string `json:"custody_address"`
	AllowUnbalanced bool   `json:"allow_unbalanced"`
}

// Web3Config 包含访问区块链节点所需的 RPC 地址与托管私钥来源。
type Web3Config struct {
	ChainConfig   string `json:"chain_config"`
	DefaultChain  string `json:"default_chain"`
	RPCURL        string `json:"rpc_url"`
	CustodyKeyEnv string `json:"custody_key_env"`
	Journal       string `json:"journal"`
}

// AssetsConfig 指向资产定义 YAML。
type AssetsConfig struct {
	Path string `json:"path"`
}

// IntakeConfig 配置自由文本订单解析。
type IntakeConfig struct {
	Provider string       `json:"provider"`
	OpenAI   OpenAIConfig `json:"openai"`
}

// OpenAIConfig 对应 OpenAI Chat Completions 接口参数。
type OpenAIConfig struct {
	APIKey         string `json:"api_key"`
	APIKeyEnv      string `json:"api_key_env"`
	BaseURL        string `json:"base_url"`
	Model          string `json:"model"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// Timeout 返回请求超时。
func (o OpenAIConfig) Timeout() time.Duration {
	if o.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(o.TimeoutSeconds) * time.Second
}

// ResolveAPIKey 优先使用显式配置，其次读取环境变量。
func (o OpenAIConfig) ResolveAPIKey() string {
	if v := strings.TrimSpace(o.APIKey); v != "" {
		return v
	}
	if o.APIKeyEnv != "" {
		return strings.TrimSpace(os.Getenv(o.APIKeyEnv))
	}
	return ""
}

// NotifyConfig 描述状态事件的投递目标，可同时启用多个。
type NotifyConfig struct {
	Log      bool                 `json:"log"`
	RabbitMQ NotifyRabbitMQConfig `json:"rabbitmq"`
	Redis    NotifyRedisConfig    `json:"redis"`
	Webhook  WebhookConfig        `json:"webhook"`
}

// NotifyRabbitMQConfig 通过 exchange 发布事件。
type NotifyRabbitMQConfig struct {
	Enabled    bool   `json:"enabled"`
	URL        string `json:"url"`
	Exchange   string `json:"exchange"`
	RoutingKey string `json:"routing_key"`
}

// NotifyRedisConfig 通过 PUBLISH 发布事件。
type NotifyRedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Channel  string `json:"channel"`
}

// WebhookConfig 将事件 POST 到外部地址。
type WebhookConfig struct {
	Enabled        bool              `json:"enabled"`
	URL            string            `json:"url"`
	Headers        map[string]string `json:"headers"`
	TimeoutSeconds int               `json:"timeout_seconds"`
}

// MetricsConfig 控制 /metrics。
type MetricsConfig struct {
	Enabled *bool  `json:"enabled"`
	Path    string `json:"path"`
}

// On 判断是否暴露指标，默认开启。
func (m MetricsConfig) On() bool {
	return m.Enabled == nil || *m.Enabled
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 检查驱动名称等取值范围。
func (c *Config) Validate() error {
	switch c.Storage.SessionStore.Driver {
	case "memory", "mysql", "redis":
	default:
		return fmt.Errorf("未知的会话存储驱动: %s", c.Storage.SessionStore.Driver)
	}
	switch c.Queue.Driver {
	case "memory", "redis", "rabbitmq":
	default:
		return fmt.Errorf("未知的队列驱动: %s", c.Queue.Driver)
	}
	switch c.Intake.Provider {
	case "pattern", "openai":
	default:
		return fmt.Errorf("未知的订单解析 provider: %s", c.Intake.Provider)
	}
	if c.Storage.SessionStore.Driver == "mysql" && strings.TrimSpace(c.Storage.SessionStore.DSN) == "" {
		return errors.New("mysql 会话存储需要配置 dsn")
	}
	return nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ReadTimeoutSeconds <= 0 {
		c.Server.ReadTimeoutSeconds = 15
	}
	if c.Server.WriteTimeoutSeconds <= 0 {
		c.Server.WriteTimeoutSeconds = 120
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		c.Logging.Audit.Path = filepath.Join(baseDir, "logs", "audit.log")
	}

	c.Storage.SessionStore.Driver = strings.ToLower(strings.TrimSpace(c.Storage.SessionStore.Driver))
	if c.Storage.SessionStore.Driver == "" {
		c.Storage.SessionStore.Driver = "memory"
	}
	if c.Storage.SessionStore.TombstoneLimit <= 0 {
		c.Storage.SessionStore.TombstoneLimit = 4096
	}
	if c.Storage.SessionStore.Redis.Prefix == "" {
		c.Storage.SessionStore.Redis.Prefix = "openswap"
	}

	c.Queue.Driver = strings.ToLower(strings.TrimSpace(c.Queue.Driver))
	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Buffer <= 0 {
		c.Queue.Buffer = 1024
	}
	if c.Queue.Redis.Queue == "" {
		c.Queue.Redis.Queue = "openswap:executions"
	}
	if c.Queue.RabbitMQ.Queue == "" {
		c.Queue.RabbitMQ.Queue = "openswap.executions"
	}

	if c.Execution.Workers <= 0 {
		c.Execution.Workers = 2
	}
	if c.Execution.ConfirmTimeoutSeconds <= 0 {
		c.Execution.ConfirmTimeoutSeconds = 180
	}
	if c.Execution.RetryAttempts <= 0 {
		c.Execution.RetryAttempts = 5
	}
	if c.Execution.RetryBackoffMillis <= 0 {
		c.Execution.RetryBackoffMillis = 500
	}

	c.Web3.ChainConfig = resolvePath(baseDir, c.Web3.ChainConfig)
	if c.Web3.CustodyKeyEnv == "" {
		c.Web3.CustodyKeyEnv = "OPENSWAP_CUSTODY_KEY"
	}
	if c.Web3.Journal == "" {
		c.Web3.Journal = "memory"
	}
	c.Assets.Path = resolvePath(baseDir, c.Assets.Path)

	c.Intake.Provider = strings.ToLower(strings.TrimSpace(c.Intake.Provider))
	if c.Intake.Provider == "" {
		c.Intake.Provider = "pattern"
	}
	if c.Intake.OpenAI.BaseURL == "" {
		c.Intake.OpenAI.BaseURL = "https://api.openai.com/v1"
	}
	if c.Intake.OpenAI.Model == "" {
		c.Intake.OpenAI.Model = "gpt-4o-mini"
	}

	if c.Notify.Redis.Channel == "" {
		c.Notify.Redis.Channel = "openswap:events"
	}
	if c.Notify.RabbitMQ.Exchange == "" {
		c.Notify.RabbitMQ.Exchange = "openswap.events"
	}
	if c.Notify.Webhook.TimeoutSeconds <= 0 {
		c.Notify.Webhook.TimeoutSeconds = 5
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

func resolvePath(baseDir, path string) string {
	path = strings.TrimSpace(path)
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}
