package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"ChainPilot/internal/policy"
)

// EnvConfigPath 指定配置文件路径的环境变量名。
const EnvConfigPath = "CHAINPILOT_CONFIG"

// Config 描述编排器在启动阶段需要加载的核心配置。
type Config struct {
	Server      ServerConfig      `json:"server"`
	Metrics     MetricsConfig     `json:"metrics"`
	Logging     LoggingConfig     `json:"logging"`
	Storage     StorageConfig     `json:"storage"`
	Chains      ChainsConfig      `json:"chains"`
	Market      MarketConfig      `json:"market"`
	Sessions    SessionsConfig    `json:"sessions"`
	Signer      SignerConfig      `json:"signer"`
	Policy      PolicyConfig      `json:"policy"`
	Notify      NotifyConfig      `json:"notify"`
	Coordinator CoordinatorConfig `json:"coordinator"`
	Driver      DriverConfig      `json:"driver"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// MetricsConfig 控制指标服务。地址为空时不启动。
type MetricsConfig struct {
	Address string `json:"address"`
}

// LoggingConfig 控制主日志与审计日志输出。
type LoggingConfig struct {
	Level       string      `json:"level"`
	Format      string      `json:"format"`
	OutputPaths []string    `json:"output_paths"`
	Audit       AuditConfig `json:"audit"`
}

// AuditConfig 控制审计日志文件。
type AuditConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// StorageConfig 统一描述策略与执行存储的后端。
type StorageConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// ChainsConfig 指定链定义文件与默认链名。
type ChainsConfig struct {
	ChainConfig  string `json:"chain_config"`
	DefaultChain string `json:"default_chain"`
}

// MarketConfig 指定静态报价目录文件。
type MarketConfig struct {
	Catalog string `json:"catalog"`
}

// SessionsConfig 指定会话凭证文件。凭证由钱包侧签发，这里只加载。
type SessionsConfig struct {
	Source string `json:"source"`
}

// SignerConfig 指定签名私钥的来源。私钥只从环境变量读取，
// 不落在配置文件里。
type SignerConfig struct {
	PrivateKeyEnv string `json:"private_key_env"`
}

// PolicyConfig 汇集三层策略引擎的静态配置。
type PolicyConfig struct {
	System policy.SystemPolicyConfig `json:"system"`
	Risk   policy.RiskLimits         `json:"risk"`
}

// NotifyConfig 控制事件推送渠道。
type NotifyConfig struct {
	Channels      []string `json:"channels"`
	RabbitMQURL   string   `json:"rabbitmq_url"`
	RedisAddr     string   `json:"redis_addr"`
	RedisPassword string   `json:"redis_password"`
	RedisDB       int      `json:"redis_db"`
}

// CoordinatorConfig 控制交易协调器的节奏，单位为秒。
type CoordinatorConfig struct {
	PollIntervalSeconds      int `json:"poll_interval_seconds"`
	MonitorTimeoutSeconds    int `json:"monitor_timeout_seconds"`
	NonceSyncIntervalSeconds int `json:"nonce_sync_interval_seconds"`
}

// DriverConfig 控制执行驱动器的行为。
type DriverConfig struct {
	ApprovalPollSeconds int `json:"approval_poll_seconds"`
	// FailPauseThreshold 是策略被自动暂停前允许的连续失败次数。
	FailPauseThreshold int `json:"fail_pause_threshold"`
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

	return &cfg, nil
}

// PathFromEnv 返回环境变量指定的配置路径，未设置时使用给定默认值。
func PathFromEnv(fallback string) string {
	if path := os.Getenv(EnvConfigPath); path != "" {
		return path
	}
	return fallback
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path != "" && !filepath.IsAbs(c.Logging.Audit.Path) {
		c.Logging.Audit.Path = filepath.Join(baseDir, c.Logging.Audit.Path)
	}

	if c.Chains.ChainConfig != "" && !filepath.IsAbs(c.Chains.ChainConfig) {
		c.Chains.ChainConfig = filepath.Join(baseDir, c.Chains.ChainConfig)
	}
	if c.Chains.DefaultChain == "" {
		c.Chains.DefaultChain = "ethereum"
	}

	if c.Market.Catalog != "" && !filepath.IsAbs(c.Market.Catalog) {
		c.Market.Catalog = filepath.Join(baseDir, c.Market.Catalog)
	}

	if c.Sessions.Source != "" && !filepath.IsAbs(c.Sessions.Source) {
		c.Sessions.Source = filepath.Join(baseDir, c.Sessions.Source)
	}

	if c.Signer.PrivateKeyEnv == "" {
		c.Signer.PrivateKeyEnv = "CHAINPILOT_SIGNER_KEY"
	}

	if len(c.Notify.Channels) == 0 {
		c.Notify.Channels = []string{"log", "metrics"}
	}

	if c.Coordinator.PollIntervalSeconds <= 0 {
		c.Coordinator.PollIntervalSeconds = 5
	}
	if c.Coordinator.MonitorTimeoutSeconds <= 0 {
		c.Coordinator.MonitorTimeoutSeconds = 30 * 60
	}
	if c.Coordinator.NonceSyncIntervalSeconds <= 0 {
		c.Coordinator.NonceSyncIntervalSeconds = 30
	}

	if c.Driver.ApprovalPollSeconds <= 0 {
		c.Driver.ApprovalPollSeconds = 2
	}
	if c.Driver.FailPauseThreshold <= 0 {
		c.Driver.FailPauseThreshold = 3
	}
}
