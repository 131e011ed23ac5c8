package config

import (
	"crypto/rand"
	"encoding/hex"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config 应用配置
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Upstream    UpstreamConfig    `yaml:"upstream"`
	Keys        []string          `yaml:"keys"`
	Limits      LimitsConfig      `yaml:"limits"`
	Cache       CacheConfig       `yaml:"cache"`
	Concurrency ConcurrencyConfig `yaml:"concurrency"`
	Streaming   StreamingConfig   `yaml:"streaming"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Version     VersionConfig     `yaml:"version"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// APIKey 网关访问密钥，为空时不校验
	APIKey string `yaml:"api_key"`
	// AdminPassword 明文或 bcrypt 哈希（$2a$/$2b$ 前缀）
	AdminPassword string `yaml:"admin_password"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// UpstreamConfig 上游服务配置
type UpstreamConfig struct {
	BaseURL string   `yaml:"base_url"`
	Timeout int      `yaml:"timeout"` // 秒
	Models  []string `yaml:"models"`
	// MaxRetries 失败后换 key 重试次数，0 表示按 key 数量
	MaxRetries int `yaml:"max_retries"`
}

// LimitsConfig 调用限制
type LimitsConfig struct {
	DailyPerKey            int  `yaml:"daily_per_key"`
	MaxRequestsPerMinute   int  `yaml:"max_requests_per_minute"`
	MaxRequestsPerDayPerIP int  `yaml:"max_requests_per_day_per_ip"`
	ReconnectDetection     bool `yaml:"reconnect_detection"`
}

// CacheConfig 响应缓存配置
type CacheConfig struct {
	ExpirySeconds  int  `yaml:"expiry_seconds"`
	MaxEntries     int  `yaml:"max_entries"`
	RemoveAfterUse bool `yaml:"remove_after_use"`
}

// ConcurrencyConfig 并发配置
type ConcurrencyConfig struct {
	Base              int `yaml:"base"`
	IncreaseOnFailure int `yaml:"increase_on_failure"` // 每次近期失败增加的并发数，0=不增加
	Max               int `yaml:"max"`
	FailureWindow     int `yaml:"failure_window"` // 秒
}

// StreamingConfig 流式与随机串显示配置
type StreamingConfig struct {
	FakeStreaming         bool    `yaml:"fake_streaming"`
	FakeStreamingInterval float64 `yaml:"fake_streaming_interval"` // 秒
	RandomString          bool    `yaml:"random_string"`
	RandomStringLength    int     `yaml:"random_string_length"`
}

// MaintenanceConfig 后台清理配置
type MaintenanceConfig struct {
	Interval           int `yaml:"interval"`             // 秒
	AuditRetentionDays int `yaml:"audit_retention_days"` // 审计日志保留天数
}

// VersionConfig 版本检查配置
type VersionConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CheckURL string `yaml:"check_url"`
	Interval int    `yaml:"interval"` // 秒
}

// LoggingConfig 日志配置
type LoggingConfig struct {
	Level       string `yaml:"level"`
	BufferLines int    `yaml:"buffer_lines"`
}

var (
	globalConfig *Config
	configMu     sync.RWMutex
)

// Load 从文件加载配置，随后应用 .env 和环境变量覆盖
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	// .env 不存在时忽略
	_ = godotenv.Load()
	applyEnv(cfg)

	setDefaults(cfg)

	// 支持通过 "auto" 自动生成访问密钥（首次加载后落盘）
	if maybeGenerateKeys(cfg) {
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	}

	configMu.Lock()
	globalConfig = cfg
	configMu.Unlock()

	return cfg, nil
}

// applyEnv 环境变量覆盖
func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("KEYPULSE_API_KEYS")); v != "" {
		cfg.Keys = splitList(v)
	}
	if v := os.Getenv("KEYPULSE_ADMIN_PASSWORD"); v != "" {
		cfg.Server.AdminPassword = v
	}
	if v := os.Getenv("KEYPULSE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("KEYPULSE_UPSTREAM_BASE_URL"); v != "" {
		cfg.Upstream.BaseURL = v
	}
}

func splitList(s string) []string {
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == '\n' || r == ' ' })
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func maybeGenerateKeys(cfg *Config) bool {
	if strings.EqualFold(strings.TrimSpace(cfg.Server.APIKey), "auto") {
		cfg.Server.APIKey = generateAPIKey("keypulse-user")
		return true
	}
	return false
}

func generateAPIKey(prefix string) string {
	b := make([]byte, 18)
	if _, err := rand.Read(b); err != nil {
		return prefix + "-fallback-key"
	}
	return prefix + "-" + hex.EncodeToString(b)
}

// Get 获取全局配置
func Get() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return globalConfig
}

// setDefaults 设置默认值
func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 7860
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "./data/keypulse.db"
	}
	if cfg.Upstream.BaseURL == "" {
		cfg.Upstream.BaseURL = "https://generativelanguage.googleapis.com/v1beta/openai"
	}
	if cfg.Upstream.Timeout == 0 {
		cfg.Upstream.Timeout = 300
	}
	if len(cfg.Upstream.Models) == 0 {
		cfg.Upstream.Models = []string{"gemini-1.5-flash", "gemini-1.5-pro", "gemini-2.0-flash"}
	}
	if cfg.Limits.DailyPerKey == 0 {
		cfg.Limits.DailyPerKey = 25
	}
	if cfg.Limits.MaxRequestsPerMinute == 0 {
		cfg.Limits.MaxRequestsPerMinute = 30
	}
	if cfg.Limits.MaxRequestsPerDayPerIP == 0 {
		cfg.Limits.MaxRequestsPerDayPerIP = 600
	}
	if cfg.Cache.ExpirySeconds == 0 {
		cfg.Cache.ExpirySeconds = 1200
	}
	if cfg.Cache.MaxEntries == 0 {
		cfg.Cache.MaxEntries = 500
	}
	if cfg.Concurrency.Base == 0 {
		cfg.Concurrency.Base = 1
	}
	if cfg.Concurrency.Max == 0 {
		cfg.Concurrency.Max = 3
	}
	if cfg.Concurrency.FailureWindow == 0 {
		cfg.Concurrency.FailureWindow = 300
	}
	if cfg.Streaming.FakeStreamingInterval == 0 {
		cfg.Streaming.FakeStreamingInterval = 1
	}
	if cfg.Streaming.RandomStringLength == 0 {
		cfg.Streaming.RandomStringLength = 5
	}
	if cfg.Maintenance.Interval == 0 {
		cfg.Maintenance.Interval = 60
	}
	if cfg.Maintenance.AuditRetentionDays == 0 {
		cfg.Maintenance.AuditRetentionDays = 30
	}
	if cfg.Version.Interval == 0 {
		cfg.Version.Interval = 3600
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.BufferLines == 0 {
		cfg.Logging.BufferLines = 500
	}
}

// CacheTTL 缓存有效期
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.ExpirySeconds) * time.Second
}

// Addr 监听地址
func (c *Config) Addr() string {
	return c.Server.Host + ":" + strconv.Itoa(c.Server.Port)
}

// Save 保存配置到文件
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
