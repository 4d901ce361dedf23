package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/escrow-ledger/internal/logger"

	"github.com/spf13/viper"
)

// Config 应用配置结构
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Database  DatabaseConfig  `mapstructure:"database"`
	JWT       JWTConfig       `mapstructure:"jwt"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Queue     QueueConfig     `mapstructure:"queue"`
	CORS      CORSConfig      `mapstructure:"cors"`
	Security  SecurityConfig  `mapstructure:"security"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Payout    PayoutConfig    `mapstructure:"payout"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // debug / release

	ReadHeaderTimeoutSeconds int `mapstructure:"read_header_timeout_seconds"`
	ReadTimeoutSeconds       int `mapstructure:"read_timeout_seconds"`
	WriteTimeoutSeconds      int `mapstructure:"write_timeout_seconds"`
	IdleTimeoutSeconds       int `mapstructure:"idle_timeout_seconds"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Dir        string `mapstructure:"dir"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// ToLoggerOptions 转换为 logger 配置
func (c LogConfig) ToLoggerOptions() logger.Options {
	return logger.Options{
		Level:      c.Level,
		Dir:        c.Dir,
		Filename:   c.Filename,
		MaxSizeMB:  c.MaxSizeMB,
		MaxBackups: c.MaxBackups,
		MaxAgeDays: c.MaxAgeDays,
		Compress:   c.Compress,
	}
}

// DatabasePoolConfig 数据库连接池配置
type DatabasePoolConfig struct {
	MaxOpenConns           int `mapstructure:"max_open_conns"`
	MaxIdleConns           int `mapstructure:"max_idle_conns"`
	ConnMaxLifetimeSeconds int `mapstructure:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int `mapstructure:"conn_max_idle_time_seconds"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Driver string             `mapstructure:"driver"` // 数据库驱动（sqlite/postgres）
	DSN    string             `mapstructure:"dsn"`    // 数据库连接串
	Pool   DatabasePoolConfig `mapstructure:"pool"`
}

// JWTConfig 操作员令牌校验配置（令牌由外部认证服务签发）
type JWTConfig struct {
	SecretKey string `mapstructure:"secret"`
	Issuer    string `mapstructure:"issuer"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// QueueConfig 异步队列配置
type QueueConfig struct {
	Enabled     bool           `mapstructure:"enabled"`
	Host        string         `mapstructure:"host"`
	Port        int            `mapstructure:"port"`
	Password    string         `mapstructure:"password"`
	DB          int            `mapstructure:"db"`
	Concurrency int            `mapstructure:"concurrency"`
	Queues      map[string]int `mapstructure:"queues"`
}

// CORSConfig 跨域配置
type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
	MaxAge           int      `mapstructure:"max_age"`
}

// SecurityConfig 安全配置
type SecurityConfig struct {
	WebhookRateLimit RateLimitConfig `mapstructure:"webhook_rate_limit"`
	AdminRateLimit   RateLimitConfig `mapstructure:"admin_rate_limit"`
}

// RateLimitConfig 限流配置
type RateLimitConfig struct {
	WindowSeconds int `mapstructure:"window_seconds"`
	MaxRequests   int `mapstructure:"max_requests"`
}

// GatewayConfig 支付网关配置
type GatewayConfig struct {
	Driver         string          `mapstructure:"driver"` // rest / wechatpay
	BaseURL        string          `mapstructure:"base_url"`
	APIKey         string          `mapstructure:"api_key"`
	WebhookSecret  string          `mapstructure:"webhook_secret"`
	TimeoutSeconds int             `mapstructure:"timeout_seconds"`
	RatePerSecond  float64         `mapstructure:"rate_per_second"`
	Burst          int             `mapstructure:"burst"`
	WechatPay      WechatPayConfig `mapstructure:"wechatpay"`
}

// Timeout 单次网关调用超时
func (c GatewayConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// WechatPayConfig 微信支付网关配置
type WechatPayConfig struct {
	AppID              string `mapstructure:"appid"`
	MerchantID         string `mapstructure:"mchid"`
	MerchantSerialNo   string `mapstructure:"merchant_serial_no"`
	MerchantPrivateKey string `mapstructure:"merchant_private_key"`
	BaseURL            string `mapstructure:"base_url"`
	TransferScene      string `mapstructure:"transfer_scene"`
}

// ReconcileConfig 对账引擎配置
type ReconcileConfig struct {
	StuckAfterMinutes   int               `mapstructure:"stuck_after_minutes"`
	BatchSize           int               `mapstructure:"batch_size"`
	Concurrency         int               `mapstructure:"concurrency"`
	PlatformFeeBps      int64             `mapstructure:"platform_fee_bps"`
	SummaryTTLHours     int               `mapstructure:"summary_ttl_hours"`
	MaxRecoveryAttempts int               `mapstructure:"max_recovery_attempts"` // 超过后标记人工复核
	WebhookMaxAttempts  int               `mapstructure:"webhook_max_attempts"`
	Retry               RetryConfig       `mapstructure:"retry"`
	AutoRelease         AutoReleaseConfig `mapstructure:"auto_release"`
	Schedule            ScheduleConfig    `mapstructure:"schedule"`
}

// StuckAfter PENDING 支付判定为卡单的时长
func (c ReconcileConfig) StuckAfter() time.Duration {
	if c.StuckAfterMinutes <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(c.StuckAfterMinutes) * time.Minute
}

// RetryConfig 网关调用重试配置
type RetryConfig struct {
	MaxAttempts int     `mapstructure:"max_attempts"`
	BaseDelayMS int     `mapstructure:"base_delay_ms"`
	MaxDelayMS  int     `mapstructure:"max_delay_ms"`
	Jitter      float64 `mapstructure:"jitter"` // 退避随机因子，0 表示固定间隔
}

// AutoReleaseConfig 自动放款策略
type AutoReleaseConfig struct {
	Enabled   bool `mapstructure:"enabled"`
	HoldHours int  `mapstructure:"hold_hours"`
}

// ScheduleConfig 定时任务配置（cron 表达式，留空表示关闭）
type ScheduleConfig struct {
	Recover      string `mapstructure:"recover"`
	Cleanup      string `mapstructure:"cleanup"`
	ReleaseDue   string `mapstructure:"release_due"`
	WebhookRetry string `mapstructure:"webhook_retry"`
}

// PayoutConfig 打款配置
type PayoutConfig struct {
	AutoTransfer bool `mapstructure:"auto_transfer"`
}

// Load 从 config.yml 加载配置
func Load() *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")     // 从当前目录查找
	viper.AddConfigPath("./")    // 备用路径
	viper.AddConfigPath("../")   // 如果从 cmd/server 运行
	viper.AddConfigPath("./etc") // etc 文件夹

	SetDefaults(viper.GetViper())

	// 环境变量支持
	viper.AutomaticEnv()                                   // 自动读取环境变量
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // 将 . 替换为 _ (例如 server.port -> SERVER_PORT)

	// 读取配置文件
	if err := viper.ReadInConfig(); err != nil {
		logger.Warnw("config_file_read_failed",
			"error", err,
			"fallback", "env_or_defaults",
		)
	} else {
		logger.Infow("config_file_loaded", "file", viper.ConfigFileUsed())
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		logger.Errorw("config_unmarshal_failed", "error", err)
		panic(fmt.Errorf("配置解析失败: %w", err))
	}

	return &cfg
}

// SetDefaults 写入默认配置
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.read_header_timeout_seconds", 5)
	v.SetDefault("server.read_timeout_seconds", 15)
	v.SetDefault("server.write_timeout_seconds", 30)
	v.SetDefault("server.idle_timeout_seconds", 60)
	v.SetDefault("log.level", "")
	v.SetDefault("log.dir", "")
	v.SetDefault("log.filename", "reconcile.log")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 7)
	v.SetDefault("log.max_age_days", 30)
	v.SetDefault("log.compress", true)
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "./db/escrow.db?_pragma=busy_timeout(5000)")
	v.SetDefault("database.pool.max_open_conns", 1)
	v.SetDefault("database.pool.max_idle_conns", 1)
	v.SetDefault("database.pool.conn_max_lifetime_seconds", 0)
	v.SetDefault("database.pool.conn_max_idle_time_seconds", 0)
	v.SetDefault("jwt.secret", "change-me-in-production")
	v.SetDefault("jwt.issuer", "")
	v.SetDefault("redis.enabled", true)
	v.SetDefault("redis.host", "127.0.0.1")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "escrow")
	v.SetDefault("queue.enabled", true)
	v.SetDefault("queue.host", "127.0.0.1")
	v.SetDefault("queue.port", 6379)
	v.SetDefault("queue.password", "")
	v.SetDefault("queue.db", 1)
	v.SetDefault("queue.concurrency", 10)
	v.SetDefault("queue.queues", map[string]int{
		"critical": 6,
		"default":  3,
	})
	v.SetDefault("cors.allowed_origins", []string{"*"})
	v.SetDefault("cors.allowed_methods", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"})
	v.SetDefault("cors.allowed_headers", []string{
		"Content-Type",
		"Content-Length",
		"Accept-Encoding",
		"Authorization",
		"Cache-Control",
		"X-Requested-With",
		"X-Request-ID",
	})
	v.SetDefault("cors.allow_credentials", true)
	v.SetDefault("cors.max_age", 600)
	v.SetDefault("security.webhook_rate_limit.window_seconds", 60)
	v.SetDefault("security.webhook_rate_limit.max_requests", 600)
	v.SetDefault("security.admin_rate_limit.window_seconds", 60)
	v.SetDefault("security.admin_rate_limit.max_requests", 30)
	v.SetDefault("gateway.driver", "rest")
	v.SetDefault("gateway.base_url", "")
	v.SetDefault("gateway.api_key", "")
	v.SetDefault("gateway.webhook_secret", "")
	v.SetDefault("gateway.timeout_seconds", 10)
	v.SetDefault("gateway.rate_per_second", 20)
	v.SetDefault("gateway.burst", 5)
	v.SetDefault("gateway.wechatpay.base_url", "https://api.mch.weixin.qq.com")
	v.SetDefault("gateway.wechatpay.transfer_scene", "1000")
	v.SetDefault("reconcile.stuck_after_minutes", 30)
	v.SetDefault("reconcile.batch_size", 100)
	v.SetDefault("reconcile.concurrency", 4)
	v.SetDefault("reconcile.platform_fee_bps", 1000)
	v.SetDefault("reconcile.summary_ttl_hours", 72)
	v.SetDefault("reconcile.max_recovery_attempts", 12)
	v.SetDefault("reconcile.webhook_max_attempts", 8)
	v.SetDefault("reconcile.retry.max_attempts", 4)
	v.SetDefault("reconcile.retry.base_delay_ms", 500)
	v.SetDefault("reconcile.retry.max_delay_ms", 8000)
	v.SetDefault("reconcile.retry.jitter", 0.2)
	v.SetDefault("reconcile.auto_release.enabled", false)
	v.SetDefault("reconcile.auto_release.hold_hours", 72)
	v.SetDefault("reconcile.schedule.recover", "@every 5m")
	v.SetDefault("reconcile.schedule.cleanup", "@every 10m")
	v.SetDefault("reconcile.schedule.release_due", "@every 15m")
	v.SetDefault("reconcile.schedule.webhook_retry", "@every 2m")
	v.SetDefault("payout.auto_transfer", false)
}
