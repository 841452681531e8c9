package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "TERMCOLLAB"

type Config struct {
	Running struct {
		Port            int           `mapstructure:"port"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	} `mapstructure:"running"`
	Log struct {
		Level       string `mapstructure:"level"`
		Development bool   `mapstructure:"development"`
	} `mapstructure:"log"`
	Redis struct {
		Addrs       []string      `mapstructure:"addrs"`
		Password    string        `mapstructure:"password"`
		PresenceTTL time.Duration `mapstructure:"presence_ttl"`
	} `mapstructure:"redis"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"mysql"`
	Kafka struct {
		Brokers      []string      `mapstructure:"brokers"`
		Topic        string        `mapstructure:"topic"`
		QueueSize    int           `mapstructure:"queue_size"`
		Workers      int           `mapstructure:"workers"`
		MaxRetry     int           `mapstructure:"max_retry"`
		BaseBackoff  time.Duration `mapstructure:"base_backoff"`
		MaxBackoff   time.Duration `mapstructure:"max_backoff"`
		DrainTimeout time.Duration `mapstructure:"drain_timeout"`
	} `mapstructure:"kafka"`
	Auth struct {
		Secret string `mapstructure:"secret"`
	} `mapstructure:"auth"`
	Share struct {
		ServerURL      string        `mapstructure:"server_url"`
		StorePath      string        `mapstructure:"store_path"`
		SyncInterval   time.Duration `mapstructure:"sync_interval"`
		RequestTimeout time.Duration `mapstructure:"request_timeout"`
	} `mapstructure:"share"`
	Sync struct {
		Interval time.Duration `mapstructure:"interval"`
	} `mapstructure:"sync"`
	WS struct {
		AllowedOrigins []string `mapstructure:"allowed_origins"`
		MaxInflight    int      `mapstructure:"max_inflight"`
	} `mapstructure:"ws"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("running.port", 8090)
	v.SetDefault("running.shutdown_timeout", 10*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("redis.addrs", []string{})
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.presence_ttl", 600*time.Second)
	v.SetDefault("mysql.dsn", "")
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "session-ops")
	v.SetDefault("kafka.queue_size", 10_000)
	v.SetDefault("kafka.workers", 4)
	v.SetDefault("kafka.max_retry", 3)
	v.SetDefault("kafka.base_backoff", 50*time.Millisecond)
	v.SetDefault("kafka.max_backoff", time.Second)
	v.SetDefault("kafka.drain_timeout", 5*time.Second)
	v.SetDefault("auth.secret", "dev-secret")
	v.SetDefault("share.server_url", "http://localhost:8080")
	v.SetDefault("share.store_path", "shares.json")
	v.SetDefault("share.sync_interval", 60*time.Second)
	v.SetDefault("share.request_timeout", 10*time.Second)
	v.SetDefault("sync.interval", time.Second)
	v.SetDefault("ws.allowed_origins", []string{})
	v.SetDefault("ws.max_inflight", 100)
}

// Load 读取配置。path 为空时按约定目录查找 collabConfig.yaml，找不到文件就只用默认值和环境变量；
// 环境变量 TERMCOLLAB_SHARE_SERVER_URL 这类会覆盖文件里的值。
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("collabConfig")
		v.SetConfigType("yaml")
		// 兼容从项目根目录或 backend 目录启动
		v.AddConfigPath("./backend/config")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}
