// Package config 读取 collabConfig.yaml，环境变量 COLLAB_* 覆盖同名配置（比如 COLLAB_RUNNING_PORT）。
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"doccollab/backend/internal/logger"
)

type Config struct {
	Running struct {
		Port int    `mapstructure:"port"`
		Mode string `mapstructure:"mode"` // gin mode: debug / release / test
		// AllowedOrigins CORS 和 websocket 共用
		AllowedOrigins  []string      `mapstructure:"allowedOrigins"`
		ShutdownTimeout time.Duration `mapstructure:"shutdownTimeout"`
	} `mapstructure:"running"`
	Log   logger.Config `mapstructure:"log"`
	Store struct {
		Driver     string        `mapstructure:"driver"` // badger / mysql
		BadgerPath string        `mapstructure:"badgerPath"`
		SyncWrites bool          `mapstructure:"syncWrites"`
		GCInterval time.Duration `mapstructure:"gcInterval"`
		GCRatio    float64       `mapstructure:"gcRatio"`
	} `mapstructure:"store"`
	Mysql struct {
		DSN         string `mapstructure:"dsn"`
		AutoMigrate bool   `mapstructure:"autoMigrate"`
	} `mapstructure:"mysql"`
	// Redis 地址为空时不启用（在线成员只有本机视图，ACL 不缓存）
	Redis struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
		DB       int      `mapstructure:"db"`
	} `mapstructure:"redis"`
	// Kafka brokers 为空时不发送操作事件
	Kafka struct {
		Brokers     []string      `mapstructure:"brokers"`
		Topic       string        `mapstructure:"topic"`
		QueueSize   int           `mapstructure:"queueSize"`
		Workers     int           `mapstructure:"workers"`
		MaxRetry    int           `mapstructure:"maxRetry"`
		BaseBackoff time.Duration `mapstructure:"baseBackoff"`
		MaxBackoff  time.Duration `mapstructure:"maxBackoff"`
		MaxInflight int           `mapstructure:"maxInflight"`
	} `mapstructure:"kafka"`
	Auth struct {
		Mode string `mapstructure:"mode"` // jwt：本地校验；remote：调用认证服务
		// Path 认证服务地址，不带路径
		Path          string        `mapstructure:"path"`
		Secret        string        `mapstructure:"secret"`
		VerifyTimeout time.Duration `mapstructure:"verifyTimeout"`
		TokenTTL      time.Duration `mapstructure:"tokenTTL"`
		AutoProvision bool          `mapstructure:"autoProvision"`
		ACLCache      bool          `mapstructure:"aclCache"`
	} `mapstructure:"auth"`
	Collab struct {
		JoinTimeout        time.Duration `mapstructure:"joinTimeout"`
		ProposeTimeout     time.Duration `mapstructure:"proposeTimeout"`
		WriteTimeout       time.Duration `mapstructure:"writeTimeout"`
		SessionTimeout     time.Duration `mapstructure:"sessionTimeout"`
		ReaperInterval     time.Duration `mapstructure:"reaperInterval"`
		QueueSize          int           `mapstructure:"queueSize"`
		EphemeralQueueSize int           `mapstructure:"ephemeralQueueSize"`
		MaxInflight        int           `mapstructure:"maxInflight"`
		RecentOps          int           `mapstructure:"recentOps"`
		MaxConflictRetries int           `mapstructure:"maxConflictRetries"`
		SnapshotEvery      uint64        `mapstructure:"snapshotEvery"`
		SnapshotInterval   time.Duration `mapstructure:"snapshotInterval"`
		CompactorWorkers   int           `mapstructure:"compactorWorkers"`
		IdleDocument       time.Duration `mapstructure:"idleDocument"`
		JanitorInterval    time.Duration `mapstructure:"janitorInterval"`
		SyncInterval       time.Duration `mapstructure:"syncInterval"` // 0 按存储选默认值，负数关闭
		CursorRate         float64       `mapstructure:"cursorRate"`
		CursorBurst        int           `mapstructure:"cursorBurst"`
		MaxMessageBytes    int64         `mapstructure:"maxMessageBytes"`
	} `mapstructure:"collab"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("running.port", 8082)
	v.SetDefault("running.mode", "release")
	v.SetDefault("running.allowedOrigins", []string{"http://localhost:5173", "http://127.0.0.1:5173"})
	v.SetDefault("running.shutdownTimeout", 10*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
	v.SetDefault("log.withCaller", false)

	v.SetDefault("store.driver", "badger")
	v.SetDefault("store.badgerPath", "./data/collab")
	v.SetDefault("store.syncWrites", true)
	v.SetDefault("store.gcInterval", 10*time.Minute)
	v.SetDefault("store.gcRatio", 0.5)

	v.SetDefault("mysql.dsn", "")
	v.SetDefault("mysql.autoMigrate", true)

	v.SetDefault("redis.addrs", []string{})
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "doc-ops")
	v.SetDefault("kafka.queueSize", 10_000)
	v.SetDefault("kafka.workers", 4)
	v.SetDefault("kafka.maxRetry", 3)
	v.SetDefault("kafka.baseBackoff", 50*time.Millisecond)
	v.SetDefault("kafka.maxBackoff", time.Second)
	v.SetDefault("kafka.maxInflight", 100)

	v.SetDefault("auth.mode", "jwt")
	v.SetDefault("auth.path", "http://localhost:3001")
	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.verifyTimeout", 1200*time.Millisecond)
	v.SetDefault("auth.tokenTTL", 15*time.Minute)
	v.SetDefault("auth.autoProvision", true)
	v.SetDefault("auth.aclCache", true)

	v.SetDefault("collab.joinTimeout", 5*time.Second)
	v.SetDefault("collab.proposeTimeout", 2*time.Second)
	v.SetDefault("collab.writeTimeout", 10*time.Second)
	v.SetDefault("collab.sessionTimeout", 60*time.Second)
	v.SetDefault("collab.reaperInterval", 15*time.Second)
	v.SetDefault("collab.queueSize", 256)
	v.SetDefault("collab.ephemeralQueueSize", 64)
	v.SetDefault("collab.maxInflight", 100)
	v.SetDefault("collab.recentOps", 1024)
	v.SetDefault("collab.maxConflictRetries", 3)
	v.SetDefault("collab.snapshotEvery", 100)
	v.SetDefault("collab.snapshotInterval", 5*time.Minute)
	v.SetDefault("collab.compactorWorkers", 2)
	v.SetDefault("collab.idleDocument", 30*time.Minute)
	v.SetDefault("collab.janitorInterval", 5*time.Minute)
	v.SetDefault("collab.syncInterval", 0)
	v.SetDefault("collab.cursorRate", 20.0)
	v.SetDefault("collab.cursorBurst", 5)
	v.SetDefault("collab.maxMessageBytes", 1<<20)
}

// Load path 为空时按顺序在 ./backend/config、./config、. 下找 collabConfig.yaml，
// 找不到就只用默认值和环境变量。
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("COLLAB")
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
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "badger":
		if c.Store.BadgerPath == "" {
			return errors.New("config: store.badgerPath is required for the badger driver")
		}
	case "mysql":
		if c.Mysql.DSN == "" {
			return errors.New("config: mysql.dsn is required for the mysql driver")
		}
	default:
		return fmt.Errorf("config: unknown store.driver %q", c.Store.Driver)
	}
	switch c.Auth.Mode {
	case "jwt", "remote":
	default:
		return fmt.Errorf("config: unknown auth.mode %q", c.Auth.Mode)
	}
	if c.Running.Port <= 0 || c.Running.Port > 65535 {
		return fmt.Errorf("config: invalid running.port %d", c.Running.Port)
	}
	return nil
}
