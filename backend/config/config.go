package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"drillCollab/backend/internal/conflict"
)

type CollabConfig struct {
	Running struct {
		Port int `mapstructure:"Port"`
	} `mapstructure:"Running"`
	Mysql struct {
		DSN             string        `mapstructure:"dsn"`
		MaxOpenConns    int           `mapstructure:"maxOpenConns"`
		MaxIdleConns    int           `mapstructure:"maxIdleConns"`
		ConnMaxLifetime time.Duration `mapstructure:"connMaxLifetime"`
		AutoMigrate     bool          `mapstructure:"autoMigrate"`
	} `mapstructure:"Mysql"`
	Redis struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
	} `mapstructure:"Redis"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
		Workers int      `mapstructure:"workers"`
	} `mapstructure:"Kafka"`
	Auth struct {
		JWTSecret string `mapstructure:"jwtSecret"`
	} `mapstructure:"Auth"`
	Collab struct {
		LockTTL            time.Duration `mapstructure:"lockTTL"`
		LockMaxTTL         time.Duration `mapstructure:"lockMaxTTL"`
		SubscriptionBuffer int           `mapstructure:"subscriptionBuffer"`
		CommitConcurrency  int           `mapstructure:"commitConcurrency"`
		PresenceTTL        time.Duration `mapstructure:"presenceTTL"`
		// 下发给客户端的默认冲突策略
		Strategy string `mapstructure:"strategy"`
	} `mapstructure:"Collab"`
	Cors struct {
		AllowedOrigins []string `mapstructure:"allowedOrigins"`
	} `mapstructure:"Cors"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("Running.Port", 8082)
	// 没有默认值的 key 也要登记，否则 Unmarshal 看不到对应的环境变量
	v.SetDefault("Auth.jwtSecret", "")
	v.SetDefault("Mysql.dsn", "")
	v.SetDefault("Redis.password", "")
	v.SetDefault("Kafka.brokers", []string{})
	v.SetDefault("Cors.allowedOrigins", []string{})
	v.SetDefault("Mysql.maxOpenConns", 20)
	v.SetDefault("Mysql.maxIdleConns", 10)
	v.SetDefault("Mysql.connMaxLifetime", "30m")
	v.SetDefault("Mysql.autoMigrate", true)
	v.SetDefault("Redis.addrs", []string{"127.0.0.1:6379"})
	v.SetDefault("Kafka.topic", "drill.change.events")
	v.SetDefault("Kafka.workers", 4)
	v.SetDefault("Collab.lockTTL", "30s")
	v.SetDefault("Collab.lockMaxTTL", "5m")
	v.SetDefault("Collab.subscriptionBuffer", 64)
	v.SetDefault("Collab.commitConcurrency", 64)
	v.SetDefault("Collab.presenceTTL", "30s")
	v.SetDefault("Collab.strategy", string(conflict.LastWriteWins))
}

// Load 读取 collabConfig.yaml，环境变量 COLLAB_* 覆盖文件里的值（例如 COLLAB_AUTH_JWTSECRET）。
// 找不到配置文件时只用默认值和环境变量。
func Load(paths ...string) (*CollabConfig, error) {
	v := viper.New()
	v.SetConfigName("collabConfig")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		// 兼容从项目根目录或 backend 目录启动
		paths = []string{"./backend/config", "./config", "."}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.SetEnvPrefix("COLLAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}
	cfg := &CollabConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *CollabConfig) Validate() error {
	if c.Auth.JWTSecret == "" {
		return errors.New("config: Auth.jwtSecret is required")
	}
	if c.Collab.LockTTL <= 0 {
		return fmt.Errorf("config: Collab.lockTTL must be positive, got %s", c.Collab.LockTTL)
	}
	if c.Collab.LockMaxTTL < c.Collab.LockTTL {
		return fmt.Errorf("config: Collab.lockMaxTTL (%s) < lockTTL (%s)", c.Collab.LockMaxTTL, c.Collab.LockTTL)
	}
	if _, err := conflict.ParseStrategy(c.Collab.Strategy); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
