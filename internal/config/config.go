// Package config loads alert service settings from bloodlink.yaml and
// BLOODLINK_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

type Config struct {
	Server    ServerConfig
	Log       LogConfig
	Redis     RedisConfig
	NATS      NATSConfig `mapstructure:"nats"`
	Postgres  PostgresConfig
	Hub       HubConfig
	Presence  PresenceConfig
	Alerts    AlertsConfig
	Auth      AuthConfig
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Outbox    OutboxConfig
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdownTimeout"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type RedisConfig struct {
	Addr string `mapstructure:"addr"`
}

type NATSConfig struct {
	URL            string `mapstructure:"url"`
	RequestSubject string `mapstructure:"requestSubject"`
	DonorSubject   string `mapstructure:"donorSubject"`
	AlertSubject   string `mapstructure:"alertSubject"`
	QueueGroup     string `mapstructure:"queueGroup"`
	Workers        int    `mapstructure:"workers"`
}

type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

type HubConfig struct {
	SendQueueSize int           `mapstructure:"sendQueueSize"`
	WriteTimeout  time.Duration `mapstructure:"writeTimeout"`
	ReadLimit     int64         `mapstructure:"readLimit"`
	IdleTimeout   time.Duration `mapstructure:"idleTimeout"`
}

type PresenceConfig struct {
	Shards int `mapstructure:"shards"`
}

type AlertsConfig struct {
	ReminderPolicy   string        `mapstructure:"reminderPolicy"` // "resend_all" or "skip_alerted"
	LedgerTTL        time.Duration `mapstructure:"ledgerTTL"`
	GeneralBroadcast bool          `mapstructure:"generalBroadcast"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwtSecret"`
}

type RateLimitConfig struct {
	ReadRPS    float64 `mapstructure:"readRPS"`
	ReadBurst  float64 `mapstructure:"readBurst"`
	AlertRPS   float64 `mapstructure:"alertRPS"`
	AlertBurst float64 `mapstructure:"alertBurst"`
}

type OutboxConfig struct {
	PollInterval time.Duration `mapstructure:"pollInterval"`
	BatchSize    int           `mapstructure:"batchSize"`
	RetryMax     int           `mapstructure:"retryMax"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdownTimeout", "10s")
	v.SetDefault("log.level", "info")

	v.SetDefault("redis.addr", "")
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.requestSubject", "bloodrequests.created")
	v.SetDefault("nats.donorSubject", "donors.registered")
	v.SetDefault("nats.alertSubject", "alerts.dispatched")
	v.SetDefault("nats.queueGroup", "alertservice")
	v.SetDefault("nats.workers", 8)
	v.SetDefault("postgres.dsn", "")

	v.SetDefault("hub.sendQueueSize", 64)
	v.SetDefault("hub.writeTimeout", "5s")
	v.SetDefault("hub.readLimit", 4096)
	v.SetDefault("hub.idleTimeout", "0s")
	v.SetDefault("presence.shards", 32)

	v.SetDefault("alerts.reminderPolicy", "resend_all")
	v.SetDefault("alerts.ledgerTTL", "24h")
	v.SetDefault("alerts.generalBroadcast", false)

	v.SetDefault("auth.jwtSecret", "")
	v.SetDefault("ratelimit.readRPS", 20)
	v.SetDefault("ratelimit.readBurst", 40)
	v.SetDefault("ratelimit.alertRPS", 1)
	v.SetDefault("ratelimit.alertBurst", 5)

	v.SetDefault("outbox.pollInterval", "200ms")
	v.SetDefault("outbox.batchSize", 100)
	v.SetDefault("outbox.retryMax", 3)
}

// Load reads bloodlink.yaml from the given directories (the working directory
// when none are passed), then applies BLOODLINK_ environment overrides such as
// BLOODLINK_ALERTS_REMINDERPOLICY. A missing file is not an error.
func Load(logger *zap.Logger, dirs ...string) (*Config, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("bloodlink")
	v.SetConfigType("yaml")
	if len(dirs) == 0 {
		dirs = []string{"."}
	}
	for _, d := range dirs {
		v.AddConfigPath(d)
	}

	v.SetEnvPrefix("BLOODLINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		logger.Debug("no config file, using defaults and environment")
	} else {
		logger.Info("config file loaded", zap.String("path", v.ConfigFileUsed()))
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Alerts.ReminderPolicy {
	case "resend_all", "skip_alerted":
	default:
		return fmt.Errorf("config: alerts.reminderPolicy must be resend_all or skip_alerted, got %q", c.Alerts.ReminderPolicy)
	}
	if c.Presence.Shards <= 0 {
		return fmt.Errorf("config: presence.shards must be positive, got %d", c.Presence.Shards)
	}
	return nil
}
