package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "NOTIFY"

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.env", "production")
	v.SetDefault("app.port", 8085)
	v.SetDefault("app.shutdown_timeout_seconds", 15)
	v.SetDefault("app.internal_api_key", "")

	v.SetDefault("jwt.algorithm", "HS256")
	v.SetDefault("jwt.hs_secret", "")
	v.SetDefault("jwt.public_key_path", "")
	v.SetDefault("jwt.role_claim", "role")
	v.SetDefault("jwt.id_claim", "id")
	v.SetDefault("jwt.role_prefix", "ROLE_")

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.sqlite_path", "notifications.db")
	v.SetDefault("store.timeout_ms", 3000)

	v.SetDefault("mongodb.uri", "mongodb://localhost:27017")
	v.SetDefault("mongodb.database", "notify")
	v.SetDefault("mongodb.collection", "notifications")

	v.SetDefault("breaker.max_failures", 5)
	v.SetDefault("breaker.open_timeout_seconds", 10)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "notify")
	v.SetDefault("redis.presence_ttl_seconds", 60)
	v.SetDefault("redis.rate_limit", 120)
	v.SetDefault("redis.rate_window_seconds", 60)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic_events", "notification.events")
	v.SetDefault("kafka.group_id", "notify-service")
	v.SetDefault("kafka.dlq_topic", "notification.events.dlq")
	v.SetDefault("kafka.max_retries", 5)
	v.SetDefault("kafka.retry_backoff_ms", 500)

	v.SetDefault("ws.heartbeat_interval_seconds", 4)
	v.SetDefault("ws.timeout_multiplier", 3)
	v.SetDefault("ws.write_deadline_seconds", 10)
	v.SetDefault("ws.max_message_size_bytes", 65536)
	v.SetDefault("ws.send_buffer", 256)
	v.SetDefault("ws.slow_consumer_grace_ms", 5000)
	v.SetDefault("ws.inbound_rps", 20)
	v.SetDefault("ws.shards", 32)
	v.SetDefault("ws.auto_subscribe_personal", true)

	v.SetDefault("client.base_url", "http://localhost:8085")
	v.SetDefault("client.token", "")
	v.SetDefault("client.reconnect_delay_seconds", 5)
	v.SetDefault("client.heartbeat_interval_seconds", 4)
	v.SetDefault("client.request_timeout_seconds", 10)

	v.SetDefault("log.level", "info")
}

// New returns a viper instance with defaults, the optional config file and
// NOTIFY_* environment overrides (app.port -> NOTIFY_APP_PORT).
func New(path string) (*viper.Viper, error) {
	// .env is optional
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return v, nil
}

func Load(path string) (*Config, error) {
	v, err := New(path)
	if err != nil {
		return nil, err
	}
	return FromViper(v)
}

func FromViper(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	// env overrides of list values arrive as one comma separated string
	if len(c.Kafka.Brokers) == 1 && strings.Contains(c.Kafka.Brokers[0], ",") {
		c.Kafka.Brokers = strings.Split(c.Kafka.Brokers[0], ",")
	}

	if c.WS.TimeoutMultiplier <= 0 {
		c.WS.TimeoutMultiplier = 3
	}
	c.ShutdownTimeout = seconds(c.App.ShutdownTimeoutSecs, 15)
	c.StoreTimeout = millis(c.Store.TimeoutMs, 3000)
	c.BreakerTimeout = seconds(c.Breaker.OpenTimeoutSec, 10)
	c.PresenceTTL = seconds(c.Redis.PresenceTTLSecs, 60)
	c.RateWindow = seconds(c.Redis.RateWindowSecs, 60)
	c.RetryBackoff = millis(c.Kafka.RetryBackoffMs, 500)
	c.HeartbeatInterval = seconds(c.WS.HeartbeatIntervalSeconds, 4)
	c.HeartbeatTimeout = time.Duration(c.WS.TimeoutMultiplier) * c.HeartbeatInterval
	c.WriteDeadline = seconds(c.WS.WriteDeadlineSeconds, 10)
	c.SlowConsumerGrace = millis(c.WS.SlowConsumerGraceMs, 5000)
	c.ReconnectDelay = seconds(c.Client.ReconnectDelaySeconds, 5)
	c.ClientHeartbeat = seconds(c.Client.HeartbeatIntervalSeconds, 4)
	c.RequestTimeout = seconds(c.Client.RequestTimeoutSeconds, 10)

	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) validate() error {
	var problems []string
	if c.App.Port <= 0 || c.App.Port > 65535 {
		problems = append(problems, fmt.Sprintf("invalid app.port %d", c.App.Port))
	}
	switch strings.ToUpper(c.JWT.Algorithm) {
	case "HS256":
		if c.JWT.HSSecret == "" {
			problems = append(problems, "jwt.hs_secret is required for HS256")
		}
	case "RS256":
		if c.JWT.PublicKeyPath == "" {
			problems = append(problems, "jwt.public_key_path is required for RS256")
		}
	default:
		problems = append(problems, fmt.Sprintf("unsupported jwt.algorithm %q", c.JWT.Algorithm))
	}
	switch c.Store.Driver {
	case "memory", "sqlite", "mongo":
	default:
		problems = append(problems, fmt.Sprintf("unknown store.driver %q", c.Store.Driver))
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		problems = append(problems, "kafka.brokers is required when kafka is enabled")
	}
	if len(problems) > 0 {
		return errors.New("config: " + strings.Join(problems, "; "))
	}
	return nil
}

func (a AppConfig) PortString() string {
	return strconv.Itoa(a.Port)
}

func (a AppConfig) IsDevelopment() bool {
	return a.Env == "development" || a.Env == "dev"
}

func seconds(n, def int) time.Duration {
	if n <= 0 {
		n = def
	}
	return time.Duration(n) * time.Second
}

func millis(n, def int) time.Duration {
	if n <= 0 {
		n = def
	}
	return time.Duration(n) * time.Millisecond
}

// ClientSettings is the subset the tail client needs. It skips server
// validation so a client can run without any signing material.
type ClientSettings struct {
	ClientConfig
	ReconnectDelay time.Duration
	Heartbeat      time.Duration
	RequestTimeout time.Duration
}

func ClientFromViper(v *viper.Viper) (*ClientSettings, error) {
	// read key by key so flag and env bindings on nested keys apply
	cc := ClientConfig{
		BaseURL:                  v.GetString("client.base_url"),
		Token:                    v.GetString("client.token"),
		ReconnectDelaySeconds:    v.GetInt("client.reconnect_delay_seconds"),
		HeartbeatIntervalSeconds: v.GetInt("client.heartbeat_interval_seconds"),
		RequestTimeoutSeconds:    v.GetInt("client.request_timeout_seconds"),
	}
	if cc.BaseURL == "" {
		return nil, errors.New("config: client.base_url is required")
	}
	return &ClientSettings{
		ClientConfig:   cc,
		ReconnectDelay: seconds(cc.ReconnectDelaySeconds, 5),
		Heartbeat:      seconds(cc.HeartbeatIntervalSeconds, 4),
		RequestTimeout: seconds(cc.RequestTimeoutSeconds, 10),
	}, nil
}
