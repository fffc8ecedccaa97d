package config

import "time"

type AppConfig struct {
	Env                 string `mapstructure:"env"`
	Port                int    `mapstructure:"port"`
	ShutdownTimeoutSecs int    `mapstructure:"shutdown_timeout_seconds"`
	InternalAPIKey      string `mapstructure:"internal_api_key"`
}

type JWTConfig struct {
	Algorithm     string `mapstructure:"algorithm"`
	HSSecret      string `mapstructure:"hs_secret"`
	PublicKeyPath string `mapstructure:"public_key_path"`
	RoleClaim     string `mapstructure:"role_claim"`
	IDClaim       string `mapstructure:"id_claim"`
	RolePrefix    string `mapstructure:"role_prefix"`
}

type StoreConfig struct {
	Driver     string `mapstructure:"driver"`
	SQLitePath string `mapstructure:"sqlite_path"`
	TimeoutMs  int    `mapstructure:"timeout_ms"`
}

type MongoConfig struct {
	URI        string `mapstructure:"uri"`
	Database   string `mapstructure:"database"`
	Collection string `mapstructure:"collection"`
}

type BreakerConfig struct {
	MaxFailures    int `mapstructure:"max_failures"`
	OpenTimeoutSec int `mapstructure:"open_timeout_seconds"`
}

type RedisConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	Addr            string `mapstructure:"addr"`
	Password        string `mapstructure:"password"`
	DB              int    `mapstructure:"db"`
	Prefix          string `mapstructure:"prefix"`
	PresenceTTLSecs int    `mapstructure:"presence_ttl_seconds"`
	RateLimit       int    `mapstructure:"rate_limit"`
	RateWindowSecs  int    `mapstructure:"rate_window_seconds"`
}

type KafkaConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Brokers        []string `mapstructure:"brokers"`
	TopicEvents    string   `mapstructure:"topic_events"`
	GroupID        string   `mapstructure:"group_id"`
	DLQTopic       string   `mapstructure:"dlq_topic"`
	MaxRetries     int      `mapstructure:"max_retries"`
	RetryBackoffMs int      `mapstructure:"retry_backoff_ms"`
}

type WSConfig struct {
	HeartbeatIntervalSeconds int   `mapstructure:"heartbeat_interval_seconds"`
	TimeoutMultiplier        int   `mapstructure:"timeout_multiplier"`
	WriteDeadlineSeconds     int   `mapstructure:"write_deadline_seconds"`
	MaxMessageSizeBytes      int64 `mapstructure:"max_message_size_bytes"`
	SendBuffer               int   `mapstructure:"send_buffer"`
	SlowConsumerGraceMs      int   `mapstructure:"slow_consumer_grace_ms"`
	InboundRPS               int   `mapstructure:"inbound_rps"`
	Shards                   int   `mapstructure:"shards"`
	AutoSubscribePersonal    bool  `mapstructure:"auto_subscribe_personal"`
}

type ClientConfig struct {
	BaseURL                  string `mapstructure:"base_url"`
	Token                    string `mapstructure:"token"`
	ReconnectDelaySeconds    int    `mapstructure:"reconnect_delay_seconds"`
	HeartbeatIntervalSeconds int    `mapstructure:"heartbeat_interval_seconds"`
	RequestTimeoutSeconds    int    `mapstructure:"request_timeout_seconds"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type Config struct {
	App     AppConfig     `mapstructure:"app"`
	JWT     JWTConfig     `mapstructure:"jwt"`
	Store   StoreConfig   `mapstructure:"store"`
	MongoDB MongoConfig   `mapstructure:"mongodb"`
	Breaker BreakerConfig `mapstructure:"breaker"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Kafka   KafkaConfig   `mapstructure:"kafka"`
	WS      WSConfig      `mapstructure:"ws"`
	Client  ClientConfig  `mapstructure:"client"`
	Log     LogConfig     `mapstructure:"log"`

	// derived
	ShutdownTimeout   time.Duration `mapstructure:"-"`
	StoreTimeout      time.Duration `mapstructure:"-"`
	BreakerTimeout    time.Duration `mapstructure:"-"`
	PresenceTTL       time.Duration `mapstructure:"-"`
	RateWindow        time.Duration `mapstructure:"-"`
	RetryBackoff      time.Duration `mapstructure:"-"`
	HeartbeatInterval time.Duration `mapstructure:"-"`
	HeartbeatTimeout  time.Duration `mapstructure:"-"`
	WriteDeadline     time.Duration `mapstructure:"-"`
	SlowConsumerGrace time.Duration `mapstructure:"-"`
	ReconnectDelay    time.Duration `mapstructure:"-"`
	ClientHeartbeat   time.Duration `mapstructure:"-"`
	RequestTimeout    time.Duration `mapstructure:"-"`
}
