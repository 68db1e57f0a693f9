package config

import (
	"time"

	"github.com/a-essam23/go-docsync/pkg/transport"
)

type Config struct {
	Server      ServerConfig
	Transport   TransportConfig
	Storage     StorageConfig
	Persistence PersistenceConfig
	Awareness   AwarenessConfig
	Registry    RegistryConfig
	Relay       RelayConfig
	Log         LogConfig
}

type ServerConfig struct {
	Host            string
	Port            int
	Address         string // host:port; derived from Host and Port when empty
	Auth            AuthConfig
	ConnectionLimit ConnectionLimitConfig `mapstructure:"connectionLimit"`
}

type AuthConfig struct {
	// JWTSecret enables token authentication when set.
	JWTSecret string `mapstructure:"jwtSecret"`
}

type ConnectionLimitConfig struct {
	MaxPerClient int    `mapstructure:"maxPerClient"`
	Mode         string `mapstructure:"mode"` // "reject" or "cycle"
}

type TransportConfig struct {
	transport.ConnectionConfig `mapstructure:",squash"`
	RateLimit                  RateLimitConfig `mapstructure:"rateLimit"`
}

type RateLimitConfig struct {
	PerSecond float64 `mapstructure:"perSecond"`
	Burst     int     `mapstructure:"burst"`
}

type StorageConfig struct {
	Backend  string         `mapstructure:"backend"`
	DataDir  string         `mapstructure:"dataDir"`
	Format   string         `mapstructure:"format"`
	Bolt     BoltConfig     `mapstructure:"bolt"`
	Redis    RedisConfig    `mapstructure:"redis"`
	S3       S3Config       `mapstructure:"s3"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Breaker  BreakerConfig  `mapstructure:"breaker"`
}

type BoltConfig struct {
	Path   string `mapstructure:"path"`
	Bucket string `mapstructure:"bucket"`
}

type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"keyPrefix"`
}

type S3Config struct {
	Bucket       string `mapstructure:"bucket"`
	Region       string `mapstructure:"region"`
	Endpoint     string `mapstructure:"endpoint"`
	KeyPrefix    string `mapstructure:"keyPrefix"`
	UsePathStyle bool   `mapstructure:"usePathStyle"`
}

type PostgresConfig struct {
	DSN   string `mapstructure:"dsn"`
	Table string `mapstructure:"table"`
}

type BreakerConfig struct {
	MaxFailures uint32        `mapstructure:"maxFailures"`
	OpenTimeout time.Duration `mapstructure:"openTimeout"`
}

type PersistenceConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	FlushOnIdle bool          `mapstructure:"flushOnIdle"`
}

type AwarenessConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	SweepInterval time.Duration `mapstructure:"sweepInterval"`
}

type RegistryConfig struct {
	// MaxIdleRooms bounds how many rooms without connections stay in memory.
	// Zero keeps them all.
	MaxIdleRooms int `mapstructure:"maxIdleRooms"`
}

type RelayConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	RedisAddr     string `mapstructure:"redisAddr"`
	ChannelPrefix string `mapstructure:"channelPrefix"`
	QueueSize     int    `mapstructure:"queueSize"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}
