package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

var ErrInvalid = errors.New("config: invalid configuration")

// Load reads configuration from defaults, an optional YAML file and the
// environment. fileName is either a bare name looked up in the working
// directory or a path to a YAML file, which must then exist.
func Load(logger *slog.Logger, fileName string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	ext := filepath.Ext(fileName)
	if ext == ".yaml" || ext == ".yml" {
		v.SetConfigFile(fileName)
	} else {
		v.SetConfigName(fileName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("DOCSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// unprefixed names accepted for compatibility with existing deployments
	_ = v.BindEnv("server.host", "HOST")
	_ = v.BindEnv("server.port", "PORT")
	_ = v.BindEnv("storage.dataDir", "DATA_DIR")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read %s: %w", fileName, err)
		}
		logger.Warn("Config file not found. ignoring error and relying on defaults/env vars")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if cfg.Server.Address == "" {
		cfg.Server.Address = net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger.Debug("Configuration loaded",
		slog.String("address", cfg.Server.Address),
		slog.String("storage", cfg.Storage.Backend),
		slog.Bool("auth", cfg.Server.Auth.JWTSecret != ""),
		slog.Bool("relay", cfg.Relay.Enabled),
	)
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 1234)
	v.SetDefault("server.address", "")
	v.SetDefault("server.auth.jwtSecret", "")
	v.SetDefault("server.connectionLimit.maxPerClient", 0)
	v.SetDefault("server.connectionLimit.mode", "reject")

	v.SetDefault("transport.readTimeout", "0s")
	v.SetDefault("transport.writeTimeout", "10s")
	v.SetDefault("transport.pingInterval", "30s")
	v.SetDefault("transport.sendBuffer", 256)
	v.SetDefault("transport.maxMessageBytes", 4<<20)
	v.SetDefault("transport.rateLimit.perSecond", 200)
	v.SetDefault("transport.rateLimit.burst", 400)

	v.SetDefault("storage.backend", "file")
	v.SetDefault("storage.dataDir", "./data")
	v.SetDefault("storage.format", "text")
	v.SetDefault("storage.bolt.path", "./data/docsync.db")
	v.SetDefault("storage.bolt.bucket", "documents")
	v.SetDefault("storage.redis.addr", "localhost:6379")
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.keyPrefix", "docsync:doc:")
	v.SetDefault("storage.s3.bucket", "")
	v.SetDefault("storage.s3.region", "us-east-1")
	v.SetDefault("storage.s3.endpoint", "")
	v.SetDefault("storage.s3.keyPrefix", "documents/")
	v.SetDefault("storage.s3.usePathStyle", false)
	v.SetDefault("storage.postgres.dsn", "")
	v.SetDefault("storage.postgres.table", "documents")
	v.SetDefault("storage.breaker.maxFailures", 5)
	v.SetDefault("storage.breaker.openTimeout", "30s")

	v.SetDefault("persistence.interval", "5s")
	v.SetDefault("persistence.flushOnIdle", true)

	v.SetDefault("awareness.timeout", "30s")
	v.SetDefault("awareness.sweepInterval", "3s")

	v.SetDefault("registry.maxIdleRooms", 0)

	v.SetDefault("relay.enabled", false)
	v.SetDefault("relay.redisAddr", "localhost:6379")
	v.SetDefault("relay.channelPrefix", "docsync:room:")
	v.SetDefault("relay.queueSize", 1024)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Validate reports the first setting that cannot be served.
func (c *Config) Validate() error {
	switch c.Server.ConnectionLimit.Mode {
	case "", "reject", "cycle":
	default:
		return fmt.Errorf("%w: server.connectionLimit.mode %q (want reject or cycle)", ErrInvalid, c.Server.ConnectionLimit.Mode)
	}
	switch c.Storage.Backend {
	case "file", "bolt", "redis", "s3", "postgres":
	default:
		return fmt.Errorf("%w: unknown storage.backend %q", ErrInvalid, c.Storage.Backend)
	}
	switch c.Storage.Format {
	case "", "text", "state":
	default:
		return fmt.Errorf("%w: unknown storage.format %q", ErrInvalid, c.Storage.Format)
	}
	if c.Storage.Backend == "s3" && c.Storage.S3.Bucket == "" {
		return fmt.Errorf("%w: storage.s3.bucket is required", ErrInvalid)
	}
	if c.Storage.Backend == "postgres" && c.Storage.Postgres.DSN == "" {
		return fmt.Errorf("%w: storage.postgres.dsn is required", ErrInvalid)
	}
	if c.Persistence.Interval <= 0 {
		return fmt.Errorf("%w: persistence.interval must be positive", ErrInvalid)
	}
	if c.Awareness.Timeout <= 0 || c.Awareness.SweepInterval <= 0 {
		return fmt.Errorf("%w: awareness timeout and sweepInterval must be positive", ErrInvalid)
	}
	if c.Registry.MaxIdleRooms < 0 {
		return fmt.Errorf("%w: registry.maxIdleRooms must not be negative", ErrInvalid)
	}
	return nil
}
