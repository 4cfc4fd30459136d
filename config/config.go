package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Host            string
	Port            int
	DBPath          string
	AdminAddr       string
	AdminToken      string
	WSAddr          string
	WSOrigins       []string
	MaxFrameSize    int
	IdleTimeout     time.Duration
	WriteTimeout    time.Duration
	SendQueueSize   int
	JWTSecret       string
	TokenTTL        time.Duration
	RateLimit       float64 // requests per second per connection, 0 = unlimited
	RateBurst       int
	ArchiveBatch    int
	ArchiveFlush    time.Duration
	ArchiveQueue    int
	ShutdownTimeout time.Duration
	LogLevel        string
	LogFormat       string
}

// Env abstracts the process environment so tests can supply their own values.
type Env interface {
	Getenv(key string) string
}

type osEnv struct{}

func (osEnv) Getenv(key string) string { return os.Getenv(key) }

func Default() *Config {
	return &Config{
		Host:            "0.0.0.0",
		Port:            1316,
		DBPath:          "termchat.db",
		AdminAddr:       "127.0.0.1:1317",
		MaxFrameSize:    10 * 1024 * 1024,
		IdleTimeout:     300 * time.Second,
		WriteTimeout:    10 * time.Second,
		SendQueueSize:   256,
		TokenTTL:        24 * time.Hour,
		ArchiveBatch:    128,
		ArchiveFlush:    200 * time.Millisecond,
		ArchiveQueue:    8192,
		ShutdownTimeout: 10 * time.Second,
		LogLevel:        "info",
		LogFormat:       "json",
	}
}

func Load() (*Config, error) {
	return LoadFromEnv(osEnv{})
}

func LoadFromEnv(env Env) (*Config, error) {
	cfg := Default()

	if host := env.Getenv("IM_HOST"); host != "" {
		cfg.Host = host
	}

	if portStr := env.Getenv("IM_PORT"); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil || port < 0 || port > 65535 {
			return nil, fmt.Errorf("invalid IM_PORT %q", portStr)
		}
		cfg.Port = port
	}

	if dbPath := env.Getenv("IM_DB_PATH"); dbPath != "" {
		cfg.DBPath = dbPath
	}

	// IM_ADMIN_ADDR="-" disables the admin listener.
	if addr := env.Getenv("IM_ADMIN_ADDR"); addr != "" {
		if addr == "-" {
			cfg.AdminAddr = ""
		} else {
			cfg.AdminAddr = addr
		}
	}

	cfg.AdminToken = env.Getenv("IM_ADMIN_TOKEN")
	cfg.WSAddr = env.Getenv("IM_WS_ADDR")
	if raw := env.Getenv("IM_WS_ORIGINS"); raw != "" {
		for _, origin := range strings.Split(raw, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				cfg.WSOrigins = append(cfg.WSOrigins, origin)
			}
		}
	}

	var err error
	if cfg.MaxFrameSize, err = positiveInt(env, "IM_MAX_FRAME_SIZE", cfg.MaxFrameSize); err != nil {
		return nil, err
	}
	if cfg.SendQueueSize, err = positiveInt(env, "IM_SEND_QUEUE", cfg.SendQueueSize); err != nil {
		return nil, err
	}
	if cfg.RateBurst, err = positiveInt(env, "IM_RATE_BURST", cfg.RateBurst); err != nil {
		return nil, err
	}
	if cfg.ArchiveBatch, err = positiveInt(env, "IM_ARCHIVE_BATCH", cfg.ArchiveBatch); err != nil {
		return nil, err
	}
	if cfg.ArchiveQueue, err = positiveInt(env, "IM_ARCHIVE_QUEUE", cfg.ArchiveQueue); err != nil {
		return nil, err
	}

	if cfg.IdleTimeout, err = seconds(env, "IM_IDLE_TIMEOUT", cfg.IdleTimeout); err != nil {
		return nil, err
	}
	if cfg.WriteTimeout, err = seconds(env, "IM_WRITE_TIMEOUT", cfg.WriteTimeout); err != nil {
		return nil, err
	}
	if cfg.TokenTTL, err = seconds(env, "IM_TOKEN_TTL", cfg.TokenTTL); err != nil {
		return nil, err
	}
	if cfg.ShutdownTimeout, err = seconds(env, "IM_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return nil, err
	}

	if raw := env.Getenv("IM_ARCHIVE_FLUSH_MS"); raw != "" {
		ms, err := strconv.Atoi(raw)
		if err != nil || ms <= 0 {
			return nil, fmt.Errorf("invalid IM_ARCHIVE_FLUSH_MS %q", raw)
		}
		cfg.ArchiveFlush = time.Duration(ms) * time.Millisecond
	}

	if raw := env.Getenv("IM_RATE_LIMIT"); raw != "" {
		limit, err := strconv.ParseFloat(raw, 64)
		if err != nil || limit < 0 {
			return nil, fmt.Errorf("invalid IM_RATE_LIMIT %q", raw)
		}
		cfg.RateLimit = limit
	}

	cfg.JWTSecret = env.Getenv("IM_JWT_SECRET")

	if level := env.Getenv("IM_LOG_LEVEL"); level != "" {
		switch level {
		case "debug", "info", "warn", "error":
			cfg.LogLevel = level
		default:
			return nil, fmt.Errorf("invalid IM_LOG_LEVEL %q", level)
		}
	}

	if format := env.Getenv("IM_LOG_FORMAT"); format != "" {
		if format != "json" && format != "console" {
			return nil, fmt.Errorf("invalid IM_LOG_FORMAT %q", format)
		}
		cfg.LogFormat = format
	}

	return cfg, nil
}

// ListenAddr is the host:port the TCP listener binds.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func positiveInt(env Env, key string, def int) (int, error) {
	raw := env.Getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("invalid %s %q", key, raw)
	}
	return v, nil
}

func seconds(env Env, key string, def time.Duration) (time.Duration, error) {
	v, err := positiveInt(env, key, int(def/time.Second))
	if err != nil {
		return 0, err
	}
	return time.Duration(v) * time.Second, nil
}
