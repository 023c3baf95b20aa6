package config

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`

	// Signaling relay.
	OfferGrace     time.Duration `mapstructure:"offer_grace"`
	SessionGCGrace time.Duration `mapstructure:"session_gc_grace"`

	// Audio ingest.
	ChunkCadence       time.Duration `mapstructure:"chunk_cadence"`
	MinChunkBytes      int           `mapstructure:"min_chunk_bytes"`
	UndersizedRunLimit int           `mapstructure:"undersized_run_limit"`
	QueueCapacity      int           `mapstructure:"queue_capacity"`
	LatencyWarn        time.Duration `mapstructure:"latency_warn"`

	// Reconnection.
	ReconnectBase     time.Duration `mapstructure:"reconnect_base"`
	ReconnectCap      time.Duration `mapstructure:"reconnect_cap"`
	ReconnectAttempts int           `mapstructure:"reconnect_attempts"`

	// Capture self-healing.
	CaptureHealthInterval time.Duration `mapstructure:"capture_health_interval"`

	// External collaborators.
	BackendURL     string        `mapstructure:"backend_url"`
	BackendTimeout time.Duration `mapstructure:"backend_timeout"`
	DatabaseURL    string        `mapstructure:"database_url"`
	STUNURLs       []string      `mapstructure:"stun_urls"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("read_limit", 1<<20)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("offer_grace", "3s")
	v.SetDefault("session_gc_grace", "60s")
	v.SetDefault("chunk_cadence", "3s")
	v.SetDefault("min_chunk_bytes", 100)
	v.SetDefault("undersized_run_limit", 3)
	v.SetDefault("queue_capacity", 10)
	v.SetDefault("latency_warn", "5s")
	v.SetDefault("reconnect_base", "1s")
	v.SetDefault("reconnect_cap", "30s")
	v.SetDefault("reconnect_attempts", 10)
	v.SetDefault("capture_health_interval", "10s")
	v.SetDefault("backend_url", "http://localhost:9090")
	v.SetDefault("backend_timeout", "20s")
	v.SetDefault("database_url", "")
	v.SetDefault("stun_urls", []string{"stun:stun.l.google.com:19302"})

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
