package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for both services
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logger    LoggerConfig    `mapstructure:"logger"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Upstream  UpstreamConfig  `mapstructure:"upstream"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Detector  DetectorConfig  `mapstructure:"detector"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
}

type AppConfig struct {
	IngestAddr  string `mapstructure:"ingest_addr"`
	GatewayAddr string `mapstructure:"gateway_addr"`
	Env         string `mapstructure:"env"` // e.g., "local", "prod"
}

type LoggerConfig struct {
	Level string `mapstructure:"level"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers   []string `mapstructure:"brokers"`
	FeedTopic string   `mapstructure:"feed_topic"` // direct-feed snapshot submissions
	GroupID   string   `mapstructure:"group_id"`
}

type UpstreamConfig struct {
	// BaseURL is the exchange REST endpoint. ProxyBaseURL, when set, takes
	// precedence: some egress IPs are blocked by the exchange, so ingestion
	// can be routed through an alternate network edge.
	BaseURL        string        `mapstructure:"base_url"`
	ProxyBaseURL   string        `mapstructure:"proxy_base_url"`
	Timeout        time.Duration `mapstructure:"timeout"`
	QuoteAsset     string        `mapstructure:"quote_asset"`
	MinQuoteVolume float64       `mapstructure:"min_quote_volume"`
}

type SchedulerConfig struct {
	Interval     time.Duration `mapstructure:"interval"`
	Cooldown     time.Duration `mapstructure:"cooldown"`
	MaxStaleness time.Duration `mapstructure:"max_staleness"`
}

type DetectorConfig struct {
	Workers       int           `mapstructure:"workers"`
	WindowSize    int           `mapstructure:"window_size"`
	MinSamples    int           `mapstructure:"min_samples"`
	Threshold     float64       `mapstructure:"threshold"`
	AlertCooldown time.Duration `mapstructure:"alert_cooldown"`
}

type GatewayConfig struct {
	// APITokens maps a client token to a tier name ("free", "pro", "elite").
	// Stand-in for the external authorization service.
	APITokens    map[string]string `mapstructure:"api_tokens"`
	MaxClockSkew time.Duration     `mapstructure:"max_clock_skew"`
}

// LoadConfig reads configuration from .env file, environment variables, and defaults.
func LoadConfig() (*Config, error) {
	v := viper.New()

	// Load .env file into the process environment first (if it exists), so
	// variables like APP_INGEST_ADDR are available as real env vars.
	if err := godotenv.Load(); err != nil {
		log.Println("Note: No .env file found, relying on System Env Vars")
	}

	v.SetDefault("app.ingest_addr", ":8080")
	v.SetDefault("app.gateway_addr", ":8081")
	v.SetDefault("app.env", "local")

	v.SetDefault("logger.level", "info")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.feed_topic", "direct_feed")
	v.SetDefault("kafka.group_id", "flashcur-ingest-group")

	v.SetDefault("upstream.base_url", "https://fapi.binance.com")
	v.SetDefault("upstream.proxy_base_url", "")
	v.SetDefault("upstream.timeout", "15s")
	v.SetDefault("upstream.quote_asset", "USDT")
	v.SetDefault("upstream.min_quote_volume", 3_000_000.0)

	v.SetDefault("scheduler.interval", "5m")
	v.SetDefault("scheduler.cooldown", "30s")
	v.SetDefault("scheduler.max_staleness", "15m")

	v.SetDefault("detector.workers", 4)
	v.SetDefault("detector.window_size", 24)
	v.SetDefault("detector.min_samples", 6)
	v.SetDefault("detector.threshold", 3.0)
	v.SetDefault("detector.alert_cooldown", "1h")

	v.SetDefault("gateway.api_tokens", map[string]string{})
	v.SetDefault("gateway.max_clock_skew", "30s")

	// Map dot-notation to underscores (e.g., "redis.addr" -> "REDIS_ADDR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindEnv(v, "app.ingest_addr", "app.gateway_addr", "app.env")
	bindEnv(v, "logger.level")
	bindEnv(v, "redis.addr", "redis.password", "redis.db")
	bindEnv(v, "kafka.brokers", "kafka.feed_topic", "kafka.group_id")
	bindEnv(v, "upstream.base_url", "upstream.proxy_base_url", "upstream.timeout",
		"upstream.quote_asset", "upstream.min_quote_volume")
	bindEnv(v, "scheduler.interval", "scheduler.cooldown", "scheduler.max_staleness")
	bindEnv(v, "detector.workers", "detector.window_size", "detector.min_samples",
		"detector.threshold", "detector.alert_cooldown")
	bindEnv(v, "gateway.max_clock_skew")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %v", err)
	}

	if len(cfg.Kafka.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers cannot be empty")
	}
	if cfg.Scheduler.Cooldown >= cfg.Scheduler.Interval {
		return nil, fmt.Errorf("scheduler cooldown must be shorter than the interval")
	}
	if cfg.Detector.Threshold <= 1 {
		return nil, fmt.Errorf("detector threshold must be greater than 1")
	}
	if cfg.Detector.WindowSize < 1 {
		return nil, fmt.Errorf("detector window_size must be at least 1")
	}
	if cfg.Detector.MinSamples < 1 {
		return nil, fmt.Errorf("detector min_samples must be at least 1")
	}
	if cfg.Detector.MinSamples > cfg.Detector.WindowSize {
		return nil, fmt.Errorf("detector min_samples cannot exceed window_size")
	}

	return &cfg, nil
}

// bindEnv is a helper to bind multiple keys at once
func bindEnv(v *viper.Viper, keys ...string) {
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			log.Printf("Could not bind env var for key %s: %v", key, err)
		}
	}
}
