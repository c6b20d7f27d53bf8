package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	Secret     string        `mapstructure:"secret"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`

	Signal  SignalConfig  `mapstructure:"signal"`
	Call    CallConfig    `mapstructure:"call"`
	Quality QualityConfig `mapstructure:"quality"`
	Waiting WaitingConfig `mapstructure:"waiting"`
	Server  ServerConfig  `mapstructure:"server"`
}

// ServerConfig tunes the coordination server.
type ServerConfig struct {
	JoinLimit  int           `mapstructure:"join_limit"`
	JoinWindow time.Duration `mapstructure:"join_window"`
	TokenTTL   time.Duration `mapstructure:"token_ttl"`
}

// SignalConfig tunes the signaling channel's reconnect and queue behavior.
type SignalConfig struct {
	URL            string        `mapstructure:"url"`
	QueueSize      int           `mapstructure:"queue_size"`
	ReorderWindow  int           `mapstructure:"reorder_window"`
	ReorderHold    time.Duration `mapstructure:"reorder_hold"`
	BackoffBase    time.Duration `mapstructure:"backoff_base"`
	BackoffCap     time.Duration `mapstructure:"backoff_cap"`
	ReconnectLimit time.Duration `mapstructure:"reconnect_limit"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
}

type CallConfig struct {
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	Topology       string        `mapstructure:"topology"`
}

type QualityConfig struct {
	SampleInterval time.Duration `mapstructure:"sample_interval"`
	WindowSize     int           `mapstructure:"window_size"`
	PoorStreak     int           `mapstructure:"poor_streak"`
	GracePeriod    time.Duration `mapstructure:"grace_period"`
	ReconnectCap   int           `mapstructure:"reconnect_cap"`
	ReconnectBase  time.Duration `mapstructure:"reconnect_base"`
}

type WaitingConfig struct {
	EntryTTL      time.Duration `mapstructure:"entry_ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
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

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("config file not found (%s), using defaults\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("read_limit", 65536)
	v.SetDefault("ping_period", "54s")

	v.SetDefault("signal.queue_size", 256)
	v.SetDefault("signal.reorder_window", 64)
	v.SetDefault("signal.reorder_hold", "500ms")
	v.SetDefault("signal.backoff_base", "300ms")
	v.SetDefault("signal.backoff_cap", "30s")
	v.SetDefault("signal.reconnect_limit", "2m")
	v.SetDefault("signal.write_timeout", "5s")

	v.SetDefault("call.connect_timeout", "30s")
	v.SetDefault("call.topology", "mesh")

	v.SetDefault("quality.sample_interval", "3s")
	v.SetDefault("quality.window_size", 5)
	v.SetDefault("quality.poor_streak", 3)
	v.SetDefault("quality.grace_period", "10s")
	v.SetDefault("quality.reconnect_cap", 3)
	v.SetDefault("quality.reconnect_base", "1s")

	v.SetDefault("waiting.entry_ttl", "60s")
	v.SetDefault("waiting.sweep_interval", "5s")

	v.SetDefault("server.join_limit", 5)
	v.SetDefault("server.join_window", "10s")
	v.SetDefault("server.token_ttl", "24h")
}

// Default returns the built-in configuration without touching the
// filesystem; used by library consumers and tests.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}
