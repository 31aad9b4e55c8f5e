package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Guard     GuardConfig     `mapstructure:"guard"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

type ServerConfig struct {
	Host        string `mapstructure:"host"`
	AdminPort   int    `mapstructure:"admin_port"`
	MetricsPort int    `mapstructure:"metrics_port"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

type RateLimitConfig struct {
	Window      time.Duration `mapstructure:"window"`
	MaxRequests int           `mapstructure:"max_requests"`
	BurstLimit  int           `mapstructure:"burst_limit"`
	Whitelist   []string      `mapstructure:"whitelist_ips"`
	Blacklist   []string      `mapstructure:"blacklist_ips"`
}

type GuardConfig struct {
	MaxConnectionsPerIP  int           `mapstructure:"max_connections_per_ip"`
	MaxTotalConnections  int           `mapstructure:"max_total_connections"`
	MaxRequestSizeBytes  int64         `mapstructure:"max_request_size_bytes"`
	MaxRequestsPerSecond int           `mapstructure:"max_requests_per_second"`
	SlowlorisTimeout     time.Duration `mapstructure:"slowloris_timeout"`
	BlockDuration        time.Duration `mapstructure:"block_duration"`
	WarningThreshold     int           `mapstructure:"warning_threshold"`
}

type MonitorConfig struct {
	MaxEvents       int           `mapstructure:"max_events"`
	EventRetention  time.Duration `mapstructure:"event_retention"`
	AlertWebhookURL string        `mapstructure:"alert_webhook_url"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

var globalConfig Config

func Load(configPath string) error {
	if err := loadConfigFile(configPath, "config", &globalConfig); err != nil {
		return fmt.Errorf("could not load config file: %w", err)
	}
	setDefaultValues(&globalConfig)
	return nil
}

func loadConfigFile(configPath, fileName string, out interface{}) error {
	v := viper.New()
	v.SetConfigName(fileName)
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.AddConfigPath("./config")
	v.AddConfigPath(".")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	decodeHook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			// Environment variables only.
			return v.Unmarshal(out, decodeHook)
		}
		return fmt.Errorf("error reading config file %s.yaml: %w", fileName, err)
	}

	if err := v.Unmarshal(out, decodeHook); err != nil {
		return fmt.Errorf("failed to unmarshal %s config: %w", fileName, err)
	}
	return nil
}

func setDefaultValues(cfg *Config) {
	if cfg.Server.AdminPort == 0 {
		cfg.Server.AdminPort = 8080
	}
	if cfg.Server.MetricsPort == 0 {
		cfg.Server.MetricsPort = 9090
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.RateLimit.Window <= 0 {
		cfg.RateLimit.Window = time.Minute
	}
	if cfg.RateLimit.MaxRequests <= 0 {
		cfg.RateLimit.MaxRequests = 100
	}
	if cfg.RateLimit.BurstLimit <= 0 {
		cfg.RateLimit.BurstLimit = 150
	}
	if cfg.Guard.MaxConnectionsPerIP <= 0 {
		cfg.Guard.MaxConnectionsPerIP = 10
	}
	if cfg.Guard.MaxTotalConnections <= 0 {
		cfg.Guard.MaxTotalConnections = 1000
	}
	if cfg.Guard.MaxRequestSizeBytes <= 0 {
		cfg.Guard.MaxRequestSizeBytes = 1 << 20 // 1MB
	}
	if cfg.Guard.MaxRequestsPerSecond <= 0 {
		cfg.Guard.MaxRequestsPerSecond = 100
	}
	if cfg.Guard.SlowlorisTimeout <= 0 {
		cfg.Guard.SlowlorisTimeout = 30 * time.Second
	}
	if cfg.Guard.BlockDuration <= 0 {
		cfg.Guard.BlockDuration = time.Hour
	}
	if cfg.Guard.WarningThreshold <= 0 {
		cfg.Guard.WarningThreshold = 3
	}
	if cfg.Monitor.MaxEvents <= 0 {
		cfg.Monitor.MaxEvents = 10000
	}
	if cfg.Monitor.EventRetention <= 0 {
		cfg.Monitor.EventRetention = 7 * 24 * time.Hour
	}
}

func GetConfig() *Config {
	return &globalConfig
}
