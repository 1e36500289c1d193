package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Auth     AuthConfig     `yaml:"auth"`
	Redis    RedisConfig    `yaml:"redis"`
	Realtime RealtimeConfig `yaml:"realtime"`
	Limits   LimitsConfig   `yaml:"limits"`
}

type ServerConfig struct {
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type AuthConfig struct {
	JWTSecret      string               `yaml:"jwt_secret"`
	APIKeys        map[string]APIKeyRef `yaml:"api_keys"`
	SessionMaxIdle time.Duration        `yaml:"session_max_idle"`
	SessionSweep   time.Duration        `yaml:"session_sweep_interval"`
}

// APIKeyRef maps a configured API key to the user it authenticates as.
type APIKeyRef struct {
	ID       string `yaml:"id"`
	Username string `yaml:"username"`
	Role     string `yaml:"role"`
}

// RedisConfig is optional: an empty Addr selects the in-process rate
// limiter and disables shared-cache mirroring.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type RealtimeConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	IdleThreshold     time.Duration `yaml:"idle_threshold"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval"`
	StatsInterval     time.Duration `yaml:"stats_interval"`
	MetricsInterval   time.Duration `yaml:"metrics_interval"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	SendBuffer        int           `yaml:"send_buffer"`
}

type LimitsConfig struct {
	MessageLimit  int           `yaml:"message_limit"`
	MessageWindow time.Duration `yaml:"message_window"`
	PurgeInterval time.Duration `yaml:"purge_interval"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8080,
			Host: "0.0.0.0",
		},
		Auth: AuthConfig{
			SessionMaxIdle: time.Hour,
			SessionSweep:   10 * time.Minute,
		},
		Realtime: RealtimeConfig{
			HeartbeatInterval: 30 * time.Second,
			IdleThreshold:     2 * time.Minute,
			CleanupInterval:   5 * time.Minute,
			StatsInterval:     time.Minute,
			MetricsInterval:   time.Minute,
			WriteTimeout:      10 * time.Second,
			SendBuffer:        64,
		},
		Limits: LimitsConfig{
			MessageLimit:  60,
			MessageWindow: time.Minute,
			PurgeInterval: 5 * time.Minute,
		},
	}
}
