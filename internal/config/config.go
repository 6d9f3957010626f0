package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Config represents the global ~/.pulse/config.toml.
type Config struct {
	DefaultProfile    string   `toml:"default_profile"`
	LogLevel          string   `toml:"log_level"`
	HeartbeatInterval Duration `toml:"heartbeat_interval"`
	SubscribeTimeout  Duration `toml:"subscribe_timeout"`
	SendTimeout       Duration `toml:"send_timeout"`
	MetricsAddr       string   `toml:"metrics_addr"`
	RedisAddr         string   `toml:"redis_addr"`
}

// Duration is a time.Duration written as a string ("30s") in TOML.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Defaults returns the configuration used when nothing is set.
func Defaults() *Config {
	return &Config{
		LogLevel:          "info",
		HeartbeatInterval: Duration{30 * time.Second},
		SubscribeTimeout:  Duration{5 * time.Second},
		SendTimeout:       Duration{10 * time.Second},
	}
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault reads config from path on top of Defaults. A missing file
// is not an error.
func LoadOrDefault(path string) (*Config, error) {
	cfg := Defaults()
	if _, err := toml.DecodeFile(path, cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// LoadDotEnv loads KEY=value pairs from an optional .env file into the
// process environment. Variables already set win.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return godotenv.Load(path)
}

// ApplyEnv overrides cfg with PULSE_* environment variables.
func ApplyEnv(cfg *Config) error {
	strs := map[string]*string{
		"PULSE_DEFAULT_PROFILE": &cfg.DefaultProfile,
		"PULSE_LOG_LEVEL":       &cfg.LogLevel,
		"PULSE_METRICS_ADDR":    &cfg.MetricsAddr,
		"PULSE_REDIS_ADDR":      &cfg.RedisAddr,
	}
	for key, dst := range strs {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	durations := map[string]*Duration{
		"PULSE_HEARTBEAT_INTERVAL": &cfg.HeartbeatInterval,
		"PULSE_SUBSCRIBE_TIMEOUT":  &cfg.SubscribeTimeout,
		"PULSE_SEND_TIMEOUT":       &cfg.SendTimeout,
	}
	for key, dst := range durations {
		v, ok := os.LookupEnv(key)
		if !ok {
			continue
		}
		if err := dst.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	return nil
}
