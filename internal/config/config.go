// Package config loads blockci settings from flags, BLOCKCI_* environment
// variables and an optional blockci.yaml.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment variables read by Load.
const EnvPrefix = "BLOCKCI"

// Config is the resolved runtime configuration.
type Config struct {
	Pipeline     string        `mapstructure:"pipeline"`
	WorkDir      string        `mapstructure:"workdir"`
	DataDir      string        `mapstructure:"data_dir"`
	LogLevel     string        `mapstructure:"log_level"`
	Concurrency  int           `mapstructure:"concurrency"`
	StageTimeout time.Duration `mapstructure:"stage_timeout"`
	Builder      string        `mapstructure:"builder"`
	SecretPrefix string        `mapstructure:"secret_prefix"`
	Sign         bool          `mapstructure:"sign"`
	Addr         string        `mapstructure:"addr"`
	Server       string        `mapstructure:"server"`
}

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("pipeline", "pipeline.yaml")
	v.SetDefault("workdir", ".")
	v.SetDefault("data_dir", ".blockci")
	v.SetDefault("log_level", "info")
	v.SetDefault("concurrency", 4)
	v.SetDefault("stage_timeout", "30m")
	v.SetDefault("builder", "auto")
	v.SetDefault("secret_prefix", "BLOCKCI_SECRET_")
	v.SetDefault("sign", true)
	v.SetDefault("addr", ":8080")
	v.SetDefault("server", "http://localhost:8080")
}

// Load resolves configuration on v. When file is empty, blockci.yaml in the
// current directory is read if it exists.
func Load(v *viper.Viper, file string) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", file, err)
		}
	} else {
		v.SetConfigName("blockci")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("reading config: %w", err)
			}
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	var errs []error
	if c.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency))
	}
	if c.StageTimeout <= 0 {
		errs = append(errs, fmt.Errorf("stage_timeout must be positive, got %s", c.StageTimeout))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.Builder {
	case "auto", "docker", "podman", "none":
	default:
		errs = append(errs, fmt.Errorf("builder must be auto, docker, podman or none, got %q", c.Builder))
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	return errors.Join(errs...)
}

func (c *Config) LogsDir() string    { return filepath.Join(c.DataDir, "logs") }
func (c *Config) LedgerPath() string { return filepath.Join(c.DataDir, "ledger.jsonl") }
func (c *Config) KeysDir() string    { return filepath.Join(c.DataDir, "keys") }

// ParseLevel parses debug, info, warn or error.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log_level must be debug, info, warn or error, got %q", s)
	}
	return l, nil
}

// NewLogger returns a text logger writing to w at the given level.
func NewLogger(w io.Writer, level string) (*slog.Logger, error) {
	l, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: l})), nil
}
