// Package config loads the node configuration from YAML with environment
// overrides. This is operator configuration for the process; the signed
// application settings live in sigconf.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	Keys     KeysConfig     `mapstructure:"keys"`
	State    StateConfig    `mapstructure:"state"`
	Training TrainingConfig `mapstructure:"training"`
}

type ServerConfig struct {
	Addr     string `mapstructure:"addr"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

type LogConfig struct {
	Backend     string `mapstructure:"backend"` // "file" or "sqlite"
	Path        string `mapstructure:"path"`
	MaxBytes    int64  `mapstructure:"max_bytes"`
	BackupCount int    `mapstructure:"backup_count"`
}

type KeysConfig struct {
	Dir string `mapstructure:"dir"`
}

type StateConfig struct {
	Path string `mapstructure:"path"`
}

// TrainingConfig controls the deliberately insecure demonstration branches.
// InsecureBypass enables the auth-bypass and skip-verify request paths in
// the HTTP layer for security-training exercises. It must stay false outside
// a classroom; the integrity core has no such path either way.
type TrainingConfig struct {
	InsecureBypass bool `mapstructure:"insecure_bypass"`
}

// Load reads the config file at path and applies env overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix("INTEGRILOG")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8443"
	}
	if c.Log.Backend == "" {
		c.Log.Backend = "file"
	}
	if c.Log.Backend != "file" && c.Log.Backend != "sqlite" {
		return fmt.Errorf("log.backend must be file or sqlite, got %q", c.Log.Backend)
	}
	if c.Log.Path == "" {
		return fmt.Errorf("log.path is required")
	}
	if c.Log.MaxBytes < 0 {
		return fmt.Errorf("log.max_bytes must not be negative")
	}
	if c.Log.MaxBytes > 0 && c.Log.BackupCount < 1 {
		c.Log.BackupCount = 3
	}
	if c.Keys.Dir == "" {
		return fmt.Errorf("keys.dir is required")
	}
	if c.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}
	return nil
}
