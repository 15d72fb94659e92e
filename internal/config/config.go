// Package config is loom's layered configuration (ambient stack): defaults,
// then a per-repository YAML file, then LOOM_-prefixed environment
// variables, in that order of increasing precedence.
//
// Grounded on the teacher's cmd/bd/config.go viper usage (viper.New(),
// SetConfigType("yaml"), SetConfigFile, environment-variable override for
// settings that must be readable before the database is open).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds every ambient tunable the core components read at startup,
// layered from defaults, the config file and the environment. No CLI flag
// overrides these values.
type Config struct {
	// DatabasePath is the state database location, relative to the
	// repository root unless absolute.
	DatabasePath string `yaml:"database_path"`

	// WorkspacesDir is where session workspaces are created.
	WorkspacesDir string `yaml:"workspaces_dir"`

	// TrackingBranch is the bookmark C9/C10/C11 merge onto.
	TrackingBranch string `yaml:"tracking_branch"`

	MaxOpenConns   int           `yaml:"max_open_conns"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`

	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
	LockTTL          time.Duration `yaml:"lock_ttl"`
	QueueLeaseTTL    time.Duration `yaml:"queue_lease_ttl"`
	MaxQueueAttempts int           `yaml:"max_queue_attempts"`

	HookTimeout time.Duration `yaml:"hook_timeout"`
}

// Defaults matches spec.md §9's resolved Open Questions: a 20-connection
// pool floor and a 30s hook timeout.
func Defaults() Config {
	return Config{
		DatabasePath:     ".loom/state.db",
		WorkspacesDir:    ".loom/workspaces",
		TrackingBranch:   "main",
		MaxOpenConns:     20,
		AcquireTimeout:   30 * time.Second,
		HeartbeatTimeout: 60 * time.Second,
		LockTTL:          5 * time.Minute,
		QueueLeaseTTL:    2 * time.Minute,
		MaxQueueAttempts: 3,
		HookTimeout:      30 * time.Second,
	}
}

// Load reads repoRoot/.loom/config.yaml over the defaults, then applies
// LOOM_-prefixed environment variable overrides. A missing config file is
// not an error — the defaults stand on their own.
func Load(repoRoot string) (Config, error) {
	cfg := Defaults()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(filepath.Join(repoRoot, ".loom", "config.yaml"))
	v.SetEnvPrefix("LOOM")
	v.AutomaticEnv()

	bindDefaults(v, cfg)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return cfg, fmt.Errorf("read config: %w", err)
		}
	}

	cfg.DatabasePath = v.GetString("database_path")
	cfg.WorkspacesDir = v.GetString("workspaces_dir")
	cfg.TrackingBranch = v.GetString("tracking_branch")
	cfg.MaxOpenConns = v.GetInt("max_open_conns")
	cfg.AcquireTimeout = v.GetDuration("acquire_timeout")
	cfg.HeartbeatTimeout = v.GetDuration("heartbeat_timeout")
	cfg.LockTTL = v.GetDuration("lock_ttl")
	cfg.QueueLeaseTTL = v.GetDuration("queue_lease_ttl")
	cfg.MaxQueueAttempts = v.GetInt("max_queue_attempts")
	cfg.HookTimeout = v.GetDuration("hook_timeout")

	if !filepath.IsAbs(cfg.DatabasePath) {
		cfg.DatabasePath = filepath.Join(repoRoot, cfg.DatabasePath)
	}
	if !filepath.IsAbs(cfg.WorkspacesDir) {
		cfg.WorkspacesDir = filepath.Join(repoRoot, cfg.WorkspacesDir)
	}

	return cfg, nil
}

// Save writes cfg to repoRoot/.loom/config.yaml, marshaled directly with
// yaml.v3 rather than through viper (which has no write-back path of its
// own). Used by `loom config init` to scaffold an editable file seeded from
// Defaults() rather than leaving the repository to run on implicit values.
func Save(repoRoot string, cfg Config) error {
	path := filepath.Join(repoRoot, ".loom", "config.yaml")
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	body, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, body, 0o640); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func bindDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("database_path", cfg.DatabasePath)
	v.SetDefault("workspaces_dir", cfg.WorkspacesDir)
	v.SetDefault("tracking_branch", cfg.TrackingBranch)
	v.SetDefault("max_open_conns", cfg.MaxOpenConns)
	v.SetDefault("acquire_timeout", cfg.AcquireTimeout)
	v.SetDefault("heartbeat_timeout", cfg.HeartbeatTimeout)
	v.SetDefault("lock_ttl", cfg.LockTTL)
	v.SetDefault("queue_lease_ttl", cfg.QueueLeaseTTL)
	v.SetDefault("max_queue_attempts", cfg.MaxQueueAttempts)
	v.SetDefault("hook_timeout", cfg.HookTimeout)
}
