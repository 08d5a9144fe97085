// Package config handles configuration loading and management for the
// Stoneforge dispatch orchestrator. It supports XDG config paths,
// project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config holds all configuration for the dispatch orchestrator.
type Config struct {
	Anthropic AnthropicConfig `mapstructure:"anthropic"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Daemon    DaemonConfig    `mapstructure:"daemon"`
	Merge     MergeConfig     `mapstructure:"merge"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `mapstructure:"api_key"`
}

// StorageConfig holds the dispatch board's database settings.
type StorageConfig struct {
	// Path overrides the default project database location. Empty
	// selects storage.ProjectDBPath for the daemon's workspace.
	Path string `mapstructure:"path"`
}

// DaemonConfig mirrors daemon.Config's tunables so they can be loaded from
// file and environment. A Watcher reports later edits to the file, but a
// running Daemon keeps the Config it was built with.
type DaemonConfig struct {
	PollInterval                        time.Duration `mapstructure:"poll_interval"`
	WorkerAvailabilityPollEnabled        bool          `mapstructure:"worker_availability_poll_enabled"`
	InboxPollEnabled                     bool          `mapstructure:"inbox_poll_enabled"`
	StewardTriggerPollEnabled            bool          `mapstructure:"steward_trigger_poll_enabled"`
	WorkflowTaskPollEnabled              bool          `mapstructure:"workflow_task_poll_enabled"`
	OrphanRecoveryEnabled                bool          `mapstructure:"orphan_recovery_enabled"`
	ClosedUnmergedReconciliationEnabled  bool          `mapstructure:"closed_unmerged_reconciliation_enabled"`
	StuckMergeRecoveryEnabled            bool          `mapstructure:"stuck_merge_recovery_enabled"`
	MaxSessionDuration                   time.Duration `mapstructure:"max_session_duration"`
}

// MergeConfig mirrors merge.Config's tunables.
type MergeConfig struct {
	SyncTimeout                   time.Duration `mapstructure:"sync_timeout"`
	StuckMergeRecoveryGracePeriod time.Duration `mapstructure:"stuck_merge_recovery_grace_period"`
	ClosedUnmergedGracePeriod     time.Duration `mapstructure:"closed_unmerged_grace_period"`
	MaxRetries                    int           `mapstructure:"max_retries"`
}

// Load loads configuration from XDG paths, project overrides, and
// environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (ANTHROPIC_API_KEY)
// 2. Project config (.stoneforge.yaml in current directory or parent)
// 3. User config (~/.config/stoneforge/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	userConfigDir := getUserConfigDir()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	projectConfig := findProjectConfig()
	if projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("")
	v.BindEnv("anthropic.api_key", "ANTHROPIC_API_KEY")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Anthropic.APIKey = expandEnv(cfg.Anthropic.APIKey)

	return cfg, nil
}

// LoadFromPath loads configuration from a specific path (for testing).
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Anthropic.APIKey = expandEnv(cfg.Anthropic.APIKey)

	return cfg, nil
}

// Save writes the current configuration to the user config file.
func Save(cfg *Config) error {
	userConfigDir := getUserConfigDir()
	if err := os.MkdirAll(userConfigDir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	configPath := filepath.Join(userConfigDir, "config.yaml")

	v := viper.New()
	v.SetConfigFile(configPath)

	v.Set("anthropic.api_key", cfg.Anthropic.APIKey)
	v.Set("storage.path", cfg.Storage.Path)
	v.Set("daemon.poll_interval", cfg.Daemon.PollInterval.String())
	v.Set("daemon.worker_availability_poll_enabled", cfg.Daemon.WorkerAvailabilityPollEnabled)
	v.Set("daemon.inbox_poll_enabled", cfg.Daemon.InboxPollEnabled)
	v.Set("daemon.steward_trigger_poll_enabled", cfg.Daemon.StewardTriggerPollEnabled)
	v.Set("daemon.workflow_task_poll_enabled", cfg.Daemon.WorkflowTaskPollEnabled)
	v.Set("daemon.orphan_recovery_enabled", cfg.Daemon.OrphanRecoveryEnabled)
	v.Set("daemon.closed_unmerged_reconciliation_enabled", cfg.Daemon.ClosedUnmergedReconciliationEnabled)
	v.Set("daemon.stuck_merge_recovery_enabled", cfg.Daemon.StuckMergeRecoveryEnabled)
	v.Set("daemon.max_session_duration", cfg.Daemon.MaxSessionDuration.String())
	v.Set("merge.sync_timeout", cfg.Merge.SyncTimeout.String())
	v.Set("merge.stuck_merge_recovery_grace_period", cfg.Merge.StuckMergeRecoveryGracePeriod.String())
	v.Set("merge.closed_unmerged_grace_period", cfg.Merge.ClosedUnmergedGracePeriod.String())
	v.Set("merge.max_retries", cfg.Merge.MaxRetries)

	return v.WriteConfig()
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("anthropic.api_key", "")

	v.SetDefault("storage.path", "")

	v.SetDefault("daemon.poll_interval", "5s")
	v.SetDefault("daemon.worker_availability_poll_enabled", true)
	v.SetDefault("daemon.inbox_poll_enabled", true)
	v.SetDefault("daemon.steward_trigger_poll_enabled", true)
	v.SetDefault("daemon.workflow_task_poll_enabled", true)
	v.SetDefault("daemon.orphan_recovery_enabled", true)
	v.SetDefault("daemon.closed_unmerged_reconciliation_enabled", true)
	v.SetDefault("daemon.stuck_merge_recovery_enabled", true)
	v.SetDefault("daemon.max_session_duration", "0s")

	v.SetDefault("merge.sync_timeout", "5m")
	v.SetDefault("merge.stuck_merge_recovery_grace_period", "15m")
	v.SetDefault("merge.closed_unmerged_grace_period", "15m")
	v.SetDefault("merge.max_retries", 3)
}

// getUserConfigDir returns the XDG config directory for Stoneforge.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "stoneforge")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "stoneforge")
	}
	return filepath.Join(home, ".config", "stoneforge")
}

// findProjectConfig searches for .stoneforge.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".stoneforge.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// expandEnv expands ${VAR} references in a string.
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Daemon: DaemonConfig{
			PollInterval:                        5 * time.Second,
			WorkerAvailabilityPollEnabled:        true,
			InboxPollEnabled:                     true,
			StewardTriggerPollEnabled:            true,
			WorkflowTaskPollEnabled:              true,
			OrphanRecoveryEnabled:                true,
			ClosedUnmergedReconciliationEnabled:  true,
			StuckMergeRecoveryEnabled:            true,
		},
		Merge: MergeConfig{
			SyncTimeout:                   5 * time.Minute,
			StuckMergeRecoveryGracePeriod: 15 * time.Minute,
			ClosedUnmergedGracePeriod:     15 * time.Minute,
			MaxRetries:                    3,
		},
	}
}

// Watcher watches the config file a Load call resolved and hands the
// freshly decoded daemon section (e.g. an edited inbox_poll_enabled) to its
// onChange callback. It does not apply the values to a running Daemon
// itself.
type Watcher struct {
	v        *viper.Viper
	onChange func(DaemonConfig)
}

// NewWatcher starts watching configPath (or, if empty, the same
// project-then-user path Load would resolve) for changes. onChange fires
// with the freshly decoded DaemonConfig every time the file is written.
func NewWatcher(configPath string, onChange func(DaemonConfig)) (*Watcher, error) {
	if configPath == "" {
		configPath = findProjectConfig()
	}
	if configPath == "" {
		configPath = GetUserConfigPath()
	}

	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading config for watch: %w", err)
			}
		}
	}

	w := &Watcher{v: v, onChange: onChange}
	v.OnConfigChange(func(e fsnotify.Event) {
		w.reload()
	})
	v.WatchConfig()

	return w, nil
}

func (w *Watcher) reload() {
	var cfg Config
	if err := w.v.Unmarshal(&cfg); err != nil {
		return
	}
	if w.onChange != nil {
		w.onChange(cfg.Daemon)
	}
}

// Daemon returns the currently loaded daemon toggle set.
func (w *Watcher) Daemon() DaemonConfig {
	var cfg Config
	_ = w.v.Unmarshal(&cfg)
	return cfg.Daemon
}
