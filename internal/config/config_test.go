package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Daemon.PollInterval != 5*time.Second {
		t.Errorf("expected default poll interval 5s, got %v", cfg.Daemon.PollInterval)
	}

	if !cfg.Daemon.WorkerAvailabilityPollEnabled {
		t.Error("expected worker_availability_poll_enabled to default true")
	}

	if !cfg.Daemon.InboxPollEnabled {
		t.Error("expected inbox_poll_enabled to default true")
	}

	if !cfg.Daemon.StewardTriggerPollEnabled {
		t.Error("expected steward_trigger_poll_enabled to default true")
	}

	if cfg.Merge.SyncTimeout != 5*time.Minute {
		t.Errorf("expected sync_timeout 5m, got %v", cfg.Merge.SyncTimeout)
	}

	if cfg.Merge.StuckMergeRecoveryGracePeriod != 15*time.Minute {
		t.Errorf("expected stuck_merge_recovery_grace_period 15m, got %v", cfg.Merge.StuckMergeRecoveryGracePeriod)
	}

	if cfg.Merge.MaxRetries != 3 {
		t.Errorf("expected max_retries 3, got %d", cfg.Merge.MaxRetries)
	}
}

func TestLoadFromPath(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
anthropic:
  api_key: test-key
storage:
  path: /tmp/custom.db
daemon:
  poll_interval: 10s
  inbox_poll_enabled: false
  worker_availability_poll_enabled: true
merge:
  sync_timeout: 2m
  max_retries: 5
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := LoadFromPath(configPath)
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}

	if cfg.Anthropic.APIKey != "test-key" {
		t.Errorf("expected api_key 'test-key', got %q", cfg.Anthropic.APIKey)
	}

	if cfg.Storage.Path != "/tmp/custom.db" {
		t.Errorf("expected storage path '/tmp/custom.db', got %q", cfg.Storage.Path)
	}

	if cfg.Daemon.PollInterval != 10*time.Second {
		t.Errorf("expected poll interval 10s, got %v", cfg.Daemon.PollInterval)
	}

	if cfg.Daemon.InboxPollEnabled {
		t.Error("expected inbox_poll_enabled to be false")
	}

	if !cfg.Daemon.WorkerAvailabilityPollEnabled {
		t.Error("expected worker_availability_poll_enabled to be true")
	}

	if cfg.Merge.SyncTimeout != 2*time.Minute {
		t.Errorf("expected sync_timeout 2m, got %v", cfg.Merge.SyncTimeout)
	}

	if cfg.Merge.MaxRetries != 5 {
		t.Errorf("expected max_retries 5, got %d", cfg.Merge.MaxRetries)
	}
}

func TestExpandEnv(t *testing.T) {
	os.Setenv("TEST_VAR", "expanded-value")
	defer os.Unsetenv("TEST_VAR")

	result := expandEnv("${TEST_VAR}")
	if result != "expanded-value" {
		t.Errorf("expected 'expanded-value', got %q", result)
	}

	result = expandEnv("prefix-${TEST_VAR}-suffix")
	if result != "prefix-expanded-value-suffix" {
		t.Errorf("expected 'prefix-expanded-value-suffix', got %q", result)
	}
}

func TestGetUserConfigDir(t *testing.T) {
	os.Setenv("XDG_CONFIG_HOME", "/custom/config")
	defer os.Unsetenv("XDG_CONFIG_HOME")

	dir := getUserConfigDir()
	expected := "/custom/config/stoneforge"
	if dir != expected {
		t.Errorf("expected %q, got %q", expected, dir)
	}
}

func TestFindProjectConfig(t *testing.T) {
	tmpDir := t.TempDir()
	nested := filepath.Join(tmpDir, "a", "b")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatalf("failed to create nested dir: %v", err)
	}

	configPath := filepath.Join(tmpDir, ".stoneforge.yaml")
	if err := os.WriteFile(configPath, []byte("daemon:\n  poll_interval: 1s\n"), 0644); err != nil {
		t.Fatalf("failed to write project config: %v", err)
	}

	cwd, err := os.Getwd()
	if err != nil {
		t.Fatalf("failed to get cwd: %v", err)
	}
	defer os.Chdir(cwd)

	if err := os.Chdir(nested); err != nil {
		t.Fatalf("failed to chdir: %v", err)
	}

	found := findProjectConfig()
	if found != configPath {
		t.Errorf("expected %q, got %q", configPath, found)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	tmpDir := t.TempDir()
	os.Setenv("XDG_CONFIG_HOME", tmpDir)
	defer os.Unsetenv("XDG_CONFIG_HOME")

	cfg := Default()
	cfg.Anthropic.APIKey = "round-trip-key"
	cfg.Daemon.InboxPollEnabled = false
	cfg.Merge.MaxRetries = 9

	if err := Save(cfg); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := LoadFromPath(GetUserConfigPath())
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}

	if loaded.Anthropic.APIKey != "round-trip-key" {
		t.Errorf("expected api_key 'round-trip-key', got %q", loaded.Anthropic.APIKey)
	}
	if loaded.Daemon.InboxPollEnabled {
		t.Error("expected inbox_poll_enabled to be false after round trip")
	}
	if loaded.Merge.MaxRetries != 9 {
		t.Errorf("expected max_retries 9, got %d", loaded.Merge.MaxRetries)
	}
}

func TestWatcherReload(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	initial := `
daemon:
  poll_interval: 5s
  inbox_poll_enabled: true
`
	if err := os.WriteFile(configPath, []byte(initial), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	changed := make(chan DaemonConfig, 1)
	w, err := NewWatcher(configPath, func(dc DaemonConfig) {
		changed <- dc
	})
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}

	if !w.Daemon().InboxPollEnabled {
		t.Error("expected initial inbox_poll_enabled to be true")
	}

	updated := `
daemon:
  poll_interval: 5s
  inbox_poll_enabled: false
`
	if err := os.WriteFile(configPath, []byte(updated), 0644); err != nil {
		t.Fatalf("failed to rewrite config: %v", err)
	}

	select {
	case dc := <-changed:
		if dc.InboxPollEnabled {
			t.Error("expected reloaded inbox_poll_enabled to be false")
		}
	case <-time.After(2 * time.Second):
		t.Skip("filesystem watch did not fire within 2s; environment may not support fsnotify")
	}
}
