package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	t.Setenv("SKILLSYNCD_DATA_DIR", "/var/lib/skillsyncd")

	cfg := DefaultConfig()
	if cfg == nil {
		t.Fatal("DefaultConfig returned nil")
	}
	if got := cfg.DatabasePath(); got != filepath.Join("/var/lib/skillsyncd", "skills.db") {
		t.Errorf("unexpected database path %s", got)
	}
	if cfg.PollTimeout() != 500*time.Millisecond {
		t.Errorf("expected 500ms poll timeout, got %v", cfg.PollTimeout())
	}
	if cfg.SuppressGrace() != time.Second {
		t.Errorf("expected 1s grace, got %v", cfg.SuppressGrace())
	}
	if cfg.RescanInterval() != 30*time.Second || cfg.RemoveSettle() != 100*time.Millisecond {
		t.Errorf("unexpected rescan %v / settle %v", cfg.RescanInterval(), cfg.RemoveSettle())
	}
	if cfg.GlobalRoot() != "" {
		t.Errorf("expected empty global root, got %q", cfg.GlobalRoot())
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestConfigPath(t *testing.T) {
	t.Setenv("SKILLSYNCD_CONFIG", "")
	path := ConfigPath()
	if !strings.HasSuffix(path, "config.toml") {
		t.Errorf("expected path ending with config.toml, got %s", path)
	}
	if !strings.Contains(path, "skillsyncd") {
		t.Errorf("config path should contain skillsyncd: %s", path)
	}

	t.Setenv("SKILLSYNCD_CONFIG", "/etc/skillsyncd.yaml")
	if got := ConfigPath(); got != "/etc/skillsyncd.yaml" {
		t.Errorf("env override ignored: %s", got)
	}
}

func TestLoadNonexistent(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Watch.QueueSize != 256 {
		t.Errorf("expected default queue size, got %d", cfg.Watch.QueueSize)
	}
}

func TestLoadFormats(t *testing.T) {
	files := map[string]string{
		"config.toml": "[storage]\npath = \"/tmp/a.db\"\n[watch]\nqueue_size = 7\n",
		"config.json": `{"storage": {"path": "/tmp/a.db"}, "watch": {"queue_size": 7}}`,
		"config.yaml": "storage:\n  path: /tmp/a.db\nwatch:\n  queue_size: 7\n",
		"config":      "[storage]\npath = \"/tmp/a.db\"\n[watch]\nqueue_size = 7\n",
	}
	for name, content := range files {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			if err := os.WriteFile(path, []byte(content), 0600); err != nil {
				t.Fatal(err)
			}
			cfg, err := Load(path)
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if cfg.Storage.Path != "/tmp/a.db" {
				t.Errorf("storage path = %q", cfg.Storage.Path)
			}
			if cfg.Watch.QueueSize != 7 {
				t.Errorf("queue size = %d", cfg.Watch.QueueSize)
			}
			// Unset keys keep their defaults.
			if cfg.Storage.BusyTimeoutMs != 5000 {
				t.Errorf("busy timeout = %d", cfg.Storage.BusyTimeoutMs)
			}
		})
	}
}

func TestLoadMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[storage\npath = "), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected decode error")
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("SKILLSYNCD_STORAGE_PATH", "/env/skills.db")
	t.Setenv("SKILLSYNCD_GLOBAL_ROOT", "/env/home")
	t.Setenv("SKILLSYNCD_LOG_LEVEL", "debug")
	t.Setenv("SKILLSYNCD_LOG_PATH", "/env/sync.log")
	t.Setenv("SKILLSYNCD_WATCH_ENABLED", "false")
	t.Setenv("SKILLSYNCD_RECONCILE_WORKERS", "3")
	t.Setenv("SKILLSYNCD_WATCH_QUEUE_SIZE", "lots")
	t.Setenv("SKILLSYNCD_RECONCILE_INTERVAL_SEC", "60")
	t.Setenv("SKILLSYNCD_HTTP_ADDR", "127.0.0.1:9464")

	cfg := DefaultConfig()
	cfg.ApplyEnvOverrides()

	if cfg.Storage.Path != "/env/skills.db" {
		t.Errorf("storage path = %q", cfg.Storage.Path)
	}
	if cfg.Deploy.GlobalRoot != "/env/home" {
		t.Errorf("global root = %q", cfg.Deploy.GlobalRoot)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("log level = %q", cfg.Logging.Level)
	}
	if cfg.Logging.Output != "file" || cfg.Logging.FilePath != "/env/sync.log" {
		t.Errorf("log path override not applied: %+v", cfg.Logging)
	}
	if cfg.Watch.Enabled {
		t.Error("watch should be disabled")
	}
	if cfg.Reconcile.Workers != 3 {
		t.Errorf("workers = %d", cfg.Reconcile.Workers)
	}
	if cfg.Watch.QueueSize != 256 {
		t.Errorf("malformed value should be ignored, got %d", cfg.Watch.QueueSize)
	}
	if cfg.ReconcileInterval() != time.Minute {
		t.Errorf("reconcile interval = %s", cfg.ReconcileInterval())
	}
	if cfg.Serve.HTTPAddr != "127.0.0.1:9464" {
		t.Errorf("http addr = %q", cfg.Serve.HTTPAddr)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"bad version", func(c *Config) { c.Version = 99 }, "version"},
		{"no storage path", func(c *Config) { c.Storage.Path = "" }, "storage.path"},
		{"zero connections", func(c *Config) { c.Storage.MaxConnections = 0 }, "storage.max_connections"},
		{"relative global root", func(c *Config) { c.Deploy.GlobalRoot = "home" }, "deploy.global_root"},
		{"tiny poll", func(c *Config) { c.Watch.PollTimeoutMs = 1 }, "watch.poll_timeout_ms"},
		{"empty queue", func(c *Config) { c.Watch.QueueSize = 0 }, "watch.queue_size"},
		{"bad pattern", func(c *Config) { c.Watch.ExcludePatterns = []string{"[a-"} }, "watch.exclude_patterns[0]"},
		{"negative workers", func(c *Config) { c.Reconcile.Workers = -1 }, "reconcile.workers"},
		{"negative interval", func(c *Config) { c.Reconcile.IntervalSec = -5 }, "reconcile.interval_sec"},
		{"negative rescan", func(c *Config) { c.Watch.RescanIntervalSec = -1 }, "watch.rescan_interval_sec"},
		{"settle too long", func(c *Config) { c.Watch.RemoveSettleMs = 60000 }, "watch.remove_settle_ms"},
		{"bad listen addr", func(c *Config) { c.Serve.HTTPAddr = "9090" }, "serve.http_addr"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"bad output", func(c *Config) { c.Logging.Output = "syslog" }, "logging.output"},
		{"file without path", func(c *Config) {
			c.Logging.Output = "file"
			c.Logging.FilePath = ""
		}, "logging.file_path"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("error should match ErrInvalidConfig: %v", err)
			}
			var verrs ValidationErrors
			if !errors.As(err, &verrs) {
				t.Fatalf("expected ValidationErrors, got %T", err)
			}
			found := false
			for _, e := range verrs {
				if e.Field == tt.field {
					found = true
				}
			}
			if !found {
				t.Errorf("no error for %s in %v", tt.field, verrs)
			}
		})
	}
}

func TestMissingGlobalRootIsWarning(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Deploy.GlobalRoot = filepath.Join(t.TempDir(), "not-yet")

	if err := cfg.Validate(); err != nil {
		t.Fatalf("missing global root should only warn: %v", err)
	}
	issues := Check(cfg)
	if len(issues.Warnings()) != 1 || issues.HasErrors() {
		t.Errorf("expected exactly one warning, got %v", issues)
	}
}

func TestClone(t *testing.T) {
	cfg := DefaultConfig()
	clone := cfg.Clone()
	clone.Watch.ExcludePatterns[0] = "changed"
	clone.Storage.Path = "/elsewhere"

	if cfg.Watch.ExcludePatterns[0] == "changed" {
		t.Error("clone shares exclude patterns")
	}
	if cfg.Storage.Path == "/elsewhere" {
		t.Error("clone shares storage config")
	}
}

func TestSaveConfigThenLoad(t *testing.T) {
	for _, name := range []string{"config.toml", "config.json", "config.yml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "nested", name)
			cfg := DefaultConfig()
			cfg.Reconcile.Workers = 5
			cfg.Watch.ExcludePatterns = []string{"**/*.bak"}

			if err := SaveConfig(cfg, path); err != nil {
				t.Fatalf("SaveConfig: %v", err)
			}
			got, err := Load(path)
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if got.Reconcile.Workers != 5 {
				t.Errorf("workers = %d", got.Reconcile.Workers)
			}
			if len(got.Watch.ExcludePatterns) != 1 || got.Watch.ExcludePatterns[0] != "**/*.bak" {
				t.Errorf("patterns = %v", got.Watch.ExcludePatterns)
			}
		})
	}
}

func TestLoadOrCreate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	_, created, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	if !created {
		t.Error("expected file to be created")
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config file missing: %v", err)
	}

	_, created, err = LoadOrCreate(path)
	if err != nil {
		t.Fatalf("second LoadOrCreate: %v", err)
	}
	if created {
		t.Error("existing file reported as created")
	}
}

func TestLoaderRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[logging]\nlevel = \"loud\"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewLoader(path).Load(); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected invalid config error, got %v", err)
	}
}

func TestLoaderHotReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[logging]\nlevel = \"info\"\n"), 0600); err != nil {
		t.Fatal(err)
	}

	l := NewLoader(path)
	defer l.Close()
	if _, err := l.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	changed := make(chan string, 4)
	l.OnChange(func(old, new *Config) {
		changed <- old.Logging.Level + "->" + new.Logging.Level
	})
	if err := l.Watch(); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	// An invalid edit is reported and leaves the current config in place.
	if err := os.WriteFile(path, []byte("[logging]\nlevel = \"loud\"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-l.Errors():
		if !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("unexpected reload error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload error")
	}
	if l.Config().Logging.Level != "info" {
		t.Errorf("invalid config was applied")
	}

	if err := os.WriteFile(path, []byte("[logging]\nlevel = \"debug\"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	select {
	case got := <-changed:
		if got != "info->debug" {
			t.Errorf("callback saw %s", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("config was not reloaded")
	}
	if l.Config().Logging.Level != "debug" {
		t.Errorf("level = %s", l.Config().Logging.Level)
	}
}

func TestFindConfigFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv("HOME", dir)
	t.Chdir(t.TempDir())

	if got := FindConfigFile(); got != "" {
		t.Fatalf("expected no config, got %s", got)
	}
	if err := SaveConfig(DefaultConfig(), filepath.Join(PlatformConfigDir(), "config.yaml")); err != nil {
		t.Fatal(err)
	}
	if got := FindConfigFile(); filepath.Base(got) != "config.yaml" {
		t.Errorf("FindConfigFile = %q", got)
	}
}
