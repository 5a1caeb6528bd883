package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Log.Level != "info" {
		t.Errorf("Expected log.level=info, got %s", cfg.Log.Level)
	}
	if cfg.Quality.ApproveThreshold != 80 || cfg.Quality.ReviseThreshold != 60 {
		t.Errorf("Expected 80/60 atom thresholds, got %d/%d", cfg.Quality.ApproveThreshold, cfg.Quality.ReviseThreshold)
	}
	if cfg.Quality.MinCompleteness != 60 || cfg.Quality.MinFit != 60 {
		t.Errorf("Expected 60/60 molecule minimums, got %d/%d", cfg.Quality.MinCompleteness, cfg.Quality.MinFit)
	}
	if cfg.Quality.MinAtomsForCoherence != 2 {
		t.Errorf("Expected min_atoms_for_coherence=2, got %d", cfg.Quality.MinAtomsForCoherence)
	}
	if cfg.Drift.NormalWindowDays != 14 || cfg.Drift.HotfixWindowDays != 3 || cfg.Drift.SpikeWindowDays != 7 {
		t.Errorf("Unexpected lane windows: %+v", cfg.Drift)
	}
	if len(cfg.Ledger.Invariants) != 7 {
		t.Errorf("Expected 7 invariant rules, got %d", len(cfg.Ledger.Invariants))
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default config should be valid: %v", err)
	}
}

func TestConfigGet(t *testing.T) {
	cfg := DefaultConfig()

	tests := []struct {
		key      string
		expected string
	}{
		{"log.level", "info"},
		{"storage.busy_timeout_ms", "5000"},
		{"inference.backend", "cli"},
		{"inference.batch_size", "10"},
		{"inference.redact_secrets", "true"},
		{"quality.approve_threshold", "80"},
		{"quality.max_categories", "2"},
		{"ledger.min_confidence", "0.5"},
		{"ledger.inv-001", "error"},
		{"ledger.INV-004", "warning"},
		{"drift.coverage_floor", "50"},
		{"drift.overdue_ceiling", "0"},
		{"reconcile.event_mirror", "true"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			got, err := cfg.Get(tt.key)
			if err != nil {
				t.Fatalf("Get(%q) error: %v", tt.key, err)
			}
			if got != tt.expected {
				t.Errorf("Get(%q) = %q, want %q", tt.key, got, tt.expected)
			}
		})
	}
}

func TestConfigSet(t *testing.T) {
	cfg := DefaultConfig()

	tests := []struct {
		key   string
		value string
	}{
		{"log.level", "debug"},
		{"inference.backend", "openai"},
		{"inference.max_attempts", "5"},
		{"quality.approve_threshold", "90"},
		{"quality.min_atoms_for_coherence", "3"},
		{"ledger.min_confidence", "0.75"},
		{"ledger.inv-006", "error"},
		{"ledger.inv-007", "off"},
		{"drift.spike_window_days", "10"},
		{"drift.coverage_floor", "65.5"},
		{"reconcile.max_concurrent_runs", "8"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			if err := cfg.Set(tt.key, tt.value); err != nil {
				t.Fatalf("Set(%q, %q) error: %v", tt.key, tt.value, err)
			}
			got, err := cfg.Get(tt.key)
			if err != nil {
				t.Fatalf("Get(%q) error: %v", tt.key, err)
			}
			if got != tt.value {
				t.Errorf("Get(%q) = %q after Set, want %q", tt.key, got, tt.value)
			}
		})
	}
}

func TestConfigSetInvalid(t *testing.T) {
	tests := []struct {
		key   string
		value string
	}{
		{"log.level", "verbose"},
		{"inference.backend", "carrier-pigeon"},
		{"inference.batch_size", "-1"},
		{"inference.batch_size", "ten"},
		{"quality.approve_threshold", "101"},
		{"ledger.min_confidence", "1.5"},
		{"ledger.inv-001", "fatal"},
		{"ledger.inv-001", "off"},
		{"ledger.inv-002", "warning"},
		{"ledger.inv-999", "error"},
		{"drift.coverage_floor", "120"},
		{"reconcile.event_mirror", "maybe"},
		{"nosection.key", "x"},
		{"toplevel", "x"},
		{"a.b.c", "x"},
	}

	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			cfg := DefaultConfig()
			if err := cfg.Set(tt.key, tt.value); err == nil {
				t.Errorf("Set(%q, %q) should have failed", tt.key, tt.value)
			}
		})
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		errSub string
	}{
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"grpc without address", func(c *Config) { c.Inference.Backend = "grpc" }, "grpc_address"},
		{"cli without command", func(c *Config) { c.Inference.CLICommand = "  " }, "cli_command"},
		{"zero batch", func(c *Config) { c.Inference.BatchSize = 0 }, "batch_size"},
		{"revise above approve", func(c *Config) { c.Quality.ReviseThreshold = 90 }, "revise_threshold"},
		{"zero coherence", func(c *Config) { c.Quality.MinAtomsForCoherence = 0 }, "min_atoms_for_coherence"},
		{"bad severity", func(c *Config) {
			c.Ledger.Invariants["INV-001"] = InvariantRule{Enabled: true, Severity: "meh"}
		}, "severity"},
		{"structural invariant disabled", func(c *Config) {
			c.Ledger.Invariants["INV-002"] = InvariantRule{Enabled: false, Severity: "error"}
		}, "structural"},
		{"zero window", func(c *Config) { c.Drift.HotfixWindowDays = 0 }, "lane windows"},
		{"negative ceiling", func(c *Config) { c.Drift.OverdueCeiling = -1 }, "overdue_ceiling"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate should have failed")
			}
			if !strings.Contains(err.Error(), tt.errSub) {
				t.Errorf("error %q should mention %q", err, tt.errSub)
			}
		})
	}
}

func TestLoadFromFile_NonExistent(t *testing.T) {
	cfg, err := LoadFromFile("/nonexistent/path/config.yaml")
	if err != nil {
		t.Fatalf("LoadFromFile should return defaults for nonexistent file: %v", err)
	}
	if cfg.Quality.ApproveThreshold != 80 {
		t.Errorf("Expected default approve_threshold=80, got %d", cfg.Quality.ApproveThreshold)
	}
}

func TestLoadFromFile_InvalidYAML(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configFile, []byte("quality:\n  approve_threshold: [broken\n"), 0644); err != nil {
		t.Fatalf("Failed to write invalid YAML: %v", err)
	}

	if _, err := LoadFromFile(configFile); err == nil {
		t.Error("LoadFromFile should have returned an error for invalid YAML")
	}
}

func TestLoadFromFile_PartialConfig(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "config.yaml")
	partialYAML := `
quality:
  approve_threshold: 85
ledger:
  invariants:
    INV-004:
      enabled: false
      severity: warning
`
	if err := os.WriteFile(configFile, []byte(partialYAML), 0644); err != nil {
		t.Fatalf("Failed to write partial YAML: %v", err)
	}

	cfg, err := LoadFromFile(configFile)
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}

	if cfg.Quality.ApproveThreshold != 85 {
		t.Errorf("Expected approve_threshold=85, got %d", cfg.Quality.ApproveThreshold)
	}
	if cfg.Quality.ReviseThreshold != 60 {
		t.Errorf("Expected default revise_threshold=60, got %d", cfg.Quality.ReviseThreshold)
	}
	if cfg.Ledger.Invariants["INV-004"].Enabled {
		t.Error("INV-004 should be disabled by the file")
	}
	if rule, ok := cfg.Ledger.Invariants["INV-001"]; !ok || !rule.Enabled {
		t.Error("INV-001 should be filled in from defaults")
	}
}

func TestLoadFromFile_InvalidValues(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configFile, []byte("inference:\n  backend: smoke-signals\n"), 0644); err != nil {
		t.Fatalf("Failed to write YAML: %v", err)
	}

	if _, err := LoadFromFile(configFile); err == nil {
		t.Error("LoadFromFile should reject an unknown backend")
	}
}

func TestSaveAndLoad(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := DefaultConfig()
	cfg.Drift.OverdueCeiling = 3
	cfg.Inference.Backend = "openai"
	if err := cfg.SaveToFile(configFile); err != nil {
		t.Fatalf("SaveToFile failed: %v", err)
	}

	loaded, err := LoadFromFile(configFile)
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}
	if loaded.Drift.OverdueCeiling != 3 {
		t.Errorf("Expected overdue_ceiling=3, got %d", loaded.Drift.OverdueCeiling)
	}
	if loaded.Inference.Backend != "openai" {
		t.Errorf("Expected backend=openai, got %s", loaded.Inference.Backend)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("PACT_LOG_LEVEL", "warn")
	t.Setenv("PACT_DB", "/tmp/pact-test.db")
	t.Setenv("PACT_INFERENCE_BACKEND", "grpc")
	t.Setenv("PACT_INFERENCE_ADDR", "localhost:7777")

	cfg := DefaultConfig()
	cfg.ApplyEnvOverrides()

	if cfg.Log.Level != "warn" {
		t.Errorf("Expected log.level=warn, got %s", cfg.Log.Level)
	}
	if cfg.Storage.DatabasePath != "/tmp/pact-test.db" {
		t.Errorf("Expected database_path override, got %s", cfg.Storage.DatabasePath)
	}
	if cfg.Inference.Backend != "grpc" || cfg.Inference.GRPCAddress != "localhost:7777" {
		t.Errorf("Expected grpc backend at localhost:7777, got %s at %s", cfg.Inference.Backend, cfg.Inference.GRPCAddress)
	}
}

func TestApplyEnvOverrides_IgnoresInvalid(t *testing.T) {
	t.Setenv("PACT_LOG_LEVEL", "shouting")
	t.Setenv("PACT_INFERENCE_BACKEND", "nope")

	cfg := DefaultConfig()
	cfg.ApplyEnvOverrides()

	if cfg.Log.Level != "info" {
		t.Errorf("Invalid level should be ignored, got %s", cfg.Log.Level)
	}
	if cfg.Inference.Backend != "cli" {
		t.Errorf("Invalid backend should be ignored, got %s", cfg.Inference.Backend)
	}
}

func TestListKeysAllGettableAndSettable(t *testing.T) {
	cfg := DefaultConfig()
	for _, key := range ListKeys() {
		val, err := cfg.Get(key)
		if err != nil {
			t.Errorf("ListKeys entry %q is not gettable: %v", key, err)
			continue
		}
		if err := cfg.Set(key, val); err != nil {
			t.Errorf("ListKeys entry %q rejected its own value %q: %v", key, val, err)
		}
	}
}

func TestDefaultPaths_XDG(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("XDG test not applicable on Windows")
	}

	t.Setenv("PACT_HOME", "")
	t.Setenv("XDG_CONFIG_HOME", "/custom/config")
	t.Setenv("XDG_DATA_HOME", "/custom/data")

	paths := DefaultPaths()

	if paths.ConfigFile() != "/custom/config/pact/config.yaml" {
		t.Errorf("ConfigFile should respect XDG_CONFIG_HOME: %s", paths.ConfigFile())
	}
	if paths.DatabaseFile() != "/custom/data/pact/state.db" {
		t.Errorf("DatabaseFile should respect XDG_DATA_HOME: %s", paths.DatabaseFile())
	}
	if !strings.HasPrefix(paths.RunLogDir(), paths.LogDir()) {
		t.Errorf("RunLogDir should live under LogDir: %s", paths.RunLogDir())
	}
}

func TestDefaultPaths_PactHome(t *testing.T) {
	root := t.TempDir()
	t.Setenv("PACT_HOME", root)
	t.Setenv("XDG_CONFIG_HOME", "/ignored")

	paths := DefaultPaths()
	if want := filepath.Join(root, "config", "config.yaml"); paths.ConfigFile() != want {
		t.Errorf("ConfigFile() = %s, want %s", paths.ConfigFile(), want)
	}
	if want := filepath.Join(root, "data", "state.db"); paths.DatabaseFile() != want {
		t.Errorf("DatabaseFile() = %s, want %s", paths.DatabaseFile(), want)
	}
}

func TestPaths_EnsureDirectories(t *testing.T) {
	root := t.TempDir()
	paths := &Paths{ConfigDir: filepath.Join(root, "cfg"), DataDir: filepath.Join(root, "data")}

	if err := paths.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories failed: %v", err)
	}
	for _, dir := range []string{paths.ConfigDir, paths.DataDir, paths.LogDir(), paths.RunLogDir()} {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			t.Errorf("expected directory %s to exist", dir)
		}
	}
}

func TestDatabasePath_Override(t *testing.T) {
	paths := &Paths{DataDir: "/data"}
	cfg := DefaultConfig()
	if got := cfg.DatabasePath(paths); got != "/data/state.db" {
		t.Errorf("DatabasePath() = %s, want /data/state.db", got)
	}
	cfg.Storage.DatabasePath = "/elsewhere.db"
	if got := cfg.DatabasePath(paths); got != "/elsewhere.db" {
		t.Errorf("DatabasePath() = %s, want /elsewhere.db", got)
	}
}
