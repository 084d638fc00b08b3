package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFromFileAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
port: 9000
models:
  - name: gpt-4o
    provider: openai
    enabled: true
  - name: llama
    provider: openai
    enabled: false
agent:
  max_steps: 12
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 9000 || cfg.Host != "127.0.0.1" {
		t.Errorf("host/port = %s/%d", cfg.Host, cfg.Port)
	}
	// Explicit values survive, absent ones default.
	if cfg.Agent.MaxSteps != 12 || cfg.Agent.MaxHistorySteps != 40 {
		t.Errorf("agent = %+v", cfg.Agent)
	}
	if cfg.Logging.Level != "info" || cfg.Memory.EmbeddingModel != "text-embedding-3-small" {
		t.Errorf("defaults missing: %+v %+v", cfg.Logging, cfg.Memory)
	}
	enabled := cfg.EnabledModels()
	if len(enabled) != 1 || enabled[0].Name != "gpt-4o" {
		t.Errorf("enabled models = %+v", enabled)
	}
}

func TestLoadFromFileMissing(t *testing.T) {
	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("missing file accepted")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SUZENT_HOST", "0.0.0.0")
	t.Setenv("SUZENT_PORT", "0")
	appData := t.TempDir()
	t.Setenv("SUZENT_APP_DATA", appData)

	cfg, err := LoadFromFile("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Host != "0.0.0.0" {
		t.Errorf("host = %q", cfg.Host)
	}
	// Port 0 is a valid override meaning OS-assigned.
	if cfg.Port != 0 {
		t.Errorf("port = %d", cfg.Port)
	}
	if cfg.DataDir != filepath.Join(appData, "data") || cfg.SharedDir != filepath.Join(appData, "shared") {
		t.Errorf("dirs = %s, %s", cfg.DataDir, cfg.SharedDir)
	}
}

func TestEnvPortIgnoredWhenInvalid(t *testing.T) {
	t.Setenv("SUZENT_PORT", "not-a-port")
	cfg, err := LoadFromFile("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != DefaultPort {
		t.Errorf("port = %d, want default %d", cfg.Port, DefaultPort)
	}
}

func TestPathHelpers(t *testing.T) {
	t.Parallel()
	cfg := Config{DataDir: "/d", SharedDir: "/s"}

	tests := []struct {
		got, want string
	}{
		{cfg.DatabasePath(), filepath.Join("/d", "suzent.db")},
		{cfg.VectorDBPath(), filepath.Join("/d", "memory", "archival.db")},
		{cfg.UploadsDir(), filepath.Join("/d", "uploads")},
		{cfg.PortFile(), filepath.Join("/d", "server.port")},
		{cfg.MemoryDir(), filepath.Join("/s", "memory")},
		{cfg.HeartbeatFile(), filepath.Join("/s", "HEARTBEAT.md")},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("path = %q, want %q", tt.got, tt.want)
		}
	}
}

func TestEnsureDirs(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	cfg := Config{DataDir: filepath.Join(root, "data"), SharedDir: filepath.Join(root, "shared")}

	if err := cfg.EnsureDirs(); err != nil {
		t.Fatal(err)
	}
	for _, d := range []string{cfg.MemoryDir(), cfg.UploadsDir(), filepath.Join(cfg.DataDir, "memory")} {
		if st, err := os.Stat(d); err != nil || !st.IsDir() {
			t.Errorf("missing dir %s: %v", d, err)
		}
	}
}

func TestHeartbeatIntervalClamped(t *testing.T) {
	t.Parallel()
	cfg := Config{Heartbeat: HeartbeatConfig{IntervalMinutes: 0}}
	if got := cfg.HeartbeatInterval(); got != time.Minute {
		t.Errorf("interval = %v", got)
	}
	cfg.Heartbeat.IntervalMinutes = 45
	if got := cfg.HeartbeatInterval(); got != 45*time.Minute {
		t.Errorf("interval = %v", got)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")
	cfg := Default()
	cfg.Port = 1234
	cfg.Models = []ModelConfig{{Name: "gpt-4o", Provider: "openai", Enabled: true}}

	if err := SaveToFile(cfg, path); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Port != 1234 || len(loaded.Models) != 1 || loaded.Models[0].Name != "gpt-4o" {
		t.Errorf("loaded = %+v", loaded)
	}
}
