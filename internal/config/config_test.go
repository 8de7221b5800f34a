package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
	if cfg.Mode != ModeFleet {
		t.Errorf("expected fleet mode, got %q", cfg.Mode)
	}
	if cfg.Addr() != "localhost:10000" {
		t.Errorf("expected localhost:10000, got %q", cfg.Addr())
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "simfleet.yaml")
	data := `
mode: local
system: spring_chain
system_params:
  stiffness: 25.0
batch_size: 32
workers: 2
dt: 0.005
worker_timeout: 10s
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Mode != ModeLocal {
		t.Errorf("expected local mode, got %q", cfg.Mode)
	}
	if cfg.System != "spring_chain" {
		t.Errorf("expected spring_chain, got %q", cfg.System)
	}
	if cfg.SystemParams["stiffness"] != 25.0 {
		t.Errorf("expected stiffness 25.0, got %f", cfg.SystemParams["stiffness"])
	}
	if cfg.BatchSize != 32 {
		t.Errorf("expected batch size 32, got %d", cfg.BatchSize)
	}
	if cfg.WorkerTimeout != Duration(10*time.Second) {
		t.Errorf("expected 10s timeout, got %v", cfg.WorkerTimeout)
	}
	// Unset fields keep defaults.
	if cfg.Port != DefaultPort {
		t.Errorf("expected default port, got %d", cfg.Port)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SIMFLEET_PORT", "12345")
	t.Setenv("SIMFLEET_WORKERS", "8")
	t.Setenv("SIMFLEET_DATA_DIR", "/tmp/fleet")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Port != 12345 {
		t.Errorf("expected port 12345, got %d", cfg.Port)
	}
	if cfg.Workers != 8 {
		t.Errorf("expected 8 workers, got %d", cfg.Workers)
	}
	if cfg.DataDir != "/tmp/fleet" {
		t.Errorf("expected /tmp/fleet, got %q", cfg.DataDir)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad_mode", func(c *Config) { c.Mode = "cluster" }},
		{"zero_workers", func(c *Config) { c.Workers = 0 }},
		{"zero_batch", func(c *Config) { c.BatchSize = 0 }},
		{"zero_substeps", func(c *Config) { c.SimulationsPerStep = 0 }},
		{"zero_invalid_bound", func(c *Config) { c.MaxInvalidPerBatch = 0 }},
		{"negative_dt", func(c *Config) { c.Dt = -0.01 }},
		{"bad_port", func(c *Config) { c.Port = 99999 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.yaml")
	want := DefaultConfig()
	want.System = "spring_chain"
	if err := Save(path, want); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if got.System != want.System || got.BatchSize != want.BatchSize {
		t.Errorf("config did not survive save/load: got %+v", got)
	}
}
