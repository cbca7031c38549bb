package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Diffusion.DKECutoff != 2500 || cfg.Labels.MaxLabelsPerMask != 1000 {
		t.Errorf("Expected defaults, got %+v", cfg)
	}
	if len(cfg.Diffusion.TargetBvals) != 4 || cfg.Diffusion.TargetBvals[3] != 3000 {
		t.Errorf("Unexpected target b-values %v", cfg.Diffusion.TargetBvals)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tractrec.yaml")
	text := "processing:\n  numCores: 3\nqueue:\n  pollInterval: 30s\nstats:\n  threshType: lower\n"
	if err := os.WriteFile(path, []byte(text), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Processing.NumCores != 3 {
		t.Errorf("Expected 3 cores, got %d", cfg.Processing.NumCores)
	}
	if cfg.Queue.PollInterval != 30*time.Second {
		t.Errorf("Expected 30s poll interval, got %s", cfg.Queue.PollInterval)
	}
	if cfg.Stats.ThreshType != "lower" || cfg.Stats.ThreshVal != 0.35 {
		t.Errorf("Expected overridden type and default value, got %q %v", cfg.Stats.ThreshType, cfg.Stats.ThreshVal)
	}
}

func TestLoadConfigInvalid(t *testing.T) {
	dir := t.TempDir()
	for name, text := range map[string]string{
		"syntax.yaml": "processing: [",
		"cores.yaml":  "processing:\n  numCores: 0\n",
		"format.yaml": "output:\n  logFormat: xml\n",
	} {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(text), 0644); err != nil {
			t.Fatal(err)
		}
		if _, err := LoadConfig(path); err == nil {
			t.Errorf("Expected error for %s", name)
		}
	}
}

func TestCreateDefaultConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "tractrec.yaml")
	if err := CreateDefaultConfigFile(path); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	def := DefaultConfig()
	if cfg.Queue.PollInterval != def.Queue.PollInterval || cfg.Queue.MemGB != def.Queue.MemGB {
		t.Errorf("Queue section did not round trip: %+v", cfg.Queue)
	}
	if cfg.Labels.CoordinateSpace != "scanner" || cfg.Labels.StartIndex != 1 {
		t.Errorf("Labels section did not round trip: %+v", cfg.Labels)
	}
}
