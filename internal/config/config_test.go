package config

import (
	"path/filepath"
	"testing"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Heap.InitialSize = 8 << 20
	cfg.GC.Collector = "ss"
	cfg.GC.Workers = 4

	path := filepath.Join(t.TempDir(), ConfigFileName)
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Heap.InitialSize != 8<<20 {
		t.Errorf("expected initial_size %d, got %d", 8<<20, loaded.Heap.InitialSize)
	}
	if loaded.GC.Collector != "ss" {
		t.Errorf("expected collector ss, got %q", loaded.GC.Collector)
	}
	if loaded.GC.Workers != 4 {
		t.Errorf("expected 4 workers, got %d", loaded.GC.Workers)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative initial size", func(c *Config) { c.Heap.InitialSize = -1 }},
		{"growth below initial", func(c *Config) { c.Heap.GrowthLimit = c.Heap.InitialSize - 1 }},
		{"capacity below growth", func(c *Config) { c.Heap.Capacity = c.Heap.GrowthLimit - 1 }},
		{"utilization out of range", func(c *Config) { c.GC.TargetUtilization = 1.5 }},
		{"max free below min free", func(c *Config) { c.GC.MaxFree = c.GC.MinFree - 1 }},
		{"unknown collector", func(c *Config) { c.GC.Collector = "cc" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected a validation error")
			}
		})
	}
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Errorf("default config must validate: %v", err)
	}
}
