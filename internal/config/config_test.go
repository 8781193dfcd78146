package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.IgnoreIndex != -100 {
		t.Errorf("expected IgnoreIndex -100, got %d", cfg.IgnoreIndex)
	}
	if cfg.RopeTheta != 10000.0 {
		t.Errorf("expected RopeTheta 10000.0, got %v", cfg.RopeTheta)
	}
	if cfg.ProjectorHiddenAct != "gelu" {
		t.Errorf("expected gelu projector activation, got %q", cfg.ProjectorHiddenAct)
	}
	if got := cfg.PatchesPerInstance(); got != 8 {
		t.Errorf("expected 8 patches per instance, got %d", got)
	}
	if cfg.KVGroups() != 2 {
		t.Errorf("expected 2 kv groups, got %d", cfg.KVGroups())
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"valid config", func(c *Config) {}, false},
		{"invalid hidden", func(c *Config) { c.TextHiddenSize = 0 }, true},
		{"hidden mismatch", func(c *Config) { c.HeadDim = 8 }, true},
		{"odd head dim", func(c *Config) { c.HeadDim = 15; c.TextHiddenSize = 60 }, true},
		{"invalid layers", func(c *Config) { c.Layers = 0 }, true},
		{"kv heads not dividing", func(c *Config) { c.KVHeads = 3 }, true},
		{"invalid vocab size", func(c *Config) { c.VocabSize = 0 }, true},
		{"seq len not multiple of patch", func(c *Config) { c.SeqLen = 60 }, true},
		{"no projector act", func(c *Config) { c.ProjectorHiddenAct = "" }, true},
		{"placeholder out of vocab", func(c *Config) { c.TimeSeriesTokenID = 512 }, true},
		{"pad unset is fine", func(c *Config) { c.PadTokenID = UnsetTokenID }, false},
		{"pad below unset", func(c *Config) { c.PadTokenID = -2 }, true},
		{"pad equals placeholder", func(c *Config) { c.PadTokenID = c.TimeSeriesTokenID }, true},
		{"negative window", func(c *Config) { c.WindowSize = -1 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalid) {
				t.Errorf("expected ErrInvalid, got %v", err)
			}
		})
	}
}

func TestLoadYAMLWithEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.yaml")
	body := []byte("layers: 3\npatch_len: 4\nseq_len: 32\nchannels: 2\nprojector_hidden_act: silu\n")
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TEMPO_PAD_TOKEN_ID", "-1")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Layers != 3 {
		t.Errorf("expected 3 layers, got %d", cfg.Layers)
	}
	if cfg.PatchesPerInstance() != 16 {
		t.Errorf("expected 16 patches, got %d", cfg.PatchesPerInstance())
	}
	if cfg.PadTokenID != UnsetTokenID || cfg.HasPadToken() {
		t.Errorf("expected env override of pad token, got %d", cfg.PadTokenID)
	}
	if cfg.TextHiddenSize != Default().TextHiddenSize {
		t.Errorf("unset keys should keep defaults, got %d", cfg.TextHiddenSize)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(path, []byte(`{"heads": 0}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
