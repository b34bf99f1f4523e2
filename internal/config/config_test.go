package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope", "config.json"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Provider != "anthropic" {
		t.Errorf("default provider = %q, want anthropic", cfg.Provider)
	}
	if cfg.Temperature != 0.7 {
		t.Errorf("default temperature = %v, want 0.7", cfg.Temperature)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("default log level = %q, want info", cfg.LogLevel)
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.json")

	cfg := DefaultConfig()
	cfg.Provider = "openai"
	cfg.Model = "gpt-4o"
	cfg.MaxTurns = 25
	cfg.Compression.PreserveRecentTurns = 4
	cfg.Loop.ToolCallThreshold = 8
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Provider != "openai" || loaded.Model != "gpt-4o" {
		t.Errorf("provider/model not persisted: %+v", loaded)
	}
	if loaded.MaxTurns != 25 {
		t.Errorf("MaxTurns = %d, want 25", loaded.MaxTurns)
	}
	if loaded.Compression.PreserveRecentTurns != 4 {
		t.Errorf("PreserveRecentTurns = %d, want 4", loaded.Compression.PreserveRecentTurns)
	}
	if loaded.Loop.ToolCallThreshold != 8 {
		t.Errorf("ToolCallThreshold = %d, want 8", loaded.Loop.ToolCallThreshold)
	}
}

func TestLoadPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"provider": "google"}`), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Provider != "google" {
		t.Errorf("provider = %q, want google", cfg.Provider)
	}
	if cfg.Temperature != 0.7 {
		t.Errorf("partial config must keep default temperature, got %v", cfg.Temperature)
	}
	if cfg.WorkingDir != "." {
		t.Errorf("partial config must keep default working dir, got %q", cfg.WorkingDir)
	}
}

func TestLoadMalformedFileFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{broken"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for malformed config")
	}
}

func TestAPIKeyFromEnvironment(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-test")
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("GOOGLE_API_KEY", "goog-test")

	cfg := DefaultConfig()
	if got := cfg.APIKey(); got != "sk-ant-test" {
		t.Errorf("anthropic key = %q", got)
	}

	cfg.Provider = "gemini"
	if got := cfg.APIKey(); got != "goog-test" {
		t.Errorf("gemini fallback key = %q", got)
	}

	t.Setenv("GEMINI_API_KEY", "gem-test")
	if got := cfg.APIKey(); got != "gem-test" {
		t.Errorf("GEMINI_API_KEY must win over GOOGLE_API_KEY, got %q", got)
	}
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config must validate: %v", err)
	}

	cfg.Provider = "mystery"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unknown provider")
	}

	cfg = DefaultConfig()
	cfg.Compression.TokenThreshold = 1.5
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for out-of-range threshold")
	}

	cfg = DefaultConfig()
	cfg.MaxTurns = -1
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for negative max_turns")
	}
}
