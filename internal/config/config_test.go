package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaultsWithNoFileOrEnv(t *testing.T) {
	t.Setenv(EnvConfigFile, "")
	cfg := Load(nil)
	if cfg.ClaimScanDepth != 256 {
		t.Fatalf("expected default claim scan depth 256, got %d", cfg.ClaimScanDepth)
	}
	if cfg.DefaultMaxRetries != 3 {
		t.Fatalf("expected default max retries 3, got %d", cfg.DefaultMaxRetries)
	}
	if cfg.UnknownTypePolicy != UnknownTypeWarn {
		t.Fatalf("expected default unknown-type policy warn, got %s", cfg.UnknownTypePolicy)
	}
	if len(cfg.DefaultTimeoutMsByService) != 0 {
		t.Fatalf("expected no per-service overrides without a config file")
	}
}

func TestLoadFileSuppliesBaseValuesAndPerServiceOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broker.yaml")
	yaml := `
store:
  prefix: "custom:"
broker:
  claim_scan_depth: 64
  default_timeout_ms: 120000
recovery:
  progress_silence_ms: 600000
services:
  comfyui:
    default_timeout_ms: 900000
    progress_silence_ms: 60000
  openai:
    default_timeout_ms: 30000
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	t.Setenv(EnvConfigFile, path)

	cfg := Load(nil)
	if cfg.StorePrefix != "custom:" {
		t.Fatalf("expected file-supplied prefix, got %q", cfg.StorePrefix)
	}
	if cfg.ClaimScanDepth != 64 {
		t.Fatalf("expected file-supplied claim scan depth, got %d", cfg.ClaimScanDepth)
	}
	if cfg.DefaultTimeoutMs != 120_000 {
		t.Fatalf("expected file-supplied default timeout, got %d", cfg.DefaultTimeoutMs)
	}
	if got := cfg.DefaultTimeoutMsByService["comfyui"]; got != 900_000 {
		t.Fatalf("expected comfyui timeout override 900000, got %d", got)
	}
	if got := cfg.ProgressSilenceMsByService["comfyui"]; got != 60_000 {
		t.Fatalf("expected comfyui progress silence override 60000, got %d", got)
	}
	if _, ok := cfg.ProgressSilenceMsByService["openai"]; ok {
		t.Fatalf("expected openai to have no progress silence override, since it left the key unset")
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broker.yaml")
	if err := os.WriteFile(path, []byte("broker:\n  default_max_retries: 7\n"), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	t.Setenv(EnvConfigFile, path)
	t.Setenv("BROKER_DEFAULT_MAX_RETRIES", "9")

	cfg := Load(nil)
	if cfg.DefaultMaxRetries != 9 {
		t.Fatalf("expected env override to win over file value, got %d", cfg.DefaultMaxRetries)
	}
}

func TestLoadMissingFileFallsBackSilently(t *testing.T) {
	t.Setenv(EnvConfigFile, filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	cfg := Load(nil)
	if cfg.DefaultMaxRetries != 3 {
		t.Fatalf("expected default max retries on missing file, got %d", cfg.DefaultMaxRetries)
	}
}

func TestLoadInvalidYAMLFallsBackSilently(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broken.yaml")
	if err := os.WriteFile(path, []byte("not: [valid yaml"), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	t.Setenv(EnvConfigFile, path)

	cfg := Load(nil)
	if cfg.DefaultMaxRetries != 3 {
		t.Fatalf("expected default max retries on invalid YAML, got %d", cfg.DefaultMaxRetries)
	}
}
