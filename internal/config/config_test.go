package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFileMissingUsesDefaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Conventions.TargetFile != "MPRAGE.nii.gz" {
		t.Fatalf("unexpected target file %q", cfg.Conventions.TargetFile)
	}
	if cfg.Evaluation.Bins != 10 {
		t.Fatalf("expected 10 bins, got %d", cfg.Evaluation.Bins)
	}
	if cfg.ToolTimeout() != 30*time.Minute {
		t.Fatalf("unexpected timeout %s", cfg.ToolTimeout())
	}
}

func TestLoadFileMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "paths:\n  raw_dir: /data/raw\nevaluation:\n  bins: 16\ntools:\n  timeout: 90s\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Paths.RawDir != "/data/raw" {
		t.Fatalf("raw dir not applied: %q", cfg.Paths.RawDir)
	}
	if cfg.Evaluation.Bins != 16 {
		t.Fatalf("bins not applied: %d", cfg.Evaluation.Bins)
	}
	if cfg.ToolTimeout() != 90*time.Second {
		t.Fatalf("timeout not applied: %s", cfg.ToolTimeout())
	}
	// untouched keys keep their defaults
	if cfg.Tools.FLIRT != "flirt" {
		t.Fatalf("default lost: %q", cfg.Tools.FLIRT)
	}
}

func TestLoadFileEnvOverride(t *testing.T) {
	t.Setenv("REID_ANONYMIZE_LENGTH", "12")
	cfg, err := LoadFile("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Anonymize.Length != 12 {
		t.Fatalf("env override ignored: %d", cfg.Anonymize.Length)
	}
}

func TestValidateRejectsBadBins(t *testing.T) {
	cfg := defaultConfig()
	cfg.Evaluation.Bins = 1
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestValidateRejectsNonASCIIAlphabet(t *testing.T) {
	cfg := defaultConfig()
	cfg.Anonymize.Alphabet = "abcä"
	err := cfg.Validate()
	var ce *ConfigError
	if !errors.As(err, &ce) || ce.Field != "anonymize.alphabet" {
		t.Fatalf("expected alphabet config error, got %v", err)
	}
}

func TestExpandUser(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}
	got, err := expandUser("~/x/y")
	if err != nil {
		t.Fatal(err)
	}
	if got != filepath.Join(home, "x/y") {
		t.Fatalf("got %q", got)
	}
}

func TestPathFindsConfigByExtension(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("REID_CONFIG", "")
	dir := filepath.Join(home, ".config", "reid")

	got, err := Path()
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(dir, "config.yaml"); got != want {
		t.Fatalf("Path() = %s, want %s", got, want)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte(`{"evaluation":{"bins":12}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err = Path()
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(dir, "config.json"); got != want {
		t.Fatalf("Path() = %s, want %s", got, want)
	}
	cfg, err := LoadFile(got)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Evaluation.Bins != 12 {
		t.Fatalf("bins = %d, want 12", cfg.Evaluation.Bins)
	}
}
