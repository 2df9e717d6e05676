package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func env(m map[string]string) lookup {
	return func(key string) string { return m[key] }
}

func TestParseDefaults(t *testing.T) {
	cfg, err := parse(env(map[string]string{"GOOGLE_API_KEY": "k"}))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("port = %q, want 8080", cfg.Port)
	}
	if cfg.MaxAttempts != 3 || cfg.BaseDelay != 2*time.Second {
		t.Errorf("attempts = %d delay = %v, want 3/2s", cfg.MaxAttempts, cfg.BaseDelay)
	}
	if len(cfg.Candidates) != 2 || cfg.Candidates[0].Provider != "gemini" {
		t.Errorf("candidates = %v", cfg.Candidates)
	}
	if cfg.S3.Enabled() {
		t.Error("s3 should be disabled without a bucket")
	}
}

func TestParseOverrides(t *testing.T) {
	cfg, err := parse(env(map[string]string{
		"GOOGLE_API_KEY":     "k",
		"TRYON_PORT":         "9000",
		"TRYON_CANDIDATES":   "gemini:a",
		"TRYON_MAX_ATTEMPTS": "5",
		"TRYON_BASE_DELAY":   "250ms",
		"TRYON_LOG_LEVEL":    "DEBUG",
		"TRYON_REDIS_URL":    "redis://localhost:6379/0",
	}))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Port != "9000" || cfg.MaxAttempts != 5 || cfg.BaseDelay != 250*time.Millisecond {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log level = %q, want debug", cfg.LogLevel)
	}
	if len(cfg.Candidates) != 1 || cfg.Candidates[0].Model != "a" {
		t.Errorf("candidates = %v", cfg.Candidates)
	}
}

func TestParseInvalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"missing api key", map[string]string{}, "GoogleAPIKey"},
		{"bad attempts", map[string]string{"GOOGLE_API_KEY": "k", "TRYON_MAX_ATTEMPTS": "x"}, "TRYON_MAX_ATTEMPTS"},
		{"zero attempts", map[string]string{"GOOGLE_API_KEY": "k", "TRYON_MAX_ATTEMPTS": "0"}, "MaxAttempts"},
		{"bad delay", map[string]string{"GOOGLE_API_KEY": "k", "TRYON_BASE_DELAY": "soon"}, "TRYON_BASE_DELAY"},
		{"bad candidates", map[string]string{"GOOGLE_API_KEY": "k", "TRYON_CANDIDATES": "gemini"}, "TRYON_CANDIDATES"},
		{"bad log level", map[string]string{"GOOGLE_API_KEY": "k", "TRYON_LOG_LEVEL": "loud"}, "LogLevel"},
		{"bad port", map[string]string{"GOOGLE_API_KEY": "k", "TRYON_PORT": "http"}, "Port"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parse(env(tt.env))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want mention of %s", err, tt.want)
			}
		})
	}
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	content := "GOOGLE_API_KEY=from-file\nTRYON_PORT=7000\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("TRYON_PORT", "7100")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.GoogleAPIKey != "from-file" {
		t.Errorf("api key = %q, want from-file", cfg.GoogleAPIKey)
	}
	if cfg.Port != "7100" {
		t.Errorf("port = %q, want process env to win", cfg.Port)
	}
}

func TestLoadMissingEnvFile(t *testing.T) {
	t.Setenv("GOOGLE_API_KEY", "k")
	if _, err := Load(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Errorf("missing env file should be ignored, got %v", err)
	}
}

func TestLoadArchive(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	content := "TRYON_S3_BUCKET=results\nTRYON_S3_ACCESS_KEY=ak\nTRYON_S3_SECRET_KEY=sk\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TRYON_S3_BUCKET", "override")

	cfg, err := LoadArchive(path)
	if err != nil {
		t.Fatalf("load archive: %v", err)
	}
	if cfg.Bucket != "override" {
		t.Errorf("bucket = %q, want override", cfg.Bucket)
	}
	if cfg.Region != "auto" {
		t.Errorf("region = %q, want auto", cfg.Region)
	}
	if !cfg.Enabled() {
		t.Error("expected archive to be enabled")
	}
}
