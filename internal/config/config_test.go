package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Stream.ReconnectInterval != 5*time.Second {
		t.Fatalf("expected 5s reconnect interval, got %s", cfg.Stream.ReconnectInterval)
	}
	if cfg.Stream.MaxReconnectAttempts != 5 {
		t.Fatalf("expected 5 attempts, got %d", cfg.Stream.MaxReconnectAttempts)
	}
	if cfg.Toast.Duration != 5*time.Second {
		t.Fatalf("expected 5s toast duration, got %s", cfg.Toast.Duration)
	}
	if cfg.API.NotificationsPath != "/api/v1/admin/notifications" {
		t.Fatalf("unexpected notifications path %q", cfg.API.NotificationsPath)
	}
	if cfg.Notifier.Enabled {
		t.Fatalf("expected desktop notifier disabled by default")
	}
}

func TestNotifierEnabledFromEnv(t *testing.T) {
	t.Setenv("TALKIPLAY_NOTIFIER_ENABLED", "true")
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if !cfg.Notifier.Enabled || cfg.Notifier.AppName != "Talkiplay" {
		t.Fatalf("expected enabled notifier named Talkiplay, got %+v", cfg.Notifier)
	}
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := []byte("stream:\n  url: ws://example.test/ws\n  max_reconnect_attempts: 3\nlog:\n  level: debug\n")
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("TALKIPLAY_STREAM_RECONNECT_INTERVAL", "250ms")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Stream.URL != "ws://example.test/ws" {
		t.Fatalf("expected file url, got %q", cfg.Stream.URL)
	}
	if cfg.Stream.MaxReconnectAttempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", cfg.Stream.MaxReconnectAttempts)
	}
	if cfg.Stream.ReconnectInterval != 250*time.Millisecond {
		t.Fatalf("expected env override 250ms, got %s", cfg.Stream.ReconnectInterval)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("expected debug level, got %q", cfg.Log.Level)
	}
}

func TestLoadRejectsZeroAttempts(t *testing.T) {
	t.Setenv("TALKIPLAY_STREAM_MAX_RECONNECT_ATTEMPTS", "0")
	if _, err := Load(""); err == nil {
		t.Fatalf("expected validation error for zero attempts")
	}
}

func TestLoadDotEnvDoesNotOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("TALKIPLAY_TEST_DOTENV=fromfile\nTALKIPLAY_TEST_DOTENV_SET=fromfile\n"), 0o644); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("TALKIPLAY_TEST_DOTENV_SET", "fromenv")
	t.Setenv("TALKIPLAY_TEST_DOTENV", "")
	os.Unsetenv("TALKIPLAY_TEST_DOTENV")

	if err := LoadDotEnv(path, filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("load dotenv: %v", err)
	}
	if got := os.Getenv("TALKIPLAY_TEST_DOTENV"); got != "fromfile" {
		t.Fatalf("expected fromfile, got %q", got)
	}
	if got := os.Getenv("TALKIPLAY_TEST_DOTENV_SET"); got != "fromenv" {
		t.Fatalf("expected existing value kept, got %q", got)
	}
}
