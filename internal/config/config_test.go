package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv(envListenAddr, "")
	t.Setenv(envDBPath, "")
	t.Setenv(envLogLevel, "")
	t.Setenv(envDevice, "")
	t.Setenv(envProfiling, "")
	t.Setenv(envHWCounters, "")
	t.Setenv(envHostMemLimit, "")
	t.Setenv(envHostWorkers, "")

	cfg := Load()

	if cfg.ListenAddr != defaultListenAddr {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, defaultListenAddr)
	}
	if cfg.DBPath != defaultDBPath {
		t.Errorf("DBPath = %q, want %q", cfg.DBPath, defaultDBPath)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel, slog.LevelInfo)
	}
	if cfg.Device != defaultDevice {
		t.Errorf("Device = %q, want %q", cfg.Device, defaultDevice)
	}
	if cfg.Profiling || cfg.HWCounters {
		t.Errorf("Profiling/HWCounters = %v/%v, want false/false", cfg.Profiling, cfg.HWCounters)
	}
	if cfg.HostMemLimit != 0 || cfg.HostWorkers != 0 {
		t.Errorf("HostMemLimit/HostWorkers = %d/%d, want 0/0", cfg.HostMemLimit, cfg.HostWorkers)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv(envListenAddr, ":9090")
	t.Setenv(envDBPath, "/tmp/test.db")
	t.Setenv(envLogLevel, "debug")
	t.Setenv(envDevice, "REMOTE")
	t.Setenv(envProfiling, "true")
	t.Setenv(envHWCounters, "1")
	t.Setenv(envHostMemLimit, "1048576")
	t.Setenv(envHostWorkers, "8")

	cfg := Load()

	if cfg.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, ":9090")
	}
	if cfg.DBPath != "/tmp/test.db" {
		t.Errorf("DBPath = %q, want %q", cfg.DBPath, "/tmp/test.db")
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel, slog.LevelDebug)
	}
	if cfg.Device != "remote" {
		t.Errorf("Device = %q, want %q", cfg.Device, "remote")
	}
	if !cfg.Profiling || !cfg.HWCounters {
		t.Errorf("Profiling/HWCounters = %v/%v, want true/true", cfg.Profiling, cfg.HWCounters)
	}
	if cfg.HostMemLimit != 1<<20 {
		t.Errorf("HostMemLimit = %d, want %d", cfg.HostMemLimit, 1<<20)
	}
	if cfg.HostWorkers != 8 {
		t.Errorf("HostWorkers = %d, want 8", cfg.HostWorkers)
	}
}

func TestLoadIgnoresMalformedNumbers(t *testing.T) {
	t.Setenv(envHostMemLimit, "lots")
	t.Setenv(envHostWorkers, "-3")
	t.Setenv(envProfiling, "maybe")

	cfg := Load()

	if cfg.HostMemLimit != 0 {
		t.Errorf("HostMemLimit = %d, want 0", cfg.HostMemLimit)
	}
	if cfg.HostWorkers != 0 {
		t.Errorf("HostWorkers = %d, want 0", cfg.HostWorkers)
	}
	if cfg.Profiling {
		t.Error("Profiling = true for unparseable value")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"invalid", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		got := parseLogLevel(tt.input)
		if got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestNewLoggerOutputsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo)
	if logger == nil {
		t.Fatal("NewLogger returned nil")
	}

	logger.Info("test message", "key", "value")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("logger output is not valid JSON: %v\noutput: %s", err, buf.String())
	}

	for _, key := range []string{"time", "level", "msg"} {
		if _, ok := entry[key]; !ok {
			t.Errorf("JSON output missing expected key %q", key)
		}
	}
	if entry["msg"] != "test message" {
		t.Errorf("msg = %v, want %q", entry["msg"], "test message")
	}
	if entry["key"] != "value" {
		t.Errorf("key = %v, want %q", entry["key"], "value")
	}
}
