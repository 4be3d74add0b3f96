package config

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

const (
	defaultListenAddr = ":8080"
	defaultDBPath     = "xstream.db"
	defaultDevice     = "host"

	envListenAddr   = "XSTREAM_LISTEN_ADDR"
	envDBPath       = "XSTREAM_DB_PATH"
	envLogLevel     = "XSTREAM_LOG_LEVEL"
	envDevice       = "XSTREAM_DEVICE"
	envProfiling    = "XSTREAM_PROFILING"
	envHWCounters   = "XSTREAM_HW_COUNTERS"
	envHostMemLimit = "XSTREAM_HOST_MEM_LIMIT"
	envHostWorkers  = "XSTREAM_HOST_WORKERS"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr string
	DBPath     string
	LogLevel   slog.Level

	// Device is the engine kind new streams run on unless a request names one.
	Device string
	// Profiling and HWCounters are the defaults for streams created without
	// an explicit choice.
	Profiling  bool
	HWCounters bool

	// HostMemLimit caps host device allocations in bytes. Zero means unlimited.
	HostMemLimit int64
	// HostWorkers bounds concurrent commands on out-of-order host queues.
	// Zero leaves the engine default.
	HostWorkers int
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	cfg := Config{
		ListenAddr: defaultListenAddr,
		DBPath:     defaultDBPath,
		LogLevel:   slog.LevelInfo,
		Device:     defaultDevice,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envDevice); v != "" {
		cfg.Device = strings.ToLower(v)
	}
	cfg.Profiling = parseBool(os.Getenv(envProfiling))
	cfg.HWCounters = parseBool(os.Getenv(envHWCounters))
	if v, err := strconv.ParseInt(os.Getenv(envHostMemLimit), 10, 64); err == nil && v > 0 {
		cfg.HostMemLimit = v
	}
	if v, err := strconv.Atoi(os.Getenv(envHostWorkers)); err == nil && v > 0 {
		cfg.HostWorkers = v
	}

	return cfg
}

func parseBool(s string) bool {
	b, err := strconv.ParseBool(s)
	return err == nil && b
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
