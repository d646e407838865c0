package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port          int
	NatsURL       string
	NatsToken     string
	DatabaseURL   string
	FallbackPath  string
	LogLevel      string
	APIToken      string
	PlatformsFile string
	DebuggerURL   string

	DedupWindow    time.Duration
	DedupThreshold float64
	BufferMax      int
	IdleTimeout    time.Duration
	SweepInterval  time.Duration
	RestoreMaxAge  time.Duration
	FlushTimeout   time.Duration
	DBOpenTimeout  time.Duration
	MaxRecords     int
	MaxBytes       int64
	FallbackCap    int
	EvictRatio     float64
	MaxCandidates  int
	ExportCap      int
	HybridGrace    time.Duration
}

func Load() Config {
	return Config{
		Port:          envInt("CHATCAP_PORT", 8760),
		NatsURL:       envStr("NATS_URL", "nats://hermes:4222"),
		NatsToken:     envStr("NATS_TOKEN", ""),
		DatabaseURL:   envStr("DATABASE_URL", expandHome("~/.chatcap/chatcap.db")),
		FallbackPath:  envStr("CHATCAP_FALLBACK_PATH", expandHome("~/.chatcap/fallback.json")),
		LogLevel:      envStr("LOG_LEVEL", "info"),
		APIToken:      envStr("CHATCAP_API_TOKEN", ""),
		PlatformsFile: envStr("CHATCAP_PLATFORMS_FILE", ""),
		DebuggerURL:   envStr("CHROME_DEBUGGER_URL", ""),

		DedupWindow:    envDuration("CHATCAP_DEDUP_WINDOW", 30*time.Minute),
		DedupThreshold: envFloat("CHATCAP_DEDUP_THRESHOLD", 0.8),
		BufferMax:      envInt("CHATCAP_BUFFER_MAX", 50),
		IdleTimeout:    envDuration("CHATCAP_IDLE_TIMEOUT", 5*time.Minute),
		SweepInterval:  envDuration("CHATCAP_SWEEP_INTERVAL", 30*time.Second),
		RestoreMaxAge:  envDuration("CHATCAP_RESTORE_MAX_AGE", time.Hour),
		FlushTimeout:   envDuration("CHATCAP_FLUSH_TIMEOUT", 5*time.Second),
		DBOpenTimeout:  envDuration("CHATCAP_DB_OPEN_TIMEOUT", 10*time.Second),
		MaxRecords:     envInt("CHATCAP_MAX_RECORDS", 1000),
		MaxBytes:       int64(envInt("CHATCAP_MAX_BYTES", 50*1024*1024)),
		FallbackCap:    envInt("CHATCAP_FALLBACK_CAP", 500),
		EvictRatio:     envFloat("CHATCAP_EVICT_RATIO", 0.3),
		MaxCandidates:  envInt("CHATCAP_MAX_CANDIDATES", 1000),
		ExportCap:      envInt("CHATCAP_EXPORT_CAP", 5000),
		HybridGrace:    envDuration("CHATCAP_HYBRID_GRACE", 2*time.Second),
	}
}

// UsesPostgres reports whether DatabaseURL points at a Postgres server rather
// than an on-device SQLite file.
func (c Config) UsesPostgres() bool {
	return strings.HasPrefix(c.DatabaseURL, "postgres://") || strings.HasPrefix(c.DatabaseURL, "postgresql://")
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}

func expandHome(path string) string {
	if len(path) > 1 && path[0] == '~' && path[1] == '/' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
