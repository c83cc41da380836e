// Package config centralizes the environment variables that configure
// cuenv, following the teacher's configuration style throughout
// orchestrator and policy-service: no config-file parser, every knob reads
// from the process environment with a documented default.
package config

import (
	"os"
	"runtime"
	"strconv"
	"time"
)

// Config holds every environment-driven knob used to build a Runner.
type Config struct {
	CacheDir                string
	MaxParallelism          int
	GCMaxAgeDays            int
	GCMaxSizeBytes          int64
	GCMinEntriesPerTask     int
	SecretSalt              string
	PolicyDir               string
	EventsNATSURL           string
	HistoryDBPath           string
	GCCronExpr              string
	JSONLog                 bool
	LogLevel                string
	OTLPEndpoint            string
	CancellationGracePeriod time.Duration
}

// Load reads Config from the process environment, applying the defaults
// documented for each variable.
func Load() Config {
	return Config{
		CacheDir:                os.Getenv("CUENV_CACHE_DIR"),
		MaxParallelism:          envInt("CUENV_MAX_PARALLELISM", runtime.NumCPU()),
		GCMaxAgeDays:            envInt("CUENV_GC_MAX_AGE_DAYS", 30),
		GCMaxSizeBytes:          envInt64("CUENV_GC_MAX_SIZE_BYTES", 10*1024*1024*1024),
		GCMinEntriesPerTask:     envInt("CUENV_GC_MIN_ENTRIES_PER_TASK", 1),
		SecretSalt:              os.Getenv("CUENV_SECRET_SALT"),
		PolicyDir:               os.Getenv("CUENV_POLICY_DIR"),
		EventsNATSURL:           os.Getenv("CUENV_EVENTS_NATS_URL"),
		HistoryDBPath:           envDefault("CUENV_HISTORY_DB", defaultHistoryPath()),
		GCCronExpr:              os.Getenv("CUENV_GC_CRON"),
		JSONLog:                 os.Getenv("CUENV_JSON_LOG") == "true",
		LogLevel:                envDefault("CUENV_LOG_LEVEL", "info"),
		OTLPEndpoint:            envDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		CancellationGracePeriod: 5 * time.Second,
	}
}

func defaultHistoryPath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "cuenv-history.db"
	}
	return dir + "/cuenv/history.db"
}

func envDefault(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func envInt(name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envInt64(name string, def int64) int64 {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}
