// Package config loads dicomfetch settings from the environment.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// RedisConfig holds the connection settings of the event stream.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Stream   string
	MaxLen   int64 // approximate stream length cap
}

// Enabled reports whether an address was configured.
func (c *RedisConfig) Enabled() bool {
	return c.Addr != ""
}

// LoadFromEnv reads {prefix}_ADDR, {prefix}_PASSWORD, {prefix}_DB,
// {prefix}_STREAM and {prefix}_MAXLEN, keeping current values for unset
// variables.
func (c *RedisConfig) LoadFromEnv(prefix string, logger *slog.Logger) {
	if addr := os.Getenv(prefix + "_ADDR"); addr != "" {
		c.Addr = addr
	}
	if password := os.Getenv(prefix + "_PASSWORD"); password != "" {
		c.Password = password
	}
	c.DB = getEnvInt(logger, prefix+"_DB", c.DB)
	if stream := os.Getenv(prefix + "_STREAM"); stream != "" {
		c.Stream = stream
	}
	c.MaxLen = int64(getEnvInt(logger, prefix+"_MAXLEN", int(c.MaxLen)))
}

// Config is the full runtime configuration.
type Config struct {
	DICOMweb struct {
		BaseURL         string
		QueryExtension  string
		QueryHeaders    map[string]string
		RetrieveHeaders map[string]string
		Timeout         time.Duration
	}

	Download struct {
		Workers           int // concurrently downloaded series
		SeriesConcurrency int // concurrent instances within a series
		OutputDir         string
		Priority          string // high, normal or low
	}

	Resolve struct {
		Parallelism int
	}

	Filters struct {
		LowerDateTime string
		UpperDateTime string
		MostRecent    string
		Modalities    string
		Keywords      string
	}

	Redis RedisConfig

	MetricsAddr string

	Log struct {
		Level slog.Level
	}
}

// Load reads the configuration from the environment. Malformed numbers are
// logged and replaced by their defaults.
func Load(logger *slog.Logger) *Config {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := &Config{}

	cfg.DICOMweb.BaseURL = getEnv("DICOMWEB_BASE_URL", "")
	cfg.DICOMweb.QueryExtension = getEnv("DICOMWEB_QUERY_EXT", "")
	cfg.DICOMweb.QueryHeaders = ParseHeaders(getEnv("DICOMWEB_QUERY_HEADERS", ""))
	cfg.DICOMweb.RetrieveHeaders = ParseHeaders(getEnv("DICOMWEB_RETRIEVE_HEADERS", ""))
	cfg.DICOMweb.Timeout = time.Duration(getEnvInt(logger, "DICOMWEB_HTTP_TIMEOUT_SECONDS", 30)) * time.Second

	cfg.Download.Workers = getEnvInt(logger, "DICOMFETCH_CODOWNLOAD_SERIES", 3)
	cfg.Download.SeriesConcurrency = getEnvInt(logger, "DICOMFETCH_CONCURRENT_DOWNLOADS_IN_SERIES", 4)
	cfg.Download.OutputDir = getEnv("DICOMFETCH_OUTPUT_DIR", "./dicom")
	cfg.Download.Priority = getEnv("DICOMFETCH_PRIORITY", "normal")

	cfg.Resolve.Parallelism = getEnvInt(logger, "DICOMFETCH_RESOLVE_PARALLELISM", 4)

	cfg.Filters.LowerDateTime = getEnv("DICOMFETCH_LOWER_DATETIME", "")
	cfg.Filters.UpperDateTime = getEnv("DICOMFETCH_UPPER_DATETIME", "")
	cfg.Filters.MostRecent = getEnv("DICOMFETCH_MOST_RECENT", "")
	cfg.Filters.Modalities = getEnv("DICOMFETCH_MODALITIES", "")
	cfg.Filters.Keywords = getEnv("DICOMFETCH_KEYWORDS", "")

	cfg.Redis.Stream = "dicomfetch:tasks"
	cfg.Redis.MaxLen = 10000
	cfg.Redis.LoadFromEnv("REDIS", logger)

	cfg.MetricsAddr = getEnv("DICOMFETCH_METRICS_ADDR", "")

	if err := cfg.Log.Level.UnmarshalText([]byte(getEnv("LOG_LEVEL", "info"))); err != nil {
		logger.Warn("Invalid LOG_LEVEL, using info", "error", err)
		cfg.Log.Level = slog.LevelInfo
	}

	return cfg
}

// ParseHeaders parses "Key=Value,Key2=Value2". Entries without '=' are
// ignored.
func ParseHeaders(value string) map[string]string {
	headers := make(map[string]string)
	for _, pair := range strings.Split(value, ",") {
		key, val, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		headers[key] = strings.TrimSpace(val)
	}
	return headers
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(logger *slog.Logger, key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || n < 0 {
		logger.Warn("Invalid integer setting, using default",
			"key", key,
			"value", value,
			"default", defaultValue)
		return defaultValue
	}
	return n
}
