package config

import (
	"bytes"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{"DICOMFETCH_CODOWNLOAD_SERIES", "DICOMWEB_HTTP_TIMEOUT_SECONDS", "REDIS_ADDR", "REDIS_STREAM", "REDIS_MAXLEN", "DICOMFETCH_PRIORITY", "LOG_LEVEL", "DICOMWEB_QUERY_HEADERS"} {
		t.Setenv(key, "")
	}
	cfg := Load(nil)

	require.Equal(t, 3, cfg.Download.Workers)
	require.Equal(t, 4, cfg.Download.SeriesConcurrency)
	require.Equal(t, 4, cfg.Resolve.Parallelism)
	require.Equal(t, 30*time.Second, cfg.DICOMweb.Timeout)
	require.Equal(t, "dicomfetch:tasks", cfg.Redis.Stream)
	require.Equal(t, int64(10000), cfg.Redis.MaxLen)
	require.Equal(t, "normal", cfg.Download.Priority)
	require.False(t, cfg.Redis.Enabled())
	require.Equal(t, slog.LevelInfo, cfg.Log.Level)
	require.Empty(t, cfg.DICOMweb.QueryHeaders)
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("DICOMWEB_BASE_URL", "http://pacs:8042/dicom-web")
	t.Setenv("DICOMWEB_QUERY_EXT", "&fuzzymatching=true")
	t.Setenv("DICOMWEB_QUERY_HEADERS", "Authorization=Bearer abc, X-Site = north")
	t.Setenv("DICOMWEB_HTTP_TIMEOUT_SECONDS", "5")
	t.Setenv("DICOMFETCH_CODOWNLOAD_SERIES", "6")
	t.Setenv("DICOMFETCH_MODALITIES", "CT,MR")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("REDIS_DB", "2")
	t.Setenv("REDIS_STREAM", "custom")
	t.Setenv("REDIS_MAXLEN", "500")
	t.Setenv("DICOMFETCH_PRIORITY", "high")
	t.Setenv("LOG_LEVEL", "debug")

	cfg := Load(nil)

	require.Equal(t, "http://pacs:8042/dicom-web", cfg.DICOMweb.BaseURL)
	require.Equal(t, "&fuzzymatching=true", cfg.DICOMweb.QueryExtension)
	require.Equal(t, map[string]string{"Authorization": "Bearer abc", "X-Site": "north"}, cfg.DICOMweb.QueryHeaders)
	require.Equal(t, 5*time.Second, cfg.DICOMweb.Timeout)
	require.Equal(t, 6, cfg.Download.Workers)
	require.Equal(t, "CT,MR", cfg.Filters.Modalities)
	require.True(t, cfg.Redis.Enabled())
	require.Equal(t, 2, cfg.Redis.DB)
	require.Equal(t, "custom", cfg.Redis.Stream)
	require.Equal(t, int64(500), cfg.Redis.MaxLen)
	require.Equal(t, "high", cfg.Download.Priority)
	require.Equal(t, slog.LevelDebug, cfg.Log.Level)
}

func TestLoad_InvalidNumbersFallBack(t *testing.T) {
	t.Setenv("DICOMFETCH_CODOWNLOAD_SERIES", "many")
	t.Setenv("DICOMFETCH_CONCURRENT_DOWNLOADS_IN_SERIES", "-1")

	var buf bytes.Buffer
	cfg := Load(slog.New(slog.NewTextHandler(&buf, nil)))

	require.Equal(t, 3, cfg.Download.Workers)
	require.Equal(t, 4, cfg.Download.SeriesConcurrency)
	require.Contains(t, buf.String(), "DICOMFETCH_CODOWNLOAD_SERIES")
}

func TestParseHeaders(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  map[string]string
	}{
		{"Empty", "", map[string]string{}},
		{"Single", "Accept-Charset=utf-8", map[string]string{"Accept-Charset": "utf-8"}},
		{"Value with equals", "Authorization=Basic YQ==", map[string]string{"Authorization": "Basic YQ=="}},
		{"Skips malformed", "novalue,=x,K=V", map[string]string{"K": "V"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, ParseHeaders(tt.value))
		})
	}
}
