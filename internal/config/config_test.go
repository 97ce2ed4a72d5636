package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/zone-monitor/internal/stream"
)

func noEnv(string) (string, bool) { return "", false }

func mapEnv(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultRequiresSource(t *testing.T) {
	cfg := Default()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "source url is required")

	cfg.Source.URL = "http://camera/stream"
	assert.NoError(t, cfg.Validate())
}

func TestLoadFlagsOnly(t *testing.T) {
	cfg, err := load([]string{"-env", "", "-source", "http://cam/mjpg", "-warning-threshold", "0.2", "-max-idle-frames", "0"}, noEnv)
	require.NoError(t, err)
	assert.Equal(t, "http://cam/mjpg", cfg.Source.URL)
	assert.Equal(t, 0.2, cfg.Thresholds.Warning)
	assert.Zero(t, cfg.Tracker.MaxIdleFrames)
	assert.Equal(t, stream.DefaultPolicy(), cfg.Policy)
}

func TestLoadLayering(t *testing.T) {
	path := writeFile(t, "zone.yaml", `
source:
  url: http://file/stream
policy_preset: conservative
policy:
  retry_delay: 500ms
thresholds:
  warning: 0.05
  critical: 0.4
labels:
  dir: /data/labels
web:
  addr: ":9000"
zone: [[0, 0], [100, 0], [100, 80]]
log_level: debug
`)
	env := mapEnv(map[string]string{
		"ZM_SOURCE_URL":      "http://env/stream",
		"ZM_LOG_LEVEL":       "warn",
		"ZM_ALLOWED_ORIGINS": "http://a, http://b,",
	})

	cfg, err := load([]string{"-env", "", "-config", path, "-log-level", "error"}, env)
	require.NoError(t, err)

	assert.Equal(t, "http://env/stream", cfg.Source.URL, "env overrides file")
	assert.Equal(t, "error", cfg.LogLevel, "flag overrides env")
	assert.Equal(t, 10, cfg.Policy.ReadFailureThreshold, "preset applied")
	assert.Equal(t, 500*time.Millisecond, cfg.Policy.RetryDelay, "file refines preset")
	assert.Equal(t, 0.05, cfg.Thresholds.Warning)
	assert.Equal(t, "/data/labels", cfg.Labels.Dir)
	assert.Equal(t, "data.yaml", cfg.Labels.DataYAML, "unset keys keep defaults")
	assert.Equal(t, ":9000", cfg.Web.Addr)
	assert.Equal(t, []string{"http://a", "http://b"}, cfg.Web.AllowedOrigins)
	require.Len(t, cfg.ZonePolygon(), 3)
	assert.Equal(t, 80.0, cfg.ZonePolygon()[2].Y)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeFile(t, "bad.yaml", "source:\n  url: x\nthreshold: 1\n")
	_, err := load([]string{"-env", "", "-config", path}, noEnv)
	require.Error(t, err)
}

func TestLoadEnvErrors(t *testing.T) {
	env := mapEnv(map[string]string{
		"ZM_SOURCE_URL":        "http://cam",
		"ZM_MAX_IDLE_FRAMES":   "many",
		"ZM_INFERENCE_TIMEOUT": "soon",
		"ZM_POLICY_PRESET":     "",
	})
	_, err := load([]string{"-env", ""}, env)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ZM_MAX_IDLE_FRAMES")
	assert.Contains(t, err.Error(), "ZM_INFERENCE_TIMEOUT")

	_, err = load([]string{"-env", ""}, mapEnv(map[string]string{"ZM_POLICY_PRESET": "reckless"}))
	assert.ErrorContains(t, err, "unknown policy preset")
}

func TestLoadDotenv(t *testing.T) {
	// Registered for restore, then removed so the dotenv file can set it.
	t.Setenv("ZM_SOURCE_URL", "")
	require.NoError(t, os.Unsetenv("ZM_SOURCE_URL"))

	path := writeFile(t, ".env", "ZM_SOURCE_URL=http://dotenv/stream\n")
	cfg, err := load([]string{"-env", path}, os.LookupEnv)
	require.NoError(t, err)
	assert.Equal(t, "http://dotenv/stream", cfg.Source.URL)
}

func TestLoadDotenvMissing(t *testing.T) {
	missing := filepath.Join(t.TempDir(), ".env")

	_, err := load([]string{"-env", missing, "-source", "http://cam"}, noEnv)
	assert.Error(t, err, "explicit dotenv file must exist")

	assert.NoError(t, loadDotenv(missing, false))
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := Default()
	cfg.Source.URL = "http://cam"
	cfg.Thresholds.Warning = 0.5
	cfg.Thresholds.Critical = 0.2
	cfg.Policy.ReadFailureThreshold = 0
	cfg.Web.JPEGQuality = 0
	cfg.LogLevel = "loud"
	cfg.Zone = [][2]float64{{0, 0}, {1, 1}}

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"read_failure_threshold", "warning=0.5", "jpeg_quality", "loud", "zone:"} {
		assert.Contains(t, err.Error(), want)
	}
}
