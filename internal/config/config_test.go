package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
worker:
  base_uri: http://worker-1:8080
timeouts:
  max_error_duration: 30s
codec:
  preferred: json
trace:
  enabled: true
  capacity: 64
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "http://worker-1:8080", cfg.Worker.BaseURI)
	assert.Equal(t, 30*time.Second, cfg.Timeouts.MaxErrorDuration)
	assert.Equal(t, "json", cfg.Codec.Preferred)
	assert.True(t, cfg.Trace.Enabled)
	assert.Equal(t, 64, cfg.Trace.Capacity)
	// Untouched defaults survive the partial override.
	assert.Equal(t, 500*time.Millisecond, cfg.Timeouts.StatusRefreshMaxWait)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidateRejectsUnknownCodec(t *testing.T) {
	cfg := Default()
	cfg.Codec.Preferred = "xml"
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsEmptyBaseURI(t *testing.T) {
	cfg := Default()
	cfg.Worker.BaseURI = ""
	assert.Error(t, cfg.Validate())
}
