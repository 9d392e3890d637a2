package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.EqualValues(t, 750*1024, cfg.Segmenter.SegmentSize)
	assert.Equal(t, 0.05, cfg.Segmenter.CompressMinGain)
	assert.Equal(t, 1, cfg.Engine.Redundancy)
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("nntp:\n  host: news.example.org\n  port: 119\n  tls: false\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "news.example.org", cfg.NNTP.Host)
	assert.Equal(t, 119, cfg.NNTP.Port)
	assert.False(t, cfg.NNTP.TLS)
	// Unset fields keep their defaults.
	assert.Equal(t, 10, cfg.NNTP.MaxConnections)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("USENETSYNC_NNTP_PASSWORD", "s3cret")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.NNTP.Password)
}
