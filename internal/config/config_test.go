package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SDS_REPOSITORY_PATH", "/data/repo")
	t.Setenv("SDS_ACCESS_FILE", "/etc/sds/access.yaml")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, 10*time.Minute, cfg.LeaseTTL)
	assert.Equal(t, int64(512*1024*1024), cfg.MaxUploadSize)
	assert.Equal(t, "none", cfg.ArchiveBackend)
	assert.False(t, cfg.TLSEnabled())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SDS_REPOSITORY_PATH", "/data/repo")
	t.Setenv("SDS_ACCESS_FILE", "/etc/sds/access.yaml")
	t.Setenv("SDS_LEASE_TTL", "90s")
	t.Setenv("SDS_INDEX_CACHE_SIZE", "not-a-number")
	t.Setenv("ARCHIVE_BACKEND", "local")
	t.Setenv("ARCHIVE_LOCAL_PATH", "/data/archive")
	t.Setenv("TLS_CERT_FILE", "c.pem")
	t.Setenv("TLS_KEY_FILE", "k.pem")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.LeaseTTL)
	assert.Equal(t, 128, cfg.IndexCacheSize)
	assert.Equal(t, "/data/archive", cfg.ArchiveLocalPath)
	assert.True(t, cfg.TLSEnabled())
}

func TestLoadRequired(t *testing.T) {
	t.Setenv("SDS_REPOSITORY_PATH", "")
	t.Setenv("SDS_ACCESS_FILE", "")
	_, err := Load()
	assert.ErrorContains(t, err, "SDS_REPOSITORY_PATH")

	t.Setenv("SDS_REPOSITORY_PATH", "/data/repo")
	_, err = Load()
	assert.ErrorContains(t, err, "SDS_ACCESS_FILE")

	t.Setenv("SDS_ACCESS_FILE", "/etc/sds/access.yaml")
	t.Setenv("ARCHIVE_BACKEND", "local")
	_, err = Load()
	assert.ErrorContains(t, err, "ARCHIVE_LOCAL_PATH")

	t.Setenv("ARCHIVE_BACKEND", "tape")
	_, err = Load()
	assert.ErrorContains(t, err, "ARCHIVE_BACKEND")
}
