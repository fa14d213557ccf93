package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setCreds(t *testing.T) {
	t.Helper()
	t.Setenv("AWS_ACCESS_KEY_ID", "AKID")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "SECRET")
}

func TestLoadDefaults(t *testing.T) {
	setCreds(t)

	cfg, err := Load([]string{"--bucket", "photos", "/mnt/photos"})
	require.NoError(t, err)

	assert.Equal(t, "photos", cfg.Bucket)
	assert.Equal(t, "/mnt/photos", cfg.Mountpoint)
	assert.Equal(t, BackendS3, cfg.Backend)
	assert.Equal(t, "us-east-1", cfg.Region)
	assert.Equal(t, 6*time.Second, cfg.RefreshTTL)
	assert.Equal(t, "cgofuse", cfg.Mode)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "console", cfg.LogFormat)
	assert.Equal(t, filepath.Join(os.TempDir(), "bucketfs-cache"), cfg.CacheDir)
	assert.Equal(t, "AKID", cfg.AccessKey)
	assert.Equal(t, "SECRET", cfg.SecretKey)
}

func TestLoadMissingCredentials(t *testing.T) {
	t.Setenv("AWS_ACCESS_KEY_ID", "")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "SECRET")

	_, err := Load([]string{"--bucket", "b", "/mnt"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AWS_ACCESS_KEY_ID")

	t.Setenv("AWS_ACCESS_KEY_ID", "AKID")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "")
	_, err = Load([]string{"--bucket", "b", "/mnt"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AWS_SECRET_ACCESS_KEY")
}

func TestLoadMissingBucketOrMountpoint(t *testing.T) {
	setCreds(t)

	_, err := Load([]string{"/mnt"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket")

	_, err = Load([]string{"--bucket", "b"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mountpoint")

	_, err = Load([]string{"--bucket", "b", "/mnt", "/extra"})
	assert.Error(t, err)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	setCreds(t)
	t.Setenv("BUCKETFS_BUCKET", "env-bucket")
	t.Setenv("BUCKETFS_ENDPOINT", "http://localhost:9000")
	t.Setenv("BUCKETFS_PATH_STYLE", "true")
	t.Setenv("BUCKETFS_REFRESH_TTL", "2s")
	t.Setenv("BUCKETFS_MODE", "gofuse")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load([]string{"/mnt"})
	require.NoError(t, err)

	assert.Equal(t, "env-bucket", cfg.Bucket)
	assert.Equal(t, "http://localhost:9000", cfg.Endpoint)
	assert.True(t, cfg.PathStyle)
	assert.Equal(t, 2*time.Second, cfg.RefreshTTL)
	assert.Equal(t, "gofuse", cfg.Mode)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadBadEnvValueFallsBack(t *testing.T) {
	setCreds(t)
	t.Setenv("BUCKETFS_REFRESH_TTL", "soon")
	t.Setenv("BUCKETFS_PATH_STYLE", "maybe")

	cfg, err := Load([]string{"--bucket", "b", "/mnt"})
	require.NoError(t, err)
	assert.Equal(t, 6*time.Second, cfg.RefreshTTL)
	assert.False(t, cfg.PathStyle)
}

func TestLoadFlagsOverrideEnv(t *testing.T) {
	setCreds(t)
	t.Setenv("BUCKETFS_BUCKET", "env-bucket")
	t.Setenv("BUCKETFS_REFRESH_TTL", "2s")

	cfg, err := Load([]string{"--bucket", "flag-bucket", "--refresh-ttl", "10s", "--fuse-debug", "/mnt"})
	require.NoError(t, err)

	assert.Equal(t, "flag-bucket", cfg.Bucket)
	assert.Equal(t, 10*time.Second, cfg.RefreshTTL)
	assert.True(t, cfg.FuseDebug)
}

func TestLoadFile(t *testing.T) {
	setCreds(t)
	path := filepath.Join(t.TempDir(), "bucketfs.yaml")
	data := []byte(`
bucket: file-bucket
region: eu-west-1
refresh_ttl: 3s
cache_dir: /var/cache/bucketfs
log_format: json
`)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	t.Setenv("BUCKETFS_REGION", "eu-central-1")

	cfg, err := Load([]string{"--config", path, "/mnt"})
	require.NoError(t, err)

	assert.Equal(t, "file-bucket", cfg.Bucket)
	assert.Equal(t, "eu-central-1", cfg.Region, "env beats file")
	assert.Equal(t, 3*time.Second, cfg.RefreshTTL)
	assert.Equal(t, "/var/cache/bucketfs", cfg.CacheDir)
	assert.Equal(t, "json", cfg.LogFormat)
}

func TestLoadFileErrors(t *testing.T) {
	setCreds(t)

	_, err := Load([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml"), "/mnt"})
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("bucket: [unterminated"), 0o600))
	_, err = Load([]string{"--config", path, "/mnt"})
	assert.Error(t, err)
}

func TestLoadLocalBackend(t *testing.T) {
	t.Setenv("AWS_ACCESS_KEY_ID", "")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "")

	_, err := Load([]string{"--backend", "local", "/mnt"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "local root")

	cfg, err := Load([]string{"--backend", "local", "--local-root", "/srv/bucket", "/mnt"})
	require.NoError(t, err)
	assert.Equal(t, "/srv/bucket", cfg.LocalRoot)

	_, err = Load([]string{"--backend", "memory", "/mnt"})
	assert.NoError(t, err)
}

func TestValidateRejects(t *testing.T) {
	base := func() *Config {
		c := Defaults()
		c.Backend = BackendMemory
		c.Mountpoint = "/mnt"
		return c
	}
	require.NoError(t, base().Validate())

	c := base()
	c.Backend = "gcs"
	assert.Error(t, c.Validate())

	c = base()
	c.Mode = "fuse3"
	assert.Error(t, c.Validate())

	c = base()
	c.RefreshTTL = 0
	assert.Error(t, c.Validate())

	c = base()
	c.CacheDir = ""
	assert.Error(t, c.Validate())
}

func TestLoadHelp(t *testing.T) {
	_, err := Load([]string{"--help"})
	assert.ErrorIs(t, err, pflag.ErrHelp)
}
