package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_parseEnv(t *testing.T) {
	t.Run("prefixed variables", func(t *testing.T) {
		withEnvFile(t, filepath.Join(t.TempDir(), "none.env"))
		t.Setenv("FILEVAULT_GRPC_ADDR", ":6000")
		t.Setenv("FILEVAULT_PART_SIZE", "6MiB")
		t.Setenv("FILEVAULT_MAX_LINK_TTL", "1h")
		t.Setenv("FILEVAULT_S3_USE_SSL", "true")
		t.Setenv("FILEVAULT_RETRY_ATTEMPTS", "2")

		var cfg Config
		cfg.LoadDefaults()
		require.NoError(t, parseEnv(&cfg))

		assert.Equal(t, ":6000", cfg.EndpointAddrGRPC)
		assert.Equal(t, int64(6<<20), cfg.PartSize)
		assert.Equal(t, time.Hour, cfg.MaxLinkTTL)
		assert.True(t, cfg.S3UseSSL)
		assert.Equal(t, uint64(2), cfg.RetryAttempts)
	})

	t.Run("legacy names as fallback", func(t *testing.T) {
		withEnvFile(t, filepath.Join(t.TempDir(), "none.env"))
		t.Setenv("DATABASE_URL", "postgres://legacy")
		t.Setenv("WASABI_BUCKET", "legacy-bucket")
		t.Setenv("FILEVAULT_S3_BUCKET", "")

		var cfg Config
		cfg.LoadDefaults()
		require.NoError(t, parseEnv(&cfg))

		assert.Equal(t, "postgres://legacy", cfg.DatabaseDSN)
		assert.Equal(t, "legacy-bucket", cfg.S3Bucket)
	})

	t.Run("dotenv file", func(t *testing.T) {
		dir := t.TempDir()
		p := filepath.Join(dir, ".env")
		require.NoError(t, os.WriteFile(p, []byte("FILEVAULT_TEST_DOTENV_REGION=ap-northeast-1\n"), 0o600))
		withEnvFile(t, p)
		t.Setenv("FILEVAULT_TEST_DOTENV_REGION", "")
		require.NoError(t, os.Unsetenv("FILEVAULT_TEST_DOTENV_REGION"))

		var cfg Config
		require.NoError(t, parseEnv(&cfg))
		assert.Equal(t, "ap-northeast-1", os.Getenv("FILEVAULT_TEST_DOTENV_REGION"))
	})

	t.Run("bad duration", func(t *testing.T) {
		withEnvFile(t, filepath.Join(t.TempDir(), "none.env"))
		t.Setenv("FILEVAULT_PURGE_INTERVAL", "sometimes")
		require.Error(t, parseEnv(&Config{}))
	})

	t.Run("bad size", func(t *testing.T) {
		withEnvFile(t, filepath.Join(t.TempDir(), "none.env"))
		t.Setenv("FILEVAULT_DEFAULT_QUOTA", "huge")
		require.Error(t, parseEnv(&Config{}))
	})
}
