package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// envFile is the dotenv file read before the environment is consulted.
// Variables already present in the process environment win.
var envFile = ".env"

// parseEnv overlays FILEVAULT_* variables. DATABASE_URL and the WASABI_*
// names are accepted as fallbacks for deployments that already set them.
func parseEnv(config *Config) error {
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", envFile, err)
	}

	envString(&config.EndpointAddrHTTP, "FILEVAULT_HTTP_ADDR")
	envString(&config.EndpointAddrGRPC, "FILEVAULT_GRPC_ADDR")
	envString(&config.DatabaseDSN, "FILEVAULT_DATABASE_DSN", "DATABASE_URL")
	envString(&config.SecretKey, "FILEVAULT_SECRET_KEY")
	envString(&config.LogLevel, "FILEVAULT_LOG_LEVEL")
	envString(&config.StorageDriver, "FILEVAULT_STORAGE_DRIVER")
	envString(&config.S3RootUser, "FILEVAULT_S3_USER", "WASABI_ACCESS_KEY")
	envString(&config.S3RootPassword, "FILEVAULT_S3_PASSWORD", "WASABI_SECRET_KEY")
	envString(&config.S3Bucket, "FILEVAULT_S3_BUCKET", "WASABI_BUCKET")
	envString(&config.S3Region, "FILEVAULT_S3_REGION", "WASABI_REGION")
	envString(&config.S3BaseEndpoint, "FILEVAULT_S3_ENDPOINT")
	envString(&config.DeliveryMode, "FILEVAULT_DELIVERY_MODE")
	envString(&config.PublicBaseURL, "FILEVAULT_PUBLIC_BASE_URL")

	if v, ok := lookup("FILEVAULT_S3_USE_SSL"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("FILEVAULT_S3_USE_SSL: %w", err)
		}
		config.S3UseSSL = b
	}

	sizes := []struct {
		dst  *int64
		name string
	}{
		{&config.PartSize, "FILEVAULT_PART_SIZE"},
		{&config.MaxObjectSize, "FILEVAULT_MAX_OBJECT_SIZE"},
		{&config.DefaultQuota, "FILEVAULT_DEFAULT_QUOTA"},
	}
	for _, s := range sizes {
		if v, ok := lookup(s.name); ok {
			n, err := parseBytes(v)
			if err != nil {
				return fmt.Errorf("%s: %w", s.name, err)
			}
			*s.dst = n
		}
	}

	durations := []struct {
		dst  *time.Duration
		name string
	}{
		{&config.AccessTokenValidityDuration, "FILEVAULT_TOKEN_TTL"},
		{&config.MaxLinkTTL, "FILEVAULT_MAX_LINK_TTL"},
		{&config.PresignTTL, "FILEVAULT_PRESIGN_TTL"},
		{&config.PurgeInterval, "FILEVAULT_PURGE_INTERVAL"},
		{&config.StaleSessionAfter, "FILEVAULT_STALE_SESSION_AFTER"},
		{&config.RetryBaseDelay, "FILEVAULT_RETRY_BASE_DELAY"},
	}
	for _, d := range durations {
		if v, ok := lookup(d.name); ok {
			parsed, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", d.name, err)
			}
			*d.dst = parsed
		}
	}

	if v, ok := lookup("FILEVAULT_RETRY_ATTEMPTS"); ok {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("FILEVAULT_RETRY_ATTEMPTS: %w", err)
		}
		config.RetryAttempts = n
	}
	return nil
}

func envString(dst *string, names ...string) {
	for _, name := range names {
		if v, ok := lookup(name); ok {
			*dst = v
			return
		}
	}
}

func lookup(name string) (string, bool) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
