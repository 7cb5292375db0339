package config

import (
	"encoding/json"
	"os"

	"github.com/dmitrijs2005/filevault/internal/flagx"
	"github.com/dmitrijs2005/filevault/internal/timex"
)

// JsonConfig is the on-disk shape of the configuration file. Durations
// use timex.Duration and sizes use ByteSize, so "90s" and "8MiB" are
// accepted. Absent fields leave the current value untouched.
type JsonConfig struct {
	EndpointAddrHTTP            string         `json:"endpoint_addr_http"`
	EndpointAddrGRPC            string         `json:"endpoint_addr_grpc"`
	DatabaseDSN                 string         `json:"database_dsn"`
	SecretKey                   string         `json:"secret_key"`
	LogLevel                    string         `json:"log_level"`
	AccessTokenValidityDuration timex.Duration `json:"access_token_validity_duration"`
	StorageDriver               string         `json:"storage_driver"`
	S3RootUser                  string         `json:"s3_root_user"`
	S3RootPassword              string         `json:"s3_root_password"`
	S3Bucket                    string         `json:"s3_bucket"`
	S3Region                    string         `json:"s3_region"`
	S3BaseEndpoint              string         `json:"s3_base_endpoint"`
	S3UseSSL                    *bool          `json:"s3_use_ssl"`
	PartSize                    ByteSize       `json:"part_size"`
	MaxObjectSize               ByteSize       `json:"max_object_size"`
	DefaultQuota                ByteSize       `json:"default_quota"`
	ProgressCacheSize           int            `json:"progress_cache_size"`
	MaxLinkTTL                  timex.Duration `json:"max_link_ttl"`
	DeliveryMode                string         `json:"delivery_mode"`
	PublicBaseURL               string         `json:"public_base_url"`
	PresignTTL                  timex.Duration `json:"presign_ttl"`
	PurgeInterval               timex.Duration `json:"purge_interval"`
	StaleSessionAfter           timex.Duration `json:"stale_session_after"`
	RetryAttempts               uint64         `json:"retry_attempts"`
	RetryBaseDelay              timex.Duration `json:"retry_base_delay"`
}

// parseJson overlays the file named by -c/-config, if any.
func parseJson(config *Config) error {
	path := flagx.JsonConfigFlags()
	if path == "" {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	c := &JsonConfig{}
	if err := json.Unmarshal(data, c); err != nil {
		return err
	}

	c.apply(config)
	return nil
}

func (c *JsonConfig) apply(config *Config) {
	setString(&config.EndpointAddrHTTP, c.EndpointAddrHTTP)
	setString(&config.EndpointAddrGRPC, c.EndpointAddrGRPC)
	setString(&config.DatabaseDSN, c.DatabaseDSN)
	setString(&config.SecretKey, c.SecretKey)
	setString(&config.LogLevel, c.LogLevel)
	setString(&config.StorageDriver, c.StorageDriver)
	setString(&config.S3RootUser, c.S3RootUser)
	setString(&config.S3RootPassword, c.S3RootPassword)
	setString(&config.S3Bucket, c.S3Bucket)
	setString(&config.S3Region, c.S3Region)
	setString(&config.S3BaseEndpoint, c.S3BaseEndpoint)
	setString(&config.DeliveryMode, c.DeliveryMode)
	setString(&config.PublicBaseURL, c.PublicBaseURL)

	if c.S3UseSSL != nil {
		config.S3UseSSL = *c.S3UseSSL
	}
	if c.AccessTokenValidityDuration.Duration > 0 {
		config.AccessTokenValidityDuration = c.AccessTokenValidityDuration.Duration
	}
	if c.PartSize > 0 {
		config.PartSize = int64(c.PartSize)
	}
	if c.MaxObjectSize > 0 {
		config.MaxObjectSize = int64(c.MaxObjectSize)
	}
	if c.DefaultQuota > 0 {
		config.DefaultQuota = int64(c.DefaultQuota)
	}
	if c.ProgressCacheSize > 0 {
		config.ProgressCacheSize = c.ProgressCacheSize
	}
	if c.MaxLinkTTL.Duration > 0 {
		config.MaxLinkTTL = c.MaxLinkTTL.Duration
	}
	if c.PresignTTL.Duration > 0 {
		config.PresignTTL = c.PresignTTL.Duration
	}
	if c.PurgeInterval.Duration > 0 {
		config.PurgeInterval = c.PurgeInterval.Duration
	}
	if c.StaleSessionAfter.Duration > 0 {
		config.StaleSessionAfter = c.StaleSessionAfter.Duration
	}
	if c.RetryAttempts > 0 {
		config.RetryAttempts = c.RetryAttempts
	}
	if c.RetryBaseDelay.Duration > 0 {
		config.RetryBaseDelay = c.RetryBaseDelay.Duration
	}
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
