package gcs

import (
	"fmt"
	"strings"

	"github.com/grokify/objectstore"
	"github.com/grokify/objectstore/internal/config"
)

// DefaultChunkSize is the resumable upload chunk size used when none is
// configured, matching the storage client's default.
const DefaultChunkSize = 16 * 1024 * 1024

// Config holds configuration for the Google Cloud Storage backend.
type Config struct {
	// Bucket is the GCS bucket name (required).
	Bucket string

	// ServiceAccountPath is the path of a service account key file.
	ServiceAccountPath string

	// ServiceAccountKey is the JSON content of a service account key.
	// It takes precedence over ServiceAccountPath.
	ServiceAccountKey string

	// Endpoint overrides the JSON API endpoint, e.g.
	// "http://localhost:4443/storage/v1/" for fake-gcs-server.
	Endpoint string

	// Anonymous sends unauthenticated requests. It is implied when
	// STORAGE_EMULATOR_HOST is set.
	Anonymous bool

	// AllowHTTP permits a plain-HTTP endpoint.
	AllowHTTP bool

	// ChunkSize is the resumable upload chunk size in bytes.
	// Default: 16MB.
	ChunkSize int
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		ChunkSize: DefaultChunkSize,
	}
}

// ConfigFromEnv creates a Config from environment variables.
// Environment variables:
//   - GOOGLE_BUCKET or GOOGLE_BUCKET_NAME: bucket name
//   - GOOGLE_SERVICE_ACCOUNT or GOOGLE_SERVICE_ACCOUNT_PATH or
//     GOOGLE_APPLICATION_CREDENTIALS: service account key file
//   - GOOGLE_SERVICE_ACCOUNT_KEY: service account key JSON
//   - GOOGLE_STORAGE_ENDPOINT: custom endpoint
//   - STORAGE_EMULATOR_HOST: emulator host, disables authentication
//   - GOOGLE_ALLOW_HTTP: "true" to allow a plain-HTTP endpoint
func ConfigFromEnv() (Config, error) {
	return resolve(config.FromEnv(nil, envPrefixes...), "")
}

// ConfigFromMap creates a Config from a root URL and an option map.
// The URL host names the bucket. Keys absent from the map are read from
// the environment variables listed for ConfigFromEnv.
//
// Supported keys (aliases separated by slashes):
//   - google_bucket / google_bucket_name / bucket
//   - google_service_account / service_account / google_service_account_path /
//     service_account_path / google_application_credentials
//   - google_service_account_key / service_account_key
//   - google_storage_endpoint / endpoint
//   - storage_emulator_host
//   - google_skip_signature / skip_signature / anonymous
//   - google_allow_http / allow_http
//   - chunk_size: resumable upload chunk size in bytes
func ConfigFromMap(loc objectstore.StorageURL, m map[string]string) (Config, error) {
	return resolve(config.FromEnv(m, envPrefixes...), loc.Bucket)
}

var envPrefixes = []string{"google_", "storage_emulator_host"}

func resolve(opts config.Options, bucket string) (Config, error) {
	cfg := DefaultConfig()

	cfg.Bucket = bucket
	if cfg.Bucket == "" {
		cfg.Bucket = opts.String("google_bucket", "google_bucket_name", "bucket")
	}
	cfg.ServiceAccountPath = opts.String("google_service_account", "service_account",
		"google_service_account_path", "service_account_path", "google_application_credentials")
	cfg.ServiceAccountKey = opts.String("google_service_account_key", "service_account_key")
	cfg.Endpoint = opts.String("google_storage_endpoint", "endpoint")
	cfg.Anonymous, _ = opts.Bool("google_skip_signature", "skip_signature", "anonymous")
	cfg.AllowHTTP, _ = opts.Bool("google_allow_http", "allow_http")

	if host := opts.String("storage_emulator_host"); host != "" {
		if cfg.Endpoint == "" {
			cfg.Endpoint = emulatorEndpoint(host)
		}
		cfg.Anonymous = true
		cfg.AllowHTTP = cfg.AllowHTTP || strings.HasPrefix(cfg.Endpoint, "http://")
	}

	if v, ok := opts.Lookup("chunk_size"); ok {
		size, valid := opts.Int("chunk_size")
		if !valid || size < 0 {
			return Config{}, fmt.Errorf("gcs: invalid chunk_size %q", v)
		}
		cfg.ChunkSize = size
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// emulatorEndpoint turns an emulator host such as "localhost:4443" into a
// JSON API endpoint.
func emulatorEndpoint(host string) string {
	if !strings.Contains(host, "://") {
		host = "http://" + host
	}
	return strings.TrimSuffix(host, "/") + "/storage/v1/"
}

// Validate checks if the configuration is valid.
func (c Config) Validate() error {
	if c.Bucket == "" {
		return ErrBucketRequired
	}
	if !c.Anonymous && c.ServiceAccountPath == "" && c.ServiceAccountKey == "" {
		return fmt.Errorf("%w: gcs service account must be specified", objectstore.ErrMissingCredential)
	}
	if c.ChunkSize < 0 {
		return fmt.Errorf("gcs: invalid chunk size %d", c.ChunkSize)
	}
	return nil
}
