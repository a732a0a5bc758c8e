package s3

import (
	"fmt"

	"github.com/grokify/objectstore"
	"github.com/grokify/objectstore/internal/config"
)

// DefaultRegion is used for custom endpoints when no region is configured.
const DefaultRegion = "us-east-1"

// MinPartSize is the smallest part S3 accepts for any part but the last.
const MinPartSize = 5 * 1024 * 1024

// Config holds configuration for the S3 backend.
type Config struct {
	// Bucket is the S3 bucket name (required).
	Bucket string

	// Region is the AWS region (e.g., "us-east-1").
	// Required unless Endpoint is set, in which case it defaults to
	// DefaultRegion.
	Region string

	// Endpoint is a custom endpoint URL for S3-compatible services.
	// Examples:
	//   - MinIO: "http://localhost:9000"
	//   - Cloudflare R2: "https://<account_id>.r2.cloudflarestorage.com"
	//   - Wasabi: "https://s3.wasabisys.com"
	// Leave empty for AWS S3.
	Endpoint string

	// AccessKeyID is the AWS access key ID.
	// If empty, the SDK's default credential chain is used
	// (environment, shared config, instance metadata).
	AccessKeyID string

	// SecretAccessKey is the AWS secret access key.
	SecretAccessKey string

	// SessionToken is an optional session token for temporary credentials.
	SessionToken string

	// Profile selects a shared config profile for the default chain.
	Profile string

	// MetadataEndpoint overrides the instance metadata endpoint used to
	// fetch instance credentials.
	MetadataEndpoint string

	// UsePathStyle forces path-style addressing instead of virtual-hosted-style.
	// It defaults to true when Endpoint is set, as MinIO and most
	// self-hosted services require it.
	UsePathStyle bool

	// AllowHTTP permits a plain-HTTP endpoint.
	// Only use for local development (e.g., local MinIO).
	AllowHTTP bool

	// PartSize is the size in bytes for multipart upload parts.
	// Default: 5MB (minimum for S3).
	PartSize int
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		PartSize: MinPartSize,
	}
}

// ConfigFromEnv creates a Config from environment variables.
// Environment variables:
//   - AWS_BUCKET or OBJECTSTORE_S3_BUCKET: bucket name
//   - AWS_REGION or AWS_DEFAULT_REGION or OBJECTSTORE_S3_REGION: region
//   - AWS_ENDPOINT_URL or AWS_ENDPOINT or OBJECTSTORE_S3_ENDPOINT: custom endpoint
//   - AWS_ACCESS_KEY_ID: access key
//   - AWS_SECRET_ACCESS_KEY: secret key
//   - AWS_SESSION_TOKEN: session token
//   - AWS_PROFILE: shared config profile
//   - AWS_VIRTUAL_HOSTED_STYLE_REQUEST: "true" for virtual-hosted addressing
//   - OBJECTSTORE_S3_USE_PATH_STYLE: "true" for path-style addressing
//   - AWS_ALLOW_HTTP: "true" to allow a plain-HTTP endpoint
func ConfigFromEnv() (Config, error) {
	return resolve(config.FromEnv(nil, envPrefixes...), "")
}

// ConfigFromMap creates a Config from a root URL and an option map.
// The URL host names the bucket. Keys absent from the map are read from
// the environment variables listed for ConfigFromEnv.
//
// Supported keys (aliases separated by slashes):
//   - aws_bucket / bucket
//   - aws_region / region / aws_default_region
//   - aws_endpoint_url / aws_endpoint / endpoint_url / endpoint
//   - aws_access_key_id / access_key_id
//   - aws_secret_access_key / secret_access_key
//   - aws_session_token / session_token / aws_token / token
//   - aws_profile / profile
//   - aws_metadata_endpoint / metadata_endpoint
//   - aws_virtual_hosted_style_request / virtual_hosted_style_request
//   - use_path_style
//   - aws_allow_http / allow_http
//   - part_size: multipart upload part size in bytes
func ConfigFromMap(loc objectstore.StorageURL, m map[string]string) (Config, error) {
	return resolve(config.FromEnv(m, envPrefixes...), loc.Bucket)
}

var envPrefixes = []string{"aws_", "objectstore_s3_"}

func resolve(opts config.Options, bucket string) (Config, error) {
	cfg := DefaultConfig()

	cfg.Bucket = bucket
	if cfg.Bucket == "" {
		cfg.Bucket = opts.String("aws_bucket", "bucket", "aws_bucket_name", "objectstore_s3_bucket")
	}
	cfg.Region = opts.String("aws_region", "region", "aws_default_region", "objectstore_s3_region")
	cfg.Endpoint = opts.String("aws_endpoint_url", "aws_endpoint", "endpoint_url", "endpoint", "objectstore_s3_endpoint")
	cfg.AccessKeyID = opts.String("aws_access_key_id", "access_key_id")
	cfg.SecretAccessKey = opts.String("aws_secret_access_key", "secret_access_key")
	cfg.SessionToken = opts.String("aws_session_token", "session_token", "aws_token", "token")
	cfg.Profile = opts.String("aws_profile", "profile")
	cfg.MetadataEndpoint = opts.String("aws_metadata_endpoint", "metadata_endpoint")

	cfg.UsePathStyle = cfg.Endpoint != ""
	if v, ok := opts.Bool("aws_virtual_hosted_style_request", "virtual_hosted_style_request"); ok {
		cfg.UsePathStyle = !v
	}
	if v, ok := opts.Bool("use_path_style", "objectstore_s3_use_path_style"); ok {
		cfg.UsePathStyle = v
	}
	if v, ok := opts.Bool("aws_allow_http", "allow_http"); ok {
		cfg.AllowHTTP = v
	}

	if v, ok := opts.Lookup("part_size"); ok {
		size, valid := opts.Int("part_size")
		if !valid || size <= 0 {
			return Config{}, fmt.Errorf("s3: invalid part_size %q", v)
		}
		cfg.PartSize = size
	}

	if cfg.Region == "" && cfg.Endpoint != "" {
		cfg.Region = DefaultRegion
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c Config) Validate() error {
	if c.Bucket == "" {
		return ErrBucketRequired
	}
	if c.Region == "" {
		return ErrRegionRequired
	}
	if (c.AccessKeyID == "") != (c.SecretAccessKey == "") {
		return fmt.Errorf("%w: s3 access key id and secret access key must be set together", objectstore.ErrMissingCredential)
	}
	if c.PartSize != 0 && c.PartSize < MinPartSize {
		return fmt.Errorf("s3: part size %d is below the minimum of %d", c.PartSize, MinPartSize)
	}
	return nil
}
