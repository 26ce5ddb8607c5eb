package resultstore

import (
	"errors"
	"strings"

	"github.com/ManuelReschke/CreditFox/internal/pkg/env"
)

// Config holds the bucket that receives inline generation results.
type Config struct {
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	BucketName      string
	EndpointURL     string // Optional for S3-compatible services
	PublicBaseURL   string // Optional CDN or public bucket URL used in result links
}

// LoadConfig reads RESULT_S3_* from the environment. It returns nil, nil when
// no bucket is configured; callers then fall back to data: URIs.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AccessKeyID:     env.GetEnv("RESULT_S3_ACCESS_KEY_ID", ""),
		SecretAccessKey: env.GetEnv("RESULT_S3_SECRET_ACCESS_KEY", ""),
		Region:          env.GetEnv("RESULT_S3_REGION", "us-east-1"),
		BucketName:      env.GetEnv("RESULT_S3_BUCKET", ""),
		EndpointURL:     env.GetEnv("RESULT_S3_ENDPOINT", ""),
		PublicBaseURL:   env.GetEnv("RESULT_S3_PUBLIC_BASE_URL", ""),
	}
	if cfg.BucketName == "" {
		return nil, nil
	}
	if cfg.AccessKeyID == "" {
		return nil, errors.New("RESULT_S3_ACCESS_KEY_ID is required when RESULT_S3_BUCKET is set")
	}
	if cfg.SecretAccessKey == "" {
		return nil, errors.New("RESULT_S3_SECRET_ACCESS_KEY is required when RESULT_S3_BUCKET is set")
	}
	return cfg, nil
}

// ObjectURL returns the link handed to API clients for key.
func (c *Config) ObjectURL(key string) string {
	if c.PublicBaseURL != "" {
		return strings.TrimRight(c.PublicBaseURL, "/") + "/" + key
	}
	if c.EndpointURL != "" {
		return strings.TrimRight(c.EndpointURL, "/") + "/" + c.BucketName + "/" + key
	}
	return "https://" + c.BucketName + ".s3." + c.Region + ".amazonaws.com/" + key
}
