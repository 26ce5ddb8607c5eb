// Package resultstore uploads generation results that the inference provider
// returns inline, so jobs only ever keep a URL.
package resultstore

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
)

// S3Store writes result payloads to an S3-compatible bucket.
type S3Store struct {
	client *s3.Client
	config *Config
}

// NewS3Store creates a store for cfg.
func NewS3Store(ctx context.Context, cfg *Config) (*S3Store, error) {
	awsConfig, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
			o.UsePathStyle = true
		}
	})

	return &S3Store{client: client, config: cfg}, nil
}

// Ping checks that the bucket is reachable.
func (s *S3Store) Ping(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.config.BucketName),
	})
	if err != nil {
		return fmt.Errorf("bucket %s not accessible: %w", s.config.BucketName, err)
	}
	return nil
}

// Put uploads data and returns its public URL.
func (s *S3Store) Put(ctx context.Context, prefix, contentType string, data []byte) (string, error) {
	key := ObjectKey(prefix, contentType, time.Now().UTC())
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.config.BucketName),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(data))),
		Metadata: map[string]string{
			"upload-source": "creditfox-results",
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload result to S3: %w", err)
	}

	log.Infof("[ResultStore] Uploaded s3://%s/%s (%d bytes)", s.config.BucketName, key, len(data))
	return s.config.ObjectURL(key), nil
}

// ObjectKey builds results/<prefix>/YYYY/MM/<uuid><ext>.
func ObjectKey(prefix, contentType string, now time.Time) string {
	if prefix == "" {
		prefix = "misc"
	}
	return fmt.Sprintf("results/%s/%04d/%02d/%s%s", prefix, now.Year(), int(now.Month()), uuid.NewString(), extensionFor(contentType))
}

func extensionFor(contentType string) string {
	switch contentType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	case "video/mp4":
		return ".mp4"
	case "audio/mpeg":
		return ".mp3"
	case "audio/wav", "audio/x-wav":
		return ".wav"
	}
	if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}
